// Package bqtransfer creates and updates the BigQuery Data Transfer Service
// configs that import Merchant Center and Google Ads data, and waits for
// their runs to finish.
package bqtransfer

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/structpb"

	datatransfer "cloud.google.com/go/bigquery/datatransfer/apiv1"
	dpb "cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
)

// Data source ids of the supported transfers.
const (
	MerchantCenterID = "merchant_center"
	GoogleAdsID      = "google_ads"
)

// Configs in any other state are treated as if they did not exist.
var activeStates = map[dpb.TransferState]bool{
	dpb.TransferState_PENDING:   true,
	dpb.TransferState_RUNNING:   true,
	dpb.TransferState_SUCCEEDED: true,
}

// InvalidDataSourceError is returned when the metadata of a data source
// cannot be resolved.
type InvalidDataSourceError struct {
	DataSourceID string
	Err          error
}

func (e *InvalidDataSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid data source %s: %v", e.DataSourceID, e.Err)
	}
	return fmt.Sprintf("invalid data source %s", e.DataSourceID)
}

func (e *InvalidDataSourceError) Unwrap() error { return e.Err }

// Authorizer retrieves the authorization code a new transfer config needs to
// access a data source on behalf of the user.
type Authorizer interface {
	RetrieveAuthorizationCode(ctx context.Context, clientID string, scopes []string, dataSourceID string) (string, error)
}

// Manager upserts transfer configs of a project.
type Manager struct {
	project string
	cli     *datatransfer.Client
	auth    Authorizer
}

// NewManager returns a Manager for the given project.
func NewManager(project string, cli *datatransfer.Client, auth Authorizer) (*Manager, error) {
	if project == "" {
		return nil, fmt.Errorf("project is not specified")
	}
	if cli == nil {
		return nil, fmt.Errorf("nil data transfer client")
	}
	if auth == nil {
		return nil, fmt.Errorf("nil authorizer")
	}
	return &Manager{project: project, cli: cli, auth: auth}, nil
}

// EnsureRequest describes the transfer config that should exist.
type EnsureRequest struct {
	DataSourceID string
	// DestinationDataset restricts reuse to configs writing to this dataset
	// if set.
	DestinationDataset string
	Location           string
	// Params is the desired parameter set of the config. A config is reused
	// only if every key/value of Params is present in its params.
	Params *structpb.Struct
	// DisplayName names a new config.
	DisplayName string
	// NameFilter, if set, restricts reuse to configs with this display name.
	NameFilter string

	Schedule              string
	ServiceAccount        string
	DataRefreshWindowDays int32
}

func (r *EnsureRequest) validate() error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	if r.DataSourceID == "" {
		return fmt.Errorf("data source is not specified")
	}
	if r.Location == "" {
		return fmt.Errorf("location is not specified")
	}
	if r.Params == nil {
		return fmt.Errorf("params are not specified")
	}
	return nil
}

func locationPath(project, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, location)
}

func dataSourcePath(project, dataSourceID string) string {
	return fmt.Sprintf("projects/%s/dataSources/%s", project, dataSourceID)
}

// paramsContain reports whether every field of want is present with an
// identical value in params.
func paramsContain(params, want *structpb.Struct) bool {
	fields := params.GetFields()
	for k, v := range want.GetFields() {
		got, ok := fields[k]
		if !ok || !proto.Equal(got, v) {
			return false
		}
	}
	return true
}

func paramsEqual(a, b *structpb.Struct) bool {
	return len(a.GetFields()) == len(b.GetFields()) && paramsContain(a, b)
}

// existingTransfer returns the first active config that req may reuse, or
// nil if there is none.
func (m *Manager) existingTransfer(ctx context.Context, req *EnsureRequest) (*dpb.TransferConfig, error) {
	it := m.cli.ListTransferConfigs(ctx, &dpb.ListTransferConfigsRequest{
		Parent: locationPath(m.project, req.Location),
	})
	for {
		tc, err := it.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if tc.GetDataSourceId() != req.DataSourceID {
			continue
		}
		if req.DestinationDataset != "" && tc.GetDestinationDatasetId() != req.DestinationDataset {
			continue
		}
		if !activeStates[tc.GetState()] {
			glog.V(1).Infof("Ignoring transfer config %s in state %s", tc.GetName(), tc.GetState())
			continue
		}
		if req.NameFilter != "" && tc.GetDisplayName() != req.NameFilter {
			continue
		}
		if paramsContain(tc.GetParams(), req.Params) {
			return tc, nil
		}
	}
}

// updateTransfer replaces the params of tc unless they already equal params.
// No other field of the config is touched.
func (m *Manager) updateTransfer(ctx context.Context, tc *dpb.TransferConfig, params *structpb.Struct) (*dpb.TransferConfig, error) {
	if paramsEqual(tc.GetParams(), params) {
		glog.Infof("The data transfer config %q parameters match. Hence skipping update.", tc.GetDisplayName())
		return tc, nil
	}
	updated := proto.Clone(tc).(*dpb.TransferConfig)
	updated.Params = proto.Clone(params).(*structpb.Struct)
	resp, err := m.cli.UpdateTransferConfig(ctx, &dpb.UpdateTransferConfigRequest{
		TransferConfig: updated,
		UpdateMask:     &fieldmaskpb.FieldMask{Paths: []string{"params"}},
	})
	if err != nil {
		return nil, fmt.Errorf("UpdateTransferConfig(%s): %w", tc.GetName(), err)
	}
	glog.Infof("The data transfer config %q parameters updated.", resp.GetDisplayName())
	return resp, nil
}

func (m *Manager) createTransfer(ctx context.Context, req *EnsureRequest) (*dpb.TransferConfig, error) {
	ds, err := m.DataSource(ctx, req.DataSourceID)
	if err != nil {
		return nil, err
	}
	code, err := m.auth.RetrieveAuthorizationCode(ctx, ds.GetClientId(), ds.GetScopes(), req.DataSourceID)
	if err != nil {
		return nil, fmt.Errorf("RetrieveAuthorizationCode(%s): %w", req.DataSourceID, err)
	}

	tc := &dpb.TransferConfig{
		DisplayName:  req.DisplayName,
		DataSourceId: req.DataSourceID,
		Destination: &dpb.TransferConfig_DestinationDatasetId{
			DestinationDatasetId: req.DestinationDataset,
		},
		Params:                proto.Clone(req.Params).(*structpb.Struct),
		Schedule:              req.Schedule,
		DataRefreshWindowDays: req.DataRefreshWindowDays,
	}
	resp, err := m.cli.CreateTransferConfig(ctx, &dpb.CreateTransferConfigRequest{
		Parent:             locationPath(m.project, req.Location),
		TransferConfig:     tc,
		AuthorizationCode:  code,
		ServiceAccountName: req.ServiceAccount,
	})
	if err != nil {
		return nil, fmt.Errorf("CreateTransferConfig(%s): %w", req.DisplayName, err)
	}
	glog.Infof("Created transfer config %s (%s) to dataset %s", resp.GetName(), req.DisplayName, req.DestinationDataset)
	return resp, nil
}

// EnsureTransferConfig makes sure a config described by req exists and
// returns it. An existing active config whose params contain every requested
// key/value is reused: it is returned as is when its params equal req.Params,
// otherwise only its params are updated. If there is none, a new config is
// created. At most one create or update call is made.
func (m *Manager) EnsureTransferConfig(ctx context.Context, req *EnsureRequest) (*dpb.TransferConfig, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tc, err := m.existingTransfer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("existingTransfer(%s, %s): %w", req.DataSourceID, req.Location, err)
	}
	if tc != nil {
		glog.Infof("Data transfer %s for %s to destination dataset %s already exists.",
			tc.GetName(), req.DataSourceID, tc.GetDestinationDatasetId())
		return m.updateTransfer(ctx, tc, req.Params)
	}
	glog.Infof("Creating data transfer for %s to destination dataset %s", req.DataSourceID, req.DestinationDataset)
	return m.createTransfer(ctx, req)
}

// EnsureMerchantCenterTransfer ensures a daily import of products, price
// benchmarks and best sellers of a Merchant Center account.
func (m *Manager) EnsureMerchantCenterTransfer(ctx context.Context, merchantID, dataset, location, serviceAccount, schedule string) (*dpb.TransferConfig, error) {
	return m.EnsureTransferConfig(ctx, &EnsureRequest{
		DataSourceID:       MerchantCenterID,
		DestinationDataset: dataset,
		Location:           location,
		Params: &structpb.Struct{Fields: map[string]*structpb.Value{
			"merchant_id":             structpb.NewStringValue(merchantID),
			"export_products":         structpb.NewBoolValue(true),
			"export_price_benchmarks": structpb.NewBoolValue(true),
			"export_best_sellers":     structpb.NewBoolValue(true),
		}},
		DisplayName:    fmt.Sprintf("Merchant_Transfer_%s", merchantID),
		Schedule:       schedule,
		ServiceAccount: serviceAccount,
	})
}

// EnsureGoogleAdsTransfer ensures an import of a Google Ads customer.
func (m *Manager) EnsureGoogleAdsTransfer(ctx context.Context, customerID, dataset, location, serviceAccount, schedule string) (*dpb.TransferConfig, error) {
	return m.EnsureTransferConfig(ctx, &EnsureRequest{
		DataSourceID:       GoogleAdsID,
		DestinationDataset: dataset,
		Location:           location,
		Params: &structpb.Struct{Fields: map[string]*structpb.Value{
			"customer_id": structpb.NewStringValue(customerID),
		}},
		DisplayName:           fmt.Sprintf("GAds_Transfer_%s", customerID),
		Schedule:              schedule,
		ServiceAccount:        serviceAccount,
		DataRefreshWindowDays: 1,
	})
}

// DataSource returns the metadata of a data source, which carries the OAuth
// client id and scopes used to authorize new transfers.
func (m *Manager) DataSource(ctx context.Context, dataSourceID string) (*dpb.DataSource, error) {
	ds, err := m.cli.GetDataSource(ctx, &dpb.GetDataSourceRequest{
		Name: dataSourcePath(m.project, dataSourceID),
	})
	if status.Code(err) == codes.NotFound || (err == nil && ds == nil) {
		return nil, &InvalidDataSourceError{DataSourceID: dataSourceID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("GetDataSource(%s): %w", dataSourceID, err)
	}
	return ds, nil
}

// HasValidCredentials reports whether the service already holds valid
// credentials for the data source.
func (m *Manager) HasValidCredentials(ctx context.Context, dataSourceID string) (bool, error) {
	resp, err := m.cli.CheckValidCreds(ctx, &dpb.CheckValidCredsRequest{
		Name: dataSourcePath(m.project, dataSourceID),
	})
	if err != nil {
		return false, fmt.Errorf("CheckValidCreds(%s): %w", dataSourceID, err)
	}
	return resp.GetHasValidCreds(), nil
}
