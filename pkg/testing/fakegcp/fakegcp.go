// Package fakegcp provides in-memory fakes of the Google Cloud APIs used by
// the feed automation. This package should be test-only.
package fakegcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	datatransfer "cloud.google.com/go/bigquery/datatransfer/apiv1"
	dpb "cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
	log "github.com/sirupsen/logrus"
)

// DataTransfer is a fake Data Transfer Service. Exported fields may be set
// before the server starts; recorded requests are read after the calls.
type DataTransfer struct {
	dpb.UnimplementedDataTransferServiceServer

	mu sync.Mutex

	Configs     []*dpb.TransferConfig
	DataSources map[string]*dpb.DataSource
	ValidCreds  map[string]bool
	// Runs maps a transfer config name to its runs, latest first.
	Runs map[string][]*dpb.TransferRun
	// RunsFunc, if set, overrides Runs. It receives the 1-based number of
	// the ListTransferRuns call.
	RunsFunc func(call int) []*dpb.TransferRun

	ListConfigsCalls int
	ListRunsCalls    int
	CreateRequests   []*dpb.CreateTransferConfigRequest
	UpdateRequests   []*dpb.UpdateTransferConfigRequest
}

// SetupDataTransfer serves fake over a local gRPC listener and returns a
// client connected to it.
func SetupDataTransfer(ctx context.Context, t *testing.T, fake *DataTransfer) *datatransfer.Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	s := grpc.NewServer()
	dpb.RegisterDataTransferServiceServer(s, fake)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	cli, err := datatransfer.NewClient(ctx,
		option.WithEndpoint(lis.Addr().String()),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("datatransfer.NewClient: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

// Config returns a copy of the stored config with the given name.
func (f *DataTransfer) Config(name string) *dpb.TransferConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Configs {
		if c.GetName() == name {
			return proto.Clone(c).(*dpb.TransferConfig)
		}
	}
	return nil
}

func (f *DataTransfer) GetDataSource(ctx context.Context, req *dpb.GetDataSourceRequest) (*dpb.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.DataSources[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "data source %s not found", req.GetName())
	}
	return proto.Clone(ds).(*dpb.DataSource), nil
}

func (f *DataTransfer) CheckValidCreds(ctx context.Context, req *dpb.CheckValidCredsRequest) (*dpb.CheckValidCredsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dpb.CheckValidCredsResponse{HasValidCreds: f.ValidCreds[req.GetName()]}, nil
}

func (f *DataTransfer) ListTransferConfigs(ctx context.Context, req *dpb.ListTransferConfigsRequest) (*dpb.ListTransferConfigsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListConfigsCalls++
	resp := &dpb.ListTransferConfigsResponse{}
	for _, c := range f.Configs {
		resp.TransferConfigs = append(resp.TransferConfigs, proto.Clone(c).(*dpb.TransferConfig))
	}
	return resp, nil
}

func (f *DataTransfer) CreateTransferConfig(ctx context.Context, req *dpb.CreateTransferConfigRequest) (*dpb.TransferConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateRequests = append(f.CreateRequests, proto.Clone(req).(*dpb.CreateTransferConfigRequest))
	c := proto.Clone(req.GetTransferConfig()).(*dpb.TransferConfig)
	c.Name = fmt.Sprintf("%s/transferConfigs/%d", req.GetParent(), len(f.Configs)+1)
	c.State = dpb.TransferState_PENDING
	f.Configs = append(f.Configs, c)
	return proto.Clone(c).(*dpb.TransferConfig), nil
}

func (f *DataTransfer) UpdateTransferConfig(ctx context.Context, req *dpb.UpdateTransferConfigRequest) (*dpb.TransferConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateRequests = append(f.UpdateRequests, proto.Clone(req).(*dpb.UpdateTransferConfigRequest))
	for _, c := range f.Configs {
		if c.GetName() != req.GetTransferConfig().GetName() {
			continue
		}
		for _, p := range req.GetUpdateMask().GetPaths() {
			switch p {
			case "params":
				c.Params = proto.Clone(req.GetTransferConfig().GetParams()).(*structpb.Struct)
			default:
				return nil, status.Errorf(codes.Unimplemented, "fake does not update %s", p)
			}
		}
		return proto.Clone(c).(*dpb.TransferConfig), nil
	}
	return nil, status.Errorf(codes.NotFound, "transfer config %s not found", req.GetTransferConfig().GetName())
}

func (f *DataTransfer) ListTransferRuns(ctx context.Context, req *dpb.ListTransferRunsRequest) (*dpb.ListTransferRunsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListRunsCalls++
	runs := f.Runs[req.GetParent()]
	if f.RunsFunc != nil {
		runs = f.RunsFunc(f.ListRunsCalls)
	}
	resp := &dpb.ListTransferRunsResponse{}
	for _, r := range runs {
		resp.TransferRuns = append(resp.TransferRuns, proto.Clone(r).(*dpb.TransferRun))
	}
	return resp, nil
}

// Request is a REST request received by a Recorder.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Recorder records requests sent to a fake REST API and answers each one
// with Status and Response.
type Recorder struct {
	mu       sync.Mutex
	Requests []Request

	Status   int
	Response string
}

func writeError(rw http.ResponseWriter, status int, err error) {
	log.Error(err)
	rw.WriteHeader(status)
	rw.Write([]byte(err.Error()))
}

// Handler records the request and writes the canned response.
func (r *Recorder) Handler(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	r.mu.Lock()
	r.Requests = append(r.Requests, Request{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Body:   body,
	})
	st, resp := r.Status, r.Response
	r.mu.Unlock()

	if st == 0 {
		st = http.StatusOK
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(st)
	rw.Write([]byte(resp))
}

// Last returns the last recorded request.
func (r *Recorder) Last() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Requests) == 0 {
		return Request{}, false
	}
	return r.Requests[len(r.Requests)-1], true
}

// SetupREST starts an HTTP server backed by rec and returns the client
// options that point a Google API client at it.
func SetupREST(t *testing.T, rec *Recorder) []option.ClientOption {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(rec.Handler))
	t.Cleanup(srv.Close)
	return []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithoutAuthentication(),
	}
}
