// Package feedtrigger turns scheduled query notifications into feed
// generation jobs: a BigQuery export of low-volume SKUs or a Dataflow
// template launch that writes the zombie products feed.
package feedtrigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/zombies-on-steroids/pkg/accounts"
	gcsutils "github.com/google/zombies-on-steroids/pkg/utils/gcs"

	log "github.com/sirupsen/logrus"
)

// ErrSkipped is returned for notifications that do not lead to a job.
var ErrSkipped = errors.New("notification skipped")

// ErrTemplateNotFound is returned when a pipeline template does not exist.
// Resubmitting cannot fix it, so Handle does not report it as a SubmitError.
var ErrTemplateNotFound = errors.New("pipeline template not found")

// SubmitError is returned when a job could not be submitted. Unlike other
// Handle errors it may succeed on redelivery.
type SubmitError struct {
	Job string
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Job, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// JobRequest is the job submitted for one notification.
type JobRequest struct {
	Feed    string
	JobName string
	Query   string
	// Template is the gs:// path of a pipeline template; empty for query jobs.
	Template    string
	Destination string
	Parameters  map[string]string

	TempLocation   string
	ServiceAccount string
}

// Submitter submits a job and returns its id.
type Submitter interface {
	Submit(ctx context.Context, req *JobRequest) (string, error)
}

// Feed builds the job of a notification whose accounts write to location.
type Feed interface {
	Name() string
	Build(ev *Event, location string) (*JobRequest, error)
}

// LowVolumeSKUsConfig configures the low-volume SKU export.
type LowVolumeSKUsConfig struct {
	Project    string
	Dataset    string
	Condition  string
	LabelIndex string
	// Query overrides LowVolumeSKUsQuery.
	Query string
}

// LowVolumeSKUs exports the low-volume SKUs into the account's location.
type LowVolumeSKUs struct {
	cfg   LowVolumeSKUsConfig
	query *QueryTemplate
}

func NewLowVolumeSKUs(cfg LowVolumeSKUsConfig) (*LowVolumeSKUs, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, fmt.Errorf("project and dataset are required")
	}
	if cfg.Condition == "" {
		return nil, fmt.Errorf("SQL condition is required")
	}
	if cfg.LabelIndex == "" {
		return nil, fmt.Errorf("feed label index is required")
	}
	text := cfg.Query
	if text == "" {
		text = LowVolumeSKUsQuery
	}
	q, err := NewQueryTemplate("low_volume_skus", text,
		"Destination", "Project", "Dataset", "MerchantID", "AdsID", "RunDate", "Condition", "LabelIndex")
	if err != nil {
		return nil, err
	}
	return &LowVolumeSKUs{cfg: cfg, query: q}, nil
}

func (f *LowVolumeSKUs) Name() string { return "low_volume_skus" }

func (f *LowVolumeSKUs) Build(ev *Event, location string) (*JobRequest, error) {
	dst := gcsutils.JoinURL(location, fmt.Sprintf("low_volume_skus_%s_%s_*.txt", ev.MerchantID, ev.AdsID))
	query, err := f.query.Execute(&QueryParams{
		Project:     f.cfg.Project,
		Dataset:     f.cfg.Dataset,
		MerchantID:  ev.MerchantID,
		AdsID:       ev.AdsID,
		RunDate:     ev.RunDate,
		Destination: dst,
		Condition:   f.cfg.Condition,
		LabelIndex:  f.cfg.LabelIndex,
	})
	if err != nil {
		return nil, err
	}
	return &JobRequest{
		Feed:        f.Name(),
		JobName:     fmt.Sprintf("lv-%s-%s-%s", ev.MerchantID, ev.AdsID, ev.RunDate),
		Query:       query,
		Destination: dst,
	}, nil
}

// ZombiesConfig configures the zombie products pipeline.
type ZombiesConfig struct {
	Project      string
	Dataset      string
	Optimisation string
	// Bucket holds the pipeline template and its staging and temp files
	// under the dataflow/ prefix.
	Bucket         string
	TemplatePath   string
	TemplateName   string
	ServiceAccount string
	// Query overrides ZombiesQuery.
	Query string
}

// Zombies launches the zombie products pipeline template.
type Zombies struct {
	cfg   ZombiesConfig
	query *QueryTemplate
}

func NewZombies(cfg ZombiesConfig) (*Zombies, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, fmt.Errorf("project and dataset are required")
	}
	if cfg.Bucket == "" || cfg.TemplateName == "" {
		return nil, fmt.Errorf("dataflow bucket and template name are required")
	}
	if cfg.Optimisation == "" {
		return nil, fmt.Errorf("optimisation metric is required")
	}
	text := cfg.Query
	if text == "" {
		text = ZombiesQuery
	}
	q, err := NewQueryTemplate("zombies", text,
		"Project", "Dataset", "MerchantID", "AdsID", "RunDate", "Optimisation")
	if err != nil {
		return nil, err
	}
	return &Zombies{cfg: cfg, query: q}, nil
}

func (f *Zombies) Name() string { return "zombies" }

func (f *Zombies) Build(ev *Event, location string) (*JobRequest, error) {
	root := gcsutils.JoinURL("gs://"+f.cfg.Bucket, "dataflow")
	query, err := f.query.Execute(&QueryParams{
		Project:      f.cfg.Project,
		Dataset:      f.cfg.Dataset,
		MerchantID:   ev.MerchantID,
		AdsID:        ev.AdsID,
		RunDate:      ev.RunDate,
		Optimisation: f.cfg.Optimisation,
	})
	if err != nil {
		return nil, err
	}
	dst := gcsutils.JoinURL(location, fmt.Sprintf("zombies_feed_%s_%s", ev.MerchantID, ev.AdsID))
	return &JobRequest{
		Feed:        f.Name(),
		JobName:     fmt.Sprintf("zb-%s-%s", ev.MerchantID, ev.AdsID),
		Query:       query,
		Template:    gcsutils.JoinURL(root, f.cfg.TemplatePath, f.cfg.TemplateName),
		Destination: dst,
		Parameters: map[string]string{
			"gcs_destination": dst,
			"bq_gcs_location": gcsutils.JoinURL(root, "staging"),
			"query":           query,
		},
		TempLocation:   gcsutils.JoinURL(root, "temp"),
		ServiceAccount: f.cfg.ServiceAccount,
	}, nil
}

// Trigger handles notifications for one feed.
type Trigger struct {
	feed     Feed
	accounts *accounts.Resolver
	sub      Submitter
}

func New(feed Feed, res *accounts.Resolver, sub Submitter) (*Trigger, error) {
	if feed == nil {
		return nil, fmt.Errorf("nil feed")
	}
	if res == nil {
		return nil, fmt.Errorf("nil account resolver")
	}
	if sub == nil {
		return nil, fmt.Errorf("nil submitter")
	}
	return &Trigger{feed: feed, accounts: res, sub: sub}, nil
}

// Handle submits the job for a decoded notification. Redelivered
// notifications are submitted again; the jobs overwrite their outputs.
func (t *Trigger) Handle(ctx context.Context, data []byte) (*JobRequest, error) {
	ev, err := ParseEvent(data)
	if err != nil {
		return nil, err
	}
	fields := log.Fields{
		"feed":     t.feed.Name(),
		"merchant": ev.MerchantID,
		"ads":      ev.AdsID,
		"runDate":  ev.RunDate,
	}
	if !ev.Succeeded() {
		log.WithFields(fields).Infof("Skipped scheduled query run in state %s", ev.State)
		return nil, fmt.Errorf("%w: run state %s", ErrSkipped, ev.State)
	}

	location, err := t.accounts.Resolve(ev.MerchantID, ev.AdsID)
	if err != nil {
		return nil, err
	}
	req, err := t.feed.Build(ev, location)
	if err != nil {
		return nil, err
	}
	id, err := t.sub.Submit(ctx, req)
	if errors.Is(err, ErrTemplateNotFound) {
		return nil, fmt.Errorf("submit %s: %w", req.JobName, err)
	}
	if err != nil {
		return nil, &SubmitError{Job: req.JobName, Err: err}
	}
	fields["job"] = id
	fields["destination"] = req.Destination
	log.WithFields(fields).Info("Feed job submitted")
	return req, nil
}
