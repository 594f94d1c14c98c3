package feedtrigger

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"google.golang.org/api/dataflow/v1b3"

	gcsutils "github.com/google/zombies-on-steroids/pkg/utils/gcs"
)

// BigQueryExporter runs the job query in BigQuery. It does not wait for the
// job to finish.
type BigQueryExporter struct {
	cli      *bigquery.Client
	location string
}

// NewBigQueryExporter returns an exporter running jobs in location, or in the
// dataset's location if empty.
func NewBigQueryExporter(cli *bigquery.Client, location string) (*BigQueryExporter, error) {
	if cli == nil {
		return nil, fmt.Errorf("nil BigQuery client")
	}
	return &BigQueryExporter{cli: cli, location: location}, nil
}

func (e *BigQueryExporter) Submit(ctx context.Context, req *JobRequest) (string, error) {
	if req.Query == "" {
		return "", fmt.Errorf("job %s has no query", req.JobName)
	}
	q := e.cli.Query(req.Query)
	q.Location = e.location
	q.Labels = map[string]string{"feed": req.Feed}
	job, err := q.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("bigquery.Query.Run: %v", err)
	}
	return job.ID(), nil
}

// DataflowLauncher launches the job template on Dataflow.
type DataflowLauncher struct {
	svc     *dataflow.Service
	gcs     *storage.Client
	project string
	region  string
}

// NewDataflowLauncher returns a launcher for project. Jobs run in region if
// set. If gcs is not nil, templates are checked to exist before launching.
func NewDataflowLauncher(svc *dataflow.Service, gcs *storage.Client, project, region string) (*DataflowLauncher, error) {
	if svc == nil {
		return nil, fmt.Errorf("nil Dataflow service")
	}
	if project == "" {
		return nil, fmt.Errorf("project is not specified")
	}
	return &DataflowLauncher{svc: svc, gcs: gcs, project: project, region: region}, nil
}

func (l *DataflowLauncher) Submit(ctx context.Context, req *JobRequest) (string, error) {
	if req.Template == "" {
		return "", fmt.Errorf("job %s has no template", req.JobName)
	}
	if l.gcs != nil {
		ok, err := gcsutils.ObjectExists(ctx, l.gcs, req.Template)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, req.Template)
		}
	}

	params := &dataflow.LaunchTemplateParameters{
		JobName:    req.JobName,
		Parameters: req.Parameters,
		Environment: &dataflow.RuntimeEnvironment{
			TempLocation:        req.TempLocation,
			ServiceAccountEmail: req.ServiceAccount,
		},
	}
	var resp *dataflow.LaunchTemplateResponse
	var err error
	if l.region == "" {
		resp, err = l.svc.Projects.Templates.Launch(l.project, params).GcsPath(req.Template).Context(ctx).Do()
	} else {
		resp, err = l.svc.Projects.Locations.Templates.Launch(l.project, l.region, params).GcsPath(req.Template).Context(ctx).Do()
	}
	if err != nil {
		return "", fmt.Errorf("templates.launch(%s): %v", req.Template, err)
	}
	if resp.Job == nil {
		return "", fmt.Errorf("templates.launch(%s) returned no job", req.Template)
	}
	return resp.Job.Id, nil
}
