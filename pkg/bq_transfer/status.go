package bqtransfer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"google.golang.org/api/iterator"

	datatransfer "cloud.google.com/go/bigquery/datatransfer/apiv1"
	dpb "cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
	rpcpb "google.golang.org/genproto/googleapis/rpc/status"
)

const (
	// DefaultPollInterval is the time to sleep before checking a transfer again.
	DefaultPollInterval = 60 * time.Second
	// DefaultMaxPolls bounds how many times a transfer is checked.
	DefaultMaxPolls = 100
)

// DataTransferError is returned when a transfer run failed, was cancelled, or
// did not finish within the polling budget.
type DataTransferError struct {
	Config string
	Run    string
	State  dpb.TransferState
	Status *rpcpb.Status
	// Polls is set when the transfer timed out.
	Polls int
}

func (e *DataTransferError) Error() string {
	if e.Polls > 0 {
		return fmt.Sprintf("transfer %s is taking too long to finish (%d polls); failing the request", e.Config, e.Polls)
	}
	return fmt.Sprintf("transfer %s was not successful: run %s is %s, error %q",
		e.Config, e.Run, e.State, e.Status.GetMessage())
}

// Poller waits for transfer runs to finish.
type Poller struct {
	cli      *datatransfer.Client
	interval time.Duration
	maxPolls int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a Poller that checks every interval, at most maxPolls
// times. Non-positive values select the defaults.
func NewPoller(cli *datatransfer.Client, interval time.Duration, maxPolls int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	return &Poller{
		cli:      cli,
		interval: interval,
		maxPolls: maxPolls,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// latestRun returns the most recent run of a config, or nil if it has none.
// Runs are listed latest first.
func (p *Poller) latestRun(ctx context.Context, config string) (*dpb.TransferRun, error) {
	it := p.cli.ListTransferRuns(ctx, &dpb.ListTransferRunsRequest{Parent: config})
	run, err := it.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// backOff yields one interval per poll after the first, so NextBackOff stops
// once maxPolls runs have been checked or ctx is done.
func (p *Poller) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.StopBackOff{}
	// WithMaxRetries treats 0 as unlimited.
	if p.maxPolls > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.maxPolls-1))
	}
	return backoff.WithContext(b, ctx)
}

// WaitForCompletion blocks until the latest run of tc succeeds. It returns a
// *DataTransferError if the run failed or was cancelled, or if it is still
// pending after the polling budget. A config without runs is considered
// complete.
//
// TODO: switch to an exponential back-off once transfer latencies are known.
func (p *Poller) WaitForCompletion(ctx context.Context, tc *dpb.TransferConfig) error {
	name := tc.GetName()
	if name == "" {
		return fmt.Errorf("transfer config has no name")
	}
	b := p.backOff(ctx)
	for polls := 1; ; polls++ {
		run, err := p.latestRun(ctx, name)
		if err != nil {
			return fmt.Errorf("ListTransferRuns(%s): %w", name, err)
		}
		if run == nil {
			glog.Infof("Transfer %s has no runs; nothing to wait for.", name)
			return nil
		}

		switch run.GetState() {
		case dpb.TransferState_SUCCEEDED:
			glog.Infof("Transfer %s was successful.", name)
			return nil
		case dpb.TransferState_FAILED, dpb.TransferState_CANCELLED:
			err := &DataTransferError{
				Config: name,
				Run:    run.GetName(),
				State:  run.GetState(),
				Status: run.GetErrorStatus(),
			}
			glog.Error(err)
			return err
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := &DataTransferError{Config: name, Run: run.GetName(), State: run.GetState(), Polls: polls}
			glog.Error(err)
			return err
		}
		glog.Infof("Transfer %s still in progress (%s). Sleeping for %v before checking again.", name, run.GetState(), d)
		if err := p.sleep(ctx, d); err != nil {
			return err
		}
	}
}
