// Command transfer_setup makes sure the Merchant Center and Google Ads
// transfer configs of an account pair exist and carry the wanted params.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"

	datatransfer "cloud.google.com/go/bigquery/datatransfer/apiv1"
	dpb "cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
	"github.com/golang/glog"

	"github.com/google/zombies-on-steroids/pkg/auth"
	bqtransfer "github.com/google/zombies-on-steroids/pkg/bq_transfer"
)

var (
	project          = flag.String("project_id", "", "GCP project that owns the transfers.")
	merchantDataset  = flag.String("merchant_dataset_id", "", "Dataset the Merchant Center transfer writes to.")
	adsDataset       = flag.String("gads_dataset_id", "", "Dataset the Google Ads transfer writes to.")
	location         = flag.String("dataset_location", "", "Location of both datasets, e.g. US or EU.")
	adsAccount       = flag.String("gads_account_id", "", "Google Ads customer id.")
	merchantAccount  = flag.String("merchant_account_id", "", "Merchant Center account id.")
	serviceAccount   = flag.String("service_account", "", "Service account the transfers run as.")
	merchantSchedule = flag.String("merchant_schedule", "", "Schedule of the Merchant Center transfer, e.g. \"every 24 hours\".")
	adsSchedule      = flag.String("gads_schedule", "", "Schedule of the Google Ads transfer, e.g. \"every 24 hours\".")
	credentials      = flag.String("credentials", "", "Service account key file; Application Default Credentials if empty.")
	wait             = flag.Bool("wait", false, "Wait for the latest run of each transfer to finish.")
	pollInterval     = flag.Duration("poll_interval", bqtransfer.DefaultPollInterval, "Interval between transfer status checks.")
)

func required() error {
	for _, f := range []struct{ name, v string }{
		{"project_id", *project},
		{"merchant_dataset_id", *merchantDataset},
		{"gads_dataset_id", *adsDataset},
		{"dataset_location", *location},
		{"gads_account_id", *adsAccount},
		{"merchant_account_id", *merchantAccount},
		{"service_account", *serviceAccount},
		{"merchant_schedule", *merchantSchedule},
		{"gads_schedule", *adsSchedule},
	} {
		if f.v == "" {
			return errors.New("--" + f.name + " is required")
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if err := required(); err != nil {
		glog.Exit(err)
	}
	// DTS locations are lower case.
	loc := strings.ToLower(*location)

	ctx := context.Background()
	dc, err := datatransfer.NewClient(ctx, auth.ClientOptions(*credentials)...)
	if err != nil {
		glog.Exitf("datatransfer.NewClient: %v", err)
	}
	defer dc.Close()

	m, err := bqtransfer.NewManager(*project, dc, &auth.Prompt{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		glog.Exit(err)
	}

	mc, err := m.EnsureMerchantCenterTransfer(ctx, *merchantAccount, *merchantDataset, loc, *serviceAccount, *merchantSchedule)
	if err != nil {
		glog.Exitf("Merchant Center transfer: %v", err)
	}
	glog.Infof("Merchant Center transfer: %s", mc.GetName())

	ads, err := m.EnsureGoogleAdsTransfer(ctx, *adsAccount, *adsDataset, loc, *serviceAccount, *adsSchedule)
	if err != nil {
		glog.Exitf("Google Ads transfer: %v", err)
	}
	glog.Infof("Google Ads transfer: %s", ads.GetName())

	if !*wait {
		return
	}
	p := bqtransfer.NewPoller(dc, *pollInterval, bqtransfer.DefaultMaxPolls)
	for _, tc := range []struct {
		name   string
		config *dpb.TransferConfig
	}{
		{"Merchant Center", mc},
		{"Google Ads", ads},
	} {
		if err := p.WaitForCompletion(ctx, tc.config); err != nil {
			var dte *bqtransfer.DataTransferError
			if errors.As(err, &dte) && dte.Polls > 0 {
				glog.Warning("A first transfer can take up to 90 minutes to complete.")
			}
			glog.Exitf("%s transfer: %v", tc.name, err)
		}
		glog.Infof("%s transfer is up to date", tc.name)
	}
}
