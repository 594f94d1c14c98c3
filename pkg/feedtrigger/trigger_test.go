package feedtrigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/zombies-on-steroids/pkg/accounts"
)

type fakeSubmitter struct {
	reqs []*JobRequest
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *JobRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "job-1", nil
}

var testAccounts = accounts.NewResolver([]accounts.Account{
	{Index: "0", MerchantID: "123", AdsID: "456", Location: "gs://feeds/acme"},
	{Index: "1", MerchantID: "123", AdsID: "789", Location: "gs://feeds/other"},
})

func zombiesFeed(t *testing.T) *Zombies {
	t.Helper()
	f, err := NewZombies(ZombiesConfig{
		Project:        "p",
		Dataset:        "d",
		Optimisation:   "clicks",
		Bucket:         "dfbucket",
		TemplatePath:   "templates",
		TemplateName:   "zombies",
		ServiceAccount: "df@p.iam.gserviceaccount.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func lowVolumeFeed(t *testing.T) *LowVolumeSKUs {
	t.Helper()
	f, err := NewLowVolumeSKUs(LowVolumeSKUsConfig{
		Project:    "p",
		Dataset:    "d",
		Condition:  "clicks < 10",
		LabelIndex: "4",
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

const succeeded = `{"params":{"destination_table_name_template":"x_123_456"},"runTime":"2023-05-01T00:00:00Z","state":"SUCCEEDED"}`

func TestHandleZombies(t *testing.T) {
	sub := &fakeSubmitter{}
	tr, err := New(zombiesFeed(t), testAccounts, sub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tr.Handle(context.Background(), []byte(succeeded))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sub.reqs) != 1 {
		t.Fatalf("submitted %d jobs; want 1", len(sub.reqs))
	}
	want := &JobRequest{
		Feed:        "zombies",
		JobName:     "zb-123-456",
		Template:    "gs://dfbucket/dataflow/templates/zombies",
		Destination: "gs://feeds/acme/zombies_feed_123_456",
		Parameters: map[string]string{
			"gcs_destination": "gs://feeds/acme/zombies_feed_123_456",
			"bq_gcs_location": "gs://dfbucket/dataflow/staging",
			"query":           got.Query,
		},
		TempLocation:   "gs://dfbucket/dataflow/temp",
		ServiceAccount: "df@p.iam.gserviceaccount.com",
		Query:          got.Query,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Handle: (-want +got)\n%s", diff)
	}
	if !strings.Contains(got.Query, "_TABLE_SUFFIX = '20230501'") {
		t.Errorf("query %s is not for 20230501", got.Query)
	}
}

func TestHandleLowVolumeSKUs(t *testing.T) {
	sub := &fakeSubmitter{}
	tr, err := New(lowVolumeFeed(t), testAccounts, sub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tr.Handle(context.Background(), []byte(succeeded))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.Destination != "gs://feeds/acme/low_volume_skus_123_456_*.txt" {
		t.Errorf("Destination = %s", got.Destination)
	}
	for _, want := range []string{
		"uri='gs://feeds/acme/low_volume_skus_123_456_*.txt'",
		"custom_label_4",
		"`p.d.LowVolumeSkus_123_456_20230501`",
		"clicks < 10",
	} {
		if !strings.Contains(got.Query, want) {
			t.Errorf("query %s does not contain %s", got.Query, want)
		}
	}
	if got.Template != "" {
		t.Errorf("Template = %s; want none", got.Template)
	}
}

func TestHandleErrors(t *testing.T) {
	submitErr := errors.New("quota exceeded")
	tests := []struct {
		desc        string
		data        string
		submitErr   error
		wantSubmits int
		check       func(error) bool
	}{
		{
			desc:  "malformed",
			data:  `{"params":{"destination_table_name_template":"x"}}`,
			check: func(err error) bool { return err != nil },
		},
		{
			desc: "failed run",
			data: `{"params":{"destination_table_name_template":"x_123_456"},"runTime":"2023-05-01T00:00:00Z","state":"FAILED"}`,
			check: func(err error) bool {
				return errors.Is(err, ErrSkipped)
			},
		},
		{
			desc: "no account",
			data: `{"params":{"destination_table_name_template":"x_999_888"},"runTime":"2023-05-01T00:00:00Z"}`,
			check: func(err error) bool {
				var nm *accounts.NoAccountMatchError
				return errors.As(err, &nm) && nm.MerchantID == "999" && nm.AdsID == "888"
			},
		},
		{
			desc:        "submit fails",
			data:        succeeded,
			submitErr:   submitErr,
			wantSubmits: 1,
			check: func(err error) bool {
				var se *SubmitError
				return errors.As(err, &se) && se.Job == "zb-123-456" && errors.Is(err, submitErr)
			},
		},
		{
			desc:        "template missing",
			data:        succeeded,
			submitErr:   fmt.Errorf("%w: gs://dfbucket/dataflow/templates/zombies", ErrTemplateNotFound),
			wantSubmits: 1,
			check: func(err error) bool {
				var se *SubmitError
				return errors.Is(err, ErrTemplateNotFound) && !errors.As(err, &se)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			sub := &fakeSubmitter{err: test.submitErr}
			tr, err := New(zombiesFeed(t), testAccounts, sub)
			if err != nil {
				t.Fatal(err)
			}
			_, err = tr.Handle(context.Background(), []byte(test.data))
			if !test.check(err) {
				t.Errorf("Handle(%s): unexpected err %v", test.data, err)
			}
			if len(sub.reqs) != test.wantSubmits {
				t.Errorf("submitted %d jobs; want %d", len(sub.reqs), test.wantSubmits)
			}
		})
	}
}

func TestNewFeedValidation(t *testing.T) {
	if _, err := NewLowVolumeSKUs(LowVolumeSKUsConfig{Project: "p", Dataset: "d", LabelIndex: "4"}); err == nil {
		t.Error("NewLowVolumeSKUs without condition returned no error")
	}
	if _, err := NewLowVolumeSKUs(LowVolumeSKUsConfig{
		Project: "p", Dataset: "d", Condition: "true", LabelIndex: "4",
		Query: "SELECT * FROM `{{.Project}}.{{.Dataset}}.t`",
	}); err == nil {
		t.Error("NewLowVolumeSKUs with incomplete query returned no error")
	}
	if _, err := NewZombies(ZombiesConfig{Project: "p", Dataset: "d", Optimisation: "clicks"}); err == nil {
		t.Error("NewZombies without bucket returned no error")
	}
	if _, err := New(nil, testAccounts, &fakeSubmitter{}); err == nil {
		t.Error("New without feed returned no error")
	}
}
