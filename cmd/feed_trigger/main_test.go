package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"

	"github.com/google/zombies-on-steroids/pkg/accounts"
	"github.com/google/zombies-on-steroids/pkg/feedtrigger"
)

const pubsubMsgFormat = `{
		"message": {
		  "data": "%s",
		  "publishTime": "2023-05-01T06:12:21.277Z",
		  "messageId": "3510957425154221",
		  "attributes": {
			"eventType": "TRANSFER_RUN_FINISHED",
			"payloadFormat": "JSON_API_V1"
		  }
		},
		"subscription": "projects/fake-project/subscriptions/zombies"
	  }`

func makeFakeMsg(data string) string {
	return fmt.Sprintf(pubsubMsgFormat, base64.StdEncoding.EncodeToString([]byte(data)))
}

func notification(table, state string) string {
	return fmt.Sprintf(`{"params":{"destination_table_name_template":%q},"runTime":"2023-05-01T00:00:00Z","state":%q}`, table, state)
}

type fakeSubmitter struct {
	reqs []*feedtrigger.JobRequest
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *feedtrigger.JobRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "job", nil
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		desc    string
		values  map[string]string
		want    *config
		wantErr bool
	}{
		{
			desc: "zombies",
			values: map[string]string{
				"GCP_PROJECT":            "p",
				"ZOMBIES_DATASET_NAME":   "d",
				"ACCOUNTS_CONFIG":        `{"0": {"mc": "1", "gads": "2", "gcs_url": "gs://b"}}`,
				"DATAFLOW_BUCKET":        "df",
				"DATAFLOW_TEMPLATE_NAME": "zombies",
				"ZOMBIES_OPTIMISATION":   "clicks",
				"DATAFLOW_REGION":        "europe-west1",
			},
			want: &config{
				Project:      "p",
				Dataset:      "d",
				Accounts:     `{"0": {"mc": "1", "gads": "2", "gcs_url": "gs://b"}}`,
				Bucket:       "df",
				TemplatePath: "templates",
				TemplateName: "zombies",
				Optimisation: "clicks",
				Region:       "europe-west1",
				Port:         "8080",
			},
		},
		{
			desc: "no accounts",
			values: map[string]string{
				"GCP_PROJECT":          "p",
				"ZOMBIES_DATASET_NAME": "d",
			},
			wantErr: true,
		},
		{
			desc: "no project",
			values: map[string]string{
				"ZOMBIES_DATASET_NAME": "d",
				"ACCOUNTS_CONFIG_FILE": "accounts.yaml",
			},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			for _, k := range []string{"GCP_PROJECT", "ZOMBIES_DATASET_NAME", "ACCOUNTS_CONFIG", "ACCOUNTS_CONFIG_FILE", "PORT", "DATAFLOW_TEMPLATE_PATH"} {
				t.Setenv(k, "")
			}
			v := viper.New()
			for k, val := range test.values {
				v.Set(k, val)
			}
			got, err := loadConfig(v)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("loadConfig: err %v; wantErr %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("loadConfig: (-want +got)\n%s", diff)
			}
		})
	}
}

func TestConfigAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	if err := os.WriteFile(path, []byte("acme:\n  mc: \"123\"\n  gads: \"456\"\n  gcs_url: gs://feeds/acme\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, cfg := range []*config{
		{Accounts: `{"acme": {"mc": "123", "gads": "456", "gcs_url": "gs://feeds/acme"}}`},
		{AccountsFile: path},
	} {
		res, err := cfg.accounts()
		if err != nil {
			t.Fatalf("accounts(): %v", err)
		}
		if got, err := res.Resolve("123", "456"); err != nil || got != "gs://feeds/acme" {
			t.Errorf("Resolve = %q, %v; want gs://feeds/acme", got, err)
		}
	}
}

func TestNewServer(t *testing.T) {
	if s, err := newServer(nil); err == nil || s != nil {
		t.Errorf("newServer(nil): %v, %v; want nil server, non-nil err", s, err)
	}
}

func TestNotificationHandler(t *testing.T) {
	feed, err := feedtrigger.NewZombies(feedtrigger.ZombiesConfig{
		Project:      "p",
		Dataset:      "d",
		Optimisation: "clicks",
		Bucket:       "df",
		TemplatePath: "templates",
		TemplateName: "zombies",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := accounts.NewResolver([]accounts.Account{
		{Index: "acme", MerchantID: "123", AdsID: "456", Location: "gs://feeds/acme"},
	})

	tests := []struct {
		desc        string
		body        string
		submitErr   error
		wantStatus  int
		wantSubmits int
	}{
		{
			desc:        "job submitted",
			body:        makeFakeMsg(notification("ZombieProducts_123_456", "SUCCEEDED")),
			wantStatus:  http.StatusOK,
			wantSubmits: 1,
		},
		{
			desc:       "bad JSON pubsub message",
			body:       "bad JSON pubsub message",
			wantStatus: http.StatusOK,
		},
		{
			desc:       "malformed table template",
			body:       makeFakeMsg(notification("ZombieProducts", "SUCCEEDED")),
			wantStatus: http.StatusOK,
		},
		{
			desc:       "failed run",
			body:       makeFakeMsg(notification("ZombieProducts_123_456", "FAILED")),
			wantStatus: http.StatusOK,
		},
		{
			desc:       "unknown accounts",
			body:       makeFakeMsg(notification("ZombieProducts_999_888", "SUCCEEDED")),
			wantStatus: http.StatusOK,
		},
		{
			desc:        "pipeline template missing",
			body:        makeFakeMsg(notification("ZombieProducts_123_456", "SUCCEEDED")),
			submitErr:   fmt.Errorf("%w: gs://df/dataflow/templates/zombies", feedtrigger.ErrTemplateNotFound),
			wantStatus:  http.StatusOK,
			wantSubmits: 1,
		},
		{
			desc:        "submission fails",
			body:        makeFakeMsg(notification("ZombieProducts_123_456", "SUCCEEDED")),
			submitErr:   errors.New("backend unavailable"),
			wantStatus:  http.StatusInternalServerError,
			wantSubmits: 1,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			sub := &fakeSubmitter{err: test.submitErr}
			tr, err := feedtrigger.New(feed, res, sub)
			if err != nil {
				t.Fatal(err)
			}
			s, err := newServer(map[string]*feedtrigger.Trigger{"/zombies": tr})
			if err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodPost, "/zombies", strings.NewReader(test.body))
			rec := httptest.NewRecorder()
			s.mux().ServeHTTP(rec, req)

			if rec.Code != test.wantStatus {
				t.Errorf("status = %d; want %d", rec.Code, test.wantStatus)
			}
			if len(sub.reqs) != test.wantSubmits {
				t.Fatalf("submitted %d jobs; want %d", len(sub.reqs), test.wantSubmits)
			}
			if test.wantSubmits > 0 {
				if got, want := sub.reqs[0].Destination, "gs://feeds/acme/zombies_feed_123_456"; got != want {
					t.Errorf("destination = %s; want %s", got, want)
				}
			}
		})
	}
}
