package auth

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAuthCodeURL(t *testing.T) {
	raw := AuthCodeURL("client-1", []string{"https://www.googleapis.com/auth/content", "https://www.googleapis.com/auth/bigquery"})
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%s): %v", raw, err)
	}
	if got, want := u.Scheme+"://"+u.Host+u.Path, dtsAuthURL; got != want {
		t.Errorf("AuthCodeURL base = %s; want %s", got, want)
	}
	want := url.Values{
		"client_id":     {"client-1"},
		"redirect_uri":  {redirectURL},
		"response_type": {"authorization_code"},
		"scope":         {"https://www.googleapis.com/auth/content https://www.googleapis.com/auth/bigquery"},
	}
	if diff := cmp.Diff(want, u.Query()); diff != "" {
		t.Errorf("AuthCodeURL query mismatched: (-want, +got):\n%s", diff)
	}
}

func TestRetrieveAuthorizationCode(t *testing.T) {
	tests := []struct {
		desc     string
		clientID string
		input    string
		want     string
		wantErr  bool
	}{
		{
			desc:     "code is trimmed",
			clientID: "client-1",
			input:    "  4/abc-def \n",
			want:     "4/abc-def",
		},
		{
			desc:     "empty line",
			clientID: "client-1",
			input:    "\n",
			wantErr:  true,
		},
		{
			desc:     "no input",
			clientID: "client-1",
			wantErr:  true,
		},
		{
			desc:    "missing client id",
			input:   "code\n",
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			out := &bytes.Buffer{}
			p := &Prompt{In: strings.NewReader(test.input), Out: out}
			got, err := p.RetrieveAuthorizationCode(context.Background(), test.clientID, []string{"scope"}, "merchant_center")
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("RetrieveAuthorizationCode: err %v; wantErr %v", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("RetrieveAuthorizationCode = %q; want %q", got, test.want)
			}
			if !test.wantErr && !strings.Contains(out.String(), dtsAuthURL) {
				t.Errorf("prompt %q does not contain the consent URL", out.String())
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	if got := ClientOptions(""); got != nil {
		t.Errorf("ClientOptions(''): %v; want nil", got)
	}
	if got := ClientOptions("/tmp/sa.json"); len(got) != 1 {
		t.Errorf("ClientOptions(path): %d options; want 1", len(got))
	}
}
