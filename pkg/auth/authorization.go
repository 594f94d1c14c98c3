// Package auth obtains the credentials the automation needs: service client
// options and the one-off authorization codes that the BigQuery Data Transfer
// Service requires when a transfer config is created for a data source.
package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const (
	// Consent page of the Data Transfer Service. It displays the code instead
	// of redirecting, hence the out-of-band redirect URI.
	dtsAuthURL  = "https://www.gstatic.com/bigquerydatatransfer/oauthz/auth"
	redirectURL = "urn:ietf:wg:oauth:2.0:oob"
)

// AuthCodeURL returns the URL an operator visits to grant the data source
// client access to their account.
func AuthCodeURL(clientID string, scopes []string) string {
	cfg := &oauth2.Config{
		ClientID:    clientID,
		Scopes:      scopes,
		RedirectURL: redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  dtsAuthURL,
			TokenURL: google.Endpoint.TokenURL,
		},
	}
	return cfg.AuthCodeURL("", oauth2.SetAuthURLParam("response_type", "authorization_code"))
}

// Prompt retrieves authorization codes interactively: it writes the consent
// URL to Out and reads the pasted code from In.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

// RetrieveAuthorizationCode asks the operator for an authorization code for
// the given data source.
func (p *Prompt) RetrieveAuthorizationCode(ctx context.Context, clientID string, scopes []string, dataSourceID string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("data source %s has no OAuth client id", dataSourceID)
	}
	fmt.Fprintf(p.Out, "Please visit the following URL to authorize the %s transfer:\n\n%s\n\nEnter the authorization code: ",
		dataSourceID, AuthCodeURL(clientID, scopes))

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		s := bufio.NewScanner(p.In)
		if s.Scan() {
			lines <- s.Text()
			return
		}
		if err := s.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.ErrUnexpectedEOF
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errs:
		return "", fmt.Errorf("reading authorization code: %v", err)
	case line := <-lines:
		code := strings.TrimSpace(line)
		if code == "" {
			return "", fmt.Errorf("empty authorization code for %s", dataSourceID)
		}
		return code, nil
	}
}

// ClientOptions returns the options for Google Cloud clients. An empty saPath
// falls back to Application Default Credentials.
func ClientOptions(saPath string) []option.ClientOption {
	if saPath == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(saPath)}
}
