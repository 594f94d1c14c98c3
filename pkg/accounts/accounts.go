// Package accounts maps a Merchant Center and Google Ads account pair to the
// GCS location where its feeds are written.
package accounts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	log "github.com/sirupsen/logrus"
)

// Account is one entry of the account mapping.
type Account struct {
	// Index is the key the entry had in the configuration document.
	Index      string `yaml:"-"`
	MerchantID string `yaml:"mc"`
	AdsID      string `yaml:"gads"`
	Location   string `yaml:"gcs_url"`
}

// NoAccountMatchError is returned when no entry matches an account pair.
type NoAccountMatchError struct {
	MerchantID string
	AdsID      string
}

func (e *NoAccountMatchError) Error() string {
	return fmt.Sprintf("no account match found in config for merchant %q and ads %q", e.MerchantID, e.AdsID)
}

// Resolver resolves account pairs against a static, ordered mapping. It is
// read-only once built and safe for concurrent use.
type Resolver struct {
	accounts []Account
}

// NewResolver returns a resolver over accounts, keeping their order.
func NewResolver(accounts []Account) *Resolver {
	return &Resolver{accounts: append([]Account(nil), accounts...)}
}

// Accounts returns a copy of the mapping in lookup order.
func (r *Resolver) Accounts() []Account {
	return append([]Account(nil), r.accounts...)
}

// Resolve returns the location of the first entry whose merchant and ads ids
// both equal the requested pair.
func (r *Resolver) Resolve(merchantID, adsID string) (string, error) {
	// The mapping is small; a linear scan keeps first-match semantics.
	for _, a := range r.accounts {
		if a.MerchantID == merchantID && a.AdsID == adsID {
			log.WithFields(log.Fields{
				"index":    a.Index,
				"merchant": merchantID,
				"ads":      adsID,
			}).Debug("account matched")
			return a.Location, nil
		}
	}
	return "", &NoAccountMatchError{MerchantID: merchantID, AdsID: adsID}
}

// Parse reads an account mapping keyed by an arbitrary index, e.g.
//
//	{"0": {"mc": "123", "gads": "456", "gcs_url": "gs://bucket/feeds"}}
//
// JSON and YAML documents are both accepted. Entries keep document order.
func Parse(data []byte) ([]Account, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %v", err)
	}
	var res []Account
	for _, item := range doc {
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, fmt.Errorf("entry %v: %v", item.Key, err)
		}
		var a Account
		if err := yaml.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("entry %v: %v", item.Key, err)
		}
		a.Index = fmt.Sprint(item.Key)
		if a.MerchantID == "" || a.AdsID == "" {
			return nil, fmt.Errorf("entry %v: both mc and gads are required", item.Key)
		}
		if !strings.HasPrefix(a.Location, "gs://") {
			return nil, fmt.Errorf("entry %v: gcs_url %q is not a gs:// URL", item.Key, a.Location)
		}
		res = append(res, a)
	}
	return res, nil
}

// LoadFile reads an account mapping from a JSON or YAML file.
func LoadFile(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %v", err)
	}
	return Parse(raw)
}
