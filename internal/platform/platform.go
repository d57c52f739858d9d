// Package platform registers the supported ad platforms: the table
// specs they declare and the extractor constructors the CLI wires into
// pipelines. Credentials stay out; callers build the HTTP client from
// config and hand it in.
package platform

import (
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/fetch"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/platform/facebook"
	"github.com/adlift/adferry/internal/platform/googleads"
	"github.com/adlift/adferry/internal/platform/linkedin"
	"github.com/adlift/adferry/internal/platform/msads"
)

// Settings carries per-platform wiring beyond the HTTP client: account
// scope and the credentials that ride in request headers.
type Settings struct {
	// Accounts scope extraction. googleads reads its manager customer
	// id from the first entry.
	Accounts       []string
	DeveloperToken string
}

// Builder wires one platform: declared table set, API base, extra
// request headers, and the extractor constructor.
type Builder struct {
	Name    string
	BaseURL string
	Spec    func() pipeline.PlatformSpec
	Headers func(s Settings) map[string]string
	New     func(client *fetch.Client, s Settings, log *zap.Logger) pipeline.Extractor
}

var builders = []Builder{
	{
		Name:    linkedin.Name,
		BaseURL: linkedin.BaseURL,
		Spec:    linkedin.Spec,
		Headers: func(Settings) map[string]string {
			return map[string]string{
				"LinkedIn-Version":          "202411",
				"X-Restli-Protocol-Version": "2.0.0",
			}
		},
		New: func(c *fetch.Client, s Settings, log *zap.Logger) pipeline.Extractor {
			return linkedin.NewExtractor(c, s.Accounts, log)
		},
	},
	{
		Name:    facebook.Name,
		BaseURL: facebook.BaseURL,
		Spec:    facebook.Spec,
		New: func(c *fetch.Client, s Settings, log *zap.Logger) pipeline.Extractor {
			return facebook.NewExtractor(c, s.Accounts, log)
		},
	},
	{
		Name:    googleads.Name,
		BaseURL: googleads.BaseURL,
		Spec:    googleads.Spec,
		Headers: func(s Settings) map[string]string {
			manager := googleads.ManagerCustomerID
			if len(s.Accounts) > 0 {
				manager = s.Accounts[0]
			}
			return trimEmpty(map[string]string{
				"developer-token":   s.DeveloperToken,
				"login-customer-id": manager,
			})
		},
		New: func(c *fetch.Client, s Settings, log *zap.Logger) pipeline.Extractor {
			manager := ""
			if len(s.Accounts) > 0 {
				manager = s.Accounts[0]
			}
			return googleads.NewExtractor(c, manager, log)
		},
	},
	{
		Name:    msads.Name,
		BaseURL: msads.BaseURL,
		Spec:    msads.Spec,
		Headers: func(s Settings) map[string]string {
			h := map[string]string{"DeveloperToken": s.DeveloperToken}
			if len(s.Accounts) > 0 {
				h["CustomerAccountId"] = s.Accounts[0]
			}
			return trimEmpty(h)
		},
		New: func(c *fetch.Client, s Settings, log *zap.Logger) pipeline.Extractor {
			return msads.NewExtractor(c, s.Accounts, log)
		},
	},
}

// Names lists the supported platforms in registration order.
func Names() []string {
	out := make([]string, len(builders))
	for i, b := range builders {
		out[i] = b.Name
	}
	return out
}

// Lookup finds a platform builder by name.
func Lookup(name string) (Builder, bool) {
	for _, b := range builders {
		if b.Name == name {
			return b, true
		}
	}
	return Builder{}, false
}

func trimEmpty(h map[string]string) map[string]string {
	for k, v := range h {
		if v == "" {
			delete(h, k)
		}
	}
	if len(h) == 0 {
		return nil
	}
	return h
}
