package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/adlift/adferry/internal/etlerr"
)

// Token endpoints per platform. LinkedIn and Google Ads run the
// refresh-token grant; Microsoft Ads runs client credentials against
// the tenant endpoint.
const (
	linkedinTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	googleTokenURL   = "https://oauth2.googleapis.com/token"
	msadsTokenURLFmt = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	msadsScope       = "https://ads.microsoft.com/.default"
)

// fallbackTokenTTL applies when a provider omits expires_in.
const fallbackTokenTTL = time.Hour

// Credentials configures one platform's grant. The populated fields
// select it: RefreshToken runs the refresh-token grant, ClientID plus
// ClientSecret alone run client credentials, and a bare AccessToken is
// served as-is without expiry.
type Credentials struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TenantID selects the Microsoft Ads token endpoint; "common" when
	// unset.
	TenantID string

	// TokenURL and Scopes override the per-platform defaults.
	TokenURL string
	Scopes   []string
}

// OAuthProvider mints tokens from per-platform OAuth credentials.
type OAuthProvider struct {
	creds map[string]Credentials
}

var _ Source = (*OAuthProvider)(nil)

func NewOAuthProvider(creds map[string]Credentials) *OAuthProvider {
	return &OAuthProvider{creds: creds}
}

func (p *OAuthProvider) Mint(ctx context.Context, platform string) (TokenInfo, error) {
	c, ok := p.creds[platform]
	if !ok {
		return TokenInfo{}, etlerr.Auth("auth.mint",
			fmt.Errorf("no credentials configured for %s", platform)).ForPlatform(platform)
	}
	c = withEndpointDefaults(platform, c)

	switch {
	case c.RefreshToken != "":
		conf := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
		if err != nil {
			return TokenInfo{}, etlerr.Auth("auth.refresh_grant", err).ForPlatform(platform)
		}
		return infoFromToken(tok), nil

	case c.ClientID != "" && c.ClientSecret != "":
		cc := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			return TokenInfo{}, etlerr.Auth("auth.client_credentials", err).ForPlatform(platform)
		}
		return infoFromToken(tok), nil

	case c.AccessToken != "":
		return TokenInfo{AccessToken: c.AccessToken}, nil

	default:
		return TokenInfo{}, etlerr.Auth("auth.mint",
			fmt.Errorf("credentials for %s name no usable grant", platform)).ForPlatform(platform)
	}
}

func withEndpointDefaults(platform string, c Credentials) Credentials {
	if c.TokenURL != "" {
		return c
	}
	switch platform {
	case "linkedin":
		c.TokenURL = linkedinTokenURL
	case "googleads":
		c.TokenURL = googleTokenURL
	case "msads":
		tenant := c.TenantID
		if tenant == "" {
			tenant = "common"
		}
		c.TokenURL = fmt.Sprintf(msadsTokenURLFmt, tenant)
		if len(c.Scopes) == 0 {
			c.Scopes = []string{msadsScope}
		}
	}
	return c
}

func infoFromToken(tok *oauth2.Token) TokenInfo {
	info := TokenInfo{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if info.ExpiresAt.IsZero() {
		info.ExpiresAt = time.Now().Add(fallbackTokenTTL)
	}
	return info
}
