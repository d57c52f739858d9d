package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adlift/adferry/internal/etlerr"
)

func TestOAuthProviderRefreshGrant(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600}`))
	}))
	defer srv.Close()

	p := NewOAuthProvider(map[string]Credentials{
		"linkedin": {
			ClientID:     "cid",
			ClientSecret: "secret",
			RefreshToken: "rt",
			TokenURL:     srv.URL,
		},
	})
	info, err := p.Mint(context.Background(), "linkedin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if info.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q", info.AccessToken)
	}
	ttl := time.Until(info.ExpiresAt)
	if ttl < 55*time.Minute || ttl > 61*time.Minute {
		t.Errorf("expiry %v not near the granted hour", ttl)
	}
	want := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "rt",
		"client_id":     "cid",
		"client_secret": "secret",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestOAuthProviderClientCredentials(t *testing.T) {
	var gotGrant, gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotGrant = r.PostFormValue("grant_type")
		gotScope = r.PostFormValue("scope")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "svc", "token_type": "Bearer", "expires_in": 1800}`))
	}))
	defer srv.Close()

	p := NewOAuthProvider(map[string]Credentials{
		"msads": {
			ClientID:     "cid",
			ClientSecret: "secret",
			TokenURL:     srv.URL,
			Scopes:       []string{"https://ads.microsoft.com/.default"},
		},
	})
	info, err := p.Mint(context.Background(), "msads")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if info.AccessToken != "svc" {
		t.Errorf("AccessToken = %q", info.AccessToken)
	}
	if gotGrant != "client_credentials" {
		t.Errorf("grant_type = %q", gotGrant)
	}
	if gotScope != "https://ads.microsoft.com/.default" {
		t.Errorf("scope = %q", gotScope)
	}
}

func TestOAuthProviderStaticToken(t *testing.T) {
	p := NewOAuthProvider(map[string]Credentials{
		"facebook": {AccessToken: "long-lived"},
	})
	info, err := p.Mint(context.Background(), "facebook")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if info.AccessToken != "long-lived" {
		t.Errorf("AccessToken = %q", info.AccessToken)
	}
	if !info.ExpiresAt.IsZero() {
		t.Errorf("static token got expiry %v", info.ExpiresAt)
	}
}

func TestOAuthProviderGrantFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOAuthProvider(map[string]Credentials{
		"linkedin": {ClientID: "cid", ClientSecret: "secret", RefreshToken: "revoked", TokenURL: srv.URL},
	})
	_, err := p.Mint(context.Background(), "linkedin")
	if err == nil {
		t.Fatal("Mint() succeeded on a rejected grant")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindAuth {
		t.Errorf("kind = %v, want auth", k)
	}
}

func TestOAuthProviderUnknownPlatform(t *testing.T) {
	p := NewOAuthProvider(nil)
	_, err := p.Mint(context.Background(), "linkedin")
	if err == nil {
		t.Fatal("Mint() succeeded without credentials")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindAuth {
		t.Errorf("kind = %v, want auth", k)
	}
}

func TestOAuthProviderNoUsableGrant(t *testing.T) {
	p := NewOAuthProvider(map[string]Credentials{"linkedin": {ClientID: "cid"}})
	if _, err := p.Mint(context.Background(), "linkedin"); err == nil {
		t.Error("Mint() succeeded with only a client id")
	}
}

func TestWithEndpointDefaults(t *testing.T) {
	tests := []struct {
		platform  string
		creds     Credentials
		wantURL   string
		wantScope string
	}{
		{"linkedin", Credentials{}, "https://www.linkedin.com/oauth/v2/accessToken", ""},
		{"googleads", Credentials{}, "https://oauth2.googleapis.com/token", ""},
		{"msads", Credentials{}, "https://login.microsoftonline.com/common/oauth2/v2.0/token", "https://ads.microsoft.com/.default"},
		{"msads", Credentials{TenantID: "tenant-1"}, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token", "https://ads.microsoft.com/.default"},
		{"linkedin", Credentials{TokenURL: "https://override.example/token"}, "https://override.example/token", ""},
		{"facebook", Credentials{}, "", ""},
	}
	for _, tt := range tests {
		got := withEndpointDefaults(tt.platform, tt.creds)
		if got.TokenURL != tt.wantURL {
			t.Errorf("%s: TokenURL = %q, want %q", tt.platform, got.TokenURL, tt.wantURL)
		}
		if tt.wantScope != "" && (len(got.Scopes) != 1 || got.Scopes[0] != tt.wantScope) {
			t.Errorf("%s: Scopes = %v, want [%s]", tt.platform, got.Scopes, tt.wantScope)
		}
	}
}
