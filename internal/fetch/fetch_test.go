package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adlift/adferry/internal/etlerr"
)

type staticTokens struct {
	token string
	calls atomic.Int32
}

func (s *staticTokens) Token(ctx context.Context, platform string) (string, error) {
	s.calls.Add(1)
	return s.token, nil
}

type refreshTokens struct {
	staticTokens
	refreshes atomic.Int32
}

func (r *refreshTokens) Refresh(ctx context.Context, platform string) (string, error) {
	r.refreshes.Add(1)
	r.token = "fresh-token"
	return r.token, nil
}

func testClient(baseURL string, tokens TokenSource) *Client {
	return New(Config{
		Platform:       "linkedin",
		BaseURL:        baseURL,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, tokens, nil)
}

func TestGetJSONKeepsLargeIDsExact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 23851234567890123, "name": "brand"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	var doc map[string]any
	if err := c.GetJSON(context.Background(), "/v2/campaigns", nil, &doc); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	num, ok := doc["id"].(json.Number)
	if !ok {
		t.Fatalf("id decoded as %T, want json.Number", doc["id"])
	}
	if num.String() != "23851234567890123" {
		t.Errorf("id = %s, lost precision", num.String())
	}
}

func TestDoSetsAuthAndAgentHeaders(t *testing.T) {
	var gotAuth, gotAgent, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok-123"})
	if _, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAgent != "adferry/1.0" {
		t.Errorf("User-Agent = %q", gotAgent)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestPostJSONSendsBodyAndDecodesResponse(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"reportId": "r-9"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	in := map[string]any{"level": "campaign", "format": "json"}
	var out struct {
		ReportID string `json:"reportId"`
	}
	if err := c.PostJSON(context.Background(), "/reports", nil, in, &out); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotContentType != "application/json" {
		t.Errorf("request = %s %s", gotMethod, gotContentType)
	}
	var sent map[string]any
	if err := json.Unmarshal(gotBody, &sent); err != nil || sent["level"] != "campaign" {
		t.Errorf("body = %s (%v)", gotBody, err)
	}
	if out.ReportID != "r-9" {
		t.Errorf("reportId = %q", out.ReportID)
	}

	// nil out discards the response instead of failing to decode it.
	if err := c.PostJSON(context.Background(), "/reports", nil, in, nil); err != nil {
		t.Errorf("PostJSON(nil out) error = %v", err)
	}
}

func TestConfigHeadersSetOnEveryRequest(t *testing.T) {
	var gotVersion, gotProto string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("LinkedIn-Version")
		gotProto = r.Header.Get("X-Restli-Protocol-Version")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{
		Platform: "linkedin",
		BaseURL:  srv.URL,
		Headers: map[string]string{
			"LinkedIn-Version":          "202411",
			"X-Restli-Protocol-Version": "2.0.0",
		},
	}, &staticTokens{token: "tok"}, nil)
	if _, err := c.Do(context.Background(), http.MethodGet, "/adAccounts", nil, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if gotVersion != "202411" || gotProto != "2.0.0" {
		t.Errorf("headers = %q / %q", gotVersion, gotProto)
	}
}

func TestDoAppendsQuery(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	q := url.Values{"fields": {"id,name"}, "count": {"500"}}
	if _, err := c.Do(context.Background(), http.MethodGet, "/v2/campaigns", q, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if gotQuery.Get("fields") != "id,name" || gotQuery.Get("count") != "500" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestRowsDottedPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"paging": {"total": 2}, "data": {"rows": [{"a": 1}, {"a": 2}]}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	rows, err := c.Rows(context.Background(), "/report", nil, "data.rows")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[1]["a"].(json.Number).String() != "2" {
		t.Errorf("rows[1][a] = %v", rows[1]["a"])
	}
}

func TestRowsTopLevelArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": "x"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	rows, err := c.Rows(context.Background(), "/accounts", nil, "")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "x" {
		t.Errorf("rows = %v", rows)
	}
}

func TestRowsMissingFieldIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"elements": null}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	rows, err := c.Rows(context.Background(), "/report", nil, "elements")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if rows != nil {
		t.Errorf("rows = %v, want nil for an absent field", rows)
	}
}

func TestRowsWrongShapeIsDataError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"elements": {"not": "an array"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	_, err := c.Rows(context.Background(), "/report", nil, "elements")
	if err == nil {
		t.Fatal("Rows() succeeded on a non-array field")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindData {
		t.Errorf("kind = %v, want data", k)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	if _, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil); err != nil {
		t.Fatalf("Do() error = %v after retries", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}

func TestDoRetriesThrottling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	if _, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	_, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil)
	if err == nil {
		t.Fatal("Do() succeeded against a dead server")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindTransport {
		t.Errorf("kind = %v, want transport", k)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("server hits = %d, want MaxAttempts", got)
	}
}

func TestDoRefreshesTokenOnceOn401(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tokens := &refreshTokens{}
	tokens.token = "stale-token"
	c := testClient(srv.URL, tokens)
	if _, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := tokens.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestDoAuthFailureWithoutRefresherFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	_, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil)
	if err == nil {
		t.Fatal("Do() succeeded on 403")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindAuth {
		t.Errorf("kind = %v, want auth", k)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (no retry without a refresher)", got)
	}
}

func TestDoClientErrorIsDataAndFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no such report", http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL, &staticTokens{token: "tok"})
	_, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil)
	if err == nil {
		t.Fatal("Do() succeeded on 404")
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindData {
		t.Errorf("kind = %v, want data", k)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{
		Platform:       "linkedin",
		BaseURL:        srv.URL,
		MaxAttempts:    8,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, &staticTokens{token: "tok"}, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/report", nil, nil)
	if err == nil {
		t.Fatal("Do() succeeded against a dead server")
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("server hits = %d, want 5 before the circuit opens", got)
	}
	if !strings.Contains(err.Error(), "circuit open") {
		t.Errorf("error = %v, want circuit open", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"7", 7 * time.Second, true},
		{"0", 0, true},
		{"", 0, false},
		{"soon", 0, false},
		{"-3", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got, ok := parseRetryAfter(future)
	if !ok || got < 80*time.Second || got > 90*time.Second {
		t.Errorf("parseRetryAfter(date) = (%v, %v)", got, ok)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if got, ok := parseRetryAfter(past); !ok || got != 0 {
		t.Errorf("parseRetryAfter(past date) = (%v, %v), want (0, true)", got, ok)
	}
}

func TestResolve(t *testing.T) {
	c := testClient("https://api.linkedin.com/", &staticTokens{})
	tests := []struct {
		path string
		want string
	}{
		{"/v2/adAccounts", "https://api.linkedin.com/v2/adAccounts"},
		{"v2/adAccounts", "https://api.linkedin.com/v2/adAccounts"},
		{"https://elsewhere.example/x", "https://elsewhere.example/x"},
	}
	for _, tt := range tests {
		got, err := c.resolve(tt.path)
		if err != nil {
			t.Fatalf("resolve(%q) error = %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	bare := New(Config{Platform: "linkedin"}, &staticTokens{}, nil)
	if _, err := bare.resolve("/v2/adAccounts"); err == nil {
		t.Error("resolve() succeeded without a base URL")
	}
}
