// Package fetch is the HTTP machinery shared by platform extractors:
// bearer auth from the token provider, JSON decoding with exact number
// handling, bounded retries for throttling and server failures, and a
// circuit breaker per API host.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/etlerr"
)

// TokenSource supplies bearer tokens per platform. Implementations that
// also implement Refresher get one forced refresh on a 401 before the
// failure propagates.
type TokenSource interface {
	Token(ctx context.Context, platform string) (string, error)
}

// Refresher is the optional refresh hook of a TokenSource.
type Refresher interface {
	Refresh(ctx context.Context, platform string) (string, error)
}

// Config tunes one platform's client.
type Config struct {
	Platform  string
	BaseURL   string
	UserAgent string

	// Headers are set on every request: API version pins, developer
	// tokens, and similar platform requirements.
	Headers map[string]string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// MaxAttempts caps request attempts (throttling and 5xx retry).
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.UserAgent == "" {
		out.UserAgent = "adferry/1.0"
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Client issues authenticated JSON requests against one platform API.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a client. A nil logger is replaced with a no-op.
func New(cfg Config, tokens TokenSource, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		tokens:   tokens,
		log:      log,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// breaker returns the circuit breaker for a host, creating it on first
// use. Five consecutive failures open the circuit for thirty seconds.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[host] = cb
	return cb
}

// resolve joins a path onto the base URL; absolute URLs pass through.
func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("no base URL configured for %s", c.cfg.Platform)
	}
	return base + "/" + strings.TrimPrefix(path, "/"), nil
}

// GetJSON issues a GET and decodes the response into out. Numbers are
// decoded as json.Number so platform ids never lose digits.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.Do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return etlerr.Data("fetch.decode", fmt.Errorf("decode %s response: %w", c.cfg.Platform, err)).
			ForPlatform(c.cfg.Platform)
	}
	return nil
}

// PostJSON issues a POST with a JSON body and decodes the response into
// out. Pass a nil out to discard the response.
func (c *Client) PostJSON(ctx context.Context, path string, query url.Values, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return etlerr.Config("fetch.encode", fmt.Errorf("encode %s request: %w", c.cfg.Platform, err)).
			ForPlatform(c.cfg.Platform)
	}
	body, err := c.Do(ctx, http.MethodPost, path, query, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return etlerr.Data("fetch.decode", fmt.Errorf("decode %s response: %w", c.cfg.Platform, err)).
			ForPlatform(c.cfg.Platform)
	}
	return nil
}

// Rows fetches a JSON document and returns the row objects under the
// given dotted field path ("elements", "data.rows"). An empty path
// expects a top-level array.
func (c *Client) Rows(ctx context.Context, path string, query url.Values, rowsField string) ([]map[string]any, error) {
	var doc any
	if err := c.GetJSON(ctx, path, query, &doc); err != nil {
		return nil, err
	}
	node := doc
	if rowsField != "" {
		for _, part := range strings.Split(rowsField, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, etlerr.Dataf("fetch.rows", "%s response has no %q field", c.cfg.Platform, rowsField).
					ForPlatform(c.cfg.Platform)
			}
			node = obj[part]
		}
	}
	if node == nil {
		return nil, nil
	}
	arr, ok := node.([]any)
	if !ok {
		return nil, etlerr.Dataf("fetch.rows", "%s response field %q is not an array", c.cfg.Platform, rowsField).
			ForPlatform(c.cfg.Platform)
	}
	rows := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, etlerr.Dataf("fetch.rows", "%s row is %T, want object", c.cfg.Platform, el).
				ForPlatform(c.cfg.Platform)
		}
		rows = append(rows, obj)
	}
	return rows, nil
}

// Do runs one request with auth, retry, and breaker handling, returning
// the raw response body.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, reqBody []byte) ([]byte, error) {
	u, err := c.resolve(path)
	if err != nil {
		return nil, etlerr.Config("fetch.request", err).ForPlatform(c.cfg.Platform)
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}

	bo := backoff.WithContext(c.newBackoff(), ctx)
	refreshed := false
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		body, err := c.once(ctx, method, u, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Auth failures get one forced token refresh, not a backoff loop.
		if k, _ := etlerr.KindOf(err); k == etlerr.KindAuth {
			if r, ok := c.tokens.(Refresher); ok && !refreshed {
				refreshed = true
				if _, rerr := r.Refresh(ctx, c.cfg.Platform); rerr == nil {
					c.log.Info("token refreshed after auth failure", zap.String("platform", c.cfg.Platform))
					continue
				}
			}
			break
		}
		if !etlerr.Retryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if ra, ok := etlerr.RetryAfter(err); ok && ra > wait {
			wait = ra
		}
		c.log.Warn("request retry",
			zap.String("platform", c.cfg.Platform),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, etlerr.Transport("fetch.request", ctx.Err()).ForPlatform(c.cfg.Platform)
		}
	}
	return nil, lastErr
}

func (c *Client) newBackoff() backoff.BackOff {
	// BackOff values are stateful; always build a fresh one per request.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	return bo
}

// once is a single authenticated attempt through the host breaker.
func (c *Client) once(ctx context.Context, method, u string, reqBody []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx, c.cfg.Platform)
	if err != nil {
		var e *etlerr.Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, etlerr.Auth("fetch.token", err).ForPlatform(c.cfg.Platform)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, etlerr.Config("fetch.request", err).ForPlatform(c.cfg.Platform)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	cb := c.breaker(req.URL.Host)
	res, err := cb.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, etlerr.Transport("fetch.request", err).ForPlatform(c.cfg.Platform)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, etlerr.Transport("fetch.read", err).ForPlatform(c.cfg.Platform)
		}
		if resp.StatusCode >= 500 {
			e := etlerr.Transportf("fetch.request", "%s returned %d: %s",
				req.URL.Host, resp.StatusCode, snippet(body)).ForPlatform(c.cfg.Platform)
			if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				e = e.WithRetryAfter(ra)
			}
			return nil, e
		}
		return &attemptResult{status: resp.StatusCode, header: resp.Header, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, etlerr.Transport("fetch.request",
				fmt.Errorf("circuit open for %s: %w", req.URL.Host, err)).ForPlatform(c.cfg.Platform)
		}
		return nil, err
	}

	ar := res.(*attemptResult)
	switch {
	case ar.status == http.StatusUnauthorized || ar.status == http.StatusForbidden:
		return nil, etlerr.Auth("fetch.request",
			fmt.Errorf("%s returned %d: %s", req.URL.Host, ar.status, snippet(ar.body))).
			ForPlatform(c.cfg.Platform)
	case ar.status == http.StatusTooManyRequests:
		e := etlerr.Transportf("fetch.request", "%s throttled (429): %s",
			req.URL.Host, snippet(ar.body)).ForPlatform(c.cfg.Platform)
		if ra, ok := parseRetryAfter(ar.header.Get("Retry-After")); ok {
			e = e.WithRetryAfter(ra)
		}
		return nil, e
	case ar.status < 200 || ar.status >= 300:
		return nil, etlerr.Dataf("fetch.request", "%s returned %d: %s",
			req.URL.Host, ar.status, snippet(ar.body)).ForPlatform(c.cfg.Platform)
	}
	return ar.body, nil
}

type attemptResult struct {
	status int
	header http.Header
	body   []byte
}

// parseRetryAfter reads both forms of the header: delta seconds and an
// HTTP date.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
