// Package auth supplies platform access tokens. A Source mints fresh
// tokens (OAuth grants, static env tokens, or warehouse-shared rows);
// CachedProvider layers per-platform caching and single-flight refresh
// on top and is what pipelines consume.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/etlerr"
)

// DefaultExpiryBuffer is how close to expiry a cached token may get
// before callers are handed a refreshed one.
const DefaultExpiryBuffer = 5 * time.Minute

// Provider is the token contract pipelines depend on. Token returns a
// valid token, refreshing when needed; Refresh forces a new one.
type Provider interface {
	Token(ctx context.Context, platform string) (string, error)
	Refresh(ctx context.Context, platform string) (string, error)
}

// TokenInfo is a minted token. A zero ExpiresAt means the token does
// not expire (static long-lived tokens).
type TokenInfo struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Source mints fresh tokens for a platform.
type Source interface {
	Mint(ctx context.Context, platform string) (TokenInfo, error)
}

// StaticSource serves fixed tokens for platforms whose long-lived
// tokens are provisioned out of band.
type StaticSource map[string]string

func (s StaticSource) Mint(ctx context.Context, platform string) (TokenInfo, error) {
	tok := s[platform]
	if tok == "" {
		return TokenInfo{}, etlerr.Auth("auth.mint",
			fmt.Errorf("no token configured for %s", platform)).ForPlatform(platform)
	}
	return TokenInfo{AccessToken: tok}, nil
}

// CachedProvider caches tokens per platform and refreshes within
// DefaultExpiryBuffer of expiry. Each platform's entry carries its own
// lock, so refreshes run at most once concurrently per platform while
// other platforms proceed.
type CachedProvider struct {
	source Source
	buffer time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu    sync.Mutex
	token string
	exp   time.Time
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps a source. A nil logger is replaced with a
// no-op.
func NewCachedProvider(source Source, log *zap.Logger) *CachedProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedProvider{
		source:  source,
		buffer:  DefaultExpiryBuffer,
		log:     log,
		now:     time.Now,
		entries: map[string]*cacheEntry{},
	}
}

func (p *CachedProvider) entry(platform string) *cacheEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[platform]
	if !ok {
		e = &cacheEntry{}
		p.entries[platform] = e
	}
	return e
}

// Token returns the cached token, minting a fresh one when the cache is
// empty or within the expiry buffer. Concurrent callers for the same
// platform block on the in-flight refresh and share its result.
func (p *CachedProvider) Token(ctx context.Context, platform string) (string, error) {
	e := p.entry(platform)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != "" && !p.stale(e.exp) {
		return e.token, nil
	}
	return p.refreshLocked(ctx, platform, e)
}

// Refresh discards the cached token and mints a new one.
func (p *CachedProvider) Refresh(ctx context.Context, platform string) (string, error) {
	e := p.entry(platform)
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.refreshLocked(ctx, platform, e)
}

// stale reports whether a token with this expiry needs refreshing. Zero
// expiry never goes stale.
func (p *CachedProvider) stale(exp time.Time) bool {
	if exp.IsZero() {
		return false
	}
	return !p.now().Add(p.buffer).Before(exp)
}

func (p *CachedProvider) refreshLocked(ctx context.Context, platform string, e *cacheEntry) (string, error) {
	info, err := p.source.Mint(ctx, platform)
	if err != nil {
		var classified *etlerr.Error
		if errors.As(err, &classified) {
			return "", err
		}
		return "", etlerr.Auth("auth.refresh", err).ForPlatform(platform)
	}
	if info.AccessToken == "" {
		return "", etlerr.Auth("auth.refresh",
			fmt.Errorf("source returned an empty token for %s", platform)).ForPlatform(platform)
	}
	e.token, e.exp = info.AccessToken, info.ExpiresAt
	p.log.Info("token refreshed",
		zap.String("platform", platform),
		zap.Time("expires_at", info.ExpiresAt))
	return e.token, nil
}
