package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/frame"
)

// tokensTable holds shared token rows: platform, access_token,
// expires_at, refreshed_at. Created by the migrations, never suffixed
// in test mode.
const tokensTable = "etl_tokens"

// TokenStore is the warehouse slice StoreProvider needs. A
// *warehouse.Sink satisfies it.
type TokenStore interface {
	Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Qualify(table string) string
}

// StoreProvider shares minted tokens through the warehouse so parallel
// deployments reuse each other's refreshes. A fresh row short-circuits
// the inner source; after a mint the row is upserted best-effort, so a
// bookkeeping failure never fails the run.
type StoreProvider struct {
	inner  Source
	db     TokenStore
	buffer time.Duration
	log    *zap.Logger
	now    func() time.Time
}

var _ Source = (*StoreProvider)(nil)

func NewStoreProvider(inner Source, db TokenStore, log *zap.Logger) *StoreProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &StoreProvider{
		inner:  inner,
		db:     db,
		buffer: DefaultExpiryBuffer,
		log:    log,
		now:    time.Now,
	}
}

func (s *StoreProvider) Mint(ctx context.Context, platform string) (TokenInfo, error) {
	if info, ok := s.lookup(ctx, platform); ok {
		s.log.Debug("token served from warehouse", zap.String("platform", platform))
		return info, nil
	}
	info, err := s.inner.Mint(ctx, platform)
	if err != nil {
		return TokenInfo{}, err
	}
	if !info.ExpiresAt.IsZero() {
		s.persist(ctx, platform, info)
	}
	return info, nil
}

func (s *StoreProvider) lookup(ctx context.Context, platform string) (TokenInfo, bool) {
	f, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT access_token, expires_at FROM %s WHERE platform = $1`, s.db.Qualify(tokensTable)),
		platform)
	if err != nil {
		s.log.Debug("token lookup failed", zap.String("platform", platform), zap.Error(err))
		return TokenInfo{}, false
	}
	if f.Empty() {
		return TokenInfo{}, false
	}
	tokCell, _ := f.Cell(0, "access_token")
	expCell, _ := f.Cell(0, "expires_at")
	token, _ := tokCell.(string)
	exp, _ := expCell.(time.Time)
	if token == "" || exp.IsZero() || !s.now().Add(s.buffer).Before(exp) {
		return TokenInfo{}, false
	}
	return TokenInfo{AccessToken: token, ExpiresAt: exp}, true
}

func (s *StoreProvider) persist(ctx context.Context, platform string, info TokenInfo) {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (platform, access_token, expires_at, refreshed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (platform) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			expires_at   = EXCLUDED.expires_at,
			refreshed_at = EXCLUDED.refreshed_at`, s.db.Qualify(tokensTable)),
		platform, info.AccessToken, info.ExpiresAt)
	if err != nil {
		s.log.Warn("token persist failed", zap.String("platform", platform), zap.Error(err))
	}
}
