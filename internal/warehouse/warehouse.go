// Package warehouse persists frames into Postgres under the four load
// modes (append, replace, upsert, increment). Every load aligns the
// payload to the catalog schema first, then streams rows through the
// bulk-copy protocol; staged modes merge inside a single transaction.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/debug"
	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
)

// LoadMode selects how a payload combines into the target table.
type LoadMode string

const (
	ModeAppend    LoadMode = "append"
	ModeReplace   LoadMode = "replace"
	ModeUpsert    LoadMode = "upsert"
	ModeIncrement LoadMode = "increment"
)

// ParseLoadMode validates a configured mode string.
func ParseLoadMode(s string) (LoadMode, error) {
	switch LoadMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAppend:
		return ModeAppend, nil
	case ModeReplace:
		return ModeReplace, nil
	case ModeUpsert:
		return ModeUpsert, nil
	case ModeIncrement:
		return ModeIncrement, nil
	default:
		return "", fmt.Errorf("unknown load mode %q", s)
	}
}

// Sentinel causes wrapped into the classified errors Load returns.
var (
	ErrSchemaMismatch = errors.New("payload column cannot be coerced to schema type")
	ErrConnection     = errors.New("warehouse connection failure")
	ErrConstraint     = errors.New("constraint violation")
	ErrIntegrity      = errors.New("primary key required but not available")
	ErrNoTable        = errors.New("target table does not exist")
)

// Config carries everything the sink needs to open and name targets.
type Config struct {
	DSN    string
	Schema string

	// TestMode appends TestSuffix to every target table name, keeping
	// staging runs out of the production tables.
	TestMode   bool
	TestSuffix string

	// DryRun aligns and encodes but never writes.
	DryRun bool

	// DedupeMaxKeys bounds the in-memory existing-key read for append
	// dedupe; larger targets fall back to a staged anti-join.
	DedupeMaxKeys int

	// CopyChunkRows is the number of rows buffered per bulk-copy write.
	CopyChunkRows int

	// MaxConns bounds the session pool. Zero means pgxpool's default.
	MaxConns int32
}

func (c Config) withDefaults() Config {
	out := c
	if out.Schema == "" {
		out.Schema = "analytics"
	}
	if out.TestSuffix == "" {
		out.TestSuffix = "_test"
	}
	if out.DedupeMaxKeys <= 0 {
		out.DedupeMaxKeys = 500000
	}
	if out.CopyChunkRows <= 0 {
		out.CopyChunkRows = 1000
	}
	return out
}

// Options selects the load behavior for one table.
type Options struct {
	Mode             LoadMode
	PKColumns        []string
	IncrementColumns []string
}

// Sink is the warehouse client shared by all platform pipelines. It is
// safe for concurrent use; loads against the same target table are
// serialized by a per-table mutex.
type Sink struct {
	cfg  Config
	pool *pgxpool.Pool
	log  *zap.Logger

	mu       sync.Mutex
	tableMus map[string]*sync.Mutex

	catMu   sync.Mutex
	catalog map[string]*TableSchema
}

// Open connects the session pool and pings the warehouse.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, etlerr.Config("warehouse.open", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "adferry"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, etlerr.Transport("warehouse.open", fmt.Errorf("%w: %v", ErrConnection, err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, etlerr.Transport("warehouse.open", fmt.Errorf("%w: %v", ErrConnection, err))
	}
	return &Sink{
		cfg:      cfg,
		pool:     pool,
		log:      log,
		tableMus: map[string]*sync.Mutex{},
		catalog:  map[string]*TableSchema{},
	}, nil
}

// Close releases the session pool.
func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Schema returns the schema targets are resolved in.
func (s *Sink) Schema() string { return s.cfg.Schema }

// physicalName maps a logical table to its target name, appending the
// test suffix in test mode.
func (s *Sink) physicalName(table string) string {
	if s.cfg.TestMode && !strings.HasSuffix(table, s.cfg.TestSuffix) {
		return table + s.cfg.TestSuffix
	}
	return table
}

func (s *Sink) tableLock(target string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.tableMus[target]
	if !ok {
		mu = &sync.Mutex{}
		s.tableMus[target] = mu
	}
	return mu
}

func (s *Sink) qualified(target string) string {
	return pgx.Identifier{s.cfg.Schema, target}.Sanitize()
}

// Qualify returns the schema-qualified quoted name for a bookkeeping
// table. Test-mode suffixing does not apply; run and token records are
// shared infrastructure, not load targets.
func (s *Sink) Qualify(table string) string {
	return s.qualified(table)
}

// QualifyTarget maps a logical table to its schema-qualified quoted
// physical name, test suffix included. Driver-key queries resolve
// through this so test-mode runs read what test-mode loads wrote.
func (s *Sink) QualifyTarget(table string) string {
	return s.qualified(s.physicalName(table))
}

// Load aligns the payload against the target's catalog schema and merges
// it under the selected mode. The returned count is rows inserted plus
// rows updated. An empty payload is a no-op.
func (s *Sink) Load(ctx context.Context, f *frame.Frame, table string, opts Options) (int64, error) {
	if f == nil || f.Empty() {
		return 0, nil
	}
	target := s.physicalName(table)

	schema, err := s.TableSchema(ctx, target)
	if err != nil {
		return 0, err
	}

	aligned, dropped, err := Align(f, schema)
	if err != nil {
		return 0, etlerr.Data("warehouse.load", err).ForTable(target)
	}
	for _, name := range dropped {
		s.log.Warn("dropping payload column absent from schema",
			zap.String("table", target), zap.String("column", name))
	}

	pk, err := s.resolveKeys(ctx, schema, opts)
	if err != nil {
		return 0, err
	}

	if s.cfg.DryRun {
		if err := encodeToDiscard(aligned, s.cfg.CopyChunkRows); err != nil {
			return 0, etlerr.Data("warehouse.load", err).ForTable(target)
		}
		s.log.Info("dry-run load skipped",
			zap.String("table", target), zap.String("mode", string(opts.Mode)), zap.Int("rows", aligned.Len()))
		return int64(aligned.Len()), nil
	}

	// Lease a session first, then serialize per target table.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, etlerr.Transport("warehouse.load", fmt.Errorf("%w: %v", ErrConnection, err)).ForTable(target)
	}
	defer conn.Release()

	mu := s.tableLock(target)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	var n int64
	switch opts.Mode {
	case ModeAppend:
		n, err = s.loadAppend(ctx, conn, aligned, target, schema, pk)
	case ModeReplace:
		n, err = s.loadReplace(ctx, conn, aligned, target, schema)
	case ModeUpsert:
		n, err = s.loadUpsert(ctx, conn, aligned, target, schema, pk)
	case ModeIncrement:
		n, err = s.loadIncrement(ctx, conn, aligned, target, schema, pk, opts.IncrementColumns)
	default:
		return 0, etlerr.Configf("warehouse.load", "unknown load mode %q", opts.Mode)
	}
	if err != nil {
		return 0, classifyPgError("warehouse.load", err).ForTable(target)
	}
	s.log.Info("load complete",
		zap.String("table", target),
		zap.String("mode", string(opts.Mode)),
		zap.Int64("rows", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

// resolveKeys fills in pk columns from the catalog when the config is
// silent, and enforces the increment-mode rules.
func (s *Sink) resolveKeys(ctx context.Context, schema *TableSchema, opts Options) ([]string, error) {
	pk := append([]string(nil), opts.PKColumns...)
	needsPK := opts.Mode == ModeUpsert || opts.Mode == ModeIncrement

	if len(pk) == 0 && needsPK {
		detected, err := s.primaryKey(ctx, schema.Table)
		if err != nil {
			return nil, err
		}
		pk = detected
		if opts.Mode == ModeIncrement {
			pk = dropDateColumns(pk, schema)
		}
	}
	if needsPK && len(pk) == 0 {
		return nil, etlerr.Data("warehouse.load",
			fmt.Errorf("%w: mode %s on %s", ErrIntegrity, opts.Mode, schema.Table)).ForTable(schema.Table)
	}
	if opts.Mode == ModeIncrement {
		for _, col := range pk {
			if c, ok := schema.Column(col); ok && c.Type == frame.Date {
				return nil, etlerr.Data("warehouse.load",
					fmt.Errorf("%w: increment pk must not include date column %q", ErrIntegrity, col)).ForTable(schema.Table)
			}
		}
		if len(opts.IncrementColumns) == 0 {
			return nil, etlerr.Data("warehouse.load",
				fmt.Errorf("%w: increment mode needs increment_columns", ErrIntegrity)).ForTable(schema.Table)
		}
	}
	for _, col := range pk {
		if _, ok := schema.Column(col); !ok {
			return nil, etlerr.Data("warehouse.load",
				fmt.Errorf("%w: pk column %q not in schema", ErrIntegrity, col)).ForTable(schema.Table)
		}
	}
	return pk, nil
}

func dropDateColumns(cols []string, schema *TableSchema) []string {
	out := cols[:0]
	for _, name := range cols {
		if c, ok := schema.Column(name); ok && c.Type == frame.Date {
			debug.Logf("warehouse: excluding date column %s from detected increment pk\n", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// Query runs a read-only statement and returns the result as a frame.
// Pipelines use it to fetch driver keys from dependency tables.
func (s *Sink) Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPgError("warehouse.query", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]frame.Column, len(fds))
	for i, fd := range fds {
		cols[i] = frame.Column{Name: string(fd.Name), Type: typeFromOID(fd.DataTypeOID)}
	}
	out := frame.New(cols...)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPgError("warehouse.query", err)
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = normalizeCell(v)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("warehouse.query", err)
	}
	return out, nil
}

// TableExists reports whether the target exists in the configured schema.
// The name is taken as-is; callers pass physical names.
func (s *Sink) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		s.cfg.Schema, table).Scan(&exists)
	if err != nil {
		return false, classifyPgError("warehouse.exists", err)
	}
	return exists, nil
}

// Exec runs a statement outside the load path (migrations helpers, tests).
func (s *Sink) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classifyPgError("warehouse.exec", err)
	}
	return tag.RowsAffected(), nil
}

// Pool exposes the underlying session pool for bookkeeping writers that
// share the sink's connection budget.
func (s *Sink) Pool() *pgxpool.Pool { return s.pool }

// typeFromOID maps common Postgres type OIDs to semantic types.
func typeFromOID(oid uint32) frame.Type {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return frame.Integer
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return frame.Float
	case pgtype.BoolOID:
		return frame.Bool
	case pgtype.DateOID:
		return frame.Date
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return frame.Timestamp
	default:
		return frame.String
	}
}

// normalizeCell converts pgx scan values to the frame cell vocabulary.
func normalizeCell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64, float64, bool, string, time.Time:
		return x
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case pgtype.Numeric:
		fv, err := x.Float64Value()
		if err != nil || !fv.Valid {
			return nil
		}
		return fv.Float64
	default:
		return frame.Stringify(x)
	}
}

// classifyPgError folds driver errors into the shared taxonomy: dial and
// socket problems are retryable transport failures, constraint and type
// errors are terminal data failures.
func classifyPgError(op string, err error) *etlerr.Error {
	var e *etlerr.Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return etlerr.Transport(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint class
			return etlerr.Data(op, fmt.Errorf("%w: %v", ErrConstraint, err))
		case pgErr.Code == "42P01": // undefined table
			return etlerr.Data(op, fmt.Errorf("%w: %v", ErrNoTable, err))
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return etlerr.Transport(op, fmt.Errorf("%w: %v", ErrConnection, err))
		default:
			return etlerr.Data(op, err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "server closed"),
		strings.Contains(msg, "failed to connect"):
		return etlerr.Transport(op, fmt.Errorf("%w: %v", ErrConnection, err))
	default:
		return etlerr.Data(op, err)
	}
}

func stageID() string {
	return uuid.NewString()[:8]
}
