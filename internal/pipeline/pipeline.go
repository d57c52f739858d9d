// Package pipeline drives one platform's extract-transform-load cycle.
// A platform's tables run single-threaded in dependency order; tables
// whose extraction is driven by the keys of an earlier table resolve
// those keys through the warehouse before calling the extractor.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/scheduler"
	"github.com/adlift/adferry/internal/warehouse"
)

// DefaultLookbackDays bounds driver-key queries and extraction windows
// when a table does not declare its own.
const DefaultLookbackDays = 150

// DateRange bounds time-series extraction, inclusive on both ends. A
// zero Start or End is filled from the table's lookback window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// WithLookback fills unset bounds: End defaults to now, Start to End
// minus the window.
func (d DateRange) WithLookback(days int) DateRange {
	if days <= 0 {
		days = DefaultLookbackDays
	}
	out := d
	if out.End.IsZero() {
		out.End = time.Now()
	}
	if out.Start.IsZero() {
		out.Start = out.End.AddDate(0, 0, -days)
	}
	return out
}

// IsZero reports whether neither bound was set.
func (d DateRange) IsZero() bool { return d.Start.IsZero() && d.End.IsZero() }

// Request describes one extraction call.
type Request struct {
	Table      string
	Path       string
	Fields     []string
	PageSize   int
	DateRange  DateRange
	DriverKeys []string
}

// Extractor produces the raw payload for one table. A nil or empty
// frame means the platform had nothing for the range; that is not an
// error. Errors should carry an etlerr kind so the engine can tell a
// retryable outage from bad data.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*frame.Frame, error)
}

// Sink is the warehouse surface the engine needs.
type Sink interface {
	Load(ctx context.Context, f *frame.Frame, table string, opts warehouse.Options) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error)
	QualifyTarget(table string) string
}

// DriverQuery declares a value-level dependency: the distinct keys of a
// previously loaded table drive this table's extraction. LinkedIn
// insights, for example, are fetched per campaign id loaded within the
// lookback window.
type DriverQuery struct {
	Table        string // logical name of the driving table
	KeyColumn    string // projected key column, default "id"
	DateColumn   string // recency filter column, default "row_loaded_date"
	LookbackDays int    // default DefaultLookbackDays
	Extra        string // additional predicate, ANDed onto the filter
}

// TableSpec is one table of a platform: where its rows come from, how
// they are shaped, and how they land.
type TableSpec struct {
	Name         string
	Path         string // extractor route for this table
	Fields       []string
	PageSize     int
	LookbackDays int

	Processing []processing.StepConfig
	Load       warehouse.Options

	DependsOn []string
	Driver    *DriverQuery

	// Critical aborts the whole platform when this table fails.
	Critical bool
}

// PlatformSpec is the declared shape of one platform.
type PlatformSpec struct {
	Name   string
	Tables []TableSpec
}

// TableNames returns the declared table names in declaration order.
func (s PlatformSpec) TableNames() []string {
	out := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		out[i] = t.Name
	}
	return out
}

// PlatformResult accumulates per-table outcomes for one run.
type PlatformResult struct {
	Platform     string
	TablesLoaded int
	RowsPerTable map[string]int64
	Errors       map[string]error  // tables that failed
	Skipped      map[string]string // tables not attempted, with reason
}

// Rows sums the loaded row counts.
func (r *PlatformResult) Rows() int64 {
	var n int64
	for _, rows := range r.RowsPerTable {
		n += rows
	}
	return n
}

// Engine runs the tables of one platform.
type Engine struct {
	spec      PlatformSpec
	extractor Extractor
	sink      Sink
	log       *zap.Logger
	dryRun    bool

	order     []string
	tables    map[string]*TableSpec
	pipelines map[string]*processing.Pipeline
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithDryRun skips every sink write; extraction, driver-key queries,
// and processing still run.
func WithDryRun(on bool) Option {
	return func(e *Engine) { e.dryRun = on }
}

// New resolves the table order and compiles every processing chain.
// Unknown steps, unknown or duplicate tables, and dependency cycles
// surface here as configuration errors, before anything extracts.
func New(spec PlatformSpec, ex Extractor, sink Sink, log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if spec.Name == "" {
		return nil, etlerr.Configf("pipeline.new", "platform spec has no name")
	}
	if ex == nil {
		return nil, etlerr.Configf("pipeline.new", "platform %s has no extractor", spec.Name)
	}
	if len(spec.Tables) == 0 {
		return nil, etlerr.Configf("pipeline.new", "platform %s declares no tables", spec.Name).ForPlatform(spec.Name)
	}

	e := &Engine{
		spec:      spec,
		extractor: ex,
		sink:      sink,
		log:       log.With(zap.String("platform", spec.Name)),
		tables:    map[string]*TableSpec{},
		pipelines: map[string]*processing.Pipeline{},
	}
	for _, o := range opts {
		o(e)
	}

	for i := range spec.Tables {
		t := &spec.Tables[i]
		if _, dup := e.tables[t.Name]; dup {
			return nil, etlerr.Configf("pipeline.new",
				"platform %s declares table %q twice", spec.Name, t.Name).ForPlatform(spec.Name)
		}
		e.tables[t.Name] = t

		p, err := processing.New(t.Processing)
		if err != nil {
			return nil, etlerr.Config("pipeline.new",
				fmt.Errorf("table %s: %w", t.Name, err)).ForPlatform(spec.Name).ForTable(t.Name)
		}
		e.pipelines[t.Name] = p
	}

	for _, t := range spec.Tables {
		for _, dep := range tableDeps(&t) {
			if _, ok := e.tables[dep]; !ok {
				return nil, etlerr.Configf("pipeline.new",
					"table %q depends on unknown table %q", t.Name, dep).ForPlatform(spec.Name).ForTable(t.Name)
			}
		}
	}

	order, err := e.resolveOrder()
	if err != nil {
		return nil, err
	}
	e.order = order
	return e, nil
}

// tableDeps merges declared dependencies with the driver table, which
// is an implicit dependency.
func tableDeps(t *TableSpec) []string {
	deps := append([]string(nil), t.DependsOn...)
	if t.Driver != nil && t.Driver.Table != "" {
		found := false
		for _, d := range deps {
			if d == t.Driver.Table {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, t.Driver.Table)
		}
	}
	return deps
}

// resolveOrder topologically sorts the tables. Declaration order breaks
// ties between independent tables so runs stay deterministic.
func (e *Engine) resolveOrder() ([]string, error) {
	nodes := make([]scheduler.PlatformNode, len(e.spec.Tables))
	for i := range e.spec.Tables {
		t := &e.spec.Tables[i]
		nodes[i] = scheduler.PlatformNode{
			Name:      t.Name,
			Enabled:   true,
			Priority:  len(e.spec.Tables) - i,
			DependsOn: tableDeps(t),
		}
	}
	plan, err := scheduler.Plan(nodes, nil)
	if err != nil {
		return nil, etlerr.Config("pipeline.new",
			fmt.Errorf("resolving table order for %s: %w", e.spec.Name, err)).ForPlatform(e.spec.Name)
	}
	return plan.Platforms(), nil
}

// Platform returns the platform name.
func (e *Engine) Platform() string { return e.spec.Name }

// AllTableNames returns the configured tables in execution order.
func (e *Engine) AllTableNames() []string {
	return append([]string(nil), e.order...)
}

// TableDependencies returns the tables that must load before the named
// one, driver tables included. Unknown tables return nil.
func (e *Engine) TableDependencies(table string) []string {
	t, ok := e.tables[table]
	if !ok {
		return nil
	}
	return tableDeps(t)
}

// Run extracts, transforms, and loads the named tables (all configured
// tables when names is empty) in dependency order. A table failure is
// recorded and its dependents skipped; the platform itself fails only
// when a critical table fails, when the context is cancelled, or when
// every attempted table failed.
func (e *Engine) Run(ctx context.Context, dr DateRange, names []string) (*PlatformResult, error) {
	res := &PlatformResult{
		Platform:     e.spec.Name,
		RowsPerTable: map[string]int64{},
		Errors:       map[string]error{},
		Skipped:      map[string]string{},
	}

	want := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := e.tables[n]; !ok {
			return nil, etlerr.Configf("pipeline.run", "unknown table %q", n).ForPlatform(e.spec.Name)
		}
		want[n] = true
	}

	start := time.Now()
	e.log.Info("platform run starting",
		zap.Int("tables", len(e.order)), zap.Bool("dry_run", e.dryRun))

	blocked := map[string]bool{}
	attempted := 0
	var firstErr error

	for _, name := range e.order {
		if len(want) > 0 && !want[name] {
			continue
		}
		// Cancellation is observed between tables, never mid-load.
		if err := ctx.Err(); err != nil {
			res.Skipped[name] = "run cancelled"
			continue
		}
		t := e.tables[name]

		if dep := e.blockedBy(t, blocked); dep != "" {
			res.Skipped[name] = fmt.Sprintf("dependency table %s did not load", dep)
			blocked[name] = true
			e.log.Warn("skipping table", zap.String("table", name), zap.String("reason", res.Skipped[name]))
			continue
		}

		attempted++
		rows, err := e.runTable(ctx, t, dr)
		switch {
		case err == nil:
			res.RowsPerTable[name] = rows
			res.TablesLoaded++
		case isKind(err, etlerr.KindDependency):
			res.Skipped[name] = firstLine(err)
			blocked[name] = true
			e.log.Warn("skipping table", zap.String("table", name), zap.String("reason", res.Skipped[name]))
		default:
			res.Errors[name] = err
			blocked[name] = true
			e.log.Error("table failed", zap.String("table", name), zap.Error(err))
			if t.Critical {
				return res, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if attempted > 0 && res.TablesLoaded == 0 && firstErr != nil {
		return res, firstErr
	}

	e.log.Info("platform run complete",
		zap.Int("tables_loaded", res.TablesLoaded),
		zap.Int64("rows", res.Rows()),
		zap.Int("failed", len(res.Errors)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// blockedBy returns the first dependency that failed or was skipped.
func (e *Engine) blockedBy(t *TableSpec, blocked map[string]bool) string {
	for _, dep := range tableDeps(t) {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}

func (e *Engine) runTable(ctx context.Context, t *TableSpec, dr DateRange) (int64, error) {
	log := e.log.With(zap.String("table", t.Name))
	start := time.Now()

	req := Request{
		Table:     t.Name,
		Path:      t.Path,
		Fields:    append([]string(nil), t.Fields...),
		PageSize:  t.PageSize,
		DateRange: dr.WithLookback(t.LookbackDays),
	}

	if t.Driver != nil {
		keys, err := e.driverKeys(ctx, t)
		if err != nil {
			return 0, err
		}
		if len(keys) == 0 {
			return 0, etlerr.Dependencyf("pipeline.extract",
				"no driver keys in %s", t.Driver.Table).ForPlatform(e.spec.Name).ForTable(t.Name)
		}
		req.DriverKeys = keys
		log.Debug("driver keys resolved", zap.Int("keys", len(keys)))
	}

	raw, err := e.extractor.Extract(ctx, req)
	if err != nil {
		if _, classified := etlerr.KindOf(err); classified {
			return 0, err
		}
		return 0, etlerr.Transport("pipeline.extract", err).ForPlatform(e.spec.Name).ForTable(t.Name)
	}
	if raw == nil || raw.Empty() {
		log.Warn("no rows extracted")
		return 0, nil
	}
	log.Debug("extracted", zap.Int("rows", raw.Len()))

	shaped, err := e.pipelines[t.Name].Process(raw)
	if err != nil {
		if ee, ok := err.(*etlerr.Error); ok {
			return 0, ee.ForPlatform(e.spec.Name).ForTable(t.Name)
		}
		return 0, etlerr.Data("pipeline.process", err).ForPlatform(e.spec.Name).ForTable(t.Name)
	}
	if shaped == nil || shaped.Empty() {
		log.Warn("no rows after processing")
		return 0, nil
	}

	if e.dryRun {
		log.Info("dry-run: load skipped", zap.Int("rows", shaped.Len()))
		return int64(shaped.Len()), nil
	}

	rows, err := e.sink.Load(ctx, shaped, t.Name, t.Load)
	if err != nil {
		if ee, ok := err.(*etlerr.Error); ok {
			return 0, ee.ForPlatform(e.spec.Name)
		}
		return 0, err
	}
	log.Info("table loaded", zap.Int64("rows", rows), zap.Duration("took", time.Since(start)))
	return rows, nil
}

// driverKeys reads the distinct key set that drives the table's
// extraction. A missing or empty driving table is not a failure; it
// means the dependency has not produced data yet and the table skips.
func (e *Engine) driverKeys(ctx context.Context, t *TableSpec) ([]string, error) {
	q := t.Driver
	keyCol := q.KeyColumn
	if keyCol == "" {
		keyCol = "id"
	}
	dateCol := q.DateColumn
	if dateCol == "" {
		dateCol = "row_loaded_date"
	}
	days := q.LookbackDays
	if days <= 0 {
		days = DefaultLookbackDays
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT %s FROM %s WHERE %s >= CURRENT_DATE - %d AND %s IS NOT NULL",
		pgx.Identifier{keyCol}.Sanitize(),
		e.sink.QualifyTarget(q.Table),
		pgx.Identifier{dateCol}.Sanitize(),
		days,
		pgx.Identifier{keyCol}.Sanitize())
	if q.Extra != "" {
		fmt.Fprintf(&b, " AND %s", q.Extra)
	}

	f, err := e.sink.Query(ctx, b.String())
	if err != nil {
		if isKind(err, etlerr.KindData) {
			e.log.Warn("driver-key query failed, treating as no keys",
				zap.String("table", t.Name), zap.String("driver", q.Table), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, f.Len())
	for _, row := range f.Rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		keys = append(keys, frame.Stringify(row[0]))
	}
	return keys, nil
}

func isKind(err error, kind etlerr.Kind) bool {
	k, ok := etlerr.KindOf(err)
	return ok && k == kind
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
