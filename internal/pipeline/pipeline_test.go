package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/warehouse"
)

type fakeExtractor struct {
	mu     sync.Mutex
	frames map[string]*frame.Frame
	errs   map[string]error
	reqs   []Request
}

func (f *fakeExtractor) Extract(ctx context.Context, req Request) (*frame.Frame, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if err := f.errs[req.Table]; err != nil {
		return nil, err
	}
	return f.frames[req.Table], nil
}

func (f *fakeExtractor) requestFor(table string) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.Table == table {
			return r, true
		}
	}
	return Request{}, false
}

type loadCall struct {
	table string
	frame *frame.Frame
	opts  warehouse.Options
}

type fakeSink struct {
	mu       sync.Mutex
	loads    []loadCall
	loadErr  map[string]error
	queryFn  func(sql string) (*frame.Frame, error)
	querySQL []string
}

func (s *fakeSink) Load(ctx context.Context, f *frame.Frame, table string, opts warehouse.Options) (int64, error) {
	s.mu.Lock()
	s.loads = append(s.loads, loadCall{table: table, frame: f, opts: opts})
	s.mu.Unlock()
	if err := s.loadErr[table]; err != nil {
		return 0, err
	}
	return int64(f.Len()), nil
}

func (s *fakeSink) Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error) {
	s.mu.Lock()
	s.querySQL = append(s.querySQL, sql)
	s.mu.Unlock()
	if s.queryFn == nil {
		return frame.New(frame.Column{Name: "id", Type: frame.Integer}), nil
	}
	return s.queryFn(sql)
}

func (s *fakeSink) QualifyTarget(table string) string {
	return `"analytics"."` + table + `"`
}

func (s *fakeSink) loadedTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.loads))
	for i, c := range s.loads {
		out[i] = c.table
	}
	return out
}

func rows(col string, vals ...any) *frame.Frame {
	f := frame.New(frame.Column{Name: col, Type: frame.String})
	for _, v := range vals {
		f.Rows = append(f.Rows, []any{v})
	}
	return f
}

func keyFrame(vals ...any) *frame.Frame {
	f := frame.New(frame.Column{Name: "id", Type: frame.Integer})
	for _, v := range vals {
		f.Rows = append(f.Rows, []any{v})
	}
	return f
}

func twoTableSpec() PlatformSpec {
	return PlatformSpec{
		Name: "linkedin",
		Tables: []TableSpec{
			{Name: "linkedin_ads_account", Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"id"}}},
			{Name: "linkedin_ads_campaign", DependsOn: []string{"linkedin_ads_account"},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"id"}}},
		},
	}
}

func TestNewResolvesDriverImpliedOrder(t *testing.T) {
	spec := PlatformSpec{
		Name: "linkedin",
		Tables: []TableSpec{
			// Declared out of order on purpose; the driver edge must pull
			// campaign ahead of insights.
			{Name: "linkedin_ads_insights", Driver: &DriverQuery{Table: "linkedin_ads_campaign"}},
			{Name: "linkedin_ads_campaign"},
		},
	}
	e, err := New(spec, &fakeExtractor{}, &fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := e.AllTableNames()
	want := []string{"linkedin_ads_campaign", "linkedin_ads_insights"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
	deps := e.TableDependencies("linkedin_ads_insights")
	if len(deps) != 1 || deps[0] != "linkedin_ads_campaign" {
		t.Errorf("TableDependencies(insights) = %v", deps)
	}
}

func TestNewUnknownStepIsConfigError(t *testing.T) {
	spec := PlatformSpec{
		Name: "facebook",
		Tables: []TableSpec{{
			Name:       "fb_ads_campaign",
			Processing: []processing.StepConfig{{Name: "no_such_step"}},
		}},
	}
	_, err := New(spec, &fakeExtractor{}, &fakeSink{}, nil)
	if err == nil {
		t.Fatal("New() accepted an unknown processing step")
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindConfig {
		t.Errorf("kind = %v, want config", k)
	}
	if !errors.Is(err, processing.ErrUnknownStep) {
		t.Errorf("error %v does not wrap ErrUnknownStep", err)
	}
}

func TestNewUnknownDependency(t *testing.T) {
	spec := PlatformSpec{
		Name:   "msads",
		Tables: []TableSpec{{Name: "ms_ads_campaign", DependsOn: []string{"ghost"}}},
	}
	_, err := New(spec, &fakeExtractor{}, &fakeSink{}, nil)
	if err == nil {
		t.Fatal("New() accepted an unknown table dependency")
	}
	if !strings.Contains(err.Error(), "unknown table") {
		t.Errorf("error %q does not name the unknown table", err)
	}
}

func TestNewCycleIsConfigError(t *testing.T) {
	spec := PlatformSpec{
		Name: "msads",
		Tables: []TableSpec{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	_, err := New(spec, &fakeExtractor{}, &fakeSink{}, nil)
	if err == nil {
		t.Fatal("New() accepted a table cycle")
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindConfig {
		t.Errorf("kind = %v, want config", k)
	}
}

func TestRunLoadsTablesInOrder(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"linkedin_ads_account":  rows("name", "acct-a", "acct-b"),
		"linkedin_ads_campaign": rows("name", "camp-1"),
	}}
	sink := &fakeSink{}
	e, err := New(twoTableSpec(), ex, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := e.Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TablesLoaded != 2 {
		t.Errorf("TablesLoaded = %d, want 2", res.TablesLoaded)
	}
	if res.RowsPerTable["linkedin_ads_account"] != 2 || res.RowsPerTable["linkedin_ads_campaign"] != 1 {
		t.Errorf("RowsPerTable = %v", res.RowsPerTable)
	}
	if res.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3", res.Rows())
	}
	got := sink.loadedTables()
	if strings.Join(got, ",") != "linkedin_ads_account,linkedin_ads_campaign" {
		t.Errorf("load order = %v", got)
	}
	if sink.loads[0].opts.Mode != warehouse.ModeUpsert {
		t.Errorf("load mode = %v, want upsert", sink.loads[0].opts.Mode)
	}
}

func TestRunAppliesProcessingChain(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"fb_ads_campaign": rows("campaign_id", "c1"),
	}}
	sink := &fakeSink{}
	spec := PlatformSpec{
		Name: "facebook",
		Tables: []TableSpec{{
			Name: "fb_ads_campaign",
			Processing: []processing.StepConfig{
				{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{"campaign_id": "id"}}},
			},
		}},
	}
	e, err := New(spec, ex, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.Run(context.Background(), DateRange{}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.loads) != 1 {
		t.Fatalf("loads = %d, want 1", len(sink.loads))
	}
	if !sink.loads[0].frame.HasColumn("id") || sink.loads[0].frame.HasColumn("campaign_id") {
		t.Errorf("processing chain not applied, columns = %v", sink.loads[0].frame.ColumnNames())
	}
}

func TestRunDriverKeys(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"linkedin_ads_campaign": rows("name", "c"),
		"linkedin_ads_insights": rows("impressions", "10"),
	}}
	sink := &fakeSink{queryFn: func(sql string) (*frame.Frame, error) {
		return keyFrame(int64(101), int64(202)), nil
	}}
	spec := PlatformSpec{
		Name: "linkedin",
		Tables: []TableSpec{
			{Name: "linkedin_ads_campaign"},
			{Name: "linkedin_ads_insights", Driver: &DriverQuery{Table: "linkedin_ads_campaign", LookbackDays: 90}},
		},
	}
	e, err := New(spec, ex, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TablesLoaded != 2 {
		t.Fatalf("TablesLoaded = %d, want 2; errors=%v skipped=%v", res.TablesLoaded, res.Errors, res.Skipped)
	}

	req, ok := ex.requestFor("linkedin_ads_insights")
	if !ok {
		t.Fatal("insights never extracted")
	}
	if len(req.DriverKeys) != 2 || req.DriverKeys[0] != "101" || req.DriverKeys[1] != "202" {
		t.Errorf("DriverKeys = %v, want [101 202]", req.DriverKeys)
	}

	if len(sink.querySQL) != 1 {
		t.Fatalf("driver queries = %d, want 1", len(sink.querySQL))
	}
	sql := sink.querySQL[0]
	for _, want := range []string{
		`SELECT DISTINCT "id"`,
		`"analytics"."linkedin_ads_campaign"`,
		`"row_loaded_date" >= CURRENT_DATE - 90`,
		`"id" IS NOT NULL`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("driver SQL %q missing %q", sql, want)
		}
	}
}

func TestRunEmptyDriverKeysSkipsTable(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"linkedin_ads_campaign": rows("name", "c"),
	}}
	sink := &fakeSink{queryFn: func(sql string) (*frame.Frame, error) {
		return keyFrame(), nil
	}}
	spec := PlatformSpec{
		Name: "linkedin",
		Tables: []TableSpec{
			{Name: "linkedin_ads_campaign"},
			{Name: "linkedin_ads_insights", Driver: &DriverQuery{Table: "linkedin_ads_campaign"}},
			// Depends on the skipped table, so it must skip too.
			{Name: "linkedin_ads_creative", DependsOn: []string{"linkedin_ads_insights"}},
		},
	}
	e, err := New(spec, ex, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v (a skip is not a platform failure)", err)
	}
	if res.TablesLoaded != 1 {
		t.Errorf("TablesLoaded = %d, want 1", res.TablesLoaded)
	}
	if _, ok := res.Skipped["linkedin_ads_insights"]; !ok {
		t.Errorf("insights not skipped: %v", res.Skipped)
	}
	if _, ok := res.Skipped["linkedin_ads_creative"]; !ok {
		t.Errorf("creative not skipped after its dependency skipped: %v", res.Skipped)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
	if _, ok := ex.requestFor("linkedin_ads_insights"); ok {
		t.Error("insights extracted despite empty driver keys")
	}
}

func TestRunDriverQueryMissingTableSkips(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{}}
	sink := &fakeSink{queryFn: func(sql string) (*frame.Frame, error) {
		// First-ever run: the driving table does not exist yet.
		return nil, etlerr.Dataf("warehouse.query", "relation does not exist")
	}}
	spec := PlatformSpec{
		Name:   "linkedin",
		Tables: []TableSpec{{Name: "linkedin_ads_insights", Driver: &DriverQuery{Table: "linkedin_ads_campaign"}}},
	}
	e, err := New(spec, ex, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background(), DateRange{}, []string{"linkedin_ads_insights"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := res.Skipped["linkedin_ads_insights"]; !ok {
		t.Errorf("missing driver table must skip, got errors=%v skipped=%v", res.Errors, res.Skipped)
	}
}

func TestRunDependentSkippedAfterFailure(t *testing.T) {
	ex := &fakeExtractor{
		frames: map[string]*frame.Frame{
			"linkedin_ads_account":  rows("name", "a"),
			"linkedin_ads_campaign": rows("name", "c"),
		},
		errs: map[string]error{
			"linkedin_ads_account": etlerr.Transportf("fetch.get", "503 from api"),
		},
	}
	sink := &fakeSink{}
	res, err := mustEngine(t, twoTableSpec(), ex, sink).Run(context.Background(), DateRange{}, nil)
	// The only attempted table failed, so the platform itself fails.
	if err == nil {
		t.Fatal("Run() succeeded with nothing loaded")
	}
	if _, ok := res.Errors["linkedin_ads_account"]; !ok {
		t.Errorf("account failure not recorded: %v", res.Errors)
	}
	if _, ok := res.Skipped["linkedin_ads_campaign"]; !ok {
		t.Errorf("campaign not skipped after its dependency failed: %v", res.Skipped)
	}
	if len(sink.loads) != 0 {
		t.Errorf("loads = %v, want none", sink.loadedTables())
	}
}

func TestRunIndependentTableSurvivesSiblingFailure(t *testing.T) {
	ex := &fakeExtractor{
		frames: map[string]*frame.Frame{
			"ms_ads_account":  rows("name", "a"),
			"ms_ads_campaign": rows("name", "c"),
		},
		errs: map[string]error{"ms_ads_account": errors.New("boom")},
	}
	sink := &fakeSink{}
	spec := PlatformSpec{
		Name: "msads",
		Tables: []TableSpec{
			{Name: "ms_ads_account"},
			{Name: "ms_ads_campaign"},
		},
	}
	res, err := mustEngine(t, spec, ex, sink).Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TablesLoaded != 1 {
		t.Errorf("TablesLoaded = %d, want 1", res.TablesLoaded)
	}
	// An unclassified extractor error is treated as transport.
	if k, _ := etlerr.KindOf(res.Errors["ms_ads_account"]); k != etlerr.KindTransport {
		t.Errorf("kind = %v, want transport", k)
	}
}

func TestRunCriticalTableAbortsPlatform(t *testing.T) {
	ex := &fakeExtractor{
		frames: map[string]*frame.Frame{"ms_ads_campaign": rows("name", "c")},
		errs:   map[string]error{"ms_ads_account": etlerr.Dataf("pipeline.extract", "bad shape")},
	}
	sink := &fakeSink{}
	spec := PlatformSpec{
		Name: "msads",
		Tables: []TableSpec{
			{Name: "ms_ads_account", Critical: true},
			{Name: "ms_ads_campaign"},
		},
	}
	res, err := mustEngine(t, spec, ex, sink).Run(context.Background(), DateRange{}, nil)
	if err == nil {
		t.Fatal("Run() succeeded despite critical table failure")
	}
	if res.TablesLoaded != 0 {
		t.Errorf("TablesLoaded = %d, want 0", res.TablesLoaded)
	}
	if len(sink.loads) != 0 {
		t.Errorf("loads = %v, want none after critical abort", sink.loadedTables())
	}
}

func TestRunAllTablesFailedFailsPlatform(t *testing.T) {
	ex := &fakeExtractor{errs: map[string]error{
		"ms_ads_account":  etlerr.Transportf("fetch.get", "timeout"),
		"ms_ads_campaign": etlerr.Transportf("fetch.get", "timeout"),
	}}
	spec := PlatformSpec{
		Name: "msads",
		Tables: []TableSpec{
			{Name: "ms_ads_account"},
			{Name: "ms_ads_campaign"},
		},
	}
	_, err := mustEngine(t, spec, ex, &fakeSink{}).Run(context.Background(), DateRange{}, nil)
	if err == nil {
		t.Fatal("Run() succeeded with zero tables loaded and failures present")
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindTransport {
		t.Errorf("kind = %v, want transport (first failure)", k)
	}
}

func TestRunEmptyExtractionIsNotFailure(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{}}
	spec := PlatformSpec{Name: "msads", Tables: []TableSpec{{Name: "ms_ads_account"}}}
	sink := &fakeSink{}
	res, err := mustEngine(t, spec, ex, sink).Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TablesLoaded != 1 {
		t.Errorf("TablesLoaded = %d, want 1 (empty table still counts as processed)", res.TablesLoaded)
	}
	if res.Rows() != 0 {
		t.Errorf("Rows() = %d, want 0", res.Rows())
	}
	if len(sink.loads) != 0 {
		t.Error("empty frame must not reach the sink")
	}
}

func TestRunDryRunSkipsLoads(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"linkedin_ads_account":  rows("name", "a", "b"),
		"linkedin_ads_campaign": rows("name", "c"),
	}}
	sink := &fakeSink{}
	e, err := New(twoTableSpec(), ex, sink, nil, WithDryRun(true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background(), DateRange{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.loads) != 0 {
		t.Errorf("dry run wrote to sink: %v", sink.loadedTables())
	}
	if res.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3 (rows that would have loaded)", res.Rows())
	}
}

func TestRunTableFilter(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{
		"linkedin_ads_account":  rows("name", "a"),
		"linkedin_ads_campaign": rows("name", "c"),
	}}
	sink := &fakeSink{}
	e := mustEngine(t, twoTableSpec(), ex, sink)

	res, err := e.Run(context.Background(), DateRange{}, []string{"linkedin_ads_account"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TablesLoaded != 1 {
		t.Errorf("TablesLoaded = %d, want 1", res.TablesLoaded)
	}
	if _, ok := res.RowsPerTable["linkedin_ads_campaign"]; ok {
		t.Error("filtered-out table was run")
	}

	if _, err := e.Run(context.Background(), DateRange{}, []string{"nope"}); err == nil {
		t.Error("Run() accepted an unknown table filter")
	}
}

func TestRunCancelledContext(t *testing.T) {
	ex := &fakeExtractor{frames: map[string]*frame.Frame{"ms_ads_account": rows("name", "a")}}
	spec := PlatformSpec{Name: "msads", Tables: []TableSpec{{Name: "ms_ads_account"}}}
	e := mustEngine(t, spec, ex, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Run(ctx, DateRange{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if _, ok := res.Skipped["ms_ads_account"]; !ok {
		t.Errorf("table not marked skipped on cancellation: %v", res.Skipped)
	}
}

func TestDateRangeWithLookback(t *testing.T) {
	dr := DateRange{}.WithLookback(30)
	if dr.End.IsZero() || dr.Start.IsZero() {
		t.Fatal("WithLookback left bounds unset")
	}
	if got := dr.End.Sub(dr.Start); got < 29*24*time.Hour || got > 31*24*time.Hour {
		t.Errorf("window = %v, want ~30d", got)
	}

	fixed := DateRange{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	if got := fixed.WithLookback(7); !got.Start.Equal(fixed.Start) || !got.End.Equal(fixed.End) {
		t.Errorf("explicit range modified: %+v", got)
	}
}

func mustEngine(t *testing.T, spec PlatformSpec, ex Extractor, sink Sink) *Engine {
	t.Helper()
	e, err := New(spec, ex, sink, nil)
	if err != nil {
		t.Fatalf("New(%s) error = %v", spec.Name, err)
	}
	return e
}
