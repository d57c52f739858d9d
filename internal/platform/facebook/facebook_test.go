package facebook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/adlift/adferry/internal/fetch"
	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/warehouse"
)

type stubTokens struct{}

func (stubTokens) Token(ctx context.Context, platform string) (string, error) {
	return "tok", nil
}

type stubSink struct{}

func (stubSink) Load(ctx context.Context, f *frame.Frame, table string, opts warehouse.Options) (int64, error) {
	return 0, nil
}
func (stubSink) Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error) {
	return frame.New(), nil
}
func (stubSink) QualifyTarget(table string) string { return table }

func clientFor(srvURL string) *fetch.Client {
	return fetch.New(fetch.Config{
		Platform:       Name,
		BaseURL:        srvURL,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
	}, stubTokens{}, nil)
}

func TestSpecResolvesInDeclarationOrder(t *testing.T) {
	eng, err := pipeline.New(Spec(), NewExtractor(nil, []string{"1"}, nil), stubSink{}, nil)
	if err != nil {
		t.Fatalf("pipeline.New(Spec()) error = %v", err)
	}
	want := []string{
		TableAccountInfo, TableCampaign, TableAdSet,
		TableInsight, TableInsightActions, TableCustomConversion,
	}
	if got := eng.AllTableNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("table order = %v, want %v", got, want)
	}
}

func TestSpecChainsResolveAgainstRegistry(t *testing.T) {
	for _, tbl := range Spec().Tables {
		if _, err := processing.New(tbl.Processing); err != nil {
			t.Errorf("table %s chain: %v", tbl.Name, err)
		}
	}
}

func TestExtractCampaignsFollowsPagingCursor(t *testing.T) {
	var srvURL string
	var limits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("limit"))
		if r.URL.Query().Get("after") == "" {
			fmt.Fprintf(w, `{"data": [{"id": "100", "name": "c1", "status": "ACTIVE"}],
				"paging": {"next": "%s/act_42/campaigns?after=cursor2"}}`, srvURL)
			return
		}
		_, _ = w.Write([]byte(`{"data": [{"id": "200", "name": "c2", "status": "PAUSED"}]}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	x := NewExtractor(clientFor(srv.URL), []string{"42"}, nil)
	f, err := x.Extract(context.Background(), pipeline.Request{
		Table:  TableCampaign,
		Path:   "campaigns",
		Fields: []string{"id", "name", "status"},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("rows = %d, want both pages", f.Len())
	}
	if v, _ := f.Cell(1, "id"); v != "200" {
		t.Errorf("second page id = %v", v)
	}
	if limits[0] != "1000" {
		t.Errorf("first call limit = %q", limits[0])
	}
	if limits[1] != "" {
		t.Errorf("cursor call carried a fresh limit %q, want cursor URL params only", limits[1])
	}
}

func TestExtractInsightsSendsAdLevelTimeRange(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{
			"path":       r.URL.Path,
			"level":      r.URL.Query().Get("level"),
			"time_range": r.URL.Query().Get("time_range"),
		}
		_, _ = w.Write([]byte(`{"data": [{"ad_id": "7", "spend": "1.25", "impressions": "40", "clicks": "3"}]}`))
	}))
	defer srv.Close()

	x := NewExtractor(clientFor(srv.URL), []string{"act_42"}, nil)
	f, err := x.Extract(context.Background(), pipeline.Request{
		Table: TableInsight,
		Path:  "insights",
		DateRange: pipeline.DateRange{
			Start: time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		},
		Fields: []string{"ad_id", "spend", "impressions", "clicks"},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got["path"] != "/act_42/insights" {
		t.Errorf("path = %q", got["path"])
	}
	if got["level"] != "ad" {
		t.Errorf("level = %q", got["level"])
	}
	if got["time_range"] != `{"since":"2026-08-18","until":"2026-08-25"}` {
		t.Errorf("time_range = %q", got["time_range"])
	}
	if f.Len() != 1 {
		t.Fatalf("rows = %d", f.Len())
	}
}

func TestExtractAccountInfoReadsEachNode(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"account_id": "42", "name": "brand", "currency": "EUR"}`))
	}))
	defer srv.Close()

	x := NewExtractor(clientFor(srv.URL), []string{"42", "act_43"}, nil)
	f, err := x.Extract(context.Background(), pipeline.Request{
		Table:  TableAccountInfo,
		Fields: []string{"account_id", "name", "currency"},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("rows = %d, want one per account", f.Len())
	}
	want := []string{"/act_42", "/act_43"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestInsightActionsChainExplodesNestedActions(t *testing.T) {
	rows := []map[string]any{
		{
			"ad_id": "7",
			"actions": []any{
				map[string]any{"action_type": "link_click", "value": "12"},
				map[string]any{"action_type": "comment", "value": "3"},
			},
		},
		{"ad_id": "8"},
	}
	f := frame.FromRows(rows, []string{"ad_id", "actions"})

	var chain []processing.StepConfig
	for _, tbl := range Spec().Tables {
		if tbl.Name == TableInsightActions {
			chain = tbl.Processing
		}
	}
	p, err := processing.New(chain)
	if err != nil {
		t.Fatalf("processing.New() error = %v", err)
	}
	out, err := p.Process(f)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Len() != 3 {
		t.Fatalf("rows = %d, want two exploded actions plus the actionless ad", out.Len())
	}
	if v, _ := out.Cell(0, "action_type"); v != "link_click" {
		t.Errorf("action_type = %v", v)
	}
	if v, _ := out.Cell(0, "value"); v != 12.0 {
		t.Errorf("value = %v (%T), want 12.0", v, v)
	}
	if v, _ := out.Cell(2, "value"); v != 0.0 {
		t.Errorf("actionless value = %v, want zeroed", v)
	}
	if !out.HasColumn("row_loaded_date") {
		t.Error("row_loaded_date column missing")
	}
}
