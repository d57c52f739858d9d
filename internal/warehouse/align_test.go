package warehouse

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adlift/adferry/internal/frame"
)

func campaignSchema() *TableSchema {
	return &TableSchema{
		Table: "campaign",
		Columns: []ColumnSchema{
			{Name: "id", Type: frame.Integer},
			{Name: "name", Type: frame.String, Nullable: true},
			{Name: "cost", Type: frame.Float, Nullable: true},
			{Name: "active", Type: frame.Bool, Nullable: true},
			{Name: "start_date", Type: frame.Date, Nullable: true},
		},
	}
}

func TestAlignReordersToSchema(t *testing.T) {
	f := frame.New(
		frame.Column{Name: "name", Type: frame.String},
		frame.Column{Name: "id", Type: frame.Integer},
		frame.Column{Name: "cost", Type: frame.Float},
		frame.Column{Name: "active", Type: frame.Bool},
		frame.Column{Name: "start_date", Type: frame.Date},
	)
	f.Rows = append(f.Rows, []any{"brand", int64(7), 1.5, true, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)})

	got, dropped, err := Align(f, campaignSchema())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if len(dropped) != 0 {
		t.Errorf("dropped = %v, want none", dropped)
	}
	wantNames := []string{"id", "name", "cost", "active", "start_date"}
	if !reflect.DeepEqual(got.ColumnNames(), wantNames) {
		t.Errorf("columns = %v, want %v", got.ColumnNames(), wantNames)
	}
	if got.Rows[0][0] != int64(7) || got.Rows[0][1] != "brand" {
		t.Errorf("row reordered wrong: %v", got.Rows[0])
	}
}

func TestAlignDropsExtraColumns(t *testing.T) {
	f := frame.New(
		frame.Column{Name: "id", Type: frame.Integer},
		frame.Column{Name: "debug_blob", Type: frame.String},
	)
	f.Rows = append(f.Rows, []any{int64(1), "noise"})

	got, dropped, err := Align(f, campaignSchema())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if !reflect.DeepEqual(dropped, []string{"debug_blob"}) {
		t.Errorf("dropped = %v, want [debug_blob]", dropped)
	}
	if got.HasColumn("debug_blob") {
		t.Error("aligned frame still has dropped column")
	}
}

func TestAlignFillsMissingColumns(t *testing.T) {
	f := frame.New(frame.Column{Name: "id", Type: frame.Integer})
	f.Rows = append(f.Rows, []any{int64(3)})

	got, _, err := Align(f, campaignSchema())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	row := got.Rows[0]
	if row[1] != nil {
		t.Errorf("missing string column = %v, want nil", row[1])
	}
	if row[2] != float64(0) {
		t.Errorf("missing float column = %v, want 0", row[2])
	}
	if row[3] != nil {
		t.Errorf("missing bool column = %v, want nil", row[3])
	}
	if row[4] != nil {
		t.Errorf("missing date column = %v, want nil", row[4])
	}
}

func TestAlignCoercions(t *testing.T) {
	schema := &TableSchema{
		Table: "metrics",
		Columns: []ColumnSchema{
			{Name: "clicks", Type: frame.Integer},
			{Name: "spend", Type: frame.Float},
			{Name: "seen", Type: frame.Bool},
			{Name: "day", Type: frame.Date},
			{Name: "at", Type: frame.Timestamp},
		},
	}
	tests := []struct {
		name string
		in   []any
		want []any
	}{
		{
			name: "numeric strings parse",
			in:   []any{"42", "2.5", "yes", "2025-03-01", "2025-03-01 10:20:30"},
			want: []any{int64(42), 2.5, true,
				time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2025, 3, 1, 10, 20, 30, 0, time.UTC)},
		},
		{
			name: "nan-ish becomes zero or null",
			in:   []any{"nan", "", "none", "NaT", "nan"},
			want: []any{int64(0), float64(0), nil, nil, nil},
		},
		{
			name: "nils default numerics to zero",
			in:   []any{nil, nil, nil, nil, nil},
			want: []any{int64(0), float64(0), nil, nil, nil},
		},
		{
			name: "invalid dates become null",
			in:   []any{int64(1), 1.0, false, "not-a-date", "also junk"},
			want: []any{int64(1), 1.0, false, nil, nil},
		},
		{
			name: "date truncates timestamp input",
			in:   []any{int64(1), 1.0, true, "2025-03-01T10:20:30Z", "2025-03-01"},
			want: []any{int64(1), 1.0, true,
				time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame.New(
				frame.Column{Name: "clicks", Type: frame.String},
				frame.Column{Name: "spend", Type: frame.String},
				frame.Column{Name: "seen", Type: frame.String},
				frame.Column{Name: "day", Type: frame.String},
				frame.Column{Name: "at", Type: frame.String},
			)
			f.Rows = append(f.Rows, tt.in)
			got, _, err := Align(f, schema)
			if err != nil {
				t.Fatalf("Align() error = %v", err)
			}
			for i, want := range tt.want {
				cell := got.Rows[0][i]
				if wt, ok := want.(time.Time); ok {
					ct, isTime := cell.(time.Time)
					if !isTime || !ct.Equal(wt) {
						t.Errorf("col %d = %v, want %v", i, cell, want)
					}
					continue
				}
				if !reflect.DeepEqual(cell, want) {
					t.Errorf("col %d = %v (%T), want %v (%T)", i, cell, cell, want, want)
				}
			}
		})
	}
}

func TestAlignUncoercibleFails(t *testing.T) {
	f := frame.New(frame.Column{Name: "id", Type: frame.String})
	f.Rows = append(f.Rows, []any{int64(1)}, []any{"not a number"})

	_, _, err := Align(f, &TableSchema{Table: "t", Columns: []ColumnSchema{{Name: "id", Type: frame.Integer}}})
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Align() error = %v, want ErrSchemaMismatch", err)
	}
	// The failing coordinates are part of the message so operators can
	// find the bad record.
	if got := err.Error(); !containsAll(got, "row 1", `"id"`) {
		t.Errorf("error %q missing row/column context", got)
	}
}

func TestAlignIdempotent(t *testing.T) {
	f := frame.New(
		frame.Column{Name: "id", Type: frame.String},
		frame.Column{Name: "cost", Type: frame.String},
	)
	f.Rows = append(f.Rows, []any{"5", "1.25"}, []any{"6", "nan"})

	schema := campaignSchema()
	once, _, err := Align(f, schema)
	if err != nil {
		t.Fatalf("first Align() error = %v", err)
	}
	twice, dropped, err := Align(once, schema)
	if err != nil {
		t.Fatalf("second Align() error = %v", err)
	}
	if len(dropped) != 0 {
		t.Errorf("second pass dropped %v", dropped)
	}
	if !reflect.DeepEqual(once.Columns, twice.Columns) || !reflect.DeepEqual(once.Rows, twice.Rows) {
		t.Error("aligning an aligned frame changed it")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
