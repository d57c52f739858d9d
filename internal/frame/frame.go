// Package frame defines the in-memory tabular payload passed between
// extractors, processing steps, and the warehouse sink.
//
// A Frame is an ordered set of named, typed columns over positional rows.
// Column order is preserved end to end because the bulk-load format is
// positional. Steps treat frames as values: operations return a new frame
// and leave the receiver untouched.
package frame

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type is the semantic type of a column.
type Type string

const (
	String    Type = "string"
	Integer   Type = "integer"
	Float     Type = "float"
	Bool      Type = "bool"
	Date      Type = "date"
	Timestamp Type = "timestamp"
	Null      Type = "null"
)

// Column names one column of a frame and its semantic type.
type Column struct {
	Name string
	Type Type
}

// Frame is a tabular payload: ordered columns over positional rows.
// Cell values are nil, string, int64, float64, bool, time.Time, or
// (before processing flattens them) map[string]any / []any.
type Frame struct {
	Columns []Column
	Rows    [][]any
}

// New returns an empty frame with the given columns.
func New(cols ...Column) *Frame {
	return &Frame{Columns: cols}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Empty reports whether the frame has no rows.
func (f *Frame) Empty() bool { return f.Len() == 0 }

// AppendRow adds one row. The row length must match the column count.
func (f *Frame) AppendRow(row ...any) error {
	if len(row) != len(f.Columns) {
		return fmt.Errorf("frame: row has %d cells, frame has %d columns", len(row), len(f.Columns))
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// ColumnIndex returns the position of the named column.
func (f *Frame) ColumnIndex(name string) (int, bool) {
	for i, c := range f.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.ColumnIndex(name)
	return ok
}

// ColumnNames returns the column names in frame order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy: column slice and row slices are fresh,
// cell values are shared (cells are treated as immutable).
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Columns: append([]Column(nil), f.Columns...),
		Rows:    make([][]any, len(f.Rows)),
	}
	for i, row := range f.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// Select returns a new frame holding only the named columns, in the
// given order. Unknown names are an error.
func (f *Frame) Select(names ...string) (*Frame, error) {
	idx := make([]int, len(names))
	cols := make([]Column, len(names))
	for i, name := range names {
		j, ok := f.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("frame: no column %q", name)
		}
		idx[i] = j
		cols[i] = f.Columns[j]
	}
	out := &Frame{Columns: cols, Rows: make([][]any, len(f.Rows))}
	for r, row := range f.Rows {
		nr := make([]any, len(idx))
		for i, j := range idx {
			nr[i] = row[j]
		}
		out.Rows[r] = nr
	}
	return out, nil
}

// WithColumn returns a new frame with col appended and values supplying
// the new cell for each row. len(values) must equal Len(), or be 1 to
// broadcast a constant.
func (f *Frame) WithColumn(col Column, values []any) (*Frame, error) {
	if f.HasColumn(col.Name) {
		return nil, fmt.Errorf("frame: column %q already exists", col.Name)
	}
	broadcast := len(values) == 1 && f.Len() != 1
	if !broadcast && len(values) != f.Len() {
		return nil, fmt.Errorf("frame: %d values for %d rows", len(values), f.Len())
	}
	out := f.Clone()
	out.Columns = append(out.Columns, col)
	for i := range out.Rows {
		v := values[0]
		if !broadcast {
			v = values[i]
		}
		out.Rows[i] = append(out.Rows[i], v)
	}
	return out, nil
}

// DropColumn returns a new frame without the named column. Dropping a
// column that does not exist is a no-op.
func (f *Frame) DropColumn(name string) *Frame {
	j, ok := f.ColumnIndex(name)
	if !ok {
		return f.Clone()
	}
	out := &Frame{Columns: make([]Column, 0, len(f.Columns)-1), Rows: make([][]any, len(f.Rows))}
	out.Columns = append(out.Columns, f.Columns[:j]...)
	out.Columns = append(out.Columns, f.Columns[j+1:]...)
	for r, row := range f.Rows {
		nr := make([]any, 0, len(row)-1)
		nr = append(nr, row[:j]...)
		nr = append(nr, row[j+1:]...)
		out.Rows[r] = nr
	}
	return out
}

// RenameColumn returns a new frame with the column renamed. Renaming a
// missing column is a no-op.
func (f *Frame) RenameColumn(old, new string) *Frame {
	out := f.Clone()
	if j, ok := out.ColumnIndex(old); ok {
		out.Columns[j].Name = new
	}
	return out
}

// Cell returns the value at (row, named column).
func (f *Frame) Cell(row int, name string) (any, bool) {
	j, ok := f.ColumnIndex(name)
	if !ok || row < 0 || row >= f.Len() {
		return nil, false
	}
	return f.Rows[row][j], true
}

// ParseType maps a warehouse catalog type name to a semantic type.
// Unknown names default to String so unexpected catalog additions
// degrade to text rather than failing the load.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint", "smallint", "int2", "int4", "int8", "serial", "bigserial":
		return Integer
	case "float", "float4", "float8", "real", "double precision", "numeric", "decimal", "money":
		return Float
	case "bool", "boolean":
		return Bool
	case "date":
		return Date
	case "timestamp", "timestamptz", "timestamp without time zone", "timestamp with time zone", "datetime":
		return Timestamp
	default:
		return String
	}
}

// ToFloat coerces a cell to float64. Accepts numeric types, bools, and
// numeric strings.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToInt coerces a cell to int64, truncating floats. Textual values are
// parsed as integers first, then as floats.
func ToInt(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		return int64(x), true
	case float32:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// Stringify renders a cell for human-readable output. Nil stays empty.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FromRows builds a frame from decoded JSON objects. Column order
// follows the fields list; missing keys become nil. Cell types are
// inferred from the first non-nil value per column (json.Number becomes
// Integer when every value is integral, Float otherwise).
func FromRows(rows []map[string]any, fields []string) *Frame {
	cols := make([]Column, len(fields))
	for i, name := range fields {
		cols[i] = Column{Name: name, Type: String}
	}
	f := New(cols...)
	for _, obj := range rows {
		row := make([]any, len(fields))
		for i, name := range fields {
			row[i] = normalizeJSONCell(obj[name])
		}
		f.Rows = append(f.Rows, row)
	}
	for i := range f.Columns {
		f.Columns[i].Type = inferColumnType(f.Rows, i)
		if f.Columns[i].Type != Float {
			continue
		}
		// Mixed integer/float columns settle on float64 cells.
		for _, row := range f.Rows {
			if n, ok := row[i].(int64); ok {
				row[i] = float64(n)
			}
		}
	}
	return f
}

// UnionFields returns the sorted union of keys across rows, for callers
// with no declared field list.
func UnionFields(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, obj := range rows {
		for k := range obj {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeJSONCell(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if g, err := x.Float64(); err == nil {
			return g
		}
		return x.String()
	default:
		return v
	}
}

func inferColumnType(rows [][]any, col int) Type {
	t := Null
	for _, row := range rows {
		switch row[col].(type) {
		case nil:
			continue
		case int64:
			if t == Null || t == Integer {
				t = Integer
				continue
			}
			if t == Float {
				continue
			}
			return String
		case float64:
			if t == Null || t == Integer || t == Float {
				t = Float
				continue
			}
			return String
		case bool:
			if t == Null || t == Bool {
				t = Bool
				continue
			}
			return String
		default:
			return String
		}
	}
	if t == Null {
		return String
	}
	return t
}
