package warehouse

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/adlift/adferry/internal/frame"
)

// Align reorders and coerces a payload to the target schema. Payload
// columns absent from the schema are dropped (returned for the caller to
// log); schema columns absent from the payload are appended with typed
// defaults (0 for numerics, null otherwise). Alignment is idempotent:
// aligning an aligned frame returns an equal frame.
func Align(f *frame.Frame, schema *TableSchema) (*frame.Frame, []string, error) {
	var dropped []string
	for _, c := range f.Columns {
		if _, ok := schema.Column(c.Name); !ok {
			dropped = append(dropped, c.Name)
		}
	}

	cols := make([]frame.Column, len(schema.Columns))
	src := make([]int, len(schema.Columns))
	for i, sc := range schema.Columns {
		cols[i] = frame.Column{Name: sc.Name, Type: sc.Type}
		if j, ok := f.ColumnIndex(sc.Name); ok {
			src[i] = j
		} else {
			src[i] = -1
		}
	}

	out := frame.New(cols...)
	out.Rows = make([][]any, f.Len())
	for r, row := range f.Rows {
		nr := make([]any, len(cols))
		for i, sc := range schema.Columns {
			var cell any
			if src[i] >= 0 {
				cell = row[src[i]]
			} else {
				cell = typedDefault(sc.Type)
			}
			coerced, err := coerce(cell, sc.Type)
			if err != nil {
				return nil, dropped, fmt.Errorf("%w: row %d column %q: %v",
					ErrSchemaMismatch, r, sc.Name, err)
			}
			nr[i] = coerced
		}
		out.Rows[r] = nr
	}
	return out, dropped, nil
}

func typedDefault(t frame.Type) any {
	switch t {
	case frame.Integer:
		return int64(0)
	case frame.Float:
		return float64(0)
	default:
		return nil
	}
}

// nanLike matches the textual null-ish values ad APIs hand back for
// numeric fields.
func nanLike(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "nan") || s == "None" || strings.EqualFold(s, "null")
}

func coerce(v any, t frame.Type) (any, error) {
	switch t {
	case frame.Integer:
		return coerceInt(v)
	case frame.Float:
		return coerceFloat(v)
	case frame.Date:
		return coerceTime(v, true), nil
	case frame.Timestamp:
		return coerceTime(v, false), nil
	case frame.Bool:
		return coerceBool(v)
	default: // String and unknown targets
		if v == nil {
			return nil, nil
		}
		return frame.Stringify(v), nil
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return int64(0), nil
	case float64:
		if math.IsNaN(x) {
			return int64(0), nil
		}
	case string:
		if nanLike(x) {
			return int64(0), nil
		}
	}
	n, ok := frame.ToInt(v)
	if !ok {
		return nil, fmt.Errorf("cannot coerce %v (%T) to integer", v, v)
	}
	return n, nil
}

func coerceFloat(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return float64(0), nil
	case float64:
		if math.IsNaN(x) {
			return float64(0), nil
		}
	case string:
		if nanLike(x) {
			return float64(0), nil
		}
	}
	fv, ok := frame.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("cannot coerce %v (%T) to float", v, v)
	}
	return fv, nil
}

// timestampLayouts are tried in order for textual date/timestamp cells.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// coerceTime parses date/timestamp cells. Invalid values become null
// rather than failing the load; ad APIs routinely emit placeholder junk
// in optional date fields.
func coerceTime(v any, dateOnly bool) any {
	var ts time.Time
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		ts = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" || nanLike(s) || strings.EqualFold(s, "nat") {
			return nil
		}
		parsed := false
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				ts = t
				parsed = true
				break
			}
		}
		if !parsed {
			return nil
		}
	case int64:
		// epoch milliseconds, the only numeric timestamp shape upstream emits
		if x == 0 {
			return nil
		}
		ts = time.UnixMilli(x).UTC()
	default:
		return nil
	}
	if ts.IsZero() {
		return nil
	}
	if dateOnly {
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return ts
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		switch s {
		case "t", "true", "1", "yes":
			return true, nil
		case "f", "false", "0", "no":
			return false, nil
		case "", "none", "nan", "null":
			return nil, nil
		}
		return nil, fmt.Errorf("cannot coerce %q to bool", x)
	default:
		if n, ok := frame.ToInt(v); ok {
			return n != 0, nil
		}
		return nil, fmt.Errorf("cannot coerce %v (%T) to bool", v, v)
	}
}
