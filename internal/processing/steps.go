package processing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/adlift/adferry/internal/frame"
)

// nowFunc is swapped in tests that assert on row_loaded_date values.
var nowFunc = time.Now

func init() {
	Register("add_company", stepAddCompany)
	Register("add_row_loaded_date", stepAddRowLoadedDate)
	Register("extract_id_from_urn", stepExtractIDFromURN)
	Register("build_date_field", stepBuildDateField)
	Register("convert_unix_timestamp", stepConvertUnixTimestamp)
	Register("rename_column", stepRenameColumn)
	Register("replace_nan_with_zero", stepReplaceNaNWithZero)
	Register("convert_nat_to_null", stepConvertNaTToNull)
	Register("modify_urn_account", stepModifyURNAccount)
	Register("response_decoration", stepResponseDecoration)
	Register("aggregate_by_entity", stepAggregateByEntity)
	Register("convert_costs", stepConvertCosts)
	Register("extract_nested_actions", stepExtractNestedActions)
	Register("drop_columns", stepDropColumns)
}

// stepAddCompany adds a company column. With a mapping param the value is
// looked up per row from the account column, unmapped accounts taking the
// default param when one is set; with company_id it is a constant for the
// whole payload.
func stepAddCompany(f *frame.Frame, p Params) (*frame.Frame, error) {
	target := p.strOr("column", "company")
	mapping := p.stringMap("mapping")
	if len(mapping) == 0 {
		id, ok := p["company_id"]
		if !ok {
			return nil, fmt.Errorf("add_company: need mapping or company_id")
		}
		n, ok := frame.ToInt(id)
		if !ok {
			return nil, fmt.Errorf("add_company: company_id %v is not numeric", id)
		}
		return f.WithColumn(frame.Column{Name: target, Type: frame.Integer}, []any{n})
	}

	accountCol := p.strOr("account_column", "account_id")
	j, ok := f.ColumnIndex(accountCol)
	if !ok {
		return nil, fmt.Errorf("add_company: no column %q to map from", accountCol)
	}
	var fallback any
	if d, ok := p["default"]; ok {
		if n, ok := frame.ToInt(d); ok {
			fallback = n
		}
	}
	values := make([]any, f.Len())
	for r, row := range f.Rows {
		key := frame.Stringify(row[j])
		mapped, ok := mapping[key]
		if !ok {
			values[r] = fallback
			continue
		}
		if n, ok := frame.ToInt(mapped); ok {
			values[r] = n
		} else {
			values[r] = mapped
		}
	}
	if f.Empty() {
		values = []any{nil}
	}
	return f.WithColumn(frame.Column{Name: target, Type: frame.Integer}, values)
}

// stepAddRowLoadedDate appends a wall-clock timestamp column used by
// lookback queries downstream.
func stepAddRowLoadedDate(f *frame.Frame, p Params) (*frame.Frame, error) {
	target := p.strOr("column", "row_loaded_date")
	return f.WithColumn(frame.Column{Name: target, Type: frame.Timestamp}, []any{nowFunc()})
}

// lastURNSegment returns N for ns:a:b:c:N, the input untouched otherwise.
func lastURNSegment(s string) string {
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return s
	}
	return s[i+1:]
}

func stepExtractIDFromURN(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("extract_id_from_urn: columns param required")
	}
	out := f.Clone()
	for _, name := range cols {
		j, ok := out.ColumnIndex(name)
		if !ok {
			continue
		}
		for _, row := range out.Rows {
			if s, ok := row[j].(string); ok {
				row[j] = lastURNSegment(s)
			}
		}
	}
	return out, nil
}

// stepBuildDateField combines year/month/day columns into one date column
// and drops the parts. Unparseable parts become a null date.
func stepBuildDateField(f *frame.Frame, p Params) (*frame.Frame, error) {
	target := p.strOr("target", "date")
	yc := p.strOr("year_column", "year")
	mc := p.strOr("month_column", "month")
	dc := p.strOr("day_column", "day")

	yi, yok := f.ColumnIndex(yc)
	mi, mok := f.ColumnIndex(mc)
	di, dok := f.ColumnIndex(dc)
	if !yok || !mok || !dok {
		return nil, fmt.Errorf("build_date_field: need %q, %q, %q columns", yc, mc, dc)
	}

	values := make([]any, f.Len())
	for r, row := range f.Rows {
		y, okY := frame.ToInt(row[yi])
		m, okM := frame.ToInt(row[mi])
		d, okD := frame.ToInt(row[di])
		if !okY || !okM || !okD || m < 1 || m > 12 || d < 1 || d > 31 {
			values[r] = nil
			continue
		}
		values[r] = time.Date(int(y), time.Month(m), int(d), 0, 0, 0, 0, time.UTC)
	}
	if f.Empty() {
		values = []any{nil}
	}
	out, err := f.WithColumn(frame.Column{Name: target, Type: frame.Date}, values)
	if err != nil {
		return nil, err
	}
	out = out.DropColumn(yc)
	out = out.DropColumn(mc)
	out = out.DropColumn(dc)
	return out, nil
}

// stepConvertUnixTimestamp converts millisecond epochs in the named
// columns to timestamps. Zero and null stay null.
func stepConvertUnixTimestamp(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("convert_unix_timestamp: columns param required")
	}
	out := f.Clone()
	for _, name := range cols {
		j, ok := out.ColumnIndex(name)
		if !ok {
			continue
		}
		out.Columns[j].Type = frame.Timestamp
		for _, row := range out.Rows {
			ms, ok := frame.ToInt(row[j])
			if !ok || ms == 0 {
				row[j] = nil
				continue
			}
			row[j] = time.UnixMilli(ms).UTC()
		}
	}
	return out, nil
}

func stepRenameColumn(f *frame.Frame, p Params) (*frame.Frame, error) {
	mapping := p.stringMap("mapping")
	if len(mapping) == 0 {
		return nil, fmt.Errorf("rename_column: mapping param required")
	}
	out := f.Clone()
	for old, new := range mapping {
		out = out.RenameColumn(old, new)
	}
	return out, nil
}

func isNaNCell(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case string:
		s := strings.TrimSpace(x)
		return s == "" || strings.EqualFold(s, "nan")
	default:
		return false
	}
}

// stepReplaceNaNWithZero zeroes null/NaN cells in the named numeric
// columns so increment loads never add nulls.
func stepReplaceNaNWithZero(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("replace_nan_with_zero: columns param required")
	}
	out := f.Clone()
	for _, name := range cols {
		j, ok := out.ColumnIndex(name)
		if !ok {
			continue
		}
		for _, row := range out.Rows {
			if isNaNCell(row[j]) {
				if out.Columns[j].Type == frame.Integer {
					row[j] = int64(0)
				} else {
					row[j] = float64(0)
				}
			}
		}
	}
	return out, nil
}

// stepConvertNaTToNull nulls out unset-timestamp sentinels ("NaT", "None",
// empty, zero time) in the named columns.
func stepConvertNaTToNull(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("convert_nat_to_null: columns param required")
	}
	out := f.Clone()
	for _, name := range cols {
		j, ok := out.ColumnIndex(name)
		if !ok {
			continue
		}
		out.Columns[j].Type = frame.Timestamp
		for _, row := range out.Rows {
			switch x := row[j].(type) {
			case nil:
			case time.Time:
				if x.IsZero() {
					row[j] = nil
				}
			case float64:
				if math.IsNaN(x) {
					row[j] = nil
				}
			case string:
				s := strings.TrimSpace(x)
				if s == "" || strings.EqualFold(s, "nat") || strings.EqualFold(s, "nan") || s == "None" {
					row[j] = nil
				}
			}
		}
	}
	return out, nil
}

// stepModifyURNAccount rewrites a URN-valued account column to its
// trailing numeric id.
func stepModifyURNAccount(f *frame.Frame, p Params) (*frame.Frame, error) {
	name := p.strOr("column", "account")
	j, ok := f.ColumnIndex(name)
	if !ok {
		return nil, fmt.Errorf("modify_urn_account: no column %q", name)
	}
	out := f.Clone()
	for _, row := range out.Rows {
		if s, ok := row[j].(string); ok {
			id := lastURNSegment(s)
			if n, ok := frame.ToInt(id); ok {
				row[j] = n
			} else {
				row[j] = id
			}
		}
	}
	return out, nil
}

// stepResponseDecoration lifts a dotted field path out of a nested
// response column into a top-level column.
func stepResponseDecoration(f *frame.Frame, p Params) (*frame.Frame, error) {
	src := p.strOr("column", "response")
	path, ok := p.str("field")
	if !ok || path == "" {
		return nil, fmt.Errorf("response_decoration: field param required")
	}
	parts := strings.Split(path, ".")
	target := p.strOr("target", parts[len(parts)-1])

	j, ok := f.ColumnIndex(src)
	if !ok {
		return nil, fmt.Errorf("response_decoration: no column %q", src)
	}
	values := make([]any, f.Len())
	for r, row := range f.Rows {
		values[r] = digPath(row[j], parts)
	}
	if f.Empty() {
		values = []any{nil}
	}
	return f.WithColumn(frame.Column{Name: target, Type: frame.String}, values)
}

func digPath(v any, parts []string) any {
	cur := v
	for _, key := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// stepAggregateByEntity reduces many rows per entity to one, summing the
// metric columns. Without explicit params, entity columns are id-like
// names and metrics are every column whose cells are numeric.
func stepAggregateByEntity(f *frame.Frame, p Params) (*frame.Frame, error) {
	entities := p.strings("entity_columns")
	metrics := p.strings("metric_columns")
	if len(entities) == 0 {
		entities = detectEntityColumns(f)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("aggregate_by_entity: no entity columns found")
	}
	if len(metrics) == 0 {
		metrics = detectMetricColumns(f, entities)
	}

	entityIdx := make([]int, 0, len(entities))
	for _, name := range entities {
		j, ok := f.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("aggregate_by_entity: no column %q", name)
		}
		entityIdx = append(entityIdx, j)
	}
	metricSet := map[int]bool{}
	for _, name := range metrics {
		if j, ok := f.ColumnIndex(name); ok {
			metricSet[j] = true
		}
	}

	out := frame.New(append([]frame.Column(nil), f.Columns...)...)
	groupAt := map[string]int{}
	for _, row := range f.Rows {
		var key strings.Builder
		for _, j := range entityIdx {
			key.WriteString(frame.Stringify(row[j]))
			key.WriteByte('\x1f')
		}
		at, seen := groupAt[key.String()]
		if !seen {
			groupAt[key.String()] = len(out.Rows)
			out.Rows = append(out.Rows, append([]any(nil), row...))
			for j := range metricSet {
				if v, ok := frame.ToFloat(row[j]); ok {
					out.Rows[len(out.Rows)-1][j] = v
				} else {
					out.Rows[len(out.Rows)-1][j] = float64(0)
				}
			}
			continue
		}
		acc := out.Rows[at]
		for j := range metricSet {
			cur, _ := frame.ToFloat(acc[j])
			add, ok := frame.ToFloat(row[j])
			if !ok {
				add = 0
			}
			acc[j] = cur + add
		}
	}
	for j := range metricSet {
		out.Columns[j].Type = frame.Float
	}
	return out, nil
}

func detectEntityColumns(f *frame.Frame) []string {
	var out []string
	for _, c := range f.Columns {
		name := strings.ToLower(c.Name)
		if name == "id" || strings.HasSuffix(name, "_id") {
			out = append(out, c.Name)
		}
	}
	return out
}

func detectMetricColumns(f *frame.Frame, entities []string) []string {
	skip := map[string]bool{}
	for _, e := range entities {
		skip[e] = true
	}
	var out []string
	for j, c := range f.Columns {
		if skip[c.Name] {
			continue
		}
		numeric := false
		for _, row := range f.Rows {
			if row[j] == nil {
				continue
			}
			if _, ok := frame.ToFloat(row[j]); !ok {
				numeric = false
				break
			}
			if _, isStr := row[j].(string); isStr {
				numeric = false
				break
			}
			numeric = true
		}
		if numeric {
			out = append(out, c.Name)
		}
	}
	return out
}

// stepConvertCosts divides micros-valued columns by 1e6.
func stepConvertCosts(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("convert_costs: columns param required")
	}
	out := f.Clone()
	for _, name := range cols {
		j, ok := out.ColumnIndex(name)
		if !ok {
			continue
		}
		out.Columns[j].Type = frame.Float
		for _, row := range out.Rows {
			v, ok := frame.ToFloat(row[j])
			if !ok {
				row[j] = nil
				continue
			}
			row[j] = v / 1e6
		}
	}
	return out, nil
}

// stepExtractNestedActions explodes an array-of-objects column into long
// form: one output row per action, carrying action_type and action_value
// columns. Rows with no actions keep one row with null action fields so
// their other metrics survive.
func stepExtractNestedActions(f *frame.Frame, p Params) (*frame.Frame, error) {
	src := p.strOr("column", "actions")
	typeField := p.strOr("type_field", "action_type")
	valueField := p.strOr("value_field", "value")

	j, ok := f.ColumnIndex(src)
	if !ok {
		return nil, fmt.Errorf("extract_nested_actions: no column %q", src)
	}

	base := f.DropColumn(src)
	out := frame.New(append(append([]frame.Column(nil), base.Columns...),
		frame.Column{Name: "action_type", Type: frame.String},
		frame.Column{Name: "action_value", Type: frame.Float},
	)...)

	for r, row := range f.Rows {
		baseRow := base.Rows[r]
		actions, _ := row[j].([]any)
		if len(actions) == 0 {
			out.Rows = append(out.Rows, append(append([]any(nil), baseRow...), nil, nil))
			continue
		}
		for _, a := range actions {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			var val any
			if raw, ok := m[valueField]; ok {
				if fv, ok := frame.ToFloat(raw); ok {
					val = fv
				}
			}
			out.Rows = append(out.Rows,
				append(append([]any(nil), baseRow...), frame.Stringify(m[typeField]), val))
		}
	}
	return out, nil
}

// stepDropColumns removes the named columns. Missing columns are ignored so
// one chain can serve payload variants.
func stepDropColumns(f *frame.Frame, p Params) (*frame.Frame, error) {
	cols := p.strings("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("drop_columns: columns param required")
	}
	out := f
	for _, name := range cols {
		out = out.DropColumn(name)
	}
	return out, nil
}
