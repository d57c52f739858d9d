package warehouse

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/adlift/adferry/internal/frame"
)

// Bulk-copy text format: pipe-delimited rows, backslash escapes, \N for
// null. The encoder is a pure function of (frame, column types) and
// DecodeBulk reverses it exactly, so staged loads can be audited offline.
const (
	bulkDelimiter = "|"
	bulkNull      = `\N`

	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.999999"
)

// escaper runs in a single pass, so a backslash produced by one rule is
// never re-escaped by another.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	bulkDelimiter, `\`+bulkDelimiter,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// FormatCell renders one aligned cell for the bulk stream.
func FormatCell(v any, t frame.Type) (string, error) {
	if v == nil {
		return bulkNull, nil
	}
	switch t {
	case frame.Integer:
		n, ok := frame.ToInt(v)
		if !ok {
			return "", fmt.Errorf("bulk: %v (%T) in integer column", v, v)
		}
		return strconv.FormatInt(n, 10), nil
	case frame.Float:
		f, ok := frame.ToFloat(v)
		if !ok {
			return "", fmt.Errorf("bulk: %v (%T) in float column", v, v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case frame.Bool:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("bulk: %v (%T) in bool column", v, v)
		}
		if b {
			return "t", nil
		}
		return "f", nil
	case frame.Date:
		ts, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("bulk: %v (%T) in date column", v, v)
		}
		return ts.UTC().Format(dateLayout), nil
	case frame.Timestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("bulk: %v (%T) in timestamp column", v, v)
		}
		return ts.UTC().Format(timestampLayout), nil
	default:
		return escaper.Replace(frame.Stringify(v)), nil
	}
}

// EncodeRow renders one aligned row as a single bulk line (no trailing
// newline).
func EncodeRow(row []any, cols []frame.Column) (string, error) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		s, err := FormatCell(row[i], c.Type)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return strings.Join(parts, bulkDelimiter), nil
}

// bulkReader streams an aligned frame as bulk text, buffering chunkRows
// rows at a time so large payloads never materialize as one string.
type bulkReader struct {
	f         *frame.Frame
	chunkRows int
	next      int
	buf       bytes.Buffer
	err       error
}

// NewBulkReader returns an io.Reader over the frame's bulk encoding.
func NewBulkReader(f *frame.Frame, chunkRows int) io.Reader {
	if chunkRows <= 0 {
		chunkRows = 1000
	}
	return &bulkReader{f: f, chunkRows: chunkRows}
}

func (r *bulkReader) fill() {
	for i := 0; i < r.chunkRows && r.next < r.f.Len(); i++ {
		line, err := EncodeRow(r.f.Rows[r.next], r.f.Columns)
		if err != nil {
			r.err = err
			return
		}
		r.buf.WriteString(line)
		r.buf.WriteByte('\n')
		r.next++
	}
}

func (r *bulkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.buf.Len() == 0 {
		if r.next >= r.f.Len() {
			return 0, io.EOF
		}
		r.fill()
		if r.err != nil {
			return 0, r.err
		}
	}
	return r.buf.Read(p)
}

// encodeToDiscard validates that every cell is encodable without
// touching the warehouse. Dry-run loads go through here.
func encodeToDiscard(f *frame.Frame, chunkRows int) error {
	_, err := io.Copy(io.Discard, NewBulkReader(f, chunkRows))
	return err
}

// DecodeBulk parses bulk text back into a frame with the given schema.
// It is the exact inverse of the encoder for aligned frames.
func DecodeBulk(data string, schema *TableSchema) (*frame.Frame, error) {
	cols := make([]frame.Column, len(schema.Columns))
	for i, sc := range schema.Columns {
		cols[i] = frame.Column{Name: sc.Name, Type: sc.Type}
	}
	out := frame.New(cols...)

	data = strings.TrimSuffix(data, "\n")
	if data == "" {
		return out, nil
	}
	for lineNo, line := range strings.Split(data, "\n") {
		fields, err := splitBulkFields(line)
		if err != nil {
			return nil, fmt.Errorf("bulk line %d: %w", lineNo+1, err)
		}
		if len(fields) != len(cols) {
			return nil, fmt.Errorf("bulk line %d: %d fields, schema has %d columns",
				lineNo+1, len(fields), len(cols))
		}
		row := make([]any, len(cols))
		for i, raw := range fields {
			cell, err := parseBulkField(raw, cols[i].Type)
			if err != nil {
				return nil, fmt.Errorf("bulk line %d column %q: %w", lineNo+1, cols[i].Name, err)
			}
			row[i] = cell
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// splitBulkFields splits a line on unescaped delimiters, leaving escape
// sequences intact for parseBulkField.
func splitBulkFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch c {
		case '\\':
			if i+1 >= len(line) {
				return nil, fmt.Errorf("dangling escape")
			}
			cur.WriteByte(c)
			cur.WriteByte(line[i+1])
			i++
		case bulkDelimiter[0]:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields, nil
}

func unescapeBulk(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling escape")
		}
		i++
		switch s[i] {
		case '\\':
			out.WriteByte('\\')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case bulkDelimiter[0]:
			out.WriteByte(bulkDelimiter[0])
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return out.String(), nil
}

func parseBulkField(raw string, t frame.Type) (any, error) {
	if raw == bulkNull {
		return nil, nil
	}
	s, err := unescapeBulk(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case frame.Integer:
		return strconv.ParseInt(s, 10, 64)
	case frame.Float:
		return strconv.ParseFloat(s, 64)
	case frame.Bool:
		switch s {
		case "t", "true":
			return true, nil
		case "f", "false":
			return false, nil
		}
		return nil, fmt.Errorf("bad bool %q", s)
	case frame.Date:
		ts, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	case frame.Timestamp:
		ts, err := time.Parse(timestampLayout, s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return s, nil
	}
}
