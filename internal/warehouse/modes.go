package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adlift/adferry/internal/debug"
	"github.com/adlift/adferry/internal/frame"
)

// buildCopySQL renders the COPY statement for a qualified target and the
// aligned column set.
func buildCopySQL(qualified string, cols []frame.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = pgx.Identifier{c.Name}.Sanitize()
	}
	return fmt.Sprintf(`COPY %s (%s) FROM STDIN (FORMAT text, DELIMITER '|', NULL '\N')`,
		qualified, strings.Join(names, ", "))
}

// copyInto streams the frame into the named table on the leased session.
// When the session has an open transaction the COPY joins it.
func (s *Sink) copyInto(ctx context.Context, conn *pgxpool.Conn, qualified string, f *frame.Frame) (int64, error) {
	if f.Empty() {
		return 0, nil
	}
	sql := buildCopySQL(qualified, f.Columns)
	debug.Logf("warehouse: %s (%d rows)\n", sql, f.Len())
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, NewBulkReader(f, s.cfg.CopyChunkRows), sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// stageTableName derives the staging table for a target. In test mode the
// suffix stays terminal so stage tables satisfy the same isolation rule
// as their targets.
func (s *Sink) stageTableName(target string) string {
	id := stageID()
	if s.cfg.TestMode && strings.HasSuffix(target, s.cfg.TestSuffix) {
		base := strings.TrimSuffix(target, s.cfg.TestSuffix)
		return base + "_stage_" + id + s.cfg.TestSuffix
	}
	return target + "_stage_" + id
}

func sanitizeAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}

// buildUpsertSQL merges the stage into the target: matched pks have every
// non-pk column replaced, unmatched rows insert.
func buildUpsertSQL(target, stage string, cols, pk []string) string {
	colList := strings.Join(sanitizeAll(cols), ", ")
	pkList := strings.Join(sanitizeAll(pk), ", ")

	isPK := map[string]bool{}
	for _, k := range pk {
		isPK[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isPK[c] {
			continue
		}
		q := pgx.Identifier{c}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		target, colList, colList, stage, pkList, action)
}

// buildAntiJoinInsertSQL inserts stage rows whose pk is absent from the
// target. IS NOT DISTINCT FROM keeps the join null-safe.
func buildAntiJoinInsertSQL(target, stage string, cols, pk []string) string {
	colList := strings.Join(sanitizeAll(cols), ", ")
	var conds []string
	for _, k := range pk {
		q := pgx.Identifier{k}.Sanitize()
		conds = append(conds, fmt.Sprintf("t.%s IS NOT DISTINCT FROM s.%s", q, q))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
		target, colList, colList, stage, target, strings.Join(conds, " AND "))
}

// buildIncrementUpdateSQL adds staged metric values onto matching target
// rows. Nulls on either side count as zero so legacy rows keep absorbing
// increments; touch controls the last_updated_date stamp.
func buildIncrementUpdateSQL(target, stage string, incCols, pk []string, touch bool) string {
	var sets []string
	for _, c := range incCols {
		q := pgx.Identifier{c}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = COALESCE(t.%s, 0) + COALESCE(s.%s, 0)", q, q, q))
	}
	if touch {
		sets = append(sets, `"last_updated_date" = NOW()`)
	}
	var conds []string
	for _, k := range pk {
		q := pgx.Identifier{k}.Sanitize()
		conds = append(conds, fmt.Sprintf("t.%s IS NOT DISTINCT FROM s.%s", q, q))
	}
	return fmt.Sprintf("UPDATE %s t SET %s FROM %s s WHERE %s",
		target, strings.Join(sets, ", "), stage, strings.Join(conds, " AND "))
}

func pkIndexes(f *frame.Frame, pk []string) ([]int, error) {
	idx := make([]int, len(pk))
	for i, name := range pk {
		j, ok := f.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: pk column %q missing from aligned payload", ErrIntegrity, name)
		}
		idx[i] = j
	}
	return idx, nil
}

// rowKey canonicalizes a pk tuple through the bulk formatter so payload
// cells and queried warehouse cells compare equal.
func rowKey(row []any, idx []int, cols []frame.Column) (string, error) {
	var b strings.Builder
	for _, j := range idx {
		s, err := FormatCell(row[j], cols[j].Type)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
		b.WriteByte('\x1f')
	}
	return b.String(), nil
}

// dedupeByPK keeps the first row per pk tuple.
func dedupeByPK(f *frame.Frame, pk []string) (*frame.Frame, error) {
	idx, err := pkIndexes(f, pk)
	if err != nil {
		return nil, err
	}
	out := frame.New(append([]frame.Column(nil), f.Columns...)...)
	seen := map[string]bool{}
	for _, row := range f.Rows {
		key, err := rowKey(row, idx, f.Columns)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// keepLastByPK keeps the last row per pk tuple; later extractions win for
// mutable descriptive data.
func keepLastByPK(f *frame.Frame, pk []string) (*frame.Frame, error) {
	idx, err := pkIndexes(f, pk)
	if err != nil {
		return nil, err
	}
	out := frame.New(append([]frame.Column(nil), f.Columns...)...)
	at := map[string]int{}
	for _, row := range f.Rows {
		key, err := rowKey(row, idx, f.Columns)
		if err != nil {
			return nil, err
		}
		if pos, ok := at[key]; ok {
			out.Rows[pos] = row
			continue
		}
		at[key] = len(out.Rows)
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// combineByPK sums the increment columns across duplicate pk tuples so a
// payload carrying the same key twice still adds exactly once per value.
// Non-increment columns keep the last row's cells.
func combineByPK(f *frame.Frame, pk, incCols []string) (*frame.Frame, error) {
	idx, err := pkIndexes(f, pk)
	if err != nil {
		return nil, err
	}
	incIdx := map[int]bool{}
	for _, name := range incCols {
		j, ok := f.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: increment column %q missing from aligned payload", ErrIntegrity, name)
		}
		incIdx[j] = true
	}
	out := frame.New(append([]frame.Column(nil), f.Columns...)...)
	at := map[string]int{}
	for _, row := range f.Rows {
		key, err := rowKey(row, idx, f.Columns)
		if err != nil {
			return nil, err
		}
		pos, ok := at[key]
		if !ok {
			at[key] = len(out.Rows)
			out.Rows = append(out.Rows, append([]any(nil), row...))
			continue
		}
		acc := out.Rows[pos]
		for j := range incIdx {
			prev, _ := frame.ToFloat(acc[j])
			add, _ := frame.ToFloat(row[j])
			if out.Columns[j].Type == frame.Integer {
				acc[j] = int64(prev) + int64(add)
			} else {
				acc[j] = prev + add
			}
		}
		for j, cell := range row {
			if !incIdx[j] {
				acc[j] = cell
			}
		}
	}
	return out, nil
}

// loadAppend streams rows into the target, optionally deduplicating by
// pk. Small targets dedupe against an in-memory key read; past
// DedupeMaxKeys the whole payload is staged and anti-joined in SQL.
func (s *Sink) loadAppend(ctx context.Context, conn *pgxpool.Conn, f *frame.Frame, target string, schema *TableSchema, pk []string) (int64, error) {
	qualified := s.qualified(target)
	if len(pk) == 0 {
		return s.copyInto(ctx, conn, qualified, f)
	}

	deduped, err := dedupeByPK(f, pk)
	if err != nil {
		return 0, err
	}

	existing, overflow, err := s.existingKeys(ctx, conn, target, schema, pk)
	if err != nil {
		return 0, err
	}
	if overflow {
		debug.Logf("warehouse: %s beyond dedupe key bound, staging anti-join\n", target)
		return s.appendViaStage(ctx, conn, deduped, target, pk)
	}

	idx, err := pkIndexes(deduped, pk)
	if err != nil {
		return 0, err
	}
	kept := frame.New(append([]frame.Column(nil), deduped.Columns...)...)
	for _, row := range deduped.Rows {
		key, err := rowKey(row, idx, deduped.Columns)
		if err != nil {
			return 0, err
		}
		if existing[key] {
			continue
		}
		kept.Rows = append(kept.Rows, row)
	}
	if kept.Empty() {
		return 0, nil
	}
	return s.copyInto(ctx, conn, qualified, kept)
}

// existingKeys reads the target's pk tuples up to the configured bound.
// overflow reports that the bound was exceeded and the caller must fall
// back to a staged anti-join.
func (s *Sink) existingKeys(ctx context.Context, conn *pgxpool.Conn, target string, schema *TableSchema, pk []string) (map[string]bool, bool, error) {
	cols := strings.Join(sanitizeAll(pk), ", ")
	sql := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", cols, s.qualified(target), s.cfg.DedupeMaxKeys+1)

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	keyCols := make([]frame.Column, len(pk))
	for i, name := range pk {
		c, _ := schema.Column(name)
		keyCols[i] = frame.Column{Name: name, Type: c.Type}
	}
	allIdx := make([]int, len(pk))
	for i := range allIdx {
		allIdx[i] = i
	}

	keys := map[string]bool{}
	count := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, false, err
		}
		count++
		if count > s.cfg.DedupeMaxKeys {
			return nil, true, nil
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = normalizeCell(v)
		}
		key, err := rowKey(row, allIdx, keyCols)
		if err != nil {
			return nil, false, err
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return keys, false, nil
}

func (s *Sink) appendViaStage(ctx context.Context, conn *pgxpool.Conn, f *frame.Frame, target string, pk []string) (int64, error) {
	stage := s.stageTableName(target)
	qTarget, qStage := s.qualified(target), s.qualified(stage)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s)", qStage, qTarget)); err != nil {
		return 0, err
	}
	if _, err := s.copyInto(ctx, conn, qStage, f); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, buildAntiJoinInsertSQL(qTarget, qStage, f.ColumnNames(), pk))
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+qStage); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// loadReplace truncates the target and streams the payload in one
// transaction, so readers never observe an empty table.
func (s *Sink) loadReplace(ctx context.Context, conn *pgxpool.Conn, f *frame.Frame, target string, schema *TableSchema) (int64, error) {
	qualified := s.qualified(target)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+qualified); err != nil {
		return 0, err
	}
	n, err := s.copyInto(ctx, conn, qualified, f)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// loadUpsert stages the payload and merges on pk: matched rows have all
// non-pk columns replaced, new rows insert. The payload is reduced to one
// row per pk first (last wins) so the merge never touches a row twice.
func (s *Sink) loadUpsert(ctx context.Context, conn *pgxpool.Conn, f *frame.Frame, target string, schema *TableSchema, pk []string) (int64, error) {
	reduced, err := keepLastByPK(f, pk)
	if err != nil {
		return 0, err
	}
	stage := s.stageTableName(target)
	qTarget, qStage := s.qualified(target), s.qualified(stage)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s)", qStage, qTarget)); err != nil {
		return 0, err
	}
	if _, err := s.copyInto(ctx, conn, qStage, reduced); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, buildUpsertSQL(qTarget, qStage, reduced.ColumnNames(), pk))
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+qStage); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// loadIncrement stages the payload, adds metric columns onto existing
// rows, and inserts new keys. Duplicate pk tuples in the payload are
// summed first so additivity holds per value.
func (s *Sink) loadIncrement(ctx context.Context, conn *pgxpool.Conn, f *frame.Frame, target string, schema *TableSchema, pk, incCols []string) (int64, error) {
	for _, name := range incCols {
		c, ok := schema.Column(name)
		if !ok {
			return 0, fmt.Errorf("%w: increment column %q not in schema", ErrIntegrity, name)
		}
		if c.Type != frame.Integer && c.Type != frame.Float {
			return 0, fmt.Errorf("%w: increment column %q is %s, want numeric", ErrIntegrity, name, c.Type)
		}
	}
	combined, err := combineByPK(f, pk, incCols)
	if err != nil {
		return 0, err
	}

	_, touch := schema.Column("last_updated_date")
	stage := s.stageTableName(target)
	qTarget, qStage := s.qualified(target), s.qualified(stage)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s)", qStage, qTarget)); err != nil {
		return 0, err
	}
	if _, err := s.copyInto(ctx, conn, qStage, combined); err != nil {
		return 0, err
	}
	updTag, err := tx.Exec(ctx, buildIncrementUpdateSQL(qTarget, qStage, incCols, pk, touch))
	if err != nil {
		return 0, err
	}
	insTag, err := tx.Exec(ctx, buildAntiJoinInsertSQL(qTarget, qStage, combined.ColumnNames(), pk))
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+qStage); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return updTag.RowsAffected() + insTag.RowsAffected(), nil
}
