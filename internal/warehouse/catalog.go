package warehouse

import (
	"context"
	"fmt"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
)

// ColumnSchema is one column of a target table as the catalog declares it.
type ColumnSchema struct {
	Name     string
	Type     frame.Type
	Nullable bool
}

// TableSchema is the authoritative shape of a target table. Alignment
// reorders every payload to this column order.
type TableSchema struct {
	Table   string
	Columns []ColumnSchema
}

// Column returns the named column's schema.
func (t *TableSchema) Column(name string) (ColumnSchema, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// ColumnNames returns the schema's column names in catalog order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// TableSchema reads the target's column types from the catalog. Results
// are cached for the sink's lifetime; the warehouse schema is treated as
// fixed during a run.
func (s *Sink) TableSchema(ctx context.Context, target string) (*TableSchema, error) {
	s.catMu.Lock()
	if cached, ok := s.catalog[target]; ok {
		s.catMu.Unlock()
		return cached, nil
	}
	s.catMu.Unlock()

	rows, err := s.pool.Query(ctx,
		`SELECT column_name, data_type, is_nullable
		   FROM information_schema.columns
		  WHERE table_schema = $1 AND table_name = $2
		  ORDER BY ordinal_position`,
		s.cfg.Schema, target)
	if err != nil {
		return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
	}
	defer rows.Close()

	schema := &TableSchema{Table: target}
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
		}
		schema.Columns = append(schema.Columns, ColumnSchema{
			Name:     name,
			Type:     frame.ParseType(dataType),
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
	}
	if len(schema.Columns) == 0 {
		return nil, etlerr.Data("warehouse.catalog",
			fmt.Errorf("%w: %s.%s", ErrNoTable, s.cfg.Schema, target)).ForTable(target)
	}

	s.catMu.Lock()
	s.catalog[target] = schema
	s.catMu.Unlock()
	return schema, nil
}

// primaryKey reads the target's primary-key columns in key order.
func (s *Sink) primaryKey(ctx context.Context, target string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kcu.column_name
		   FROM information_schema.table_constraints tc
		   JOIN information_schema.key_column_usage kcu
		     ON tc.constraint_name = kcu.constraint_name
		    AND tc.table_schema = kcu.table_schema
		  WHERE tc.constraint_type = 'PRIMARY KEY'
		    AND tc.table_schema = $1 AND tc.table_name = $2
		  ORDER BY kcu.ordinal_position`,
		s.cfg.Schema, target)
	if err != nil {
		return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
		}
		pk = append(pk, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("warehouse.catalog", err).ForTable(target)
	}
	return pk, nil
}
