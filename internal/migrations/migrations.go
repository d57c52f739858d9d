// Package migrations owns the warehouse control tables: run history,
// per-platform outcomes, and the shared token cache. The SQL is
// embedded and applied with goose; data tables are NOT managed here,
// they belong to the warehouse deployment.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/adlift/adferry/internal/etlerr"
)

//go:embed sql/*.sql
var embedded embed.FS

// State is one migration's applied/pending standing.
type State struct {
	Version   int64
	Source    string
	Applied   bool
	AppliedAt time.Time
}

// Up applies every pending migration and returns the sources applied,
// in order.
func Up(ctx context.Context, dsn, schema string) ([]string, error) {
	db, p, err := open(ctx, dsn, schema)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	results, err := p.Up(ctx)
	if err != nil {
		return nil, etlerr.Config("migrations.up", err)
	}
	var applied []string
	for _, r := range results {
		applied = append(applied, r.Source.Path)
	}
	return applied, nil
}

// Down rolls back the most recently applied migration.
func Down(ctx context.Context, dsn, schema string) (string, error) {
	db, p, err := open(ctx, dsn, schema)
	if err != nil {
		return "", err
	}
	defer db.Close()

	result, err := p.Down(ctx)
	if err != nil {
		return "", etlerr.Config("migrations.down", err)
	}
	return result.Source.Path, nil
}

// Status reports each known migration with its applied state.
func Status(ctx context.Context, dsn, schema string) ([]State, error) {
	db, p, err := open(ctx, dsn, schema)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, etlerr.Config("migrations.status", err)
	}
	out := make([]State, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, State{
			Version:   s.Source.Version,
			Source:    s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}

// open connects with search_path pinned to the target schema, creates
// the schema when absent, and builds a goose provider over the embedded
// SQL. goose's version table lands in the same schema.
func open(ctx context.Context, dsn, schema string) (*sql.DB, *goose.Provider, error) {
	if dsn == "" {
		return nil, nil, etlerr.Configf("migrations.open", "no warehouse DSN configured")
	}
	db, err := sql.Open("pgx", withSearchPath(dsn, schema))
	if err != nil {
		return nil, nil, etlerr.Config("migrations.open", err)
	}
	if schema != "" {
		q := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, nil, etlerr.Transport("migrations.open", err)
		}
	}

	fsys, err := fs.Sub(embedded, "sql")
	if err != nil {
		db.Close()
		return nil, nil, etlerr.Config("migrations.open", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return nil, nil, etlerr.Config("migrations.open", err)
	}
	return db, p, nil
}

// withSearchPath pins the session schema. URL DSNs get a query
// parameter; keyword/value DSNs get another keyword.
func withSearchPath(dsn, schema string) string {
	if schema == "" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return strings.TrimSpace(dsn + " search_path=" + schema)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
