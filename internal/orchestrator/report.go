package orchestrator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adlift/adferry/internal/etlerr"
)

// Format of an exported report.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a configured format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", etlerr.Configf("report.format", "unknown report format %q (json or csv)", s)
	}
}

// Summary aggregates one run.
type Summary struct {
	TotalPlatforms       int       `json:"total_platforms"`
	Completed            int       `json:"completed"`
	Failed               int       `json:"failed"`
	Skipped              int       `json:"skipped"`
	SuccessRate          float64   `json:"success_rate"`
	TotalRowsProcessed   int64     `json:"total_rows_processed"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
}

// PlatformReport is one platform's line in the report.
type PlatformReport struct {
	PlatformName    string  `json:"platform_name"`
	Status          Status  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	RowsProcessed   int64   `json:"rows_processed"`
	TablesProcessed int     `json:"tables_processed"`
	RetryCount      int     `json:"retry_count"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// Report is the structured outcome of one run.
type Report struct {
	RunID     string           `json:"run_id"`
	Summary   Summary          `json:"summary"`
	Platforms []PlatformReport `json:"platforms"`
}

// BuildReport renders the monitor's current state. Cancellations count
// as failures in the summary; the per-platform status keeps the
// distinction.
func BuildReport(runID string, m *Monitor) *Report {
	rep := &Report{RunID: runID}
	var completed, failed, skipped int
	var rows int64

	for _, s := range m.Snapshot() {
		rep.Platforms = append(rep.Platforms, PlatformReport{
			PlatformName:    s.Platform,
			Status:          s.Status,
			DurationSeconds: round2(s.Duration().Seconds()),
			RowsProcessed:   s.Rows,
			TablesProcessed: s.Tables,
			RetryCount:      maxInt(s.Attempts-1, 0),
			ErrorMessage:    s.Error,
		})
		rows += s.Rows
		switch s.Status {
		case StatusCompleted:
			completed++
		case StatusFailed, StatusCancelled:
			failed++
		default:
			skipped++
		}
	}

	total := len(rep.Platforms)
	rate := 0.0
	if total > 0 {
		rate = round2(float64(completed) / float64(total) * 100)
	}
	start, end := m.Window()
	var took float64
	if !start.IsZero() {
		took = round2(end.Sub(start).Seconds())
	}
	rep.Summary = Summary{
		TotalPlatforms:       total,
		Completed:            completed,
		Failed:               failed,
		Skipped:              skipped,
		SuccessRate:          rate,
		TotalRowsProcessed:   rows,
		TotalDurationSeconds: took,
		StartedAt:            start,
		EndedAt:              end,
	}
	return rep
}

// RunStatus condenses the run for bookkeeping rows and log lines.
func (r *Report) RunStatus() string {
	s := r.Summary
	switch {
	case s.TotalPlatforms == s.Completed:
		return "completed"
	case s.Completed > 0:
		return "partial"
	default:
		return "failed"
	}
}

// ExitCode maps the outcome to the process exit contract: 0 all
// platforms completed, 2 mixed outcomes, 3 nothing completed.
func (r *Report) ExitCode() int {
	s := r.Summary
	switch {
	case s.Completed == s.TotalPlatforms:
		return etlerr.ExitOK
	case s.Completed > 0:
		return etlerr.ExitPartial
	default:
		return etlerr.ExitTotal
	}
}

// JSON renders the report indented for files and terminals.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteCSV writes one row per platform.
func (r *Report) WriteCSV(w *csv.Writer) error {
	if err := w.Write([]string{
		"platform_name", "status", "duration_seconds", "rows_processed",
		"tables_processed", "retry_count", "error_message",
	}); err != nil {
		return err
	}
	for _, p := range r.Platforms {
		if err := w.Write([]string{
			p.PlatformName,
			string(p.Status),
			strconv.FormatFloat(p.DurationSeconds, 'f', 2, 64),
			strconv.FormatInt(p.RowsProcessed, 10),
			strconv.Itoa(p.TablesProcessed),
			strconv.Itoa(p.RetryCount),
			p.ErrorMessage,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Export writes the report to path, creating parent directories.
func (r *Report) Export(format Format, path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return etlerr.Config("report.export", err)
		}
	}
	switch format {
	case FormatJSON:
		data, err := r.JSON()
		if err != nil {
			return etlerr.Fatal("report.export", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return etlerr.Config("report.export", err)
		}
	case FormatCSV:
		f, err := os.Create(path)
		if err != nil {
			return etlerr.Config("report.export", err)
		}
		defer f.Close()
		if err := r.WriteCSV(csv.NewWriter(f)); err != nil {
			return etlerr.Config("report.export", err)
		}
	default:
		return etlerr.Configf("report.export", "unknown report format %q", format)
	}
	return nil
}

// ReadReport loads a JSON report back, for `report show`.
func ReadReport(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, etlerr.Config("report.read", err)
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, etlerr.Data("report.read", fmt.Errorf("parse %s: %w", path, err))
	}
	return &r, nil
}

// Markdown renders the run for terminal display.
func (r *Report) Markdown() string {
	s := r.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", r.RunID)
	fmt.Fprintf(&b, "**%d/%d platforms completed** (%.1f%%) · %d rows · %.1fs\n\n",
		s.Completed, s.TotalPlatforms, s.SuccessRate, s.TotalRowsProcessed, s.TotalDurationSeconds)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started %s, ended %s.\n\n",
			s.StartedAt.Format(time.RFC3339), s.EndedAt.Format(time.RFC3339))
	}
	b.WriteString("| Platform | Status | Duration | Rows | Tables | Retries | Error |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, p := range r.Platforms {
		fmt.Fprintf(&b, "| %s | %s | %.1fs | %d | %d | %d | %s |\n",
			p.PlatformName, p.Status, p.DurationSeconds, p.RowsProcessed,
			p.TablesProcessed, p.RetryCount, strings.ReplaceAll(p.ErrorMessage, "|", "\\|"))
	}
	return b.String()
}

// RunStore is the warehouse slice run bookkeeping needs. A
// *warehouse.Sink satisfies it.
type RunStore interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Qualify(table string) string
}

// PersistRun upserts the run row and one row per platform into the
// control tables. Callers treat failures as non-fatal; bookkeeping
// never fails a run.
func PersistRun(ctx context.Context, db RunStore, rep *Report, states []PlatformState) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	s := rep.Summary
	_, err = db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, status, started_at, ended_at, total_platforms,
		                completed, failed, skipped, rows_processed, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (run_id) DO UPDATE SET
			status         = EXCLUDED.status,
			ended_at       = EXCLUDED.ended_at,
			completed      = EXCLUDED.completed,
			failed         = EXCLUDED.failed,
			skipped        = EXCLUDED.skipped,
			rows_processed = EXCLUDED.rows_processed,
			report         = EXCLUDED.report`, db.Qualify("etl_runs")),
		rep.RunID, rep.RunStatus(), s.StartedAt, s.EndedAt, s.TotalPlatforms,
		s.Completed, s.Failed, s.Skipped, s.TotalRowsProcessed, string(payload))
	if err != nil {
		return err
	}

	for _, st := range states {
		_, err := db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (run_id, platform, status, started_at, ended_at,
			                attempts, rows_processed, tables_processed, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, platform) DO UPDATE SET
				status           = EXCLUDED.status,
				ended_at         = EXCLUDED.ended_at,
				attempts         = EXCLUDED.attempts,
				rows_processed   = EXCLUDED.rows_processed,
				tables_processed = EXCLUDED.tables_processed,
				error_message    = EXCLUDED.error_message`, db.Qualify("etl_run_platforms")),
			rep.RunID, st.Platform, string(st.Status), nullTime(st.StartedAt),
			nullTime(st.EndedAt), st.Attempts, st.Rows, st.Tables, nullStr(st.Error))
		if err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
