package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/orchestrator"
	"github.com/adlift/adferry/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect execution reports",
}

var (
	reportPrettyFlag  bool
	reportNoPagerFlag bool
	reportLimitFlag   int
)

var reportShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Render a run report",
	Long: `Render an execution report. Without a path the most recent report
in the report directory is shown. --pretty renders the report as
styled markdown; the default prints the raw JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			latest, err := latestReport(settings.ReportDir)
			if err != nil {
				return err
			}
			path = latest
		}

		rep, err := orchestrator.ReadReport(path)
		if err != nil {
			return err
		}

		if !reportPrettyFlag || jsonOutput {
			data, err := rep.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		return ui.ToPager(ui.RenderMarkdown(rep.Markdown()),
			ui.PagerOptions{NoPager: reportNoPagerFlag})
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Long: `List run reports from the report directory, newest first. Each
line condenses one run; use report show for the full breakdown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := reportFiles(settings.ReportDir)
		if err != nil {
			return err
		}
		if reportLimitFlag > 0 && len(paths) > reportLimitFlag {
			paths = paths[:reportLimitFlag]
		}

		type row struct {
			RunID     string  `json:"run_id"`
			Status    string  `json:"status"`
			StartedAt string  `json:"started_at,omitempty"`
			Completed int     `json:"completed"`
			Platforms int     `json:"total_platforms"`
			Rows      int64   `json:"rows_processed"`
			Seconds   float64 `json:"duration_seconds"`
			Error     string  `json:"error,omitempty"`
			Path      string  `json:"path"`
		}
		rows := make([]row, 0, len(paths))
		for _, path := range paths {
			rep, err := orchestrator.ReadReport(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, ui.RenderMuted("skipping unreadable "+filepath.Base(path)))
				continue
			}
			s := rep.Summary
			started := ""
			if !s.StartedAt.IsZero() {
				started = s.StartedAt.Format("2006-01-02 15:04")
			}
			rows = append(rows, row{
				RunID:     rep.RunID,
				Status:    rep.RunStatus(),
				StartedAt: started,
				Completed: s.Completed,
				Platforms: s.TotalPlatforms,
				Rows:      s.TotalRowsProcessed,
				Seconds:   s.TotalDurationSeconds,
				Error:     firstError(rep),
				Path:      path,
			})
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tPLATFORMS\tROWS\tTIME\tERROR")
		for _, r := range rows {
			started := r.StartedAt
			if started == "" {
				started = "-"
			}
			errMsg := "-"
			if r.Error != "" {
				errMsg = ui.Truncate(r.Error, 48)
			}
			fmt.Fprintf(w, "%s\t%s %s\t%s\t%d/%d\t%d\t%.1fs\t%s\n",
				r.RunID, ui.StatusIcon(r.Status), ui.RenderStatus(r.Status),
				started, r.Completed, r.Platforms, r.Rows, r.Seconds, errMsg)
		}
		return w.Flush()
	},
}

// firstError surfaces the first platform failure for the list view.
func firstError(rep *orchestrator.Report) string {
	for _, p := range rep.Platforms {
		if p.ErrorMessage != "" {
			return p.ErrorMessage
		}
	}
	return ""
}

// reportFiles returns the run-*.json files under dir, newest first.
func reportFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, etlerr.Config("report.list", err)
	}
	var candidates []os.DirEntry
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "run-") && strings.HasSuffix(name, ".json") {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, etlerr.Configf("report.list", "no reports under %s; run `adferry run` first", dir)
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, _ := candidates[i].Info()
		fj, _ := candidates[j].Info()
		if fi == nil || fj == nil {
			return candidates[i].Name() < candidates[j].Name()
		}
		return fi.ModTime().After(fj.ModTime())
	})
	out := make([]string, len(candidates))
	for i, e := range candidates {
		out[i] = filepath.Join(dir, e.Name())
	}
	return out, nil
}

// latestReport picks the newest run-*.json in dir.
func latestReport(dir string) (string, error) {
	paths, err := reportFiles(dir)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportListCmd)
	reportShowCmd.Flags().BoolVar(&reportPrettyFlag, "pretty", false, "render as styled markdown")
	reportShowCmd.Flags().BoolVar(&reportNoPagerFlag, "no-pager", false, "do not pipe long output to a pager")
	reportListCmd.Flags().IntVar(&reportLimitFlag, "limit", 10, "maximum runs to list (0 for all)")
}
