package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/debug"
	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/orchestrator"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/runlock"
	"github.com/adlift/adferry/internal/telemetry"
	"github.com/adlift/adferry/internal/timeparsing"
	"github.com/adlift/adferry/internal/ui"
)

var (
	runPlatformFlag string
	runTablesFlag   []string
	runStartFlag    string
	runEndFlag      string
	runDryRunFlag   bool
	runTestModeFlag bool
	runReportFlag   string
	runFormatFlag   string
	runNoReportFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract, transform, and load platform data",
	Long: `Run the configured platform pipelines against the warehouse.

Without flags every enabled platform runs in dependency-scheduled
groups. --platform narrows the run to one platform (its dependencies
are not scheduled), and --tables narrows further to named tables.

Date flags accept absolute dates (2026-08-20), compact offsets (-7d),
and natural language ("last monday"). The default window is each
table's configured lookback.`,
	Example: `  adferry run
  adferry run --platform linkedin --tables linkedin_campaign
  adferry run --start-date -7d --end-date yesterday --dry-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dr, err := dateRange(runStartFlag, runEndFlag)
		if err != nil {
			return err
		}
		format, err := orchestrator.ParseFormat(runFormatFlag)
		if err != nil {
			return err
		}
		if len(runTablesFlag) > 0 && runPlatformFlag == "" {
			return etlerr.Configf("cli.run", "--tables requires --platform")
		}
		if runDryRunFlag {
			settings.DryRun = true
		}
		if runTestModeFlag {
			settings.TestMode = true
		}

		cfg, err := config.LoadOrchestrator(orchPath())
		if err != nil {
			return err
		}

		// One run at a time per state dir; concurrent runs would
		// interleave bookkeeping and fight over incremental loads.
		lock, err := runlock.Acquire(settings.ReportDir)
		if err != nil {
			if errors.Is(err, runlock.ErrBusy) {
				return etlerr.Configf("cli.run", "%s", err)
			}
			return etlerr.Config("cli.run", err)
		}
		defer lock.Release()

		if err := telemetry.Init(ctx, "adferry", Version); err != nil {
			logger.Warn("telemetry init failed", zap.Error(err))
		}
		defer telemetry.Shutdown(context.WithoutCancel(ctx))

		sink, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer sink.Close()

		pipes, err := buildPipelines(cfg, sink, logger)
		if err != nil {
			return err
		}
		runner, err := orchestrator.New(cfg, pipes, logger, orchestrator.WithStore(sink))
		if err != nil {
			return err
		}

		var res *orchestrator.Result
		if runPlatformFlag != "" {
			res, err = runner.RunOne(ctx, runPlatformFlag, dr, runTablesFlag)
		} else {
			res, err = runner.RunAll(ctx, dr)
		}
		if err != nil {
			return err
		}

		if !runNoReportFlag {
			path := runReportFlag
			if path == "" {
				path = filepath.Join(settings.ReportDir,
					fmt.Sprintf("run-%s.%s", res.RunID, format))
			}
			if err := res.Report.Export(format, path); err != nil {
				logger.Warn("report export failed", zap.String("path", path), zap.Error(err))
			} else if !debug.IsQuiet() {
				fmt.Fprintln(os.Stderr, ui.RenderMuted("report written to "+path))
			}
		}

		printReport(res.Report)

		if ctx.Err() != nil {
			exitCode = etlerr.ExitInterrupt
		} else {
			exitCode = res.ExitCode()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runPlatformFlag, "platform", "", "run a single platform (dependencies are not scheduled)")
	f.StringSliceVar(&runTablesFlag, "tables", nil, "restrict to named tables (requires --platform)")
	f.StringVar(&runStartFlag, "start-date", "", "range start (2026-08-20, -7d, \"last monday\")")
	f.StringVar(&runEndFlag, "end-date", "", "range end (defaults to now)")
	f.BoolVar(&runDryRunFlag, "dry-run", false, "extract and transform but skip all warehouse writes")
	f.BoolVar(&runTestModeFlag, "test-mode", false, "append the test suffix to every target table")
	f.StringVar(&runReportFlag, "report", "", "report file path (default <report-dir>/run-<id>.<format>)")
	f.StringVar(&runFormatFlag, "report-format", "json", "report format: json or csv")
	f.BoolVar(&runNoReportFlag, "no-report", false, "skip writing the report file")
}

// dateRange resolves the date flags through the layered parser. Both
// empty leaves the zero range; per-table lookbacks fill it later.
func dateRange(start, end string) (pipeline.DateRange, error) {
	var dr pipeline.DateRange
	now := time.Now()
	if start != "" {
		t, err := timeparsing.ParseRelativeTime(start, now)
		if err != nil {
			return dr, etlerr.Config("cli.run", fmt.Errorf("--start-date: %w", err))
		}
		dr.Start = t
	}
	if end != "" {
		t, err := timeparsing.ParseRelativeTime(end, now)
		if err != nil {
			return dr, etlerr.Config("cli.run", fmt.Errorf("--end-date: %w", err))
		}
		dr.End = t
	}
	if !dr.Start.IsZero() && !dr.End.IsZero() && dr.End.Before(dr.Start) {
		return dr, etlerr.Configf("cli.run", "end date %s precedes start date %s",
			dr.End.Format("2006-01-02"), dr.Start.Format("2006-01-02"))
	}
	return dr, nil
}

// printReport writes the run outcome to stdout: raw JSON for --json,
// rendered markdown for humans.
func printReport(rep *orchestrator.Report) {
	if jsonOutput {
		if data, err := rep.JSON(); err == nil {
			fmt.Println(string(data))
		}
		return
	}
	if debug.IsQuiet() {
		return
	}
	fmt.Print(ui.RenderMarkdown(rep.Markdown()))
}
