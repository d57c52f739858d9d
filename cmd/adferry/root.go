package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/debug"
	"github.com/adlift/adferry/internal/platform"
	"github.com/adlift/adferry/internal/ui"
)

var (
	cfgFile     string
	configDir   string
	verboseFlag bool
	quietFlag   bool
	jsonOutput  bool

	settings config.Settings
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "adferry",
	Short: "adferry - social advertising data to your warehouse",
	Long: `adferry extracts campaign data from social advertising platforms
(LinkedIn, Facebook, Google Ads, Microsoft Ads), normalizes it through
declarative processing pipelines, and loads it into a Postgres warehouse.

Platform table sets, load modes, and scheduling live in YAML documents;
credentials and the warehouse locator come from the environment or
~/.adferry.toml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if jsonOutput {
			ui.SetPlain(true)
		}

		settings = config.Defaults()
		path, explicit := cfgFile, true
		if path == "" {
			path, explicit = config.DefaultFilePath(), false
		}
		// init exists to write the settings file; a broken one must
		// not lock the user out of repairing it.
		if path != "" && cmd.Name() != "init" {
			if err := settings.ApplyFile(path, explicit); err != nil {
				return err
			}
		}
		settings.ApplyEnv(platform.Names())

		if verboseFlag {
			settings.LogLevel = "debug"
		}
		if quietFlag {
			settings.LogLevel = "error"
		}

		var err error
		logger, err = newLogger(settings.LogLevel, jsonOutput)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "settings file (default ~/.adferry.toml)")
	pf.StringVar(&configDir, "config-dir", "config", "directory holding orchestrator.yaml and per-platform table documents")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging")
	pf.BoolVarP(&quietFlag, "quiet", "q", false, "errors only")
	pf.BoolVar(&jsonOutput, "json", false, "machine-readable output")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// newLogger builds the process logger: console encoding on stderr for
// humans, JSON when --json asks for machine-readable output.
func newLogger(level string, json bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	if !json {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		if ui.ShouldUseColor() {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	return cfg.Build()
}
