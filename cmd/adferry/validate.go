package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/platform"
	"github.com/adlift/adferry/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and print the execution plan",
	Long: `Load the orchestrator document and every enabled platform's table
document, run the full set of checks (step names, load modes,
dependencies, cycles, parallel groups), and print the scheduled
execution groups. Exits non-zero on the first problem.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrchestrator(orchPath())
		if err != nil {
			return err
		}
		sched, err := cfg.Plan()
		if err != nil {
			return err
		}

		type platformCheck struct {
			Name   string `json:"name"`
			Tables int    `json:"tables"`
			Source string `json:"source"`
		}
		var checks []platformCheck
		for _, p := range cfg.Platforms {
			if !p.Enabled {
				continue
			}
			b, ok := platform.Lookup(p.Name)
			if !ok {
				return fmt.Errorf("unsupported platform %q", p.Name)
			}
			spec, _, _, err := resolveSpec(p, b)
			if err != nil {
				return err
			}
			source := "builtin"
			if tablesPath(p) != "" {
				source = tablesPath(p)
			}
			checks = append(checks, platformCheck{Name: p.Name, Tables: len(spec.Tables), Source: source})
		}

		if jsonOutput {
			out := struct {
				Platforms []platformCheck `json:"platforms"`
				Groups    [][]string      `json:"groups"`
			}{checks, sched.Groups}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Println(ui.RenderHeader("Configuration OK"))
		for _, c := range checks {
			fmt.Printf("%s %s: %s (%s)\n",
				ui.RenderPass(ui.IconPass), c.Name, ui.Pluralize(c.Tables, "table"),
				ui.RenderMuted(c.Source))
		}
		fmt.Println()
		fmt.Println(ui.RenderHeader("Execution plan"))
		fmt.Print(sched.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
