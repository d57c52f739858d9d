package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/platform"
	"github.com/adlift/adferry/internal/ui"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List configured platforms",
	Long: `List the platforms from the orchestrator document with their
enabled state, scheduling inputs, and resolved table counts. Platforms
the binary supports but the document omits are listed as available.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrchestrator(orchPath())
		if err != nil {
			return err
		}

		type row struct {
			Name      string   `json:"name"`
			Enabled   bool     `json:"enabled"`
			Priority  int      `json:"priority"`
			Timeout   string   `json:"timeout"`
			DependsOn []string `json:"depends_on,omitempty"`
			Tables    int      `json:"tables"`
		}
		rows := make([]row, 0, len(cfg.Platforms))
		configured := map[string]bool{}
		for _, p := range cfg.Platforms {
			configured[p.Name] = true
			tables := 0
			if b, ok := platform.Lookup(p.Name); ok {
				if spec, _, _, err := resolveSpec(p, b); err == nil {
					tables = len(spec.Tables)
				}
			}
			rows = append(rows, row{
				Name: p.Name, Enabled: p.Enabled, Priority: p.Priority,
				Timeout: p.Timeout.String(), DependsOn: p.DependsOn, Tables: tables,
			})
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENABLED\tPRIORITY\tTIMEOUT\tDEPENDS ON\tTABLES")
		for _, r := range rows {
			enabled := ui.RenderPass("yes")
			if !r.Enabled {
				enabled = ui.RenderMuted("no")
			}
			deps := strings.Join(r.DependsOn, ", ")
			if deps == "" {
				deps = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
				r.Name, enabled, r.Priority, r.Timeout, deps, r.Tables)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		var available []string
		for _, name := range platform.Names() {
			if !configured[name] {
				available = append(available, name)
			}
		}
		if len(available) > 0 {
			fmt.Println(ui.RenderMuted("available but not configured: " + strings.Join(available, ", ")))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(platformsCmd)
}
