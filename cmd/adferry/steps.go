package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/ui"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List registered processing steps",
	Long: `List the processing steps table documents may reference. Steps run
in declaration order between extraction and load; an undeclared name
fails validation before anything runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := processing.Names()
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(names)
		}
		fmt.Println(ui.RenderHeader(ui.Pluralize(len(names), "processing step")))
		for _, name := range names {
			fmt.Println("  " + name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stepsCmd)
}
