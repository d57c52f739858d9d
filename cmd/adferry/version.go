package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at release build time.
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(map[string]string{
				"version": Version,
				"build":   Build,
				"go":      runtime.Version(),
				"os":      runtime.GOOS,
				"arch":    runtime.GOARCH,
			})
		}
		fmt.Printf("adferry %s (%s) %s %s/%s\n",
			Version, Build, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
