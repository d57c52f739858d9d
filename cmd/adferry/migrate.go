package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/migrations"
	"github.com/adlift/adferry/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the bookkeeping tables",
	Long: `Apply, roll back, or inspect the control-table migrations: run
history (etl_runs, etl_run_platforms) and the shared token cache
(etl_tokens). Reporting tables are owned by the warehouse deployment
and are not touched.`,
}

func migrateDSN() (string, error) {
	dsn := settings.DSN()
	if dsn == "" {
		return "", etlerr.Configf("cli.migrate",
			"warehouse is not configured: set ADFERRY_DB_DSN or ADFERRY_DB_HOST, or run `adferry init`")
	}
	return dsn, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := migrateDSN()
		if err != nil {
			return err
		}
		applied, err := migrations.Up(cmd.Context(), dsn, settings.Schema)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println(ui.RenderMuted("nothing to apply"))
			return nil
		}
		for _, src := range applied {
			fmt.Printf("%s %s\n", ui.RenderPass(ui.IconPass), src)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := migrateDSN()
		if err != nil {
			return err
		}
		rolled, err := migrations.Down(cmd.Context(), dsn, settings.Schema)
		if err != nil {
			return err
		}
		fmt.Printf("%s rolled back %s\n", ui.RenderWarn(ui.IconWarn), rolled)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := migrateDSN()
		if err != nil {
			return err
		}
		states, err := migrations.Status(cmd.Context(), dsn, settings.Schema)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSOURCE\tAPPLIED AT")
		for _, st := range states {
			appliedAt := ui.RenderMuted("pending")
			if st.Applied {
				appliedAt = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", st.Version, st.Source, appliedAt)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}
