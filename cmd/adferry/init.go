package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/ui"
)

var initOutputFlag string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a settings file interactively",
	Long: `Walk through the warehouse connection and output settings and write
them to ~/.adferry.toml. Credentials are never written to the file;
they stay in ADFERRY_<PLATFORM>_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := initOutputFlag
		if path == "" {
			path = config.DefaultFilePath()
		}
		if path == "" {
			return fmt.Errorf("cannot resolve a home directory; pass --output")
		}

		var (
			host      = "localhost"
			port      = "5432"
			database  string
			user      string
			password  string
			schema    = settings.Schema
			reportDir = settings.ReportDir
			logLevel  = settings.LogLevel
			confirmed bool
		)

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Warehouse host").
					Description("Postgres host name").
					Value(&host).
					Validate(required("host")),
				huh.NewInput().
					Title("Port").
					Value(&port).
					Validate(func(s string) error {
						if _, err := strconv.Atoi(strings.TrimSpace(s)); err != nil {
							return fmt.Errorf("port must be a number")
						}
						return nil
					}),
				huh.NewInput().
					Title("Database").
					Value(&database).
					Validate(required("database")),
				huh.NewInput().
					Title("User").
					Value(&user).
					Validate(required("user")),
				huh.NewInput().
					Title("Password").
					Description("Stored in the settings file; prefer ADFERRY_DB_PASSWORD for shared machines").
					EchoMode(huh.EchoModePassword).
					Value(&password),
				huh.NewInput().
					Title("Schema").
					Description("Target schema for loaded tables").
					Value(&schema),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Report directory").
					Value(&reportDir),
				huh.NewSelect[string]().
					Title("Log level").
					Options(
						huh.NewOption("debug", "debug"),
						huh.NewOption("info (default)", "info"),
						huh.NewOption("warn", "warn"),
						huh.NewOption("error", "error"),
					).
					Value(&logLevel),
				huh.NewConfirm().
					Title("Write "+path+"?").
					Affirmative("Write").
					Negative("Cancel").
					Value(&confirmed),
			),
		)

		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				fmt.Fprintln(os.Stderr, "init cancelled")
				return nil
			}
			return err
		}
		if !confirmed {
			fmt.Fprintln(os.Stderr, "init cancelled")
			return nil
		}

		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			url.QueryEscape(user), url.QueryEscape(password),
			strings.TrimSpace(host), strings.TrimSpace(port), database)

		doc := struct {
			Warehouse struct {
				DSN    string `toml:"dsn"`
				Schema string `toml:"schema"`
			} `toml:"warehouse"`
			Report struct {
				Dir string `toml:"dir"`
			} `toml:"report"`
			Log struct {
				Level string `toml:"level"`
			} `toml:"log"`
		}{}
		doc.Warehouse.DSN = dsn
		doc.Warehouse.Schema = schema
		doc.Report.Dir = reportDir
		doc.Log.Level = logLevel

		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(doc); err != nil {
			return err
		}

		fmt.Printf("%s wrote %s\n", ui.RenderPass(ui.IconPass), path)
		fmt.Println(ui.RenderMuted("next: adferry migrate up, then adferry validate"))
		return nil
	},
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initOutputFlag, "output", "", "settings file path (default ~/.adferry.toml)")
}
