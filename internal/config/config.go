// Package config loads the launch documents (orchestrator YAML,
// per-platform table YAML) and the ambient process settings from the
// environment and ~/.adferry.toml. Precedence: flags > env > TOML >
// built-in defaults; the CLI applies flags last.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/adlift/adferry/internal/etlerr"
)

// EnvPrefix namespaces every environment variable the process reads.
const EnvPrefix = "ADFERRY"

// Credentials are one platform's API secrets, read from
// ADFERRY_<PLATFORM>_CLIENT_ID and friends.
type Credentials struct {
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	DeveloperToken string
	AccountID      string
}

// Settings are the process-level knobs riding outside the YAML
// documents: warehouse locator, report output, log level, run modes,
// and per-platform credentials.
type Settings struct {
	DBDSN      string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	Schema     string

	ReportDir string
	LogLevel  string

	TestMode bool
	DryRun   bool

	Credentials map[string]Credentials
}

// Defaults returns the built-in settings layer.
func Defaults() Settings {
	return Settings{
		DBPort:      5432,
		Schema:      "analytics",
		ReportDir:   "reports",
		LogLevel:    "info",
		Credentials: map[string]Credentials{},
	}
}

// DSN composes the warehouse connection string. An explicit DB_DSN
// wins; otherwise the host/port/name/user/password parts are joined.
// Empty when neither form is configured.
func (s Settings) DSN() string {
	if s.DBDSN != "" {
		return s.DBDSN
	}
	if s.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(s.DBUser), url.QueryEscape(s.DBPassword),
		s.DBHost, s.DBPort, s.DBName)
}

// DefaultFilePath is ~/.adferry.toml, or empty when home is unknown.
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".adferry.toml")
}

type fileConfig struct {
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
}

// ApplyFile overlays values from an .adferry.toml file. A missing file
// at the default path is fine; an explicitly requested path must exist.
func (s *Settings) ApplyFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return etlerr.Config("config.file", fmt.Errorf("read %s: %w", path, err))
	}
	if fc.Warehouse.DSN != "" {
		s.DBDSN = fc.Warehouse.DSN
	}
	if fc.Warehouse.Schema != "" {
		s.Schema = fc.Warehouse.Schema
	}
	if fc.Report.Dir != "" {
		s.ReportDir = fc.Report.Dir
	}
	if fc.Log.Level != "" {
		s.LogLevel = fc.Log.Level
	}
	return nil
}

// settingKeys are the non-credential env keys, bound explicitly so
// lookups never depend on viper's automatic-env edge cases.
var settingKeys = []string{
	"db_dsn", "db_host", "db_port", "db_name", "db_user", "db_password",
	"db_schema", "report_dir", "log_level", "test_mode", "dry_run",
}

var credentialKeys = []string{
	"client_id", "client_secret", "refresh_token", "developer_token", "account_id",
}

// ApplyEnv overlays ADFERRY_* environment variables. platforms names
// the credential sets to read (linkedin, facebook, ...).
func (s *Settings) ApplyEnv(platforms []string) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for _, key := range settingKeys {
		_ = v.BindEnv(key)
	}
	for _, name := range platforms {
		for _, key := range credentialKeys {
			_ = v.BindEnv(name + "_" + key)
		}
	}

	setStr := func(dst *string, key string) {
		if val := v.GetString(key); val != "" {
			*dst = val
		}
	}
	setStr(&s.DBDSN, "db_dsn")
	setStr(&s.DBHost, "db_host")
	if val := v.GetString("db_port"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			s.DBPort = port
		}
	}
	setStr(&s.DBName, "db_name")
	setStr(&s.DBUser, "db_user")
	setStr(&s.DBPassword, "db_password")
	setStr(&s.Schema, "db_schema")
	setStr(&s.ReportDir, "report_dir")
	setStr(&s.LogLevel, "log_level")
	if val := v.GetString("test_mode"); val != "" {
		s.TestMode = truthy(val)
	}
	if val := v.GetString("dry_run"); val != "" {
		s.DryRun = truthy(val)
	}

	if s.Credentials == nil {
		s.Credentials = map[string]Credentials{}
	}
	for _, name := range platforms {
		c := s.Credentials[name]
		setStr(&c.ClientID, name+"_client_id")
		setStr(&c.ClientSecret, name+"_client_secret")
		setStr(&c.RefreshToken, name+"_refresh_token")
		setStr(&c.DeveloperToken, name+"_developer_token")
		setStr(&c.AccountID, name+"_account_id")
		s.Credentials[name] = c
	}
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
