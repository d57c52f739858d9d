package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/auth"
	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/fetch"
	"github.com/adlift/adferry/internal/orchestrator"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/platform"
	"github.com/adlift/adferry/internal/telemetry"
	"github.com/adlift/adferry/internal/warehouse"
)

func orchPath() string {
	return filepath.Join(configDir, "orchestrator.yaml")
}

// tablesPath locates a platform's table document: an explicit
// config_file entry wins, otherwise <config-dir>/<platform>.yaml when
// it exists. Empty means the built-in table set applies.
func tablesPath(p config.Platform) string {
	if p.ConfigFile != "" {
		if filepath.IsAbs(p.ConfigFile) {
			return p.ConfigFile
		}
		return filepath.Join(configDir, p.ConfigFile)
	}
	candidate := filepath.Join(configDir, p.Name+".yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// resolveSpec returns the table spec, API base, and account scope for
// one platform, preferring the YAML document over the built-ins.
func resolveSpec(p config.Platform, b platform.Builder) (pipeline.PlatformSpec, string, []string, error) {
	spec := b.Spec()
	baseURL := b.BaseURL
	accounts := p.Accounts

	if path := tablesPath(p); path != "" {
		pt, err := config.LoadPlatformTables(path)
		if err != nil {
			return pipeline.PlatformSpec{}, "", nil, err
		}
		if pt.Platform != p.Name {
			return pipeline.PlatformSpec{}, "", nil, etlerr.Configf("cli.wire",
				"%s declares platform %q, expected %q", path, pt.Platform, p.Name)
		}
		spec = pt.Spec
		if pt.BaseURL != "" {
			baseURL = pt.BaseURL
		}
		if len(accounts) == 0 {
			accounts = pt.Accounts
		}
	}
	if len(accounts) == 0 {
		if c, ok := settings.Credentials[p.Name]; ok && c.AccountID != "" {
			accounts = []string{c.AccountID}
		}
	}
	return spec, baseURL, accounts, nil
}

// openSink connects to the warehouse with the effective run modes.
func openSink(ctx context.Context) (*warehouse.Sink, error) {
	dsn := settings.DSN()
	if dsn == "" {
		return nil, etlerr.Configf("cli.wire",
			"warehouse is not configured: set ADFERRY_DB_DSN or ADFERRY_DB_HOST, or run `adferry init`")
	}
	return warehouse.Open(ctx, warehouse.Config{
		DSN:      dsn,
		Schema:   settings.Schema,
		TestMode: settings.TestMode,
		DryRun:   settings.DryRun,
	}, logger)
}

// tokenProvider layers the auth chain: OAuth mint, warehouse-shared
// rows, in-memory cache with early refresh.
func tokenProvider(sink *warehouse.Sink, log *zap.Logger) *auth.CachedProvider {
	creds := make(map[string]auth.Credentials, len(settings.Credentials))
	for name, c := range settings.Credentials {
		creds[name] = auth.Credentials{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RefreshToken: c.RefreshToken,
		}
	}
	var source auth.Source = auth.NewOAuthProvider(creds)
	if sink != nil && !settings.DryRun {
		source = auth.NewStoreProvider(source, sink, log)
	}
	return auth.NewCachedProvider(source, log)
}

// buildPipelines wires one engine per enabled platform: resolved table
// spec, authenticated HTTP client, and the instrumented sink.
func buildPipelines(cfg *config.Config, sink *warehouse.Sink, log *zap.Logger) (map[string]orchestrator.Pipeline, error) {
	provider := tokenProvider(sink, log)
	wrapped := telemetry.WrapSink(sink)

	pipes := make(map[string]orchestrator.Pipeline, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		if !p.Enabled {
			continue
		}
		b, ok := platform.Lookup(p.Name)
		if !ok {
			return nil, etlerr.Configf("cli.wire", "unsupported platform %q (supported: %s)",
				p.Name, strings.Join(platform.Names(), ", "))
		}
		spec, baseURL, accounts, err := resolveSpec(p, b)
		if err != nil {
			return nil, err
		}

		ps := platform.Settings{
			Accounts:       accounts,
			DeveloperToken: settings.Credentials[p.Name].DeveloperToken,
		}
		var headers map[string]string
		if b.Headers != nil {
			headers = b.Headers(ps)
		}
		client := fetch.New(fetch.Config{
			Platform: p.Name,
			BaseURL:  baseURL,
			Headers:  headers,
		}, provider, log)

		eng, err := pipeline.New(spec, b.New(client, ps, log), wrapped, log,
			pipeline.WithDryRun(settings.DryRun))
		if err != nil {
			return nil, err
		}
		pipes[p.Name] = eng
	}
	return pipes, nil
}
