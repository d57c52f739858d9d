package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/scheduler"
)

// Orchestration defaults, applied where the document is silent.
const (
	DefaultMaxParallel     = 2
	DefaultGlobalTimeout   = 7200 * time.Second
	DefaultPlatformTimeout = 1800 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryBackoff    = 60 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultRetryMaxBackoff = 600 * time.Second
)

// Retry is one platform's retry policy: exponential backoff with a cap,
// MaxAttempts total attempts.
type Retry struct {
	MaxAttempts       int           `validate:"min=1"`
	InitialBackoff    time.Duration `validate:"min=0"`
	BackoffMultiplier float64       `validate:"gte=1"`
	MaxBackoff        time.Duration `validate:"min=0"`
}

// Platform is one orchestrated platform entry.
type Platform struct {
	Name       string `validate:"required"`
	Enabled    bool
	Priority   int           `validate:"min=1"`
	Timeout    time.Duration `validate:"min=1"`
	DependsOn  []string
	Retry      Retry `validate:"required"`
	ConfigFile string
	Accounts   []string
}

// Orchestrator holds the run-wide execution settings.
type Orchestrator struct {
	ParallelExecution bool
	MaxParallel       int           `validate:"min=1"`
	ContinueOnFailure bool
	GlobalTimeout     time.Duration `validate:"min=1"`
}

// Config is the loaded orchestrator document.
type Config struct {
	Orchestrator   Orchestrator
	Platforms      []Platform `validate:"min=1,dive"`
	ParallelGroups [][]string
}

// Platform returns the named platform entry.
func (c *Config) Platform(name string) (Platform, bool) {
	for _, p := range c.Platforms {
		if p.Name == name {
			return p, true
		}
	}
	return Platform{}, false
}

// Nodes converts the platform entries to scheduler input.
func (c *Config) Nodes() []scheduler.PlatformNode {
	nodes := make([]scheduler.PlatformNode, len(c.Platforms))
	for i, p := range c.Platforms {
		nodes[i] = scheduler.PlatformNode{
			Name:      p.Name,
			Enabled:   p.Enabled,
			Priority:  p.Priority,
			DependsOn: p.DependsOn,
		}
	}
	return nodes
}

// Plan builds the execution schedule for the enabled platforms,
// honoring a manual parallel_groups partition when one is configured.
func (c *Config) Plan() (*scheduler.Schedule, error) {
	return scheduler.Plan(c.Nodes(), c.ParallelGroups)
}

type orchestratorYAML struct {
	Orchestrator struct {
		ParallelExecution *bool `yaml:"parallel_execution"`
		MaxParallel       int   `yaml:"max_parallel"`
		ContinueOnFailure *bool `yaml:"continue_on_failure"`
		GlobalTimeout     int   `yaml:"global_timeout"`
	} `yaml:"orchestrator"`
	Platforms      []platformYAML `yaml:"platforms"`
	ParallelGroups [][]string     `yaml:"parallel_groups"`
}

type platformYAML struct {
	Name       string     `yaml:"name"`
	Enabled    *bool      `yaml:"enabled"`
	Priority   int        `yaml:"priority"`
	Timeout    int        `yaml:"timeout"`
	DependsOn  []string   `yaml:"depends_on"`
	Retry      *retryYAML `yaml:"retry"`
	ConfigFile string     `yaml:"config_file"`
	Accounts   []string   `yaml:"accounts"`
}

type retryYAML struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffSeconds    int     `yaml:"backoff_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds int     `yaml:"max_backoff_seconds"`
}

var validate = validator.New()

// LoadOrchestrator reads, defaults, and validates the orchestrator
// document. Unknown keys, unknown depends_on names, dependency cycles,
// and bad parallel_groups partitions all fail here, before any
// extraction starts.
func LoadOrchestrator(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, etlerr.Config("config.orchestrator", err)
	}
	defer f.Close()
	return parseOrchestrator(f, path)
}

func parseOrchestrator(r io.Reader, path string) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc orchestratorYAML
	if err := dec.Decode(&doc); err != nil {
		return nil, etlerr.Config("config.orchestrator", fmt.Errorf("parse %s: %w", path, err))
	}

	cfg := &Config{
		Orchestrator: Orchestrator{
			ParallelExecution: boolOr(doc.Orchestrator.ParallelExecution, true),
			MaxParallel:       intOr(doc.Orchestrator.MaxParallel, DefaultMaxParallel),
			ContinueOnFailure: boolOr(doc.Orchestrator.ContinueOnFailure, true),
			GlobalTimeout:     secondsOr(doc.Orchestrator.GlobalTimeout, DefaultGlobalTimeout),
		},
		ParallelGroups: doc.ParallelGroups,
	}

	seen := map[string]bool{}
	for _, p := range doc.Platforms {
		if seen[p.Name] {
			return nil, etlerr.Configf("config.orchestrator", "platform %q declared twice", p.Name)
		}
		seen[p.Name] = true

		retry := Retry{
			MaxAttempts:       DefaultRetryAttempts,
			InitialBackoff:    DefaultRetryBackoff,
			BackoffMultiplier: DefaultRetryMultiplier,
			MaxBackoff:        DefaultRetryMaxBackoff,
		}
		if p.Retry != nil {
			retry.MaxAttempts = intOr(p.Retry.MaxAttempts, DefaultRetryAttempts)
			retry.InitialBackoff = secondsOr(p.Retry.BackoffSeconds, DefaultRetryBackoff)
			if p.Retry.BackoffMultiplier != 0 {
				retry.BackoffMultiplier = p.Retry.BackoffMultiplier
			}
			retry.MaxBackoff = secondsOr(p.Retry.MaxBackoffSeconds, DefaultRetryMaxBackoff)
		}

		cfg.Platforms = append(cfg.Platforms, Platform{
			Name:       p.Name,
			Enabled:    boolOr(p.Enabled, true),
			Priority:   intOr(p.Priority, 1),
			Timeout:    secondsOr(p.Timeout, DefaultPlatformTimeout),
			DependsOn:  p.DependsOn,
			Retry:      retry,
			ConfigFile: p.ConfigFile,
			Accounts:   p.Accounts,
		})
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, etlerr.Config("config.orchestrator", fmt.Errorf("%s: %w", path, err))
	}
	// Cycles, unknown dependencies, and partition conflicts surface
	// through a dry scheduling pass.
	if _, err := cfg.Plan(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
