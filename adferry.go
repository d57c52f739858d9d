// Package adferry provides a minimal public API for embedding the ETL
// runner in other Go programs.
//
// Most deployments should drive runs through the adferry CLI. This
// package exports only the essential types and functions needed by
// Go-based schedulers that want to configure pipelines and execute
// runs programmatically.
package adferry

import (
	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/orchestrator"
	"github.com/adlift/adferry/internal/pipeline"
)

// Core types for configuring and inspecting runs
type (
	Config       = config.Config
	Orchestrator = config.Orchestrator
	Platform     = config.Platform
	Retry        = config.Retry
	DateRange    = pipeline.DateRange
	Pipeline     = orchestrator.Pipeline
	Runner       = orchestrator.Runner
	Result       = orchestrator.Result
	Report       = orchestrator.Report
	Status       = orchestrator.Status
)

// Platform status constants
const (
	StatusPending   = orchestrator.StatusPending
	StatusRunning   = orchestrator.StatusRunning
	StatusCompleted = orchestrator.StatusCompleted
	StatusFailed    = orchestrator.StatusFailed
	StatusCancelled = orchestrator.StatusCancelled
	StatusSkipped   = orchestrator.StatusSkipped
)

// RunStore is the warehouse surface used for run bookkeeping rows.
type RunStore = orchestrator.RunStore

// Option customizes runner construction.
type Option = orchestrator.Option

// LoadConfig reads and validates an orchestrator configuration document.
func LoadConfig(path string) (*Config, error) {
	return config.LoadOrchestrator(path)
}

// NewRunner wires validated configuration and per-platform pipelines
// into a runner. A nil logger disables logging.
func NewRunner(cfg *Config, pipes map[string]Pipeline, log *zap.Logger, opts ...Option) (*Runner, error) {
	return orchestrator.New(cfg, pipes, log, opts...)
}

// WithStore persists bookkeeping rows through db after each run.
func WithStore(db RunStore) Option {
	return orchestrator.WithStore(db)
}

// WithRunID pins the run identifier; the default is a fresh UUID.
func WithRunID(id string) Option {
	return orchestrator.WithRunID(id)
}
