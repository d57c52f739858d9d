// Package orchestrator executes platform pipelines under a concurrency
// budget with per-platform retries and timeouts, honors declared
// dependencies across parallel groups, and renders the structured run
// report. Parallelism is coarse: platforms run concurrently, a
// platform's own tables stay sequential.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adlift/adferry/internal/config"
	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/scheduler"
	"github.com/adlift/adferry/internal/telemetry"
)

// Pipeline runs one platform end to end. *pipeline.Engine satisfies it.
type Pipeline interface {
	Platform() string
	Run(ctx context.Context, dr pipeline.DateRange, tables []string) (*pipeline.PlatformResult, error)
}

// Runner coordinates a whole run.
type Runner struct {
	cfg   *config.Config
	pipes map[string]Pipeline
	store RunStore
	log   *zap.Logger
	runID string
}

// Option tweaks runner construction.
type Option func(*Runner)

// WithStore enables run bookkeeping in the warehouse control tables.
// Bookkeeping is best-effort and never fails a run.
func WithStore(db RunStore) Option {
	return func(r *Runner) { r.store = db }
}

// WithRunID pins the run id; the default is a fresh UUID.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// New wires a runner over the configured platforms.
func New(cfg *config.Config, pipes map[string]Pipeline, log *zap.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, etlerr.Configf("orchestrator.new", "no orchestrator configuration")
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{cfg: cfg, pipes: pipes, log: log}
	for _, o := range opts {
		o(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	return r, nil
}

// RunID returns the identifier stamped on reports and bookkeeping rows.
func (r *Runner) RunID() string { return r.runID }

// Result is the outcome of RunAll or RunOne.
type Result struct {
	RunID  string
	Report *Report
}

// ExitCode maps the run outcome to the process exit contract.
func (res *Result) ExitCode() int { return res.Report.ExitCode() }

// RunAll executes every enabled platform in scheduled groups. Platform
// failures land in the report rather than the error return; the error
// is reserved for configuration problems that prevent the run from
// starting at all.
func (r *Runner) RunAll(ctx context.Context, dr pipeline.DateRange) (*Result, error) {
	sched, err := r.cfg.Plan()
	if err != nil {
		return nil, err
	}
	platforms := sched.Platforms()
	if len(platforms) == 0 {
		return nil, etlerr.Configf("orchestrator.run", "no enabled platforms to run")
	}
	for _, name := range platforms {
		if _, ok := r.pipes[name]; !ok {
			return nil, etlerr.Configf("orchestrator.run", "no pipeline wired for platform %q", name)
		}
	}

	mon := NewMonitor(platforms)
	mon.Begin()
	r.log.Info("run starting",
		zap.String("run_id", r.runID),
		zap.Int("platforms", len(platforms)),
		zap.Int("groups", len(sched.Groups)),
		zap.Bool("parallel", r.cfg.Orchestrator.ParallelExecution),
		zap.Duration("global_timeout", r.cfg.Orchestrator.GlobalTimeout))

	runCtx := ctx
	if r.cfg.Orchestrator.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Orchestrator.GlobalTimeout)
		defer cancel()
	}

	limit := r.cfg.Orchestrator.MaxParallel
	if !r.cfg.Orchestrator.ParallelExecution {
		limit = 1
	}

	aborted := false
	for _, group := range sched.Groups {
		eligible := make([]string, 0, len(group))
		for _, name := range group {
			switch {
			case aborted:
				mon.Skip(name, "run aborted after earlier failure")
			case runCtx.Err() != nil:
				mon.Skip(name, skipReason(ctx))
			default:
				if dep := r.blockedBy(mon, sched, name); dep != "" {
					mon.Skip(name, fmt.Sprintf("dependency %s did not complete", dep))
				} else {
					eligible = append(eligible, name)
				}
			}
		}
		if len(eligible) == 0 {
			continue
		}

		// A failing platform must not cancel its group siblings; the
		// group only acts as a completion barrier.
		var g errgroup.Group
		g.SetLimit(limit)
		for _, name := range eligible {
			g.Go(func() error {
				r.runPlatform(runCtx, mon, name, dr, nil)
				return nil
			})
		}
		_ = g.Wait()

		if !r.cfg.Orchestrator.ContinueOnFailure && mon.AnyFailure() {
			aborted = true
		}
	}

	return r.close(ctx, mon)
}

// RunOne executes a single configured platform, optionally narrowed to
// named tables. Dependencies are not scheduled; the caller asked for
// exactly this platform.
func (r *Runner) RunOne(ctx context.Context, platform string, dr pipeline.DateRange, tables []string) (*Result, error) {
	pcfg, ok := r.cfg.Platform(platform)
	if !ok {
		return nil, etlerr.Configf("orchestrator.run", "platform %q is not configured", platform)
	}
	if !pcfg.Enabled {
		return nil, etlerr.Configf("orchestrator.run", "platform %q is disabled", platform)
	}
	if _, ok := r.pipes[platform]; !ok {
		return nil, etlerr.Configf("orchestrator.run", "no pipeline wired for platform %q", platform)
	}

	mon := NewMonitor([]string{platform})
	mon.Begin()
	r.log.Info("run starting",
		zap.String("run_id", r.runID),
		zap.String("platform", platform),
		zap.Strings("tables", tables))

	runCtx := ctx
	if r.cfg.Orchestrator.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Orchestrator.GlobalTimeout)
		defer cancel()
	}
	r.runPlatform(runCtx, mon, platform, dr, tables)

	return r.close(ctx, mon)
}

// blockedBy returns the first dependency that did not complete.
func (r *Runner) blockedBy(mon *Monitor, sched *scheduler.Schedule, name string) string {
	for _, dep := range sched.Dependencies(name) {
		if s, ok := mon.State(dep); ok && s.Status != StatusCompleted {
			return dep
		}
	}
	return ""
}

// runPlatform drives one platform through its timeout and retry policy
// and records the terminal state. It never returns an error; outcomes
// live in the monitor.
func (r *Runner) runPlatform(ctx context.Context, mon *Monitor, name string, dr pipeline.DateRange, tables []string) {
	if !mon.Start(name) {
		return
	}
	pcfg, _ := r.cfg.Platform(name)
	log := r.log.With(zap.String("run_id", r.runID), zap.String("platform", name))

	sctx, span := telemetry.Tracer("").Start(ctx, "platform.run")
	span.SetAttributes(attribute.String("adferry.platform", name))
	defer span.End()

	pctx := sctx
	if pcfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(sctx, pcfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.attempt(pctx, mon, name, pcfg, dr, tables, log)

	var rows int64
	var loaded int
	if res != nil {
		rows = res.Rows()
		loaded = res.TablesLoaded
	}

	switch {
	case err == nil:
		mon.Complete(name, rows, loaded)
		span.SetAttributes(attribute.Int64("adferry.rows", rows))
		log.Info("platform completed",
			zap.Int64("rows", rows),
			zap.Int("tables", loaded),
			zap.Duration("took", time.Since(start)))
	case ctx.Err() != nil:
		// The run itself was cut short: global timeout or interrupt.
		mon.Cancel(name, rows, loaded, firstLine(err))
		span.SetStatus(codes.Error, "cancelled")
		log.Warn("platform cancelled", zap.Error(err), zap.Duration("took", time.Since(start)))
	case pctx.Err() != nil:
		msg := fmt.Sprintf("platform timeout %s exceeded", pcfg.Timeout)
		mon.Fail(name, rows, loaded, msg)
		span.SetStatus(codes.Error, msg)
		log.Error("platform timed out", zap.Duration("timeout", pcfg.Timeout))
	default:
		mon.Fail(name, rows, loaded, firstLine(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("platform failed", zap.Error(err), zap.Duration("took", time.Since(start)))
	}
}

// attempt runs the pipeline under the retry policy: transport and auth
// failures retry with exponential backoff (capped, honoring any server
// Retry-After), configuration and data failures are terminal.
func (r *Runner) attempt(ctx context.Context, mon *Monitor, name string, pcfg config.Platform, dr pipeline.DateRange, tables []string, log *zap.Logger) (*pipeline.PlatformResult, error) {
	bo := newBackoff(pcfg.Retry)
	attempts := pcfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastRes *pipeline.PlatformResult
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			mon.Attempt(name)
		}
		res, err := r.pipes[name].Run(ctx, dr, tables)
		if err == nil {
			return res, nil
		}
		lastRes, lastErr = res, err

		if ctx.Err() != nil || !etlerr.Retryable(err) || attempt == attempts {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if ra, ok := etlerr.RetryAfter(err); ok && ra > wait {
			wait = ra
		}
		log.Warn("platform retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return lastRes, lastErr
		}
	}
	return lastRes, lastErr
}

// close stamps the end, writes bookkeeping, and builds the result.
// Bookkeeping uses a detached context so a run cut short by the global
// timeout still records its outcome.
func (r *Runner) close(ctx context.Context, mon *Monitor) (*Result, error) {
	mon.End()
	rep := BuildReport(r.runID, mon)

	if r.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := PersistRun(pctx, r.store, rep, mon.Snapshot()); err != nil {
			r.log.Warn("run bookkeeping failed", zap.String("run_id", r.runID), zap.Error(err))
		}
	}

	s := rep.Summary
	r.log.Info("run complete",
		zap.String("run_id", r.runID),
		zap.String("status", rep.RunStatus()),
		zap.Int("completed", s.Completed),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int64("rows", s.TotalRowsProcessed),
		zap.Float64("took_seconds", s.TotalDurationSeconds))
	return &Result{RunID: r.runID, Report: rep}, nil
}

func newBackoff(rc config.Retry) backoff.BackOff {
	// BackOff values are stateful; always build a fresh one per platform.
	bo := backoff.NewExponentialBackOff()
	if rc.InitialBackoff > 0 {
		bo.InitialInterval = rc.InitialBackoff
	}
	if rc.BackoffMultiplier >= 1 {
		bo.Multiplier = rc.BackoffMultiplier
	}
	if rc.MaxBackoff > 0 {
		bo.MaxInterval = rc.MaxBackoff
	}
	bo.MaxElapsedTime = 0
	return bo
}

// skipReason distinguishes an expired global budget from an outside
// interrupt; both leave the remaining platforms unattempted.
func skipReason(parent context.Context) string {
	if parent.Err() != nil {
		return "run interrupted"
	}
	return "global timeout exceeded"
}

func firstLine(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
