// Package diagnostics runs a set of independent diagnostic checks
// concurrently and joins their results, absorbing per-check failures
// and timeouts into the result set.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/diagnostics")

// Check is one diagnostic. Run should honour ctx; if it does not,
// the runner stops waiting at the timeout and reports status=timeout.
// Name and Duration of the returned result are filled in by the runner.
type Check interface {
	Name() string
	Run(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error)
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error)
}

func (c funcCheck) Name() string { return c.name }

func (c funcCheck) Run(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error) {
	return c.fn(ctx, ic)
}

// CheckFunc wraps a function as a named Check.
func CheckFunc(name string, fn func(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error)) Check {
	return funcCheck{name: name, fn: fn}
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnCheck func(ctx context.Context, result incident.DiagnosticResult)
}

// Runner fans a check set out and joins the results.
type Runner struct {
	logger log.Logger
	hooks  Hooks
}

// NewRunner creates a Runner.
func NewRunner(logger log.Logger, hooks Hooks) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{logger: logger, hooks: hooks}
}

// Validate reports whether checks and timeout form a runnable configuration.
func Validate(checks []Check, timeout time.Duration) error {
	if len(checks) == 0 {
		return fmt.Errorf("%w: diagnostic check set is empty", incident.ErrConfiguration)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: diagnostic timeout must be positive, got %s", incident.ErrConfiguration, timeout)
	}
	for i, c := range checks {
		if c == nil {
			return fmt.Errorf("%w: diagnostic check %d is nil", incident.ErrConfiguration, i)
		}
	}
	return nil
}

// Run starts every check at once and waits for all of them. Results come
// back in the order of checks regardless of completion order; completion
// events are emitted as each check finishes. Individual check errors and
// timeouts never fail the run.
func (r *Runner) Run(ctx context.Context, em events.Emitter, ic incident.Context, checks []Check, timeout time.Duration) ([]incident.DiagnosticResult, error) {
	if err := Validate(checks, timeout); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "diagnostics.run", trace.WithAttributes(
		attribute.String("warden.incident.id", ic.IncidentID),
		attribute.Int("warden.diagnostics.checks", len(checks)),
	))
	defer span.End()

	results := make([]incident.DiagnosticResult, len(checks))
	var preempted atomic.Bool

	// No shared cancellation: one failing check must not stop the others.
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			res := r.runOne(ctx, ic, c, timeout)
			results[i] = res
			if r.hooks.OnCheck != nil {
				r.hooks.OnCheck(ctx, res)
			}
			if !em.Emit(ctx, events.KindDiagnosticCheckComplete, events.CheckComplete{Result: res}) {
				preempted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if preempted.Load() {
		return results, incident.ErrPreempted
	}

	var degraded int
	for _, res := range results {
		if res.Status != incident.CheckOK {
			degraded++
		}
	}
	span.SetAttributes(attribute.Int("warden.diagnostics.degraded", degraded))
	r.logger.Info(ctx, "diagnostics complete",
		"incident_id", ic.IncidentID,
		"checks", len(results),
		"degraded", degraded,
	)

	if !em.Emit(ctx, events.KindDiagnosticsComplete, events.DiagnosticsComplete{Results: results}) {
		return results, incident.ErrPreempted
	}
	return results, nil
}

type checkOutcome struct {
	res incident.DiagnosticResult
	err error
}

func (r *Runner) runOne(ctx context.Context, ic incident.Context, c Check, timeout time.Duration) incident.DiagnosticResult {
	name := c.Name()
	ctx, span := tracer.Start(ctx, "diagnostics.check", trace.WithAttributes(
		attribute.String("warden.incident.id", ic.IncidentID),
		attribute.String("warden.check.name", name),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- checkOutcome{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		res, err := c.Run(ctx, ic)
		done <- checkOutcome{res: res, err: err}
	}()

	var res incident.DiagnosticResult
	select {
	case out := <-done:
		res = out.res
		switch {
		case out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			res = timeoutResult(timeout)
		case out.err != nil:
			res = incident.DiagnosticResult{
				Status:   incident.CheckError,
				Findings: map[string]any{"error": out.err.Error()},
			}
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		case res.Status == "":
			res.Status = incident.CheckOK
		}
	case <-ctx.Done():
		// The check ignored its context; stop waiting and leave it to finish on its own.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = timeoutResult(timeout)
			break
		}
		res = incident.DiagnosticResult{
			Status:   incident.CheckError,
			Findings: map[string]any{"error": ctx.Err().Error()},
		}
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
	}

	res.Check = name
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.String("warden.check.status", string(res.Status)))
	if res.Status == incident.CheckTimeout {
		r.logger.Warn(ctx, "diagnostic check timed out", "incident_id", ic.IncidentID, "check", name, "timeout", timeout.String())
	}
	return res
}

func timeoutResult(timeout time.Duration) incident.DiagnosticResult {
	return incident.DiagnosticResult{
		Status:   incident.CheckTimeout,
		Findings: map[string]any{"error": fmt.Sprintf("check exceeded %s", timeout)},
	}
}
