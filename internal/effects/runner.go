// Package effects executes the side-effect descriptors handlers emit.
// Execution is decoupled from routing: handlers describe what should happen
// (persist a task, notify Discord, append a sheet row) and the runner carries
// it out with timeouts and bounded retries. A failed secondary effect
// degrades the result; it never rolls back a committed primary effect.
package effects

import (
	"context"
	"time"

	"taskpilot/internal/logging"
	"taskpilot/internal/types"
)

// Executor performs one kind of side effect.
type Executor interface {
	Execute(ctx context.Context, effect types.SideEffect) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, effect types.SideEffect) error

func (f ExecutorFunc) Execute(ctx context.Context, effect types.SideEffect) error {
	return f(ctx, effect)
}

// Outcome records what happened to one effect.
type Outcome struct {
	Effect   types.SideEffect
	Attempts int
	Err      error

	// Skipped marks effects with no registered executor. Sinks are optional
	// (no Discord webhook configured means no Discord executor), so this is
	// not a failure.
	Skipped bool
}

// Runner dispatches effects to registered executors.
type Runner struct {
	executors  map[types.EffectKind]Executor
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewRunner creates a runner. timeout bounds each attempt; maxRetries caps
// extra attempts for idempotent effects.
func NewRunner(timeout time.Duration, maxRetries int) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Runner{
		executors:  make(map[types.EffectKind]Executor),
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    200 * time.Millisecond,
	}
}

// Register installs the executor for a kind, replacing any previous one.
func (r *Runner) Register(kind types.EffectKind, exec Executor) {
	r.executors[kind] = exec
}

// Run executes effects in order and reports one Outcome per effect.
// Failures do not stop later effects; the caller decides whether the batch
// was ok, degraded, or an error.
func (r *Runner) Run(ctx context.Context, effects []types.SideEffect) []Outcome {
	outcomes := make([]Outcome, 0, len(effects))
	for _, eff := range effects {
		outcomes = append(outcomes, r.runOne(ctx, eff))
	}
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, eff types.SideEffect) Outcome {
	exec, ok := r.executors[eff.Kind]
	if !ok {
		logging.EffectsDebug("no executor for %s, skipping", eff.Kind)
		return Outcome{Effect: eff, Skipped: true}
	}

	// Only idempotent effects get retries; everything else is one shot.
	attempts := 1
	if eff.Idempotent {
		attempts += r.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		lastErr = exec.Execute(attemptCtx, eff)
		cancel()

		if lastErr == nil {
			logging.EffectsDebug("%s succeeded (attempt %d)", eff.Kind, attempt)
			return Outcome{Effect: eff, Attempts: attempt}
		}
		logging.Get(logging.CategoryEffects).Warn("%s failed (attempt %d/%d): %v", eff.Kind, attempt, attempts, lastErr)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return Outcome{Effect: eff, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}
	}
	return Outcome{Effect: eff, Attempts: attempts, Err: lastErr}
}

// Failed returns the outcomes that ended in error.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
