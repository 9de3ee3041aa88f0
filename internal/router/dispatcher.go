package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/classifier"
	"taskpilot/internal/effects"
	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"
)

// Dispatcher routes each inbound message to exactly one handler.
// Messages within one conversation are serialized; different conversations
// route concurrently.
type Dispatcher struct {
	handlers []Handler
	store    session.Store
	runner   *effects.Runner
	super    *effects.Supervisor
	ttl      time.Duration

	locks sync.Map // conversationID -> *sync.Mutex
}

// NewDispatcher creates a dispatcher with the given handler priority order.
// The order is fixed at construction; earlier handlers win ties.
func NewDispatcher(store session.Store, runner *effects.Runner, ttl time.Duration, handlers ...Handler) *Dispatcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Dispatcher{handlers: handlers, store: store, runner: runner, ttl: ttl}
}

// SetSupervisor enables background redelivery: idempotent effects that
// exhausted their synchronous retries get one more attempt off the request
// path.
func (d *Dispatcher) SetSupervisor(s *effects.Supervisor) {
	d.super = s
}

// NewDefaultDispatcher assembles the production priority order:
// command > approval > validation > query > modification > fallback.
// Query outranks modification so ambiguous text gets the read-only
// interpretation.
func NewDefaultDispatcher(
	store session.Store,
	runner *effects.Runner,
	machine *workflow.Machine,
	tasks task.Repository,
	rules *Rules,
	intents classifier.IntentClassifier,
	ttl time.Duration,
) *Dispatcher {
	return NewDispatcher(store, runner, ttl,
		NewCommandHandler(store, machine, tasks),
		NewApprovalHandler(store, machine, tasks, rules),
		NewValidationHandler(machine),
		NewQueryHandler(tasks, rules),
		NewModificationHandler(tasks, rules),
		NewFallbackHandler(tasks, intents),
	)
}

// Handlers returns the priority order, for diagnostics.
func (d *Dispatcher) Handlers() []string {
	names := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		names[i] = h.Name()
	}
	return names
}

// Route processes one message end to end: snapshot, capability probe in
// priority order, handler execution, side effects. It always returns a
// result; handler errors and panics become error results, never a crash.
func (d *Dispatcher) Route(ctx context.Context, msg types.InboundMessage) *types.HandlerResult {
	timer := logging.StartTimer(logging.CategoryRouting, "Route")
	defer timer.Stop()

	mu := d.lockFor(msg.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	// One snapshot per message: every CanHandle sees the same state even if
	// the winning handler later mutates it.
	snap := d.store.Snapshot(ctx, msg.ConversationID)

	var chosen Handler
	var matched []string
	for _, h := range d.handlers {
		if safeCanHandle(h, msg, snap) {
			matched = append(matched, h.Name())
			if chosen == nil {
				chosen = h
			}
		}
	}

	if chosen == nil {
		logging.Get(logging.CategoryRouting).Error("no handler matched message %s", msg.ID)
		return types.Error("dispatcher", "Sorry, I could not process that message.", "no handler matched")
	}
	if len(matched) > 1 {
		logging.Routing("message %s matched %v, %s wins by priority", msg.ID, matched, chosen.Name())
	} else {
		logging.RoutingDebug("message %s -> %s", msg.ID, chosen.Name())
	}

	result := d.invoke(ctx, chosen, msg, snap)
	result = d.applyEffects(ctx, result)
	d.recordContext(ctx, msg, result)
	return result
}

// safeCanHandle probes eligibility. A panicking capability check is a
// programming defect; the handler is logged and skipped for this message.
func safeCanHandle(h Handler, msg types.InboundMessage, snap session.Snapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryRouting).Error("CanHandle panicked in %s, skipping: %v", h.Name(), r)
			ok = false
		}
	}()
	return h.CanHandle(msg, snap)
}

// invoke runs the handler with panic isolation.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg types.InboundMessage, snap session.Snapshot) (result *types.HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryRouting).Error("handler %s panicked on message %s: %v\n%s", h.Name(), msg.ID, r, debug.Stack())
			result = types.Error(h.Name(), "Sorry, something went wrong handling that message.", fmt.Sprintf("panic: %v", r))
		}
	}()

	result, err := h.Handle(ctx, msg, snap)
	if err != nil {
		logging.Get(logging.CategoryRouting).Error("handler %s failed on message %s: %v", h.Name(), msg.ID, err)
		return types.Error(h.Name(), "Sorry, something went wrong handling that message.", err.Error())
	}
	if result == nil {
		return types.Error(h.Name(), "Sorry, something went wrong handling that message.", "handler returned no result")
	}
	return result
}

// applyEffects executes the result's effects and downgrades the status when
// they fail: a failed persist is an error, any other failure degrades.
func (d *Dispatcher) applyEffects(ctx context.Context, result *types.HandlerResult) *types.HandlerResult {
	if d.runner == nil || len(result.Effects) == 0 || result.IsError() {
		return result
	}

	failed := effects.Failed(d.runner.Run(ctx, result.Effects))
	if len(failed) == 0 {
		return result
	}

	var kinds []string
	persistFailed := false
	for _, o := range failed {
		kinds = append(kinds, string(o.Effect.Kind))
		if o.Effect.Kind == types.EffectPersistTask {
			persistFailed = true
		}
		if o.Effect.Idempotent && d.super != nil {
			eff := o.Effect
			d.super.Go("redeliver-"+string(eff.Kind), func(ctx context.Context) error {
				out := d.runner.Run(ctx, []types.SideEffect{eff})
				return out[0].Err
			})
		}
	}
	detail := fmt.Sprintf("failed effects: %s", strings.Join(kinds, ", "))

	if persistFailed {
		logging.Get(logging.CategoryRouting).Error("%s: primary effect lost (%s)", result.Handler, detail)
		return types.Error(result.Handler, "Sorry, I could not save that. Please try again.", detail)
	}
	logging.Get(logging.CategoryRouting).Warn("%s degraded (%s)", result.Handler, detail)
	return types.Degraded(result.Handler, result.Message, detail)
}

// recordContext keeps a short rolling trace of the conversation for
// diagnostics and the fallback classifier prompt.
func (d *Dispatcher) recordContext(ctx context.Context, msg types.InboundMessage, result *types.HandlerResult) {
	text := msg.Text
	if len(text) > 200 {
		text = text[:200]
	}
	entry := fmt.Sprintf("%s|%s|%s", msg.Timestamp.Format(time.RFC3339), result.Handler, text)
	if err := d.store.Set(ctx, msg.ConversationID, session.KeyConversationContext, entry, d.ttl); err != nil {
		logging.SessionDebug("failed to record conversation context: %v", err)
	}
}

func (d *Dispatcher) lockFor(conversationID string) *sync.Mutex {
	v, _ := d.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
