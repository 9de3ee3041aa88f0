package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/classifier"
	"taskpilot/internal/config"
	"taskpilot/internal/effects"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"

	"go.uber.org/goleak"
)

// passingScorer approves everything.
type passingScorer struct{}

func (passingScorer) Score(ctx context.Context, taskID string, proof workflow.Proof) (workflow.Decision, error) {
	return workflow.Decision{Score: 90, Summary: "All checks passed.", Passed: true}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      session.Store
	tasks      task.Repository
	machine    *workflow.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	repo, err := task.NewSQLiteRepository(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("task repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	machine := workflow.NewMachine(store, passingScorer{}, time.Hour, 3)
	rules := NewRules(config.Default().Router)

	runner := effects.NewRunner(time.Second, 0)
	runner.Register(types.EffectPersistTask, effects.NewPersistExecutor(repo))

	d := NewDefaultDispatcher(store, runner, machine, repo, rules, classifier.NewStatic(), time.Hour)
	return &fixture{dispatcher: d, store: store, tasks: repo, machine: machine}
}

func msg(conv, text string) types.InboundMessage {
	return types.NewInboundMessage(conv, "user-1", text)
}

func TestPriorityOrderIsFixed(t *testing.T) {
	f := newFixture(t)

	want := []string{"command", "approval", "validation", "query", "modification", "fallback"}
	got := f.dispatcher.Handlers()
	if len(got) != len(want) {
		t.Fatalf("handler count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("priority[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSlashCommandCreatesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.dispatcher.Route(ctx, msg("conv-1", "/task Fix login bug"))
	if res.Handler != "command" || res.Status != types.StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Message, "Fix login bug") {
		t.Errorf("reply should name the task: %q", res.Message)
	}

	open, err := f.tasks.ListOpen(ctx, "conv-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 persisted task, got %d (err=%v)", len(open), err)
	}
	if open[0].Title != "Fix login bug" {
		t.Errorf("persisted title = %q", open[0].Title)
	}
}

func TestStatusWithNoSessionUsesQueryHandler(t *testing.T) {
	f := newFixture(t)

	res := f.dispatcher.Route(context.Background(), msg("conv-1", "what's the status?"))
	if res.Handler != "query" {
		t.Fatalf("handler = %s, want query", res.Handler)
	}
	if !strings.Contains(res.Message, "No open tasks") {
		t.Errorf("unexpected reply: %q", res.Message)
	}
}

func TestConfirmationWithoutPendingFallsThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.dispatcher.Route(ctx, msg("conv-1", "yes"))
	if res.Handler == "approval" {
		t.Fatal("bare confirmation with nothing pending must not reach the approval handler")
	}
	if res.Handler != "fallback" {
		t.Errorf("handler = %s, want fallback", res.Handler)
	}

	// Nothing may have been created or staged.
	if open, _ := f.tasks.ListOpen(ctx, "conv-1"); len(open) != 0 {
		t.Errorf("fall-through must not create tasks, got %d", len(open))
	}
	snap := f.store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyTaskStage) || snap.Has(session.KeyPendingApproval) {
		t.Errorf("fall-through must not stage workflow state: %v", snap)
	}
}

func TestNonsenseYieldsClarificationWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.dispatcher.Route(ctx, msg("conv-1", "xyzzy plugh"))
	if res.Handler != "fallback" || res.Status != types.StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Message, "/help") {
		t.Errorf("clarification should point to /help: %q", res.Message)
	}
	if open, _ := f.tasks.ListOpen(ctx, "conv-1"); len(open) != 0 {
		t.Error("UNKNOWN intent must not create tasks")
	}
}

func TestFallbackCreatesTaskFromIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.dispatcher.Route(ctx, msg("conv-1", "we need to prepare the quarterly report"))
	if res.Handler != "fallback" || res.Status != types.StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}

	open, _ := f.tasks.ListOpen(ctx, "conv-1")
	if len(open) != 1 {
		t.Fatalf("expected 1 task, got %d", len(open))
	}
	if open[0].Title != "prepare the quarterly report" {
		t.Errorf("title = %q, want lead-in trimmed", open[0].Title)
	}
}

func TestFullValidationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Route(ctx, msg("conv-1", "/task Ship the release"))
	res := f.dispatcher.Route(ctx, msg("conv-1", "/done"))
	if res.Handler != "command" || !strings.Contains(res.Message, "proof") {
		t.Fatalf("unexpected /done result: %+v", res)
	}

	// Proof message is owned by the validation handler while staged.
	res = f.dispatcher.Route(ctx, msg("conv-1", "deployed to production, smoke tests green"))
	if res.Handler != "validation" {
		t.Fatalf("proof routed to %s, want validation", res.Handler)
	}
	if !strings.Contains(res.Message, "yes/no") {
		t.Errorf("expected approval prompt, got %q", res.Message)
	}

	// First answer: rejection loops back for improved proof.
	res = f.dispatcher.Route(ctx, msg("conv-1", "no"))
	if res.Handler != "approval" || !strings.Contains(res.Message, "improved proof") {
		t.Fatalf("unexpected rejection result: %+v", res)
	}

	res = f.dispatcher.Route(ctx, msg("conv-1", "added release notes and monitoring links"))
	if res.Handler != "validation" {
		t.Fatalf("resubmitted proof routed to %s, want validation", res.Handler)
	}

	res = f.dispatcher.Route(ctx, msg("conv-1", "yes"))
	if res.Handler != "approval" || !strings.Contains(res.Message, "completed") {
		t.Fatalf("unexpected approval result: %+v", res)
	}

	done, err := f.tasks.FindActive(ctx, "conv-1", task.StatusDone)
	if err != nil {
		t.Fatalf("expected a done task: %v", err)
	}
	if done.Title != "Ship the release" {
		t.Errorf("done task = %q", done.Title)
	}

	snap := f.store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyTaskStage) || snap.Has(session.KeyPendingApproval) || snap.Has(session.KeyActiveHandler) {
		t.Errorf("completion must clear workflow keys, got %v", snap)
	}
}

func TestConcurrentConfirmationsCompleteOnce(t *testing.T) {
	// The task repository's sql.DB is still open when this runs.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// opencensus starts a background worker in its package init.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)

	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Route(ctx, msg("conv-1", "/task Audit permissions"))
	f.dispatcher.Route(ctx, msg("conv-1", "/done"))
	f.dispatcher.Route(ctx, msg("conv-1", "checked every role against the matrix"))

	const n = 8
	results := make([]*types.HandlerResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.dispatcher.Route(ctx, msg("conv-1", "yes"))
		}(i)
	}
	wg.Wait()

	completions := 0
	for _, res := range results {
		if strings.Contains(res.Message, "completed") {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("exactly one confirmation must win, got %d", completions)
	}
}

// panicky always matches and always panics.
type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	return true
}
func (panicky) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	panic("handler bug")
}

func TestHandlerPanicBecomesErrorResult(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()

	d := NewDispatcher(store, nil, time.Hour, panicky{})
	res := d.Route(context.Background(), msg("conv-1", "anything"))
	if res.Status != types.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Detail, "panic") {
		t.Errorf("detail should record the panic: %q", res.Detail)
	}
}

func TestConversationContextIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Route(ctx, msg("conv-1", "/help"))
	snap := f.store.Snapshot(ctx, "conv-1")
	entry, ok := snap.Get(session.KeyConversationContext)
	if !ok {
		t.Fatal("expected conversation context to be recorded")
	}
	if !strings.Contains(entry, "command") || !strings.Contains(entry, "/help") {
		t.Errorf("context entry = %q", entry)
	}
}
