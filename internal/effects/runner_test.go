package effects

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/types"

	"go.uber.org/goleak"
)

// flakyExecutor fails the first failures calls, then succeeds.
type flakyExecutor struct {
	failures int
	calls    int
}

func (f *flakyExecutor) Execute(ctx context.Context, eff types.SideEffect) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient failure")
	}
	return nil
}

func TestRunnerRetriesOnlyIdempotentEffects(t *testing.T) {
	r := NewRunner(time.Second, 2)
	r.backoff = time.Millisecond

	idem := &flakyExecutor{failures: 2}
	once := &flakyExecutor{failures: 2}
	r.Register(types.EffectNotifyDiscord, idem)
	r.Register(types.EffectPersistTask, once)

	outcomes := r.Run(context.Background(), []types.SideEffect{
		{Kind: types.EffectNotifyDiscord, Idempotent: true},
		{Kind: types.EffectPersistTask, Idempotent: false},
	})

	if outcomes[0].Err != nil {
		t.Errorf("idempotent effect should succeed after retries: %v", outcomes[0].Err)
	}
	if outcomes[0].Attempts != 3 || idem.calls != 3 {
		t.Errorf("idempotent effect attempts = %d (calls %d), want 3", outcomes[0].Attempts, idem.calls)
	}

	if outcomes[1].Err == nil {
		t.Error("non-idempotent effect must not be retried into success")
	}
	if once.calls != 1 {
		t.Errorf("non-idempotent effect called %d times, want 1", once.calls)
	}
}

func TestRunnerSkipsUnregisteredKinds(t *testing.T) {
	r := NewRunner(time.Second, 0)

	outcomes := r.Run(context.Background(), []types.SideEffect{{Kind: types.EffectNotifyDiscord}})
	if len(outcomes) != 1 || !outcomes[0].Skipped || outcomes[0].Err != nil {
		t.Fatalf("expected skipped outcome for unregistered kind, got %+v", outcomes)
	}
	if len(Failed(outcomes)) != 0 {
		t.Error("skipped effects must not count as failures")
	}
}

func TestRunnerContinuesAfterFailure(t *testing.T) {
	r := NewRunner(time.Second, 0)
	r.Register(types.EffectNotifyDiscord, ExecutorFunc(func(ctx context.Context, eff types.SideEffect) error {
		return errors.New("boom")
	}))
	second := &flakyExecutor{}
	r.Register(types.EffectSendReply, second)

	outcomes := r.Run(context.Background(), []types.SideEffect{
		{Kind: types.EffectNotifyDiscord},
		{Kind: types.EffectSendReply},
	})

	if len(Failed(outcomes)) != 1 {
		t.Errorf("expected exactly one failure, got %+v", outcomes)
	}
	if second.calls != 1 {
		t.Error("later effects must still run after an earlier failure")
	}
}

func TestDiscordExecutorPostsContent(t *testing.T) {
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		buf, _ := io.ReadAll(req.Body)
		mu.Lock()
		body = string(buf)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec := NewDiscordExecutor(srv.URL, time.Second)
	err := exec.Execute(context.Background(), types.SideEffect{
		Kind:    types.EffectNotifyDiscord,
		Payload: map[string]interface{}{"text": "task done"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if body != `{"content":"task done"}` {
		t.Errorf("unexpected webhook body: %s", body)
	}
}

func TestWebhookExecutorRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := NewSheetExecutor(srv.URL, time.Second)
	err := exec.Execute(context.Background(), types.SideEffect{
		Kind:    types.EffectAppendSheet,
		Payload: map[string]interface{}{"title": "x"},
	})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSupervisorCapturesPanicsAndWaits(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewSupervisor(context.Background(), 4)

	var completed atomic.Int32
	s.Go("panics", func(ctx context.Context) error {
		panic("boom")
	})
	s.Go("fails", func(ctx context.Context) error {
		completed.Add(1)
		return errors.New("soft failure")
	})
	s.Go("succeeds", func(ctx context.Context) error {
		completed.Add(1)
		return nil
	})

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if completed.Load() != 2 {
		t.Errorf("completed = %d, want 2", completed.Load())
	}
}
