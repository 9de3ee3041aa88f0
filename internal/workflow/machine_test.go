package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"taskpilot/internal/session"
)

// stubScorer returns a fixed decision, or an error when failing is set.
type stubScorer struct {
	decision Decision
	failing  bool
	calls    int
}

func (s *stubScorer) Score(ctx context.Context, taskID string, proof Proof) (Decision, error) {
	s.calls++
	if s.failing {
		return Decision{}, errors.New("scorer unavailable")
	}
	return s.decision, nil
}

func newTestMachine(t *testing.T, maxRevisions int) (*Machine, session.Store, *stubScorer) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	scorer := &stubScorer{decision: Decision{Score: 85, Summary: "looks done", Passed: true}}
	return NewMachine(store, scorer, time.Hour, maxRevisions), store, scorer
}

func TestHappyPathVisitsEveryStageInOrder(t *testing.T) {
	m, store, scorer := newTestMachine(t, 3)
	ctx := context.Background()

	inst, err := m.Begin(ctx, "conv-1", "task-42")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if inst.Stage != StageSubmission {
		t.Errorf("expected SUBMISSION after Begin, got %s", inst.Stage)
	}
	if got := CurrentStage(store.Snapshot(ctx, "conv-1")); got != StageSubmission {
		t.Errorf("snapshot stage = %s, want SUBMISSION", got)
	}

	pa, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "deployed and verified"})
	if err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if scorer.calls != 1 {
		t.Errorf("scorer called %d times, want 1", scorer.calls)
	}
	if pa.TaskID != "task-42" || pa.Decision.Score != 85 {
		t.Errorf("unexpected pending approval: %+v", pa)
	}
	if got := CurrentStage(store.Snapshot(ctx, "conv-1")); got != StageApprovalRequest {
		t.Errorf("stage after proof = %s, want APPROVAL_REQUEST", got)
	}

	done, err := m.Approve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if done.InstanceID != inst.InstanceID {
		t.Errorf("approved instance %s, want %s", done.InstanceID, inst.InstanceID)
	}

	// Completion is terminal: no workflow keys remain.
	snap := store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyTaskStage) || snap.Has(session.KeyPendingApproval) {
		t.Errorf("expected workflow keys cleared, got %v", snap)
	}
}

func TestApproveWithoutPending(t *testing.T) {
	m, _, _ := newTestMachine(t, 3)

	if _, err := m.Approve(context.Background(), "conv-1"); !errors.Is(err, ErrNothingPending) {
		t.Errorf("expected ErrNothingPending, got %v", err)
	}
}

func TestApproveCannotSkipQualityCheck(t *testing.T) {
	m, store, _ := newTestMachine(t, 3)
	ctx := context.Background()

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// Forge a pending approval while the stage is still SUBMISSION; the
	// transition guard must refuse to complete.
	payload, _ := json.Marshal(PendingApproval{InstanceID: "forged", TaskID: "task-42"})
	if err := store.Set(ctx, "conv-1", session.KeyPendingApproval, string(payload), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := m.Approve(ctx, "conv-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRejectLoopsBackAndAllowsResubmission(t *testing.T) {
	m, store, _ := newTestMachine(t, 3)
	ctx := context.Background()

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "first attempt"}); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}

	pa, cancelled, err := m.Reject(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if cancelled {
		t.Fatal("first rejection must not cancel")
	}
	if pa.Revisions != 1 {
		t.Errorf("revisions = %d, want 1", pa.Revisions)
	}

	snap := store.Snapshot(ctx, "conv-1")
	if got := CurrentStage(snap); got != StageQualityCheck {
		t.Errorf("stage after rejection = %s, want QUALITY_CHECK", got)
	}
	if snap.Has(session.KeyPendingApproval) {
		t.Error("pending approval must be cleared on rejection")
	}

	// Improved proof goes around the loop again.
	pa2, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "second attempt"})
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if pa2.Revisions != 1 {
		t.Errorf("resubmitted pending revisions = %d, want 1", pa2.Revisions)
	}
	if _, err := m.Approve(ctx, "conv-1"); err != nil {
		t.Fatalf("Approve after resubmission failed: %v", err)
	}
}

func TestRevisionBudgetExhaustionCancels(t *testing.T) {
	m, store, _ := newTestMachine(t, 1)
	ctx := context.Background()

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "attempt 1"}); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}

	if _, cancelled, err := m.Reject(ctx, "conv-1"); err != nil || cancelled {
		t.Fatalf("first rejection: cancelled=%v err=%v", cancelled, err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "attempt 2"}); err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}

	_, cancelled, err := m.Reject(ctx, "conv-1")
	if err != nil {
		t.Fatalf("second rejection failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected forced cancellation after exhausting revisions")
	}

	snap := store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyTaskStage) || snap.Has(session.KeyPendingApproval) {
		t.Errorf("expected workflow keys cleared after cancellation, got %v", snap)
	}
}

func TestBeginTwiceIsRejected(t *testing.T) {
	m, _, _ := newTestMachine(t, 3)
	ctx := context.Background()

	if _, err := m.Begin(ctx, "conv-1", "task-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.Begin(ctx, "conv-1", "task-2"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}

	// A different conversation is unaffected.
	if _, err := m.Begin(ctx, "conv-2", "task-2"); err != nil {
		t.Errorf("Begin in another conversation failed: %v", err)
	}
}

func TestSubmitProofGuards(t *testing.T) {
	m, _, _ := newTestMachine(t, 3)
	ctx := context.Background()

	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "x"}); !errors.Is(err, ErrNotInValidation) {
		t.Errorf("expected ErrNotInValidation, got %v", err)
	}

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{}); !errors.Is(err, ErrEmptyProof) {
		t.Errorf("expected ErrEmptyProof, got %v", err)
	}
}

func TestScorerFailureKeepsFlowResubmittable(t *testing.T) {
	m, store, scorer := newTestMachine(t, 3)
	scorer.failing = true
	ctx := context.Background()

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "attempt"}); err == nil {
		t.Fatal("expected error from failing scorer")
	}

	snap := store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyPendingApproval) {
		t.Error("no pending approval should exist after scorer failure")
	}
	if got := CurrentStage(snap); got != StageQualityCheck {
		t.Errorf("stage after scorer failure = %s, want QUALITY_CHECK", got)
	}

	scorer.failing = false
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "retry"}); err != nil {
		t.Errorf("resubmission after scorer recovery failed: %v", err)
	}
}

func TestCancelFromAnyStage(t *testing.T) {
	m, store, _ := newTestMachine(t, 3)
	ctx := context.Background()

	if err := m.Cancel(ctx, "conv-1"); !errors.Is(err, ErrNotInValidation) {
		t.Errorf("expected ErrNotInValidation, got %v", err)
	}

	if _, err := m.Begin(ctx, "conv-1", "task-42"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := m.SubmitProof(ctx, "conv-1", Proof{Text: "work"}); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if err := m.Cancel(ctx, "conv-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	snap := store.Snapshot(ctx, "conv-1")
	if snap.Has(session.KeyTaskStage) || snap.Has(session.KeyPendingApproval) {
		t.Errorf("expected workflow keys cleared after cancel, got %v", snap)
	}
}

func TestParseStage(t *testing.T) {
	cases := map[string]Stage{
		"SUBMISSION":       StageSubmission,
		"QUALITY_CHECK":    StageQualityCheck,
		"APPROVAL_REQUEST": StageApprovalRequest,
		"COMPLETION":       StageCompletion,
		"CANCELLED":        StageCancelled,
		"submission":       "",
		"bogus":            "",
		"":                 "",
	}
	for raw, want := range cases {
		if got := ParseStage(raw); got != want {
			t.Errorf("ParseStage(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCurrentStageAcceptsPlainStageValues(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "conv-1", session.KeyTaskStage, "SUBMISSION", time.Hour)
	if got := CurrentStage(store.Snapshot(ctx, "conv-1")); got != StageSubmission {
		t.Errorf("CurrentStage = %s, want SUBMISSION", got)
	}

	_ = store.Set(ctx, "conv-1", session.KeyTaskStage, "garbage", time.Hour)
	if got := CurrentStage(store.Snapshot(ctx, "conv-1")); got != "" {
		t.Errorf("CurrentStage on garbage = %q, want empty", got)
	}
}
