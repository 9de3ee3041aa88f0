// Package workflow implements the multi-turn task validation flow:
// proof submission, quality check, approval request, completion. The live
// state of one validation lives in the session store under the task_stage
// and pending_approval keys; this package owns those keys and is the only
// writer of them.
package workflow

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/types"

	"github.com/oklog/ulid/v2"
)

// Stage is the current phase of a task's proof/approval lifecycle.
type Stage string

const (
	StageSubmission      Stage = "SUBMISSION"
	StageQualityCheck    Stage = "QUALITY_CHECK"
	StageApprovalRequest Stage = "APPROVAL_REQUEST"
	StageCompletion      Stage = "COMPLETION"
	StageCancelled       Stage = "CANCELLED"
)

// ParseStage normalizes a raw stage value. Unknown values map to the empty
// Stage, which callers treat as "not in validation".
func ParseStage(raw string) Stage {
	switch Stage(raw) {
	case StageSubmission, StageQualityCheck, StageApprovalRequest, StageCompletion, StageCancelled:
		return Stage(raw)
	default:
		return ""
	}
}

// transitions is the allowed forward edge set. CANCELLED is reachable from
// any state via Cancel and is not listed here.
var transitions = map[Stage][]Stage{
	StageSubmission:      {StageQualityCheck},
	StageQualityCheck:    {StageApprovalRequest},
	StageApprovalRequest: {StageCompletion, StageQualityCheck},
}

func canTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Errors surfaced to the routing layer. These are state errors answered with
// a user-visible message ("nothing pending"), never crashes.
var (
	ErrNothingPending    = errors.New("no pending approval for this conversation")
	ErrNotInValidation   = errors.New("conversation is not in a validation flow")
	ErrAlreadyActive     = errors.New("a validation flow is already active")
	ErrEmptyProof        = errors.New("proof submission is empty")
	ErrInvalidTransition = errors.New("invalid workflow transition")
)

// =============================================================================
// DATA CARRIED IN SESSION KEYS
// =============================================================================

// Instance is the live state of one task's validation. It is stored as JSON
// under the task_stage session key; created when a task enters validation,
// destroyed on completion or cancellation.
type Instance struct {
	Stage      Stage     `json:"stage"`
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id"`
	Revisions  int       `json:"revisions"`
	StartedAt  time.Time `json:"started_at"`
}

// Proof is the material collected during SUBMISSION.
type Proof struct {
	Text        string             `json:"text"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// Decision is the quality scorer's verdict awaiting user confirmation.
type Decision struct {
	Score   int    `json:"score"` // 0-100
	Summary string `json:"summary"`
	Passed  bool   `json:"passed"`
}

// PendingApproval is the record stored under the pending_approval key while
// a decision awaits a yes/no. At most one exists per conversation.
type PendingApproval struct {
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id"`
	Decision   Decision  `json:"decision"`
	Revisions  int       `json:"revisions"`
	CreatedAt  time.Time `json:"created_at"`
}

// QualityScorer judges collected proof. External collaborator boundary:
// implementations may call an LLM or apply a local rubric.
type QualityScorer interface {
	Score(ctx context.Context, taskID string, proof Proof) (Decision, error)
}

// =============================================================================
// TYPED SESSION ACCESSORS
// =============================================================================

// decodeInstance parses a task_stage value. Plain stage strings (legacy or
// hand-seeded state) are accepted and wrapped in a bare Instance.
func decodeInstance(raw string) (Instance, bool) {
	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err == nil && inst.Stage != "" {
		return inst, true
	}
	if stage := ParseStage(raw); stage != "" {
		return Instance{Stage: stage}, true
	}
	return Instance{}, false
}

// CurrentStage reads the conversation's stage from a session snapshot.
// Absence of the task_stage key means "not in validation".
func CurrentStage(snap session.Snapshot) Stage {
	raw, ok := snap.Get(session.KeyTaskStage)
	if !ok {
		return ""
	}
	inst, ok := decodeInstance(raw)
	if !ok {
		return ""
	}
	return inst.Stage
}

// PendingFromSnapshot decodes the pending approval from a session snapshot.
func PendingFromSnapshot(snap session.Snapshot) (*PendingApproval, bool) {
	raw, ok := snap.Get(session.KeyPendingApproval)
	if !ok {
		return nil, false
	}
	var pa PendingApproval
	if err := json.Unmarshal([]byte(raw), &pa); err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("corrupt pending_approval payload: %v", err)
		return nil, false
	}
	return &pa, true
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine drives workflow transitions against the session store.
// Callers must serialize operations per conversation (the dispatcher does).
type Machine struct {
	store        session.Store
	scorer       QualityScorer
	ttl          time.Duration
	maxRevisions int
}

// NewMachine creates a workflow machine.
func NewMachine(store session.Store, scorer QualityScorer, ttl time.Duration, maxRevisions int) *Machine {
	if maxRevisions <= 0 {
		maxRevisions = 3
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Machine{store: store, scorer: scorer, ttl: ttl, maxRevisions: maxRevisions}
}

// TTL returns the session lifetime applied to workflow keys.
func (m *Machine) TTL() time.Duration { return m.ttl }

// Begin enters a task into validation: stage becomes SUBMISSION.
func (m *Machine) Begin(ctx context.Context, conversationID, taskID string) (*Instance, error) {
	if _, ok := m.instance(ctx, conversationID); ok {
		return nil, ErrAlreadyActive
	}

	inst := Instance{
		Stage:      StageSubmission,
		InstanceID: ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		TaskID:     taskID,
		StartedAt:  time.Now(),
	}
	if err := m.writeInstance(ctx, conversationID, inst); err != nil {
		return nil, err
	}

	logging.Workflow("begin validation: conv=%s task=%s instance=%s", conversationID, taskID, inst.InstanceID)
	return &inst, nil
}

// SubmitProof advances SUBMISSION -> QUALITY_CHECK -> APPROVAL_REQUEST.
// The two hops happen in one call because the quality check is synchronous
// from the conversation's point of view: proof arrives, the scorer runs,
// and the decision is parked under pending_approval awaiting a yes/no.
// A conversation already looped back to QUALITY_CHECK by a rejection
// resubmits through the same path.
func (m *Machine) SubmitProof(ctx context.Context, conversationID string, proof Proof) (*PendingApproval, error) {
	timer := logging.StartTimer(logging.CategoryWorkflow, "SubmitProof")
	defer timer.Stop()

	inst, ok := m.instance(ctx, conversationID)
	if !ok {
		return nil, ErrNotInValidation
	}
	if inst.Stage != StageSubmission && inst.Stage != StageQualityCheck {
		return nil, fmt.Errorf("%w: stage is %q", ErrInvalidTransition, inst.Stage)
	}
	if proof.Text == "" && len(proof.Attachments) == 0 {
		return nil, ErrEmptyProof
	}

	if inst.Stage == StageSubmission {
		inst.Stage = StageQualityCheck
		if err := m.writeInstance(ctx, conversationID, inst); err != nil {
			return nil, err
		}
	}

	decision, err := m.scorer.Score(ctx, inst.TaskID, proof)
	if err != nil {
		// Scoring failed: stay in QUALITY_CHECK so the user can resubmit.
		logging.Get(logging.CategoryWorkflow).Error("quality scorer failed: conv=%s: %v", conversationID, err)
		return nil, fmt.Errorf("quality check failed: %w", err)
	}

	pa := PendingApproval{
		InstanceID: inst.InstanceID,
		TaskID:     inst.TaskID,
		Decision:   decision,
		Revisions:  inst.Revisions,
		CreatedAt:  time.Now(),
	}
	payload, err := json.Marshal(pa)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending approval: %w", err)
	}
	if err := m.store.Set(ctx, conversationID, session.KeyPendingApproval, string(payload), m.ttl); err != nil {
		return nil, err
	}

	inst.Stage = StageApprovalRequest
	if err := m.writeInstance(ctx, conversationID, inst); err != nil {
		return nil, err
	}

	logging.Workflow("decision pending: conv=%s task=%s score=%d revisions=%d",
		conversationID, pa.TaskID, decision.Score, pa.Revisions)
	return &pa, nil
}

// Approve confirms the pending decision: APPROVAL_REQUEST -> COMPLETION.
// Completion is terminal; all workflow keys are cleared.
func (m *Machine) Approve(ctx context.Context, conversationID string) (*PendingApproval, error) {
	pa, err := m.pending(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	inst, ok := m.instance(ctx, conversationID)
	if !ok || !canTransition(inst.Stage, StageCompletion) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Stage, StageCompletion)
	}

	if err := m.clear(ctx, conversationID); err != nil {
		return nil, err
	}
	logging.Workflow("completed: conv=%s task=%s instance=%s", conversationID, pa.TaskID, pa.InstanceID)
	return pa, nil
}

// Reject sends the decision back for revision: APPROVAL_REQUEST ->
// QUALITY_CHECK, bounded by the revision budget. Exhausting the budget
// cancels the workflow; the returned cancelled flag distinguishes the two.
func (m *Machine) Reject(ctx context.Context, conversationID string) (pa *PendingApproval, cancelled bool, err error) {
	pa, err = m.pending(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}

	inst, ok := m.instance(ctx, conversationID)
	if !ok || !canTransition(inst.Stage, StageQualityCheck) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Stage, StageQualityCheck)
	}

	if pa.Revisions+1 > m.maxRevisions {
		logging.Workflow("revision budget exhausted: conv=%s task=%s revisions=%d", conversationID, pa.TaskID, pa.Revisions)
		if err := m.clear(ctx, conversationID); err != nil {
			return nil, false, err
		}
		return pa, true, nil
	}

	if err := m.store.Delete(ctx, conversationID, session.KeyPendingApproval); err != nil {
		return nil, false, err
	}

	inst.Stage = StageQualityCheck
	inst.Revisions = pa.Revisions + 1
	if err := m.writeInstance(ctx, conversationID, inst); err != nil {
		return nil, false, err
	}

	logging.Workflow("revision requested: conv=%s task=%s revisions=%d/%d",
		conversationID, inst.TaskID, inst.Revisions, m.maxRevisions)
	pa.Revisions = inst.Revisions
	return pa, false, nil
}

// Cancel aborts the workflow from any state and clears all workflow keys.
func (m *Machine) Cancel(ctx context.Context, conversationID string) error {
	if _, ok := m.instance(ctx, conversationID); !ok {
		return ErrNotInValidation
	}
	logging.Workflow("cancelled: conv=%s", conversationID)
	return m.clear(ctx, conversationID)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (m *Machine) instance(ctx context.Context, conversationID string) (Instance, bool) {
	raw, ok := m.store.Get(ctx, conversationID, session.KeyTaskStage)
	if !ok {
		return Instance{}, false
	}
	return decodeInstance(raw)
}

func (m *Machine) writeInstance(ctx context.Context, conversationID string, inst Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode workflow instance: %w", err)
	}
	logging.WorkflowDebug("stage -> %s (conv=%s revisions=%d)", inst.Stage, conversationID, inst.Revisions)
	return m.store.Set(ctx, conversationID, session.KeyTaskStage, string(payload), m.ttl)
}

func (m *Machine) pending(ctx context.Context, conversationID string) (*PendingApproval, error) {
	raw, ok := m.store.Get(ctx, conversationID, session.KeyPendingApproval)
	if !ok {
		return nil, ErrNothingPending
	}
	var pa PendingApproval
	if err := json.Unmarshal([]byte(raw), &pa); err != nil {
		return nil, fmt.Errorf("corrupt pending approval record: %w", err)
	}
	return &pa, nil
}

// clear removes every workflow key. Terminal states leave no residue.
func (m *Machine) clear(ctx context.Context, conversationID string) error {
	for _, key := range []string{session.KeyTaskStage, session.KeyPendingApproval} {
		if err := m.store.Delete(ctx, conversationID, key); err != nil {
			return err
		}
	}
	return nil
}
