package router

import (
	"context"
	"errors"
	"fmt"

	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"
)

// ApprovalHandler resolves yes/no answers to a pending quality decision.
// It matches only when both conditions hold: the text is exactly a word from
// the confirm or reject vocabulary, and the conversation has a pending
// approval. A bare "yes" with nothing pending falls through to later
// handlers.
type ApprovalHandler struct {
	store   session.Store
	machine *workflow.Machine
	tasks   task.Repository
	rules   *Rules
}

// NewApprovalHandler creates the approval handler.
func NewApprovalHandler(store session.Store, machine *workflow.Machine, tasks task.Repository, rules *Rules) *ApprovalHandler {
	return &ApprovalHandler{store: store, machine: machine, tasks: tasks, rules: rules}
}

func (h *ApprovalHandler) Name() string { return "approval" }

func (h *ApprovalHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	if !snap.Has(session.KeyPendingApproval) {
		return false
	}
	return h.rules.IsConfirm(msg.Text) || h.rules.IsReject(msg.Text)
}

func (h *ApprovalHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	if h.rules.IsConfirm(msg.Text) {
		return h.approve(ctx, msg)
	}
	return h.reject(ctx, msg)
}

func (h *ApprovalHandler) approve(ctx context.Context, msg types.InboundMessage) (*types.HandlerResult, error) {
	pa, err := h.machine.Approve(ctx, msg.ConversationID)
	if errors.Is(err, workflow.ErrNothingPending) {
		// Lost a race with another confirmation in the same conversation.
		return types.OK(h.Name(), "Nothing is awaiting approval right now."), nil
	}
	if err != nil {
		return nil, err
	}
	_ = h.store.Delete(ctx, msg.ConversationID, session.KeyActiveHandler)

	t, err := h.tasks.Get(ctx, pa.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		logging.Get(logging.CategoryRouting).Warn("approved task %s missing from repository", pa.TaskID)
		return types.OK(h.Name(), "Approved. Task record was not found, nothing to update."), nil
	}
	if err != nil {
		return nil, err
	}

	t.Status = task.StatusDone
	if err := h.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return types.OK(h.Name(),
		fmt.Sprintf("Task %q completed (quality score %d).", t.Title, pa.Decision.Score),
		notifyEffect("Task completed: %s (score %d)", t.Title, pa.Decision.Score),
		sheetEffect(t, "completed"),
	), nil
}

func (h *ApprovalHandler) reject(ctx context.Context, msg types.InboundMessage) (*types.HandlerResult, error) {
	pa, cancelled, err := h.machine.Reject(ctx, msg.ConversationID)
	if errors.Is(err, workflow.ErrNothingPending) {
		return types.OK(h.Name(), "Nothing is awaiting approval right now."), nil
	}
	if err != nil {
		return nil, err
	}

	if cancelled {
		_ = h.store.Delete(ctx, msg.ConversationID, session.KeyActiveHandler)
		if t, terr := h.tasks.Get(ctx, pa.TaskID); terr == nil {
			t.Status = task.StatusCancelled
			if uerr := h.tasks.Update(ctx, t); uerr != nil {
				return nil, uerr
			}
			return types.OK(h.Name(),
				fmt.Sprintf("Revision limit reached; %q was cancelled.", t.Title),
				notifyEffect("Task cancelled after repeated rejections: %s", t.Title),
				sheetEffect(t, "cancelled"),
			), nil
		}
		return types.OK(h.Name(), "Revision limit reached; the task was cancelled."), nil
	}

	return types.OK(h.Name(),
		fmt.Sprintf("Understood. Send an improved proof (revision %d).", pa.Revisions)), nil
}
