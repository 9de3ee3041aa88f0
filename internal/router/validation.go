package router

import (
	"context"
	"errors"
	"fmt"

	"taskpilot/internal/session"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"
)

// ValidationHandler collects proof while a completion flow is running.
// It matches when the workflow stage is SUBMISSION, or QUALITY_CHECK after a
// rejection sent the flow back for an improved proof.
type ValidationHandler struct {
	machine *workflow.Machine
}

// NewValidationHandler creates the validation handler.
func NewValidationHandler(machine *workflow.Machine) *ValidationHandler {
	return &ValidationHandler{machine: machine}
}

func (h *ValidationHandler) Name() string { return "validation" }

func (h *ValidationHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	switch workflow.CurrentStage(snap) {
	case workflow.StageSubmission, workflow.StageQualityCheck:
		return true
	default:
		return false
	}
}

func (h *ValidationHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	proof := workflow.Proof{Text: msg.Text, Attachments: msg.Attachments}

	pa, err := h.machine.SubmitProof(ctx, msg.ConversationID, proof)
	if errors.Is(err, workflow.ErrEmptyProof) {
		return types.OK(h.Name(), "I need something to check: describe what you did or attach a photo or link."), nil
	}
	if err != nil {
		return types.Degraded(h.Name(),
			"I could not run the quality check just now. Please resend your proof.",
			err.Error()), nil
	}

	verdict := "does not look complete"
	if pa.Decision.Passed {
		verdict = "looks complete"
	}
	return types.OK(h.Name(), fmt.Sprintf(
		"Quality check: %s (score %d). %s\nApprove completion? (yes/no)",
		verdict, pa.Decision.Score, pa.Decision.Summary)), nil
}
