package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
)

var (
	assignPattern = regexp.MustCompile(`(?i)\b(?:assign|reassign|hand)\b.*?\bto\s+(\S+)`)
	renamePattern = regexp.MustCompile(`(?i)\b(?:rename|retitle)\b.*?\bto\s+(.+)$`)
)

// ModificationHandler edits the latest open task based on keyword matches.
// It runs after the query handler, so text containing both query and
// modification keywords reads state instead of changing it.
type ModificationHandler struct {
	tasks task.Repository
	rules *Rules
}

// NewModificationHandler creates the modification handler.
func NewModificationHandler(tasks task.Repository, rules *Rules) *ModificationHandler {
	return &ModificationHandler{tasks: tasks, rules: rules}
}

func (h *ModificationHandler) Name() string { return "modification" }

func (h *ModificationHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	return h.rules.MatchesModification(msg.Text)
}

func (h *ModificationHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	t, err := h.tasks.FindActive(ctx, msg.ConversationID, task.StatusOpen, task.StatusInValidation)
	if errors.Is(err, task.ErrNotFound) {
		return types.OK(h.Name(), "There is no open task to change. Create one with /task."), nil
	}
	if err != nil {
		return nil, err
	}

	if m := assignPattern.FindStringSubmatch(msg.Text); m != nil {
		t.Assignee = strings.Trim(m[1], ".,!?")
		if err := h.tasks.Update(ctx, t); err != nil {
			return nil, err
		}
		return types.OK(h.Name(),
			fmt.Sprintf("Reassigned %q to %s.", t.Title, t.Assignee),
			notifyEffect("%s is now assigned to %s", t.Title, t.Assignee),
			sheetEffect(t, "assigned"),
			replyEffect("user:"+t.Assignee, "You were assigned %q.", t.Title),
		), nil
	}

	if m := renamePattern.FindStringSubmatch(msg.Text); m != nil {
		t.Title = strings.TrimSpace(m[1])
		if err := h.tasks.Update(ctx, t); err != nil {
			return nil, err
		}
		return types.OK(h.Name(),
			fmt.Sprintf("Renamed the task to %q.", t.Title),
			sheetEffect(t, "renamed"),
		), nil
	}

	return types.OK(h.Name(), fmt.Sprintf(
		"I can change %q, but I need specifics: try \"assign it to <person>\" or \"rename it to <title>\".",
		t.Title)), nil
}
