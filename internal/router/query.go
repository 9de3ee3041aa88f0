package router

import (
	"context"
	"fmt"
	"strings"

	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
)

// QueryHandler answers read-only questions about task state. It matches on
// query keywords and never mutates anything; it outranks the modification
// handler so ambiguous text gets the safe read-only interpretation.
type QueryHandler struct {
	tasks task.Repository
	rules *Rules
}

// NewQueryHandler creates the query handler.
func NewQueryHandler(tasks task.Repository, rules *Rules) *QueryHandler {
	return &QueryHandler{tasks: tasks, rules: rules}
}

func (h *QueryHandler) Name() string { return "query" }

func (h *QueryHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	return h.rules.MatchesQuery(msg.Text)
}

func (h *QueryHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	return listOpenTasks(ctx, h.Name(), h.tasks, msg.ConversationID)
}

// listOpenTasks formats the open-task listing shared by /status, the query
// handler, and the fallback's STATUS_QUERY branch.
func listOpenTasks(ctx context.Context, handler string, tasks task.Repository, conversationID string) (*types.HandlerResult, error) {
	open, err := tasks.ListOpen(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return types.OK(handler, "No open tasks in this conversation."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Open tasks (%d):\n", len(open))
	for _, t := range open {
		line := fmt.Sprintf("- %s [%s]", t.Title, t.Status)
		if t.Assignee != "" {
			line += " @" + t.Assignee
		}
		b.WriteString(line + "\n")
	}
	return types.OK(handler, strings.TrimRight(b.String(), "\n")), nil
}
