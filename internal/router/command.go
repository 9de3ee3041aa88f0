package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"
)

// command is one slash command in the registry.
type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error)
}

// CommandHandler owns messages starting with "/". Highest routing priority:
// an explicit command always beats keyword and AI matching.
type CommandHandler struct {
	store    session.Store
	machine  *workflow.Machine
	tasks    task.Repository
	registry map[string]*command
}

// NewCommandHandler builds the handler and its command registry.
func NewCommandHandler(store session.Store, machine *workflow.Machine, tasks task.Repository) *CommandHandler {
	h := &CommandHandler{
		store:   store,
		machine: machine,
		tasks:   tasks,
	}
	h.registry = map[string]*command{
		"task":   {name: "task", usage: "/task <title>", help: "Create a new task.", run: h.cmdTask},
		"assign": {name: "assign", usage: "/assign <person>", help: "Assign the latest open task.", run: h.cmdAssign},
		"done":   {name: "done", usage: "/done", help: "Start completion validation for the latest open task.", run: h.cmdDone},
		"cancel": {name: "cancel", usage: "/cancel", help: "Cancel the running validation or the latest open task.", run: h.cmdCancel},
		"status": {name: "status", usage: "/status", help: "List open tasks in this conversation.", run: h.cmdStatus},
		"help":   {name: "help", usage: "/help", help: "Show this help.", run: h.cmdHelp},
	}
	return h
}

func (h *CommandHandler) Name() string { return "command" }

// CanHandle matches any message whose text starts with a slash.
func (h *CommandHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	return strings.HasPrefix(strings.TrimSpace(msg.Text), "/")
}

func (h *CommandHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	text := strings.TrimSpace(msg.Text)
	name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	cmd, ok := h.registry[name]
	if !ok {
		return types.OK(h.Name(), fmt.Sprintf("Unknown command /%s. Try /help.", name)), nil
	}
	logging.Routing("command /%s conv=%s", name, msg.ConversationID)
	return cmd.run(ctx, msg, args)
}

func (h *CommandHandler) cmdTask(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	if args == "" {
		return types.OK(h.Name(), "Usage: /task <title>"), nil
	}

	t := &task.Task{
		ID:             task.NewID(),
		ConversationID: msg.ConversationID,
		Title:          args,
		Status:         task.StatusOpen,
	}
	return types.OK(h.Name(),
		fmt.Sprintf("Created task %q (%s).", t.Title, shortID(t.ID)),
		persistEffect(t),
		notifyEffect("New task: %s", t.Title),
		sheetEffect(t, "created"),
	), nil
}

func (h *CommandHandler) cmdAssign(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	if args == "" {
		return types.OK(h.Name(), "Usage: /assign <person>"), nil
	}

	t, err := h.tasks.FindActive(ctx, msg.ConversationID, task.StatusOpen)
	if errors.Is(err, task.ErrNotFound) {
		return types.OK(h.Name(), "No open task to assign. Create one with /task first."), nil
	}
	if err != nil {
		return nil, err
	}

	t.Assignee = args
	if err := h.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return types.OK(h.Name(),
		fmt.Sprintf("Assigned %q to %s.", t.Title, t.Assignee),
		notifyEffect("%s is now assigned to %s", t.Title, t.Assignee),
		sheetEffect(t, "assigned"),
		replyEffect("user:"+t.Assignee, "You were assigned %q.", t.Title),
	), nil
}

func (h *CommandHandler) cmdDone(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	t, err := h.tasks.FindActive(ctx, msg.ConversationID, task.StatusOpen)
	if errors.Is(err, task.ErrNotFound) {
		return types.OK(h.Name(), "No open task to complete here."), nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := h.machine.Begin(ctx, msg.ConversationID, t.ID); err != nil {
		if errors.Is(err, workflow.ErrAlreadyActive) {
			return types.OK(h.Name(), "A completion flow is already running. Send your proof, or /cancel first."), nil
		}
		return nil, err
	}

	t.Status = task.StatusInValidation
	if err := h.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := h.store.Set(ctx, msg.ConversationID, session.KeyActiveHandler, "validation", h.machine.TTL()); err != nil {
		logging.SessionDebug("failed to mark active handler: %v", err)
	}

	return types.OK(h.Name(),
		fmt.Sprintf("Completing %q. Send your proof (description, photo, or link).", t.Title)), nil
}

func (h *CommandHandler) cmdCancel(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	inValidation := true
	if err := h.machine.Cancel(ctx, msg.ConversationID); err != nil {
		if !errors.Is(err, workflow.ErrNotInValidation) {
			return nil, err
		}
		inValidation = false
	}
	_ = h.store.Delete(ctx, msg.ConversationID, session.KeyActiveHandler)

	statuses := []task.Status{task.StatusOpen}
	if inValidation {
		statuses = []task.Status{task.StatusInValidation, task.StatusOpen}
	}
	t, err := h.tasks.FindActive(ctx, msg.ConversationID, statuses...)
	if errors.Is(err, task.ErrNotFound) {
		if inValidation {
			return types.OK(h.Name(), "Validation cancelled."), nil
		}
		return types.OK(h.Name(), "Nothing to cancel."), nil
	}
	if err != nil {
		return nil, err
	}

	t.Status = task.StatusCancelled
	if err := h.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return types.OK(h.Name(),
		fmt.Sprintf("Cancelled %q.", t.Title),
		notifyEffect("Task cancelled: %s", t.Title),
		sheetEffect(t, "cancelled"),
	), nil
}

func (h *CommandHandler) cmdStatus(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	return listOpenTasks(ctx, h.Name(), h.tasks, msg.ConversationID)
}

func (h *CommandHandler) cmdHelp(ctx context.Context, msg types.InboundMessage, args string) (*types.HandlerResult, error) {
	names := make([]string, 0, len(h.registry))
	for name := range h.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# taskpilot commands\n\n")
	for _, name := range names {
		cmd := h.registry[name]
		fmt.Fprintf(&b, "- `%s` %s\n", cmd.usage, cmd.help)
	}
	b.WriteString("\nAnything else is matched by keyword rules, then by the intent classifier.\n")
	return types.OK(h.Name(), b.String()), nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
