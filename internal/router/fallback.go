package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"taskpilot/internal/classifier"
	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
)

var delegateToPattern = regexp.MustCompile(`(?i)\b(?:to|for)\s+(\S+)\s*$`)

// FallbackHandler is the last entry in the priority list and always
// eligible: every message no deterministic rule claimed lands here. It asks
// the intent classifier what the user meant and maps the label to an action.
// UNKNOWN yields a clarification reply and mutates nothing.
type FallbackHandler struct {
	tasks      task.Repository
	classifier classifier.IntentClassifier
}

// NewFallbackHandler creates the classifier-backed fallback.
func NewFallbackHandler(tasks task.Repository, c classifier.IntentClassifier) *FallbackHandler {
	return &FallbackHandler{tasks: tasks, classifier: c}
}

func (h *FallbackHandler) Name() string { return "fallback" }

func (h *FallbackHandler) CanHandle(msg types.InboundMessage, snap session.Snapshot) bool {
	return true
}

func (h *FallbackHandler) Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error) {
	intent, err := h.classifier.Classify(ctx, msg.Text)
	if err != nil {
		// The bounded classifier degrades internally; an error here means
		// construction-level breakage. Still answer the user.
		logging.Get(logging.CategoryClassifier).Error("classify failed: %v", err)
		intent = types.IntentUnknown
	}
	logging.Classifier("intent %s for message %s", intent, msg.ID)

	switch intent {
	case types.IntentTaskCreation:
		return h.createTask(msg, "", ""), nil

	case types.IntentDelegation:
		assignee := ""
		if m := delegateToPattern.FindStringSubmatch(msg.Text); m != nil {
			assignee = strings.Trim(m[1], ".,!?")
		}
		return h.createTask(msg, assignee, ""), nil

	case types.IntentCreateFromTemplate:
		return h.createTask(msg, "", "standard"), nil

	case types.IntentStatusQuery:
		return listOpenTasks(ctx, h.Name(), h.tasks, msg.ConversationID)

	default:
		return types.OK(h.Name(),
			"I am not sure what you need. Try /task <title> to create a task, or /help for everything I understand."), nil
	}
}

// createTask emits the creation effects for a task derived from free text.
func (h *FallbackHandler) createTask(msg types.InboundMessage, assignee, template string) *types.HandlerResult {
	t := &task.Task{
		ID:             task.NewID(),
		ConversationID: msg.ConversationID,
		Title:          taskTitle(msg.Text),
		Assignee:       assignee,
		Status:         task.StatusOpen,
		Template:       template,
	}

	effects := []types.SideEffect{
		persistEffect(t),
		notifyEffect("New task: %s", t.Title),
		sheetEffect(t, "created"),
	}
	reply := fmt.Sprintf("Created task %q (%s).", t.Title, shortID(t.ID))
	if assignee != "" {
		reply = fmt.Sprintf("Created task %q, assigned to %s (%s).", t.Title, assignee, shortID(t.ID))
		effects = append(effects, replyEffect("user:"+assignee, "You were assigned %q.", t.Title))
	}
	if template != "" {
		effects = append(effects, calendarEffect(t, "Kickoff: "+t.Title))
		reply = fmt.Sprintf("Created task %q from the %s template (%s).", t.Title, template, shortID(t.ID))
	}
	return types.OK(h.Name(), reply, effects...)
}

// taskTitle trims filler lead-ins so "we need to prepare the audit" becomes
// "prepare the audit".
func taskTitle(text string) string {
	title := strings.TrimSpace(text)
	lowered := strings.ToLower(title)
	for _, prefix := range []string{"we need to ", "i need to ", "need to ", "please ", "can you ", "remind me to "} {
		if strings.HasPrefix(lowered, prefix) {
			title = title[len(prefix):]
			break
		}
	}
	if len(title) > 120 {
		title = title[:120]
	}
	return title
}
