package router

import (
	"fmt"

	"taskpilot/internal/task"
	"taskpilot/internal/types"
)

// Effect payload builders. Handlers describe outbound work with these; the
// effects runner performs it.

func persistEffect(t *task.Task) types.SideEffect {
	return types.SideEffect{
		Kind: types.EffectPersistTask,
		Payload: map[string]interface{}{
			"id":              t.ID,
			"conversation_id": t.ConversationID,
			"title":           t.Title,
			"assignee":        t.Assignee,
			"status":          string(t.Status),
			"template":        t.Template,
		},
		Idempotent: false,
	}
}

func notifyEffect(format string, args ...interface{}) types.SideEffect {
	return types.SideEffect{
		Kind:       types.EffectNotifyDiscord,
		Payload:    map[string]interface{}{"text": fmt.Sprintf(format, args...)},
		Idempotent: true,
	}
}

func sheetEffect(t *task.Task, event string) types.SideEffect {
	return types.SideEffect{
		Kind: types.EffectAppendSheet,
		Payload: map[string]interface{}{
			"event":    event,
			"task_id":  t.ID,
			"title":    t.Title,
			"assignee": t.Assignee,
			"status":   string(t.Status),
		},
		Idempotent: true,
	}
}

// replyEffect addresses a message to another conversation, e.g. telling an
// assignee about new work. Replies to the sender ride on HandlerResult.Message
// instead.
func replyEffect(conversationID, format string, args ...interface{}) types.SideEffect {
	return types.SideEffect{
		Kind: types.EffectSendReply,
		Payload: map[string]interface{}{
			"conversation_id": conversationID,
			"text":            fmt.Sprintf(format, args...),
		},
		Idempotent: true,
	}
}

func calendarEffect(t *task.Task, summary string) types.SideEffect {
	return types.SideEffect{
		Kind: types.EffectCalendarEvent,
		Payload: map[string]interface{}{
			"task_id": t.ID,
			"summary": summary,
		},
		Idempotent: true,
	}
}
