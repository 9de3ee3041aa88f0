// Package types provides shared type definitions used across taskpilot packages.
// This package exists to break import cycles between router, session, workflow,
// and effects. Types in this package are foundational data structures with no
// complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INBOUND MESSAGE
// =============================================================================

// Attachment references proof material attached to a message (photo, link).
type Attachment struct {
	Kind string // "photo", "link", "file"
	Ref  string // URL or storage reference
}

// InboundMessage is the immutable value created once per inbound chat event.
// It is never mutated after construction; handlers receive it by value.
type InboundMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Timestamp      time.Time
	Attachments    []Attachment
}

// NewInboundMessage constructs a message with a fresh id and timestamp.
func NewInboundMessage(conversationID, senderID, text string, attachments ...Attachment) InboundMessage {
	return InboundMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      time.Now(),
		Attachments:    attachments,
	}
}

// HasAttachments reports whether the message carries any proof material.
func (m InboundMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

// EffectKind identifies an outbound side effect consumed by an external
// collaborator. The router never performs these directly; it only emits
// descriptors and observes per-descriptor success/failure.
type EffectKind string

const (
	EffectPersistTask   EffectKind = "persist_task"
	EffectNotifyDiscord EffectKind = "notify_discord"
	EffectAppendSheet   EffectKind = "append_sheet"
	EffectCalendarEvent EffectKind = "calendar_event"
	EffectSendReply     EffectKind = "send_reply"
)

// SideEffect is a structured descriptor of one outbound action.
type SideEffect struct {
	Kind    EffectKind
	Payload map[string]interface{}

	// Idempotent marks effects that are safe to retry blindly (a duplicate
	// Discord embed is tolerable, a duplicate database write is not).
	Idempotent bool
}

// =============================================================================
// HANDLER RESULT
// =============================================================================

// ResultStatus classifies the outcome of handling one message.
type ResultStatus string

const (
	StatusOK ResultStatus = "ok"
	// StatusDegraded means the primary effect committed but a secondary
	// effect failed (e.g. task persisted, notification lost).
	StatusDegraded ResultStatus = "degraded"
	StatusError    ResultStatus = "error"
)

// HandlerResult is the single outcome type every routing path yields.
// No error or panic crosses the dispatcher boundary; failures are carried
// here with a user-safe Message and a log-only Detail.
type HandlerResult struct {
	Status  ResultStatus
	Handler string // name of the handler that produced this result
	Message string // user-facing reply text
	Detail  string // internal detail for logs, never shown to the user
	Effects []SideEffect
}

// OK builds a success result.
func OK(handler, message string, effects ...SideEffect) *HandlerResult {
	return &HandlerResult{Status: StatusOK, Handler: handler, Message: message, Effects: effects}
}

// Degraded builds a partial-success result.
func Degraded(handler, message, detail string) *HandlerResult {
	return &HandlerResult{Status: StatusDegraded, Handler: handler, Message: message, Detail: detail}
}

// Error builds an error result with a user-safe message.
func Error(handler, message, detail string) *HandlerResult {
	return &HandlerResult{Status: StatusError, Handler: handler, Message: message, Detail: detail}
}

// IsError reports whether the result represents a failure.
func (r *HandlerResult) IsError() bool {
	return r != nil && r.Status == StatusError
}

// =============================================================================
// INTENT LABELS
// =============================================================================

// Intent is a coarse label returned by the AI intent classifier.
// The set is closed; anything the classifier cannot place maps to IntentUnknown.
type Intent string

const (
	IntentTaskCreation       Intent = "TASK_CREATION"
	IntentDelegation         Intent = "DELEGATION"
	IntentCreateFromTemplate Intent = "CREATE_FROM_TEMPLATE"
	IntentStatusQuery        Intent = "STATUS_QUERY"
	IntentUnknown            Intent = "UNKNOWN"
)

// ParseIntent normalizes a raw classifier label to a known Intent.
func ParseIntent(raw string) Intent {
	switch Intent(raw) {
	case IntentTaskCreation, IntentDelegation, IntentCreateFromTemplate, IntentStatusQuery:
		return Intent(raw)
	default:
		return IntentUnknown
	}
}
