// Package router turns inbound chat messages into handler work. A fixed
// priority list of handlers is probed in order; the first handler whose
// capability check passes owns the message. Deterministic rules run first,
// the AI intent fallback last.
package router

import (
	"context"
	"strings"
	"sync"

	"taskpilot/internal/config"
	"taskpilot/internal/session"
	"taskpilot/internal/types"
)

// Handler owns one category of messages. CanHandle must be pure: it reads
// the message and the session snapshot, touches nothing else, and stays
// cheap. Handle may mutate session state and emit side effects.
type Handler interface {
	Name() string
	CanHandle(msg types.InboundMessage, snap session.Snapshot) bool
	Handle(ctx context.Context, msg types.InboundMessage, snap session.Snapshot) (*types.HandlerResult, error)
}

// normalize lowers text and strips surrounding space and trailing punctuation
// so "Yes!" and "yes" match the same vocabulary entry.
func normalize(text string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(text)), ".,!?")
}

// =============================================================================
// MATCHING RULES
// =============================================================================

// Rules holds the deterministic matching vocabulary. It is shared by the
// handlers and swapped in place on config reload.
type Rules struct {
	mu           sync.RWMutex
	confirm      map[string]struct{}
	reject       map[string]struct{}
	query        []string
	modification []string
}

// NewRules builds the vocabulary from router configuration.
func NewRules(rc config.RouterConfig) *Rules {
	r := &Rules{}
	r.Update(rc)
	return r
}

// Update replaces the vocabulary. Safe to call while routing.
func (r *Rules) Update(rc config.RouterConfig) {
	confirm := make(map[string]struct{}, len(rc.ConfirmWords))
	for _, w := range rc.ConfirmWords {
		confirm[strings.ToLower(w)] = struct{}{}
	}
	reject := make(map[string]struct{}, len(rc.RejectWords))
	for _, w := range rc.RejectWords {
		reject[strings.ToLower(w)] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirm = confirm
	r.reject = reject
	r.query = lowerAll(rc.QueryKeywords)
	r.modification = lowerAll(rc.ModificationKeywords)
}

func lowerAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}

// IsConfirm reports whether text is exactly a confirmation word.
func (r *Rules) IsConfirm(text string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.confirm[normalize(text)]
	return ok
}

// IsReject reports whether text is exactly a rejection word.
func (r *Rules) IsReject(text string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reject[normalize(text)]
	return ok
}

// MatchesQuery reports whether text contains a query keyword.
func (r *Rules) MatchesQuery(text string) bool {
	return r.containsAny(text, func() []string { return r.query })
}

// MatchesModification reports whether text contains a modification keyword.
func (r *Rules) MatchesModification(text string) bool {
	return r.containsAny(text, func() []string { return r.modification })
}

func (r *Rules) containsAny(text string, words func() []string) bool {
	lowered := strings.ToLower(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range words() {
		if strings.Contains(lowered, w) {
			return true
		}
	}
	return false
}
