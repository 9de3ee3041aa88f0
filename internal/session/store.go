// Package session provides the TTL-backed per-conversation state store.
// All routing state (active handler, workflow stage, pending approval,
// conversation context) lives here under a closed key set; nothing else in
// the system holds mutable per-conversation state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskpilot/internal/logging"
)

// Session keys. The set is closed; accessors in the workflow and router
// packages wrap these so key-name typos fail at compile time.
const (
	KeyActiveHandler       = "active_handler"
	KeyTaskStage           = "task_stage"
	KeyPendingApproval     = "pending_approval"
	KeyConversationContext = "conversation_context"
)

// Store is the session state contract. All operations are atomic per key.
// Get fails open: if the backend is unreachable it reports absent rather
// than erroring, so a broken store degrades to "no session" routing.
// Set and Delete surface a RetryableError on backend failure; the
// dispatcher treats a failed Set on a mutating handler as a hard error.
type Store interface {
	Get(ctx context.Context, conversationID, key string) (string, bool)
	Set(ctx context.Context, conversationID, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, conversationID, key string) error

	// Snapshot loads all live keys for a conversation in one read, so
	// every CanHandle call for one message sees consistent state.
	Snapshot(ctx context.Context, conversationID string) Snapshot

	// Conversations lists conversation ids with at least one live key.
	Conversations(ctx context.Context) ([]string, error)

	Close() error
}

// Snapshot is a point-in-time read of one conversation's session keys.
type Snapshot map[string]string

// Get returns the snapshot value for key, if present.
func (s Snapshot) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Has reports whether the key was live at snapshot time.
func (s Snapshot) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// RetryableError wraps a backend failure the caller may retry.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("session store %s failed (retryable): %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable store failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is the in-process Store implementation. Used in tests and
// single-instance deployments; the SQLite store is the production default.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry // conversationID -> key -> entry

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
	closeOnce sync.Once
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]memoryEntry),
	}
}

// Get returns the live value for (conversationID, key). Expired entries are
// removed lazily on read and never returned.
func (s *MemoryStore) Get(ctx context.Context, conversationID, key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.entries[conversationID][key]
	s.mu.RUnlock()

	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		// Lazy expiry: drop the stale entry before reporting absent.
		s.mu.Lock()
		if cur, still := s.entries[conversationID][key]; still && cur.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries[conversationID], key)
		}
		s.mu.Unlock()
		logging.SessionDebug("lazy-expired %s/%s", conversationID, key)
		return "", false
	}
	return entry.value, true
}

// Set writes (conversationID, key) with the given ttl.
func (s *MemoryStore) Set(ctx context.Context, conversationID, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.entries[conversationID]
	if !ok {
		conv = make(map[string]memoryEntry)
		s.entries[conversationID] = conv
	}
	conv[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes (conversationID, key). Deleting an absent key is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.entries[conversationID]; ok {
		delete(conv, key)
		if len(conv) == 0 {
			delete(s.entries, conversationID)
		}
	}
	return nil
}

// Snapshot returns all live keys for the conversation.
func (s *MemoryStore) Snapshot(ctx context.Context, conversationID string) Snapshot {
	now := time.Now()
	snap := make(Snapshot)

	s.mu.RLock()
	for key, entry := range s.entries[conversationID] {
		if now.After(entry.expiresAt) {
			continue
		}
		snap[key] = entry.value
	}
	s.mu.RUnlock()
	return snap
}

// Conversations lists conversation ids with at least one live key.
func (s *MemoryStore) Conversations(ctx context.Context) ([]string, error) {
	now := time.Now()
	var ids []string

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, conv := range s.entries {
		for _, entry := range conv {
			if now.Before(entry.expiresAt) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// StartSweeper launches a background goroutine that removes expired entries
// every interval. Safe to call once; Close stops it.
func (s *MemoryStore) StartSweeper(interval time.Duration) {
	s.sweepOnce.Do(func() {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go func() {
			defer close(s.sweepDone)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.sweepStop:
					return
				case <-ticker.C:
					s.sweep()
				}
			}
		}()
	})
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, conv := range s.entries {
		for key, entry := range conv {
			if now.After(entry.expiresAt) {
				delete(conv, key)
				removed++
			}
		}
		if len(conv) == 0 {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		logging.SessionDebug("sweep removed %d expired entries", removed)
	}
}

// Close stops the sweeper if running. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		if s.sweepStop != nil {
			close(s.sweepStop)
			<-s.sweepDone
		}
	})
	return nil
}
