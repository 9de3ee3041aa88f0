package session

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// storeFactories returns each Store implementation under test.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		},
	}
}

func TestGetSetDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			if _, ok := s.Get(ctx, "conv-1", KeyTaskStage); ok {
				t.Error("expected absent before set")
			}

			if err := s.Set(ctx, "conv-1", KeyTaskStage, "SUBMISSION", time.Hour); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			v, ok := s.Get(ctx, "conv-1", KeyTaskStage)
			if !ok || v != "SUBMISSION" {
				t.Errorf("expected SUBMISSION, got %q (ok=%v)", v, ok)
			}

			// Keys are scoped per conversation.
			if _, ok := s.Get(ctx, "conv-2", KeyTaskStage); ok {
				t.Error("conv-2 must not see conv-1 state")
			}

			if err := s.Delete(ctx, "conv-1", KeyTaskStage); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok := s.Get(ctx, "conv-1", KeyTaskStage); ok {
				t.Error("expected absent after delete")
			}

			// Deleting an absent key is a no-op.
			if err := s.Delete(ctx, "conv-1", KeyTaskStage); err != nil {
				t.Errorf("delete of absent key should not error: %v", err)
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			if err := s.Set(ctx, "conv-1", KeyPendingApproval, "payload", 50*time.Millisecond); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			if _, ok := s.Get(ctx, "conv-1", KeyPendingApproval); !ok {
				t.Error("expected value readable before TTL")
			}

			time.Sleep(120 * time.Millisecond)

			if v, ok := s.Get(ctx, "conv-1", KeyPendingApproval); ok {
				t.Errorf("expected absent after TTL, got %q", v)
			}
			if snap := s.Snapshot(ctx, "conv-1"); snap.Has(KeyPendingApproval) {
				t.Error("snapshot must not contain expired keys")
			}
		})
	}
}

func TestOverwriteIsLastWriterWins(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			if err := s.Set(ctx, "conv-1", KeyTaskStage, "SUBMISSION", time.Hour); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := s.Set(ctx, "conv-1", KeyTaskStage, "QUALITY_CHECK", time.Hour); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			v, _ := s.Get(ctx, "conv-1", KeyTaskStage)
			if v != "QUALITY_CHECK" {
				t.Errorf("expected QUALITY_CHECK, got %q", v)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			_ = s.Set(ctx, "conv-1", KeyTaskStage, "SUBMISSION", time.Hour)
			_ = s.Set(ctx, "conv-1", KeyConversationContext, "ctx-blob", time.Hour)
			_ = s.Set(ctx, "conv-2", KeyTaskStage, "QUALITY_CHECK", time.Hour)

			snap := s.Snapshot(ctx, "conv-1")
			if len(snap) != 2 {
				t.Errorf("expected 2 keys in snapshot, got %d", len(snap))
			}
			if v, _ := snap.Get(KeyTaskStage); v != "SUBMISSION" {
				t.Errorf("snapshot stage mismatch: %q", v)
			}
			if !snap.Has(KeyConversationContext) {
				t.Error("snapshot missing conversation context")
			}
			if snap.Has(KeyPendingApproval) {
				t.Error("snapshot has key that was never set")
			}
		})
	}
}

func TestConversations(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			_ = s.Set(ctx, "conv-b", KeyTaskStage, "SUBMISSION", time.Hour)
			_ = s.Set(ctx, "conv-a", KeyTaskStage, "SUBMISSION", time.Hour)

			ids, err := s.Conversations(ctx)
			if err != nil {
				t.Fatalf("Conversations failed: %v", err)
			}
			sort.Strings(ids)
			if len(ids) != 2 || ids[0] != "conv-a" || ids[1] != "conv-b" {
				t.Errorf("unexpected conversation list: %v", ids)
			}
		})
	}
}

func TestSweeperRemovesExpired(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "conv-1", KeyTaskStage, "SUBMISSION", 10*time.Millisecond)
	s.StartSweeper(20 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	s.mu.RLock()
	_, exists := s.entries["conv-1"]
	s.mu.RUnlock()
	if exists {
		t.Error("sweeper should have removed the expired conversation")
	}
}

func TestSQLiteSetAfterCloseIsRetryable(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	_ = s.Close()
	ctx := context.Background()

	err = s.Set(ctx, "conv-1", KeyTaskStage, "SUBMISSION", time.Hour)
	if err == nil {
		t.Fatal("expected error writing to closed store")
	}
	if !IsRetryable(err) {
		t.Errorf("expected retryable error, got %T: %v", err, err)
	}

	// Reads fail open to absent.
	if _, ok := s.Get(ctx, "conv-1", KeyTaskStage); ok {
		t.Error("closed store Get must fail open to absent")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.Set(ctx, "conv-1", KeyTaskStage, "APPROVAL_REQUEST", time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_ = s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	v, ok := s2.Get(ctx, "conv-1", KeyTaskStage)
	if !ok || v != "APPROVAL_REQUEST" {
		t.Errorf("expected persisted stage, got %q (ok=%v)", v, ok)
	}
}
