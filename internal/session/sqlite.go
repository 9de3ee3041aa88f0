package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskpilot/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists session state in a local SQLite database so sessions
// survive process restarts. A single connection with WAL keeps per-key
// operations serialized at the database level.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("opening session store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT NOT NULL,
			key             TEXT NOT NULL,
			value           TEXT NOT NULL,
			expires_at      INTEGER NOT NULL, -- unix milliseconds
			updated_at      INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			PRIMARY KEY (conversation_id, key)
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return nil
}

// Get returns the live value for (conversationID, key). Backend failure
// fails open to absent; expired rows are deleted lazily and never returned.
func (s *SQLiteStore) Get(ctx context.Context, conversationID, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM sessions WHERE conversation_id = ? AND key = ?",
		conversationID, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		// Fail open to "no session" rather than blocking routing.
		logging.Get(logging.CategoryStore).Warn("get %s/%s failed, treating as absent: %v", conversationID, key, err)
		return "", false
	}

	if time.Now().UnixMilli() >= expiresAt {
		go s.deleteExpired(conversationID, key, expiresAt)
		logging.StoreDebug("lazy-expired %s/%s", conversationID, key)
		return "", false
	}
	return value, true
}

// deleteExpired removes one stale row; best-effort.
func (s *SQLiteStore) deleteExpired(conversationID, key string, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(
		"DELETE FROM sessions WHERE conversation_id = ? AND key = ? AND expires_at = ?",
		conversationID, key, expiresAt,
	)
}

// Set upserts (conversationID, key) with the given ttl.
func (s *SQLiteStore) Set(ctx context.Context, conversationID, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (conversation_id, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, strftime('%s','now'))
		 ON CONFLICT(conversation_id, key)
		 DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		conversationID, key, value, time.Now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("set %s/%s failed: %v", conversationID, key, err)
		return &RetryableError{Op: "set", Err: err}
	}
	logging.StoreDebug("set %s/%s (ttl=%v)", conversationID, key, ttl)
	return nil
}

// Delete removes (conversationID, key). Deleting an absent key is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE conversation_id = ? AND key = ?",
		conversationID, key,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("delete %s/%s failed: %v", conversationID, key, err)
		return &RetryableError{Op: "delete", Err: err}
	}
	return nil
}

// Snapshot returns all live keys for the conversation in one query.
// Backend failure fails open to an empty snapshot.
func (s *SQLiteStore) Snapshot(ctx context.Context, conversationID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(Snapshot)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM sessions WHERE conversation_id = ? AND expires_at > ?",
		conversationID, time.Now().UnixMilli(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("snapshot %s failed, treating as empty: %v", conversationID, err)
		return snap
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		snap[key] = value
	}
	return snap
}

// Conversations lists conversation ids with at least one live key.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT conversation_id FROM sessions WHERE expires_at > ? ORDER BY conversation_id",
		time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// StartSweeper launches the periodic expiry sweep. The lazy check on read
// already guarantees correctness; the sweep keeps the database file bounded.
func (s *SQLiteStore) StartSweeper(interval time.Duration) {
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

func (s *SQLiteStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", time.Now().UnixMilli())
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("expiry sweep failed: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.StoreDebug("sweep removed %d expired rows", n)
	}
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sweepStop != nil {
			close(s.sweepStop)
			<-s.sweepDone
		}
		err = s.db.Close()
	})
	return err
}
