package task

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository persists tasks in a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
	mu sync.RWMutex

	closeOnce sync.Once
}

// NewSQLiteRepository opens (or creates) the task database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	logging.Store("opening task repository at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			title           TEXT NOT NULL,
			assignee        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			template        TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL, -- unix milliseconds
			updated_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id, status);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate tasks table: %w", err)
	}
	return nil
}

// Create inserts a new task. ID and timestamps are filled if unset.
func (r *SQLiteRepository) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, conversation_id, title, assignee, status, template, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.Title, t.Assignee, t.Status, t.Template,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	logging.Store("created task %s (%q) for conv=%s", t.ID, t.Title, t.ConversationID)
	return nil
}

// Get fetches a task by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, title, assignee, status, template, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Update rewrites a task's mutable fields.
func (r *SQLiteRepository) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, assignee = ?, status = ?, template = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Assignee, t.Status, t.Template, t.UpdatedAt.UnixMilli(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("updated task %s status=%s", t.ID, t.Status)
	return nil
}

// ListOpen returns live tasks for a conversation, newest first.
func (r *SQLiteRepository) ListOpen(ctx context.Context, conversationID string) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, title, assignee, status, template, created_at, updated_at
		 FROM tasks
		 WHERE conversation_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC`,
		conversationID, StatusOpen, StatusInValidation,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// FindActive returns the most recent task in the given statuses.
func (r *SQLiteRepository) FindActive(ctx context.Context, conversationID string, statuses ...Status) (*Task, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusOpen, StatusInValidation}
	}

	placeholders := make([]string, len(statuses))
	args := []interface{}{conversationID}
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, s)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, conversation_id, title, assignee, status, template, created_at, updated_at
		 FROM tasks
		 WHERE conversation_id = ? AND status IN (%s)
		 ORDER BY created_at DESC LIMIT 1`, strings.Join(placeholders, ",")),
		args...)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.ConversationID, &t.Title, &t.Assignee, &t.Status, &t.Template, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.db.Close()
	})
	return err
}
