// Package task stores the tasks the bot manages. The repository is the
// system of record; side effects (Discord, sheets, calendar) mirror what is
// written here.
package task

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInValidation Status = "in_validation"
	StatusDone         Status = "done"
	StatusCancelled    Status = "cancelled"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Task is one tracked unit of work.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Assignee       string    `json:"assignee,omitempty"`
	Status         Status    `json:"status"`
	Template       string    `json:"template,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewID mints a sortable task id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Repository is the task persistence contract.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error

	// ListOpen returns tasks not yet done or cancelled for a conversation,
	// newest first.
	ListOpen(ctx context.Context, conversationID string) ([]*Task, error)

	// FindActive returns the most recent task in the given statuses for a
	// conversation, or ErrNotFound.
	FindActive(ctx context.Context, conversationID string, statuses ...Status) (*Task, error)

	Close() error
}
