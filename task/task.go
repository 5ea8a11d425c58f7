// Package task defines the task record, its owner-indexed persistence, and
// the access service that enforces authentication and per-owner isolation.
package task

import (
	"context"
	"time"
)

// Task is a record owned by exactly one user. ID, OwnerID and CreatedAt are
// fixed at insert; only Name, Text and IsCompleted change afterwards.
type Task struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Text        string `json:"text"`
	IsCompleted bool   `json:"isCompleted"`
	OwnerID     string `json:"userId"`
	CreatedAt   int64  `json:"createdAt"` // milliseconds since epoch
}

// Created returns CreatedAt as a time.Time.
func (t *Task) Created() time.Time { return time.UnixMilli(t.CreatedAt) }

// NewTask holds the caller-supplied fields for an insert.
type NewTask struct {
	Name        string
	Text        string
	IsCompleted bool
	OwnerID     string
}

// Patch is a partial update. Nil fields are left untouched. There is no
// way to express a change to the id, owner or creation time.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Text        *string `json:"text,omitempty"`
	IsCompleted *bool   `json:"isCompleted,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Text == nil && p.IsCompleted == nil
}

// Store persists and retrieves tasks.
type Store interface {
	// Insert assigns a new id and creation time, persists the record and
	// returns the id.
	Insert(ctx context.Context, t NewTask) (string, error)

	// Get returns the task, or (nil, nil) when no task has that id.
	Get(ctx context.Context, id string) (*Task, error)

	// QueryByOwner returns every task owned by ownerID.
	QueryByOwner(ctx context.Context, ownerID string) ([]*Task, error)

	// Patch merges the supplied fields into an existing task.
	// Fails with a NotFound error when the id does not exist.
	Patch(ctx context.Context, id string, p Patch) error

	// Delete removes a task permanently.
	// Fails with a NotFound error when the id does not exist.
	Delete(ctx context.Context, id string) error
}

// Identity resolves the verified subject of the current request.
type Identity interface {
	Subject(ctx context.Context) (string, bool)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, bool)

func (f IdentityFunc) Subject(ctx context.Context) (string, bool) { return f(ctx) }
