// Package events carries task change notifications from the store to live
// subscribers. Subscriptions are keyed by owner id so a publisher only
// reaches the readers of the affected owner's tasks.
package events

import (
	"context"
	"time"
)

// Type identifies the kind of change.
type Type string

const (
	TaskCreated Type = "task_created"
	TaskUpdated Type = "task_updated"
	TaskDeleted Type = "task_deleted"
)

// Event describes one committed mutation.
type Event struct {
	Type      Type      `json:"type"`
	OwnerID   string    `json:"ownerId"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events for a subscribed owner. Handlers run on the
// publisher's goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Bus is the publish/subscribe backbone between the store and watchers.
type Bus interface {
	// Publish delivers ev to every handler subscribed to ev.OwnerID.
	Publish(ctx context.Context, ev Event)

	// Subscribe registers a handler for one owner's events.
	// Returns an unsubscribe function; calling it more than once is safe.
	Subscribe(ownerID string, handler Handler) (unsubscribe func())
}
