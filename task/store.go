package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskdeck/events"
	"github.com/GoCodeAlone/taskdeck/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	text         TEXT NOT NULL,
	is_completed INTEGER NOT NULL DEFAULT 0,
	owner_id     TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_by_owner ON tasks (owner_id, created_at);
`

const selectColumns = `id, name, text, is_completed, owner_id, created_at`

// SQLiteStore persists tasks in a SQLite database. Every committed mutation
// is published on the attached bus, if any.
type SQLiteStore struct {
	db  *sql.DB
	bus events.Bus
	now func() time.Time

	mu          sync.Mutex // guards lastCreated
	lastCreated int64
}

// NewSQLiteStore ensures the tasks table and owner index exist on db.
// The caller owns db and is responsible for closing it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("task: create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetBus attaches the change-notification bus.
func (s *SQLiteStore) SetBus(bus events.Bus) { s.bus = bus }

// SetClock replaces the time source used for createdAt.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

// nextCreatedAt returns the current time in milliseconds, bumped past the
// previous value so creation times are strictly increasing.
func (s *SQLiteStore) nextCreatedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastCreated {
		ms = s.lastCreated + 1
	}
	s.lastCreated = ms
	return ms
}

// Insert persists a new task.
func (s *SQLiteStore) Insert(ctx context.Context, nt NewTask) (string, error) {
	id := uuid.NewString()
	createdAt := s.nextCreatedAt()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, text, is_completed, owner_id, created_at)
		VALUES (?,?,?,?,?,?)`,
		id, nt.Name, nt.Text, boolToInt(nt.IsCompleted), nt.OwnerID, createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("task: insert: %w", err)
	}
	s.publish(ctx, events.TaskCreated, nt.OwnerID, id)
	return id, nil
}

// Get retrieves a task by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: get %s: %w", id, err)
	}
	return t, nil
}

// QueryByOwner lists an owner's tasks in creation order via the owner index.
func (s *SQLiteStore) QueryByOwner(ctx context.Context, ownerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("task: query by owner: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Patch merges the supplied fields into the stored task.
func (s *SQLiteStore) Patch(ctx context.Context, id string, p Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("task: patch: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ownerID, err := ownerOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if p.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if p.Name != nil {
		sets = append(sets, "name=?")
		args = append(args, *p.Name)
	}
	if p.Text != nil {
		sets = append(sets, "text=?")
		args = append(args, *p.Text)
	}
	if p.IsCompleted != nil {
		sets = append(sets, "is_completed=?")
		args = append(args, boolToInt(*p.IsCompleted))
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id=?", args...); err != nil {
		return fmt.Errorf("task: patch %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("task: patch %s: commit: %w", id, err)
	}
	s.publish(ctx, events.TaskUpdated, ownerID, id)
	return nil
}

// Delete removes a task by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("task: delete: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ownerID, err := ownerOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id); err != nil {
		return fmt.Errorf("task: delete %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("task: delete %s: commit: %w", id, err)
	}
	s.publish(ctx, events.TaskDeleted, ownerID, id)
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, typ events.Type, ownerID, id string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Type:      typ,
		OwnerID:   ownerID,
		TaskID:    id,
		Timestamp: s.now().UTC(),
	})
}

func ownerOf(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var ownerID string
	err := tx.QueryRowContext(ctx, "SELECT owner_id FROM tasks WHERE id=?", id).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.KindNotFound, "task.store", "task %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("task: lookup %s: %w", id, err)
	}
	return ownerID, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var (
		t         Task
		completed int
	)
	if err := s.Scan(&t.ID, &t.Name, &t.Text, &completed, &t.OwnerID, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.IsCompleted = completed != 0
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
