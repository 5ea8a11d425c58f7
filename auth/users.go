package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"

	"github.com/GoCodeAlone/taskdeck/internal/apperr"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash BLOB NOT NULL,
	created_at    INTEGER NOT NULL
);
`

// MinPasswordLength is the shortest password Create accepts.
const MinPasswordLength = 8

// User is an account that can sign in and own tasks.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserStore keeps accounts in SQLite with bcrypt password hashes.
type UserStore struct {
	db   *sql.DB
	cost int
}

// NewUserStore ensures the users table exists on db.
func NewUserStore(db *sql.DB) (*UserStore, error) {
	if _, err := db.Exec(usersSchema); err != nil {
		return nil, fmt.Errorf("auth: create users schema: %w", err)
	}
	return &UserStore{db: db, cost: bcrypt.DefaultCost}, nil
}

// SetCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *UserStore) SetCost(cost int) { s.cost = cost }

// normalizeUsername trims and case-folds so "Alice" and "alice" collide.
func normalizeUsername(username string) string {
	return cases.Fold().String(strings.TrimSpace(username))
}

// Create registers a new account.
func (s *UserStore) Create(ctx context.Context, username, password string) (*User, error) {
	name := normalizeUsername(username)
	if name == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "auth.sign_up", "username is required")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.New(apperr.KindInvalidArgument, "auth.sign_up", "password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.New(apperr.KindInvalidArgument, "auth.sign_up", "password is too long")
	}
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: create user: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE username = ?`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	if exists > 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "auth.sign_up", "username already taken")
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("auth: create user: commit: %w", err)
	}
	return u, nil
}

// Authenticate returns the account matching username and password. Unknown
// users and wrong passwords fail identically.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.byUsername(ctx, normalizeUsername(username))
	if err != nil {
		return nil, err
	}
	if u == nil || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "auth.sign_in", "invalid credentials")
	}
	return u, nil
}

// Get returns the account with id, or (nil, nil) when absent.
func (s *UserStore) Get(ctx context.Context, id string) (*User, error) {
	return s.scanOne(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *UserStore) byUsername(ctx context.Context, name string) (*User, error) {
	return s.scanOne(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, name)
}

func (s *UserStore) scanOne(ctx context.Context, query string, arg any) (*User, error) {
	var (
		u       User
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, nil
}
