// Package storage opens the SQLite database shared by the task and user stores.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// DBFile is the database filename inside the data directory.
const DBFile = "taskdeck.db"

// Open opens (or creates) the SQLite database at path. The pool is held to
// a single connection so concurrent writers never see SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite %s: %w", path, err)
	}
	return db, nil
}

// OpenInDir opens DBFile inside dataDir.
func OpenInDir(dataDir string) (*sql.DB, error) {
	return Open(filepath.Join(dataDir, DBFile))
}
