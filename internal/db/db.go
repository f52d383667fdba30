// Package db persists shrink-run history in a local sqlite database, so an
// operator can see what happened to an image across invocations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func NewDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	shrenkDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := shrenkDB.Ping(); err != nil {
		shrenkDB.Close()
		return nil, fmt.Errorf("pinging database %s: %w", path, err)
	}

	return shrenkDB, nil
}
