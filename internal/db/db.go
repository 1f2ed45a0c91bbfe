// Package db opens the per-workspace SQLite store.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StateDir = ".stageline"
	fileName = "stageline.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	// Workspace is the directory holding StateDir. Empty means the current directory.
	Workspace string
	// BusyTimeout bounds how long a writer waits on the lock held by an
	// overlapping sweep. Zero uses five seconds.
	BusyTimeout time.Duration
}

func (c Config) root() string {
	if c.Workspace == "" {
		return "."
	}
	return c.Workspace
}

func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	return "file:" + Path(c.Workspace) + "?" + q.Encode()
}

// EnsureWorkspace creates <workspace>/.stageline and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(Config{Workspace: workspace}.root(), StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open connects to the workspace database and verifies the connection.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the database file location for a workspace directory.
func Path(workspace string) string {
	return filepath.Join(Config{Workspace: workspace}.root(), StateDir, fileName)
}
