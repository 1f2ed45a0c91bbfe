// Package testutil opens migrated throwaway databases for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// Epoch is the fixed clock used across tests.
var Epoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// OpenDB returns a migrated SQLite database inside t.TempDir.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// SeedWorkspace inserts a bare workspace row.
func SeedWorkspace(t testing.TB, conn *sql.DB, id string) {
	t.Helper()
	ws := domain.Workspace{ID: id, Name: id, Status: "active", CreatedAt: repo.Timestamp(Epoch)}
	if err := (repo.Repo{DB: conn}).InsertWorkspace(context.Background(), nil, ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
}

// SeedWorkItem inserts a work item at the given stage.
func SeedWorkItem(t testing.TB, conn *sql.DB, workspaceID, id string, stage domain.Stage) domain.WorkItem {
	t.Helper()
	ts := repo.Timestamp(Epoch)
	item := domain.WorkItem{
		ID: id, WorkspaceID: workspaceID, Name: id, Stage: stage, Status: domain.WorkItemActive,
		CreatedBy: "tester", CreatedAt: ts, UpdatedAt: ts,
	}
	if err := (repo.Repo{DB: conn}).InsertWorkItem(context.Background(), nil, item); err != nil {
		t.Fatalf("seed work item: %v", err)
	}
	return item
}
