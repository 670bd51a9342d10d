package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenMigratesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"tasks", "messages", "message_acks", "leases"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migrate: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crewd.db")

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, created_at, updated_at) VALUES ('task_1', 'x', 'pending', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	// Reopening must re-run migrations as a no-op and keep existing rows.
	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows after reopen: got %d, want 1", count)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	status, err := db.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status: got %q, want %q", status.Status, "healthy")
	}
}
