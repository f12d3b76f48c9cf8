package migrate

import (
	"context"
	"testing"

	"portalsync/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	latest, err := Latest()
	if err != nil || latest == 0 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
	if v, err := Version(ctx, conn); err != nil || v != latest {
		t.Fatalf("version = %d, want %d (%v)", v, latest, err)
	}
	for _, table := range []string{"publish_jobs", "credentials", "oauth_states", "listing_metrics", "properties", "events"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (%d, %v)", table, n, err)
		}
	}
}

func TestPropertiesKeyedByTenant(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, tenant := range []string{"t1", "t2"} {
		if _, err := conn.ExecContext(ctx, `INSERT INTO properties(id,tenant_id,data_json,updated_at) VALUES ('p1',?,'{}','2024-01-01T00:00:00Z')`, tenant); err != nil {
			t.Fatalf("insert p1 for %s: %v", tenant, err)
		}
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO properties(id,tenant_id,data_json,updated_at) VALUES ('p1','t1','{}','2024-01-01T00:00:00Z')`); err == nil {
		t.Fatalf("duplicate (tenant, id) must be rejected")
	}
}
