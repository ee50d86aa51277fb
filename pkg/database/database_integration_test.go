package database

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/testutil"
)

var transcriptMigrations = fstest.MapFS{
	"migrations/001_create_turns.up.sql":   {Data: []byte("CREATE TABLE it_turns (id SERIAL PRIMARY KEY, conversation_id UUID NOT NULL)")},
	"migrations/001_create_turns.down.sql": {Data: []byte("DROP TABLE it_turns")},
	"migrations/002_add_content.up.sql":    {Data: []byte("ALTER TABLE it_turns ADD COLUMN content TEXT")},
	"migrations/002_add_content.down.sql":  {Data: []byte("ALTER TABLE it_turns DROP COLUMN content")},
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultConfig()
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}
	cfg.Database = "studio_test"
	cfg.PingAttempts = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	db.WithLogger(testutil.DiscardLogger())
	t.Cleanup(func() { db.Close() })
	return db
}

// freshMigrator drops the component's bookkeeping table and the given tables
// before and after the test.
func freshMigrator(t *testing.T, db *DB, component string, tables ...string) *Migrator {
	t.Helper()
	drop := func() {
		ctx := context.Background()
		for _, table := range append(tables, component+"_schema_migrations") {
			db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		}
	}
	drop()
	t.Cleanup(drop)
	return NewMigrator(db, component).WithLogger(testutil.DiscardLogger())
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("table lookup error = %v", err)
	}
	return exists
}

func TestConnect_Integration(t *testing.T) {
	db := setupTestDB(t)

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("result = %d, want 1", result)
	}
	if got := db.Stats().MaxOpenConnections; got != DefaultConfig().MaxOpenConns {
		t.Errorf("MaxOpenConnections = %d, want %d", got, DefaultConfig().MaxOpenConns)
	}
}

func TestMigrator_UpDown_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := freshMigrator(t, db, "it_updown", "it_turns")

	if err := m.LoadMigrations(transcriptMigrations, "migrations"); err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending() = %d migrations, want 2", len(pending))
	}

	applied, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 2 {
		t.Errorf("Up() applied = %d, want 2", applied)
	}
	if !tableExists(t, db, "it_turns") {
		t.Error("it_turns should exist after Up")
	}

	again, err := m.Up(ctx)
	if err != nil || again != 0 {
		t.Errorf("second Up() = %d, %v, want 0, nil", again, err)
	}

	for _, want := range []int{1, 0} {
		if err := m.Down(ctx); err != nil {
			t.Fatalf("Down() error = %v", err)
		}
		if version, _ := m.Version(ctx); version != want {
			t.Errorf("Version() after Down = %d, want %d", version, want)
		}
	}
	if tableExists(t, db, "it_turns") {
		t.Error("it_turns should be gone after rolling everything back")
	}

	if err := m.Down(ctx); err != nil {
		t.Errorf("Down() with nothing applied error = %v", err)
	}
}

func TestMigrator_Up_FailedMigration_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := freshMigrator(t, db, "it_fail", "it_fail_ok")

	m.Add(
		Migration{Version: 1, Name: "ok", Up: "CREATE TABLE it_fail_ok (id INT)"},
		Migration{Version: 2, Name: "broken", Up: "CREATE TABLE this is invalid SQL"},
	)

	applied, err := m.Up(ctx)
	if err == nil {
		t.Fatal("expected error for invalid SQL")
	}
	if applied != 1 {
		t.Errorf("Up() applied = %d, want 1 before the failure", applied)
	}
	if version, _ := m.Version(ctx); version != 1 {
		t.Errorf("Version() = %d, want 1", version)
	}
}

func TestMigrator_ComponentsAreIsolated_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := freshMigrator(t, db, "it_iso_a", "it_iso_a_t")
	b := freshMigrator(t, db, "it_iso_b")

	a.Add(Migration{Version: 1, Name: "a", Up: "CREATE TABLE it_iso_a_t (id INT)", Down: "DROP TABLE it_iso_a_t"})
	if _, err := a.Up(ctx); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	if version, err := b.Version(ctx); err != nil || version != 0 {
		t.Errorf("other component Version() = %d, %v, want 0, nil", version, err)
	}
}
