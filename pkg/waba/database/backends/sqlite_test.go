package backends

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	backend, err := OpenSQLite(context.Background(), SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "nested", "test.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestOpenSQLite(t *testing.T) {
	backend := openTestSQLite(t)

	if backend.DB == nil {
		t.Fatal("DB is nil")
	}
	if backend.Config.JournalMode != "WAL" {
		t.Errorf("JournalMode = %q, want %q", backend.Config.JournalMode, "WAL")
	}
	if backend.Config.BusyTimeout != 5000 {
		t.Errorf("BusyTimeout = %d, want 5000", backend.Config.BusyTimeout)
	}
}

func TestSQLiteBackend_Migration(t *testing.T) {
	ctx := context.Background()
	backend := openTestSQLite(t)

	needs, err := backend.Migrator.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if !needs {
		t.Error("expected a fresh database to need migration")
	}

	for i := 0; i < 2; i++ {
		if err := backend.Migrator.Migrate(ctx); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i+1, err)
		}
	}

	version, err := backend.Migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("version = %d, want %d", version, SchemaVersion)
	}

	needs, err = backend.Migrator.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if needs {
		t.Error("expected no migration needed after running migrations")
	}

	for _, table := range []string{"chat_history", "pending_msgs"} {
		var n int
		err := backend.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestSQLiteBackend_Health(t *testing.T) {
	ctx := context.Background()
	backend := openTestSQLite(t)

	if err := backend.Health.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	status := backend.Health.Status(ctx)
	if !status.Healthy {
		t.Errorf("expected healthy, got error %q", status.Error)
	}
	if status.Version == "" {
		t.Error("expected sqlite version to be reported")
	}
}

func TestOpenSQLite_Memory(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(ctx, SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	if err := backend.Migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := backend.DB.Exec("INSERT INTO pending_msgs (user_id, content, ts) VALUES ('u', 'x', 1)"); err != nil {
		t.Fatalf("insert after migrate: %v", err)
	}
}
