package stores

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"
)

// setupSQLiteStore creates a file-backed SQLite store for testing.
func setupSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: path,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestSQLiteLifecycle tests database initialization and closure.
func TestSQLiteLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "driftdb.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestSQLiteConfigValidation tests configuration requirements.
func TestSQLiteConfigValidation(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Error("expected error for empty database path")
	}
}

// TestSQLiteMigrations tests that migrations create the expected schema.
func TestSQLiteMigrations(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := setupSQLiteStore(t, filepath.Join(t.TempDir(), "driftdb.db"))
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"commits", "commit_parents", "commit_entries", "objects", "heads"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("re-running migrations failed: %v", err)
	}
}

// TestSQLitePersistsAcrossReopen commits through one store instance and
// reads the graph back through a fresh one.
func TestSQLitePersistsAcrossReopen(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "driftdb.db")
	clk := &testClock{}
	clk.set(5)

	store, err := NewSQLiteStore(SQLiteConfig{Path: path, Now: clk.now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	root := mustCommitKeys(t, store, "", map[string]string{"a": "1"})
	clk.set(6)
	child := mustCommitKeys(t, store, root.ID, map[string]string{"b": "2"})

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened := setupSQLiteStore(t, path)
	defer reopened.Close()

	st, heads := awaitHeads(reopened)
	if st != StatusOK {
		t.Fatalf("failed to get heads: %s", st)
	}
	if len(heads) != 1 || heads[0] != child.ID {
		t.Errorf("heads after reopen = %v, want [%s]", heads, child.ID)
	}

	gst, got := func() (Status, *Commit) {
		type result struct {
			st Status
			c  *Commit
		}
		ch := make(chan result, 1)
		reopened.GetCommit(child.ID, func(st Status, c *Commit) { ch <- result{st, c} })
		r := <-ch
		return r.st, r.c
	}()
	if gst != StatusOK {
		t.Fatalf("failed to reload commit: %s", gst)
	}
	if got.Timestamp != 6 || got.Generation != 2 {
		t.Errorf("reloaded commit = %+v", got)
	}
	if len(got.Parents) != 1 || got.Parents[0] != root.ID {
		t.Errorf("reloaded parents = %v, want [%s]", got.Parents, root.ID)
	}

	cst, entries := awaitContents(reopened, got)
	if cst != StatusOK {
		t.Fatalf("failed to load contents: %s", cst)
	}
	if len(entries) != 2 {
		t.Fatalf("reloaded view has %d entries, want 2", len(entries))
	}
	ost, data := awaitGetObject(reopened, entries[0].ObjectID)
	if ost != StatusOK {
		t.Fatalf("failed to load object: %s", ost)
	}
	if string(data) != "1" {
		t.Errorf("reloaded object = %q, want %q", data, "1")
	}
}
