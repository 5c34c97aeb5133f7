package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quanta/quanta/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "quanta.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustBegin(t *testing.T, s Store) Txn {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "life.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCreateGetQuery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	for _, src := range []string{"a", "b", "c"} {
		if _, err := tx.Create(engine.RecordTaskMarker, map[string]string{
			engine.PropSourceType: "image",
			engine.PropRecord:     src,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := tx.Create(engine.RecordTaskMarker, map[string]string{engine.PropSourceType: "audio"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = mustBegin(t, store)
	defer tx.Rollback()

	images, err := tx.Query(ctx, Filter{
		Type:  engine.RecordTaskMarker,
		Props: map[string]string{engine.PropSourceType: "image"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("expected 3 image markers, got %d", len(images))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := images[i].Get(engine.PropRecord); got != want {
			t.Errorf("marker %d: expected record %q, got %q", i, want, got)
		}
	}

	first, err := tx.FirstOf(ctx, Filter{Type: engine.RecordTaskMarker})
	if err != nil {
		t.Fatalf("first of: %v", err)
	}
	if first == nil || first.ID != images[0].ID {
		t.Fatalf("expected first marker %v, got %v", images[0].ID, first)
	}

	n, err := tx.Count(ctx, Filter{Type: engine.RecordTaskMarker})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 markers, got %d", n)
	}

	none, err := tx.FirstOf(ctx, Filter{Type: engine.RecordMainFrame})
	if err != nil {
		t.Fatalf("first of: %v", err)
	}
	if none != nil {
		t.Errorf("expected no main frame, got %v", none)
	}

	got, err := tx.Get(ctx, images[1].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Type != engine.RecordTaskMarker {
		t.Errorf("unexpected record %+v", got)
	}

	if _, err := tx.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) || !engine.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	store := setupTestStore(t)
	tx := mustBegin(t, store)
	defer tx.Rollback()

	_, err := tx.Create(engine.RecordType("bogus"), nil)
	if !engine.IsInvariant(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestConcurrentUpdateConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	rec, _ := tx.Create(engine.RecordAggregateSnapshot, map[string]string{engine.PropValue: "0"})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx1 := mustBegin(t, store)
	tx2 := mustBegin(t, store)

	r1, err := tx1.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r2, err := tx2.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := tx1.Set(r1, engine.PropValue, "10"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tx2.Set(r2, engine.PropValue, "20"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("first commit should win: %v", err)
	}
	err = tx2.Commit(ctx)
	if !errors.Is(err, ErrConflict) || !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	check := mustBegin(t, store)
	defer check.Rollback()
	got, err := check.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Get(engine.PropValue) != "10" || got.Version != 2 {
		t.Errorf("expected value 10 at version 2, got %q at %d", got.Get(engine.PropValue), got.Version)
	}
	if r1.Version != 2 {
		t.Errorf("expected committed snapshot to track version 2, got %d", r1.Version)
	}
}

func TestConcurrentDeleteConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	rec, _ := tx.Create(engine.RecordTaskItem, map[string]string{engine.PropCategory: "c"})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx1 := mustBegin(t, store)
	tx2 := mustBegin(t, store)
	a, _ := tx1.Get(ctx, rec.ID)
	b, _ := tx2.Get(ctx, rec.ID)
	_ = tx1.Delete(a)
	_ = tx2.Delete(b)

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := tx2.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on double delete, got %v", err)
	}
}

func TestGuardedReadConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	reg, _ := tx.Create(engine.RecordWorkerRegistration, map[string]string{engine.PropCategory: "c"})
	item, _ := tx.Create(engine.RecordTaskItem, map[string]string{engine.PropCategory: "c"})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tests := []struct {
		name    string
		guard   bool
		wantErr error
	}{
		{"unguarded read commits", false, nil},
		{"guarded read conflicts", true, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := mustBegin(t, store)
			got, err := reader.Get(ctx, reg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if tt.guard {
				if err := reader.Guard(got); err != nil {
					t.Fatalf("guard: %v", err)
				}
			}
			_ = reader.Set(item, engine.PropCategory, "d")

			// Bump the registration behind the reader's back.
			writer := mustBegin(t, store)
			cur, _ := writer.Get(ctx, reg.ID)
			_ = writer.Set(cur, engine.PropCategory, tt.name)
			if err := writer.Commit(ctx); err != nil {
				t.Fatalf("writer commit: %v", err)
			}

			err = reader.Commit(ctx)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected commit to succeed, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			item, _ = mustBegin(t, store).Get(ctx, item.ID)
		})
	}
}

func TestGuardOnlyTxValidates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	rec, _ := tx.Create(engine.RecordTaskItem, map[string]string{engine.PropCategory: "c"})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := mustBegin(t, store)
	got, _ := reader.Get(ctx, rec.ID)
	if err := reader.Guard(got); err != nil {
		t.Fatalf("guard: %v", err)
	}

	deleter := mustBegin(t, store)
	cur, _ := deleter.Get(ctx, rec.ID)
	_ = deleter.Delete(cur)
	if err := deleter.Commit(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := reader.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for a guarded record deleted before commit, got %v", err)
	}
	if err := mustBegin(t, store).Guard(nil); err == nil {
		t.Error("expected guard on nil record to fail")
	}
}

func TestLinksFollowDeletes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	group, _ := tx.Create(engine.RecordFrameGroup, map[string]string{engine.PropSourceType: "image"})
	m1, _ := tx.Create(engine.RecordImage, nil)
	m2, _ := tx.Create(engine.RecordImage, nil)
	_ = tx.Link(group, engine.RelMember, m1)
	_ = tx.Link(group, engine.RelMember, m2)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = mustBegin(t, store)
	ids, err := tx.Linked(ctx, group.ID, engine.RelMember)
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 members, got %v", ids)
	}
	fresh, _ := tx.Get(ctx, m1.ID)
	_ = tx.Delete(fresh)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	tx = mustBegin(t, store)
	defer tx.Rollback()
	ids, _ = tx.Linked(ctx, group.ID, engine.RelMember)
	if len(ids) != 1 || ids[0] != m2.ID {
		t.Fatalf("expected only %s, got %v", m2.ID, ids)
	}
}

func TestLinkToVanishedRecordConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	src, _ := tx.Create(engine.RecordMotion, nil)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	linker := mustBegin(t, store)
	stale, _ := linker.Get(ctx, src.ID)
	group, _ := linker.Create(engine.RecordFrameGroup, nil)
	_ = linker.Link(group, engine.RelMember, stale)

	deleter := mustBegin(t, store)
	victim, _ := deleter.Get(ctx, src.ID)
	_ = deleter.Delete(victim)
	if err := deleter.Commit(ctx); err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	if err := linker.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPartitionDirectory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx := mustBegin(t, store)
	if _, err := tx.GetPartition(ctx, "W00000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	now := time.Now()
	if err := tx.PutPartition(&Partition{
		ID:             "W00000",
		State:          engine.PartitionRegistered,
		Kind:           engine.PartitionKindWorker,
		Registrant:     "w1",
		LastAssignedAt: now,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A second writer that believes the row is absent must conflict.
	tx = mustBegin(t, store)
	_ = tx.PutPartition(&Partition{ID: "W00000", State: engine.PartitionRegistered, Registrant: "w2"})
	if err := tx.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	tx = mustBegin(t, store)
	p, err := tx.GetPartition(ctx, "W00000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Registrant != "w1" || p.Version != 1 || p.State != engine.PartitionRegistered {
		t.Fatalf("unexpected partition %+v", p)
	}
	p.State = engine.PartitionFree
	_ = tx.PutPartition(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	parts, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(parts) != 1 || parts[0].State != engine.PartitionFree || parts[0].Version != 2 {
		t.Fatalf("unexpected directory %+v", parts)
	}
}

func TestFinishedTxRejectsUse(t *testing.T) {
	store := setupTestStore(t)
	tx := mustBegin(t, store)
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := tx.Create(engine.RecordImage, nil); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
	if err := tx.Commit(context.Background()); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
}
