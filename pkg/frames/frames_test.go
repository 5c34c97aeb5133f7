package frames

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quanta/quanta/pkg/aggregate"
	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/execqueue"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	c.now = time.UnixMilli(ms)
	c.mu.Unlock()
}

type recordingQueue struct {
	mu    sync.Mutex
	items []execqueue.Item
}

func (q *recordingQueue) Enqueue(item execqueue.Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

type fixture struct {
	store *stores.SQLiteStore
	rt    *engine.RuntimeContext
	clock *fakeClock
	agg   *aggregate.Window
	queue *recordingQueue
	p     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: filepath.Join(t.TempDir(), "frames.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		rt:    engine.NewRuntimeContext("node-test"),
		clock: &fakeClock{now: time.UnixMilli(1_000_000)},
		agg:   aggregate.NewWindow(0),
		queue: &recordingQueue{},
	}
	f.rt.Clock = f.clock
	retrier := txn.New(store, txn.Options{MaxRetries: 20, Delay: time.Millisecond})
	f.p, err = New(Config{Quantum: 10 * time.Millisecond}, retrier, f.rt, f.agg, f.queue, telemetry.Nop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return f
}

// ingest writes a payload record and its task marker.
func (f *fixture) ingest(t *testing.T, rt engine.RecordType) string {
	t.Helper()
	ctx := context.Background()
	tx, _ := f.store.Begin(ctx)
	rec, err := tx.Create(rt, map[string]string{"payload": "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tx.Create(engine.RecordTaskMarker, map[string]string{
		engine.PropSourceType: string(rt),
		engine.PropRecord:     rec.ID,
	}); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return rec.ID
}

func (f *fixture) count(t *testing.T, filter stores.Filter) int {
	t.Helper()
	tx, _ := f.store.Begin(context.Background())
	defer tx.Rollback()
	n, err := tx.Count(context.Background(), filter)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (f *fixture) linked(t *testing.T, id, relation string) []string {
	t.Helper()
	tx, _ := f.store.Begin(context.Background())
	defer tx.Rollback()
	ids, err := tx.Linked(context.Background(), id, relation)
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	return ids
}

func TestTickGroupsPendingMarkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var images []string
	for i := 0; i < 3; i++ {
		images = append(images, f.ingest(t, engine.RecordImage))
	}
	f.ingest(t, engine.RecordAudio)

	group, err := f.p.Tick(engine.RecordImage).Execute(ctx, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if group == nil {
		t.Fatal("expected a frame group")
	}
	if group.Get(engine.PropFrameIndex) != "100" || group.Get(engine.PropMembers) != "3" {
		t.Errorf("unexpected group props %v", group.Props)
	}

	members := f.linked(t, group.ID, engine.RelMember)
	if len(members) != len(images) {
		t.Fatalf("expected %d members, got %d", len(images), len(members))
	}
	want := map[string]bool{}
	for _, id := range images {
		want[id] = true
	}
	for _, id := range members {
		if !want[id] {
			t.Errorf("unexpected member %s", id)
		}
	}

	checks := []struct {
		name   string
		filter stores.Filter
		want   int
	}{
		{"image markers consumed", stores.Filter{Type: engine.RecordTaskMarker, Props: map[string]string{engine.PropSourceType: "image"}}, 0},
		{"audio markers untouched", stores.Filter{Type: engine.RecordTaskMarker, Props: map[string]string{engine.PropSourceType: "audio"}}, 1},
		{"one announce marker", stores.Filter{Type: engine.RecordAnnounceMarker, Props: map[string]string{engine.PropFrameGroup: group.ID}}, 1},
		{"one completed marker", stores.Filter{Type: engine.RecordCompletedMarker, Props: map[string]string{
			engine.PropRef: group.ID, engine.PropStage: engine.StageFrame, engine.PropIdentity: "node-test",
		}}, 1},
	}
	for _, c := range checks {
		if got := f.count(t, c.filter); got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}

	again, err := f.p.Tick(engine.RecordImage).Execute(ctx, 100)
	if err != nil || again != nil {
		t.Fatalf("expected no-op, got %v, %v", again, err)
	}
}

func TestTickConsumesMarkerOfVanishedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _ := f.store.Begin(ctx)
	_, _ = tx.Create(engine.RecordTaskMarker, map[string]string{
		engine.PropSourceType: "motion",
		engine.PropRecord:     "gone",
	})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	group, err := f.p.Tick(engine.RecordMotion).Execute(ctx, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if group == nil || group.Get(engine.PropMembers) != "0" {
		t.Fatalf("expected empty group, got %v", group)
	}
	if f.rt.Counters.NotFound.Load() != 1 {
		t.Errorf("expected NotFound counted once, got %d", f.rt.Counters.NotFound.Load())
	}
	if n := f.count(t, stores.Filter{Type: engine.RecordTaskMarker}); n != 0 {
		t.Errorf("marker should be consumed, %d left", n)
	}
}

func TestTickMismatchedRecordIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _ := f.store.Begin(ctx)
	audio, _ := tx.Create(engine.RecordAudio, nil)
	_, _ = tx.Create(engine.RecordTaskMarker, map[string]string{
		engine.PropSourceType: "image",
		engine.PropRecord:     audio.ID,
	})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := f.p.Tick(engine.RecordImage).Execute(ctx, 1); !engine.IsInvariant(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if n := f.count(t, stores.Filter{Type: engine.RecordTaskMarker}); n != 1 {
		t.Errorf("failed tick must not consume markers, %d left", n)
	}
}

func TestTickStepCadence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tick := f.p.Tick(engine.RecordImage)

	// Quantum 100 with nothing pending: retry within the same quantum.
	f.clock.Set(1000)
	wait, err := tick.Step(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if wait != f.p.cfg.PollInterval {
		t.Errorf("no-op wait = %s, want poll interval", wait)
	}

	// A marker arrives later in the same quantum and is picked up.
	f.ingest(t, engine.RecordImage)
	f.clock.Set(1003)
	wait, err = tick.Step(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if wait != 7*time.Millisecond {
		t.Errorf("wait after execution = %s, want 7ms", wait)
	}
	if f.rt.Counters.FrameGroups.Load() != 1 {
		t.Fatalf("expected one group, got %d", f.rt.Counters.FrameGroups.Load())
	}

	// Still quantum 100: at most one group per quantum.
	f.ingest(t, engine.RecordImage)
	f.clock.Set(1006)
	if _, err := tick.Step(ctx, f.clock.Now()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if f.rt.Counters.FrameGroups.Load() != 1 {
		t.Fatalf("second group created in the same quantum")
	}

	// Quantum 104: three quanta behind, counted as skipped, then executed.
	f.clock.Set(1045)
	if _, err := tick.Step(ctx, f.clock.Now()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := f.rt.Counters.FramesSkipped.Load(); got != 3 {
		t.Errorf("FramesSkipped = %d, want 3", got)
	}
	if f.rt.Counters.FrameGroups.Load() != 2 {
		t.Errorf("expected the pending marker to be grouped in quantum 104")
	}
}

func TestFuseBuildsLinearLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fuse := f.p.Fuser()
	if err := fuse.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	// A second bootstrap must not create another pointer.
	if err := fuse.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap again: %v", err)
	}

	const n = 6
	var created []string
	for i := 0; i < n; i++ {
		idx := int64(200 + i)
		f.clock.Set(idx * 10)
		f.agg.Submit(float64(10 * i))
		for _, st := range engine.SourceTypes {
			f.ingest(t, st)
			if _, err := f.p.Tick(st).Execute(ctx, idx); err != nil {
				t.Fatalf("tick: %v", err)
			}
		}
		mf, err := fuse.Fuse(ctx, idx)
		if err != nil {
			t.Fatalf("fuse %d: %v", i, err)
		}
		if mf == nil {
			t.Fatalf("fuse %d produced no main frame", i)
		}
		if mf.FrameIndex != idx || mf.Timestamp.UnixMilli() != idx*10 {
			t.Errorf("main frame %d: unexpected %+v", i, mf)
		}
		if got := len(f.linked(t, mf.ID, engine.RelMember)); got != len(engine.SourceTypes) {
			t.Errorf("main frame %d: expected %d member groups, got %d", i, len(engine.SourceTypes), got)
		}
		created = append(created, mf.ID)
	}

	lineage, err := Lineage(ctx, f.store, 0)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != n {
		t.Fatalf("expected lineage of %d, got %d", n, len(lineage))
	}
	for i, mf := range lineage {
		if want := created[n-1-i]; mf.ID != want {
			t.Errorf("lineage[%d] = %s, want %s", i, mf.ID, want)
		}
		if prev := f.linked(t, mf.ID, engine.RelPrevious); len(prev) != 1 {
			t.Errorf("main frame %s has %d previous links", mf.ID, len(prev))
		}
	}

	if got := f.count(t, stores.Filter{Type: engine.RecordPreviousPointer}); got != 1 {
		t.Fatalf("expected exactly one previous pointer, got %d", got)
	}
	if got := f.count(t, stores.Filter{
		Type:  engine.RecordPreviousPointer,
		Props: map[string]string{engine.PropMainFrame: created[n-1]},
	}); got != 1 {
		t.Error("previous pointer does not reference the newest main frame")
	}
	if got := f.count(t, stores.Filter{Type: engine.RecordAnnounceMarker}); got != 0 {
		t.Errorf("announce markers left behind: %d", got)
	}

	limited, err := Lineage(ctx, f.store, 2)
	if err != nil || len(limited) != 2 || limited[0].ID != created[n-1] {
		t.Errorf("limited lineage = %v, %v", limited, err)
	}

	f.queue.mu.Lock()
	queued := len(f.queue.items)
	f.queue.mu.Unlock()
	if queued != n {
		t.Errorf("expected %d indexing items, got %d", n, queued)
	}
}

func TestFuseWithoutAnnouncementsIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fuse := f.p.Fuser()
	if err := fuse.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	mf, err := fuse.Fuse(ctx, 7)
	if err != nil || mf != nil {
		t.Fatalf("expected no main frame, got %v, %v", mf, err)
	}
	// Only the genesis frame exists.
	if got := f.count(t, stores.Filter{Type: engine.RecordMainFrame}); got != 1 {
		t.Errorf("expected only genesis, got %d main frames", got)
	}
}

func TestFuseUnknownSourceTypeIsFatal(t *testing.T) {
	for _, sourceType := range []string{"video", string(engine.RecordFrameGroup), ""} {
		t.Run(sourceType, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			fuse := f.p.Fuser()
			if err := fuse.Bootstrap(ctx); err != nil {
				t.Fatalf("bootstrap: %v", err)
			}

			tx, _ := f.store.Begin(ctx)
			g, _ := tx.Create(engine.RecordFrameGroup, map[string]string{engine.PropSourceType: sourceType})
			_, _ = tx.Create(engine.RecordAnnounceMarker, map[string]string{
				engine.PropSourceType: sourceType,
				engine.PropFrameGroup: g.ID,
			})
			if err := tx.Commit(ctx); err != nil {
				t.Fatalf("commit: %v", err)
			}

			if _, err := fuse.Fuse(ctx, 3); !engine.IsInvariant(err) {
				t.Fatalf("expected invariant violation, got %v", err)
			}
			if got := f.count(t, stores.Filter{Type: engine.RecordAnnounceMarker}); got != 1 {
				t.Error("aborted fuse must not consume markers")
			}
		})
	}
}

func TestIndexMainFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fuse := f.p.Fuser()
	if err := fuse.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	f.ingest(t, engine.RecordAudio)
	if _, err := f.p.Tick(engine.RecordAudio).Execute(ctx, 5); err != nil {
		t.Fatalf("tick: %v", err)
	}
	mf, err := fuse.Fuse(ctx, 5)
	if err != nil || mf == nil {
		t.Fatalf("fuse: %v, %v", mf, err)
	}

	item := f.queue.items[0]
	if err := item.Run(ctx, engine.NewHalt()); err != nil {
		t.Fatalf("index: %v", err)
	}
	if got := f.count(t, stores.Filter{
		Type:  engine.RecordMainFrame,
		Props: map[string]string{engine.PropIndexed: "true", engine.PropMembers: "1"},
	}); got != 1 {
		t.Errorf("expected one indexed main frame with one member, got %d", got)
	}

	// Indexing a vanished frame is logged and counted, not fatal.
	if err := f.p.IndexMainFrame("missing").Run(ctx, engine.NewHalt()); err != nil {
		t.Fatalf("index of missing frame: %v", err)
	}
	if f.rt.Counters.NotFound.Load() != 1 {
		t.Error("expected NotFound to be counted")
	}
}

func TestRecoverLinksInterruptedFuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fuse := f.p.Fuser()
	if err := fuse.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// Simulate a crash between the member and lineage transactions.
	f.ingest(t, engine.RecordImage)
	if _, err := f.p.Tick(engine.RecordImage).Execute(ctx, 9); err != nil {
		t.Fatalf("tick: %v", err)
	}
	orphan, _, err := fuse.linkMembers(ctx, 9)
	if err != nil || orphan == nil {
		t.Fatalf("link members: %v", err)
	}
	if lineage, _ := Lineage(ctx, f.store, 0); len(lineage) != 0 {
		t.Fatalf("orphan should not be in lineage yet")
	}

	n, err := fuse.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	lineage, err := Lineage(ctx, f.store, 0)
	if err != nil || len(lineage) != 1 || lineage[0].ID != orphan.ID {
		t.Fatalf("lineage after recover = %v, %v", lineage, err)
	}
}

func TestRolesRunConcurrently(t *testing.T) {
	f := newFixture(t)
	f.rt.Clock = engine.SystemClock{}
	sup := engine.NewSupervisor(f.rt, telemetry.NopLogger(), nil)
	for _, r := range f.p.Roles() {
		sup.Add(r)
	}
	ctx := context.Background()
	sup.Start(ctx)

	deadline := time.Now().Add(300 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		f.ingest(t, engine.SourceTypes[i%len(engine.SourceTypes)])
		time.Sleep(2 * time.Millisecond)
	}
	sup.Halt()
	sup.Wait()

	for _, st := range sup.Status() {
		if st.State != engine.RoleStateHalted {
			t.Errorf("role %s ended %s: %s", st.Name, st.State, st.Error)
		}
	}

	lineage, err := Lineage(ctx, f.store, 0)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) == 0 {
		t.Fatal("expected main frames to be fused")
	}
	total := f.count(t, stores.Filter{Type: engine.RecordMainFrame})
	if total-1 != len(lineage) {
		t.Errorf("every main frame must be on the lineage: %d frames, lineage %d", total-1, len(lineage))
	}
	for i := 1; i < len(lineage); i++ {
		if lineage[i].FrameIndex >= lineage[i-1].FrameIndex {
			t.Errorf("lineage not ordered at %d", i)
		}
	}
}
