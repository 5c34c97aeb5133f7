package registrar

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/jobs"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("W00042")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 6}) {
		t.Fatalf("expected big-endian length prefix, got %v", got)
	}
	payload, err := ReadFrame(&buf)
	if err != nil || string(payload) != "W00042" {
		t.Fatalf("read: %q, %v", payload, err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF on empty stream, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	r := bytes.NewReader([]byte{0x7f, 0, 0, 0})
	if _, err := ReadFrame(r); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind RequestKind
		wantErr  bool
	}{
		{"worker", `add1{"identity":"w1","preferences":["vision"]}`, KindAddWorker, false},
		{"coordinator", `add2{"identity":"node-a","roles":["fuse"]}`, KindAddCoordinator, false},
		{"remove", "removeW00012", KindRemove, false},
		{"halt", "halt", KindHalt, false},
		{"worker without preferences", `add1{"identity":"w1"}`, "", true},
		{"worker with unknown field", `add1{"identity":"w1","preferences":["a"],"x":1}`, "", true},
		{"bad json", `add1{`, "", true},
		{"coordinator without identity", `add2{}`, "", true},
		{"remove with bad id", "removeX12", "", true},
		{"halt with trailing bytes", "halt now", "", true},
		{"unknown verb", "list", "", true},
		{"empty", "", "", true},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := p.Parse([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && req.Kind != tt.wantKind {
				t.Errorf("Parse() kind = %s, want %s", req.Kind, tt.wantKind)
			}
		})
	}
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	p := NewParser()
	reqs := []Request{
		{Kind: KindAddWorker, Worker: &engine.WorkerConfig{Identity: "w1", Preferences: []string{"vision"}}},
		{Kind: KindAddCoordinator, Coordinator: &engine.CoordinatorConfig{Identity: "node-a"}},
		{Kind: KindRemove, PartitionID: "W00003"},
		{Kind: KindHalt},
	}
	for _, req := range reqs {
		payload, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode %s: %v", req.Kind, err)
		}
		got, err := p.Parse(payload)
		if err != nil {
			t.Fatalf("parse %s: %v", req.Kind, err)
		}
		if got.Kind != req.Kind || got.Registrant() != req.Registrant() || got.PartitionID != req.PartitionID {
			t.Errorf("round trip of %s gave %+v", req.Kind, got)
		}
	}
}

func TestAllocator(t *testing.T) {
	a := NewAllocator(0, 3, nil)
	for _, want := range []string{"W00000", "W00001", "W00002"} {
		got, err := a.Allocate()
		if err != nil || got != want {
			t.Fatalf("Allocate() = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := a.Allocate(); !engine.IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if a.Live() != 3 {
		t.Errorf("Live() = %d", a.Live())
	}

	a.Release("W00001")
	if got, _ := a.Allocate(); got != "W00001" {
		t.Errorf("expected recycled W00001, got %s", got)
	}

	a.Claim("W00009")
	if a.Counter() != 10 {
		t.Errorf("Claim should advance the counter past the id, got %d", a.Counter())
	}
}

func TestRequestKindIsAdd(t *testing.T) {
	tests := []struct {
		kind RequestKind
		want bool
	}{
		{KindAddWorker, true},
		{KindAddCoordinator, true},
		{KindRemove, false},
		{KindHalt, false},
		{RequestKind("add3"), false},
	}
	for _, tt := range tests {
		if got := tt.kind.IsAdd(); got != tt.want {
			t.Errorf("%q.IsAdd() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestAllocatorCeiling(t *testing.T) {
	tests := []struct {
		name    string
		ceiling int
		want    int
	}{
		{"zero means default", 0, DefaultCeiling},
		{"explicit", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewAllocator(0, tt.ceiling, nil).Ceiling(); got != tt.want {
				t.Errorf("Ceiling() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPartitionID(t *testing.T) {
	if FormatPartitionID(7) != "W00007" {
		t.Fatalf("FormatPartitionID(7) = %s", FormatPartitionID(7))
	}
	for id, valid := range map[string]bool{"W00007": true, "W99999": true, "w00007": false, "W0007": false, "W0000a": false, "": false} {
		if ValidPartitionID(id) != valid {
			t.Errorf("ValidPartitionID(%q) = %v", id, !valid)
		}
	}
	if n, err := ParsePartitionID("W00123"); err != nil || n != 123 {
		t.Errorf("ParsePartitionID = %d, %v", n, err)
	}
}

type harness struct {
	srv    *Server
	client *Client
	halt   *engine.Halt
	done   chan error
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("registrar did not stop")
		return nil
	}
}

func openStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: filepath.Join(t.TempDir(), "registrar.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig(ceiling int, statePath string) Config {
	return Config{
		Host:             "127.0.0.1",
		Ceiling:          ceiling,
		AcceptTimeout:    20 * time.Millisecond,
		SnapshotInterval: time.Hour,
		StatePath:        statePath,
	}
}

func start(t *testing.T, store stores.Store, cfg Config) *harness {
	t.Helper()
	retrier := txn.New(store, txn.Options{MaxRetries: 5, Delay: time.Millisecond})
	srv, err := NewServer(cfg, retrier, telemetry.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	h := &harness{
		srv:    srv,
		client: NewClient(srv.Addr().String(), 2*time.Second),
		halt:   engine.NewHalt(),
		done:   make(chan error, 1),
	}
	go func() { h.done <- srv.Serve(context.Background(), h.halt) }()
	t.Cleanup(h.halt.Signal)
	return h
}

func addWorker(t *testing.T, c *Client, identity string) (string, error) {
	t.Helper()
	return c.Add(context.Background(), engine.WorkerConfig{Identity: identity, Preferences: []string{"vision"}})
}

func TestCeilingThreeScenario(t *testing.T) {
	h := start(t, openStore(t), testConfig(3, ""))
	ctx := context.Background()

	for _, want := range []string{"W00000", "W00001", "W00002"} {
		got, err := addWorker(t, h.client, "w-"+want)
		if err != nil || got != want {
			t.Fatalf("add = %q, %v; want %q", got, err, want)
		}
	}
	if id, err := addWorker(t, h.client, "w-extra"); !engine.IsExhausted(err) {
		t.Fatalf("fourth add should fail with exhaustion, got %q, %v", id, err)
	}

	if err := h.client.Remove(ctx, "W00001"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := addWorker(t, h.client, "w-again")
	if err != nil || got != "W00001" {
		t.Fatalf("add after remove = %q, %v; want W00001", got, err)
	}

	if err := h.client.Halt(ctx); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestCoordinatorAndWorkerShareThePool(t *testing.T) {
	store := openStore(t)
	h := start(t, store, testConfig(10, ""))
	ctx := context.Background()

	w, err := addWorker(t, h.client, "worker-1")
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}
	c, err := h.client.AddCoordinator(ctx, engine.CoordinatorConfig{Identity: "node-a", Roles: []string{"fuse"}})
	if err != nil {
		t.Fatalf("add coordinator: %v", err)
	}
	if w != "W00000" || c != "W00001" {
		t.Fatalf("expected W00000 and W00001, got %s and %s", w, c)
	}

	rows, err := store.ListPartitions(ctx)
	if err != nil || len(rows) != 2 {
		t.Fatalf("list partitions: %v, %v", rows, err)
	}
	if rows[1].Kind != engine.PartitionKindCoordinator || rows[1].Registrant != "node-a" || rows[1].State != engine.PartitionRegistered {
		t.Errorf("unexpected coordinator row %+v", rows[1])
	}
	if rows[0].Kind != engine.PartitionKindWorker || rows[0].Registrant != "worker-1" {
		t.Errorf("unexpected worker row %+v", rows[0])
	}
}

// TestReassignClearsPriorContent drives the job center with the registrar as
// its reclaimer: a worker is unregistered with work still in its partition,
// and the next occupant of the same id must start empty.
func TestReassignClearsPriorContent(t *testing.T) {
	store := openStore(t)
	h := start(t, store, testConfig(5, ""))
	ctx := context.Background()

	retrier := txn.New(store, txn.Options{MaxRetries: 10, Delay: time.Millisecond})
	center := jobs.NewCenter(retrier, engine.NewRuntimeContext("node-test"), telemetry.Nop(), jobs.WithReclaimer(h.client))

	id, err := addWorker(t, h.client, "worker-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	first := jobs.Worker{Identity: "worker-1", Partition: id, Categories: []string{"vision"}}
	if err := center.Register(ctx, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := center.Submit(ctx, engine.TaskDetail{Category: "vision", Source: "rec"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := center.AssignPass(ctx); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a, _ := center.Next(ctx, id); a == nil {
		t.Fatal("expected work in the first occupant's partition")
	}

	if err := center.Unregister(ctx, first); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	again, err := addWorker(t, h.client, "worker-2")
	if err != nil || again != id {
		t.Fatalf("expected %s to be reissued, got %q, %v", id, again, err)
	}
	if a, err := center.Next(ctx, again); err != nil || a != nil {
		t.Fatalf("reissued partition must be empty, got %+v, %v", a, err)
	}

	tx, _ := store.Begin(ctx)
	defer tx.Rollback()
	row, err := tx.GetPartition(ctx, id)
	if err != nil {
		t.Fatalf("get partition: %v", err)
	}
	if row.State != engine.PartitionRegistered || row.Registrant != "worker-2" {
		t.Errorf("unexpected directory row %+v", row)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := openStore(t)
	statePath := filepath.Join(t.TempDir(), "registrar.yaml")
	ctx := context.Background()

	h := start(t, store, testConfig(100, statePath))
	for i := 0; i < 3; i++ {
		if _, err := addWorker(t, h.client, "w"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := h.client.Remove(ctx, "W00000"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.client.Halt(ctx); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}

	st, err := LoadState(statePath)
	if err != nil || st == nil {
		t.Fatalf("load state: %v, %v", st, err)
	}
	if st.Counter != 3 || len(st.Recycled) != 1 || st.Recycled[0] != "W00000" {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Version != StateVersion || st.SnapshotInterval != time.Hour || st.Host != "127.0.0.1" || st.Port == 0 {
		t.Errorf("unexpected state header %+v", st)
	}

	h2 := start(t, store, testConfig(100, statePath))
	for _, want := range []string{"W00000", "W00003"} {
		got, err := addWorker(t, h2.client, "w")
		if err != nil || got != want {
			t.Fatalf("add after restart = %q, %v; want %q", got, err, want)
		}
	}
}

func TestRestartWithoutSnapshotNeverReissues(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	h := start(t, store, testConfig(100, ""))
	for i := 0; i < 3; i++ {
		if _, err := addWorker(t, h.client, "w"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := h.client.Remove(ctx, "W00001"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.halt.Signal()
	if err := h.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}

	h2 := start(t, store, testConfig(100, ""))
	for _, want := range []string{"W00001", "W00003"} {
		got, err := addWorker(t, h2.client, "w")
		if err != nil || got != want {
			t.Fatalf("add after restart = %q, %v; want %q", got, err, want)
		}
	}
}

func TestMalformedRequestsAreDropped(t *testing.T) {
	h := start(t, openStore(t), testConfig(5, ""))
	addr := h.srv.Addr().String()

	for _, payload := range []string{"bogus", `add1{}`, `add1{"identity":"w","preferences":["a"],"extra":true}`, "removeW1"} {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		if err := WriteFrame(conn, []byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if resp, err := ReadFrame(conn); !errors.Is(err, io.EOF) {
			t.Errorf("%q: expected close without body, got %q, %v", payload, resp, err)
		}
		conn.Close()
	}

	// Nothing was allocated by the rejected requests.
	got, err := addWorker(t, h.client, "w")
	if err != nil || got != "W00000" {
		t.Fatalf("add = %q, %v", got, err)
	}
}

func TestRemoveUnknownPartitionIsFatal(t *testing.T) {
	h := start(t, openStore(t), testConfig(5, ""))

	if err := h.client.Remove(context.Background(), "W00042"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := h.wait(t)
	if !engine.IsNotFound(err) {
		t.Fatalf("expected the accept loop to stop with not found, got %v", err)
	}
}

func TestClientConnectivityError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	c := NewClient(addr, 200*time.Millisecond)
	if _, err := c.Add(context.Background(), engine.WorkerConfig{Identity: "w", Preferences: []string{"a"}}); !engine.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}
