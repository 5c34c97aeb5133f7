package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Halt is a cooperative stop flag shared between a role and the work it runs.
// It can be polled with Halted or waited on through Done.
type Halt struct {
	flag atomic.Bool
	once sync.Once
	ch   chan struct{}
}

// NewHalt returns an unsignalled halt flag.
func NewHalt() *Halt {
	return &Halt{ch: make(chan struct{})}
}

// Signal raises the flag. Safe to call more than once.
func (h *Halt) Signal() {
	h.once.Do(func() {
		h.flag.Store(true)
		close(h.ch)
	})
}

// Halted reports whether Signal was called.
func (h *Halt) Halted() bool {
	return h.flag.Load()
}

// Done returns a channel closed on Signal.
func (h *Halt) Done() <-chan struct{} {
	return h.ch
}

// Sleep waits for d or until halt, whichever comes first. It returns false
// when the wait ended because of halt.
func (h *Halt) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !h.Halted()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !h.Halted()
	case <-h.ch:
		return false
	}
}

// Counters are the node-wide scalars shared between roles.
type Counters struct {
	FrameGroups   atomic.Int64
	MainFrames    atomic.Int64
	TasksAssigned atomic.Int64
	TasksDone     atomic.Int64
	ItemsShed     atomic.Int64
	Ingested      atomic.Int64
	NotFound      atomic.Int64
	FramesSkipped atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	FrameGroups   int64 `json:"frame_groups"`
	MainFrames    int64 `json:"main_frames"`
	TasksAssigned int64 `json:"tasks_assigned"`
	TasksDone     int64 `json:"tasks_done"`
	ItemsShed     int64 `json:"items_shed"`
	Ingested      int64 `json:"ingested"`
	NotFound      int64 `json:"not_found"`
	FramesSkipped int64 `json:"frames_skipped"`
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FrameGroups:   c.FrameGroups.Load(),
		MainFrames:    c.MainFrames.Load(),
		TasksAssigned: c.TasksAssigned.Load(),
		TasksDone:     c.TasksDone.Load(),
		ItemsShed:     c.ItemsShed.Load(),
		Ingested:      c.Ingested.Load(),
		NotFound:      c.NotFound.Load(),
		FramesSkipped: c.FramesSkipped.Load(),
	}
}

// RuntimeContext carries the state shared by every role on one node. It is
// built by the supervisor and passed by reference; there are no globals.
type RuntimeContext struct {
	// Identity names this node in completed markers and logs.
	Identity string

	// Clock drives frame cadence.
	Clock Clock

	// Counters are updated by roles with atomics.
	Counters *Counters
}

// NewRuntimeContext creates a runtime context for identity using the system clock.
func NewRuntimeContext(identity string) *RuntimeContext {
	return &RuntimeContext{
		Identity: identity,
		Clock:    SystemClock{},
		Counters: &Counters{},
	}
}
