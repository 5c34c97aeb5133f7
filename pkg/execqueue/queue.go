package execqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/telemetry"
)

// Defaults for load shedding and completion polling.
const (
	DefaultHighWater    = 50
	DefaultDropLimit    = 200
	DefaultPollInterval = 5 * time.Millisecond
)

// Item is one unit of background work. Run receives the runner's halt flag
// and should return promptly once it is raised.
type Item struct {
	Name string
	Run  func(ctx context.Context, halt *engine.Halt) error
}

// Options configures a Queue.
type Options struct {
	HighWater    int
	DropLimit    int
	PollInterval time.Duration

	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Counters *engine.Counters
}

// Queue is an unbounded FIFO drained by one runner.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	notify chan struct{}

	highWater int
	dropLimit int
	poll      time.Duration

	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	counters *engine.Counters
}

var _ engine.Role = (*Queue)(nil)

// New creates a queue. Zero options take the defaults.
func New(opts Options) *Queue {
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.DropLimit <= 0 {
		opts.DropLimit = DefaultDropLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Queue{
		notify:    make(chan struct{}, 1),
		highWater: opts.HighWater,
		dropLimit: opts.DropLimit,
		poll:      opts.PollInterval,
		logger:    logger.NewComponentLogger("execqueue"),
		metrics:   opts.Metrics,
		counters:  opts.Counters,
	}
}

// Name implements engine.Role.
func (q *Queue) Name() string { return "execqueue" }

// Enqueue appends an item. It never blocks.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(n)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Shed drops the oldest min(len-HighWater, DropLimit) items when the backlog
// exceeds the high-water mark and returns how many were dropped.
func (q *Queue) Shed() int {
	q.mu.Lock()
	excess := len(q.items) - q.highWater
	if excess <= 0 {
		q.mu.Unlock()
		return 0
	}
	n := min(excess, q.dropLimit)
	// Copy so the dropped items are not pinned by the backing array.
	q.items = append([]Item(nil), q.items[n:]...)
	remaining := len(q.items)
	q.mu.Unlock()

	q.logger.WithField("dropped", n).WithField("remaining", remaining).Warn("execution queue backlogged, shedding oldest items")
	q.metrics.RecordShed(n)
	q.metrics.SetQueueDepth(remaining)
	if q.counters != nil {
		q.counters.ItemsShed.Add(int64(n))
	}
	return n
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	q.metrics.SetQueueDepth(len(q.items))
	return item, true
}

// Run drains the queue until halt is raised. The item in flight when halt is
// raised is allowed to finish.
func (q *Queue) Run(ctx context.Context, halt *engine.Halt) error {
	for !halt.Halted() {
		q.Shed()

		item, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
			case <-halt.Done():
			case <-ctx.Done():
				return nil
			}
			continue
		}

		q.runItem(ctx, halt, item)
	}
	return nil
}

// runItem runs item on a disposable goroutine and polls for its completion.
func (q *Queue) runItem(ctx context.Context, halt *engine.Halt, item Item) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("item panicked: %v", r)
			}
		}()
		done <- item.Run(ctx, halt)
	}()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	haltCh := halt.Done()
	for {
		select {
		case err := <-done:
			if err != nil {
				q.logger.WithField("item", item.Name).WithError(err).Error("background item failed")
			}
			return
		case <-haltCh:
			haltCh = nil
			q.logger.WithField("item", item.Name).Debug("halt requested, waiting for in-flight item")
		case <-ticker.C:
		}
	}
}
