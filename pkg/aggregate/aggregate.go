// Package aggregate keeps the global scalar recorded in every main frame.
package aggregate

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// DefaultWindow is the number of samples averaged by a Window.
const DefaultWindow = 64

// DefaultPersistInterval is the pause between aggregate snapshots.
const DefaultPersistInterval = time.Second

// Bounds of the aggregate.
const (
	Min = 0.0
	Max = 100.0
)

// Window is a sliding mean over the most recent submissions, clamped to
// [Min, Max]. It implements engine.AggregateService.
type Window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
	sum     float64
}

var _ engine.AggregateService = (*Window)(nil)

// NewWindow creates a window of size samples. size <= 0 uses DefaultWindow.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{samples: make([]float64, size)}
}

// Submit records one observation.
func (w *Window) Submit(value float64) {
	value = clamp(value)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled {
		w.sum -= w.samples[w.next]
	}
	w.samples[w.next] = value
	w.sum += value
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// GlobalAggregate returns the mean of the window, or 0 before any submission.
func (w *Window) GlobalAggregate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	return clamp(w.sum / float64(n))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return Min
	case v < Min:
		return Min
	case v > Max:
		return Max
	default:
		return v
	}
}

// Persister periodically writes the aggregate into the aggregate_snapshot
// singleton. Writes are best effort: a conflicting commit is dropped.
type Persister struct {
	service  engine.AggregateService
	retrier  *txn.Retrier
	interval time.Duration
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

var _ engine.Role = (*Persister)(nil)

// NewPersister creates the aggregate update role.
func NewPersister(service engine.AggregateService, retrier *txn.Retrier, interval time.Duration, tel *telemetry.Telemetry) *Persister {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Persister{
		service:  service,
		retrier:  retrier,
		interval: interval,
		logger:   tel.Logger.NewComponentLogger("aggregate"),
		metrics:  tel.Metrics,
	}
}

// Name implements engine.Role.
func (p *Persister) Name() string { return "aggregate" }

// Run implements engine.Role.
func (p *Persister) Run(ctx context.Context, halt *engine.Halt) error {
	for halt.Sleep(p.interval) {
		if _, err := p.Persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the current aggregate once. ok is false when the write lost
// a conflict and was dropped.
func (p *Persister) Persist(ctx context.Context) (bool, error) {
	value := p.service.GlobalAggregate()
	p.metrics.SetAggregate(value)
	formatted := strconv.FormatFloat(value, 'f', -1, 64)

	ok, err := p.retrier.Tolerant(ctx, "aggregate", func(ctx context.Context, tx stores.Txn) error {
		snap, err := tx.FirstOf(ctx, stores.Filter{Type: engine.RecordAggregateSnapshot})
		if err != nil {
			return err
		}
		if snap == nil {
			_, err = tx.Create(engine.RecordAggregateSnapshot, map[string]string{engine.PropValue: formatted})
			return err
		}
		return tx.Set(snap, engine.PropValue, formatted)
	})
	if err != nil {
		return false, err
	}
	if !ok {
		p.logger.Debug("aggregate snapshot write lost a conflict, dropped")
	}
	return ok, nil
}

// Load reads the persisted aggregate. found is false when none was written yet.
func Load(ctx context.Context, store stores.Store) (value float64, found bool, err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	snap, err := tx.FirstOf(ctx, stores.Filter{Type: engine.RecordAggregateSnapshot})
	if err != nil || snap == nil {
		return 0, false, err
	}
	value, err = strconv.ParseFloat(snap.Get(engine.PropValue), 64)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}
