package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
)

// Defaults for the retry protocol.
const (
	DefaultMaxRetries = 10
	DefaultDelay      = 5 * time.Millisecond
)

// ErrRetriesExhausted is returned by Strict when every attempt conflicted.
var ErrRetriesExhausted = &engine.EngineError{
	Class:   engine.ErrorClassPermanent,
	Code:    engine.ErrCodeRetries,
	Message: "transaction retries exhausted",
}

// MutateFunc performs one attempt against tx. It must fetch every record it
// mutates from tx; copies held from a previous attempt are stale.
type MutateFunc func(ctx context.Context, tx stores.Txn) error

// Options configures a Retrier.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Retrier runs mutations under the retry protocol.
type Retrier struct {
	store      stores.Store
	maxRetries int
	delay      time.Duration
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// New creates a retrier for store.
func New(store stores.Store, opts Options) *Retrier {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Retrier{
		store:      store,
		maxRetries: opts.MaxRetries,
		delay:      opts.Delay,
		logger:     logger.NewComponentLogger("txn"),
		metrics:    opts.Metrics,
	}
}

// NewDefault creates a retrier with the default bound and delay.
func NewDefault(store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Retrier {
	return New(store, Options{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultDelay,
		Logger:     logger,
		Metrics:    metrics,
	})
}

// Store returns the underlying store.
func (r *Retrier) Store() stores.Store {
	return r.store
}

// MaxRetries returns the configured retry bound.
func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// Strict runs fn until it commits. Conflicts are rolled back and retried up to
// MaxRetries times; the (MaxRetries+1)-th conflicting attempt returns
// ErrRetriesExhausted. Any other error is returned immediately.
func (r *Retrier) Strict(ctx context.Context, operation string, fn MutateFunc) error {
	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !engine.IsConflict(err) {
			return err
		}

		r.metrics.RecordTxConflict(operation)
		if attempt > r.maxRetries {
			r.metrics.RecordTxExhausted(operation)
			return fmt.Errorf("%s: %w after %d attempts: %v", operation, ErrRetriesExhausted, attempt, err)
		}

		r.logger.WithField("operation", operation).
			WithField("attempt", attempt).
			Debugf("commit conflict, retrying: %v", err)

		if err := r.wait(ctx); err != nil {
			return err
		}
	}
}

// Tolerant makes one attempt. A conflict is rolled back and swallowed,
// reported as ok=false. Any other error is returned.
func (r *Retrier) Tolerant(ctx context.Context, operation string, fn MutateFunc) (bool, error) {
	err := r.attempt(ctx, fn)
	if err == nil {
		return true, nil
	}
	if engine.IsConflict(err) {
		r.metrics.RecordTxConflict(operation)
		r.logger.WithField("operation", operation).Debugf("commit conflict dropped: %v", err)
		return false, nil
	}
	return false, err
}

func (r *Retrier) attempt(ctx context.Context, fn MutateFunc) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return nil
}

func (r *Retrier) wait(ctx context.Context) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
