package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// Reclaimer returns a worker's storage partition to the registrar.
type Reclaimer interface {
	Remove(ctx context.Context, partitionID string) error
}

// Worker is one registered worker process.
type Worker struct {
	Identity   string   `json:"identity" validate:"required"`
	Partition  string   `json:"partition" validate:"required"`
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
}

// Assignment is one entry read from a worker's storage partition.
type Assignment struct {
	EntryID   string            `json:"entry_id"`
	Partition string            `json:"partition"`
	MarkerID  string            `json:"marker_id"`
	Detail    engine.TaskDetail `json:"detail"`
}

// Center is the job center.
type Center struct {
	retrier   *txn.Retrier
	rt        *engine.RuntimeContext
	reclaimer Reclaimer
	validate  *validator.Validate
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger

	// mu protects rng
	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Center.
type Option func(*Center)

// WithReclaimer sets where unregistered partitions are returned.
func WithReclaimer(r Reclaimer) Option {
	return func(c *Center) { c.reclaimer = r }
}

// WithRand sets the source used to place excess quota units.
func WithRand(rng *rand.Rand) Option {
	return func(c *Center) { c.rng = rng }
}

// NewCenter creates a job center.
func NewCenter(retrier *txn.Retrier, rt *engine.RuntimeContext, tel *telemetry.Telemetry, opts ...Option) *Center {
	if tel == nil {
		tel = telemetry.Nop()
	}
	c := &Center{
		retrier:  retrier,
		rt:       rt,
		validate: validator.New(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("jobs"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit queues a new pending task item for detail and returns the detail id.
func (c *Center) Submit(ctx context.Context, detail engine.TaskDetail) (string, error) {
	if err := c.validate.Struct(detail); err != nil {
		return "", engine.NewPermanentError("invalid task detail", err).WithCode(engine.ErrCodeValidation)
	}
	var id string
	err := c.retrier.Strict(ctx, "submit", func(ctx context.Context, tx stores.Txn) error {
		d, err := tx.Create(engine.RecordTaskDetail, detail.Props())
		if err != nil {
			return err
		}
		item, err := tx.Create(engine.RecordTaskItem, map[string]string{
			engine.PropCategory: detail.Category,
			engine.PropDetail:   d.ID,
		})
		if err != nil {
			return err
		}
		if err := tx.Link(item, engine.RelDetail, d); err != nil {
			return err
		}
		id = d.ID
		return nil
	})
	return id, err
}

// Register inserts one registration per declared category. Categories the
// worker is already registered for are left alone.
func (c *Center) Register(ctx context.Context, w Worker) error {
	if err := c.validate.Struct(w); err != nil {
		return engine.NewPermanentError("invalid worker", err).WithCode(engine.ErrCodeValidation)
	}
	err := c.retrier.Strict(ctx, "register", func(ctx context.Context, tx stores.Txn) error {
		for _, category := range uniq(w.Categories) {
			existing, err := tx.FirstOf(ctx, stores.Filter{
				Type: engine.RecordWorkerRegistration,
				Props: map[string]string{
					engine.PropCategory:  category,
					engine.PropIdentity:  w.Identity,
					engine.PropPartition: w.Partition,
				},
			})
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if _, err := tx.Create(engine.RecordWorkerRegistration, map[string]string{
				engine.PropCategory:  category,
				engine.PropIdentity:  w.Identity,
				engine.PropPartition: w.Partition,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.WithIdentity(w.Identity).WithPartition(w.Partition).
		WithField("categories", w.Categories).Info("worker registered")
	return nil
}

// Unregister deletes exactly the worker's registrations and then returns its
// partition to the reclaimer.
func (c *Center) Unregister(ctx context.Context, w Worker) error {
	removed := 0
	err := c.retrier.Strict(ctx, "unregister", func(ctx context.Context, tx stores.Txn) error {
		removed = 0
		regs, err := tx.Query(ctx, stores.Filter{
			Type: engine.RecordWorkerRegistration,
			Props: map[string]string{
				engine.PropIdentity:  w.Identity,
				engine.PropPartition: w.Partition,
			},
		})
		if err != nil {
			return err
		}
		for _, r := range regs {
			if err := tx.Delete(r); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.WithIdentity(w.Identity).WithField("removed", removed).Info("worker unregistered")

	if c.reclaimer == nil {
		return nil
	}
	if err := c.reclaimer.Remove(ctx, w.Partition); err != nil {
		return fmt.Errorf("reclaim partition %s: %w", w.Partition, err)
	}
	return nil
}

// Workers returns the registered workers of category in registration order.
func (c *Center) Workers(ctx context.Context, category string) ([]Worker, error) {
	tx, err := c.retrier.Store().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	regs, err := tx.Query(ctx, stores.Filter{
		Type:  engine.RecordWorkerRegistration,
		Props: map[string]string{engine.PropCategory: category},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Worker, 0, len(regs))
	for _, r := range regs {
		out = append(out, Worker{
			Identity:   r.Get(engine.PropIdentity),
			Partition:  r.Get(engine.PropPartition),
			Categories: []string{category},
		})
	}
	return out, nil
}

// AssignPass balances every category's pending items across its registered
// workers and returns how many items were assigned per category.
func (c *Center) AssignPass(ctx context.Context) (map[string]int, error) {
	byCategory, err := c.registrations(ctx)
	if err != nil {
		return nil, err
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	assigned := make(map[string]int)
	for _, category := range categories {
		n, err := c.assignCategory(ctx, category, byCategory[category])
		if err != nil {
			return assigned, err
		}
		if n > 0 {
			assigned[category] = n
		}
	}
	return assigned, nil
}

type registration struct {
	id        string
	identity  string
	partition string
}

func (c *Center) registrations(ctx context.Context) (map[string][]registration, error) {
	tx, err := c.retrier.Store().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	regs, err := tx.Query(ctx, stores.Filter{Type: engine.RecordWorkerRegistration})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]registration)
	for _, r := range regs {
		category := r.Get(engine.PropCategory)
		out[category] = append(out[category], registration{
			id:        r.ID,
			identity:  r.Get(engine.PropIdentity),
			partition: r.Get(engine.PropPartition),
		})
	}
	return out, nil
}

func (c *Center) assignCategory(ctx context.Context, category string, workers []registration) (n int, err error) {
	pending, err := c.pending(ctx, category)
	if err != nil || pending == 0 {
		return 0, err
	}

	c.mu.Lock()
	quotas := ComputeQuotas(pending, len(workers), c.rng)
	c.mu.Unlock()
	if quotas == nil {
		return 0, nil
	}

	ctx, span := c.tel.Tracer.StartAssignSpan(ctx, category, pending, len(workers))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	for i, w := range workers {
		for unit := 0; unit < quotas[i]; unit++ {
			res, err := c.assignOne(ctx, category, w)
			if err != nil {
				return n, err
			}
			if res == resultAssigned {
				n++
			}
			if res == resultQueueEmpty || res == resultWorkerGone {
				break
			}
		}
	}

	c.rt.Counters.TasksAssigned.Add(int64(n))
	c.tel.Metrics.RecordAssignment(category, n)
	c.logger.WithField("category", category).WithField("pending", pending).
		WithField("workers", len(workers)).WithField("assigned", n).Debug("assignment pass")
	return n, nil
}

func (c *Center) pending(ctx context.Context, category string) (int, error) {
	tx, err := c.retrier.Store().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return tx.Count(ctx, stores.Filter{
		Type:  engine.RecordTaskItem,
		Props: map[string]string{engine.PropCategory: category},
	})
}

type assignResult int

const (
	resultAssigned assignResult = iota
	resultQueueEmpty
	resultWorkerGone
	resultDetailGone
)

// assignOne moves the oldest pending item of category into w's partition.
func (c *Center) assignOne(ctx context.Context, category string, w registration) (assignResult, error) {
	var res assignResult
	err := c.retrier.Strict(ctx, "assign", func(ctx context.Context, tx stores.Txn) error {
		res = resultAssigned

		reg, err := tx.Get(ctx, w.id)
		if engine.IsNotFound(err) {
			res = resultWorkerGone
			return nil
		}
		if err != nil {
			return err
		}
		// An unregister committed before us must fail this commit.
		if err := tx.Guard(reg); err != nil {
			return err
		}

		item, err := tx.FirstOf(ctx, stores.Filter{
			Type:  engine.RecordTaskItem,
			Props: map[string]string{engine.PropCategory: category},
		})
		if err != nil {
			return err
		}
		if item == nil {
			res = resultQueueEmpty
			return nil
		}

		detail, err := tx.Get(ctx, item.Get(engine.PropDetail))
		if engine.IsNotFound(err) {
			// Abandon the unit: the item can never be served.
			res = resultDetailGone
			return tx.Delete(item)
		}
		if err != nil {
			return err
		}

		if err := tx.Delete(item); err != nil {
			return err
		}
		marker, err := tx.Create(engine.RecordProcessingMarker, map[string]string{
			engine.PropDetail:    detail.ID,
			engine.PropPartition: w.partition,
			engine.PropWorker:    w.identity,
		})
		if err != nil {
			return err
		}
		if err := tx.Link(marker, engine.RelDetail, detail); err != nil {
			return err
		}
		_, err = tx.Create(engine.RecordPartitionEntry, map[string]string{
			engine.PropPartition: w.partition,
			engine.PropDetail:    detail.ID,
			engine.PropMarker:    marker.ID,
		})
		return err
	})
	if err == nil && res == resultDetailGone {
		c.rt.Counters.NotFound.Add(1)
		c.tel.Metrics.RecordNotFound("jobs")
		c.logger.WithField("category", category).Warn("task detail vanished, item abandoned")
	}
	return res, err
}

// Next reads, without removing, the first entry of partition. It returns
// nil when the partition is empty.
func (c *Center) Next(ctx context.Context, partition string) (*Assignment, error) {
	tx, err := c.retrier.Store().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := tx.FirstOf(ctx, stores.Filter{
		Type:  engine.RecordPartitionEntry,
		Props: map[string]string{engine.PropPartition: partition},
	})
	if err != nil || entry == nil {
		return nil, err
	}
	detail, err := tx.Get(ctx, entry.Get(engine.PropDetail))
	if err != nil {
		return nil, err
	}
	return &Assignment{
		EntryID:   entry.ID,
		Partition: partition,
		MarkerID:  entry.Get(engine.PropMarker),
		Detail:    engine.DecodeTaskDetail(detail.ID, detail.Props),
	}, nil
}

// Complete acknowledges a: the partition entry and processing marker are
// removed and a completed marker records identity.
func (c *Center) Complete(ctx context.Context, a *Assignment, identity string) error {
	err := c.retrier.Strict(ctx, "complete", func(ctx context.Context, tx stores.Txn) error {
		state, err := taskState(ctx, tx, a.Detail.ID)
		if err != nil {
			return err
		}
		if !state.CanTransition(engine.TaskStateCompleted) {
			return engine.NewInvariantError(
				fmt.Sprintf("task %s cannot move from %s to %s", a.Detail.ID, state, engine.TaskStateCompleted), nil)
		}

		entry, err := tx.Get(ctx, a.EntryID)
		if err != nil {
			return err
		}
		marker, err := tx.Get(ctx, a.MarkerID)
		if err != nil {
			return err
		}
		if err := tx.Delete(entry); err != nil {
			return err
		}
		if err := tx.Delete(marker); err != nil {
			return err
		}
		_, err = tx.Create(engine.RecordCompletedMarker, map[string]string{
			engine.PropIdentity: identity,
			engine.PropRef:      a.Detail.ID,
			engine.PropStage:    engine.StageTask,
		})
		return err
	})
	if err != nil {
		return err
	}
	c.rt.Counters.TasksDone.Add(1)
	return nil
}

// State reports where the task of detailID is in its lifecycle.
func (c *Center) State(ctx context.Context, detailID string) (engine.TaskState, error) {
	tx, err := c.retrier.Store().Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	return taskState(ctx, tx, detailID)
}

func taskState(ctx context.Context, tx stores.Txn, detailID string) (engine.TaskState, error) {
	checks := []struct {
		state  engine.TaskState
		filter stores.Filter
	}{
		{engine.TaskStateCompleted, stores.Filter{
			Type:  engine.RecordCompletedMarker,
			Props: map[string]string{engine.PropRef: detailID, engine.PropStage: engine.StageTask},
		}},
		{engine.TaskStateProcessing, stores.Filter{
			Type:  engine.RecordProcessingMarker,
			Props: map[string]string{engine.PropDetail: detailID},
		}},
		{engine.TaskStatePending, stores.Filter{
			Type:  engine.RecordTaskItem,
			Props: map[string]string{engine.PropDetail: detailID},
		}},
	}
	for _, c := range checks {
		n, err := tx.Count(ctx, c.filter)
		if err != nil {
			return "", err
		}
		if n > 0 {
			return c.state, nil
		}
	}
	return "", engine.NewNotFoundError("task not found", nil).WithRecord(detailID)
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
