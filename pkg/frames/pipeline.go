package frames

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/execqueue"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// Defaults for the pipeline cadence.
const (
	DefaultQuantum      = 10 * time.Millisecond
	DefaultPollInterval = time.Millisecond
)

// Config holds the pipeline cadence.
type Config struct {
	// Quantum is the frame length F. Must be a whole number of milliseconds.
	Quantum time.Duration

	// PollInterval is how long a tick waits before retrying a quantum in
	// which it found no markers.
	PollInterval time.Duration
}

// Enqueuer accepts follow-up work. Satisfied by *execqueue.Queue.
type Enqueuer interface {
	Enqueue(item execqueue.Item)
}

// Pipeline holds what the tick and fuse roles share.
type Pipeline struct {
	cfg       Config
	retrier   *txn.Retrier
	rt        *engine.RuntimeContext
	aggregate engine.AggregateService
	queue     Enqueuer
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

// New creates a pipeline. queue may be nil, in which case main frames are
// not indexed.
func New(cfg Config, retrier *txn.Retrier, rt *engine.RuntimeContext, aggregate engine.AggregateService, queue Enqueuer, tel *telemetry.Telemetry) (*Pipeline, error) {
	if cfg.Quantum == 0 {
		cfg.Quantum = DefaultQuantum
	}
	if cfg.Quantum < time.Millisecond || cfg.Quantum%time.Millisecond != 0 {
		return nil, fmt.Errorf("quantum must be a positive whole number of milliseconds, got %s", cfg.Quantum)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Pipeline{
		cfg:       cfg,
		retrier:   retrier,
		rt:        rt,
		aggregate: aggregate,
		queue:     queue,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("frames"),
	}, nil
}

// Roles returns one tick role per source type followed by the fuse role.
func (p *Pipeline) Roles() []engine.Role {
	roles := make([]engine.Role, 0, len(engine.SourceTypes)+1)
	for _, t := range engine.SourceTypes {
		roles = append(roles, p.Tick(t))
	}
	return append(roles, p.Fuser())
}

// FrameIndex returns the quantum index of now.
func (p *Pipeline) FrameIndex(now time.Time) int64 {
	return now.UnixMilli() / p.cfg.Quantum.Milliseconds()
}

// quantumStart returns the wall-clock start of quantum idx.
func (p *Pipeline) quantumStart(idx int64) time.Time {
	return time.UnixMilli(idx * p.cfg.Quantum.Milliseconds())
}

func (p *Pipeline) now() time.Time {
	return p.rt.Clock.Now()
}

func newFrameID() string {
	return ulid.Make().String()
}
