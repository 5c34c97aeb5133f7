package jobs

import (
	"context"
	"time"

	"github.com/quanta/quanta/pkg/engine"
)

// DefaultPassInterval is the pause between assignment passes.
const DefaultPassInterval = 100 * time.Millisecond

// AssignRole runs AssignPass periodically.
type AssignRole struct {
	center   *Center
	interval time.Duration
}

var _ engine.Role = (*AssignRole)(nil)

// AssignRole returns the periodic assignment role.
func (c *Center) AssignRole(interval time.Duration) *AssignRole {
	if interval <= 0 {
		interval = DefaultPassInterval
	}
	return &AssignRole{center: c, interval: interval}
}

// Name implements engine.Role.
func (r *AssignRole) Name() string { return "assign" }

// Run implements engine.Role.
func (r *AssignRole) Run(ctx context.Context, halt *engine.Halt) error {
	for !halt.Halted() {
		if _, err := r.center.AssignPass(ctx); err != nil {
			return err
		}
		if !halt.Sleep(r.interval) {
			return nil
		}
	}
	return nil
}

// Handler processes one assignment on the worker side.
type Handler func(ctx context.Context, a *Assignment) error

// Puller is the worker side of the pull contract: it polls its partition,
// hands each entry to a handler and acknowledges it.
type Puller struct {
	center   *Center
	worker   Worker
	handler  Handler
	interval time.Duration
}

var _ engine.Role = (*Puller)(nil)

// Puller returns a polling role for w.
func (c *Center) Puller(w Worker, handler Handler, interval time.Duration) *Puller {
	if interval <= 0 {
		interval = DefaultPassInterval
	}
	return &Puller{center: c, worker: w, handler: handler, interval: interval}
}

// Name implements engine.Role.
func (p *Puller) Name() string { return "pull." + p.worker.Partition }

// Run implements engine.Role.
func (p *Puller) Run(ctx context.Context, halt *engine.Halt) error {
	for !halt.Halted() {
		a, err := p.center.Next(ctx, p.worker.Partition)
		if err != nil {
			return err
		}
		if a == nil {
			if !halt.Sleep(p.interval) {
				return nil
			}
			continue
		}
		if err := p.handler(ctx, a); err != nil {
			return err
		}
		if err := p.center.Complete(ctx, a, p.worker.Identity); err != nil {
			return err
		}
	}
	return nil
}
