package engine

import (
	"context"
	"time"
)

// AggregateService exposes the system-wide scalar captured in every Main Frame.
type AggregateService interface {
	// GlobalAggregate returns the current aggregate in [0, 100].
	GlobalAggregate() float64

	// Submit records one observation.
	Submit(value float64)
}

// EventLogger is the asynchronous, fire-and-forget logging sink collaborator.
// Implementations must never block the caller.
type EventLogger interface {
	Log(identity, level, classification, message string, cause error)
}

// Clock abstracts the wall clock so frame cadence can be driven in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Role is one independently scheduled loop on a node: a per-type frame tick,
// the fuse step, the job assignment pass, ingestion or aggregate updates.
type Role interface {
	// Name identifies the role in logs and status output.
	Name() string

	// Run blocks until halt is signalled or a fatal error occurs. The role
	// finishes its current transaction before honouring halt.
	Run(ctx context.Context, halt *Halt) error
}

// RoleFunc adapts a function into a Role.
type RoleFunc struct {
	RoleName string
	Fn       func(ctx context.Context, halt *Halt) error
}

// Name implements Role.
func (r RoleFunc) Name() string { return r.RoleName }

// Run implements Role.
func (r RoleFunc) Run(ctx context.Context, halt *Halt) error { return r.Fn(ctx, halt) }
