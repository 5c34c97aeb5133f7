package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/quanta/quanta/pkg/telemetry"
)

// Supervisor starts every enabled role on its own goroutine and keeps one
// role's failure from taking down its siblings.
type Supervisor struct {
	rt     *RuntimeContext
	logger *telemetry.Logger
	events EventLogger

	// mu protects roles and status
	mu     sync.RWMutex
	roles  []*supervisedRole
	status map[string]RoleStatus

	wg sync.WaitGroup
}

// RoleStatus describes the current state of one supervised role.
type RoleStatus struct {
	Name      string     `json:"name"`
	State     RoleState  `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type supervisedRole struct {
	role Role
	halt *Halt
}

// NewSupervisor creates a supervisor bound to a runtime context.
func NewSupervisor(rt *RuntimeContext, logger *telemetry.Logger, events EventLogger) *Supervisor {
	return &Supervisor{
		rt:     rt,
		logger: logger.NewComponentLogger("supervisor"),
		events: events,
		status: make(map[string]RoleStatus),
	}
}

// Add registers a role. Roles must be added before Start.
func (s *Supervisor) Add(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles = append(s.roles, &supervisedRole{role: role, halt: NewHalt()})
	s.status[role.Name()] = RoleStatus{Name: role.Name(), State: RoleStatePending}
}

// Start launches every registered role.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.RLock()
	roles := append([]*supervisedRole(nil), s.roles...)
	s.mu.RUnlock()

	for _, sr := range roles {
		s.wg.Add(1)
		go s.runRole(ctx, sr)
	}
}

// runRole is the log-and-die wrapper around a role's loop.
func (s *Supervisor) runRole(ctx context.Context, sr *supervisedRole) {
	defer s.wg.Done()

	name := sr.role.Name()
	logger := s.logger.WithField("role", name)
	started := time.Now()
	s.setStatus(name, RoleStatus{Name: name, State: RoleStateRunning, StartedAt: &started})
	logger.Info("role started")

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("role panicked: %v\n%s", r, debug.Stack())
			}
		}()
		err = sr.role.Run(ctx, sr.halt)
	}()

	stopped := time.Now()
	st := RoleStatus{Name: name, State: RoleStateHalted, StartedAt: &started, StoppedAt: &stopped}
	if err != nil {
		st.State = RoleStateFailed
		st.Error = err.Error()
		logger.WithError(err).Error("role terminated")
		if s.events != nil {
			s.events.Log(s.rt.Identity, "error", classify(err), "role "+name+" terminated", err)
		}
	} else {
		logger.Info("role halted")
	}
	s.setStatus(name, st)
}

func classify(err error) string {
	if c, ok := classOf(err); ok {
		return string(c)
	}
	return string(ErrorClassPermanent)
}

func (s *Supervisor) setStatus(name string, st RoleStatus) {
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

// Halt signals every role to stop after its current transaction.
func (s *Supervisor) Halt() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sr := range s.roles {
		sr.halt.Signal()
	}
}

// HaltRole signals a single role by name. It returns false if no such role exists.
func (s *Supervisor) HaltRole(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sr := range s.roles {
		if sr.role.Name() == name {
			sr.halt.Signal()
			return true
		}
	}
	return false
}

// Wait blocks until every role returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Status returns the status of every role sorted by name.
func (s *Supervisor) Status() []RoleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RoleStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
