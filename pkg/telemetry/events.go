package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the asynchronous event log.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Identity names the role or worker that produced the event.
	Identity string `json:"identity"`

	// Level is the event severity (debug, info, warning, error).
	Level string `json:"level"`

	// Classification groups events, e.g. "fuse", "registrar", "overload".
	Classification string `json:"classification"`

	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// EventLevel constants for event severity.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventLog is a fire-and-forget event sink. Log never blocks: events are
// queued on a bounded buffer and dropped when it is full. A single goroutine
// writes them to the logger and fans them out to subscribers.
type EventLog struct {
	config      EventsConfig
	logger      *Logger
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	dropped     atomic.Int64
	closed      atomic.Bool
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventLog creates and starts an event log writing through logger.
func NewEventLog(cfg EventsConfig, logger *Logger) *EventLog {
	if logger == nil {
		logger = NopLogger()
	}
	el := &EventLog{
		config: cfg,
		logger: logger.NewComponentLogger("events"),
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return el
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	el.buffer = make(chan Event, size)

	el.wg.Add(1)
	go el.process()
	return el
}

// Log queues an event. cause may be nil.
func (el *EventLog) Log(identity, level, classification, message string, cause error) {
	if el == nil || el.buffer == nil || el.closed.Load() {
		return
	}
	event := Event{
		ID:             uuid.New().String(),
		Timestamp:      time.Now(),
		Identity:       identity,
		Level:          level,
		Classification: classification,
		Message:        message,
	}
	if cause != nil {
		event.Cause = cause.Error()
	}

	select {
	case el.buffer <- event:
	default:
		el.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (el *EventLog) Dropped() int64 {
	return el.dropped.Load()
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (el *EventLog) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	el.mu.Lock()
	defer el.mu.Unlock()

	el.subscribers = append(el.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (el *EventLog) process() {
	defer el.wg.Done()

	for {
		select {
		case event := <-el.buffer:
			el.deliver(event)
		case <-el.done:
			// Drain what was queued before shutdown.
			for {
				select {
				case event := <-el.buffer:
					el.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (el *EventLog) deliver(event Event) {
	l := el.logger.
		WithIdentity(event.Identity).
		WithField("classification", event.Classification)
	if event.Cause != "" {
		l = l.WithField("cause", event.Cause)
	}
	switch event.Level {
	case EventLevelError:
		l.Error(event.Message)
	case EventLevelWarning:
		l.Warn(event.Message)
	case EventLevelDebug:
		l.Debug(event.Message)
	default:
		l.Info(event.Message)
	}

	el.mu.RLock()
	defer el.mu.RUnlock()
	for _, entry := range el.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (el *EventLog) Shutdown(ctx context.Context) error {
	if el.buffer == nil || !el.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(el.done)

	finished := make(chan struct{})
	go func() {
		el.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event log shutdown timeout")
	}
}

// FilterByClassification creates a filter that only allows the given classifications.
func FilterByClassification(classes ...string) EventFilter {
	set := make(map[string]bool)
	for _, c := range classes {
		set[c] = true
	}

	return func(event Event) bool {
		return set[event.Classification]
	}
}
