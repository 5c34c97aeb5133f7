package stores

import (
	"context"
	"time"

	"github.com/quanta/quanta/pkg/engine"
)

// Sentinel errors returned by the store. They are classified EngineErrors so
// callers can use either errors.Is or engine.IsConflict / engine.IsNotFound.
var (
	// ErrConflict is returned by Commit when a record or partition touched by the
	// transaction changed since it was read.
	ErrConflict = &engine.EngineError{
		Class:   engine.ErrorClassConflict,
		Code:    engine.ErrCodeConflict,
		Message: "optimistic concurrency conflict",
	}

	// ErrNotFound is returned when a record or partition does not exist.
	ErrNotFound = &engine.EngineError{
		Class:   engine.ErrorClassNotFound,
		Code:    engine.ErrCodeNotFound,
		Message: "not found",
	}

	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = &engine.EngineError{
		Class:   engine.ErrorClassPermanent,
		Code:    engine.ErrCodeInternal,
		Message: "transaction already finished",
	}
)

// Record is a typed unit held by the store. A Record obtained from a
// transaction is a snapshot: mutating it through Set or Delete only takes
// effect on Commit, and only if nobody else changed it in between.
type Record struct {
	ID        string            `json:"id"`
	Type      engine.RecordType `json:"type"`
	Version   int64             `json:"version"`
	Seq       int64             `json:"seq"`
	Props     map[string]string `json:"props"`
	CreatedAt time.Time         `json:"created_at"`
}

// Get returns a property value or "" when absent.
func (r *Record) Get(key string) string {
	if r == nil || r.Props == nil {
		return ""
	}
	return r.Props[key]
}

// Filter selects records by type and exact property matches. Results are
// ordered by insertion sequence.
type Filter struct {
	Type  engine.RecordType
	Props map[string]string
	Limit int
}

// Partition is one row of the storage-partition directory.
type Partition struct {
	ID             string                `json:"id"`
	State          engine.PartitionState `json:"state"`
	Kind           engine.PartitionKind  `json:"kind,omitempty"`
	Registrant     string                `json:"registrant,omitempty"`
	LastAssignedAt time.Time             `json:"last_assigned_at"`
	Version        int64                 `json:"version"`
}

// Txn is one optimistic transaction. Reads go straight to committed state;
// writes are buffered and validated against the versions that were read when
// Commit runs.
type Txn interface {
	// Create buffers a new record with a generated ID.
	Create(t engine.RecordType, props map[string]string) (*Record, error)

	// CreateWithID buffers a new record with a caller-chosen ID.
	CreateWithID(id string, t engine.RecordType, props map[string]string) (*Record, error)

	// Get reads one record. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Record, error)

	// FirstOf returns the oldest record matching f, or nil when none match.
	FirstOf(ctx context.Context, f Filter) (*Record, error)

	// Query returns every record matching f in insertion order.
	Query(ctx context.Context, f Filter) ([]*Record, error)

	// Count returns the number of records matching f.
	Count(ctx context.Context, f Filter) (int, error)

	// Guard adds rec to the set of records whose versions Commit validates,
	// without changing it.
	Guard(rec *Record) error

	// Set buffers a property update on rec.
	Set(rec *Record, key, value string) error

	// Delete buffers removal of rec and every link touching it.
	Delete(rec *Record) error

	// Link buffers a directed relation between two records.
	Link(from *Record, relation string, to *Record) error

	// Linked returns the IDs reachable from id through relation.
	Linked(ctx context.Context, id, relation string) ([]string, error)

	// GetPartition reads a directory row. Returns ErrNotFound if absent.
	GetPartition(ctx context.Context, id string) (*Partition, error)

	// PutPartition buffers an insert or update of a directory row. A Version of
	// zero means the row must not exist yet.
	PutPartition(p *Partition) error

	// Commit validates and applies buffered writes. Returns ErrConflict when a
	// touched record or partition changed since it was read.
	Commit(ctx context.Context) error

	// Rollback discards buffered writes.
	Rollback() error
}

// Store is the transactional store client used by every component.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}
