package registrar

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/quanta/quanta/pkg/engine"
)

// DefaultCeiling is the default size of the partition pool.
const DefaultCeiling = 30000

const idPrefix = "W"

// FormatPartitionID renders n as a fixed-width partition id.
func FormatPartitionID(n int) string {
	return fmt.Sprintf("W%05d", n)
}

// ParsePartitionID returns the counter value encoded in id.
func ParsePartitionID(id string) (int, error) {
	if !ValidPartitionID(id) {
		return 0, fmt.Errorf("invalid partition id %q", id)
	}
	return strconv.Atoi(id[len(idPrefix):])
}

// ValidPartitionID reports whether id has the W00000 form.
func ValidPartitionID(id string) bool {
	if len(id) != len(idPrefix)+5 || id[:len(idPrefix)] != idPrefix {
		return false
	}
	for _, c := range id[len(idPrefix):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Allocator issues partition ids from a bounded counter and a recycle set.
// It is not safe for concurrent use; the accept loop is its only caller.
type Allocator struct {
	counter int
	ceiling int
	recycle map[string]struct{}
}

// NewAllocator creates an allocator resuming at counter with the given
// recycled ids. A ceiling of zero means DefaultCeiling.
func NewAllocator(counter, ceiling int, recycled []string) *Allocator {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	a := &Allocator{
		counter: counter,
		ceiling: ceiling,
		recycle: make(map[string]struct{}, len(recycled)),
	}
	for _, id := range recycled {
		a.recycle[id] = struct{}{}
	}
	return a
}

// Allocate returns a recycled id if one is available, otherwise the next
// fresh id. It fails with an exhausted error when neither is left.
func (a *Allocator) Allocate() (string, error) {
	if len(a.recycle) > 0 {
		// Lowest first keeps reuse deterministic.
		id := a.Recycled()[0]
		delete(a.recycle, id)
		return id, nil
	}
	if a.counter >= a.ceiling {
		return "", engine.NewExhaustedError(
			fmt.Sprintf("partition pool exhausted at ceiling %d", a.ceiling), nil)
	}
	id := FormatPartitionID(a.counter)
	a.counter++
	return id, nil
}

// Release makes id eligible for reuse.
func (a *Allocator) Release(id string) {
	a.recycle[id] = struct{}{}
}

// Claim removes id from the recycle set and advances the counter past it.
// Used when reconciling with the directory after a restart.
func (a *Allocator) Claim(id string) {
	delete(a.recycle, id)
	if n, err := ParsePartitionID(id); err == nil && n >= a.counter {
		a.counter = n + 1
	}
}

// Counter returns the next fresh counter value.
func (a *Allocator) Counter() int { return a.counter }

// Ceiling returns the pool size.
func (a *Allocator) Ceiling() int { return a.ceiling }

// Recycled returns the recycle set in id order.
func (a *Allocator) Recycled() []string {
	out := make([]string, 0, len(a.recycle))
	for id := range a.recycle {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Live returns the number of ids currently issued.
func (a *Allocator) Live() int {
	return a.counter - len(a.recycle)
}
