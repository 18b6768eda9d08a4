package buffer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/argus-tools/argus/pkg/types"
)

// NetFilter narrows a NetBuffer snapshot.
type NetFilter struct {
	// SinceTs is an inclusive lower bound on the request timestamp.
	SinceTs int64
	// URLContains is a substring match over the request URL.
	URLContains string
}

func (f *NetFilter) matches(r *types.NetworkRequestSummary) bool {
	if f.SinceTs != 0 && r.Ts < f.SinceTs {
		return false
	}
	if f.URLContains != "" && !strings.Contains(r.URL, f.URLContains) {
		return false
	}
	return true
}

// NetBuffer is the bounded FIFO of NetworkRequestSummary records. Same
// ordering and wait contract as LogBuffer.
type NetBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []*types.NetworkRequestSummary
	start   int
	count   int
	lastID  int64
	dropped int64
}

// NewNetBuffer creates a buffer holding up to capacity summaries.
func NewNetBuffer(capacity int) *NetBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &NetBuffer{buf: make([]*types.NetworkRequestSummary, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add assigns the next id and appends, dropping the oldest on overflow.
func (b *NetBuffer) Add(r *types.NetworkRequestSummary) *types.NetworkRequestSummary {
	b.mu.Lock()
	b.lastID++
	r.ID = b.lastID
	if b.count == len(b.buf) {
		b.buf[b.start] = r
		b.start = (b.start + 1) % len(b.buf)
		b.dropped++
	} else {
		b.buf[(b.start+b.count)%len(b.buf)] = r
		b.count++
	}
	b.mu.Unlock()
	b.cond.Broadcast()
	return r
}

// Update runs fn under the buffer lock and wakes waiters. Completion
// events mutate already-inserted summaries in place; serializing the
// write through the buffer keeps readers from observing torn records.
func (b *NetBuffer) Update(fn func()) {
	b.mu.Lock()
	fn()
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Snapshot returns up to limit summaries with id > after matching filter.
// Entries are copied out: completion events keep mutating the ring's
// summaries in place, so callers must never hold aliases into it.
func (b *NetBuffer) Snapshot(after int64, filter NetFilter, limit int) []*types.NetworkRequestSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(after, filter, limit)
}

func (b *NetBuffer) snapshotLocked(after int64, filter NetFilter, limit int) []*types.NetworkRequestSummary {
	if limit <= 0 {
		limit = b.count
	}
	var out []*types.NetworkRequestSummary
	for i := 0; i < b.count; i++ {
		r := b.buf[(b.start+i)%len(b.buf)]
		if r.ID <= after || !filter.matches(r) {
			continue
		}
		copied := *r
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// WaitForAfter blocks like LogBuffer.WaitForAfter.
func (b *NetBuffer) WaitForAfter(ctx context.Context, after int64, filter NetFilter, limit int, timeout time.Duration) []*types.NetworkRequestSummary {
	deadline := time.Now().Add(timeout)
	// Broadcasting under the lock: a wakeup fired between the deadline
	// check and cond.Wait would otherwise be lost, leaving the waiter
	// asleep past its deadline.
	broadcast := func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, broadcast)
	defer stop()
	timer := time.AfterFunc(timeout, broadcast)
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if out := b.snapshotLocked(after, filter, limit); len(out) > 0 {
			return out
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil
		}
		b.cond.Wait()
	}
}

// LastID returns the id of the most recently inserted summary.
func (b *NetBuffer) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// Stats reports count, next id, and dropped head entries.
func (b *NetBuffer) Stats() (count int, nextID int64, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.lastID + 1, b.dropped
}
