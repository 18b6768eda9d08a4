// Package buffer holds the bounded in-memory rings the capture pipeline
// writes and the HTTP handlers read. Both rings are single-writer,
// multi-reader; ids are assigned on insertion and never reused.
package buffer

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/argus-tools/argus/pkg/types"
)

// DefaultCapacity is the ring size used when the config does not say.
const DefaultCapacity = 50000

// LogFilter narrows a snapshot. Zero value matches everything.
type LogFilter struct {
	// Levels is an allow-list; empty admits all levels.
	Levels []types.LogLevel
	// Match must all match the event text.
	Match []*regexp.Regexp
	// Source is a substring match over the event source.
	Source string
	// SinceTs is an inclusive lower bound on the event timestamp.
	SinceTs int64
}

func (f *LogFilter) matches(ev *types.LogEvent) bool {
	if f.SinceTs != 0 && ev.Ts < f.SinceTs {
		return false
	}
	if len(f.Levels) > 0 {
		ok := false
		for _, l := range f.Levels {
			if ev.Level == l {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, re := range f.Match {
		if !re.MatchString(ev.Text) {
			return false
		}
	}
	if f.Source != "" && !strings.Contains(string(ev.Source), f.Source) {
		return false
	}
	return true
}

// LogBuffer is the bounded FIFO of captured LogEvents.
type LogBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []*types.LogEvent // circular, oldest at start
	start   int
	count   int
	lastID  int64
	dropped int64
}

// NewLogBuffer creates a buffer holding up to capacity events.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &LogBuffer{buf: make([]*types.LogEvent, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add assigns the next id, appends the event, drops the oldest entry on
// overflow, and wakes every waiter. Returns the stored event.
func (b *LogBuffer) Add(ev *types.LogEvent) *types.LogEvent {
	b.mu.Lock()
	b.lastID++
	ev.ID = b.lastID
	if b.count == len(b.buf) {
		b.buf[b.start] = ev
		b.start = (b.start + 1) % len(b.buf)
		b.dropped++
	} else {
		b.buf[(b.start+b.count)%len(b.buf)] = ev
		b.count++
	}
	b.mu.Unlock()
	b.cond.Broadcast()
	return ev
}

// Snapshot returns up to limit events with id > after matching filter.
func (b *LogBuffer) Snapshot(after int64, filter LogFilter, limit int) []*types.LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(after, filter, limit)
}

func (b *LogBuffer) snapshotLocked(after int64, filter LogFilter, limit int) []*types.LogEvent {
	if limit <= 0 {
		limit = b.count
	}
	var out []*types.LogEvent
	for i := 0; i < b.count; i++ {
		ev := b.buf[(b.start+i)%len(b.buf)]
		if ev.ID <= after || !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// WaitForAfter returns immediately when a matching event with id > after
// exists; otherwise it blocks until an Add produces one, the timeout
// fires, or ctx is canceled. Empty result means timeout.
func (b *LogBuffer) WaitForAfter(ctx context.Context, after int64, filter LogFilter, limit int, timeout time.Duration) []*types.LogEvent {
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

// LastID returns the id of the most recently inserted event (0 if none).
func (b *LogBuffer) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// Stats reports the current count, the next id to be assigned, and the
// number of events dropped from the head.
func (b *LogBuffer) Stats() (count int, nextID int64, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.lastID + 1, b.dropped
}
