package buffer

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-tools/argus/pkg/types"
)

func newEvent(text string, level types.LogLevel) *types.LogEvent {
	return &types.LogEvent{
		Ts:     time.Now().UnixMilli(),
		Level:  level,
		Text:   text,
		Source: types.LogSourceConsole,
	}
}

func TestLogBufferIDsMonotonic(t *testing.T) {
	b := NewLogBuffer(10)

	var last int64
	for i := 0; i < 25; i++ {
		ev := b.Add(newEvent(fmt.Sprintf("msg-%d", i), types.LevelLog))
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}

	// Capacity 10: only the newest 10 survive, ids keep climbing.
	count, nextID, dropped := b.Stats()
	assert.Equal(t, 10, count)
	assert.Equal(t, int64(26), nextID)
	assert.Equal(t, int64(15), dropped)

	events := b.Snapshot(0, LogFilter{}, 0)
	require.Len(t, events, 10)
	assert.Equal(t, int64(16), events[0].ID)
	assert.Equal(t, int64(25), events[len(events)-1].ID)
}

func TestLogBufferSnapshotAfter(t *testing.T) {
	b := NewLogBuffer(100)
	for i := 0; i < 5; i++ {
		b.Add(newEvent(fmt.Sprintf("msg-%d", i), types.LevelLog))
	}

	t.Run("after excludes earlier ids", func(t *testing.T) {
		events := b.Snapshot(3, LogFilter{}, 0)
		require.Len(t, events, 2)
		for _, ev := range events {
			assert.Greater(t, ev.ID, int64(3))
		}
	})

	t.Run("consecutive snapshots form a prefix of insertion order", func(t *testing.T) {
		first := b.Snapshot(0, LogFilter{}, 3)
		require.Len(t, first, 3)
		second := b.Snapshot(first[len(first)-1].ID, LogFilter{}, 0)
		all := append(append([]*types.LogEvent{}, first...), second...)
		for i, ev := range all {
			assert.Equal(t, int64(i+1), ev.ID)
		}
	})

	t.Run("limit caps the result", func(t *testing.T) {
		assert.Len(t, b.Snapshot(0, LogFilter{}, 2), 2)
	})
}

func TestLogBufferFilters(t *testing.T) {
	b := NewLogBuffer(100)
	b.Add(newEvent("hello world", types.LevelLog))
	b.Add(newEvent("warning: disk full", types.LevelWarning))
	b.Add(&types.LogEvent{Ts: time.Now().UnixMilli(), Level: types.LevelException, Text: "Uncaught Error: boom", Source: types.LogSourceException})

	t.Run("level allow-list", func(t *testing.T) {
		events := b.Snapshot(0, LogFilter{Levels: []types.LogLevel{types.LevelWarning}}, 0)
		require.Len(t, events, 1)
		assert.Equal(t, "warning: disk full", events[0].Text)
	})

	t.Run("all regexes must match", func(t *testing.T) {
		f := LogFilter{Match: []*regexp.Regexp{
			regexp.MustCompile(`hello`),
			regexp.MustCompile(`world`),
		}}
		assert.Len(t, b.Snapshot(0, f, 0), 1)

		f.Match = append(f.Match, regexp.MustCompile(`absent`))
		assert.Empty(t, b.Snapshot(0, f, 0))
	})

	t.Run("source substring", func(t *testing.T) {
		events := b.Snapshot(0, LogFilter{Source: "excep"}, 0)
		require.Len(t, events, 1)
		assert.Equal(t, types.LogSourceException, events[0].Source)
	})

	t.Run("sinceTs bound", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UnixMilli()
		assert.Empty(t, b.Snapshot(0, LogFilter{SinceTs: future}, 0))
	})
}

func TestWaitForAfterReturnsOnAdd(t *testing.T) {
	b := NewLogBuffer(10)

	done := make(chan []*types.LogEvent, 1)
	go func() {
		done <- b.WaitForAfter(context.Background(), 0, LogFilter{}, 10, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	b.Add(newEvent("wake up", types.LevelLog))

	select {
	case events := <-done:
		require.Len(t, events, 1)
		assert.Equal(t, "wake up", events[0].Text)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake on add")
	}
}

func TestWaitForAfterTimesOut(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(newEvent("old", types.LevelLog))

	start := time.Now()
	events := b.WaitForAfter(context.Background(), b.LastID(), LogFilter{}, 10, 150*time.Millisecond)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitForAfterTimeoutNeverLost(t *testing.T) {
	b := NewLogBuffer(10)

	// Many short-timeout waiters with no Add in sight: every one must
	// observe its own timeout wakeup.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.WaitForAfter(context.Background(), 0, LogFilter{}, 1, 10*time.Millisecond)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a waiter overstayed its timeout")
	}
}

func TestWaitForAfterHonorsContext(t *testing.T) {
	b := NewLogBuffer(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []*types.LogEvent, 1)
	go func() {
		done <- b.WaitForAfter(ctx, 0, LogFilter{}, 10, 10*time.Second)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case events := <-done:
		assert.Empty(t, events)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}

func TestConcurrentWaitersSeeConsistentOrder(t *testing.T) {
	b := NewLogBuffer(1000)
	const waiters = 8
	const total = 50

	var wg sync.WaitGroup
	results := make([][]int64, waiters)
	for w := 0; w < waiters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var after int64
			for len(results[w]) < total {
				events := b.WaitForAfter(context.Background(), after, LogFilter{}, 10, 5*time.Second)
				if len(events) == 0 {
					return
				}
				for _, ev := range events {
					results[w] = append(results[w], ev.ID)
				}
				after = events[len(events)-1].ID
			}
		}(w)
	}

	for i := 0; i < total; i++ {
		b.Add(newEvent(fmt.Sprintf("msg-%d", i), types.LevelLog))
	}
	wg.Wait()

	// Advancing after by the returned watermark yields each event exactly
	// once, in a single consistent insertion order.
	for w := 0; w < waiters; w++ {
		require.Len(t, results[w], total, "waiter %d", w)
		for i, id := range results[w] {
			assert.Equal(t, int64(i+1), id)
		}
	}
}
