package buffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-tools/argus/pkg/types"
)

func newSummary(url string) *types.NetworkRequestSummary {
	return &types.NetworkRequestSummary{
		Ts:        time.Now().UnixMilli(),
		RequestID: fmt.Sprintf("req-%s", url),
		URL:       url,
		Method:    "GET",
	}
}

func TestNetBufferURLFilter(t *testing.T) {
	b := NewNetBuffer(10)
	b.Add(newSummary("https://example.com/app.js"))
	b.Add(newSummary("https://example.com/api/users"))
	b.Add(newSummary("https://cdn.example.com/font.woff2"))

	requests := b.Snapshot(0, NetFilter{URLContains: "/api/"}, 0)
	require.Len(t, requests, 1)
	assert.Equal(t, "https://example.com/api/users", requests[0].URL)
}

func TestNetBufferOverflowKeepsNewest(t *testing.T) {
	b := NewNetBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(newSummary(fmt.Sprintf("https://example.com/%d", i)))
	}

	requests := b.Snapshot(0, NetFilter{}, 0)
	require.Len(t, requests, 3)
	assert.Equal(t, int64(3), requests[0].ID)
	assert.Equal(t, int64(5), requests[2].ID)

	_, _, dropped := b.Stats()
	assert.Equal(t, int64(2), dropped)
}

func TestNetBufferSnapshotIsolatedFromUpdates(t *testing.T) {
	b := NewNetBuffer(10)
	r := b.Add(newSummary("https://example.com/inflight"))

	before := b.Snapshot(0, NetFilter{}, 0)
	require.Len(t, before, 1)

	b.Update(func() {
		r.Status = 503
		r.ErrorText = "net::ERR_ABORTED"
	})

	assert.Zero(t, before[0].Status, "snapshot must not alias the ring")
	assert.Empty(t, before[0].ErrorText)

	after := b.Snapshot(0, NetFilter{}, 0)
	require.Len(t, after, 1)
	assert.Equal(t, 503, after[0].Status)
}

func TestNetBufferConcurrentSnapshotAndUpdate(t *testing.T) {
	b := NewNetBuffer(10)
	r := b.Add(newSummary("https://example.com/hot"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Update(func() { r.Status = i })
		}
	}()
	for i := 0; i < 1000; i++ {
		for _, s := range b.Snapshot(0, NetFilter{}, 0) {
			_ = s.Status
		}
	}
	<-done
}

func TestNetBufferUpdateWakesWaiter(t *testing.T) {
	b := NewNetBuffer(10)
	r := b.Add(newSummary("https://example.com/slow"))

	done := make(chan []*types.NetworkRequestSummary, 1)
	go func() {
		// Waiting past the existing id; the Update broadcast re-runs the
		// snapshot, which stays empty, but must not deadlock the waiter.
		done <- b.WaitForAfter(context.Background(), r.ID, NetFilter{}, 10, 200*time.Millisecond)
	}()

	b.Update(func() {
		r.Status = 200
		r.DurationMs = 12.5
	})

	select {
	case requests := <-done:
		assert.Empty(t, requests)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter hung after Update")
	}

	got := b.Snapshot(0, NetFilter{}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, 200, got[0].Status)
	assert.Equal(t, 12.5, got[0].DurationMs)
}
