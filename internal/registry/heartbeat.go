package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// Heartbeater periodically rewrites a record's updatedAt so readers do
// not prune it. Stop is idempotent.
type Heartbeater struct {
	store    *Store
	rec      *types.WatcherRecord
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHeartbeater builds a stopped heartbeater; call Start to run it.
func NewHeartbeater(store *Store, rec *types.WatcherRecord, interval time.Duration, logger *zap.Logger) *Heartbeater {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	return &Heartbeater{
		store:    store,
		rec:      rec,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (h *Heartbeater) Start() {
	go func() {
		defer close(h.doneCh)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.store.Heartbeat(h.rec); err != nil {
					h.logger.Warn("Registry heartbeat failed",
						zap.String("watcher_id", h.rec.ID),
						zap.Error(err))
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}
