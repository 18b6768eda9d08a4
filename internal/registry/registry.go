// Package registry implements the shared JSON catalogue of live
// watchers. The file is co-owned by every argus process; all mutations
// run under an exclusive advisory lock on a sibling .lock path and are
// written atomically (temp file + rename).
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

const (
	// DefaultTTL is the staleness bound for prune: records whose
	// updatedAt is older than this are swept on every read.
	DefaultTTL = 60 * time.Second

	// HeartbeatInterval is the default record refresh period.
	HeartbeatInterval = 15 * time.Second

	probeTimeout = 1500 * time.Millisecond
)

// Store reads and mutates one registry file.
type Store struct {
	path   string
	logger *zap.Logger
}

// New creates a store over the registry file at path.
func New(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Read loads the registry. An absent, corrupt, or unknown-version file
// yields an empty registry plus warnings; it is never an error. The
// returned registry is already pruned of stale records (in memory only).
func (s *Store) Read(now time.Time, ttl time.Duration) (*types.Registry, []string) {
	reg, warnings := s.load()
	pruneStale(reg, now, ttl)
	return reg, warnings
}

func (s *Store) load() (*types.Registry, []string) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return types.NewRegistry(), []string{fmt.Sprintf("registry unreadable (%v); treating as empty", err)}
		}
		return types.NewRegistry(), nil
	}

	var reg types.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return types.NewRegistry(), []string{fmt.Sprintf("registry corrupt (%v); treating as empty", err)}
	}
	if reg.Version != types.RegistryVersion {
		return types.NewRegistry(), []string{fmt.Sprintf("registry version %d is newer than supported %d; treating as empty", reg.Version, types.RegistryVersion)}
	}
	if reg.Watchers == nil {
		reg.Watchers = map[string]*types.WatcherRecord{}
	}
	return &reg, nil
}

// UpdateAtomically acquires the file lock, reads, applies fn, and writes
// the result back atomically when it changed. Concurrent callers across
// processes serialize on the lock.
func (s *Store) UpdateAtomically(fn func(*types.Registry) error) (*types.Registry, error) {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil && s.logger != nil {
			s.logger.Warn("Failed to release registry lock", zap.Error(err))
		}
	}()

	reg, warnings := s.load()
	for _, w := range warnings {
		if s.logger != nil {
			s.logger.Warn("Registry warning", zap.String("warning", w))
		}
	}

	before, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}

	if err := fn(reg); err != nil {
		return nil, err
	}

	after, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}
	if bytes.Equal(before, after) {
		return reg, nil
	}

	reg.UpdatedAt = time.Now().UnixMilli()
	if err := s.writeAtomic(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Store) writeAtomic(reg *types.Registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%d", s.path, os.Getpid(), rand.Int63())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// Windows refuses to rename over an open destination; retry
		// after removing the target.
		if rmErr := os.Remove(s.path); rmErr == nil {
			if err2 := os.Rename(tmp, s.path); err2 == nil {
				return nil
			}
		}
		os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// ReachabilityProbe reports whether a record's HTTP status endpoint
// answers. Injectable for tests.
type ReachabilityProbe func(rec *types.WatcherRecord) bool

// DefaultProbe hits GET /status with a short timeout.
func DefaultProbe(rec *types.WatcherRecord) bool {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(rec.URL() + "/status")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Announce inserts rec, failing with id_in_use when a record with the
// same id is still reachable over its advertised status endpoint.
func (s *Store) Announce(rec *types.WatcherRecord, probe ReachabilityProbe) error {
	if probe == nil {
		probe = DefaultProbe
	}
	_, err := s.UpdateAtomically(func(reg *types.Registry) error {
		if existing, ok := reg.Watchers[rec.ID]; ok && existing.PID != rec.PID {
			if probe(existing) {
				return types.NewAPIError(types.CodeIDInUse,
					fmt.Sprintf("watcher id %q is in use by pid %d", rec.ID, existing.PID))
			}
		}
		rec.UpdatedAt = time.Now().UnixMilli()
		reg.Watchers[rec.ID] = rec
		return nil
	})
	return err
}

// Heartbeat refreshes the record's updatedAt. A record missing from the
// file (swept by another process) is re-announced as-is.
func (s *Store) Heartbeat(rec *types.WatcherRecord) error {
	_, err := s.UpdateAtomically(func(reg *types.Registry) error {
		now := time.Now().UnixMilli()
		if now <= rec.UpdatedAt {
			now = rec.UpdatedAt + 1
		}
		rec.UpdatedAt = now
		reg.Watchers[rec.ID] = rec
		return nil
	})
	return err
}

// Remove deletes the record. Removing an absent id is not an error, so
// shutdown stays idempotent.
func (s *Store) Remove(id string) error {
	_, err := s.UpdateAtomically(func(reg *types.Registry) error {
		delete(reg.Watchers, id)
		return nil
	})
	return err
}

// PruneStale removes entries older than ttl from the file and returns
// the removed ids.
func (s *Store) PruneStale(now time.Time, ttl time.Duration) ([]string, error) {
	var removed []string
	_, err := s.UpdateAtomically(func(reg *types.Registry) error {
		removed = pruneStale(reg, now, ttl)
		return nil
	})
	return removed, err
}

func pruneStale(reg *types.Registry, now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var removed []string
	for id, rec := range reg.Watchers {
		if rec.Age(now) > ttl {
			removed = append(removed, id)
			delete(reg.Watchers, id)
		}
	}
	return removed
}
