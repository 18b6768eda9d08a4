package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/internal/registry"
	"github.com/argus-tools/argus/pkg/types"
)

// SelectionError reports why no single watcher could be chosen, along
// with the candidates so the CLI can print something actionable.
type SelectionError struct {
	Reason     string // not_found | ambiguous
	Message    string
	Candidates []*types.WatcherRecord
}

func (e *SelectionError) Error() string { return e.Message }

// probe checks a record's /healthz; the resolver uses it to pick the
// unique reachable watcher and to prune dead entries.
type probe func(ctx context.Context, rec *types.WatcherRecord) bool

// Resolver selects a watcher record from the shared registry.
type Resolver struct {
	store *registry.Store
	ttl   time.Duration
	probe probe
}

// NewResolver opens the registry at the default location.
func NewResolver(logger *zap.Logger) (*Resolver, error) {
	path, err := argushome.RegistryPath()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store: registry.New(path, logger),
		ttl:   60 * time.Second,
		probe: healthProbe,
	}, nil
}

func healthProbe(ctx context.Context, rec *types.WatcherRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return NewClient(rec).Get(ctx, "/healthz", nil) == nil
}

// List returns the live records sorted by id. Stale entries are already
// swept by the registry read.
func (r *Resolver) List() []*types.WatcherRecord {
	reg, _ := r.store.Read(time.Now(), r.ttl)
	records := make([]*types.WatcherRecord, 0, len(reg.Watchers))
	for _, rec := range reg.Watchers {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Resolve picks the watcher a command addresses. With an explicit id
// only that id is acceptable. Without one: a unique cwd match wins,
// then a unique reachable watcher; anything else reports candidates.
func (r *Resolver) Resolve(ctx context.Context, id string) (*types.WatcherRecord, error) {
	records := r.List()

	if id != "" {
		for _, rec := range records {
			if rec.ID == id {
				return rec, nil
			}
		}
		return nil, &SelectionError{
			Reason:     "not_found",
			Message:    fmt.Sprintf("no watcher with id %q", id),
			Candidates: records,
		}
	}

	if len(records) == 0 {
		return nil, &SelectionError{
			Reason:  "not_found",
			Message: "no watchers registered; start one with `argus watcher start`",
		}
	}
	if len(records) == 1 {
		return records[0], nil
	}

	cwd, err := os.Getwd()
	if err == nil {
		var byCwd []*types.WatcherRecord
		for _, rec := range records {
			if rec.Cwd == cwd {
				byCwd = append(byCwd, rec)
			}
		}
		if len(byCwd) == 1 {
			return byCwd[0], nil
		}
	}

	var reachable []*types.WatcherRecord
	for _, rec := range records {
		if r.probe(ctx, rec) {
			reachable = append(reachable, rec)
		}
	}
	if len(reachable) == 1 {
		return reachable[0], nil
	}

	return nil, &SelectionError{
		Reason: "ambiguous",
		Message: fmt.Sprintf("%d watchers registered; pass an id (%s)",
			len(records), strings.Join(recordIDs(records), ", ")),
		Candidates: records,
	}
}

// PruneDead removes registry entries whose watcher no longer answers.
// Returns the ids removed.
func (r *Resolver) PruneDead(ctx context.Context) ([]string, error) {
	var removed []string
	for _, rec := range r.List() {
		if r.probe(ctx, rec) {
			continue
		}
		if err := r.store.Remove(rec.ID); err != nil {
			return removed, err
		}
		removed = append(removed, rec.ID)
	}
	return removed, nil
}

func recordIDs(records []*types.WatcherRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}
