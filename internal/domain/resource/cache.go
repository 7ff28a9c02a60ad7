package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SnapshotStore persists the last-known catalog snapshot so queries can
// still be served (flagged stale) across restarts while the upstream is
// down.
type SnapshotStore interface {
	Save(ctx context.Context, resources []Resource, takenAt time.Time) error
	Load(ctx context.Context) ([]Resource, time.Time, error)
}

// CachedCatalog wraps an upstream Catalog with a TTL-bounded snapshot.
// Lookups within the TTL are served from memory; an expired snapshot
// triggers a refresh. If the refresh fails the strict lookup methods
// return ErrCatalogUnavailable, since propose and approve must not
// proceed on stale-unknown data. LastKnown keeps serving the old snapshot
// with a staleness flag for read paths.
type CachedCatalog struct {
	upstream Catalog
	store    SnapshotStore
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	byID    map[string]Resource
	takenAt time.Time
	stale   bool
}

// NewCachedCatalog creates a caching adapter. store may be nil.
func NewCachedCatalog(upstream Catalog, store SnapshotStore, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		upstream: upstream,
		store:    store,
		ttl:      ttl,
		logger:   logger,
	}
}

// Warm loads the persisted snapshot, if any, then attempts a refresh.
// Intended for startup; a failed refresh is not fatal.
func (c *CachedCatalog) Warm(ctx context.Context) {
	if c.store != nil {
		if resources, takenAt, err := c.store.Load(ctx); err == nil && len(resources) > 0 {
			c.install(resources, takenAt, true)
		}
	}
	if err := c.refresh(ctx); err != nil {
		c.logger.Warn("catalog warm-up refresh failed", "error", err)
	}
}

// GetResource returns the resource snapshot, refreshing if expired.
func (c *CachedCatalog) GetResource(ctx context.Context, id string) (*Resource, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ListResources returns resources in the category, refreshing if expired.
func (c *CachedCatalog) ListResources(ctx context.Context, category string) ([]Resource, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Resource
	for _, r := range c.byID {
		if category == "" || r.Category == category {
			out = append(out, r)
		}
	}
	return out, nil
}

// LastKnown returns whatever snapshot is held, without refreshing.
// Stale is true when the snapshot has expired or came from disk.
func (c *CachedCatalog) LastKnown() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resources := make([]Resource, 0, len(c.byID))
	for _, r := range c.byID {
		resources = append(resources, r)
	}
	return Snapshot{
		Resources: resources,
		TakenAt:   c.takenAt,
		Stale:     c.stale || time.Since(c.takenAt) > c.ttl,
	}
}

func (c *CachedCatalog) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.stale && time.Since(c.takenAt) <= c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return nil
}

func (c *CachedCatalog) refresh(ctx context.Context) error {
	resources, err := c.upstream.ListResources(ctx, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.install(resources, now, false)

	if c.store != nil {
		if err := c.store.Save(ctx, resources, now); err != nil {
			c.logger.Warn("persisting catalog snapshot failed", "error", err)
		}
	}
	return nil
}

func (c *CachedCatalog) install(resources []Resource, takenAt time.Time, stale bool) {
	byID := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	c.mu.Lock()
	c.byID = byID
	c.takenAt = takenAt
	c.stale = stale
	c.mu.Unlock()
}
