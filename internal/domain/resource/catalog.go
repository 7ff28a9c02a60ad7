package resource

import (
	"context"
	"sort"
	"sync"
)

// Catalog is the read-only view of the external resource system of
// record. The engine never mutates resources, only looks them up.
type Catalog interface {
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context, category string) ([]Resource, error)
}

// StaticCatalog serves a fixed resource set, typically loaded from
// configuration. Stands in for the external system of record in
// single-binary deployments and tests.
type StaticCatalog struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewStaticCatalog creates a catalog over the given resources.
func NewStaticCatalog(resources []Resource) *StaticCatalog {
	byID := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	return &StaticCatalog{resources: byID}
}

func (c *StaticCatalog) GetResource(_ context.Context, id string) (*Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (c *StaticCatalog) ListResources(_ context.Context, category string) ([]Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Resource
	for _, r := range c.resources {
		if category == "" || r.Category == category {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a resource. Test helper.
func (c *StaticCatalog) Put(r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[r.ID] = r
}
