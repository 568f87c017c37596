package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/liveedit/kpatch/types"
)

// cache memoizes resolved blobs by build-ID and collapses concurrent lookups
// of the same build-ID into a single underlying read, so that invariant 6
// (two lookups for the same build-ID return the same Blob identity) holds
// regardless of caller concurrency.
type cache struct {
	mu    sync.RWMutex
	blobs map[string]*types.Blob

	group singleflight.Group
	load  func(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error)
}

func newCache(load func(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error)) *cache {
	return &cache{
		blobs: make(map[string]*types.Blob),
		load:  load,
	}
}

func (c *cache) find(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error) {
	if b := c.lookup(buildID, wantBytes); b != nil {
		return b, nil
	}

	key := buildID
	if wantBytes {
		key += "#bytes"
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight key: another caller may have
		// populated the cache while we were waiting to be scheduled.
		if b := c.lookup(buildID, wantBytes); b != nil {
			return b, nil
		}
		b, err := c.load(ctx, buildID, wantBytes)
		if err != nil {
			return nil, err
		}
		c.store(buildID, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Blob), nil
}

func (c *cache) lookup(buildID string, wantBytes bool) *types.Blob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blobs[buildID]
	if !ok {
		return nil
	}
	if wantBytes && b.Bytes == nil {
		return nil
	}
	return b
}

func (c *cache) store(buildID string, b *types.Blob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[buildID] = b
}
