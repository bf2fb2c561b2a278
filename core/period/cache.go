package period

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"loop/core/types"
)

// Key identifies one distribution contract.
type Key struct {
	ChainID uint64
	Loop    common.Address
}

// DetailsCache stores loop details, which never change after deployment.
// Entries are written once and never invalidated.
type DetailsCache interface {
	Get(ctx context.Context, key Key) (types.LoopDetails, bool, error)
	Put(ctx context.Context, key Key, details types.LoopDetails) error
}

// MemoryCache is the in-process DetailsCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]types.LoopDetails
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[Key]types.LoopDetails)}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (types.LoopDetails, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[key]
	return d, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, key Key, details types.LoopDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = details
	}
	return nil
}

// Len reports the number of cached loops.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
