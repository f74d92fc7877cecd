package mesh

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// seenCache remembers recently processed message ids for a bounded window
type seenCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func newSeenCache(size int, window time.Duration) *seenCache {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &seenCache{cache: expirable.NewLRU[string, struct{}](size, nil, window)}
}

// markSeen records key and reports whether it was new
func (c *seenCache) markSeen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache.Peek(key); ok {
		return false
	}
	c.cache.Add(key, struct{}{})
	return true
}

func (c *seenCache) len() int {
	return c.cache.Len()
}
