package mesh

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenCacheMarksOnce(t *testing.T) {
	c := newSeenCache(16, time.Minute)

	assert.True(t, c.markSeen("a/1"))
	assert.False(t, c.markSeen("a/1"))
	assert.True(t, c.markSeen("b/1"))
}

func TestSeenCacheIsBounded(t *testing.T) {
	c := newSeenCache(8, time.Minute)

	for i := 0; i < 20; i++ {
		c.markSeen(fmt.Sprintf("n/%d", i))
	}
	assert.Equal(t, 8, c.len())

	// The oldest ids have been evicted and are accepted again
	assert.True(t, c.markSeen("n/0"))
	assert.False(t, c.markSeen("n/19"))
}

func TestSeenCacheExpires(t *testing.T) {
	c := newSeenCache(8, 50*time.Millisecond)

	assert.True(t, c.markSeen("x"))
	assert.Eventually(t, func() bool {
		return c.markSeen("x")
	}, time.Second, 20*time.Millisecond)
}

func TestSeenCacheDefaults(t *testing.T) {
	c := newSeenCache(0, 0)
	assert.True(t, c.markSeen("k"))
	assert.False(t, c.markSeen("k"))
}
