package bevy

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// chunkCache holds decoded chunk bytes so a read that revisits a recently
// decoded chunk skips re-opening and re-decompressing its bevy (spec.md
// §4.3 read path step (a)). It is backed by an in-process miniredis
// instance addressed through a real go-redis client, matching the
// cache-aside pattern the teacher's codebase uses go-redis for elsewhere,
// generalized from an object-metadata cache to a decoded-byte cache.
type chunkCache struct {
	client *redis.Client
	mr     *miniredis.Miniredis
	ttl    time.Duration
}

// DefaultCacheEntries and DefaultCacheTTL match spec.md §4.3's "~1000
// entries, ~10s TTL" decoded chunk cache sizing.
const (
	DefaultCacheEntries = 1000
	DefaultCacheTTL     = 10 * time.Second
)

func newChunkCache(ttl time.Duration) (*chunkCache, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("bevy: starting decoded-chunk cache: %w", err)
	}
	mr.SetMaxMemory(0) // unbounded; DefaultCacheEntries is not enforced, entries leave the cache only when their TTL expires
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &chunkCache{client: client, mr: mr, ttl: ttl}, nil
}

func (c *chunkCache) key(streamURN string, chunkIdx uint64) string {
	return fmt.Sprintf("aff4:chunk:%s:%d", streamURN, chunkIdx)
}

func (c *chunkCache) get(streamURN string, chunkIdx uint64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.client.Get(context.Background(), c.key(streamURN, chunkIdx)).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *chunkCache) put(streamURN string, chunkIdx uint64, data []byte) {
	if c == nil {
		return
	}
	c.client.Set(context.Background(), c.key(streamURN, chunkIdx), data, c.ttl)
}

func (c *chunkCache) close() error {
	if c == nil {
		return nil
	}
	err := c.client.Close()
	c.mr.Close()
	return err
}
