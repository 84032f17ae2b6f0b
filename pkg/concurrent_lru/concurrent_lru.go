package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/swcache/pkg/lru"
)

// ShardedLRU is a concurrent safe LRU keyed by string. Keys are spread
// over shards to reduce lock contention. Each shard evicts on its own.
type ShardedLRU[V any] struct {
	seed   maphash.Seed
	shards []shard[V]
	mask   uint64
}

type shard[V any] struct {
	sync.Mutex
	lru *lru.LRU[string, V]
}

// NewShardedLRU creates a ShardedLRU that holds at most about maxSize
// keys. shardNum must be a power of 2.
func NewShardedLRU[V any](shardNum, maxSize int) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}
	perShard := maxSize / shardNum
	if perShard < 1 {
		perShard = 1
	}

	c := &ShardedLRU[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]shard[V], shardNum),
		mask:   uint64(shardNum - 1),
	}
	for i := range c.shards {
		c.shards[i].lru = lru.NewLRU[string, V](perShard)
	}
	return c
}

func (c *ShardedLRU[V]) shard(key string) *shard[V] {
	return &c.shards[maphash.String(c.seed, key)&c.mask]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	s := c.shard(key)
	s.Lock()
	s.lru.Add(key, v)
	s.Unlock()
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	s := c.shard(key)
	s.Lock()
	v, ok = s.lru.Get(key)
	s.Unlock()
	return
}

func (c *ShardedLRU[V]) Del(key string) {
	s := c.shard(key)
	s.Lock()
	s.lru.Del(key)
	s.Unlock()
}

func (c *ShardedLRU[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.Lock()
		n += s.lru.Len()
		s.Unlock()
	}
	return n
}
