package store

import (
	"container/list"
	"sync"

	"github.com/MegaWatt01/si/cas"
)

// defaultCacheSize bounds the SQLite store's in-memory object cache.
// Snapshot reads walk the same interior pages over and over; objects are
// immutable so the cache never invalidates, only evicts.
const defaultCacheSize = 4096

type pageCache struct {
	mu  sync.Mutex
	cap int
	lru *list.List
	m   map[cas.Hash]*list.Element
}

type cacheEntry struct {
	hash cas.Hash
	data []byte
}

func newPageCache(capacity int) *pageCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &pageCache{
		cap: capacity,
		lru: list.New(),
		m:   make(map[cas.Hash]*list.Element),
	}
}

func (c *pageCache) get(h cas.Hash) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[h]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *pageCache) put(h cas.Hash, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[h]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.m[h] = c.lru.PushFront(&cacheEntry{hash: h, data: data})
	for c.lru.Len() > c.cap {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.m, oldest.Value.(*cacheEntry).hash)
	}
}

func (c *pageCache) drop(h cas.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[h]; ok {
		c.lru.Remove(el)
		delete(c.m, h)
	}
}
