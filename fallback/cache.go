// Package fallback implements the fingerprinted response cache and the
// static/degraded/synthetic fallback cascade the broker falls back to when
// upstream dispatch cannot complete. It is grounded on the teacher's
// llm/cache/prompt_cache.go LRU (addToHead/removeNode/moveToHead/evictTail),
// generalized from llm.ChatRequest-keyed entries onto the broker's
// fingerprint = sha256(provider_tag || ':' || lowercase(trim(prompt))) shape,
// and adds golang.org/x/sync/singleflight for per-fingerprint build
// coalescing, which the teacher cache does not need (its Redis-backed
// MultiLevelCache relies on Redis's own atomicity instead).
package fallback

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/marketflow/llmbroker/types"
	"golang.org/x/sync/singleflight"
)

// Fingerprint computes the stable cache key for a (providerTag, prompt) pair
// per spec: sha256(provider_tag || ':' || lowercase(trim(prompt))).
func Fingerprint(providerTag, prompt string) string {
	normalized := strings.ToLower(strings.TrimSpace(prompt))
	sum := sha256.Sum256([]byte(providerTag + ":" + normalized))
	return hex.EncodeToString(sum[:])
}

// Cache is an LRU of FingerprintedCacheEntry with per-entry TTL, grounded on
// the teacher's LRUCache (doubly-linked list, O(1) get/set/evict).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*node
	head     *node
	tail     *node

	group singleflight.Group
}

type node struct {
	key   string
	entry *types.FingerprintedCacheEntry
	prev  *node
	next  *node
}

// NewCache creates an LRU cache with the given capacity and default TTL
// (used when an entry is Set without an explicit TTL).
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*node),
	}
}

// Get returns the entry for fingerprint iff present and not expired; an
// expired entry is removed on access.
func (c *Cache) Get(fingerprint string) (*types.FingerprintedCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	if n.entry.Expired(time.Now()) {
		c.removeNode(n)
		delete(c.items, fingerprint)
		return nil, false
	}
	c.moveToHead(n)
	return n.entry, true
}

// Set inserts or updates the entry for fingerprint, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Set(fingerprint string, entry *types.FingerprintedCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Fingerprint = fingerprint
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	if entry.TTL <= 0 {
		entry.TTL = c.ttl
	}

	if n, ok := c.items[fingerprint]; ok {
		n.entry = entry
		c.moveToHead(n)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}
	n := &node{key: fingerprint, entry: entry}
	c.items[fingerprint] = n
	c.addToHead(n)
}

// Delete removes fingerprint's entry, if present.
func (c *Cache) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[fingerprint]; ok {
		c.removeNode(n)
		delete(c.items, fingerprint)
	}
}

// Len reports the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Build runs fn to materialize the cache entry for fingerprint, coalescing
// concurrent callers for the same fingerprint into a single upstream build
// (spec §4.6's core invariant, §8 Property 3: exactly one upstream dispatch
// per fingerprint regardless of caller count). Every concurrent caller
// receives the same (entry, err) once the in-flight build completes; the
// winning call's result is cached on success before any waiter observes it.
func (c *Cache) Build(fingerprint string, fn func() (*types.FingerprintedCacheEntry, error)) (*types.FingerprintedCacheEntry, error) {
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		entry, buildErr := fn()
		if buildErr != nil {
			return nil, buildErr
		}
		c.Set(fingerprint, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.FingerprintedCacheEntry), nil
}

func (c *Cache) addToHead(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
}

func (c *Cache) moveToHead(n *node) {
	if n == c.head {
		return
	}
	c.removeNode(n)
	c.addToHead(n)
}

func (c *Cache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}
