// Package cache implements the broker's optional MultiLevelCache layer
// wrapping fallback.Cache (spec §4.8): an in-process L1 LRU plus an optional
// remote L2 that degrades silently when unreachable. It is grounded on the
// teacher's llm/cache/prompt_cache.go MultiLevelCache (local-then-Redis Get,
// async hit-count increment via a Lua script, graceful redis.Nil handling),
// generalized from *llm.ChatRequest-keyed CacheEntry onto the broker's
// fingerprint-keyed types.FingerprintedCacheEntry and fallback.Cache as L1.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marketflow/llmbroker/fallback"
	"github.com/marketflow/llmbroker/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the multi-level cache.
type Config struct {
	EnableL1           bool
	EnableL2           bool
	L1MaxSize          int
	L1TTL              time.Duration
	L2TTL              time.Duration
	// PromotionThreshold is the number of L2 hits after which an entry is
	// also written into L1 (spec §4.8: "after N accesses in L2, entries are
	// also written to L1").
	PromotionThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableL1:           true,
		EnableL2:           true,
		L1MaxSize:          1000,
		L1TTL:              5 * time.Minute,
		L2TTL:              time.Hour,
		PromotionThreshold: 3,
	}
}

// MultiLevelCache is L1 (in-process LRU) plus an optional L2 (remote KV).
// L3 (declared by spec §4.8 as a database tier) is intentionally not
// implemented: the core must work with L1 alone, and nothing in the broker
// requires an L3 to be present.
type MultiLevelCache struct {
	cfg    Config
	l1     *fallback.Cache
	redis  *redis.Client
	logger *zap.Logger

	mu          sync.Mutex
	l2Accesses  map[string]int
}

// New creates a MultiLevelCache. rdb may be nil (or unreachable); L2 then
// silently behaves as disabled for every call, matching spec §4.8's
// "never blocks on it" guarantee.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *MultiLevelCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	var l1 *fallback.Cache
	if cfg.EnableL1 {
		l1 = fallback.NewCache(cfg.L1MaxSize, cfg.L1TTL)
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	return &MultiLevelCache{
		cfg:        cfg,
		l1:         l1,
		redis:      rdb,
		logger:     logger,
		l2Accesses: make(map[string]int),
	}
}

// Get consults L1 first, then L2. An L2 hit is promoted into L1 once it has
// been accessed PromotionThreshold times. Any L2 error (including the
// client being nil/unreachable) is treated as a miss, never as a failure.
func (c *MultiLevelCache) Get(ctx context.Context, fingerprint string) (*types.FingerprintedCacheEntry, bool) {
	if c.cfg.EnableL1 && c.l1 != nil {
		if entry, ok := c.l1.Get(fingerprint); ok {
			c.logger.Debug("L1 cache hit", zap.String("fingerprint", fingerprint))
			return entry, true
		}
	}

	if !c.cfg.EnableL2 || c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, c.l2Key(fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("L2 cache unreachable, degrading for this call", zap.Error(err))
		}
		return nil, false
	}

	var entry types.FingerprintedCacheEntry
	if jsonErr := json.Unmarshal(data, &entry); jsonErr != nil {
		c.logger.Warn("L2 cache entry corrupt", zap.Error(jsonErr))
		return nil, false
	}
	c.logger.Debug("L2 cache hit", zap.String("fingerprint", fingerprint))

	if c.maybePromote(fingerprint) && c.cfg.EnableL1 && c.l1 != nil {
		c.l1.Set(fingerprint, &entry)
	}
	go c.incrementL2HitCount(context.Background(), fingerprint)

	return &entry, true
}

// Set writes entry to L1 and (best-effort) L2.
func (c *MultiLevelCache) Set(ctx context.Context, fingerprint string, entry *types.FingerprintedCacheEntry) error {
	entry.Fingerprint = fingerprint
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}

	if c.cfg.EnableL1 && c.l1 != nil {
		c.l1.Set(fingerprint, entry)
	}

	if !c.cfg.EnableL2 || c.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = c.cfg.L2TTL
	}
	if err := c.redis.Set(ctx, c.l2Key(fingerprint), data, ttl).Err(); err != nil {
		c.logger.Warn("L2 cache set failed, continuing with L1 only", zap.Error(err))
	}
	return nil
}

// Delete removes fingerprint from both levels.
func (c *MultiLevelCache) Delete(ctx context.Context, fingerprint string) {
	if c.cfg.EnableL1 && c.l1 != nil {
		c.l1.Delete(fingerprint)
	}
	if c.cfg.EnableL2 && c.redis != nil {
		if err := c.redis.Del(ctx, c.l2Key(fingerprint)).Err(); err != nil {
			c.logger.Warn("L2 cache delete failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	delete(c.l2Accesses, fingerprint)
	c.mu.Unlock()
}

func (c *MultiLevelCache) l2Key(fingerprint string) string {
	return "llmbroker:cache:" + fingerprint
}

func (c *MultiLevelCache) maybePromote(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l2Accesses[fingerprint]++
	return c.l2Accesses[fingerprint] >= c.cfg.PromotionThreshold
}

// incrementL2HitCount atomically bumps the hit_count field inside the cached
// JSON entry via a Lua script, matching the teacher's incrementHitCount —
// run asynchronously since it is purely observational bookkeeping, never on
// the request's critical path.
func (c *MultiLevelCache) incrementL2HitCount(ctx context.Context, fingerprint string) {
	if c.redis == nil {
		return
	}
	script := redis.NewScript(`
		local key = KEYS[1]
		local data = redis.call('GET', key)
		if data then
			local entry = cjson.decode(data)
			entry.Metadata = entry.Metadata or {}
			entry.Metadata.hit_count = (entry.Metadata.hit_count or 0) + 1
			local ttl = redis.call('TTL', key)
			if ttl > 0 then
				redis.call('SET', key, cjson.encode(entry), 'EX', ttl)
			end
		end
		return 1
	`)
	if err := script.Run(ctx, c.redis, []string{c.l2Key(fingerprint)}).Err(); err != nil {
		c.logger.Debug("L2 hit-count increment failed", zap.Error(err))
	}
}
