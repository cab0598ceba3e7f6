package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFeeCacheTTL 是手续费估算的缓存周期。
const DefaultFeeCacheTTL = 30 * time.Second

// FeeCache 缓存按交易形状计算的手续费。
type FeeCache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool)
	Set(ctx context.Context, key string, fee decimal.Decimal)
}

type feeEntry struct {
	fee    decimal.Decimal
	bucket int64
}

// MemoryFeeCache 按固定时间桶缓存手续费，桶切换后旧条目全部失效。
type MemoryFeeCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   func() time.Time
	bucket  int64
	entries map[string]feeEntry
}

// NewMemoryFeeCache 创建内存手续费缓存。
func NewMemoryFeeCache(ttl time.Duration, clock func() time.Time) *MemoryFeeCache {
	if ttl <= 0 {
		ttl = DefaultFeeCacheTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryFeeCache{ttl: ttl, clock: clock, entries: make(map[string]feeEntry)}
}

func (c *MemoryFeeCache) currentBucket() int64 {
	return c.clock().UnixNano() / int64(c.ttl)
}

// Get 实现 FeeCache。
func (c *MemoryFeeCache) Get(_ context.Context, key string) (decimal.Decimal, bool) {
	bucket := c.currentBucket()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.bucket != bucket {
		return decimal.Zero, false
	}
	return entry.fee, true
}

// Set 实现 FeeCache。
func (c *MemoryFeeCache) Set(_ context.Context, key string, fee decimal.Decimal) {
	bucket := c.currentBucket()
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket != c.bucket {
		c.entries = make(map[string]feeEntry, len(c.entries))
		c.bucket = bucket
	}
	c.entries[key] = feeEntry{fee: fee, bucket: bucket}
}
