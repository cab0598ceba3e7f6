package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"VaultPilot/pkg/logger"
)

// RedisFeeCache 让多个实例共享手续费估算。读写失败只会退化为未命中。
type RedisFeeCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisFeeCache 创建 Redis 手续费缓存。
func NewRedisFeeCache(client *redis.Client, prefix string, ttl time.Duration) *RedisFeeCache {
	if prefix == "" {
		prefix = "vaultpilot:fees"
	}
	if ttl <= 0 {
		ttl = DefaultFeeCacheTTL
	}
	return &RedisFeeCache{client: client, prefix: prefix + ":", ttl: ttl}
}

// Get 实现 FeeCache。
func (c *RedisFeeCache) Get(ctx context.Context, key string) (decimal.Decimal, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			logger.L().Warn("读取手续费缓存失败", slog.Any("error", err))
		}
		return decimal.Zero, false
	}
	fee, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return fee, true
}

// Set 实现 FeeCache。
func (c *RedisFeeCache) Set(ctx context.Context, key string, fee decimal.Decimal) {
	if err := c.client.Set(ctx, c.prefix+key, fee.String(), c.ttl).Err(); err != nil {
		logger.L().Warn("写入手续费缓存失败", slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (c *RedisFeeCache) Close() error {
	return c.client.Close()
}
