// Package cache implements the two-tier block cache: an in-process TTL
// cache backed by an optional shared Redis tier. All entries expire by
// TTL only; a cache failure is never fatal, callers fall back to a direct
// RPC fetch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/types"
)

// Common cache errors
var (
	// ErrNotFound is returned when a key is absent from every tier.
	ErrNotFound = errors.New("cache: not found")
	// ErrUnavailable is returned when the shared tier is unreachable and
	// the key is absent locally.
	ErrUnavailable = errors.New("cache: unavailable")
)

// BlockCache is the read/write surface used by the watcher and workers.
type BlockCache interface {
	// GetBlock returns a cached block or ErrNotFound.
	GetBlock(ctx context.Context, network string, number uint64) (*types.Block, error)
	// SetBlock caches a block under the block TTL.
	SetBlock(ctx context.Context, block *types.Block) error
	// GetLatest returns the cached chain head for a network or ErrNotFound.
	GetLatest(ctx context.Context, network string) (uint64, error)
	// SetLatest caches the chain head under the latest-block TTL.
	SetLatest(ctx context.Context, network string, number uint64) error
	// Close stops the eviction loops and closes the shared tier.
	Close() error
}

// Cache is the ttlcache + Redis implementation of BlockCache.
type Cache struct {
	blocks *ttlcache.Cache[string, *types.Block]
	latest *ttlcache.Cache[string, uint64]

	rdb       *redis.Client
	keyPrefix string
	blockTTL  time.Duration
	latestTTL time.Duration

	logger  *zap.Logger
	metrics *Metrics
}

var _ BlockCache = (*Cache)(nil)

// New creates a block cache from configuration. When cfg.Redis.Enabled is
// false the cache is in-process only.
func New(cfg config.CacheConfig, logger *zap.Logger, metrics *Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	blocks := ttlcache.New[string, *types.Block](
		ttlcache.WithTTL[string, *types.Block](cfg.BlockTTL),
		ttlcache.WithDisableTouchOnHit[string, *types.Block](),
	)
	latest := ttlcache.New[string, uint64](
		ttlcache.WithTTL[string, uint64](cfg.LatestBlockTTL),
		ttlcache.WithDisableTouchOnHit[string, uint64](),
	)
	go blocks.Start()
	go latest.Start()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}

	return &Cache{
		blocks:    blocks,
		latest:    latest,
		rdb:       rdb,
		keyPrefix: cfg.KeyPrefix,
		blockTTL:  cfg.BlockTTL,
		latestTTL: cfg.LatestBlockTTL,
		logger:    logger,
		metrics:   metrics,
	}
}

// blockKey builds the shared-tier key for a block.
func (c *Cache) blockKey(network string, number uint64) string {
	return fmt.Sprintf("%s:%s:block:%d", c.keyPrefix, network, number)
}

// latestKey builds the shared-tier key for a network's chain head.
func (c *Cache) latestKey(network string) string {
	return fmt.Sprintf("%s:%s:latest", c.keyPrefix, network)
}

// GetBlock returns a cached block, checking the local tier first.
func (c *Cache) GetBlock(ctx context.Context, network string, number uint64) (*types.Block, error) {
	key := c.blockKey(network, number)

	if item := c.blocks.Get(key); item != nil {
		c.metrics.RecordHit("local")
		return item.Value(), nil
	}

	if c.rdb == nil {
		c.metrics.RecordMiss()
		return nil, ErrNotFound
	}

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.RecordMiss()
			return nil, ErrNotFound
		}
		c.metrics.RecordError()
		c.logger.Warn("shared cache tier unavailable", zap.Error(err))
		return nil, ErrUnavailable
	}

	var block types.Block
	if err := json.Unmarshal(data, &block); err != nil {
		c.metrics.RecordError()
		return nil, fmt.Errorf("corrupt cache entry for %s: %w", key, err)
	}

	// Promote to the local tier
	c.blocks.Set(key, &block, ttlcache.DefaultTTL)
	c.metrics.RecordHit("shared")
	return &block, nil
}

// SetBlock caches a block in both tiers. Shared-tier failures are logged
// and swallowed; the local tier always succeeds.
func (c *Cache) SetBlock(ctx context.Context, block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block cannot be nil")
	}
	key := c.blockKey(block.NetworkID, block.Number)
	c.blocks.Set(key, block, ttlcache.DefaultTTL)

	if c.rdb == nil {
		return nil
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.blockTTL).Err(); err != nil {
		c.metrics.RecordError()
		c.logger.Warn("failed to write block to shared cache tier",
			zap.String("network", block.NetworkID),
			zap.Uint64("block_number", block.Number),
			zap.Error(err))
	}
	return nil
}

// GetLatest returns the cached chain head for a network.
func (c *Cache) GetLatest(ctx context.Context, network string) (uint64, error) {
	key := c.latestKey(network)

	if item := c.latest.Get(key); item != nil {
		c.metrics.RecordHit("local")
		return item.Value(), nil
	}

	if c.rdb == nil {
		c.metrics.RecordMiss()
		return 0, ErrNotFound
	}

	value, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.RecordMiss()
			return 0, ErrNotFound
		}
		c.metrics.RecordError()
		c.logger.Warn("shared cache tier unavailable", zap.Error(err))
		return 0, ErrUnavailable
	}

	number, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		c.metrics.RecordError()
		return 0, fmt.Errorf("corrupt cache entry for %s: %w", key, err)
	}

	c.latest.Set(key, number, ttlcache.DefaultTTL)
	c.metrics.RecordHit("shared")
	return number, nil
}

// SetLatest caches the chain head for a network.
func (c *Cache) SetLatest(ctx context.Context, network string, number uint64) error {
	key := c.latestKey(network)
	c.latest.Set(key, number, ttlcache.DefaultTTL)

	if c.rdb == nil {
		return nil
	}

	if err := c.rdb.Set(ctx, key, strconv.FormatUint(number, 10), c.latestTTL).Err(); err != nil {
		c.metrics.RecordError()
		c.logger.Warn("failed to write chain head to shared cache tier",
			zap.String("network", network),
			zap.Error(err))
	}
	return nil
}

// Close stops the eviction loops and closes the shared tier connection.
func (c *Cache) Close() error {
	c.blocks.Stop()
	c.latest.Stop()
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
