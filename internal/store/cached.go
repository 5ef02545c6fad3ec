package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// CacheConfig sizes the block cache.
type CacheConfig struct {
	LifeWindow   time.Duration
	MaxEntrySize int // bytes
	HardMaxMB    int
}

// CachedStore decorates a ledger.Store with a bigcache read-through cache of
// encoded blocks for Get. Blocks are immutable once appended, so cached
// entries never go stale. Range always reads the backing store so that
// verification sees what is actually on disk.
type CachedStore struct {
	ledger.Store
	cache  *bigcache.BigCache
	logger *zap.Logger
}

// NewCachedStore wraps inner.
func NewCachedStore(inner ledger.Store, cfg CacheConfig, logger *zap.Logger) (*CachedStore, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}
	bc.HardMaxCacheSize = cfg.HardMaxMB
	bc.CleanWindow = cfg.LifeWindow / 2
	bc.Verbose = false

	cache, err := bigcache.New(context.Background(), bc)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: inner, cache: cache, logger: logger}, nil
}

func cacheKey(index uint64) string { return strconv.FormatUint(index, 10) }

// Get implements ledger.Store.
func (c *CachedStore) Get(ctx context.Context, index uint64) (*ledger.Block, error) {
	if raw, err := c.cache.Get(cacheKey(index)); err == nil {
		if b, err := ledger.UnmarshalBlock(raw); err == nil {
			return b, nil
		}
		_ = c.cache.Delete(cacheKey(index))
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.logger.Warn("block cache read failed", zap.Uint64("index", index), zap.Error(err))
	}

	b, err := c.Store.Get(ctx, index)
	if err != nil {
		return nil, err
	}
	c.put(b)
	return b, nil
}

// Append implements ledger.Store. The freshly sealed block is cached since
// the next reads are likely to be for it.
func (c *CachedStore) Append(ctx context.Context, b *ledger.Block) (uint64, error) {
	n, err := c.Store.Append(ctx, b)
	if err != nil {
		return n, err
	}
	c.put(b)
	return n, nil
}

func (c *CachedStore) put(b *ledger.Block) {
	raw, err := ledger.MarshalBlock(b)
	if err != nil {
		return
	}
	if err := c.cache.Set(cacheKey(b.Index), raw); err != nil {
		c.logger.Debug("block cache write skipped", zap.Uint64("index", b.Index), zap.Error(err))
	}
}

// Stats reports cache hit and miss counters.
func (c *CachedStore) Stats() bigcache.Stats { return c.cache.Stats() }

// Close closes the cache and the backing store.
func (c *CachedStore) Close() error {
	return errors.Join(c.cache.Close(), c.Store.Close())
}
