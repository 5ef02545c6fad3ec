package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// RedisIndex is a ledger.Index kept in Redis so a restarted service only has
// to catch up from the watermark instead of rescanning the whole chain.
//
// Layout under prefix:
//
//	rec:<recordID>  sorted set of block indices (score = index)
//	evt             hash eventID -> block index
//	wm              number of leading blocks indexed
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex returns an index using client. prefix namespaces every key,
// e.g. "medledger:".
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	return &RedisIndex{client: client, prefix: prefix}
}

func (x *RedisIndex) recKey(recordID string) string { return x.prefix + "rec:" + recordID }
func (x *RedisIndex) evtKey() string                { return x.prefix + "evt" }
func (x *RedisIndex) wmKey() string                 { return x.prefix + "wm" }

// Add implements ledger.Index. The block's entries and the new watermark are
// written in one MULTI/EXEC transaction.
func (x *RedisIndex) Add(ctx context.Context, b *ledger.Block) error {
	_, err := x.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		seen := make(map[string]bool, len(b.Events))
		for _, e := range b.Events {
			p.HSetNX(ctx, x.evtKey(), e.EventID, b.Index)
			if seen[e.RecordID] {
				continue
			}
			seen[e.RecordID] = true
			p.ZAdd(ctx, x.recKey(e.RecordID), redis.Z{Score: float64(b.Index), Member: b.Index})
		}
		p.Set(ctx, x.wmKey(), b.Index+1, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index add %d: %w", b.Index, err)
	}
	return nil
}

// Records implements ledger.Index.
func (x *RedisIndex) Records(ctx context.Context, recordID string) ([]uint64, error) {
	members, err := x.client.ZRange(ctx, x.recKey(recordID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index records: %w", err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		i, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis index records: bad member %q", m)
		}
		out = append(out, i)
	}
	return out, nil
}

// Event implements ledger.Index.
func (x *RedisIndex) Event(ctx context.Context, eventID string) (uint64, bool, error) {
	v, err := x.client.HGet(ctx, x.evtKey(), eventID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis index event: %w", err)
	}
	return v, true, nil
}

// Watermark implements ledger.Index.
func (x *RedisIndex) Watermark(ctx context.Context) (uint64, error) {
	v, err := x.client.Get(ctx, x.wmKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis index watermark: %w", err)
	}
	return v, nil
}

// Reset implements ledger.Index by deleting every key under the prefix.
func (x *RedisIndex) Reset(ctx context.Context) error {
	iter := x.client.Scan(ctx, 0, x.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := x.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis index reset: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis index reset: %w", err)
	}
	if len(batch) > 0 {
		if err := x.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis index reset: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (x *RedisIndex) Ping(ctx context.Context) error {
	return x.client.Ping(ctx).Err()
}
