// Package redis provides a Redis-backed window store for multi-instance
// deployments where rate limit counters must be shared across servers.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

//go:embed upsert.lua
var upsertScript string

//go:embed sumlive.lua
var sumLiveScript string

const (
	// indexPrefix keys the per-pair zset of window starts scored by window end.
	indexPrefix = "rlidx:"
	// windowPrefix keys the per-window counters.
	windowPrefix = "rlwin:"
)

// RedisWindowStore implements ratelimit.WindowStore on Redis. Window counters
// live in plain keys with PEXPIREAT at their window end; a per-pair zset
// indexes live windows so aggregation never scans the keyspace. Both mutating
// operations run as Lua scripts, so concurrent callers for the same pair
// never lose updates.
type RedisWindowStore struct {
	client  *goredis.Client
	upsert  *goredis.Script
	sumLive *goredis.Script
	logger  *slog.Logger
}

// NewWindowStore creates a Redis window store and verifies connectivity.
func NewWindowStore(client *goredis.Client, logger *slog.Logger) (*RedisWindowStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisWindowStore{
		client:  client,
		upsert:  goredis.NewScript(upsertScript),
		sumLive: goredis.NewScript(sumLiveScript),
		logger:  logger,
	}, nil
}

// indexKey returns the zset index key for a pair.
func indexKey(identifier string, action ratelimit.Action) string {
	return indexPrefix + identifier + ":" + string(action)
}

// windowKeyPrefix returns the counter key prefix for a pair; the window start
// in epoch milliseconds is appended by the Lua scripts.
func windowKeyPrefix(identifier string, action ratelimit.Action) string {
	return windowPrefix + identifier + ":" + string(action) + ":"
}

// UpsertAndIncrement records one request for the pair.
func (s *RedisWindowStore) UpsertAndIncrement(ctx context.Context, identifier string, action ratelimit.Action, now time.Time, window time.Duration) (int, error) {
	count, err := s.upsert.Run(ctx, s.client,
		[]string{indexKey(identifier, action)},
		now.UnixMilli(),
		now.Add(window).UnixMilli(),
		windowKeyPrefix(identifier, action),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("upsert rate window: %w", err)
	}
	return count, nil
}

// SumLive aggregates counts across the pair's live windows.
func (s *RedisWindowStore) SumLive(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) (ratelimit.LiveCount, error) {
	result, err := s.sumLive.Run(ctx, s.client,
		[]string{indexKey(identifier, action)},
		now.UnixMilli(),
		windowKeyPrefix(identifier, action),
	).Int64Slice()
	if err != nil {
		return ratelimit.LiveCount{}, fmt.Errorf("sum live windows: %w", err)
	}
	if len(result) != 2 {
		return ratelimit.LiveCount{}, fmt.Errorf("sum live windows: unexpected script response length %d", len(result))
	}

	live := ratelimit.LiveCount{Total: int(result[0])}
	if live.Total > 0 && result[1] > 0 {
		live.EarliestEnd = time.UnixMilli(result[1])
	}
	return live, nil
}

// PurgeExpired trims expired windows from the pair's index. Counter keys
// carry their own PEXPIREAT and need no explicit deletion. A global purge is
// a no-op beyond what Redis TTLs already do.
func (s *RedisWindowStore) PurgeExpired(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) error {
	if identifier == "" && action == "" {
		return nil
	}
	err := s.client.ZRemRangeByScore(ctx, indexKey(identifier, action),
		"-inf", strconv.FormatInt(now.UnixMilli(), 10)).Err()
	if err != nil {
		return fmt.Errorf("purge expired windows: %w", err)
	}
	return nil
}

// Stats scans the pair indexes and aggregates live window counts.
// Operator-facing and low volume; not on the request path.
func (s *RedisWindowStore) Stats(ctx context.Context) (ratelimit.StoreStats, error) {
	stats := ratelimit.StoreStats{
		EntriesByAction: make(map[string]int),
	}
	nowMin := strconv.FormatInt(time.Now().UnixMilli(), 10)

	iter := s.client.Scan(ctx, 0, indexPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		entries, err := s.client.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
			Min: "(" + nowMin,
			Max: "+inf",
		}).Result()
		if err != nil {
			return ratelimit.StoreStats{}, fmt.Errorf("read index %s: %w", key, err)
		}
		if len(entries) == 0 {
			continue
		}

		// Index key layout is rlidx:{identifier}:{action}; the identifier may
		// itself contain colons, so the action is the last segment.
		action := key[strings.LastIndex(key, ":")+1:]
		stats.EntriesByAction[action] += len(entries)
		stats.TotalEntries += len(entries)

		for _, entry := range entries {
			startMs, err := strconv.ParseInt(fmt.Sprint(entry.Member), 10, 64)
			if err != nil {
				continue
			}
			start := time.UnixMilli(startMs)
			if stats.OldestEntry.IsZero() || start.Before(stats.OldestEntry) {
				stats.OldestEntry = start
			}
		}
	}
	if err := iter.Err(); err != nil {
		return ratelimit.StoreStats{}, fmt.Errorf("scan indexes: %w", err)
	}

	return stats, nil
}

// Close releases the underlying Redis client.
func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}

// Compile-time interface verification.
var _ ratelimit.WindowStore = (*RedisWindowStore)(nil)
