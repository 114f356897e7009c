package counter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/draftforge/draftforge/internal/storage"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore implements the sliding-window log over a Redis sorted set so the
// window is shared across all process instances. Timestamps are members
// scored by their nanosecond clock value; members older than the window are
// trimmed before counting.
type RedisStore struct {
	redis *storage.RedisClient
	seq   atomic.Uint64
}

func NewRedisStore(redis *storage.RedisClient) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int) (Result, error) {
	redisKey := fmt.Sprintf("ratelimit:sliding:%s", key)
	now := time.Now()
	windowStart := now.Add(-window)

	// Sequence suffix keeps concurrent same-nanosecond members distinct
	member := fmt.Sprintf("%d-%d", now.UnixNano(), s.seq.Add(1))

	// Add before counting, all in one pipeline. Checking the count first and
	// adding afterwards lets concurrent callers each observe limit-1 and all
	// slip through; counting our own member post-insert makes the decision a
	// single atomic increment, the same guarantee the memory store gets from
	// its mutex.
	pipe := s.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	// Includes the member just added
	count := countCmd.Val()

	if count > int64(limit) {
		// Over the ceiling: take the member back out so a rejected burst
		// does not consume the window. Best effort - a leftover member
		// expires with the window.
		if err := s.redis.ZRem(ctx, redisKey, member); err != nil {
			log.WithError(err).Warn("rate limit: failed to remove rejected member")
		}

		resetAt, err := s.oldestReset(ctx, redisKey, window)
		if err != nil {
			resetAt = now.Add(window)
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: limit - int(count),
		ResetAt:   now.Add(window),
	}, nil
}

// oldestReset reports when the oldest tracked event leaves the window.
func (s *RedisStore) oldestReset(ctx context.Context, redisKey string, window time.Duration) (time.Time, error) {
	oldest, err := s.redis.ZRange(ctx, redisKey, 0, 0)
	if err != nil {
		return time.Time{}, err
	}
	if len(oldest) == 0 {
		return time.Now(), nil
	}

	var oldestNano int64
	fmt.Sscanf(oldest[0], "%d", &oldestNano)

	return time.Unix(0, oldestNano).Add(window), nil
}
