package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRunLockTTL bounds how long a request key stays reserved. It must
// outlast the longest expected run plus the queue's redelivery window.
const DefaultRunLockTTL = 6 * time.Hour

const (
	runningMarker = "running"
	doneMarker    = "done"
)

// ErrRunInProgress is returned by Status while a key's run is still live.
var ErrRunInProgress = errors.New("run already in progress")

// ErrLockLost is returned by Extend when the key no longer holds the running
// marker.
var ErrLockLost = errors.New("run lock no longer held")

// releaseScript deletes the key only while it still holds the running
// marker, so a late Release cannot clear a finished run.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while the run is still marked running.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock guards against running the same study/date/tag request twice
// when the queue redelivers it.
type RunLock struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunLock creates a run lock. A non-positive ttl falls back to
// DefaultRunLockTTL.
func NewRunLock(client *Client, ttl time.Duration, logger *zap.Logger) *RunLock {
	if ttl <= 0 {
		ttl = DefaultRunLockTTL
	}
	return &RunLock{client: client, ttl: ttl, logger: logger}
}

func (l *RunLock) buildKey(key string) string {
	return fmt.Sprintf("run:%s", key)
}

// Acquire reserves key using SET NX. It returns false when the key is
// already running or done.
func (l *RunLock) Acquire(ctx context.Context, key string) (bool, error) {
	set, err := l.client.rdb.SetNX(ctx, l.buildKey(key), runningMarker, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("run lock held", zap.String("key", key))
	}
	return set, nil
}

// MarkDone records that the run for key finished. The key keeps blocking
// duplicates until the TTL expires.
func (l *RunLock) MarkDone(ctx context.Context, key string) error {
	if err := l.client.rdb.Set(ctx, l.buildKey(key), doneMarker, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release frees a running key so a redelivered request can retry.
func (l *RunLock) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.buildKey(key)}, runningMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Extend resets the TTL of a running key. Long runs call it periodically so
// the reservation outlives the run.
func (l *RunLock) Extend(ctx context.Context, key string) error {
	n, err := extendScript.Run(ctx, l.client.rdb, []string{l.buildKey(key)}, runningMarker, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis extend failed: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Status reports whether key has finished. It returns ErrRunInProgress
// while the run is live and (false, nil) when the key is unknown.
func (l *RunLock) Status(ctx context.Context, key string) (bool, error) {
	val, err := l.client.rdb.Get(ctx, l.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	if val == runningMarker {
		return false, ErrRunInProgress
	}
	return val == doneMarker, nil
}
