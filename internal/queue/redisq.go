package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const (
	readyKey   = "apply:queue"
	delayKey   = "apply:delay"
	rateKey    = "apply:rate"
	leasePfx   = "apply:lease:"
	profilePfx = "apply:profile:"

	// profileTTL bounds how long a staged candidate profile outlives its
	// attempt. Profiles are working data, not records.
	profileTTL = 7 * 24 * time.Hour
)

// RedisQ is the durable FIFO queue backing the worker pool. Ready attempts
// sit in a list; retries scheduled with backoff sit in a delay ZSET until a
// pump moves them over. No priority tiers: retries compete on equal footing.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

// Enqueue makes an attempt eligible for dequeue at runAt. A runAt in the
// past or zero goes straight to the ready list.
func (q *RedisQ) Enqueue(ctx context.Context, attemptID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(runAt.Unix()), Member: attemptID}).Err()
	}
	return q.rdb.LPush(ctx, readyKey, attemptID).Err()
}

// Dequeue blocks up to block for the next ready attempt id. Returns ""
// without error when the wait times out.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// MoveDue promotes delayed attempts whose runAt has passed onto the ready
// list, batch at a time.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// -- Worker leases --
// A worker owns an attempt only while its lease key lives. A lease that
// expires without release means the worker stalled.

// Lease claims exclusive ownership of an attempt for ttl. Returns false if
// another worker already holds it.
func (q *RedisQ) Lease(ctx context.Context, attemptID, workerID string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, leasePfx+attemptID, workerID, ttl).Result()
}

// heartbeatScript extends a lease only if the caller still owns it.
var heartbeatScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Heartbeat extends the caller's lease. Returns false when the lease was
// lost (expired and possibly reclaimed), which the worker must treat as a
// stop signal for this attempt.
func (q *RedisQ) Heartbeat(ctx context.Context, attemptID, workerID string, ttl time.Duration) (bool, error) {
	n, err := heartbeatScript.Run(ctx, q.rdb, []string{leasePfx + attemptID}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// releaseScript deletes a lease only if the caller owns it.
var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLease drops ownership after the attempt reaches a terminal status.
func (q *RedisQ) ReleaseLease(ctx context.Context, attemptID, workerID string) error {
	return releaseScript.Run(ctx, q.rdb, []string{leasePfx + attemptID}, workerID).Err()
}

// LeaseHeld reports whether any worker currently holds the attempt.
func (q *RedisQ) LeaseHeld(ctx context.Context, attemptID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, leasePfx+attemptID).Result()
	return n == 1, err
}

// -- Rate limiting --

// rateScript implements a sliding-window counter: prune entries older than
// the window, admit if under the limit. Atomic so concurrent workers cannot
// overshoot the ceiling.
var rateScript = r.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return 1
end
return 0
`)

// AllowStart reports whether another attempt may start inside the rolling
// window. Denied attempts simply wait in queue.
func (q *RedisQ) AllowStart(ctx context.Context, now time.Time, limit int, window time.Duration) (bool, error) {
	cutoff := now.Add(-window).UnixMilli()
	n, err := rateScript.Run(ctx, q.rdb, []string{rateKey},
		cutoff, limit, now.UnixMilli(), uuid.NewString(), window.Milliseconds()*2).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// -- Profile staging --
// Candidate answers are staged in redis for the worker to pick up; the
// durable attempt row never carries document content.

func (q *RedisQ) StoreProfile(ctx context.Context, attemptID string, profileJSON []byte) error {
	return q.rdb.Set(ctx, profilePfx+attemptID, profileJSON, profileTTL).Err()
}

func (q *RedisQ) FetchProfile(ctx context.Context, attemptID string) ([]byte, error) {
	b, err := q.rdb.Get(ctx, profilePfx+attemptID).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	return b, err
}

func (q *RedisQ) DropProfile(ctx context.Context, attemptID string) error {
	return q.rdb.Del(ctx, profilePfx+attemptID).Err()
}
