// Package claims holds the Redis claim store used when several castbot
// replicas share one broadcast queue.
package claims

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"castbot/internal/model"
)

const defaultTTL = 30 * 24 * time.Hour

// RedisStore keeps one key per message. A processing claim is stored as
// "processing:<owner>" with the lease as its expiry, so a lapsed lease
// simply disappears and the message reads as pending again. Terminal and
// cancelled states live for ttl.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "castbot:claim:"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func processingValue(owner string) string {
	return string(model.StatusProcessing) + ":" + owner
}

func (s *RedisStore) ClaimMessage(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(id), processingValue(owner), lease).Result()
}

func (s *RedisStore) TombstoneMessage(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(id), string(model.StatusCancelled), s.ttl).Result()
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RenewClaim extends a processing claim still held by owner.
func (s *RedisStore) RenewClaim(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{s.key(id)}, processingValue(owner), lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseClaim returns a processing claim held by owner to pending.
func (s *RedisStore) ReleaseClaim(ctx context.Context, id, owner string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.key(id)}, processingValue(owner)).Err()
}

var completeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// CompleteMessage moves a processing claim held by owner to its final status.
func (s *RedisStore) CompleteMessage(ctx context.Context, id, owner string, final model.Status) error {
	return completeScript.Run(ctx, s.rdb, []string{s.key(id)},
		processingValue(owner), string(final), s.ttl.Milliseconds()).Err()
}

// MessageState returns the claim state, or pending when no claim exists.
func (s *RedisStore) MessageState(ctx context.Context, id string) (model.Status, error) {
	v, err := s.rdb.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return model.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	st, _, _ := strings.Cut(v, ":")
	return model.Status(st), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
