package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonathan/video-publisher/internal/types"
)

// ErrClaimLost is returned when the caller no longer owns a claim.
var ErrClaimLost = types.ErrClaimLost

const claimKeyPrefix = "video-publisher:claim:"

// commitScript persists the lease only for its owner.
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PERSIST", KEYS[1])
end
return -1
`)

// renewScript extends the lease only for its owner. A committed lease has
// no TTL and is left alone.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return -1
end
if redis.call("PTTL", KEYS[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// releaseScript deletes the lease only for its owner and only while it
// still has a TTL, i.e. before it was committed.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] and redis.call("PTTL", KEYS[1]) > 0 then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer implements Claimer with SET NX leases.
type RedisClaimer struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisClaimer creates a claimer whose leases expire after ttl unless committed.
func NewRedisClaimer(client redis.Cmdable, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{client: client, ttl: ttl}
}

func claimKey(key string) string {
	return claimKeyPrefix + key
}

// Claim implements Claimer.
func (c *RedisClaimer) Claim(ctx context.Context, key, owner string) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimKey(key), owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	// Same owner re-claiming keeps its lease.
	current, err := c.client.Get(ctx, claimKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return current == owner, nil
}

// Renew implements Claimer.
func (c *RedisClaimer) Renew(ctx context.Context, key, owner string) error {
	res, err := renewScript.Run(ctx, c.client, []string{claimKey(key)}, owner, c.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew %s: %w", key, err)
	}
	if res < 0 {
		return fmt.Errorf("redis renew %s: %w", key, ErrClaimLost)
	}
	return nil
}

// Commit implements Claimer.
func (c *RedisClaimer) Commit(ctx context.Context, key, owner string) error {
	res, err := commitScript.Run(ctx, c.client, []string{claimKey(key)}, owner).Int()
	if err != nil {
		return fmt.Errorf("redis commit %s: %w", key, err)
	}
	if res < 0 {
		return fmt.Errorf("redis commit %s: %w", key, ErrClaimLost)
	}
	return nil
}

// Release implements Claimer.
func (c *RedisClaimer) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.client, []string{claimKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
