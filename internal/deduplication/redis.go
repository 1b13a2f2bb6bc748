package deduplication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only if owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the claim only if owner still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisClaimStore implements ClaimStore on a shared Redis.
type RedisClaimStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedisClient connects to addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisClaimStore wraps client.
func NewRedisClaimStore(client *redis.Client, cfg Config) *RedisClaimStore {
	def := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &RedisClaimStore{client: client, cfg: cfg}
}

func (s *RedisClaimStore) claimKey(key Key) string {
	return s.cfg.KeyPrefix + "claim:" + key.Hash()
}

func (s *RedisClaimStore) resultKey(key Key, owner string) string {
	return s.cfg.KeyPrefix + "result:" + key.Hash() + ":" + owner
}

// Claim uses SET NX PX so only one process can own key.
func (s *RedisClaimStore) Claim(ctx context.Context, key Key, owner string) (bool, string, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(key), owner, s.cfg.ClaimTTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return true, owner, nil
	}

	holder, err := s.client.Get(ctx, s.claimKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, s.claimKey(key), owner, s.cfg.ClaimTTL).Result()
		if err != nil {
			return false, "", fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return true, owner, nil
		}
		holder, err = s.client.Get(ctx, s.claimKey(key)).Result()
	}
	if err != nil {
		return false, "", fmt.Errorf("read claim holder %s: %w", key, err)
	}
	return false, holder, nil
}

// Publish writes the outcome, then releases the claim if owner still holds it.
func (s *RedisClaimStore) Publish(ctx context.Context, key Key, owner string, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.client.Set(ctx, s.resultKey(key, owner), data, s.cfg.ResultTTL).Err(); err != nil {
		return fmt.Errorf("publish outcome %s: %w", key, err)
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.claimKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// Refresh resets the claim's TTL to ClaimTTL. held is false once owner no
// longer holds the claim.
func (s *RedisClaimStore) Refresh(ctx context.Context, key Key, owner string) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{s.claimKey(key)}, owner, s.cfg.ClaimTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh claim %s: %w", key, err)
	}
	return n == 1, nil
}

// Release drops owner's claim without publishing an outcome. Remote waiters
// see ErrClaimLost and run the key themselves.
func (s *RedisClaimStore) Release(ctx context.Context, key Key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.claimKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// Await polls for holder's outcome every PollInterval. It fails with
// ErrClaimLost once the claim has moved away from holder and no outcome
// was published.
func (s *RedisClaimStore) Await(ctx context.Context, key Key, holder string) (Outcome, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		data, err := s.client.Get(ctx, s.resultKey(key, holder)).Bytes()
		switch {
		case err == nil:
			var out Outcome
			if err := json.Unmarshal(data, &out); err != nil {
				return Outcome{}, fmt.Errorf("decode outcome %s: %w", key, err)
			}
			return out, nil
		case !errors.Is(err, redis.Nil):
			return Outcome{}, fmt.Errorf("read outcome %s: %w", key, err)
		}

		current, err := s.client.Get(ctx, s.claimKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Outcome{}, fmt.Errorf("read claim holder %s: %w", key, err)
		}
		if current != holder {
			// The outcome may have landed between the two reads.
			data, err := s.client.Get(ctx, s.resultKey(key, holder)).Bytes()
			if err == nil {
				var out Outcome
				if err := json.Unmarshal(data, &out); err != nil {
					return Outcome{}, fmt.Errorf("decode outcome %s: %w", key, err)
				}
				return out, nil
			}
			return Outcome{}, fmt.Errorf("%w: %s held by %s", ErrClaimLost, key, holder)
		}

		select {
		case <-ctx.Done():
			return Outcome{}, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}
