package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// scopedBackoffLuaScript atomically reads next_retry_ts and the attempt
// count for a (receiver_domain, sender_domain) key and compares
// next_retry_ts to now; it writes nothing. The bump after a block is
// scopedBackoffBumpLuaScript's. Mirrors the check-then-increment shape of the
// teacher's rate_limiter.go Lua scripts.
const scopedBackoffLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local baseSeconds = tonumber(ARGV[2])
local capSeconds = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local nextRetry = tonumber(redis.call("HGET", key, "next_retry_ts") or "0")
local attempts = tonumber(redis.call("HGET", key, "attempts") or "0")

if nextRetry > now then
    return {0, nextRetry, attempts}
end

return {1, nextRetry, attempts}
`

// scopedBackoffBumpLuaScript records a new backoff window after a blocked
// or failed chunk attempt.
const scopedBackoffBumpLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local baseSeconds = tonumber(ARGV[2])
local capSeconds = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local attempts = tonumber(redis.call("HGET", key, "attempts") or "0") + 1
local delay = baseSeconds * math.pow(2, attempts - 1)
if delay > capSeconds then
    delay = capSeconds
end
local nextRetry = now + delay

redis.call("HSET", key, "next_retry_ts", nextRetry, "attempts", attempts)
redis.call("EXPIRE", key, ttl)

return {nextRetry, attempts}
`

// ScopedBackoffStore tracks per-(receiver_domain, sender_domain) retry
// windows so a backoff on one pair never blocks another pair's traffic.
type ScopedBackoffStore interface {
	// Ready reports whether key is clear to send now, and if not, when it
	// will be.
	Ready(ctx context.Context, key domain.ScopedBackoffKey) (ready bool, nextRetryAt time.Time, attempts int, err error)
	// Block records a blocked/failed attempt, advancing the key's backoff
	// window with capped exponential growth.
	Block(ctx context.Context, key domain.ScopedBackoffKey) (nextRetryAt time.Time, attempts int, err error)
	// Clear resets a key's backoff state after a successful attempt.
	Clear(ctx context.Context, key domain.ScopedBackoffKey) error
}

// RedisScopedBackoffStore is the preferred ScopedBackoffStore backend: Redis
// Lua scripts provide atomic check-then-increment across scheduler
// instances sharing the same job.
type RedisScopedBackoffStore struct {
	redis       *redis.Client
	readyScript *redis.Script
	bumpScript  *redis.Script

	BaseSeconds float64
	CapSeconds  float64
	TTLSeconds  int
}

// NewRedisScopedBackoffStore constructs a store backed by an existing Redis
// client, with SPEC_FULL.md default backoff parameters (1s base, 30min cap).
func NewRedisScopedBackoffStore(client *redis.Client) *RedisScopedBackoffStore {
	return &RedisScopedBackoffStore{
		redis:       client,
		readyScript: redis.NewScript(scopedBackoffLuaScript),
		bumpScript:  redis.NewScript(scopedBackoffBumpLuaScript),
		BaseSeconds: 1,
		CapSeconds:  1800,
		TTLSeconds:  7200,
	}
}

func backoffRedisKey(key domain.ScopedBackoffKey) string {
	return fmt.Sprintf("pmta:backoff:%s", key.String())
}

// Ready reports whether key is clear to send now.
func (s *RedisScopedBackoffStore) Ready(ctx context.Context, key domain.ScopedBackoffKey) (bool, time.Time, int, error) {
	now := float64(time.Now().Unix())
	res, err := s.readyScript.Run(ctx, s.redis, []string{backoffRedisKey(key)},
		now, s.BaseSeconds, s.CapSeconds, s.TTLSeconds).Slice()
	if err != nil {
		return true, time.Time{}, 0, fmt.Errorf("scoped backoff ready check: %w", err)
	}

	ready := res[0].(int64) == 1
	nextRetry := toUnixTime(res[1])
	attempts := int(res[2].(int64))
	return ready, nextRetry, attempts, nil
}

// Block records a blocked/failed attempt for key.
func (s *RedisScopedBackoffStore) Block(ctx context.Context, key domain.ScopedBackoffKey) (time.Time, int, error) {
	now := float64(time.Now().Unix())
	res, err := s.bumpScript.Run(ctx, s.redis, []string{backoffRedisKey(key)},
		now, s.BaseSeconds, s.CapSeconds, s.TTLSeconds).Slice()
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("scoped backoff bump: %w", err)
	}
	return toUnixTime(res[0]), int(res[1].(int64)), nil
}

// Clear removes key's backoff state.
func (s *RedisScopedBackoffStore) Clear(ctx context.Context, key domain.ScopedBackoffKey) error {
	return s.redis.Del(ctx, backoffRedisKey(key)).Err()
}

func toUnixTime(v any) time.Time {
	switch n := v.(type) {
	case int64:
		if n == 0 {
			return time.Time{}
		}
		return time.Unix(n, 0)
	case float64:
		if n == 0 {
			return time.Time{}
		}
		return time.Unix(int64(n), 0)
	default:
		return time.Time{}
	}
}

// InMemoryScopedBackoffStore is the fallback used when no Redis client is
// configured: a single process's scheduler instances share backoff state
// via a mutex-guarded map instead of Lua atomicity.
type InMemoryScopedBackoffStore struct {
	mu    sync.Mutex
	state map[domain.ScopedBackoffKey]domain.BackoffState

	BaseSeconds float64
	CapSeconds  float64
}

// NewInMemoryScopedBackoffStore constructs the in-memory fallback store.
func NewInMemoryScopedBackoffStore() *InMemoryScopedBackoffStore {
	return &InMemoryScopedBackoffStore{
		state:       make(map[domain.ScopedBackoffKey]domain.BackoffState),
		BaseSeconds: 1,
		CapSeconds:  1800,
	}
}

// Ready reports whether key is clear to send now.
func (s *InMemoryScopedBackoffStore) Ready(ctx context.Context, key domain.ScopedBackoffKey) (bool, time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[key]
	if !ok {
		return true, time.Time{}, 0, nil
	}
	return !time.Now().Before(st.NextRetryAt), st.NextRetryAt, st.Attempts, nil
}

// Block records a blocked/failed attempt for key.
func (s *InMemoryScopedBackoffStore) Block(ctx context.Context, key domain.ScopedBackoffKey) (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[key]
	st.Attempts++
	delaySeconds := s.BaseSeconds * pow2(st.Attempts-1)
	if delaySeconds > s.CapSeconds {
		delaySeconds = s.CapSeconds
	}
	st.NextRetryAt = time.Now().Add(time.Duration(delaySeconds * float64(time.Second)))
	s.state[key] = st

	return st.NextRetryAt, st.Attempts, nil
}

// Clear removes key's backoff state.
func (s *InMemoryScopedBackoffStore) Clear(ctx context.Context, key domain.ScopedBackoffKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// NewScopedBackoffStore picks the Redis-backed store when client is
// non-nil, falling back to the in-memory store otherwise. Logged so an
// operator notices when running without the distributed guarantee.
func NewScopedBackoffStore(client *redis.Client) ScopedBackoffStore {
	if client != nil {
		return NewRedisScopedBackoffStore(client)
	}
	logger.Warn("scoped backoff store falling back to in-memory", "reason", "no redis client configured")
	return NewInMemoryScopedBackoffStore()
}
