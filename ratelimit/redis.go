package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript purges, counts and conditionally inserts for every key
// in one server-side step.
//
// KEYS: window keys. ARGV[1]: now (ms), ARGV[2]: member, then limit and
// window (ms) for each key. Returns {allowed, count1, reset1, count2, ...}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local allowed = 1
local out = {0}
for i, key in ipairs(KEYS) do
	local limit = tonumber(ARGV[1 + i * 2])
	local window = tonumber(ARGV[2 + i * 2])
	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	local reset = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	if count >= limit then
		allowed = 0
	end
	out[#out + 1] = count
	out[#out + 1] = reset
end
if allowed == 1 then
	for i, key in ipairs(KEYS) do
		local window = tonumber(ARGV[2 + i * 2])
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
	end
end
out[1] = allowed
return out
`)

// Redis keeps sliding windows in sorted sets so every worker of every
// replica shares one budget.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

// NewRedis wires a go-redis client. prefix namespaces keys (e.g. "gw:").
func NewRedis(client redis.UniversalClient, prefix string, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, prefix: prefix, now: now}
}

// TryAcquire implements Limiter.
func (r *Redis) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	return r.TryAcquireAll(ctx, []Rule{{Key: key, Limit: limit, Window: window}})
}

// TryAcquireAll implements Limiter.
func (r *Redis) TryAcquireAll(ctx context.Context, rules []Rule) (Decision, error) {
	if len(rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	now := r.now()
	nowMs := now.UnixMilli()

	keys := make([]string, len(rules))
	args := make([]any, 0, 2+2*len(rules))
	args = append(args, nowMs, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString())
	for i, rule := range rules {
		keys[i] = r.prefix + rule.Key
		args = append(args, rule.Limit, rule.Window.Milliseconds())
	}

	res, err := slidingWindowScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 1+2*len(rules) {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	states := make([]keyState, len(rules))
	for i := range rules {
		states[i] = keyState{
			count:   int(res[1+2*i]),
			resetAt: time.UnixMilli(res[2+2*i]).UTC(),
		}
	}
	return combine(rules, states, res[0] == 1), nil
}
