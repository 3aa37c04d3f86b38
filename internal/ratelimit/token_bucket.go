package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// takeScript refills the bucket stored at KEYS[1] from the Redis clock and
// then withdraws ARGV[3] tokens if available. The balance is returned as a
// string since Redis truncates Lua numbers to integers.
var takeScript = redis.NewScript(`
local rate, burst, cost, ttl = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "balance", "refilled_at")
local balance = tonumber(state[1]) or burst
local refilled = tonumber(state[2]) or now
local elapsed = math.max(now - refilled, 0)
balance = math.min(burst, balance + elapsed * rate / 1000)

local granted = 0
if balance >= cost then
  balance = balance - cost
  granted = 1
end

redis.call("HSET", KEYS[1], "balance", balance, "refilled_at", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {granted, tostring(balance), now}
`)

// Limit is a sustained rate in tokens per second with a burst capacity.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// idleTTL is how long an untouched bucket is kept: twice the time a drained
// bucket needs to fill up, and at least a second.
func (l Limit) idleTTL() time.Duration {
	if !l.valid() {
		return time.Second
	}
	return time.Duration(max(math.Ceil(2*float64(l.Burst)/l.Rate), 1)) * time.Second
}

// wait is the time until balance grows to one whole token.
func (l Limit) wait(balance float64) time.Duration {
	missing := 1 - balance
	if missing <= 0 || l.Rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / l.Rate * float64(time.Second)))
}

// Result describes one withdrawal.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func (l Limit) result(granted bool, balance float64, atMillis int64) *Result {
	res := &Result{
		Allowed:   granted,
		Limit:     l.Burst,
		Remaining: int(math.Floor(balance)),
		ResetTime: time.UnixMilli(atMillis),
	}
	if !granted {
		res.RetryAfter = l.wait(balance)
		res.ResetTime = res.ResetTime.Add(res.RetryAfter)
	}
	return res
}

// TokenBucket keeps buckets in Redis so every gateway replica draws from the
// same balance.
type TokenBucket struct {
	client *redis.Client
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

var (
	errNoBackend  = errors.New("ratelimit: redis not configured")
	errEmptyKey   = errors.New("ratelimit: empty bucket key")
	errBadLimit   = errors.New("ratelimit: rate and burst must be positive")
	errShortReply = errors.New("ratelimit: malformed script reply")
)

// Take withdraws one token from the bucket at key.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (*Result, error) {
	switch {
	case t == nil:
		return nil, errNoBackend
	case key == "":
		return nil, errEmptyKey
	case !limit.valid():
		return nil, errBadLimit
	}
	reply, err := takeScript.Run(ctx, t.client, []string{key},
		limit.Rate, limit.Burst, 1, limit.idleTTL().Milliseconds(),
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 3 {
		return nil, errShortReply
	}
	return limit.result(number(reply[0]) == 1, number(reply[1]), int64(number(reply[2]))), nil
}

// number reads an integer or string script reply.
func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
