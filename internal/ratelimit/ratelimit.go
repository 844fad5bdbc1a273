package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"sensor-service/pkg/errors"

	"github.com/redis/go-redis/v9"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

type RateLimiter struct {
	Redis  redis.Scripter
	Prefix string
	Config LimiterConfig
}

func New(rdb redis.Scripter, prefix string, cfg LimiterConfig) *RateLimiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS
	}
	return &RateLimiter{Redis: rdb, Prefix: prefix, Config: cfg}
}

// Token bucket. KEYS[1] bucket key; ARGV: burst, refill per second, now in ms. Returns 1 when allowed.
var tokenBucket = redis.NewScript(`
local tokens_key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', tokens_key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
local refill = math.floor(delta * refill_rate)
if refill > 0 then
  tokens = math.min(max_tokens, tokens + refill)
  last = now
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', tokens_key, 'tokens', tokens, 'last', last)
redis.call('EXPIRE', tokens_key, math.ceil(max_tokens / refill_rate) + 1)
return allowed
`)

func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.Prefix + ":" + keyFunc(r)
			allowed, err := rl.Allow(r.Context(), key)
			if err != nil {
				errors.WriteError(w, errors.NewAppError(http.StatusInternalServerError, "rate limiter error", err))
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				errors.WriteError(w, errors.NewAppError(http.StatusTooManyRequests, "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := tokenBucket.Run(ctx, rl.Redis, []string{key}, rl.Config.Burst, rl.Config.RPS, now).Result()
	if err != nil {
		slog.Error("redis eval error", "key", key, "error", err)
		return false, err
	}
	var allowed int64
	switch v := res.(type) {
	case int64:
		allowed = v
	case string:
		allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	slog.Debug("token bucket", "key", key, "allowed", allowed, "max", rl.Config.Burst, "rps", rl.Config.RPS)
	return allowed == 1, nil
}

// KeyByIP keys on the remote host. Run chi's RealIP first when behind a proxy.
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
