package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the token bucket by scope",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimits picks a bucket per request class. Accept is separate from other writes so a
// driver hammering accept cannot starve its own start/complete calls.
type RateLimits struct {
	Read   RateConfig
	Write  RateConfig
	Accept RateConfig
}

type RateLimiter struct {
	client    redis.Scripter
	limits    RateLimits
	luaScript *redis.Script
	logger    *zap.Logger
	now       func() time.Time
}

func NewRateLimiter(client redis.Scripter, limits RateLimits, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, limits: limits, luaScript: redis.NewScript(tokenBucketLua), logger: logger.Named("ratelimit"), now: time.Now}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.classify(r)
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		d, err := l.take(r.Context(), scope, clientIdentifier(r), cfg)
		if err != nil {
			// fail open
			l.logger.Warn("rate limit check failed, allowing request", zap.String("scope", scope), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
		if !d.allowed {
			rateLimited.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", formatRetryAfter(d.retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) classify(r *http.Request) (string, RateConfig) {
	switch {
	case isReadMethod(r.Method):
		return "read", l.limits.Read
	case strings.HasSuffix(r.URL.Path, "/accept"):
		return "accept", l.limits.Accept
	default:
		return "write", l.limits.Write
	}
}

type decision struct {
	allowed    bool
	remaining  int64
	retryAfter time.Duration
}

// take removes one token from the bucket of identifier in scope.
func (l *RateLimiter) take(ctx context.Context, scope, identifier string, cfg RateConfig) (decision, error) {
	key := "rl:" + scope + ":" + identifier
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return decision{}, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return decision{}, fmt.Errorf("unexpected token bucket reply %v", result)
	}
	var nums [3]float64
	for i, v := range values {
		if nums[i], err = number(v); err != nil {
			return decision{}, err
		}
	}
	return decision{
		allowed:    nums[0] == 1,
		remaining:  int64(nums[1]),
		retryAfter: time.Duration(math.Ceil(nums[2]*1000)) * time.Millisecond,
	}, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// clientIdentifier prefers the authenticated user so one rider is one bucket across
// devices and proxies.
func clientIdentifier(r *http.Request) string {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return "user:" + actor.UserID.String()
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "anonymous"
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func number(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, fmt.Errorf("unexpected token bucket value %T", v)
	}
}

const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 then
  return {1, capacity, 0}
end

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait = 0
if allowed then
  tokens = tokens - requested
else
  wait = (requested - tokens) / rate
end

redis.call('HMSET', key, 'tokens', tokens, 'timestamp', last)
local ttl = math.ceil((capacity / rate) * 1000)
redis.call('PEXPIRE', key, ttl)

-- Lua numbers reach the client truncated to integers; the wait goes back as a string.
if allowed then
  return {1, math.floor(tokens), "0"}
else
  return {0, math.floor(tokens), tostring(wait)}
end
`
