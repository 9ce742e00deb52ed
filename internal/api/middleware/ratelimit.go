package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Method   string
	Prefix   string
	Suffix   string
	Requests int
	Window   time.Duration
}

// DefaultLimits cover the write surface. Reads are not limited.
var DefaultLimits = []RateLimit{
	{Method: http.MethodPost, Prefix: "/messaging/central-channels/", Suffix: "/messages", Requests: 600, Window: time.Minute},
	{Method: http.MethodPost, Prefix: "/messaging/central-channels", Requests: 60, Window: time.Minute},
	{Method: http.MethodPost, Prefix: "/messaging/central-servers", Requests: 30, Window: time.Minute},
	{Method: http.MethodDelete, Prefix: "/messaging/", Requests: 120, Window: time.Minute},
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Limits    []RateLimit
	Whitelist []string // IPs or CIDRs exempt from rate limiting
}

// RateLimiter implements fixed window rate limiting per client IP, with
// counters in Redis so every server instance shares them.
type RateLimiter struct {
	client       *redis.Client
	limits       []RateLimit
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if len(limits) == 0 {
		limits = DefaultLimits
	}
	rl := &RateLimiter{
		client:       client,
		limits:       limits,
		logger:       logger.With().Str("component", "ratelimit").Logger(),
		whitelistIPs: make(map[string]bool),
		now:          time.Now,
	}

	for _, entry := range cfg.Whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				rl.logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement counts one request against key in the current window.
// Returns (allowed, remaining, resetAt).
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	now := rl.now()
	bucket := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((bucket + 1) * window.Milliseconds())
	windowKey := fmt.Sprintf("%s:%d", key, bucket)

	pipe := rl.client.TxPipeline()
	countCmd := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, limit, resetAt, err
	}

	count := int(countCmd.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, resetAt, nil
}

// Middleware returns the rate limiting middleware. Redis errors let the
// request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		limit, ok := rl.findLimit(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := "ratelimit:" + limit.Method + ":" + limit.Prefix + limit.Suffix + ":ip:" + ip
		allowed, remaining, resetAt, err := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)
		if err != nil {
			rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(resetAt.Sub(rl.now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))

			rl.logger.Warn().
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the first limit matching the request.
func (rl *RateLimiter) findLimit(r *http.Request) (RateLimit, bool) {
	for _, l := range rl.limits {
		if r.Method != l.Method || !strings.HasPrefix(r.URL.Path, l.Prefix) {
			continue
		}
		if l.Suffix != "" && !strings.HasSuffix(r.URL.Path, l.Suffix) {
			continue
		}
		return l, true
	}
	return RateLimit{}, false
}
