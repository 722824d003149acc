package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int `yaml:"requests_per_window"`
	// Window is the time window for rate limiting
	Window time.Duration `yaml:"window"`
	// Burst allows temporary bursts above the rate (local limiter only)
	Burst int `yaml:"burst"`
	// MaxKeys bounds the number of client buckets kept in memory
	MaxKeys int `yaml:"max_keys"`
}

// DefaultRateLimitConfig suits the unauthenticated invitation endpoints
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 30,
		Window:            time.Minute,
		Burst:             10,
		MaxKeys:           10000,
	}
}

// Validate rejects limits that would block or admit everything
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("rate limit requests per window must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	return nil
}

// Limiter decides whether one more request for key fits the budget
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
	Window() time.Duration
}

// LocalLimiter keeps a token bucket per key in an expiring LRU
type LocalLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(cfg RateLimitConfig) *LocalLimiter {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultRateLimitConfig().MaxKeys
	}
	return &LocalLimiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, cfg.Window*2),
	}
}

func (l *LocalLimiter) Limit() int            { return l.cfg.RequestsPerWindow }
func (l *LocalLimiter) Window() time.Duration { return l.cfg.Window }

// Allow consumes one token from key's bucket
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.buckets.Get(key)
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.RequestsPerWindow)
		lim = rate.NewLimiter(rate.Every(every), l.cfg.RequestsPerWindow+l.cfg.Burst)
		l.buckets.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// RedisLimiter is a fixed-window counter shared by every API instance
type RedisLimiter struct {
	client *redis.Client
	cfg    RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter whose keys start with prefix
func NewRedisLimiter(client *redis.Client, cfg RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "porter:ratelimit"
	}
	return &RedisLimiter{client: client, cfg: cfg, prefix: prefix}
}

func (l *RedisLimiter) Limit() int            { return l.cfg.RequestsPerWindow }
func (l *RedisLimiter) Window() time.Duration { return l.cfg.Window }

// Allow increments the window counter for key
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	// the first hit opens the window
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.cfg.Window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}
	return count <= int64(l.cfg.RequestsPerWindow), nil
}

// RateLimit limits requests per client IP. Limiter errors fail open.
func RateLimit(limiter Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			allowed, err := limiter.Allow(r.Context(), "ip:"+ip)
			if err != nil {
				logger.WithError(err).WithField("client_ip", ip).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the peer address
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
