package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hubload/internal/transport"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// staleAfter is how long an idle visitor is kept.
const staleAfter = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-token token-bucket rate limiter. Requests without a
// token are keyed by client IP. Every response carries the X-RateLimit-*
// headers; rejections are 429 with Retry-After.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec)
// and burst size. A non-positive rate disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rl.limit <= 0 {
				return next(c)
			}

			key, _ := c.Get(tokenContextKey).(string)
			if key == "" {
				key = "ip:" + c.RealIP()
			}

			d := rl.take(key)
			h := c.Response().Header()
			h.Set(transport.HeaderRateLimitLimit, strconv.Itoa(rl.burst))
			h.Set(transport.HeaderRateLimitRemaining, strconv.Itoa(d.remaining))
			h.Set(transport.HeaderRateLimitReset, strconv.FormatInt(d.reset.Unix(), 10))

			if !d.allowed {
				h.Set("Retry-After", strconv.Itoa(d.retryAfter))
				slog.Warn("rate limit exceeded", "ip", c.RealIP(), "retry_after", d.retryAfter)
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

type decision struct {
	allowed    bool
	remaining  int
	reset      time.Time
	retryAfter int
}

func (rl *RateLimiter) take(key string) decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > staleAfter {
		rl.cleanup(now)
		rl.lastSweep = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now

	allowed := v.limiter.AllowN(now, 1)
	tokens := v.limiter.TokensAt(now)

	d := decision{
		allowed:   allowed,
		remaining: max(0, int(math.Floor(tokens))),
		reset:     now.Add(rl.refill(float64(rl.burst) - tokens)),
	}
	if !allowed {
		d.retryAfter = max(1, int(math.Ceil(rl.refill(1-tokens).Seconds())))
	}
	return d
}

// refill is how long the bucket takes to gain n tokens.
func (rl *RateLimiter) refill(n float64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n / float64(rl.limit) * float64(time.Second))
}

func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-staleAfter)
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
