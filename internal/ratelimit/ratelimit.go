// Package ratelimit tracks the remote's rate-limit signals and transient
// failures and tells callers how long to hold off before the next request.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	hlerrors "hubload/internal/errors"
)

const jitterFraction = 0.2

// Signal is the rate-limit information carried by one remote response.
type Signal struct {
	StatusCode int
	// Remaining is the request quota left in the window; negative when unknown.
	Remaining int
	ResetAt   time.Time
	// RetryAfter is used when the remote gave a delay instead of a reset time.
	RetryAfter time.Duration
}

// State is a copy of the controller's shared state.
type State struct {
	RemainingQuota      int       `json:"remaining_quota"`
	ResetAt             time.Time `json:"reset_at"`
	BackoffUntil        time.Time `json:"backoff_until"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Controller is shared by every worker of a session. All methods are safe
// for concurrent use.
type Controller struct {
	mu      sync.Mutex
	state   State
	base    time.Duration
	max     time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	now    func() time.Time
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Controller {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		state:  State{RemainingQuota: -1},
		base:   opts.BackoffBase,
		max:    opts.BackoffMax,
		logger: opts.Logger,
		now:    time.Now,
		jitter: rand.Float64,
		sleep:  sleepCtx,
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(1, int(math.Ceil(opts.RequestsPerSecond)))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeforeRequest returns how long the caller must wait before the next
// remote call. A zero result reserves one unit of known quota.
func (c *Controller) BeforeRequest() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	wait := c.holdLocked(now)
	if wait > 0 {
		return wait
	}
	if c.state.RemainingQuota == 0 {
		// window passed without a fresh signal
		c.state.RemainingQuota = -1
	}
	if c.state.RemainingQuota > 0 {
		c.state.RemainingQuota--
	}
	return 0
}

func (c *Controller) holdLocked(now time.Time) time.Duration {
	var wait time.Duration
	if c.state.BackoffUntil.After(now) {
		wait = c.state.BackoffUntil.Sub(now)
	}
	if c.state.RemainingQuota == 0 && c.state.ResetAt.After(now) {
		wait = max(wait, c.state.ResetAt.Sub(now))
	}
	return wait
}

// HoldUntil returns the time new dispatch may resume, or the zero time when
// there is no hold.
func (c *Controller) HoldUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if wait := c.holdLocked(now); wait > 0 {
		return now.Add(wait)
	}
	return time.Time{}
}

// Wait blocks until BeforeRequest clears and the pacing limiter admits the
// request, or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		d := c.BeforeRequest()
		if d <= 0 {
			break
		}
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return nil
}

// OnResponse folds a remote's rate-limit headers into the shared state.
func (c *Controller) OnResponse(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sig.Remaining >= 0 {
		c.state.RemainingQuota = sig.Remaining
	}
	resetAt := sig.ResetAt
	if resetAt.IsZero() && sig.RetryAfter > 0 {
		resetAt = c.now().Add(sig.RetryAfter)
	}
	if !resetAt.IsZero() {
		c.state.ResetAt = resetAt
	}
	if sig.StatusCode == 429 {
		c.state.RemainingQuota = 0
		if !resetAt.IsZero() {
			c.logger.Warn("rate limited by remote", "reset_at", resetAt)
		}
	}
}

// OnFailure records a failed attempt. Retryable failures extend the
// backoff horizon and return the delay applied; fatal failures leave the
// state untouched and return false.
func (c *Controller) OnFailure(err error) (time.Duration, bool) {
	if hlerrors.IsFatal(err) {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.state.ConsecutiveFailures++
	delay := c.backoffLocked(c.state.ConsecutiveFailures)
	if until := now.Add(delay); until.After(c.state.BackoffUntil) {
		c.state.BackoffUntil = until
	}

	var rt *hlerrors.RetryableTransferError
	if errors.As(err, &rt) && rt.RateLimited() {
		c.state.RemainingQuota = 0
		if rt.ResetAt.After(c.state.ResetAt) {
			c.state.ResetAt = rt.ResetAt
		}
	}

	c.logger.Debug("transfer failure recorded",
		"consecutive_failures", c.state.ConsecutiveFailures,
		"backoff", delay,
		"error", err,
	)
	return delay, true
}

// backoffLocked is base * 2^(n-1) with ±20% jitter, never above max.
func (c *Controller) backoffLocked(n int) time.Duration {
	d := float64(c.base) * math.Pow(2, float64(n-1))
	if d > float64(c.max) {
		d = float64(c.max)
	}
	d *= 1 + jitterFraction*(2*c.jitter()-1)
	return min(time.Duration(d), c.max)
}

// OnSuccess resets the consecutive failure count.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveFailures = 0
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
