// Package session owns the refresh lifecycle of a bearer credential:
// deduplicated refresh against the backend, linear retry backoff, and
// proactive renewal scheduled ahead of expiry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/sessiond/internal/errors"
	"github.com/alexjbarnes/sessiond/internal/token"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// flightKey coalesces concurrent Refresh calls. One logical refresh per
// manager, so a single fixed key.
const flightKey = "refresh"

// Refreshed is the result of one successful refresh call.
type Refreshed struct {
	AccessToken string

	// RefreshToken is set when the backend rotated the refresh
	// credential. Empty means the previous credential stays valid.
	RefreshToken string

	// ExpiresAt is the Unix expiry of the new access token.
	ExpiresAt int64
}

// RefreshFunc performs a single refresh attempt against the backend.
// It must return an error on any backend or network failure, never
// partial data.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Refreshed, error)

// Options tunes a Manager. Use DefaultOptions as the baseline; zero
// durations and counts are replaced with the defaults on construction.
type Options struct {
	// Threshold is the renewal window. A credential expiring within it
	// is due for refresh, and scheduled refreshes fire when the
	// credential enters the window.
	Threshold time.Duration

	// MaxRetries is the total number of refresh attempts per cycle.
	MaxRetries int

	// RetryDelay is the linear backoff base: attempt n waits n times
	// this long before the next try.
	RetryDelay time.Duration

	// AutoRefresh arms a timer for the next renewal after each
	// successful refresh.
	AutoRefresh bool

	// StormInterval and StormBurst bound how often timer-driven
	// refreshes may run, so a misconfigured expiry cannot turn into a
	// refresh storm against the backend.
	StormInterval time.Duration
	StormBurst    int
}

// DefaultOptions returns the stock tuning: 5 minute renewal window,
// 3 attempts with 1s linear backoff, auto refresh on.
func DefaultOptions() Options {
	return Options{
		Threshold:     token.DefaultRefreshThreshold,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		AutoRefresh:   true,
		StormInterval: 10 * time.Second,
		StormBurst:    3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}

	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}

	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}

	if o.StormInterval <= 0 {
		o.StormInterval = d.StormInterval
	}

	if o.StormBurst <= 0 {
		o.StormBurst = d.StormBurst
	}

	return o
}

// Manager coordinates refreshes for one session. At most one refresh
// call is in flight at any time and at most one renewal timer is armed;
// Dispose returns the manager to a clean idle state.
type Manager struct {
	opts   Options
	logger *slog.Logger
	flight singleflight.Group
	storm  *rate.Limiter

	mu       sync.Mutex
	timer    *time.Timer
	disposed bool
}

// NewManager creates a Manager with the given options, filling in
// defaults for zero-valued fields.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	opts = opts.withDefaults()

	return &Manager{
		opts:   opts,
		logger: logger,
		storm:  rate.NewLimiter(rate.Every(opts.StormInterval), opts.StormBurst),
	}
}

// Threshold returns the renewal window the manager was built with.
func (m *Manager) Threshold() time.Duration {
	return m.opts.Threshold
}

// AutoRefresh reports whether successful refreshes arm a renewal timer.
func (m *Manager) AutoRefresh() bool {
	return m.opts.AutoRefresh
}

// Refresh exchanges the refresh credential for a new access token.
// Concurrent callers coalesce onto a single in-flight attempt and all
// observe its outcome; the in-flight slot is cleared when it settles,
// so a later call starts a fresh cycle. On exhaustion the error wraps
// ErrRefreshExhausted and the caller decides what to do, typically a
// logout.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, fn RefreshFunc) (string, error) {
	if refreshToken == "" {
		return "", apperrors.ErrNoRefreshCredential
	}

	v, err, _ := m.flight.Do(flightKey, func() (any, error) {
		return m.refreshCycle(ctx, refreshToken, fn)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// refreshCycle runs the retry loop for one refresh cycle. Exactly one
// of these runs at a time, guarded by the singleflight group.
func (m *Manager) refreshCycle(ctx context.Context, refreshToken string, fn RefreshFunc) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		res, err := fn(ctx, refreshToken)
		if err == nil {
			if m.opts.AutoRefresh {
				next := refreshToken
				if res.RefreshToken != "" {
					next = res.RefreshToken
				}

				m.ScheduleRefresh(res.AccessToken, next, fn)
			}

			return res.AccessToken, nil
		}

		lastErr = err
		m.logger.Warn("refresh attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", m.opts.MaxRetries),
			slog.String("error", err.Error()),
		)

		if attempt == m.opts.MaxRetries {
			break
		}

		// Linear backoff: attempt 1 waits the base delay, attempt 2
		// twice that, and so on. Deliberately not exponential.
		wait := time.NewTimer(m.opts.RetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return "", ctx.Err()
		case <-wait.C:
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRefreshExhausted, m.opts.MaxRetries, lastErr)
}

// ScheduleRefresh arms a one-shot timer that refreshes the credential
// when it enters the renewal window. A new timer always replaces any
// prior one, so only a single future refresh is ever pending. Invalid
// or already expired tokens arm nothing.
func (m *Manager) ScheduleRefresh(accessToken, refreshToken string, fn RefreshFunc) {
	v := token.Validate(accessToken)
	if !v.Valid {
		m.logger.Debug("not scheduling refresh", slog.String("reason", v.Err.Error()))
		return
	}

	delay := time.Duration(v.ExpiresIn)*time.Second - m.opts.Threshold
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return
	}

	if m.timer != nil {
		m.timer.Stop()
	}

	m.timer = time.AfterFunc(delay, func() {
		m.autoRefresh(refreshToken, fn)
	})

	m.logger.Debug("refresh scheduled",
		slog.Duration("in", delay),
		slog.Int64("token_expires_in_s", v.ExpiresIn),
	)
}

// autoRefresh is the timer body. Nobody awaits a timer-driven refresh,
// so failures are logged and swallowed; the next caller-driven check
// will see the stale credential and retry or log out.
func (m *Manager) autoRefresh(refreshToken string, fn RefreshFunc) {
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()

	if disposed {
		return
	}

	if !m.storm.Allow() {
		m.logger.Warn("automatic refresh suppressed by storm limit")
		return
	}

	if _, err := m.Refresh(context.Background(), refreshToken, fn); err != nil {
		m.logger.Warn("automatic refresh failed", slog.String("error", err.Error()))
	}
}

// ClearScheduledRefresh cancels the pending renewal timer, if any.
// Idempotent.
func (m *Manager) ClearScheduledRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Dispose tears the manager down: the renewal timer is cancelled and
// further scheduling becomes a no-op. An in-flight refresh call is not
// cancelled, but its result no longer arms timers. Used when the
// manager's owner shuts down so stale closures cannot fire later.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disposed = true

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
