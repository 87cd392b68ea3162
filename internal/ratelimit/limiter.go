// Package ratelimit enforces the crawler's request budget: a rolling
// short-window cap, a daily cap, and exponential backoff when the platform
// throttles us. Accounting is persisted after every event so an interrupted
// run does not forget budget it already spent.
//
// The crawler is single-threaded by design (the platform forbids concurrent
// requests), so the limiter carries no locking; callers must not share one
// limiter across goroutines.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/threadscout/threadscout/internal/statestore"
)

var (
	// ErrDailyBudgetExhausted is returned by Acquire once the daily request
	// cap is spent; the run should wind down and try again tomorrow.
	ErrDailyBudgetExhausted = errors.New("daily request budget exhausted")
	// ErrThrottleRetriesExhausted is returned by OnThrottled when the
	// platform keeps throttling past the configured retry bound. It is fatal
	// for the run.
	ErrThrottleRetriesExhausted = errors.New("throttle retries exhausted")
)

// StateStore is the slice of the record store the limiter needs.
type StateStore interface {
	RateState(ctx context.Context) (statestore.RateState, bool, error)
	SaveRateState(ctx context.Context, st statestore.RateState) error
}

type Config struct {
	Window             time.Duration
	WindowCap          int
	DailyCap           int
	BackoffBase        time.Duration
	BackoffCeiling     time.Duration
	BackoffJitter      time.Duration
	MaxThrottleRetries int
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.WindowCap <= 0 {
		c.WindowCap = 300
	}
	if c.DailyCap <= 0 {
		c.DailyCap = 1000
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 8 * time.Minute
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 30 * time.Second
	}
	if c.MaxThrottleRetries <= 0 {
		c.MaxThrottleRetries = 5
	}
}

type Limiter struct {
	cfg    Config
	store  StateStore
	logger *slog.Logger
	pacer  *rate.Limiter
	state  statestore.RateState
	loaded bool

	// requests counts acquires made by this process, independent of the
	// persisted daily counter.
	requests int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store StateStore, cfg Config, logger *slog.Logger) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger,
		pacer:  rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.WindowCap)), 1),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Load restores persisted accounting. Called once at the start of a run;
// Acquire loads lazily if it was skipped.
func (l *Limiter) Load(ctx context.Context) error {
	st, ok, err := l.store.RateState(ctx)
	if err != nil {
		return fmt.Errorf("load rate state: %w", err)
	}
	now := l.now().UTC()
	if !ok {
		st = statestore.RateState{WindowStart: now, DailyResetAt: now}
	}
	l.state = st
	l.loaded = true
	l.resetIfNewDay(now)
	return nil
}

// Acquire blocks until a request slot is available under both the rolling
// window cap and the daily cap, then spends it and persists the accounting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.loaded {
		if err := l.Load(ctx); err != nil {
			return err
		}
	}

	now := l.now().UTC()
	l.resetIfNewDay(now)

	if l.state.DailyRequests >= l.cfg.DailyCap {
		return fmt.Errorf("%w: %d requests today", ErrDailyBudgetExhausted, l.state.DailyRequests)
	}

	l.rollWindow(now)
	if l.state.WindowRequests >= l.cfg.WindowCap {
		wait := l.state.WindowStart.Add(l.cfg.Window).Sub(now)
		if wait > 0 {
			l.logger.Info("request window exhausted, pausing",
				slog.Int("window_requests", l.state.WindowRequests),
				slog.Duration("wait", wait))
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
		l.rollWindow(l.now().UTC())
	}

	// Even spacing inside the window keeps us well clear of burst
	// detection on the platform side.
	if err := l.pacer.Wait(ctx); err != nil {
		return err
	}

	l.state.WindowRequests++
	l.state.DailyRequests++
	l.requests++
	return l.persist(ctx)
}

// OnThrottled reacts to a throttle signal from the platform: it grows the
// consecutive-throttle streak, persists it, and sleeps out the backoff
// delay. retryAfter is the server's hint and wins when it exceeds the
// computed delay; pass zero when the platform gave none.
func (l *Limiter) OnThrottled(ctx context.Context, retryAfter time.Duration) error {
	if !l.loaded {
		if err := l.Load(ctx); err != nil {
			return err
		}
	}

	l.state.ThrottleStreak++
	if l.state.ThrottleStreak > l.cfg.MaxThrottleRetries {
		_ = l.persist(ctx)
		return fmt.Errorf("%w: %d consecutive throttles", ErrThrottleRetriesExhausted, l.state.ThrottleStreak)
	}

	delay := l.cfg.BackoffBase << (l.state.ThrottleStreak - 1)
	if delay > l.cfg.BackoffCeiling {
		delay = l.cfg.BackoffCeiling
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	delay += time.Duration(rand.Int63n(int64(l.cfg.BackoffJitter)))

	l.logger.Warn("throttled by platform, backing off",
		slog.Int("streak", l.state.ThrottleStreak),
		slog.Duration("delay", delay),
		slog.Int("daily_requests", l.state.DailyRequests))

	if err := l.persist(ctx); err != nil {
		return err
	}
	return l.sleep(ctx, delay)
}

// OnSuccess clears the consecutive-throttle streak after a request that went
// through cleanly.
func (l *Limiter) OnSuccess() {
	l.state.ThrottleStreak = 0
}

// Requests reports how many acquires this process has made.
func (l *Limiter) Requests() int { return l.requests }

// State returns a copy of the current accounting, for run summaries.
func (l *Limiter) State() statestore.RateState { return l.state }

func (l *Limiter) rollWindow(now time.Time) {
	if now.Sub(l.state.WindowStart) >= l.cfg.Window {
		l.state.WindowStart = now
		l.state.WindowRequests = 0
	}
}

func (l *Limiter) resetIfNewDay(now time.Time) {
	y1, m1, d1 := l.state.DailyResetAt.UTC().Date()
	y2, m2, d2 := now.Date()
	if y2 > y1 || (y2 == y1 && (m2 > m1 || (m2 == m1 && d2 > d1))) {
		l.state.DailyRequests = 0
		l.state.DailyResetAt = now
	}
}

func (l *Limiter) persist(ctx context.Context) error {
	if err := l.store.SaveRateState(ctx, l.state); err != nil {
		return fmt.Errorf("persist rate state: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
