package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/threadscout/threadscout/internal/statestore"
)

type fakeStore struct {
	state statestore.RateState
	ok    bool
	saves int
}

func (f *fakeStore) RateState(ctx context.Context) (statestore.RateState, bool, error) {
	return f.state, f.ok, nil
}

func (f *fakeStore) SaveRateState(ctx context.Context, st statestore.RateState) error {
	f.state = st
	f.ok = true
	f.saves++
	return nil
}

type harness struct {
	limiter *Limiter
	store   *fakeStore
	now     time.Time
	slept   []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.limiter = New(h.store, cfg, nil)
	h.limiter.now = func() time.Time { return h.now }
	h.limiter.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		h.now = h.now.Add(d)
		return nil
	}
	// No pacing delays in tests.
	h.limiter.pacer = rate.NewLimiter(rate.Inf, 1)
	return h
}

func TestAcquireCountsAndPersistsEveryCall(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Minute, WindowCap: 100, DailyCap: 1000})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	st := h.limiter.State()
	if st.WindowRequests != 3 || st.DailyRequests != 3 {
		t.Fatalf("counters = window %d daily %d, want 3/3", st.WindowRequests, st.DailyRequests)
	}
	if h.limiter.Requests() != 3 {
		t.Fatalf("process request count = %d, want 3", h.limiter.Requests())
	}
	if h.store.saves != 3 {
		t.Fatalf("state persisted %d times, want one per acquire", h.store.saves)
	}
}

func TestAcquireWaitsOutExhaustedWindow(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Minute, WindowCap: 2, DailyCap: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if len(h.slept) != 0 {
		t.Fatalf("unexpected sleep before cap was hit")
	}

	if err := h.limiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire after cap failed: %v", err)
	}
	if len(h.slept) != 1 {
		t.Fatalf("expected one window wait, got %d", len(h.slept))
	}
	if h.slept[0] != 10*time.Minute {
		t.Fatalf("window wait = %v, want full window", h.slept[0])
	}

	st := h.limiter.State()
	if st.WindowRequests != 1 {
		t.Fatalf("window requests after roll = %d, want 1", st.WindowRequests)
	}
	if st.DailyRequests != 3 {
		t.Fatalf("daily requests = %d, want 3", st.DailyRequests)
	}
}

func TestAcquireRollsIdleWindowWithoutWaiting(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Minute, WindowCap: 2, DailyCap: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	// The window has already elapsed by the time the next request arrives.
	h.now = h.now.Add(11 * time.Minute)
	if err := h.limiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire in fresh window failed: %v", err)
	}
	if len(h.slept) != 0 {
		t.Fatalf("slept %v in an already-expired window", h.slept)
	}
}

func TestDailyCapExhausted(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Minute, WindowCap: 100, DailyCap: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	err := h.limiter.Acquire(ctx)
	if !errors.Is(err, ErrDailyBudgetExhausted) {
		t.Fatalf("expected daily budget error, got %v", err)
	}
}

func TestDailyCounterResetsOncePerUTCDay(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Minute, WindowCap: 100, DailyCap: 1000})
	ctx := context.Background()

	h.store.state = statestore.RateState{
		WindowStart:   h.now.Add(-time.Hour),
		DailyRequests: 900,
		DailyResetAt:  h.now.Add(-26 * time.Hour),
	}
	h.store.ok = true

	if err := h.limiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got := h.limiter.State().DailyRequests; got != 1 {
		t.Fatalf("daily requests after day rollover = %d, want 1", got)
	}

	// Later the same UTC day: no second reset.
	h.now = h.now.Add(3 * time.Hour)
	if err := h.limiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got := h.limiter.State().DailyRequests; got != 2 {
		t.Fatalf("daily requests reset twice in one day: %d", got)
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	h := newHarness(t, Config{
		Window: 10 * time.Minute, WindowCap: 100, DailyCap: 1000,
		BackoffBase:        10 * time.Millisecond,
		BackoffCeiling:     40 * time.Millisecond,
		BackoffJitter:      1, // nanosecond; keeps delays deterministic
		MaxThrottleRetries: 4,
	})
	ctx := context.Background()

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i := range want {
		if err := h.limiter.OnThrottled(ctx, 0); err != nil {
			t.Fatalf("throttle %d failed: %v", i, err)
		}
		if h.slept[i] != want[i] {
			t.Fatalf("backoff %d = %v, want %v", i, h.slept[i], want[i])
		}
	}

	err := h.limiter.OnThrottled(ctx, 0)
	if !errors.Is(err, ErrThrottleRetriesExhausted) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	h := newHarness(t, Config{
		Window: 10 * time.Minute, WindowCap: 100, DailyCap: 1000,
		BackoffBase:        10 * time.Millisecond,
		BackoffCeiling:     40 * time.Millisecond,
		BackoffJitter:      1,
		MaxThrottleRetries: 4,
	})
	if err := h.limiter.OnThrottled(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("throttle failed: %v", err)
	}
	if h.slept[0] < 500*time.Millisecond {
		t.Fatalf("retry-after hint ignored: slept %v", h.slept[0])
	}
}

func TestSuccessClearsThrottleStreak(t *testing.T) {
	h := newHarness(t, Config{
		Window: 10 * time.Minute, WindowCap: 100, DailyCap: 1000,
		BackoffBase:        10 * time.Millisecond,
		BackoffJitter:      1,
		MaxThrottleRetries: 2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.limiter.OnThrottled(ctx, 0); err != nil {
			t.Fatalf("throttle %d failed: %v", i, err)
		}
	}
	h.limiter.OnSuccess()
	// Streak restarted: the next throttle is treated as the first again.
	if err := h.limiter.OnThrottled(ctx, 0); err != nil {
		t.Fatalf("throttle after success failed: %v", err)
	}
	last := h.slept[len(h.slept)-1]
	if last != 10*time.Millisecond {
		t.Fatalf("backoff after success = %v, want base delay", last)
	}
}
