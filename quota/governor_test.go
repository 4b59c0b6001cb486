package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/tubevault/faults"
)

// steppedClock advances a fixed amount on every read so Wait loops terminate
// without real sleeping.
type steppedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newTestGovernor(t *testing.T, start time.Time, step time.Duration) (*Governor, *steppedClock) {
	t.Helper()
	g, err := New(true, 36*time.Hour, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := &steppedClock{now: start, step: step}
	g.now = clk.Now
	return g, clk
}

func TestNextReset(t *testing.T) {
	g, _ := newTestGovernor(t, time.Time{}, 0)
	loc := g.loc

	cases := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			"midday",
			time.Date(2026, 6, 15, 12, 0, 0, 0, loc),
			time.Date(2026, 6, 16, 0, 0, 0, 0, loc),
		},
		{
			"just before midnight",
			time.Date(2026, 6, 15, 23, 59, 59, 0, loc),
			time.Date(2026, 6, 16, 0, 0, 0, 0, loc),
		},
		{
			"exactly midnight rolls to next day",
			time.Date(2026, 6, 15, 0, 0, 0, 0, loc),
			time.Date(2026, 6, 16, 0, 0, 0, 0, loc),
		},
		{
			"dst spring forward",
			time.Date(2026, 3, 7, 23, 0, 0, 0, loc),
			time.Date(2026, 3, 8, 0, 0, 0, 0, loc),
		},
		{
			"month boundary",
			time.Date(2026, 1, 31, 10, 0, 0, 0, loc),
			time.Date(2026, 2, 1, 0, 0, 0, 0, loc),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.NextReset(tc.at); !got.Equal(tc.want) {
				t.Errorf("NextReset(%s) = %s, want %s", tc.at, got, tc.want)
			}
		})
	}
}

func TestNextResetIgnoresCallerZone(t *testing.T) {
	g, _ := newTestGovernor(t, time.Time{}, 0)
	// 07:00 UTC == 23:00 PST previous calendar day in winter
	at := time.Date(2026, 1, 16, 7, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 16, 0, 0, 0, 0, g.loc)
	if got := g.NextReset(at); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestWaitReturnsAfterReset(t *testing.T) {
	loc, _ := time.LoadLocation(ResetZone)
	start := time.Date(2026, 6, 15, 23, 0, 0, 0, loc)
	g, _ := newTestGovernor(t, start, 30*time.Minute)

	if err := g.Wait(context.Background(), "test"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitRespectsMaxWait(t *testing.T) {
	loc, _ := time.LoadLocation(ResetZone)
	start := time.Date(2026, 6, 15, 1, 0, 0, 0, loc) // 23h until reset
	g, _ := newTestGovernor(t, start, time.Minute)
	g.MaxWait = 10 * time.Hour

	err := g.Wait(context.Background(), "test")
	if err == nil {
		t.Fatal("expected max-wait error")
	}
	if faults.KindOf(err) != faults.KindQuotaExhausted {
		t.Errorf("kind = %s", faults.KindOf(err))
	}
}

func TestWaitCancellation(t *testing.T) {
	loc, _ := time.LoadLocation(ResetZone)
	start := time.Date(2026, 6, 15, 12, 0, 0, 0, loc)
	g, _ := newTestGovernor(t, start, 0) // clock frozen: wait would never end
	g.CheckInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := g.Wait(ctx, "test")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunRetriesAfterQuotaWait(t *testing.T) {
	loc, _ := time.LoadLocation(ResetZone)
	start := time.Date(2026, 6, 15, 23, 30, 0, 0, loc)
	g, _ := newTestGovernor(t, start, 20*time.Minute)

	calls := 0
	err := g.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return faults.New(faults.KindQuotaExhausted, errors.New("quota exceeded"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestRunPassesThroughOtherErrors(t *testing.T) {
	g, _ := newTestGovernor(t, time.Now(), time.Minute)
	boom := faults.New(faults.KindAuth, errors.New("bad key"))
	calls := 0
	err := g.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestRunDisabledReturnsQuotaError(t *testing.T) {
	g, _ := newTestGovernor(t, time.Now(), time.Minute)
	g.Enabled = false
	quotaErr := faults.New(faults.KindQuotaExhausted, errors.New("spent"))
	err := g.Run(context.Background(), "op", func(ctx context.Context) error { return quotaErr })
	if !errors.Is(err, quotaErr) {
		t.Fatalf("disabled governor must surface the quota error, got %v", err)
	}
}
