// Package quota handles daily API quota exhaustion. The quota resets at
// midnight Pacific time regardless of where the archiver runs, so the next
// reset is computed on the wall clock in that zone rather than as a relative
// delay. The governor holds no durable state; after a restart it simply
// recomputes the next reset.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/telemetry"
)

// ResetZone is where the remote service anchors its daily quota window.
const ResetZone = "America/Los_Angeles"

// Governor wraps quota-priced calls and sleeps across the reset boundary when
// they report exhaustion.
type Governor struct {
	// Enabled=false turns exhaustion into an immediate error for the caller.
	Enabled bool
	// MaxWait caps a single governor wait; zero means 36h.
	MaxWait time.Duration
	// CheckInterval is how often progress is logged while waiting (default 30m).
	CheckInterval time.Duration

	loc *time.Location
	now func() time.Time
}

// New loads the reset zone once. Loading can only fail on systems without
// tzdata, which the Go runtime ships since 1.15 via the tzdata fallback import
// in main.
func New(enabled bool, maxWait, checkInterval time.Duration) (*Governor, error) {
	loc, err := time.LoadLocation(ResetZone)
	if err != nil {
		return nil, fmt.Errorf("load quota reset zone %s: %w", ResetZone, err)
	}
	g := &Governor{Enabled: enabled, MaxWait: maxWait, CheckInterval: checkInterval, loc: loc, now: time.Now}
	if g.MaxWait <= 0 {
		g.MaxWait = 36 * time.Hour
	}
	if g.CheckInterval <= 0 {
		g.CheckInterval = 30 * time.Minute
	}
	return g, nil
}

// NextReset is the next midnight in the reset zone after t. DST transitions
// are handled by time.Date in the loaded location.
func (g *Governor) NextReset(t time.Time) time.Time {
	local := t.In(g.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, g.loc)
}

// Run invokes fn, and on quota exhaustion waits for the reset and retries
// once. Any other error is returned untouched. Cancellation during the wait
// returns ctx.Err() so the caller can persist partial progress.
func (g *Governor) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || faults.KindOf(err) != faults.KindQuotaExhausted {
		return err
	}
	if !g.Enabled {
		return err
	}
	if werr := g.Wait(ctx, op); werr != nil {
		return werr
	}
	return fn(ctx)
}

// Wait sleeps until the next quota reset, logging progress every
// CheckInterval. A single governor wait event is recorded per invocation.
func (g *Governor) Wait(ctx context.Context, op string) error {
	reset := g.NextReset(g.now())
	total := reset.Sub(g.now())
	if total > g.MaxWait {
		return faults.New(faults.KindQuotaExhausted,
			fmt.Errorf("quota reset %s away exceeds max wait %s", total.Round(time.Minute), g.MaxWait))
	}
	telemetry.IncQuotaWait()
	slog.Info("quota exhausted, waiting for reset",
		slog.String("op", op),
		slog.Time("reset_at", reset),
		slog.Duration("wait", total.Round(time.Second)))
	start := g.now()
	for {
		remaining := reset.Sub(g.now())
		if remaining <= 0 {
			telemetry.AddQuotaWaitSeconds(g.now().Sub(start).Seconds())
			slog.Info("quota reset reached, resuming", slog.String("op", op))
			return nil
		}
		step := g.CheckInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			telemetry.AddQuotaWaitSeconds(g.now().Sub(start).Seconds())
			return ctx.Err()
		case <-time.After(step):
			slog.Info("still waiting for quota reset",
				slog.String("op", op),
				slog.Duration("remaining", reset.Sub(g.now()).Round(time.Second)))
		}
	}
}
