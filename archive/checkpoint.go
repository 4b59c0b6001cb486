package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/tubevault/store"
	"github.com/onnwee/tubevault/telemetry"
)

// Checkpoint commits accumulated work every interval videos so an interrupted
// run loses at most one interval of progress. Commits happen only at batch
// boundaries, when no video is mid-write, so every checkpoint is a consistent
// prefix of the source's videos.
type Checkpoint struct {
	store      *store.Store
	interval   int
	enabled    bool
	autoCommit bool

	source  string
	count   int // videos since the last commit
	total   int // videos this source, this run
	planned int // listing size, the denominator of the progress ratio
}

// NewCheckpoint builds the controller for one source pass.
func NewCheckpoint(st *store.Store, source string, interval int, enabled, autoCommit bool) *Checkpoint {
	if interval <= 0 {
		interval = 50
	}
	return &Checkpoint{store: st, interval: interval, enabled: enabled, autoCommit: autoCommit, source: source}
}

// SetPlanned records how many entries the listing produced, so checkpoint
// messages can carry a progress ratio.
func (c *Checkpoint) SetPlanned(n int) { c.planned = n }

func (c *Checkpoint) progress() string {
	if c.planned > 0 {
		return fmt.Sprintf("%d/%d videos", c.total, c.planned)
	}
	return fmt.Sprintf("%d videos", c.total)
}

// Advance records n completed videos and commits when the interval is crossed.
func (c *Checkpoint) Advance(ctx context.Context, n int) error {
	c.count += n
	c.total += n
	if !c.enabled || c.count < c.interval {
		return nil
	}
	msg := fmt.Sprintf("Checkpoint: %s (%s)", c.source, c.progress())
	if err := c.store.Commit(ctx, msg); err != nil {
		return err
	}
	if telemetry.Checkpoints != nil {
		telemetry.Checkpoints.Inc()
	}
	slog.Info("checkpoint committed", slog.String("source", c.source), slog.Int("videos", c.total))
	c.count = 0
	return nil
}

// Interrupt commits whatever is staged after a cancellation. It runs on a
// fresh context because the run context is already canceled.
func (c *Checkpoint) Interrupt() error {
	if !c.autoCommit || c.total == 0 {
		return nil
	}
	msg := fmt.Sprintf("Partial backup (interrupted): %s (%d videos)", c.source, c.total)
	return c.store.Commit(context.Background(), msg)
}

// Finish commits the final state of a completed source pass.
func (c *Checkpoint) Finish(ctx context.Context, verb string) error {
	msg := fmt.Sprintf("%s: %s (%d videos)", verb, c.source, c.total)
	return c.store.Commit(ctx, msg)
}

// Total is how many videos completed this run.
func (c *Checkpoint) Total() int { return c.total }
