package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/enumerate"
	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/syncstate"
	"github.com/onnwee/tubevault/telemetry"
)

// UpdateOptions tunes an incremental pass. Force refetches every component of
// every in-scope video; ForceDate limits that to videos published on or after
// the date. Force wins when both are set.
type UpdateOptions struct {
	Force     bool
	ForceDate time.Time
}

// Update runs the incremental two-pass sync over every enabled source.
//
// Pass one is cheap: the flat listing splits ids into new, known and missing.
// Pass two spends detail calls only where something can have changed: new ids,
// known ids whose snapshots may have drifted, and missing ids whose
// availability needs confirming. Videos already terminal get zero calls.
func (a *Archiver) Update(ctx context.Context, opts UpdateOptions) error {
	for _, src := range a.Cfg.Sources {
		if !src.IsEnabled() {
			continue
		}
		err := a.updateSource(ctx, src, opts)
		if err == nil {
			continue
		}
		a.Severity.Observe(err)
		if ctx.Err() != nil {
			return err
		}
		kind := faults.KindOf(err)
		if a.policy.Decide(kind, a.policy.MaxAttempts, 0).Type == faults.ActionAbortArchive {
			return err
		}
		next := time.Now().Add(time.Duration(1<<uint(min(a.sourceErrors(src.URL), 6))) * time.Hour)
		if serr := a.State.MarkSourceError(src.URL, err, next); serr != nil {
			return serr
		}
		telemetry.LoggerWithCorr(ctx).Error("source update failed, continuing",
			slog.String("source", src.URL),
			slog.String("trace_id", telemetry.TraceID(ctx)),
			slog.Group("error",
				slog.String("code", kind.String()),
				slog.String("message", err.Error())))
	}
	return a.exportTables(ctx)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (a *Archiver) updateSource(ctx context.Context, src config.Source, opts UpdateOptions) (err error) {
	run, err := a.newSourceRun(src, &opts)
	if err != nil {
		return err
	}
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "archive", "update-pass",
		attribute.String("source.url", src.URL))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("source", src.URL))
	log.Info("incremental update starting",
		slog.Bool("force", opts.Force),
		slog.Time("last_sync", a.State.LastSync(src.URL)))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		if telemetry.SourceDuration != nil {
			telemetry.SourceDuration.Observe(time.Since(started).Seconds())
		}
		if err != nil && ctx.Err() != nil {
			if cerr := run.check.Interrupt(); cerr != nil {
				log.Error("interrupt commit failed", slog.Any("err", cerr))
			}
		}
	}()

	info, err := a.Enum.Resolve(ctx, src.URL)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", src.URL, err)
	}
	entries, err := a.Enum.ListFlat(ctx, info)
	if err != nil {
		return fmt.Errorf("list %s: %w", src.URL, err)
	}

	run.check.SetPlanned(len(entries))
	listed := make(map[string]bool, len(entries))
	newCount := 0
	for _, e := range entries {
		listed[e.ID] = true
		if a.State.Video(e.ID) == nil {
			newCount++
		}
	}
	missing := a.missingFromListing(src.URL, listed)
	log.Info("listing diff",
		slog.Int("listed", len(entries)),
		slog.Int("new", newCount),
		slog.Int("missing", len(missing)))

	// Pass two over the listing: processEntries consults the ledger per video
	// and only refetches components with observable deltas (or forced ones).
	members, err := a.processEntries(ctx, run, entries, log)
	if err != nil {
		return err
	}

	if err := a.confirmMissing(ctx, missing, log); err != nil {
		return err
	}

	if err := a.writeSourceEntities(ctx, run, info, members); err != nil {
		return err
	}
	if err := run.check.Finish(ctx, "Update"); err != nil {
		return err
	}
	if err := a.State.MarkSourceOK(src.URL); err != nil {
		return err
	}
	if err := a.State.SetLastSync(src.URL, time.Now().UTC()); err != nil {
		return err
	}
	log.Info("incremental update complete",
		slog.Int("videos", run.check.Total()),
		slog.Duration("took", time.Since(started).Round(time.Second)))
	return nil
}

// missingFromListing returns ids the ledger attributes to this source that the
// remote listing no longer shows, excluding ids already terminal.
func (a *Archiver) missingFromListing(srcURL string, listed map[string]bool) []string {
	var out []string
	for _, id := range a.State.VideoIDs() {
		if listed[id] {
			continue
		}
		st := a.State.Video(id)
		if st == nil || st.Availability.Terminal() {
			continue
		}
		owned := false
		for _, u := range st.Sources {
			if u == srcURL {
				owned = true
				break
			}
		}
		if owned {
			out = append(out, id)
		}
	}
	return out
}

// confirmMissing re-queries each disappeared id individually. An unavailable
// answer records the terminal availability; archived content is never removed.
func (a *Archiver) confirmMissing(ctx context.Context, ids []string, log *slog.Logger) error {
	for start := 0; start < len(ids); start += enumerate.BatchSize {
		end := min(start+enumerate.BatchSize, len(ids))
		videos, errs, err := a.Enum.DetailBatch(ctx, ids[start:end])
		if err != nil {
			return fmt.Errorf("confirm missing videos: %w", err)
		}
		for id, derr := range errs {
			kind := faults.KindOf(derr)
			avail := model.AvailUnavailable
			if kind != faults.KindRemoteUnavailable {
				// transient: leave availability alone, try again next run
				log.Warn("could not confirm disappeared video",
					slog.String("video_id", id), slog.Any("err", derr))
				continue
			}
			uerr := a.State.UpdateVideo(id, func(st *syncstate.VideoState) {
				st.Availability = avail
			})
			if uerr != nil {
				return uerr
			}
			log.Info("video no longer listed, marked unavailable", slog.String("video_id", id))
		}
		for id, v := range videos {
			// still fetchable, just delisted (unlisted or moved): record what
			// the remote reports
			uerr := a.State.UpdateVideo(id, func(st *syncstate.VideoState) {
				st.Availability = v.Availability
			})
			if uerr != nil {
				return uerr
			}
		}
	}
	return nil
}
