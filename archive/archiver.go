// Package archive orchestrates a full pass over the configured sources:
// enumerate, filter, fetch components, register content, checkpoint. The
// updater in this package layers incremental semantics on the same per-video
// pipeline.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/enumerate"
	"github.com/onnwee/tubevault/export"
	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/filter"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/pathplan"
	"github.com/onnwee/tubevault/store"
	"github.com/onnwee/tubevault/syncstate"
	"github.com/onnwee/tubevault/telemetry"
)

// Downloader fetches the video binary. The extractor implements it; a nil
// downloader means binaries are URL-tracked instead of downloaded.
type Downloader interface {
	DownloadVideo(ctx context.Context, videoID, destPath string) error
}

// Archiver drives one run over the archive.
type Archiver struct {
	Cfg        config.Config
	Enum       *enumerate.Facade
	Store      *store.Store
	State      *syncstate.Store
	Plan       *pathplan.Planner
	Downloader Downloader
	Severity   *faults.Severity

	policy faults.BackoffPolicy
}

// New wires an archiver over an opened archive directory.
func New(cfg config.Config, enum *enumerate.Facade, st *store.Store, state *syncstate.Store) *Archiver {
	return &Archiver{
		Cfg:      cfg,
		Enum:     enum,
		Store:    st,
		State:    state,
		Plan:     pathplan.New(cfg.Organization),
		Severity: &faults.Severity{},
		policy:   faults.DefaultBackoff(),
	}
}

// Run processes every enabled source in declaration order. A failing source
// is recorded and skipped unless its error aborts the whole archive.
func (a *Archiver) Run(ctx context.Context) error {
	for _, src := range a.Cfg.Sources {
		if !src.IsEnabled() {
			slog.Info("source disabled, skipping", slog.String("url", src.URL))
			continue
		}
		err := a.RunSource(ctx, src)
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
		telemetry.LoggerWithCorr(ctx).Error("source failed, continuing with next",
			slog.String("source", src.URL),
			slog.String("trace_id", telemetry.TraceID(ctx)),
			slog.Group("error",
				slog.String("code", kind.String()),
				slog.String("message", err.Error())))
	}
	return a.exportTables(ctx)
}

// exportTables regenerates the summary tables after a pass and commits them.
// An export failure is recorded but does not fail the run; the archived
// content is already committed.
func (a *Archiver) exportTables(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := export.New(a.Store.Dir).Export(ctx); err != nil {
		a.Severity.Observe(err)
		slog.Error("table export failed", slog.Any("err", err))
		return nil
	}
	return a.Store.Commit(ctx, "Export tables")
}

func (a *Archiver) sourceErrors(url string) int {
	if st := a.State.Source(url); st != nil {
		return st.ErrorCount
	}
	return 0
}

// sourceRun carries the per-source derived settings through one pass.
type sourceRun struct {
	src    config.Source
	comps  config.Components
	flt    filter.Config
	capRe  *regexp.Regexp
	check  *Checkpoint
	update *UpdateOptions // nil on plain backup
}

func (a *Archiver) newSourceRun(src config.Source, upd *UpdateOptions) (*sourceRun, error) {
	comps := a.Cfg.EffectiveComponents(src)
	flt, err := a.Cfg.EffectiveFilters(src)
	if err != nil {
		return nil, faults.New(faults.KindConfig, err)
	}
	capRe, err := comps.CaptionRegexp()
	if err != nil {
		return nil, faults.New(faults.KindConfig, err)
	}
	b := a.Cfg.Backup
	return &sourceRun{
		src:    src,
		comps:  comps,
		flt:    flt,
		capRe:  capRe,
		check:  NewCheckpoint(a.Store, src.URL, b.CheckpointInterval, b.CheckpointEnabled, b.AutoCommitOnInterrupt),
		update: upd,
	}, nil
}

// RunSource executes a full backup pass for one source.
func (a *Archiver) RunSource(ctx context.Context, src config.Source) error {
	run, err := a.newSourceRun(src, nil)
	if err != nil {
		return err
	}
	return a.runSource(ctx, run)
}

func (a *Archiver) runSource(ctx context.Context, run *sourceRun) (err error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "archive", "source-pass",
		attribute.String("source.url", run.src.URL))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("source", run.src.URL))
	log.Info("source pass starting")
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

	info, err := a.Enum.Resolve(ctx, run.src.URL)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", run.src.URL, err)
	}
	if info.Kind == model.SourcePlaylist && info.Playlist != nil && !run.flt.AllowsPlaylist(info.Playlist.ID) {
		log.Info("playlist excluded by filters", slog.String("playlist_id", info.Playlist.ID))
		return nil
	}

	entries, err := a.Enum.ListFlat(ctx, info)
	if err != nil {
		return fmt.Errorf("list %s: %w", run.src.URL, err)
	}
	log.Info("flat listing complete", slog.Int("entries", len(entries)))
	run.check.SetPlanned(len(entries))

	members, err := a.processEntries(ctx, run, entries, log)
	if err != nil {
		return err
	}

	if err := a.writeSourceEntities(ctx, run, info, members); err != nil {
		return err
	}

	if err := run.check.Finish(ctx, a.finishVerb(run)); err != nil {
		return err
	}
	if err := a.State.MarkSourceOK(run.src.URL); err != nil {
		return err
	}
	if err := a.State.SetLastSync(run.src.URL, time.Now().UTC()); err != nil {
		return err
	}
	log.Info("source pass complete",
		slog.Int("videos", run.check.Total()),
		slog.Duration("took", time.Since(started).Round(time.Second)))
	return nil
}

func (a *Archiver) finishVerb(run *sourceRun) string {
	if run.update != nil {
		return "Update"
	}
	return "Backup"
}

// member is one in-scope video with its resolved directory, in listing order.
type member struct {
	video model.Video
	dir   string
}

// processEntries walks the flat listing in order, fetching details in batches
// and running the per-video pipeline with bounded parallelism. Checkpoints
// land between batches, when nothing is mid-write.
func (a *Archiver) processEntries(ctx context.Context, run *sourceRun, entries []enumerate.FlatEntry, log *slog.Logger) ([]member, error) {
	unavailable := a.State.KnownUnavailable()
	var members []member
	included := 0

	var batch []enumerate.FlatEntry
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		done, err := a.processBatch(ctx, run, batch, &members, log)
		batch = batch[:0]
		if err != nil {
			return err
		}
		return run.check.Advance(ctx, done)
	}

	for i, e := range entries {
		telemetry.SetQueueDepth(len(entries) - i)
		if ctx.Err() != nil {
			if err := flush(); err != nil {
				return members, err
			}
			return members, ctx.Err()
		}
		if run.flt.Limit > 0 && included >= run.flt.Limit {
			break
		}
		if !run.flt.IncludeFlat(e.ID, e.Published) {
			if telemetry.VideosSkipped != nil {
				telemetry.VideosSkipped.Inc()
			}
			continue
		}
		if unavailable[e.ID] && !a.forceWanted(run, e.Published) {
			if telemetry.VideosSkipped != nil {
				telemetry.VideosSkipped.Inc()
			}
			continue
		}
		m, ok, err := a.alreadyComplete(ctx, run, e)
		if err != nil {
			return members, err
		}
		if ok {
			members = append(members, m)
			included++
			continue
		}
		batch = append(batch, e)
		included++
		if len(batch) == enumerate.BatchSize {
			if err := flush(); err != nil {
				return members, err
			}
		}
	}
	telemetry.SetQueueDepth(0)
	if err := flush(); err != nil {
		return members, err
	}
	return members, nil
}

func (a *Archiver) forceWanted(run *sourceRun, published time.Time) bool {
	if run.update == nil {
		return false
	}
	return run.update.Force || (!run.update.ForceDate.IsZero() && !published.IsZero() && !published.Before(run.update.ForceDate))
}

// alreadyComplete reports whether the ledger shows every enabled component
// fetched and the content on disk, in which case the video is only needed for
// membership bookkeeping. The expected path is still re-rendered from the
// recorded metadata, so a template change moves completed directories without
// refetching anything. Update runs always re-examine.
func (a *Archiver) alreadyComplete(ctx context.Context, run *sourceRun, e enumerate.FlatEntry) (member, bool, error) {
	if run.update != nil {
		return member{}, false, nil
	}
	st := a.State.Video(e.ID)
	if st == nil || st.Path == "" || !a.Store.Exists(st.Path) {
		return member{}, false, nil
	}
	for _, c := range a.enabledComponents(run.comps) {
		if !st.ComponentFetched(c) {
			return member{}, false, nil
		}
	}
	v := a.recordedVideo(st.Path, e)
	dir, renamed := a.Plan.DetectRename(st.Path, v)
	if renamed {
		if err := a.Store.Move(ctx, st.Path, dir); err != nil {
			return member{}, false, err
		}
		if err := a.State.UpdateVideo(e.ID, func(vs *syncstate.VideoState) { vs.Path = dir }); err != nil {
			return member{}, false, err
		}
		slog.Info("video moved", slog.String("video_id", e.ID), slog.String("from", st.Path), slog.String("to", dir))
	}
	if telemetry.VideosSkipped != nil {
		telemetry.VideosSkipped.Inc()
	}
	return member{video: v, dir: dir}, true, nil
}

// recordedVideo loads the archived metadata record, falling back to the flat
// listing fields when the sidecar is unreadable. Skip passes render paths and
// playlist entries from the recorded record, not the flat listing, whose
// titles may be absent or stale.
func (a *Archiver) recordedVideo(dir string, e enumerate.FlatEntry) model.Video {
	var v model.Video
	data, err := os.ReadFile(filepath.Join(a.Store.Dir, filepath.FromSlash(dir), pathplan.MetadataFile))
	if err == nil && json.Unmarshal(data, &v) == nil && v.ID == e.ID {
		return v
	}
	return model.Video{ID: e.ID, Title: e.Title, PublishedAt: e.Published}
}

func (a *Archiver) enabledComponents(c config.Components) []model.Component {
	var out []model.Component
	if c.Metadata {
		out = append(out, model.ComponentMetadata)
	}
	if c.Thumbnails {
		out = append(out, model.ComponentThumbnail)
	}
	if c.Captions {
		out = append(out, model.ComponentCaptions)
	}
	if c.Comments {
		out = append(out, model.ComponentComments)
	}
	if c.Videos {
		out = append(out, model.ComponentVideo)
	}
	return out
}

// processBatch detail-fetches one batch and pipelines its videos. Returns how
// many videos completed.
func (a *Archiver) processBatch(ctx context.Context, run *sourceRun, batch []enumerate.FlatEntry, members *[]member, log *slog.Logger) (int, error) {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	fetchStart := time.Now()
	videos, detailErrs, err := a.Enum.DetailBatch(ctx, ids)
	if telemetry.DetailFetchDuration != nil {
		telemetry.DetailFetchDuration.Observe(time.Since(fetchStart).Seconds())
	}
	if err != nil {
		return 0, fmt.Errorf("detail batch: %w", err)
	}
	for id, derr := range detailErrs {
		a.recordVideoFailure(ctx, id, derr, log)
	}

	// Filter on full records before spending any component fetches.
	var work []*model.Video
	for _, id := range ids {
		v := videos[id]
		if v == nil {
			continue
		}
		if !run.flt.Include(*v) {
			if telemetry.VideosSkipped != nil {
				telemetry.VideosSkipped.Inc()
			}
			continue
		}
		work = append(work, v)
	}

	results := make([]member, len(work))
	oks := make([]bool, len(work))
	g, gctx := errgroup.WithContext(ctx)
	limit := a.Cfg.Backup.MaxInflightVideos
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for i, v := range work {
		g.Go(func() error {
			if telemetry.InflightVideos != nil {
				telemetry.InflightVideos.Inc()
				defer telemetry.InflightVideos.Dec()
			}
			dir, perr := a.processVideo(gctx, run, v)
			if perr != nil {
				a.Severity.Observe(perr)
				kind := faults.KindOf(perr)
				switch a.policy.Decide(kind, a.policy.MaxAttempts, 0).Type {
				case faults.ActionAbortSource, faults.ActionAbortArchive:
					return perr
				}
				a.recordVideoFailure(gctx, v.ID, perr, log)
				return nil
			}
			results[i] = member{video: *v, dir: dir}
			oks[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	done := 0
	for i := range results {
		if oks[i] {
			*members = append(*members, results[i])
			done++
		}
	}
	return done, nil
}

func (a *Archiver) recordVideoFailure(ctx context.Context, id string, err error, log *slog.Logger) {
	kind := faults.KindOf(err)
	if telemetry.VideosFailed != nil {
		telemetry.VideosFailed.Inc()
	}
	a.Severity.Observe(err)
	_ = a.State.UpdateVideo(id, func(st *syncstate.VideoState) {
		st.LastError = err.Error()
		if kind == faults.KindRemoteUnavailable {
			// existing content is kept; the terminal state only stops fetches
			st.Availability = model.AvailUnavailable
		}
	})
	log.Warn("video failed",
		slog.String("video_id", id),
		slog.String("trace_id", telemetry.TraceID(ctx)),
		slog.Group("error",
			slog.String("code", kind.String()),
			slog.String("message", err.Error())))
}

// retry runs fn under the backoff policy until it succeeds or the policy says
// to stop retrying.
func (a *Archiver) retry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		action := a.policy.Decide(faults.KindOf(err), attempt, faults.RetryAfterHint(err))
		if action.Type != faults.ActionRetry {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(action.After):
		}
	}
}

// processVideo runs the per-video component pipeline and returns the video's
// directory relative to the archive root.
func (a *Archiver) processVideo(ctx context.Context, run *sourceRun, v *model.Video) (string, error) {
	started := time.Now()
	defer func() {
		if telemetry.VideoDuration != nil {
			telemetry.VideoDuration.Observe(time.Since(started).Seconds())
		}
	}()

	if _, err := a.State.AddSourceRef(v.ID, run.src.URL); err != nil {
		return "", err
	}

	prior := a.State.Video(v.ID)
	recorded := ""
	if prior != nil {
		recorded = prior.Path
	}
	dir, renamed := a.Plan.DetectRename(recorded, *v)
	if renamed && a.Store.Exists(recorded) {
		if err := a.Store.Move(ctx, recorded, dir); err != nil {
			return "", err
		}
		slog.Info("video moved", slog.String("video_id", v.ID), slog.String("from", recorded), slog.String("to", dir))
	}

	if run.comps.Metadata && a.metadataStale(dir, v) {
		if err := a.writeMetadata(ctx, dir, v); err != nil {
			return "", err
		}
	}

	if v.Availability.Terminal() {
		// metadata snapshot is all that can be archived
		err := a.State.UpdateVideo(v.ID, func(st *syncstate.VideoState) {
			st.Availability = v.Availability
			st.Path = dir
			if run.comps.Metadata {
				st.Fetched[model.ComponentMetadata] = time.Now().UTC()
			}
		})
		return dir, err
	}

	type result struct {
		component model.Component
		err       error
		langs     []string
	}
	var tasks []func(context.Context) result
	if run.comps.Thumbnails && v.ThumbnailURL != "" && a.wantComponent(run, prior, model.ComponentThumbnail, v) {
		tasks = append(tasks, func(ctx context.Context) result {
			return result{model.ComponentThumbnail, a.fetchThumbnail(ctx, dir, v), nil}
		})
	}
	if run.comps.Captions && a.wantCaptions(run, prior, v) {
		tasks = append(tasks, func(ctx context.Context) result {
			langs, err := a.fetchCaptions(ctx, run, dir, v)
			return result{model.ComponentCaptions, err, langs}
		})
	}
	if run.comps.Comments && a.wantComments(run, prior, v) {
		tasks = append(tasks, func(ctx context.Context) result {
			return result{model.ComponentComments, a.fetchComments(ctx, run, dir, v), nil}
		})
	}
	if a.wantComponent(run, prior, model.ComponentVideo, v) {
		tasks = append(tasks, func(ctx context.Context) result {
			return result{model.ComponentVideo, a.fetchVideo(ctx, run, dir, v), nil}
		})
	}

	results := make([]result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	par := a.Cfg.Backup.ComponentParallelism
	if par <= 0 {
		par = 4
	}
	g.SetLimit(par)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = task(gctx)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	var componentErr error
	var gainedLangs []string
	videoFailed := false
	fetched := map[model.Component]bool{}
	if run.comps.Metadata {
		fetched[model.ComponentMetadata] = true
	}
	for _, r := range results {
		if r.err != nil {
			telemetry.ObserveComponent(string(r.component), "error")
			kind := faults.KindOf(r.err)
			switch a.policy.Decide(kind, a.policy.MaxAttempts, 0).Type {
			case faults.ActionAbortSource, faults.ActionAbortArchive:
				return dir, r.err
			}
			if r.component == model.ComponentVideo {
				videoFailed = true
			}
			if componentErr == nil {
				componentErr = fmt.Errorf("%s: %w", r.component, r.err)
			}
			a.Severity.Observe(r.err)
			continue
		}
		telemetry.ObserveComponent(string(r.component), "ok")
		fetched[r.component] = true
		if r.component == model.ComponentCaptions {
			gainedLangs = r.langs
		}
	}

	err := a.State.UpdateVideo(v.ID, func(st *syncstate.VideoState) {
		st.Availability = v.Availability
		st.Path = dir
		st.CommentCount = v.CommentCount
		if len(gainedLangs) > 0 || fetched[model.ComponentCaptions] {
			st.CaptionLangs = gainedLangs
		}
		for c := range fetched {
			st.Fetched[c] = now
		}
		if fetched[model.ComponentVideo] {
			if run.comps.Videos && a.Downloader != nil {
				st.Download = model.DownloadDone
			} else {
				st.Download = model.DownloadTracked
			}
		} else if videoFailed {
			st.Download = model.DownloadFailed
		}
		if componentErr != nil {
			st.LastError = componentErr.Error()
		} else {
			st.LastError = ""
		}
		if run.update != nil {
			st.UpdateCount++
		}
	})
	if err != nil {
		return dir, err
	}
	if telemetry.VideosProcessed != nil {
		telemetry.VideosProcessed.Inc()
	}
	return dir, nil
}

// wantComponent decides whether a component needs (re)fetching this run.
func (a *Archiver) wantComponent(run *sourceRun, prior *syncstate.VideoState, c model.Component, v *model.Video) bool {
	if a.forceWanted(run, v.PublishedAt) {
		return true
	}
	return !prior.ComponentFetched(c)
}

func (a *Archiver) wantComments(run *sourceRun, prior *syncstate.VideoState, v *model.Video) bool {
	if a.forceWanted(run, v.PublishedAt) || !prior.ComponentFetched(model.ComponentComments) {
		return true
	}
	// refetch when the visible count moved
	return prior != nil && v.CommentCount != prior.CommentCount
}

func (a *Archiver) wantCaptions(run *sourceRun, prior *syncstate.VideoState, v *model.Video) bool {
	if a.forceWanted(run, v.PublishedAt) || !prior.ComponentFetched(model.ComponentCaptions) {
		return true
	}
	if prior == nil {
		return true
	}
	known := map[string]bool{}
	for _, l := range prior.CaptionLangs {
		known[l] = true
	}
	for _, l := range v.CaptionLangs {
		if !known[l] && run.capRe.MatchString(l) {
			return true
		}
	}
	return false
}

// metadataStale reports whether metadata.json under dir differs from v in any
// field other than the fetch timestamps. Unchanged records are not rewritten,
// so a no-delta pass leaves the content bytes untouched.
func (a *Archiver) metadataStale(dir string, v *model.Video) bool {
	data, err := os.ReadFile(filepath.Join(a.Store.Dir, filepath.FromSlash(dir), pathplan.MetadataFile))
	if err != nil {
		return true
	}
	var prior model.Video
	if err := json.Unmarshal(data, &prior); err != nil {
		return true
	}
	norm := func(x model.Video) model.Video {
		x.FetchedAt = time.Time{}
		x.UpdatedAt = time.Time{}
		return x
	}
	return !reflect.DeepEqual(norm(prior), norm(*v))
}

func (a *Archiver) writeMetadata(ctx context.Context, dir string, v *model.Video) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return a.Store.WriteFile(ctx, path.Join(dir, pathplan.MetadataFile), append(data, '\n'))
}

func (a *Archiver) fetchThumbnail(ctx context.Context, dir string, v *model.Video) error {
	var data []byte
	err := a.retry(ctx, func(ctx context.Context) error {
		var ferr error
		data, ferr = a.Enum.FetchThumbnail(ctx, v.ThumbnailURL)
		return ferr
	})
	if err != nil {
		return err
	}
	rel := path.Join(dir, a.Plan.ThumbnailFilename(thumbExt(v.ThumbnailURL)))
	if err := a.Store.WriteFile(ctx, rel, data); err != nil {
		return err
	}
	return a.Store.SetMetadata(ctx, rel, blobMetadata(v, v.ThumbnailURL, "thumbnail"))
}

func thumbExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg":
		return "jpg"
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	}
	return ""
}

// fetchCaptions lists tracks, applies the language filter, and downloads each
// missing sidecar. Returns the languages present after the pass.
func (a *Archiver) fetchCaptions(ctx context.Context, run *sourceRun, dir string, v *model.Video) ([]string, error) {
	var tracks []model.Caption
	err := a.retry(ctx, func(ctx context.Context) error {
		var ferr error
		tracks, ferr = a.Enum.Captions(ctx, v.ID)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	var langs []string
	var firstErr error
	for _, t := range tracks {
		if !run.capRe.MatchString(t.Language) {
			continue
		}
		rel := path.Join(dir, a.Plan.CaptionFilename(t.Language, t.Format))
		if a.Store.Exists(rel) && !a.forceWanted(run, v.PublishedAt) {
			langs = append(langs, t.Language)
			continue
		}
		var data []byte
		var got model.Caption
		derr := a.retry(ctx, func(ctx context.Context) error {
			var ferr error
			data, got, ferr = a.Enum.DownloadCaption(ctx, v.ID, t.Language)
			return ferr
		})
		if derr != nil {
			if firstErr == nil {
				firstErr = derr
			}
			continue
		}
		if got.Format != "" && got.Format != t.Format {
			rel = path.Join(dir, a.Plan.CaptionFilename(t.Language, got.Format))
		}
		if werr := a.Store.WriteFile(ctx, rel, data); werr != nil {
			return langs, werr
		}
		langs = append(langs, t.Language)
	}
	if len(langs) == 0 && firstErr != nil {
		return nil, firstErr
	}
	v.SetCaptionLangs(langs)
	return v.CaptionLangs, nil
}

func (a *Archiver) fetchComments(ctx context.Context, run *sourceRun, dir string, v *model.Video) error {
	depth := run.comps.CommentsDepth
	var comments []model.Comment
	err := a.retry(ctx, func(ctx context.Context) error {
		var ferr error
		comments, ferr = a.Enum.Comments(ctx, v.ID, depth, 0)
		return ferr
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindRemoteUnavailable {
			// comments disabled: an empty file records that we looked
			comments = []model.Comment{}
		} else {
			return err
		}
	}
	data, err := json.MarshalIndent(comments, "", "  ")
	if err != nil {
		return err
	}
	return a.Store.WriteFile(ctx, path.Join(dir, pathplan.CommentsFile), append(data, '\n'))
}

// fetchVideo registers the video binary with the content store: track mode by
// default (URL recorded, no bytes), fetch mode when the videos component is
// enabled and a downloader is available.
func (a *Archiver) fetchVideo(ctx context.Context, run *sourceRun, dir string, v *model.Video) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "archive", "fetch-video",
		attribute.String("video.id", v.ID))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	watch := "https://www.youtube.com/watch?v=" + v.ID
	rel := path.Join(dir, a.Plan.VideoFilename("mp4"))
	if run.comps.Videos && a.Downloader != nil {
		abs := a.Store.Dir + "/" + rel
		if err := a.Downloader.DownloadVideo(ctx, v.ID, abs); err != nil {
			return err
		}
		if err := a.Store.AddFile(ctx, rel); err != nil {
			return err
		}
	} else {
		if err := a.Store.AddURL(ctx, rel, watch, store.Track); err != nil {
			return err
		}
	}
	return a.Store.SetMetadata(ctx, rel, blobMetadata(v, watch, "video"))
}

// blobMetadata is the key set attached to every annexed blob.
func blobMetadata(v *model.Video, sourceURL, filetype string) map[string]string {
	return map[string]string{
		"video_id":   v.ID,
		"title":      v.Title,
		"channel":    v.ChannelName,
		"published":  v.PublishedAt.UTC().Format("2006-01-02"),
		"source_url": sourceURL,
		"filetype":   filetype,
	}
}

// writeSourceEntities persists the channel/playlist records and, for
// playlists, the ordered entry links.
func (a *Archiver) writeSourceEntities(ctx context.Context, run *sourceRun, info *enumerate.SourceInfo, members []member) error {
	switch {
	case info.Kind == model.SourcePlaylist && info.Playlist != nil:
		return a.materializePlaylist(ctx, info.Playlist, members)
	case info.Channel != nil:
		ch := *info.Channel
		ch.LastSync = time.Now().UTC()
		ch.VideoIDs = make([]string, 0, len(members))
		for _, m := range members {
			ch.VideoIDs = append(ch.VideoIDs, m.video.ID)
		}
		data, err := json.MarshalIndent(&ch, "", "  ")
		if err != nil {
			return err
		}
		rel := path.Join(a.Plan.ChannelDir(ch.ID), pathplan.ChannelFile)
		return a.Store.WriteFile(ctx, rel, append(data, '\n'))
	}
	return nil
}

// materializePlaylist writes playlist.json and one ordered symlink per member
// pointing at the canonical video directory. Indexes are 1-based over the
// in-scope members in remote order; re-running an unchanged playlist
// reproduces the same entries, and entries not regenerated this pass are
// pruned so removed members lose their stale numbered reference.
func (a *Archiver) materializePlaylist(ctx context.Context, pl *model.Playlist, members []member) error {
	plDir := a.Plan.PlaylistDir(pl.ID)
	record := *pl
	record.VideoIDs = make([]string, 0, len(members))
	record.FetchedAt = time.Now().UTC()
	keep := map[string]bool{pathplan.PlaylistFile: true}
	for i, m := range members {
		record.VideoIDs = append(record.VideoIDs, m.video.ID)
		entry := a.Plan.PlaylistEntry(i+1, m.video)
		keep[entry] = true
		target := pathplan.RelativeTarget(plDir, m.dir)
		if err := a.Store.Symlink(ctx, target, path.Join(plDir, entry)); err != nil {
			return err
		}
	}
	if err := a.pruneEntries(ctx, plDir, keep); err != nil {
		return err
	}
	record.VideoCount = len(record.VideoIDs)
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return err
	}
	return a.Store.WriteFile(ctx, path.Join(plDir, pathplan.PlaylistFile), append(data, '\n'))
}

// pruneEntries removes names in the playlist directory that this pass did not
// regenerate. The underlying video directories are never touched.
func (a *Archiver) pruneEntries(ctx context.Context, plDir string, keep map[string]bool) error {
	ents, err := os.ReadDir(filepath.Join(a.Store.Dir, filepath.FromSlash(plDir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return faults.New(faults.KindFilesystem, err)
	}
	for _, ent := range ents {
		if keep[ent.Name()] {
			continue
		}
		if err := a.Store.Remove(ctx, path.Join(plDir, ent.Name())); err != nil {
			return err
		}
		slog.Info("pruned playlist entry", slog.String("playlist", plDir), slog.String("entry", ent.Name()))
	}
	return nil
}
