// Package enumerate provides a unified listing and detail-fetch facade over
// two backends: the authenticated, quota-priced data API and the generic
// yt-dlp extractor. The facade picks a backend per operation, wraps
// quota-priced calls in the governor, and degrades to the extractor when the
// API fails for reasons other than quota — annotating those results as less
// complete. Batch calls never silently drop ids: anything not returned comes
// back as a per-id error.
package enumerate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/quota"
	"github.com/onnwee/tubevault/telemetry"
)

// FlatEntry is one row of a cheap flat listing: id and whatever ordering
// information the listing carries. Published is zero when the listing did not
// include it.
type FlatEntry struct {
	ID        string
	Title     string
	Published time.Time
	Position  int
}

// SourceInfo is the resolved identity of a source URL.
type SourceInfo struct {
	Kind     model.SourceKind
	Channel  *model.Channel
	Playlist *model.Playlist
	// VideoIDs is set for ad-hoc URLs naming individual videos.
	VideoIDs []string
}

// Backend is the polymorphic enumerator surface. Both the data API and the
// extractor implement it; the facade's rule table selects one per operation.
type Backend interface {
	Name() string
	Resolve(ctx context.Context, url string) (*SourceInfo, error)
	ListFlat(ctx context.Context, info *SourceInfo) ([]FlatEntry, error)
	// DetailBatch returns a record or a per-id error for every requested id.
	DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error)
	Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error)
	Captions(ctx context.Context, videoID string) ([]model.Caption, error)
	DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error)
}

// BatchSize is the data API's maximum ids per videos.list call.
const BatchSize = 50

// Facade routes operations to the right backend.
type Facade struct {
	api Backend // nil without credentials
	ext Backend // nil only in tests that stub the facade entirely
	gov *quota.Governor

	httpc *http.Client
}

// New wires the facade. Either backend may be nil; at least one must not be.
func New(api, ext Backend, gov *quota.Governor, timeout time.Duration) (*Facade, error) {
	if api == nil && ext == nil {
		return nil, fmt.Errorf("enumerate: no backend available (set YT_API_KEY or install yt-dlp)")
	}
	return &Facade{api: api, ext: ext, gov: gov, httpc: &http.Client{Timeout: timeout}}, nil
}

// governed wraps a data-API call in the quota governor when one is set.
func (f *Facade) governed(ctx context.Context, op string, fn func(context.Context) error) error {
	if f.gov == nil {
		return fn(ctx)
	}
	return f.gov.Run(ctx, op, fn)
}

// apiThenExtractor runs op on the API first and falls back to the extractor
// for non-quota failures. Quota exhaustion is resolved by the governor inside
// the API attempt; if it still fails with quota (governor disabled or wait
// exceeded), the extractor is tried as well.
func (f *Facade) apiThenExtractor(ctx context.Context, op string, apiFn, extFn func(context.Context) error) (degraded bool, err error) {
	if f.api != nil {
		err = f.governed(ctx, op, apiFn)
		if err == nil {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		if f.ext == nil {
			return false, err
		}
		slog.Warn("data API failed, falling back to extractor",
			slog.String("op", op),
			slog.String("kind", faults.KindOf(err).String()),
			slog.Any("err", err))
	}
	if f.ext == nil {
		return false, err
	}
	if eerr := extFn(ctx); eerr != nil {
		if err != nil {
			return false, err // prefer the API's classification
		}
		return false, eerr
	}
	return f.api != nil, nil
}

// Resolve identifies what a source URL points at.
func (f *Facade) Resolve(ctx context.Context, url string) (*SourceInfo, error) {
	var info *SourceInfo
	_, err := f.apiThenExtractor(ctx, "resolve",
		func(ctx context.Context) error {
			var err error
			info, err = f.api.Resolve(ctx, url)
			return err
		},
		func(ctx context.Context) error {
			var err error
			info, err = f.ext.Resolve(ctx, url)
			return err
		})
	return info, err
}

// ListFlat prefers the extractor's flat mode (cheap, no quota); the API is
// the fallback when no extractor is available or it fails.
func (f *Facade) ListFlat(ctx context.Context, info *SourceInfo) ([]FlatEntry, error) {
	if f.ext != nil {
		entries, err := f.ext.ListFlat(ctx, info)
		if err == nil {
			return entries, nil
		}
		if ctx.Err() != nil || f.api == nil {
			return nil, err
		}
		slog.Warn("extractor flat listing failed, using data API", slog.Any("err", err))
	}
	var entries []FlatEntry
	err := f.governed(ctx, "list-flat", func(ctx context.Context) error {
		var err error
		entries, err = f.api.ListFlat(ctx, info)
		return err
	})
	return entries, err
}

// DetailBatch fetches full records for up to BatchSize ids at a time. Every
// requested id appears either in the result map or the error map.
func (f *Facade) DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error) {
	videos := make(map[string]*model.Video, len(ids))
	errs := map[string]error{}
	for start := 0; start < len(ids); start += BatchSize {
		end := start + BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		var vs map[string]*model.Video
		var es map[string]error
		degraded, err := f.apiThenExtractor(ctx, "detail-batch",
			func(ctx context.Context) error {
				var err error
				vs, es, err = f.api.DetailBatch(ctx, chunk)
				return err
			},
			func(ctx context.Context) error {
				var err error
				vs, es, err = f.ext.DetailBatch(ctx, chunk)
				return err
			})
		if err != nil {
			return videos, errs, err
		}
		for id, v := range vs {
			if degraded {
				v.LessComplete = true
			}
			videos[id] = v
		}
		for id, e := range es {
			errs[id] = e
		}
		// The batching contract: surface anything the backend dropped.
		for _, id := range chunk {
			if videos[id] == nil && errs[id] == nil {
				errs[id] = faults.New(faults.KindRemoteUnavailable, fmt.Errorf("id %s not returned by %s", id, f.backendName(degraded)))
			}
		}
	}
	return videos, errs, nil
}

func (f *Facade) backendName(degraded bool) string {
	if f.api != nil && !degraded {
		return f.api.Name()
	}
	if f.ext != nil {
		return f.ext.Name()
	}
	return "enumerator"
}

// Comments prefers the data API; the extractor is best effort and possibly
// truncated.
func (f *Facade) Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error) {
	var out []model.Comment
	_, err := f.apiThenExtractor(ctx, "comments",
		func(ctx context.Context) error {
			var err error
			out, err = f.api.Comments(ctx, videoID, depth, max)
			return err
		},
		func(ctx context.Context) error {
			var err error
			out, err = f.ext.Comments(ctx, videoID, depth, max)
			return err
		})
	return out, err
}

// Captions lists available tracks, preferring the extractor (no quota cost,
// includes auto-generated tracks).
func (f *Facade) Captions(ctx context.Context, videoID string) ([]model.Caption, error) {
	if f.ext != nil {
		caps, err := f.ext.Captions(ctx, videoID)
		if err == nil {
			return caps, nil
		}
		if ctx.Err() != nil || f.api == nil {
			return nil, err
		}
	}
	var caps []model.Caption
	err := f.governed(ctx, "captions", func(ctx context.Context) error {
		var err error
		caps, err = f.api.Captions(ctx, videoID)
		return err
	})
	return caps, err
}

// DownloadCaption retrieves one caption track, extractor only (the API's
// caption download endpoint requires track ownership).
func (f *Facade) DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error) {
	if f.ext == nil {
		return nil, model.Caption{}, faults.New(faults.KindExtractorIncompatible, fmt.Errorf("caption download needs the extractor"))
	}
	return f.ext.DownloadCaption(ctx, videoID, lang)
}

// FetchThumbnail downloads the thumbnail bytes over plain HTTP.
func (f *Facade) FetchThumbnail(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, faults.New(faults.Classify(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("thumbnail fetch: status %d", resp.StatusCode)
		return nil, faults.New(faults.Classify(err), err)
	}
	telemetry.ObserveComponent(string(model.ComponentThumbnail), "fetched")
	return io.ReadAll(resp.Body)
}
