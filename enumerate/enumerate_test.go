package enumerate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
)

// stubBackend is a minimal scripted Backend for facade routing tests.
// (testutil cannot be used here: it imports this package.)
type stubBackend struct {
	name string

	info    *SourceInfo
	entries []FlatEntry
	videos  map[string]*model.Video
	errs    map[string]error
	failAll error

	mu    sync.Mutex
	calls []string
}

func (s *stubBackend) called(op string) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
}

func (s *stubBackend) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Resolve(ctx context.Context, url string) (*SourceInfo, error) {
	s.called("resolve")
	return s.info, s.failAll
}

func (s *stubBackend) ListFlat(ctx context.Context, info *SourceInfo) ([]FlatEntry, error) {
	s.called("list")
	return s.entries, s.failAll
}

func (s *stubBackend) DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error) {
	s.called("detail")
	if s.failAll != nil {
		return nil, nil, s.failAll
	}
	videos := map[string]*model.Video{}
	errs := map[string]error{}
	for _, id := range ids {
		if e := s.errs[id]; e != nil {
			errs[id] = e
		} else if v := s.videos[id]; v != nil {
			cp := *v
			videos[id] = &cp
		}
	}
	return videos, errs, nil
}

func (s *stubBackend) Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error) {
	s.called("comments")
	return nil, s.failAll
}

func (s *stubBackend) Captions(ctx context.Context, videoID string) ([]model.Caption, error) {
	s.called("captions")
	return nil, s.failAll
}

func (s *stubBackend) DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error) {
	s.called("caption-dl")
	return []byte("WEBVTT\n"), model.Caption{VideoID: videoID, Language: lang}, s.failAll
}

func TestNewRequiresABackend(t *testing.T) {
	if _, err := New(nil, nil, nil, time.Second); err == nil {
		t.Fatal("expected error with no backends")
	}
}

func TestDetailBatchPrefersAPI(t *testing.T) {
	api := &stubBackend{name: "api", videos: map[string]*model.Video{"a": {ID: "a"}}}
	ext := &stubBackend{name: "ext", videos: map[string]*model.Video{"a": {ID: "a"}}}
	f, _ := New(api, ext, nil, time.Second)

	videos, errs, err := f.DetailBatch(context.Background(), []string{"a"})
	if err != nil || len(errs) != 0 {
		t.Fatalf("err=%v errs=%v", err, errs)
	}
	if videos["a"].LessComplete {
		t.Error("API-sourced record must not be degraded")
	}
	if ext.count("detail") != 0 {
		t.Error("extractor used although API succeeded")
	}
}

func TestDetailBatchFallsBackDegraded(t *testing.T) {
	api := &stubBackend{name: "api", failAll: errors.New("500 internal server error")}
	ext := &stubBackend{name: "ext", videos: map[string]*model.Video{"a": {ID: "a"}}}
	f, _ := New(api, ext, nil, time.Second)

	videos, _, err := f.DetailBatch(context.Background(), []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if !videos["a"].LessComplete {
		t.Error("fallback record must be marked less complete")
	}
}

func TestDetailBatchSurfacesDroppedIDs(t *testing.T) {
	api := &stubBackend{name: "api", videos: map[string]*model.Video{"a": {ID: "a"}}}
	f, _ := New(api, nil, nil, time.Second)

	videos, errs, err := f.DetailBatch(context.Background(), []string{"a", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if videos["a"] == nil {
		t.Error("present id missing")
	}
	if errs["ghost"] == nil {
		t.Fatal("dropped id must get a per-id error")
	}
	if faults.KindOf(errs["ghost"]) != faults.KindRemoteUnavailable {
		t.Errorf("kind = %s", faults.KindOf(errs["ghost"]))
	}
}

func TestDetailBatchChunks(t *testing.T) {
	videos := map[string]*model.Video{}
	ids := make([]string, 0, BatchSize+10)
	for i := 0; i < BatchSize+10; i++ {
		id := fmt.Sprintf("v%03d", i)
		ids = append(ids, id)
		videos[id] = &model.Video{ID: id}
	}
	api := &stubBackend{name: "api", videos: videos}
	f, _ := New(api, nil, nil, time.Second)

	got, errs, err := f.DetailBatch(context.Background(), ids)
	if err != nil || len(errs) != 0 {
		t.Fatalf("err=%v errs=%d", err, len(errs))
	}
	if len(got) != len(ids) {
		t.Errorf("got %d videos, want %d", len(got), len(ids))
	}
	if api.count("detail") != 2 {
		t.Errorf("detail calls = %d, want 2 chunks", api.count("detail"))
	}
}

func TestListFlatPrefersExtractor(t *testing.T) {
	api := &stubBackend{name: "api", entries: []FlatEntry{{ID: "from-api"}}}
	ext := &stubBackend{name: "ext", entries: []FlatEntry{{ID: "from-ext"}}}
	f, _ := New(api, ext, nil, time.Second)

	entries, err := f.ListFlat(context.Background(), &SourceInfo{Kind: model.SourceChannel})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "from-ext" {
		t.Errorf("entries = %+v, want extractor's", entries)
	}
	if api.count("list") != 0 {
		t.Error("API listing spent quota although extractor succeeded")
	}
}

func TestListFlatFallsBackToAPI(t *testing.T) {
	api := &stubBackend{name: "api", entries: []FlatEntry{{ID: "from-api"}}}
	ext := &stubBackend{name: "ext", failAll: errors.New("unable to extract data")}
	f, _ := New(api, ext, nil, time.Second)

	entries, err := f.ListFlat(context.Background(), &SourceInfo{Kind: model.SourceChannel})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "from-api" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDownloadCaptionExtractorOnly(t *testing.T) {
	api := &stubBackend{name: "api"}
	f, _ := New(api, nil, nil, time.Second)
	_, _, err := f.DownloadCaption(context.Background(), "v", "en")
	if err == nil {
		t.Fatal("caption download without extractor must fail")
	}
	if api.count("caption-dl") != 0 {
		t.Error("API must never be asked for caption downloads")
	}
}

func TestAPIErrorPreferredOverExtractorError(t *testing.T) {
	apiErr := faults.New(faults.KindAuth, errors.New("bad key"))
	api := &stubBackend{name: "api", failAll: apiErr}
	ext := &stubBackend{name: "ext", failAll: errors.New("unable to extract")}
	f, _ := New(api, ext, nil, time.Second)

	_, err := f.Comments(context.Background(), "v", 1, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if faults.KindOf(err) != faults.KindAuth {
		t.Errorf("kind = %s, want the API's classification", faults.KindOf(err))
	}
}
