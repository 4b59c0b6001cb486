// Package testutil provides the shared test doubles: a scripted enumerator
// backend, a scripted command runner for the content store, and a temp
// archive helper.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/tubevault/enumerate"
	"github.com/onnwee/tubevault/model"
)

// FakeBackend is a scripted enumerate.Backend. Populate the maps, then hand
// it to enumerate.New. Errors trump data for the same key.
type FakeBackend struct {
	BackendName string

	SourceInfo  *enumerate.SourceInfo
	ResolveErr  error
	FlatEntries []enumerate.FlatEntry
	ListErr     error

	Videos    map[string]*model.Video
	DetailErr map[string]error
	// BatchErr fails the whole DetailBatch call.
	BatchErr error

	CommentsByID map[string][]model.Comment
	CommentsErr  error
	CaptionsByID map[string][]model.Caption
	CaptionsErr  error
	CaptionData  map[string][]byte // key: videoID+"/"+lang

	mu    sync.Mutex
	Calls []string
}

func (f *FakeBackend) Name() string {
	if f.BackendName == "" {
		return "fake"
	}
	return f.BackendName
}

func (f *FakeBackend) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallCount returns how many recorded calls have the given prefix.
func (f *FakeBackend) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *FakeBackend) Resolve(ctx context.Context, url string) (*enumerate.SourceInfo, error) {
	f.record("resolve %s", url)
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	return f.SourceInfo, nil
}

func (f *FakeBackend) ListFlat(ctx context.Context, info *enumerate.SourceInfo) ([]enumerate.FlatEntry, error) {
	f.record("list")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.FlatEntries, nil
}

func (f *FakeBackend) DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error) {
	f.record("detail %s", strings.Join(ids, ","))
	if f.BatchErr != nil {
		return nil, nil, f.BatchErr
	}
	videos := map[string]*model.Video{}
	errs := map[string]error{}
	for _, id := range ids {
		if err := f.DetailErr[id]; err != nil {
			errs[id] = err
			continue
		}
		if v := f.Videos[id]; v != nil {
			cp := *v
			videos[id] = &cp
		}
	}
	return videos, errs, nil
}

func (f *FakeBackend) Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error) {
	f.record("comments %s", videoID)
	if f.CommentsErr != nil {
		return nil, f.CommentsErr
	}
	return f.CommentsByID[videoID], nil
}

func (f *FakeBackend) Captions(ctx context.Context, videoID string) ([]model.Caption, error) {
	f.record("captions %s", videoID)
	if f.CaptionsErr != nil {
		return nil, f.CaptionsErr
	}
	return f.CaptionsByID[videoID], nil
}

func (f *FakeBackend) DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error) {
	f.record("caption-dl %s/%s", videoID, lang)
	track := model.Caption{VideoID: videoID, Language: lang, Format: "vtt", FetchedAt: time.Now().UTC()}
	if data, ok := f.CaptionData[videoID+"/"+lang]; ok {
		return data, track, nil
	}
	return []byte("WEBVTT\n"), track, nil
}

// ScriptedRunner fakes the git/git-annex CLI for the content store. By default
// every command succeeds; Fail scripts errors by command prefix (first match
// wins, consumed once when Once).
type ScriptedRunner struct {
	mu       sync.Mutex
	Commands []string
	failures []scriptedFailure
}

type scriptedFailure struct {
	prefix string
	err    error
	once   bool
	used   bool
}

// Fail makes commands whose joined form starts with prefix return err.
func (s *ScriptedRunner) Fail(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, scriptedFailure{prefix: prefix, err: err})
}

// FailOnce scripts a single failure, then the command succeeds.
func (s *ScriptedRunner) FailOnce(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, scriptedFailure{prefix: prefix, err: err, once: true})
}

// Run is the store.Runner implementation.
func (s *ScriptedRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	s.mu.Lock()
	s.Commands = append(s.Commands, joined)
	for i := range s.failures {
		f := &s.failures[i]
		if f.used || !strings.HasPrefix(joined, f.prefix) {
			continue
		}
		if f.once {
			f.used = true
		}
		err := f.err
		s.mu.Unlock()
		return []byte(err.Error()), err
	}
	s.mu.Unlock()
	return nil, nil
}

// CommandCount returns how many executed commands have the given prefix.
func (s *ScriptedRunner) CommandCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// TempArchive creates an archive directory with a minimal config.toml.
func TempArchive(t *testing.T, configTOML string) string {
	t.Helper()
	dir := t.TempDir()
	if configTOML != "" {
		if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(configTOML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return dir
}
