package syncstate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/tubevault/model"
)

func TestLoadEmptyDir(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Video("none") != nil || s.Source("none") != nil {
		t.Error("fresh store should have no records")
	}
}

func TestUpdatePersistsImmediately(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpdateVideo("vid1", func(st *VideoState) {
		st.Availability = model.AvailPublic
		st.Path = "videos/2024-01-01_vid1"
		st.Fetched[model.ComponentMetadata] = time.Now().UTC()
	})
	if err != nil {
		t.Fatal(err)
	}

	// a second handle sees the write: durability is per-update
	s2, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	st := s2.Video("vid1")
	if st == nil || st.Path != "videos/2024-01-01_vid1" {
		t.Fatalf("reloaded state missing: %+v", st)
	}
	if !st.ComponentFetched(model.ComponentMetadata) {
		t.Error("fetched map lost in round trip")
	}
}

func TestUnknownTopLevelKeysSurvive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, filepath.FromSlash(Path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"sources":{},"videos":{},"future_section":{"keep":"me"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["future_section"]; !ok {
		t.Error("unknown top-level key dropped on save")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s, _ := Load(t.TempDir())
	_ = s.UpdateVideo("v", func(st *VideoState) {
		st.Sources = []string{"url1"}
		st.CaptionLangs = []string{"en"}
	})
	snap := s.Video("v")
	snap.Sources[0] = "mutated"
	snap.CaptionLangs[0] = "mutated"
	snap.Fetched[model.ComponentVideo] = time.Now()

	fresh := s.Video("v")
	if fresh.Sources[0] != "url1" || fresh.CaptionLangs[0] != "en" {
		t.Error("snapshot mutation leaked into store")
	}
	if fresh.ComponentFetched(model.ComponentVideo) {
		t.Error("snapshot map shared with store")
	}
}

func TestAddSourceRef(t *testing.T) {
	s, _ := Load(t.TempDir())
	first, err := s.AddSourceRef("v", "urlA")
	if err != nil || !first {
		t.Fatalf("first ref: first=%v err=%v", first, err)
	}
	first, err = s.AddSourceRef("v", "urlB")
	if err != nil || first {
		t.Fatalf("second ref should not be first: first=%v err=%v", first, err)
	}
	// re-adding the owner still reports ownership
	first, err = s.AddSourceRef("v", "urlA")
	if err != nil || !first {
		t.Fatalf("owner re-add: first=%v err=%v", first, err)
	}
	st := s.Video("v")
	if len(st.Sources) != 2 {
		t.Errorf("sources = %v, want 2 distinct", st.Sources)
	}
}

func TestKnownUnavailable(t *testing.T) {
	s, _ := Load(t.TempDir())
	_ = s.UpdateVideo("gone", func(st *VideoState) { st.Availability = model.AvailRemoved })
	_ = s.UpdateVideo("here", func(st *VideoState) { st.Availability = model.AvailPublic })
	_ = s.UpdateVideo("hidden", func(st *VideoState) { st.Availability = model.AvailPrivate })

	got := s.KnownUnavailable()
	if !got["gone"] || !got["hidden"] || got["here"] {
		t.Errorf("KnownUnavailable = %v", got)
	}
}

func TestSourceErrorStateMachine(t *testing.T) {
	s, _ := Load(t.TempDir())
	url := "https://www.youtube.com/@x"
	retry := time.Now().Add(time.Hour)

	_ = s.MarkSourceError(url, errors.New("boom"), retry)
	_ = s.MarkSourceError(url, errors.New("boom again"), retry)
	st := s.Source(url)
	if st.ErrorCount != 2 || st.Status != StatusError || st.LastError != "boom again" {
		t.Errorf("after errors: %+v", st)
	}

	_ = s.MarkSourceOK(url)
	st = s.Source(url)
	if st.ErrorCount != 0 || st.Status != StatusActive || st.LastError != "" || !st.NextRetry.IsZero() {
		t.Errorf("after ok: %+v", st)
	}
}

func TestLastSync(t *testing.T) {
	s, _ := Load(t.TempDir())
	url := "u"
	if !s.LastSync(url).IsZero() {
		t.Error("unseen source should have zero last sync")
	}
	now := time.Now().UTC().Truncate(time.Second)
	_ = s.SetLastSync(url, now)
	if !s.LastSync(url).Equal(now) {
		t.Errorf("LastSync = %s, want %s", s.LastSync(url), now)
	}
}

func TestCorruptStateFailsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, filepath.FromSlash(Path))
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte("{truncated"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("corrupt document must fail load, not silently reset")
	}
}
