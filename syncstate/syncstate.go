// Package syncstate is the single mutable durable document the pipeline keeps
// outside the content files: per-source progress and a per-video ledger.
// Every update is written atomically (temp file + rename) so a crash at any
// point leaves the last completed update on disk. Unknown top-level fields in
// the document are preserved across load/save for forward compatibility.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/onnwee/tubevault/model"
)

// Path of the state document relative to the archive root.
const Path = ".sync/state.json"

// SourceStatus is the per-source state machine: active -> error on failure,
// error -> active on a successful pass, active <-> paused under user control.
type SourceStatus string

const (
	StatusActive SourceStatus = "active"
	StatusError  SourceStatus = "error"
	StatusPaused SourceStatus = "paused"
)

// SourceState is the durable record for one configured source URL.
type SourceState struct {
	URL              string       `json:"url"`
	LastSync         time.Time    `json:"last_sync,omitempty"`
	LastVideoID      string       `json:"last_video_id,omitempty"`
	ErrorCount       int          `json:"error_count,omitempty"`
	NextRetry        time.Time    `json:"next_retry,omitempty"`
	Status           SourceStatus `json:"status,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	VideosTracked    int          `json:"videos_tracked,omitempty"`
	VideosDownloaded int          `json:"videos_downloaded,omitempty"`
}

// VideoState is the per-video ledger entry.
type VideoState struct {
	Availability model.Availability   `json:"availability,omitempty"`
	Download     model.DownloadStatus `json:"download_status,omitempty"`
	// Path is the directory recorded at last materialization, relative to the
	// archive root; the planner compares it against the expected path to
	// detect renames.
	Path string `json:"path,omitempty"`
	// Fetched holds the last successful fetch time per component.
	Fetched map[model.Component]time.Time `json:"fetched,omitempty"`
	// Sources lists every source URL that referenced this id (first one wins
	// ownership; the rest are back-references).
	Sources []string `json:"sources,omitempty"`
	// CommentCount and CaptionLangs snapshot the values seen at last detail
	// fetch, for delta detection.
	CommentCount int64    `json:"comment_count,omitempty"`
	CaptionLangs []string `json:"caption_langs,omitempty"`
	UpdateCount  int      `json:"update_count,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

// ComponentFetched reports whether the component ever completed.
func (v *VideoState) ComponentFetched(c model.Component) bool {
	if v == nil || v.Fetched == nil {
		return false
	}
	return !v.Fetched[c].IsZero()
}

// document is the on-disk shape. Extra captures top-level keys written by
// newer versions so they survive a round-trip.
type document struct {
	Sources map[string]*SourceState `json:"sources"`
	Videos  map[string]*VideoState  `json:"videos"`
	Extra   map[string]json.RawMessage
}

func (d *document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	srcs, err := json.Marshal(d.Sources)
	if err != nil {
		return nil, err
	}
	vids, err := json.Marshal(d.Videos)
	if err != nil {
		return nil, err
	}
	out["sources"] = srcs
	out["videos"] = vids
	return json.Marshal(out)
}

func (d *document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		switch k {
		case "sources":
			if err := json.Unmarshal(v, &d.Sources); err != nil {
				return err
			}
		case "videos":
			if err := json.Unmarshal(v, &d.Videos); err != nil {
				return err
			}
		default:
			d.Extra[k] = v
		}
	}
	return nil
}

// Store is the single-writer handle. Readers get snapshot copies; no mutation
// is durable (or visible to a restarted process) until the atomic save that
// every Update* performs.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Load opens (or creates in memory) the state document for an archive dir.
func Load(dir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dir, filepath.FromSlash(Path)),
		doc: document{
			Sources: map[string]*SourceState{},
			Videos:  map[string]*VideoState{},
			Extra:   map[string]json.RawMessage{},
		},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse sync state %s: %w", s.path, err)
	}
	if s.doc.Sources == nil {
		s.doc.Sources = map[string]*SourceState{}
	}
	if s.doc.Videos == nil {
		s.doc.Videos = map[string]*VideoState{}
	}
	return s, nil
}

// Save writes the document atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir sync dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}

// UpdateSource applies fn to the source record (created on first touch) and
// persists immediately.
func (s *Store) UpdateSource(url string, fn func(*SourceState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.doc.Sources[url]
	if st == nil {
		st = &SourceState{URL: url, Status: StatusActive}
		s.doc.Sources[url] = st
	}
	fn(st)
	return s.saveLocked()
}

// UpdateVideo applies fn to the video ledger entry (created on first touch)
// and persists immediately.
func (s *Store) UpdateVideo(id string, fn func(*VideoState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.doc.Videos[id]
	if st == nil {
		st = &VideoState{Fetched: map[model.Component]time.Time{}}
		s.doc.Videos[id] = st
	}
	if st.Fetched == nil {
		st.Fetched = map[model.Component]time.Time{}
	}
	fn(st)
	return s.saveLocked()
}

// Source returns a snapshot copy of the source record, or nil.
func (s *Store) Source(url string) *SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.doc.Sources[url]
	if st == nil {
		return nil
	}
	cp := *st
	return &cp
}

// Video returns a snapshot copy of the video record, or nil.
func (s *Store) Video(id string) *VideoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.doc.Videos[id]
	if st == nil {
		return nil
	}
	cp := *st
	cp.Fetched = make(map[model.Component]time.Time, len(st.Fetched))
	for k, v := range st.Fetched {
		cp.Fetched[k] = v
	}
	cp.Sources = append([]string(nil), st.Sources...)
	cp.CaptionLangs = append([]string(nil), st.CaptionLangs...)
	return &cp
}

// KnownUnavailable returns the ids whose availability is terminal. These get
// zero detail-fetch calls on incremental runs.
func (s *Store) KnownUnavailable() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for id, st := range s.doc.Videos {
		if st.Availability.Terminal() {
			out[id] = true
		}
	}
	return out
}

// LastSync for a source URL (zero time when never synced).
func (s *Store) LastSync(url string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.doc.Sources[url]; st != nil {
		return st.LastSync
	}
	return time.Time{}
}

// SetLastSync stamps a source and persists.
func (s *Store) SetLastSync(url string, t time.Time) error {
	return s.UpdateSource(url, func(st *SourceState) { st.LastSync = t })
}

// MarkSourceError increments the monotonic error counter and flips the state
// machine to error.
func (s *Store) MarkSourceError(url string, err error, nextRetry time.Time) error {
	return s.UpdateSource(url, func(st *SourceState) {
		st.ErrorCount++
		st.Status = StatusError
		st.NextRetry = nextRetry
		if err != nil {
			st.LastError = err.Error()
		}
	})
}

// MarkSourceOK resets the error counter after a successful pass.
func (s *Store) MarkSourceOK(url string) error {
	return s.UpdateSource(url, func(st *SourceState) {
		st.ErrorCount = 0
		st.Status = StatusActive
		st.NextRetry = time.Time{}
		st.LastError = ""
	})
}

// AddSourceRef records that url referenced video id, preserving first-source
// ownership; returns true if this was the first reference.
func (s *Store) AddSourceRef(id, url string) (first bool, err error) {
	err = s.UpdateVideo(id, func(st *VideoState) {
		for _, u := range st.Sources {
			if u == url {
				first = st.Sources[0] == url
				return
			}
		}
		first = len(st.Sources) == 0
		st.Sources = append(st.Sources, url)
	})
	return first, err
}

// VideoIDs returns all ledger keys (for export and resume bookkeeping).
func (s *Store) VideoIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.doc.Videos))
	for id := range s.doc.Videos {
		out = append(out, id)
	}
	return out
}
