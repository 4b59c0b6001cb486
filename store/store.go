// Package store adapts the version-controlled archive directory: git for text
// sidecars and git-annex for media blobs. All operations shell out to the git
// and git-annex CLIs; moves go through git mv so history records a rename, and
// commits are the unit of durability. Transient failures (lock contention,
// annex transfer hiccups) are retried a small number of times before the
// source is aborted.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/telemetry"
)

// Mode controls what AddURL does with the URL.
type Mode int

const (
	// Track registers the URL as the authoritative source without retrieving
	// bytes (git annex addurl --relaxed).
	Track Mode = iota
	// Fetch downloads the content now.
	Fetch
	// FastTrack registers without verifying the URL is reachable
	// (git annex addurl --fast).
	FastTrack
)

// Tracking says which backend holds a path's content.
type Tracking int

const (
	TrackingGit Tracking = iota
	TrackingAnnex
)

// annexExtensions routes media to the blob store; everything else stays
// directly in tree. The same rules are written to .gitattributes at init.
var annexExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".m4a": true, ".mp3": true,
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// Runner executes one external command in dir and returns combined output.
// Swapped for a scripted runner in tests.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Store is the adapter handle for one archive directory.
type Store struct {
	Dir string

	run         Runner
	retries     int
	retryDelay  time.Duration
	annexUsable bool
}

// New opens the adapter over an existing archive directory.
func New(dir string) *Store {
	return &Store{Dir: dir, run: execRunner, retries: 3, retryDelay: 2 * time.Second, annexUsable: true}
}

// NewWithRunner is the test seam.
func NewWithRunner(dir string, run Runner) *Store {
	return &Store{Dir: dir, run: run, retries: 3, retryDelay: time.Millisecond, annexUsable: true}
}

// QueryTracking decides by extension which backend a path belongs to.
func (s *Store) QueryTracking(relpath string) Tracking {
	if annexExtensions[strings.ToLower(filepath.Ext(relpath))] {
		return TrackingAnnex
	}
	return TrackingGit
}

// git runs one git/git-annex command with transient-error retries.
func (s *Store) git(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	var out []byte
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay << uint(attempt-1)):
			}
		}
		var err error
		out, err = s.run(ctx, s.Dir, "git", args...)
		label := args[0]
		if label == "annex" && len(args) > 1 {
			label = "annex-" + args[1]
		}
		if err == nil {
			telemetry.ObserveStoreCommand(label, "ok")
			return out, nil
		}
		telemetry.ObserveStoreCommand(label, "error")
		lastErr = fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		kind := faults.Classify(lastErr)
		if kind != faults.KindStoreTransient && kind != faults.KindTransient {
			return out, faults.New(kind, lastErr)
		}
		slog.Warn("store command retry", slog.String("args", strings.Join(args, " ")), slog.Int("attempt", attempt), slog.Any("err", err))
	}
	return out, faults.New(faults.KindStoreTransient, lastErr)
}

// WriteFile writes bytes under the archive and stages the path. Parent
// directories are created as needed.
func (s *Store) WriteFile(ctx context.Context, relpath string, data []byte) error {
	abs := filepath.Join(s.Dir, filepath.FromSlash(relpath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	return s.AddFile(ctx, relpath)
}

// AddFile stages an existing file. Annex-routed paths go through git annex
// add (which honors the largefiles rules); text goes through git add.
func (s *Store) AddFile(ctx context.Context, relpath string) error {
	if s.QueryTracking(relpath) == TrackingAnnex && s.annexUsable {
		if _, err := s.git(ctx, "annex", "add", "--", relpath); err == nil {
			return nil
		}
		// Degrade to plain git when annex is missing; the file is still
		// archived, just not in the blob store.
		s.annexUsable = false
		slog.Warn("git-annex unavailable, falling back to plain git add", slog.String("path", relpath))
	}
	_, err := s.git(ctx, "add", "--", relpath)
	return err
}

// AddURL registers url as the content of relpath according to mode.
func (s *Store) AddURL(ctx context.Context, relpath, url string, mode Mode) error {
	if !s.annexUsable {
		return faults.New(faults.KindStoreFatal, fmt.Errorf("git-annex required for addurl %s", relpath))
	}
	args := []string{"annex", "addurl"}
	switch mode {
	case Track:
		args = append(args, "--relaxed")
	case FastTrack:
		args = append(args, "--fast")
	case Fetch:
		// plain addurl downloads now
	}
	args = append(args, "--file", relpath, url)
	_, err := s.git(ctx, args...)
	return err
}

// SetMetadata attaches key/value metadata to an annexed blob.
func (s *Store) SetMetadata(ctx context.Context, relpath string, kv map[string]string) error {
	if len(kv) == 0 || !s.annexUsable {
		return nil
	}
	args := []string{"annex", "metadata"}
	for k, v := range kv {
		args = append(args, "-s", k+"="+v)
	}
	args = append(args, "--", relpath)
	_, err := s.git(ctx, args...)
	return err
}

// Move renames a path preserving provenance: a single git mv recorded as a
// rename in history, never delete+add.
func (s *Store) Move(ctx context.Context, oldRel, newRel string) error {
	abs := filepath.Join(s.Dir, filepath.FromSlash(newRel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	if _, err := s.git(ctx, "mv", "--", oldRel, newRel); err != nil {
		return err
	}
	telemetry.IncRenames()
	return nil
}

// Symlink creates (or replaces) a relative symlink inside the archive and
// stages it. Used for playlist entries pointing at canonical video dirs.
func (s *Store) Symlink(ctx context.Context, target, linkRel string) error {
	abs := filepath.Join(s.Dir, filepath.FromSlash(linkRel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return faults.New(faults.KindFilesystem, err)
	}
	if err := os.Symlink(target, abs); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	_, err := s.git(ctx, "add", "--", linkRel)
	return err
}

// Remove deletes a staged path (git rm keeps the deletion in one commit).
func (s *Store) Remove(ctx context.Context, relpath string) error {
	_, err := s.git(ctx, "rm", "-r", "--ignore-unmatch", "--", relpath)
	return err
}

// Commit stages everything outstanding and commits. An empty index is not an
// error: the commit is simply skipped.
func (s *Store) Commit(ctx context.Context, message string) error {
	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return err
	}
	out, err := s.run(ctx, s.Dir, "git", "commit", "-m", message)
	if err != nil {
		text := string(out)
		if strings.Contains(text, "nothing to commit") || strings.Contains(text, "nothing added to commit") {
			return nil
		}
		kind := faults.Classify(fmt.Errorf("%s: %s", err, text))
		telemetry.ObserveStoreCommand("commit", "error")
		return faults.New(kind, fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(text)))
	}
	telemetry.ObserveStoreCommand("commit", "ok")
	return nil
}

// Exists reports whether a path is present in the working tree.
func (s *Store) Exists(relpath string) bool {
	_, err := os.Lstat(filepath.Join(s.Dir, filepath.FromSlash(relpath)))
	return err == nil
}

// attributesFile routes sidecars into git and media into the annex.
const attributesFile = `* annex.largefiles=((mimeencoding=binary)and(largerthan=100kb))
*.json annex.largefiles=nothing
*.tsv annex.largefiles=nothing
*.vtt annex.largefiles=nothing
*.srt annex.largefiles=nothing
*.md annex.largefiles=nothing
*.toml annex.largefiles=nothing
*.mp4 annex.largefiles=anything
*.mkv annex.largefiles=anything
*.webm annex.largefiles=anything
*.jpg annex.largefiles=anything
*.jpeg annex.largefiles=anything
*.png annex.largefiles=anything
`

// InitRepo bootstraps the content repository in dir: git init, best-effort
// git annex init, and the largefiles routing rules.
func InitRepo(ctx context.Context, dir string, run Runner) error {
	if run == nil {
		run = execRunner
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	if out, err := run(ctx, dir, "git", "init"); err != nil {
		return faults.New(faults.KindStoreFatal, fmt.Errorf("git init: %w: %s", err, strings.TrimSpace(string(out))))
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitattributes"), []byte(attributesFile), 0o644); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	if out, err := run(ctx, dir, "git", "annex", "init", "tubevault"); err != nil {
		// The archive still works without annex; media falls back to git.
		slog.Warn("git annex init failed, media will be stored in plain git",
			slog.String("detail", strings.TrimSpace(string(out))), slog.Any("err", err))
	}
	return nil
}
