package enumerate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/telemetry"
)

// CommandRunner executes the extractor binary. Tests swap it for a scripted
// runner.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// Extractor is the yt-dlp backend. It needs no credentials and no quota, but
// its records carry fewer attributes than the data API's; hits are
// rate-limited to stay polite.
type Extractor struct {
	bin     string
	run     CommandRunner
	limiter *rate.Limiter
}

// NewExtractor locates the binary (YTDLP_PATH overrides PATH lookup) and
// returns nil with an error when it is not installed.
func NewExtractor() (*Extractor, error) {
	bin := os.Getenv("YTDLP_PATH")
	if bin == "" {
		bin = "yt-dlp"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("extractor binary not found: %w", err)
	}
	return &Extractor{
		bin:     bin,
		run:     execCommand,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}, nil
}

// NewExtractorWithRunner is the test constructor: no PATH lookup, scripted
// execution, no rate limiting.
func NewExtractorWithRunner(run CommandRunner) *Extractor {
	return &Extractor{bin: "yt-dlp", run: run, limiter: rate.NewLimiter(rate.Inf, 1)}
}

func (e *Extractor) Name() string { return "extractor" }

func (e *Extractor) invoke(ctx context.Context, args ...string) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.run(ctx, e.bin, args...)
	if err != nil {
		return out, faults.New(faults.Classify(err), err)
	}
	return out, nil
}

// infoJSON is the subset of yt-dlp's JSON output the archiver reads.
type infoJSON struct {
	Type        string  `json:"_type"`
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ChannelID   string  `json:"channel_id"`
	Channel     string  `json:"channel"`
	Uploader    string  `json:"uploader"`
	UploaderID  string  `json:"uploader_id"`
	Timestamp   int64   `json:"timestamp"`
	UploadDate  string  `json:"upload_date"`
	Duration    float64 `json:"duration"`
	ViewCount   int64   `json:"view_count"`
	LikeCount   int64   `json:"like_count"`
	Thumbnail   string  `json:"thumbnail"`

	Tags         []string `json:"tags"`
	Categories   []string `json:"categories"`
	Language     string   `json:"language"`
	License      string   `json:"license"`
	Availability string   `json:"availability"`

	CommentCount int64 `json:"comment_count"`

	Subtitles    map[string][]subtitleJSON `json:"subtitles"`
	AutoCaptions map[string][]subtitleJSON `json:"automatic_captions"`

	Comments []commentJSON `json:"comments"`

	// playlist fields
	PlaylistCount  int    `json:"playlist_count"`
	ChannelFollows int64  `json:"channel_follower_count"`
	WebpageURL     string `json:"webpage_url"`
}

type subtitleJSON struct {
	Ext  string `json:"ext"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

type commentJSON struct {
	ID        string  `json:"id"`
	Parent    string  `json:"parent"`
	Text      string  `json:"text"`
	Author    string  `json:"author"`
	AuthorID  string  `json:"author_id"`
	Timestamp float64 `json:"timestamp"`
	LikeCount int64   `json:"like_count"`
}

// flatJSON is one line of --flat-playlist --dump-json output.
type flatJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// listURL derives the canonical listing URL for a resolved source.
func listURL(info *SourceInfo) (string, error) {
	switch {
	case info.Kind == model.SourcePlaylist && info.Playlist != nil:
		return "https://www.youtube.com/playlist?list=" + info.Playlist.ID, nil
	case info.Channel != nil:
		return "https://www.youtube.com/channel/" + info.Channel.ID + "/videos", nil
	}
	return "", faults.New(faults.KindRemoteUnavailable, fmt.Errorf("source has no listable url"))
}

// Resolve asks for a single flat record of the URL to learn what it is.
func (e *Extractor) Resolve(ctx context.Context, url string) (*SourceInfo, error) {
	ref, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ref.Kind == model.SourceAdHoc {
		return &SourceInfo{Kind: model.SourceAdHoc, VideoIDs: []string{ref.ID}}, nil
	}
	out, err := e.invoke(ctx, "-J", "--flat-playlist", "--playlist-items", "1", url)
	if err != nil {
		return nil, err
	}
	var info infoJSON
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, faults.New(faults.KindExtractorIncompatible, fmt.Errorf("parse extractor output: %w", err))
	}
	switch ref.Kind {
	case model.SourcePlaylist:
		pl := &model.Playlist{
			ID:          ref.ID,
			Title:       info.Title,
			Description: info.Description,
			ChannelID:   info.ChannelID,
			ChannelName: info.Channel,
			VideoCount:  info.PlaylistCount,
		}
		return &SourceInfo{Kind: model.SourcePlaylist, Playlist: pl}, nil
	default:
		ch := &model.Channel{
			ID:          info.ChannelID,
			Name:        info.Channel,
			Description: info.Description,
			Handle:      ref.Handle,
			Subscribers: info.ChannelFollows,
		}
		if ch.Name == "" {
			ch.Name = info.Uploader
		}
		if ch.ID == "" {
			ch.ID = ref.ID
		}
		return &SourceInfo{Kind: model.SourceChannel, Channel: ch}, nil
	}
}

// ListFlat runs the extractor's flat mode: one JSON object per line, no detail
// requests. This is the cheap enumeration path.
func (e *Extractor) ListFlat(ctx context.Context, info *SourceInfo) ([]FlatEntry, error) {
	if info.Kind == model.SourceAdHoc {
		out := make([]FlatEntry, len(info.VideoIDs))
		for i, id := range info.VideoIDs {
			out[i] = FlatEntry{ID: id, Position: i}
		}
		return out, nil
	}
	url, err := listURL(info)
	if err != nil {
		return nil, err
	}
	out, err := e.invoke(ctx, "--flat-playlist", "--dump-json", "--ignore-errors", url)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	var entries []FlatEntry
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f flatJSON
		if err := json.Unmarshal(line, &f); err != nil || f.ID == "" {
			continue
		}
		entry := FlatEntry{ID: f.ID, Title: f.Title, Position: len(entries)}
		if f.Timestamp > 0 {
			entry.Published = time.Unix(f.Timestamp, 0).UTC()
		}
		entries = append(entries, entry)
	}
	if telemetry.EnumerationPages != nil {
		telemetry.EnumerationPages.Inc()
	}
	return entries, sc.Err()
}

// DetailBatch fetches ids one at a time; the extractor has no batch endpoint.
// A per-id failure never aborts the rest of the chunk.
func (e *Extractor) DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error) {
	videos := make(map[string]*model.Video, len(ids))
	errs := map[string]error{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return videos, errs, ctx.Err()
		}
		info, err := e.dumpInfo(ctx, id, false)
		if err != nil {
			errs[id] = err
			continue
		}
		videos[id] = videoFromInfo(info)
	}
	return videos, errs, nil
}

func (e *Extractor) dumpInfo(ctx context.Context, videoID string, withComments bool) (*infoJSON, error) {
	args := []string{"--dump-json", "--no-warnings", "--skip-download"}
	if withComments {
		args = append(args, "--write-comments")
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)
	out, err := e.invoke(ctx, args...)
	if err != nil {
		return nil, err
	}
	var info infoJSON
	if err := json.Unmarshal(bytes.TrimSpace(out), &info); err != nil {
		return nil, faults.New(faults.KindExtractorIncompatible, fmt.Errorf("parse info for %s: %w", videoID, err))
	}
	return &info, nil
}

func videoFromInfo(info *infoJSON) *model.Video {
	v := &model.Video{
		ID:           info.ID,
		Title:        info.Title,
		Description:  info.Description,
		ChannelID:    info.ChannelID,
		ChannelName:  info.Channel,
		Duration:     int(info.Duration),
		ViewCount:    info.ViewCount,
		LikeCount:    info.LikeCount,
		CommentCount: info.CommentCount,
		ThumbnailURL: info.Thumbnail,
		Tags:         info.Tags,
		Categories:   info.Categories,
		Language:     info.Language,
		FetchedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if v.ChannelName == "" {
		v.ChannelName = info.Uploader
	}
	switch info.Timestamp {
	case 0:
		if t, err := time.Parse("20060102", info.UploadDate); err == nil {
			v.PublishedAt = t.UTC()
		}
	default:
		v.PublishedAt = time.Unix(info.Timestamp, 0).UTC()
	}
	if strings.Contains(info.License, "Creative Commons") {
		v.License = model.LicenseCC
	} else {
		v.License = model.LicenseStandard
	}
	switch info.Availability {
	case "private", "needs_auth":
		v.Privacy = model.PrivacyPrivate
		v.Availability = model.AvailPrivate
	case "unlisted":
		v.Privacy = model.PrivacyUnlisted
		v.Availability = model.AvailPublic
	default:
		v.Privacy = model.PrivacyPublic
		v.Availability = model.AvailPublic
	}
	langs := make([]string, 0, len(info.Subtitles))
	for lang := range info.Subtitles {
		langs = append(langs, lang)
	}
	v.SetCaptionLangs(langs)
	return v
}

// Comments reads the comments array from a --write-comments info dump. Depth
// and max are applied client-side; the extractor returns the full thread.
func (e *Extractor) Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error) {
	info, err := e.dumpInfo(ctx, videoID, true)
	if err != nil {
		return nil, err
	}
	flat := make([]model.Comment, 0, len(info.Comments))
	for _, c := range info.Comments {
		parent := c.Parent
		if parent == "root" {
			parent = ""
		} else if i := strings.IndexByte(parent, '.'); i >= 0 {
			// nested reply ids look like "root.child"; flatten to the root
			parent = parent[:i]
		}
		if parent != "" && depth <= 0 {
			continue
		}
		flat = append(flat, model.Comment{
			ID:              c.ID,
			VideoID:         videoID,
			ParentID:        parent,
			Author:          c.Author,
			AuthorChannelID: c.AuthorID,
			Text:            c.Text,
			LikeCount:       c.LikeCount,
			PublishedAt:     time.Unix(int64(c.Timestamp), 0).UTC(),
		})
		if max > 0 && len(flat) >= max {
			break
		}
	}
	return model.NestComments(flat), nil
}

// Captions lists both manual tracks and auto-generated ones.
func (e *Extractor) Captions(ctx context.Context, videoID string) ([]model.Caption, error) {
	info, err := e.dumpInfo(ctx, videoID, false)
	if err != nil {
		return nil, err
	}
	var out []model.Caption
	for lang, tracks := range info.Subtitles {
		out = append(out, captionTrack(videoID, lang, tracks, false))
	}
	for lang, tracks := range info.AutoCaptions {
		if _, manual := info.Subtitles[lang]; manual {
			continue
		}
		out = append(out, captionTrack(videoID, lang, tracks, true))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out, nil
}

func captionTrack(videoID, lang string, tracks []subtitleJSON, auto bool) model.Caption {
	c := model.Caption{VideoID: videoID, Language: lang, AutoGen: auto, Format: "vtt"}
	for _, t := range tracks {
		if t.Name != "" {
			c.Name = t.Name
		}
		if t.Ext == "vtt" {
			return c
		}
	}
	if len(tracks) > 0 {
		c.Format = tracks[len(tracks)-1].Ext
	}
	return c
}

// DownloadCaption fetches one track into a temp dir and returns its bytes.
func (e *Extractor) DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error) {
	track := model.Caption{VideoID: videoID, Language: lang, Format: "vtt", FetchedAt: time.Now().UTC()}
	tmp, err := os.MkdirTemp("", "captions-")
	if err != nil {
		return nil, track, faults.New(faults.KindFilesystem, err)
	}
	defer os.RemoveAll(tmp)
	_, err = e.invoke(ctx,
		"--skip-download",
		"--write-subs", "--write-auto-subs",
		"--sub-langs", lang,
		"--sub-format", "vtt",
		"-o", filepath.Join(tmp, "cap"),
		"https://www.youtube.com/watch?v="+videoID)
	if err != nil {
		return nil, track, err
	}
	matches, _ := filepath.Glob(filepath.Join(tmp, "cap*."+lang+"*"))
	if len(matches) == 0 {
		matches, _ = filepath.Glob(filepath.Join(tmp, "cap*"))
	}
	if len(matches) == 0 {
		return nil, track, faults.New(faults.KindRemoteUnavailable, fmt.Errorf("no %s caption track for %s", lang, videoID))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, track, faults.New(faults.KindFilesystem, err)
	}
	if ext := strings.TrimPrefix(filepath.Ext(matches[0]), "."); ext != "" {
		track.Format = ext
	}
	return data, track, nil
}

// progressRe matches yt-dlp's stderr progress lines, best effort.
var progressRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%.*?of\s+~?\s*([0-9.]+)([KMG]iB)`)

// DownloadVideo fetches the video binary to destPath with resume-friendly
// flags and a bounded retry loop. The stable output path lets a .part file
// survive restarts.
func (e *Extractor) DownloadVideo(ctx context.Context, videoID, destPath string) error {
	args := []string{
		"--continue",
		"--retries", "10",
		"--fragment-retries", "10",
		"--concurrent-fragments", "4",
		"-f", "bestvideo*+bestaudio/best",
		"--no-warnings",
		"-o", destPath,
		"https://www.youtube.com/watch?v=" + videoID,
	}

	policy := faults.DefaultBackoff()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			backoff := 2 * time.Second * time.Duration(1<<attempt)
			backoff += time.Duration(rand.Int63n(int64(2 * time.Second)))
			slog.Warn("retrying video download",
				slog.String("video_id", videoID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := e.run(ctx, e.bin, args...)
		if err == nil {
			if fi, serr := os.Stat(destPath); serr == nil {
				slog.Info("video downloaded",
					slog.String("video_id", videoID),
					slog.String("size", humanize.Bytes(uint64(fi.Size()))))
			}
			return nil
		}
		if m := progressRe.FindStringSubmatch(string(out)); m != nil {
			slog.Warn("download interrupted",
				slog.String("video_id", videoID),
				slog.String("progress", m[1]+"%"))
		}
		kind := faults.Classify(err)
		lastErr = faults.New(kind, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if policy.Decide(kind, attempt, 0).Type != faults.ActionRetry {
			return lastErr
		}
	}
	return lastErr
}
