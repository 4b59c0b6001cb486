// Package export flattens the archived JSON entities into TSV tables for
// spreadsheet and SQL import. Escaping is reversible (backslash escapes are
// applied before the character escapes, and undone in the opposite order) and
// row ordering is deterministic, so re-exporting an unchanged archive yields
// byte-identical files.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/pathplan"
)

// Escape makes a field safe for one TSV cell. Backslash must be escaped
// first; otherwise unescaping could not tell a literal "\t" sequence from an
// escaped tab.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

// Unescape reverses Escape.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// ReadTable parses a TSV stream back into header and rows, unescaping every
// cell. Used by tests and downstream tooling.
func ReadTable(r io.Reader) (header []string, rows [][]string, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := strings.Split(sc.Text(), "\t")
		cells := make([]string, len(raw))
		for i, c := range raw {
			cells[i] = Unescape(c)
		}
		if header == nil {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	return header, rows, sc.Err()
}

// Exporter walks the archive and writes the tables.
type Exporter struct {
	Root string
}

func New(root string) *Exporter { return &Exporter{Root: root} }

// Export writes the summary tables at the archive root and a caption manifest
// inside each video directory that has caption sidecars. channels.tsv is only
// written when the archive holds more than one channel.
func (e *Exporter) Export(ctx context.Context) error {
	videos, captions, err := e.collectVideos(ctx)
	if err != nil {
		return err
	}
	playlists, err := e.collectPlaylists()
	if err != nil {
		return err
	}
	channels, err := e.collectChannels()
	if err != nil {
		return err
	}
	authors, err := e.collectAuthors(ctx, videos)
	if err != nil {
		return err
	}

	if err := e.writeVideos(filepath.Join(e.Root, "videos.tsv"), videos); err != nil {
		return err
	}
	if err := e.writePlaylists(filepath.Join(e.Root, "playlists.tsv"), playlists); err != nil {
		return err
	}
	if err := e.writeAuthors(filepath.Join(e.Root, "authors.tsv"), authors); err != nil {
		return err
	}
	if err := e.writeCaptionManifests(captions); err != nil {
		return err
	}
	if len(channels) > 1 {
		if err := e.writeChannels(filepath.Join(e.Root, "channels.tsv"), channels); err != nil {
			return err
		}
	}
	slog.Info("export complete",
		slog.Int("videos", len(videos)),
		slog.Int("playlists", len(playlists)),
		slog.Int("channels", len(channels)),
		slog.Int("authors", len(authors)))
	return nil
}

// videoRecord pairs a loaded video with where it was found.
type videoRecord struct {
	model.Video
	Dir string
}

// captionRecord is one caption sidecar discovered next to a video.
type captionRecord struct {
	VideoID  string
	Language string
	Format   string
	Path     string
	Dir      string
}

func (e *Exporter) collectVideos(ctx context.Context) ([]videoRecord, []captionRecord, error) {
	var videos []videoRecord
	var captions []captionRecord
	root := filepath.Join(e.Root, pathplan.VideosDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() != pathplan.MetadataFile {
			return nil
		}
		var v model.Video
		if derr := decodeJSON(path, &v); derr != nil {
			slog.Warn("skipping unreadable metadata", slog.String("path", path), slog.Any("err", derr))
			return nil
		}
		dir := filepath.Dir(path)
		rel, _ := filepath.Rel(e.Root, dir)
		videos = append(videos, videoRecord{Video: v, Dir: rel})
		entries, derr := os.ReadDir(dir)
		if derr != nil {
			return derr
		}
		for _, ent := range entries {
			if lang, format, ok := captionName(ent.Name()); ok {
				captions = append(captions, captionRecord{
					VideoID:  v.ID,
					Language: lang,
					Format:   format,
					Path:     filepath.Join(rel, ent.Name()),
					Dir:      rel,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(videos, func(i, j int) bool {
		if !videos[i].PublishedAt.Equal(videos[j].PublishedAt) {
			return videos[i].PublishedAt.Before(videos[j].PublishedAt)
		}
		return videos[i].ID < videos[j].ID
	})
	sort.Slice(captions, func(i, j int) bool {
		if captions[i].VideoID != captions[j].VideoID {
			return captions[i].VideoID < captions[j].VideoID
		}
		return captions[i].Language < captions[j].Language
	})
	return videos, captions, nil
}

// captionName recognizes "<base>.<lang>.<vtt|srt>" sidecars.
func captionName(name string) (lang, format string, ok bool) {
	ext := filepath.Ext(name)
	if ext != ".vtt" && ext != ".srt" {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, ext)
	inner := filepath.Ext(stem)
	if inner == "" || inner == "." {
		return "", "", false
	}
	return strings.TrimPrefix(inner, "."), strings.TrimPrefix(ext, "."), true
}

func (e *Exporter) collectPlaylists() ([]model.Playlist, error) {
	var out []model.Playlist
	dir := filepath.Join(e.Root, pathplan.PlaylistsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		var pl model.Playlist
		path := filepath.Join(dir, ent.Name(), pathplan.PlaylistFile)
		if err := decodeJSON(path, &pl); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			slog.Warn("skipping unreadable playlist", slog.String("path", path), slog.Any("err", err))
			continue
		}
		out = append(out, pl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Exporter) collectChannels() ([]model.Channel, error) {
	var out []model.Channel
	dir := filepath.Join(e.Root, pathplan.ChannelsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		var ch model.Channel
		path := filepath.Join(dir, ent.Name(), pathplan.ChannelFile)
		if err := decodeJSON(path, &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// author aggregates one commenter across the archive.
type author struct {
	ChannelID string
	Name      string
	Comments  int64
}

func (e *Exporter) collectAuthors(ctx context.Context, videos []videoRecord) ([]author, error) {
	agg := map[string]*author{}
	for _, v := range videos {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		path := filepath.Join(e.Root, v.Dir, pathplan.CommentsFile)
		var comments []model.Comment
		if err := decodeJSON(path, &comments); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			slog.Warn("skipping unreadable comments", slog.String("path", path), slog.Any("err", err))
			continue
		}
		var walk func([]model.Comment)
		walk = func(cs []model.Comment) {
			for _, c := range cs {
				key := c.AuthorChannelID
				if key == "" {
					key = "name:" + c.Author
				}
				a := agg[key]
				if a == nil {
					a = &author{ChannelID: c.AuthorChannelID, Name: c.Author}
					agg[key] = a
				}
				a.Comments++
				walk(c.Replies)
			}
		}
		walk(comments)
	}
	out := make([]author, 0, len(agg))
	for _, a := range agg {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func decodeJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// writeTable renders header+rows atomically enough for export purposes: a
// temp file in the same directory, renamed into place.
func writeTable(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tsv-")
	if err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	writeRow := func(cells []string) {
		for i, c := range cells {
			if i > 0 {
				w.WriteByte('\t')
			}
			w.WriteString(Escape(c))
		}
		w.WriteByte('\n')
	}
	writeRow(header)
	for _, row := range rows {
		if len(row) != len(header) {
			tmp.Close()
			return fmt.Errorf("tsv row has %d cells, header has %d", len(row), len(header))
		}
		writeRow(row)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return faults.New(faults.KindFilesystem, err)
	}
	if err := tmp.Close(); err != nil {
		return faults.New(faults.KindFilesystem, err)
	}
	return os.Rename(tmp.Name(), path)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Column order contract for every table: title (or name) first, the record's
// id last, so downstream tools can rely on the first and last cells.
func (e *Exporter) writeVideos(path string, videos []videoRecord) error {
	header := []string{
		"title", "channel_name", "published_at",
		"duration_seconds", "view_count", "like_count", "comment_count",
		"license", "privacy", "availability", "language", "tags",
		"caption_languages", "download_status", "path", "channel_id", "video_id",
	}
	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		rows = append(rows, []string{
			v.Title, v.ChannelName, formatTime(v.PublishedAt),
			strconv.Itoa(v.Duration),
			strconv.FormatInt(v.ViewCount, 10),
			strconv.FormatInt(v.LikeCount, 10),
			strconv.FormatInt(v.CommentCount, 10),
			string(v.License), string(v.Privacy), string(v.Availability),
			v.Language,
			strings.Join(v.Tags, ","),
			strings.Join(v.CaptionLangs, ","),
			string(v.Download),
			v.Dir,
			v.ChannelID,
			v.ID,
		})
	}
	return writeTable(path, header, rows)
}

func (e *Exporter) writePlaylists(path string, playlists []model.Playlist) error {
	header := []string{"title", "channel_name", "video_count", "video_ids", "published_at", "channel_id", "playlist_id"}
	rows := make([][]string, 0, len(playlists))
	for _, pl := range playlists {
		rows = append(rows, []string{
			pl.Title, pl.ChannelName,
			strconv.Itoa(pl.VideoCount),
			strings.Join(pl.VideoIDs, ","),
			formatTime(pl.PublishedAt),
			pl.ChannelID,
			pl.ID,
		})
	}
	return writeTable(path, header, rows)
}

func (e *Exporter) writeAuthors(path string, authors []author) error {
	header := []string{"author_name", "comment_count", "author_channel_id"}
	rows := make([][]string, 0, len(authors))
	for _, a := range authors {
		rows = append(rows, []string{a.Name, strconv.FormatInt(a.Comments, 10), a.ChannelID})
	}
	return writeTable(path, header, rows)
}

// writeCaptionManifests emits one captions.tsv per video directory, listing
// the language files present next to it.
func (e *Exporter) writeCaptionManifests(captions []captionRecord) error {
	header := []string{"language", "format", "path", "video_id"}
	rowsByDir := map[string][][]string{}
	for _, c := range captions {
		rowsByDir[c.Dir] = append(rowsByDir[c.Dir], []string{c.Language, c.Format, c.Path, c.VideoID})
	}
	for dir, rows := range rowsByDir {
		if err := writeTable(filepath.Join(e.Root, dir, "captions.tsv"), header, rows); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeChannels(path string, channels []model.Channel) error {
	header := []string{"name", "handle", "subscriber_count", "video_count", "created_at", "channel_id"}
	rows := make([][]string, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, []string{
			ch.Name, ch.Handle,
			strconv.FormatInt(ch.Subscribers, 10),
			strconv.FormatInt(ch.VideoCount, 10),
			formatTime(ch.CreatedAt),
			ch.ID,
		})
	}
	return writeTable(path, header, rows)
}
