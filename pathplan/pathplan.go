// Package pathplan renders on-disk locations for archived entities from the
// configured templates. Rendering is deterministic: the same video and the
// same organization settings always produce the same path, which is what lets
// rename detection work by re-rendering and comparing.
package pathplan

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/model"
)

// Top-level directories inside the archive.
const (
	VideosDir    = "videos"
	PlaylistsDir = "playlists"
	ChannelsDir  = "channels"
)

// Sidecar filenames inside entity directories.
const (
	MetadataFile = "metadata.json"
	CommentsFile = "comments.json"
	PlaylistFile = "playlist.json"
	ChannelFile  = "channel.json"
	ThumbnailExt = "jpg"
)

// maxPathBytes keeps every rendered path portable across filesystems.
const maxPathBytes = 255

// sidecarMargin reserves room for the longest sidecar name appended to a
// video directory ("/video.zh-Hant.vtt" and friends).
const sidecarMargin = 24

// reservedChars are stripped during sanitization.
const reservedChars = `<>:"/\|?*` + "\x00"

// Planner renders and compares entity paths.
type Planner struct {
	org config.Organization
}

// New builds a planner from the organization settings, filling the defaults
// for any zero fields so a partially-specified config stays usable.
func New(org config.Organization) *Planner {
	d := config.Default().Organization
	if org.VideoPath == "" {
		org.VideoPath = d.VideoPath
	}
	if org.VideoFilename == "" {
		org.VideoFilename = d.VideoFilename
	}
	if org.Separator == "" {
		org.Separator = d.Separator
	}
	if org.PlaylistIndexWidth == 0 {
		org.PlaylistIndexWidth = d.PlaylistIndexWidth
	}
	if org.PlaylistSeparator == "" {
		org.PlaylistSeparator = d.PlaylistSeparator
	}
	return &Planner{org: org}
}

// Sanitize collapses whitespace runs to the configured separator, strips
// filesystem-reserved characters, and optionally lowercases.
func (p *Planner) Sanitize(s string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			inSpace = true
		case strings.ContainsRune(reservedChars, r) || unicode.IsControl(r):
			// dropped
		default:
			if inSpace && b.Len() > 0 {
				b.WriteString(p.org.Separator)
			}
			inSpace = false
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".")
	if p.org.Lowercase {
		out = strings.ToLower(out)
	}
	return out
}

// fields expands one template placeholder for a video.
func (p *Planner) field(name string, v model.Video, playlistID string) (string, bool) {
	switch name {
	case "date":
		return v.PublishedAt.Format("2006-01-02"), true
	case "year":
		return v.PublishedAt.Format("2006"), true
	case "month":
		return v.PublishedAt.Format("01"), true
	case "video_id":
		return v.ID, true
	case "sanitized_title":
		return p.Sanitize(v.Title), true
	case "channel_id":
		return v.ChannelID, true
	case "channel_name":
		return p.Sanitize(v.ChannelName), true
	case "playlist_id":
		return playlistID, true
	}
	return "", false
}

// render expands {field} placeholders; unknown placeholders render empty.
func (p *Planner) render(template string, v model.Video, playlistID string) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+end]
		if val, ok := p.field(name, v, playlistID); ok {
			b.WriteString(val)
		}
		rest = rest[open+end+1:]
	}
	return b.String()
}

// VideoDir returns the video's directory relative to the archive root,
// truncating the sanitized title as needed to keep the whole path (plus the
// longest sidecar) under the byte budget.
func (p *Planner) VideoDir(v model.Video) string {
	rendered := p.render(p.org.VideoPath, v, "")
	rel := VideosDir + "/" + rendered
	over := len(rel) + sidecarMargin - maxPathBytes
	if over > 0 {
		title := p.Sanitize(v.Title)
		if title != "" && strings.Contains(rendered, title) {
			runes := []rune(title)
			for len(runes) > 0 && over > 0 {
				over -= len(string(runes[len(runes)-1]))
				runes = runes[:len(runes)-1]
			}
			short := strings.TrimRight(string(runes), p.org.Separator)
			rel = VideosDir + "/" + strings.Replace(rendered, title, short, 1)
		}
	}
	return rel
}

// VideoSlug is the final path element of the video directory, used for
// playlist entry names.
func (p *Planner) VideoSlug(v model.Video) string {
	dir := p.VideoDir(v)
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		return dir[i+1:]
	}
	return dir
}

// VideoFilename names the video binary inside the directory.
func (p *Planner) VideoFilename(ext string) string {
	return p.org.VideoFilename + "." + strings.TrimPrefix(ext, ".")
}

// ThumbnailFilename names the thumbnail sidecar; ext comes from the remote
// URL when recognizable.
func (p *Planner) ThumbnailFilename(ext string) string {
	if ext == "" {
		ext = ThumbnailExt
	}
	return "thumbnail." + strings.TrimPrefix(ext, ".")
}

// CaptionFilename names a caption sidecar for a language.
func (p *Planner) CaptionFilename(lang, format string) string {
	if format == "" {
		format = "vtt"
	}
	return p.org.VideoFilename + "." + lang + "." + format
}

// PlaylistDir returns the playlist's directory relative to the archive root.
func (p *Planner) PlaylistDir(playlistID string) string {
	return PlaylistsDir + "/" + playlistID
}

// ChannelDir returns the channel's directory relative to the archive root.
func (p *Planner) ChannelDir(channelID string) string {
	return ChannelsDir + "/" + channelID
}

// PlaylistEntry renders the ordered reference name inside a playlist
// directory: a fixed-width zero-padded 1-based index, the configured
// separator, then the video slug.
func (p *Planner) PlaylistEntry(index int, v model.Video) string {
	return fmt.Sprintf("%0*d%s%s", p.org.PlaylistIndexWidth, index, p.org.PlaylistSeparator, p.VideoSlug(v))
}

// EntryIndexWidth exposes the configured pad width (export needs it).
func (p *Planner) EntryIndexWidth() int { return p.org.PlaylistIndexWidth }

// DetectRename reports whether a recorded path differs from the expected one.
// The caller checks existence of the old path before scheduling the move.
func (p *Planner) DetectRename(recorded string, v model.Video) (newPath string, renamed bool) {
	expected := p.VideoDir(v)
	if recorded != "" && recorded != expected {
		return expected, true
	}
	return expected, false
}

// RelativeTarget computes the symlink target from inside a playlist directory
// to the canonical video directory (both relative to the archive root).
func RelativeTarget(fromDir, toDir string) string {
	depth := strings.Count(fromDir, "/") + 1
	return strings.Repeat("../", depth) + toDir
}
