// Package model holds the core entities shared across the archiver: sources,
// channels, videos, playlists, captions and comments. Everything here is a
// plain serializable record; identifiers assigned by the remote service are
// authoritative and used as join keys throughout.
package model

import (
	"sort"
	"time"
)

// SourceKind describes what a configured source points at.
type SourceKind string

const (
	SourceChannel  SourceKind = "channel"
	SourcePlaylist SourceKind = "playlist"
	SourceVideoSet SourceKind = "video-list"
	SourceAdHoc    SourceKind = "url"
)

// Availability of a video on the remote service. The terminal set
// (private/removed/unavailable) suppresses further component fetches.
type Availability string

const (
	AvailPublic      Availability = "public"
	AvailPrivate     Availability = "private"
	AvailRemoved     Availability = "removed"
	AvailUnavailable Availability = "unavailable"
)

// Terminal reports whether the availability is final: no detail fetch will
// ever be attempted again for a video in this state.
func (a Availability) Terminal() bool {
	switch a {
	case AvailPrivate, AvailRemoved, AvailUnavailable:
		return true
	}
	return false
}

// DownloadStatus tracks the video binary, not the sidecar files.
// Tracked means the URL is registered with the content store but no bytes
// are present locally.
type DownloadStatus string

const (
	DownloadNotTracked DownloadStatus = "not-tracked"
	DownloadTracked    DownloadStatus = "tracked"
	DownloadDone       DownloadStatus = "downloaded"
	DownloadFailed     DownloadStatus = "failed"
)

// License values mirror the remote service's two-valued license field.
type License string

const (
	LicenseStandard License = "standard"
	LicenseCC       License = "creativeCommon"
)

// Privacy of a video as reported by the remote service.
type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

// Component is one fetchable piece of a video.
type Component string

const (
	ComponentMetadata   Component = "metadata"
	ComponentThumbnail  Component = "thumbnail"
	ComponentCaptions   Component = "captions"
	ComponentComments   Component = "comments"
	ComponentVideo      Component = "video"
)

// Source is a declared remote entity to archive. Declared in config and never
// mutated by the pipeline; per-source overrides shadow global settings.
type Source struct {
	URL     string     `json:"url"`
	Kind    SourceKind `json:"kind"`
	Enabled bool       `json:"enabled"`
}

// Channel metadata as enumerated from the remote service.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	Subscribers int64     `json:"subscriber_count,omitempty"`
	VideoCount  int64     `json:"video_count,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	VideoIDs    []string  `json:"video_ids,omitempty"`
	PlaylistIDs []string  `json:"playlist_ids,omitempty"`
}

// Video is the central record; ID is the remote 11-character identifier.
type Video struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	ChannelID    string         `json:"channel_id"`
	ChannelName  string         `json:"channel_name,omitempty"`
	PublishedAt  time.Time      `json:"published_at"`
	Duration     int            `json:"duration_seconds,omitempty"`
	ViewCount    int64          `json:"view_count,omitempty"`
	LikeCount    int64          `json:"like_count,omitempty"`
	CommentCount int64          `json:"comment_count,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	License      License        `json:"license,omitempty"`
	Privacy      Privacy        `json:"privacy,omitempty"`
	Availability Availability   `json:"availability,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Categories   []string       `json:"categories,omitempty"`
	Language     string         `json:"language,omitempty"`
	CaptionLangs []string       `json:"captions_available,omitempty"`
	Download     DownloadStatus `json:"download_status,omitempty"`
	Path         string         `json:"path,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`

	// LessComplete marks records produced by the extractor fallback after a
	// data-API failure; some attribute fields may be missing.
	LessComplete bool `json:"less_complete,omitempty"`
}

// SetCaptionLangs stores the language codes sorted and de-duplicated.
func (v *Video) SetCaptionLangs(langs []string) {
	seen := map[string]bool{}
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	v.CaptionLangs = out
}

// Playlist keeps the remote ordering of its member videos.
// Invariant: VideoCount == len(VideoIDs).
type Playlist struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	VideoIDs    []string  `json:"video_ids"`
	VideoCount  int       `json:"video_count"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
}

// Caption describes one sidecar caption file next to the video directory.
type Caption struct {
	VideoID   string    `json:"video_id"`
	Language  string    `json:"language"`
	Name      string    `json:"language_name,omitempty"`
	AutoGen   bool      `json:"auto_generated,omitempty"`
	Format    string    `json:"format,omitempty"`
	Path      string    `json:"path,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Comment is a single comment; replies carry the root comment's id in
// ParentID and nest one level under it in comments.json.
type Comment struct {
	ID              string    `json:"id"`
	VideoID         string    `json:"video_id"`
	Author          string    `json:"author"`
	AuthorChannelID string    `json:"author_channel_id,omitempty"`
	Text            string    `json:"text"`
	PublishedAt     time.Time `json:"published_at"`
	LikeCount       int64     `json:"like_count,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	ReplyCount      int64     `json:"reply_count,omitempty"`
	Replies         []Comment `json:"replies,omitempty"`
}

// NestComments turns a flat slice into the on-disk shape: root comments in
// input order, replies attached under their root. Replies whose parent is not
// in the slice are dropped (the invariant requires parents resolve in-file).
func NestComments(flat []Comment) []Comment {
	roots := make([]Comment, 0, len(flat))
	index := map[string]int{}
	for _, c := range flat {
		if c.ParentID == "" {
			c.Replies = nil
			roots = append(roots, c)
			index[c.ID] = len(roots) - 1
		}
	}
	for _, c := range flat {
		if c.ParentID == "" {
			continue
		}
		if i, ok := index[c.ParentID]; ok {
			c.Replies = nil
			roots[i].Replies = append(roots[i].Replies, c)
		}
	}
	return roots
}
