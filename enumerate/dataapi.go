package enumerate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
	"github.com/onnwee/tubevault/telemetry"
)

// DataAPI is the authenticated backend over the YouTube Data API v3. Listing
// pages and batched detail calls are quota-priced; the facade wraps every
// call in the governor.
type DataAPI struct {
	svc *yt.Service
	// pageSize is exposed for tests; the API maximum is 50.
	pageSize int64
}

// NewDataAPI builds the service from environment credentials: an API key for
// public data, or an OAuth refresh token when private playlists are needed.
// OAuth wins when both are present.
func NewDataAPI(ctx context.Context, creds config.Credentials) (*DataAPI, error) {
	var opts []option.ClientOption
	switch {
	case creds.HasOAuth():
		oc := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
		opts = append(opts, option.WithTokenSource(ts))
	case creds.APIKey != "":
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	default:
		return nil, faults.New(faults.KindConfig, fmt.Errorf("no data API credentials in environment"))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &DataAPI{svc: svc, pageSize: 50}, nil
}

func (d *DataAPI) Name() string { return "data-api" }

func spend(units float64) {
	if telemetry.QuotaUnitsSpent != nil {
		telemetry.QuotaUnitsSpent.Add(units)
	}
}

// Resolve identifies a URL as a channel, playlist or ad-hoc video set.
func (d *DataAPI) Resolve(ctx context.Context, rawURL string) (*SourceInfo, error) {
	ref, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case model.SourcePlaylist:
		return d.resolvePlaylist(ctx, ref.ID)
	case model.SourceAdHoc:
		return &SourceInfo{Kind: model.SourceAdHoc, VideoIDs: []string{ref.ID}}, nil
	default:
		return d.resolveChannel(ctx, ref)
	}
}

func (d *DataAPI) resolveChannel(ctx context.Context, ref URLRef) (*SourceInfo, error) {
	call := d.svc.Channels.List([]string{"snippet", "statistics", "contentDetails"}).Context(ctx)
	switch {
	case ref.Handle != "":
		call = call.ForHandle(ref.Handle)
	case ref.ID != "":
		call = call.Id(ref.ID)
	default:
		return nil, faults.New(faults.KindRemoteUnavailable, fmt.Errorf("cannot resolve channel from %q", ref.Raw))
	}
	spend(1)
	resp, err := call.Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, faults.New(faults.KindRemoteUnavailable, fmt.Errorf("channel not found: %s", ref.Raw))
	}
	item := resp.Items[0]
	ch := &model.Channel{
		ID:          item.Id,
		Name:        item.Snippet.Title,
		Description: item.Snippet.Description,
		Handle:      item.Snippet.CustomUrl,
	}
	if item.Statistics != nil {
		ch.Subscribers = int64(item.Statistics.SubscriberCount)
		ch.VideoCount = int64(item.Statistics.VideoCount)
	}
	if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		ch.CreatedAt = t
	}
	info := &SourceInfo{Kind: model.SourceChannel, Channel: ch}
	if item.ContentDetails != nil && item.ContentDetails.RelatedPlaylists != nil {
		// The uploads playlist is how a channel is enumerated.
		info.Playlist = &model.Playlist{ID: item.ContentDetails.RelatedPlaylists.Uploads, ChannelID: item.Id}
	}
	return info, nil
}

func (d *DataAPI) resolvePlaylist(ctx context.Context, id string) (*SourceInfo, error) {
	spend(1)
	resp, err := d.svc.Playlists.List([]string{"snippet", "contentDetails"}).Id(id).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, faults.New(faults.KindRemoteUnavailable, fmt.Errorf("playlist not found: %s", id))
	}
	item := resp.Items[0]
	pl := &model.Playlist{
		ID:          item.Id,
		Title:       item.Snippet.Title,
		Description: item.Snippet.Description,
		ChannelID:   item.Snippet.ChannelId,
		ChannelName: item.Snippet.ChannelTitle,
	}
	if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		pl.PublishedAt = t
	}
	if item.ContentDetails != nil {
		pl.VideoCount = int(item.ContentDetails.ItemCount)
	}
	return &SourceInfo{Kind: model.SourcePlaylist, Playlist: pl}, nil
}

// ListFlat pages through playlistItems (a channel lists via its uploads
// playlist). Remote enumeration order is preserved.
func (d *DataAPI) ListFlat(ctx context.Context, info *SourceInfo) ([]FlatEntry, error) {
	if info.Kind == model.SourceAdHoc {
		out := make([]FlatEntry, len(info.VideoIDs))
		for i, id := range info.VideoIDs {
			out[i] = FlatEntry{ID: id, Position: i}
		}
		return out, nil
	}
	if info.Playlist == nil || info.Playlist.ID == "" {
		return nil, faults.New(faults.KindRemoteUnavailable, fmt.Errorf("source has no listable playlist"))
	}
	var entries []FlatEntry
	pageToken := ""
	for {
		spend(1)
		if telemetry.EnumerationPages != nil {
			telemetry.EnumerationPages.Inc()
		}
		resp, err := d.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(info.Playlist.ID).
			MaxResults(d.pageSize).
			PageToken(pageToken).
			Context(ctx).Do()
		if err != nil {
			return entries, err
		}
		for _, item := range resp.Items {
			e := FlatEntry{
				ID:       item.ContentDetails.VideoId,
				Title:    item.Snippet.Title,
				Position: int(item.Snippet.Position),
			}
			if ts := item.ContentDetails.VideoPublishedAt; ts != "" {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					e.Published = t
				}
			}
			entries = append(entries, e)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return entries, nil
		}
		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		default:
		}
	}
}

// DetailBatch fetches up to 50 ids in one videos.list call. Ids the API does
// not echo back are reported unavailable (removed/private videos vanish from
// batch responses rather than erroring).
func (d *DataAPI) DetailBatch(ctx context.Context, ids []string) (map[string]*model.Video, map[string]error, error) {
	if len(ids) > BatchSize {
		return nil, nil, fmt.Errorf("detail batch over API limit: %d > %d", len(ids), BatchSize)
	}
	spend(1)
	resp, err := d.svc.Videos.List([]string{"snippet", "contentDetails", "statistics", "status"}).
		Id(ids...).MaxResults(int64(len(ids))).Context(ctx).Do()
	if err != nil {
		return nil, nil, err
	}
	videos := make(map[string]*model.Video, len(resp.Items))
	for _, item := range resp.Items {
		videos[item.Id] = videoFromAPI(item)
	}
	errs := map[string]error{}
	for _, id := range ids {
		if videos[id] == nil {
			errs[id] = faults.New(faults.KindRemoteUnavailable, fmt.Errorf("video %s absent from batch response", id))
		}
	}
	return videos, errs, nil
}

func videoFromAPI(item *yt.Video) *model.Video {
	v := &model.Video{
		ID:           item.Id,
		Availability: model.AvailPublic,
		FetchedAt:    time.Now().UTC(),
	}
	if sn := item.Snippet; sn != nil {
		v.Title = sn.Title
		v.Description = sn.Description
		v.ChannelID = sn.ChannelId
		v.ChannelName = sn.ChannelTitle
		v.Tags = sn.Tags
		v.Language = sn.DefaultAudioLanguage
		if v.Language == "" {
			v.Language = sn.DefaultLanguage
		}
		if sn.CategoryId != "" {
			v.Categories = []string{sn.CategoryId}
		}
		if t, err := time.Parse(time.RFC3339, sn.PublishedAt); err == nil {
			v.PublishedAt = t
		}
		if sn.Thumbnails != nil {
			switch {
			case sn.Thumbnails.Maxres != nil:
				v.ThumbnailURL = sn.Thumbnails.Maxres.Url
			case sn.Thumbnails.High != nil:
				v.ThumbnailURL = sn.Thumbnails.High.Url
			case sn.Thumbnails.Default != nil:
				v.ThumbnailURL = sn.Thumbnails.Default.Url
			}
		}
	}
	if cd := item.ContentDetails; cd != nil {
		v.Duration = parseISODuration(cd.Duration)
		if cd.Caption == "true" {
			// languages come from the captions listing; this only flags presence
			v.SetCaptionLangs(nil)
		}
	}
	if st := item.Statistics; st != nil {
		v.ViewCount = int64(st.ViewCount)
		v.LikeCount = int64(st.LikeCount)
		v.CommentCount = int64(st.CommentCount)
	}
	if s := item.Status; s != nil {
		switch s.License {
		case "creativeCommon":
			v.License = model.LicenseCC
		default:
			v.License = model.LicenseStandard
		}
		switch s.PrivacyStatus {
		case "private":
			v.Privacy = model.PrivacyPrivate
			v.Availability = model.AvailPrivate
		case "unlisted":
			v.Privacy = model.PrivacyUnlisted
		default:
			v.Privacy = model.PrivacyPublic
		}
		if s.UploadStatus == "deleted" || s.UploadStatus == "rejected" {
			v.Availability = model.AvailRemoved
		}
	}
	v.UpdatedAt = time.Now().UTC()
	return v
}

// Comments pages commentThreads in time order. depth<=0 skips replies; max
// caps the total comment count (0 = all).
func (d *DataAPI) Comments(ctx context.Context, videoID string, depth, max int) ([]model.Comment, error) {
	var out []model.Comment
	pageToken := ""
	for {
		spend(1)
		call := d.svc.CommentThreads.List([]string{"snippet", "replies"}).
			VideoId(videoID).MaxResults(100).Order("time").TextFormat("plainText").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return out, err
		}
		for _, th := range resp.Items {
			root := commentFromAPI(th.Snippet.TopLevelComment, videoID, "")
			root.ReplyCount = th.Snippet.TotalReplyCount
			if depth > 0 && th.Replies != nil {
				for _, r := range th.Replies.Comments {
					root.Replies = append(root.Replies, commentFromAPI(r, videoID, root.ID))
				}
			}
			out = append(out, root)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func commentFromAPI(c *yt.Comment, videoID, parentID string) model.Comment {
	out := model.Comment{
		ID:       c.Id,
		VideoID:  videoID,
		ParentID: parentID,
	}
	if sn := c.Snippet; sn != nil {
		out.Author = sn.AuthorDisplayName
		if sn.AuthorChannelId != nil {
			out.AuthorChannelID = sn.AuthorChannelId.Value
		}
		out.Text = sn.TextDisplay
		out.LikeCount = sn.LikeCount
		if t, err := time.Parse(time.RFC3339, sn.PublishedAt); err == nil {
			out.PublishedAt = t
		}
	}
	return out
}

// Captions lists available tracks; trackKind "asr" marks auto-generated.
func (d *DataAPI) Captions(ctx context.Context, videoID string) ([]model.Caption, error) {
	spend(1)
	resp, err := d.svc.Captions.List([]string{"snippet"}, videoID).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]model.Caption, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Snippet == nil {
			continue
		}
		out = append(out, model.Caption{
			VideoID:  videoID,
			Language: item.Snippet.Language,
			Name:     item.Snippet.Name,
			AutoGen:  item.Snippet.TrackKind == "asr",
			Format:   "vtt",
		})
	}
	return out, nil
}

// DownloadCaption is not supported by the API for third-party videos.
func (d *DataAPI) DownloadCaption(ctx context.Context, videoID, lang string) ([]byte, model.Caption, error) {
	return nil, model.Caption{}, faults.New(faults.KindAuth, fmt.Errorf("caption download requires the extractor"))
}

// URLRef is a parsed source URL.
type URLRef struct {
	Raw    string
	Kind   model.SourceKind
	ID     string
	Handle string
}

// ParseURL recognizes the URL shapes the archiver accepts: channel ids,
// handles, custom/user URLs, playlists and single videos.
func ParseURL(raw string) (URLRef, error) {
	ref := URLRef{Raw: raw}
	u, err := url.Parse(raw)
	if err != nil {
		return ref, faults.New(faults.KindConfig, fmt.Errorf("bad source url %q: %w", raw, err))
	}
	host := strings.TrimPrefix(u.Host, "www.")
	path := strings.Trim(u.Path, "/")
	switch {
	case host == "youtu.be" && path != "":
		ref.Kind = model.SourceAdHoc
		ref.ID = path
	case u.Query().Get("list") != "":
		ref.Kind = model.SourcePlaylist
		ref.ID = u.Query().Get("list")
	case u.Query().Get("v") != "":
		ref.Kind = model.SourceAdHoc
		ref.ID = u.Query().Get("v")
	case strings.HasPrefix(path, "channel/"):
		ref.Kind = model.SourceChannel
		ref.ID = strings.SplitN(strings.TrimPrefix(path, "channel/"), "/", 2)[0]
	case strings.HasPrefix(path, "@"):
		ref.Kind = model.SourceChannel
		ref.Handle = strings.SplitN(path, "/", 2)[0]
	case strings.HasPrefix(path, "user/"), strings.HasPrefix(path, "c/"):
		// legacy custom URLs resolve through the handle lookup
		parts := strings.SplitN(path, "/", 3)
		ref.Kind = model.SourceChannel
		ref.Handle = "@" + parts[1]
	case strings.HasPrefix(raw, "UC") && len(raw) == 24:
		ref.Kind = model.SourceChannel
		ref.ID = raw
	default:
		return ref, faults.New(faults.KindConfig, fmt.Errorf("unrecognized source url %q", raw))
	}
	return ref, nil
}

// parseISODuration reads ISO-8601 durations like "PT1H2M3S" or "P1DT2H".
func parseISODuration(s string) int {
	total := 0
	n := 0
	inTime := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
		case r == 'T':
			inTime = true
			n = 0
		case r == 'P':
			n = 0
		case r == 'D':
			total += n * 86400
			n = 0
		case r == 'H' && inTime:
			total += n * 3600
			n = 0
		case r == 'M' && inTime:
			total += n * 60
			n = 0
		case r == 'S' && inTime:
			total += n
			n = 0
		default:
			n = 0
		}
	}
	return total
}
