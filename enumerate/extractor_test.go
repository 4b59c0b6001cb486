package enumerate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/model"
)

func scriptedExtractor(out string, err error) (*Extractor, *[]string) {
	var calls []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return []byte(out), err
	}
	return NewExtractorWithRunner(run), &calls
}

func TestExtractorListFlat(t *testing.T) {
	jsonl := `{"id":"vid1","title":"First","timestamp":1700000000}
{"id":"vid2","title":"Second"}
not json at all
{"id":"","title":"dropped"}
`
	e, calls := scriptedExtractor(jsonl, nil)
	info := &SourceInfo{Kind: model.SourceChannel, Channel: &model.Channel{ID: "UCx"}}
	entries, err := e.ListFlat(context.Background(), info)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ID != "vid1" || entries[0].Position != 0 || entries[0].Published.IsZero() {
		t.Errorf("first entry: %+v", entries[0])
	}
	if entries[1].ID != "vid2" || entries[1].Position != 1 || !entries[1].Published.IsZero() {
		t.Errorf("second entry: %+v", entries[1])
	}
	if len(*calls) != 1 || !strings.Contains((*calls)[0], "--flat-playlist") {
		t.Errorf("calls: %v", *calls)
	}
	if !strings.Contains((*calls)[0], "youtube.com/channel/UCx/videos") {
		t.Errorf("channel URL not derived: %v", *calls)
	}
}

func TestExtractorListFlatAdHoc(t *testing.T) {
	e, calls := scriptedExtractor("", nil)
	info := &SourceInfo{Kind: model.SourceAdHoc, VideoIDs: []string{"a", "b"}}
	entries, err := e.ListFlat(context.Background(), info)
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
	if len(*calls) != 0 {
		t.Error("ad-hoc listing must not invoke the binary")
	}
}

func TestExtractorDetailBatch(t *testing.T) {
	info := `{"id":"vid1","title":"A Video","channel_id":"UCx","channel":"Chan",
"timestamp":1700000000,"duration":125.4,"view_count":10,"like_count":2,
"license":"Creative Commons Attribution license (reuse allowed)",
"availability":"public","tags":["go"],"language":"en",
"subtitles":{"en":[{"ext":"vtt","name":"English"}],"de":[{"ext":"vtt"}]}}`
	e, _ := scriptedExtractor(info, nil)
	videos, errs, err := e.DetailBatch(context.Background(), []string{"vid1"})
	if err != nil || len(errs) != 0 {
		t.Fatalf("err=%v errs=%v", err, errs)
	}
	v := videos["vid1"]
	if v == nil {
		t.Fatal("video missing")
	}
	if v.Duration != 125 || v.License != model.LicenseCC || v.Availability != model.AvailPublic {
		t.Errorf("mapped video: %+v", v)
	}
	if len(v.CaptionLangs) != 2 || v.CaptionLangs[0] != "de" {
		t.Errorf("caption langs: %v", v.CaptionLangs)
	}
	if v.PublishedAt.IsZero() {
		t.Error("timestamp not mapped")
	}
}

func TestExtractorDetailBatchPerIDErrors(t *testing.T) {
	e, _ := scriptedExtractor("", errors.New("ERROR: Video unavailable"))
	videos, errs, err := e.DetailBatch(context.Background(), []string{"gone"})
	if err != nil {
		t.Fatalf("per-id failure must not abort the batch: %v", err)
	}
	if len(videos) != 0 || errs["gone"] == nil {
		t.Fatalf("videos=%v errs=%v", videos, errs)
	}
	if faults.KindOf(errs["gone"]) != faults.KindRemoteUnavailable {
		t.Errorf("kind = %s", faults.KindOf(errs["gone"]))
	}
}

func TestExtractorUploadDateFallback(t *testing.T) {
	e, _ := scriptedExtractor(`{"id":"v","title":"t","upload_date":"20240115"}`, nil)
	videos, _, err := e.DetailBatch(context.Background(), []string{"v"})
	if err != nil {
		t.Fatal(err)
	}
	got := videos["v"].PublishedAt
	if got.Year() != 2024 || got.Month() != 1 || got.Day() != 15 {
		t.Errorf("upload_date fallback: %s", got)
	}
}

func TestExtractorPrivateAvailability(t *testing.T) {
	e, _ := scriptedExtractor(`{"id":"v","title":"t","availability":"needs_auth"}`, nil)
	videos, _, _ := e.DetailBatch(context.Background(), []string{"v"})
	if videos["v"].Availability != model.AvailPrivate {
		t.Errorf("availability = %s", videos["v"].Availability)
	}
}

func TestExtractorComments(t *testing.T) {
	info := `{"id":"v","title":"t","comments":[
{"id":"c1","parent":"root","text":"top","author":"alice","timestamp":1700000000},
{"id":"c1.r1","parent":"c1","text":"reply","author":"bob","timestamp":1700000100},
{"id":"c2","parent":"root","text":"another","author":"carol","timestamp":1700000200}
]}`
	e, calls := scriptedExtractor(info, nil)
	comments, err := e.Comments(context.Background(), "v", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("roots = %+v", comments)
	}
	if len(comments[0].Replies) != 1 || comments[0].Replies[0].Author != "bob" {
		t.Errorf("replies: %+v", comments[0].Replies)
	}
	if comments[0].Replies[0].ParentID != "c1" {
		t.Errorf("reply parent = %q", comments[0].Replies[0].ParentID)
	}
	if !strings.Contains((*calls)[0], "--write-comments") {
		t.Errorf("calls: %v", *calls)
	}
}

func TestExtractorCommentsDepthZeroSkipsReplies(t *testing.T) {
	info := `{"id":"v","title":"t","comments":[
{"id":"c1","parent":"root","text":"top","author":"alice"},
{"id":"c1.r1","parent":"c1","text":"reply","author":"bob"}
]}`
	e, _ := scriptedExtractor(info, nil)
	comments, err := e.Comments(context.Background(), "v", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || len(comments[0].Replies) != 0 {
		t.Errorf("depth 0: %+v", comments)
	}
}

func TestExtractorCaptions(t *testing.T) {
	info := `{"id":"v","title":"t",
"subtitles":{"en":[{"ext":"vtt","name":"English"}]},
"automatic_captions":{"en":[{"ext":"vtt"}],"fr":[{"ext":"vtt"}]}}`
	e, _ := scriptedExtractor(info, nil)
	tracks, err := e.Captions(context.Background(), "v")
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %+v", tracks)
	}
	// manual "en" wins over the auto track for the same language
	if tracks[0].Language != "en" || tracks[0].AutoGen {
		t.Errorf("en track: %+v", tracks[0])
	}
	if tracks[1].Language != "fr" || !tracks[1].AutoGen {
		t.Errorf("fr track: %+v", tracks[1])
	}
}

func TestExtractorResolvePlaylist(t *testing.T) {
	info := `{"_type":"playlist","id":"PLx","title":"My List","channel_id":"UCx","channel":"Chan","playlist_count":12}`
	e, _ := scriptedExtractor(info, nil)
	got, err := e.Resolve(context.Background(), "https://www.youtube.com/playlist?list=PLx")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != model.SourcePlaylist || got.Playlist == nil {
		t.Fatalf("info = %+v", got)
	}
	if got.Playlist.ID != "PLx" || got.Playlist.VideoCount != 12 {
		t.Errorf("playlist: %+v", got.Playlist)
	}
}
