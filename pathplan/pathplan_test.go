package pathplan

import (
	"strings"
	"testing"
	"time"

	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/model"
)

func testVideo() model.Video {
	return model.Video{
		ID:          "dQw4w9WgXcQ",
		Title:       "Never: Gonna / Give\tYou  Up?",
		ChannelID:   "UCuAXFkgsw1L7xaCfnd5JJOw",
		ChannelName: "Example Channel",
		PublishedAt: time.Date(2009, 10, 25, 6, 57, 33, 0, time.UTC),
	}
}

func TestSanitize(t *testing.T) {
	p := New(config.Organization{Separator: "-"})
	cases := []struct {
		in, want string
	}{
		{"Hello World", "Hello-World"},
		{"a  b\t\nc", "a-b-c"},
		{`re<>:"/\|?*served`, "reserved"},
		{"trailing dots...", "trailing-dots"},
		{"  leading space", "leading-space"},
	}
	for _, tc := range cases {
		if got := p.Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeLowercase(t *testing.T) {
	p := New(config.Organization{Lowercase: true})
	if got := p.Sanitize("MiXeD Case"); got != "mixed-case" {
		t.Errorf("got %q", got)
	}
}

func TestVideoDirDefaultTemplate(t *testing.T) {
	p := New(config.Organization{})
	got := p.VideoDir(testVideo())
	want := "videos/2009-10-25_dQw4w9WgXcQ"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestVideoDirCustomTemplate(t *testing.T) {
	p := New(config.Organization{VideoPath: "{year}/{month}/{sanitized_title}_{video_id}"})
	got := p.VideoDir(testVideo())
	want := "videos/2009/10/Never-Gonna-Give-You-Up_dQw4w9WgXcQ"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestVideoDirDeterministic(t *testing.T) {
	p := New(config.Organization{VideoPath: "{date}_{sanitized_title}_{video_id}"})
	v := testVideo()
	if p.VideoDir(v) != p.VideoDir(v) {
		t.Error("same input must render the same path")
	}
}

func TestVideoDirTruncatesLongTitles(t *testing.T) {
	p := New(config.Organization{VideoPath: "{date}_{sanitized_title}_{video_id}"})
	v := testVideo()
	v.Title = strings.Repeat("very long title ", 30)
	got := p.VideoDir(v)
	if len(got)+sidecarMargin > maxPathBytes {
		t.Errorf("path too long: %d bytes", len(got))
	}
	if !strings.Contains(got, v.ID) {
		t.Error("truncation must never drop the video id")
	}
	// truncation is deterministic too
	if got != p.VideoDir(v) {
		t.Error("truncated path not stable")
	}
}

func TestUnknownPlaceholderRendersEmpty(t *testing.T) {
	p := New(config.Organization{VideoPath: "{bogus}{video_id}"})
	got := p.VideoDir(testVideo())
	if got != "videos/dQw4w9WgXcQ" {
		t.Errorf("got %q", got)
	}
}

func TestFilenames(t *testing.T) {
	p := New(config.Organization{})
	if got := p.VideoFilename("mp4"); got != "video.mp4" {
		t.Errorf("video filename: %q", got)
	}
	if got := p.CaptionFilename("zh-Hant", "vtt"); got != "video.zh-Hant.vtt" {
		t.Errorf("caption filename: %q", got)
	}
	if got := p.CaptionFilename("en", ""); got != "video.en.vtt" {
		t.Errorf("caption default format: %q", got)
	}
	if got := p.ThumbnailFilename(""); got != "thumbnail.jpg" {
		t.Errorf("thumbnail default: %q", got)
	}
	if got := p.ThumbnailFilename("webp"); got != "thumbnail.webp" {
		t.Errorf("thumbnail webp: %q", got)
	}
}

func TestPlaylistEntry(t *testing.T) {
	p := New(config.Organization{PlaylistIndexWidth: 4, PlaylistSeparator: "_"})
	got := p.PlaylistEntry(7, testVideo())
	if !strings.HasPrefix(got, "0007_") {
		t.Errorf("entry %q lacks zero-padded index", got)
	}
	if !strings.HasSuffix(got, p.VideoSlug(testVideo())) {
		t.Errorf("entry %q lacks video slug", got)
	}
}

func TestDetectRename(t *testing.T) {
	p := New(config.Organization{VideoPath: "{date}_{sanitized_title}"})
	v := testVideo()
	current := p.VideoDir(v)

	if _, renamed := p.DetectRename(current, v); renamed {
		t.Error("unchanged path reported as rename")
	}
	if _, renamed := p.DetectRename("", v); renamed {
		t.Error("empty recorded path reported as rename")
	}
	v2 := v
	v2.Title = "A Different Title"
	newPath, renamed := p.DetectRename(current, v2)
	if !renamed {
		t.Fatal("title change not detected as rename")
	}
	if newPath != p.VideoDir(v2) {
		t.Errorf("new path %q, want %q", newPath, p.VideoDir(v2))
	}
}

func TestRelativeTarget(t *testing.T) {
	got := RelativeTarget("playlists/PLx", "videos/2009-10-25_dQw4w9WgXcQ")
	want := "../../videos/2009-10-25_dQw4w9WgXcQ"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
