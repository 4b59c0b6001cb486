package enumerate

import (
	"testing"

	"github.com/onnwee/tubevault/model"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw        string
		kind       model.SourceKind
		id, handle string
	}{
		{"https://www.youtube.com/channel/UCuAXFkgsw1L7xaCfnd5JJOw", model.SourceChannel, "UCuAXFkgsw1L7xaCfnd5JJOw", ""},
		{"https://www.youtube.com/channel/UCx/videos", model.SourceChannel, "UCx", ""},
		{"https://www.youtube.com/@SomeHandle", model.SourceChannel, "", "@SomeHandle"},
		{"https://www.youtube.com/@SomeHandle/videos", model.SourceChannel, "", "@SomeHandle"},
		{"https://www.youtube.com/user/legacyname", model.SourceChannel, "", "@legacyname"},
		{"https://www.youtube.com/c/CustomName", model.SourceChannel, "", "@CustomName"},
		{"https://www.youtube.com/playlist?list=PLabc123", model.SourcePlaylist, "PLabc123", ""},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabc123", model.SourcePlaylist, "PLabc123", ""},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", model.SourceAdHoc, "dQw4w9WgXcQ", ""},
		{"https://youtu.be/dQw4w9WgXcQ", model.SourceAdHoc, "dQw4w9WgXcQ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			ref, err := ParseURL(tc.raw)
			if err != nil {
				t.Fatal(err)
			}
			if ref.Kind != tc.kind || ref.ID != tc.id || ref.Handle != tc.handle {
				t.Errorf("got kind=%s id=%q handle=%q, want kind=%s id=%q handle=%q",
					ref.Kind, ref.ID, ref.Handle, tc.kind, tc.id, tc.handle)
			}
		})
	}
}

func TestParseURLRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"https://example.com/", "not a url at all", "https://www.youtube.com/"} {
		if _, err := ParseURL(raw); err == nil {
			t.Errorf("ParseURL(%q) should fail", raw)
		}
	}
}

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"PT15S", 15},
		{"PT4M13S", 253},
		{"PT1H2M3S", 3723},
		{"PT1H", 3600},
		{"P1DT2H", 93600},
		{"PT0S", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseISODuration(tc.in); got != tc.want {
			t.Errorf("parseISODuration(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
