package filter

import (
	"testing"
	"time"

	"github.com/onnwee/tubevault/model"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestDateRangeHalfOpen(t *testing.T) {
	c := Config{DateStart: date(2024, 1, 1), DateEnd: date(2024, 2, 1)}
	cases := []struct {
		published time.Time
		want      bool
	}{
		{date(2023, 12, 31), false},
		{date(2024, 1, 1), true},  // start inclusive
		{date(2024, 1, 31), true},
		{date(2024, 2, 1), false}, // end exclusive
	}
	for _, tc := range cases {
		if got := c.InDateRange(tc.published); got != tc.want {
			t.Errorf("InDateRange(%s) = %v, want %v", tc.published.Format("2006-01-02"), got, tc.want)
		}
	}
}

func TestIncludeFlatZeroDatePasses(t *testing.T) {
	c := Config{DateStart: date(2024, 1, 1)}
	if !c.IncludeFlat("abc", time.Time{}) {
		t.Error("zero published time must pass the flat check, the full check re-runs it")
	}
	if c.IncludeFlat("", date(2024, 6, 1)) {
		t.Error("empty id must not pass")
	}
}

func TestIncludeFull(t *testing.T) {
	base := model.Video{
		ID:          "a",
		PublishedAt: date(2024, 6, 1),
		Duration:    600,
		ViewCount:   1000,
		License:     model.LicenseCC,
		Tags:        []string{"go", "archive"},
	}
	cases := []struct {
		name   string
		cfg    Config
		mutate func(*model.Video)
		want   bool
	}{
		{"empty config admits", Config{}, nil, true},
		{"license match", Config{Licenses: []model.License{model.LicenseCC}}, nil, true},
		{"license mismatch", Config{Licenses: []model.License{model.LicenseStandard}}, nil, false},
		{"min duration", Config{MinDuration: 601}, nil, false},
		{"max duration", Config{MaxDuration: 599}, nil, false},
		{"min views", Config{MinViews: 1001}, nil, false},
		{"tag OR hit", Config{Tags: []string{"nope", "go"}}, nil, true},
		{"tag OR miss", Config{Tags: []string{"nope"}}, nil, false},
		{"date excludes", Config{DateEnd: date(2024, 1, 1)}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := base
			if tc.mutate != nil {
				tc.mutate(&v)
			}
			if got := tc.cfg.Include(v); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAllowsPlaylist(t *testing.T) {
	c := Config{PlaylistInclude: []string{"PLx"}, PlaylistExclude: []string{"PLy"}}
	if !c.AllowsPlaylist("PLx") {
		t.Error("included playlist rejected")
	}
	if c.AllowsPlaylist("PLz") {
		t.Error("non-included playlist admitted despite include list")
	}
	if c.AllowsPlaylist("PLy") {
		t.Error("excluded playlist admitted")
	}
	// exclude wins even when also included
	both := Config{PlaylistInclude: []string{"PLa"}, PlaylistExclude: []string{"PLa"}}
	if both.AllowsPlaylist("PLa") {
		t.Error("exclude must win over include")
	}
	if !(Config{}).AllowsPlaylist("anything") {
		t.Error("no constraints must admit")
	}
}
