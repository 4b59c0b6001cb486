// Package config loads config.toml from the archive root and credentials from
// the environment, and applies defaults so a freshly initialized archive runs
// with no editing. API credentials never come from the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/onnwee/tubevault/filter"
	"github.com/onnwee/tubevault/model"
)

// FileName is the config file at the archive root.
const FileName = "config.toml"

type Config struct {
	Sources      []Source     `toml:"sources"`
	Components   Components   `toml:"components"`
	Filters      Filters      `toml:"filters"`
	Organization Organization `toml:"organization"`
	Backup       Backup       `toml:"backup"`
}

// Source declares one remote entity to archive. Overrides, when present,
// shadow the global sections for this source only.
type Source struct {
	URL        string      `toml:"url"`
	Type       string      `toml:"type"` // channel | playlist | video-list | url
	Enabled    *bool       `toml:"enabled"`
	Components *Components `toml:"components"`
	Filters    *Filters    `toml:"filters"`
}

// IsEnabled treats an absent flag as enabled.
func (s Source) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Kind maps the declared type string onto the model enum, defaulting by URL
// shape when the type is omitted.
func (s Source) Kind() model.SourceKind {
	switch s.Type {
	case "channel":
		return model.SourceChannel
	case "playlist":
		return model.SourcePlaylist
	case "video-list":
		return model.SourceVideoSet
	case "url", "":
		if strings.Contains(s.URL, "playlist?list=") || strings.Contains(s.URL, "/playlist/") {
			return model.SourcePlaylist
		}
		if strings.Contains(s.URL, "/watch?v=") || strings.Contains(s.URL, "youtu.be/") {
			return model.SourceAdHoc
		}
		return model.SourceChannel
	default:
		return model.SourceAdHoc
	}
}

// Components toggles what gets fetched per video.
type Components struct {
	Metadata         bool   `toml:"metadata"`
	Thumbnails       bool   `toml:"thumbnails"`
	Captions         bool   `toml:"captions"`
	Comments         bool   `toml:"comments"`
	Videos           bool   `toml:"videos"`
	CommentsDepth    int    `toml:"comments_depth"`
	CaptionLanguages string `toml:"caption_languages"` // regex over BCP-47 codes
}

// CaptionRegexp compiles the language filter; empty matches everything.
func (c Components) CaptionRegexp() (*regexp.Regexp, error) {
	if c.CaptionLanguages == "" {
		return regexp.MustCompile(`.*`), nil
	}
	re, err := regexp.Compile(c.CaptionLanguages)
	if err != nil {
		return nil, fmt.Errorf("invalid caption_languages regex %q: %w", c.CaptionLanguages, err)
	}
	return re, nil
}

// Filters is the TOML shape of the scope predicates; dates are YYYY-MM-DD.
type Filters struct {
	Limit           int      `toml:"limit"`
	DateStart       string   `toml:"date_start"`
	DateEnd         string   `toml:"date_end"`
	Licenses        []string `toml:"licenses"`
	MinDuration     int      `toml:"min_duration_seconds"`
	MaxDuration     int      `toml:"max_duration_seconds"`
	MinViews        int64    `toml:"min_views"`
	Tags            []string `toml:"tags"`
	PlaylistInclude []string `toml:"playlist_include"`
	PlaylistExclude []string `toml:"playlist_exclude"`
}

// ToFilter parses the TOML shape into the engine's typed config.
func (f Filters) ToFilter() (filter.Config, error) {
	out := filter.Config{
		Limit:           f.Limit,
		MinDuration:     f.MinDuration,
		MaxDuration:     f.MaxDuration,
		MinViews:        f.MinViews,
		Tags:            f.Tags,
		PlaylistInclude: f.PlaylistInclude,
		PlaylistExclude: f.PlaylistExclude,
	}
	var err error
	if f.DateStart != "" {
		out.DateStart, err = time.Parse("2006-01-02", f.DateStart)
		if err != nil {
			return out, fmt.Errorf("invalid date_start %q: %w", f.DateStart, err)
		}
	}
	if f.DateEnd != "" {
		out.DateEnd, err = time.Parse("2006-01-02", f.DateEnd)
		if err != nil {
			return out, fmt.Errorf("invalid date_end %q: %w", f.DateEnd, err)
		}
	}
	for _, l := range f.Licenses {
		switch l {
		case "standard":
			out.Licenses = append(out.Licenses, model.LicenseStandard)
		case "creativeCommon", "creative-commons", "cc":
			out.Licenses = append(out.Licenses, model.LicenseCC)
		default:
			return out, fmt.Errorf("unknown license %q (want standard or creativeCommon)", l)
		}
	}
	return out, nil
}

// Organization controls path rendering.
type Organization struct {
	VideoPath          string `toml:"video_path"`
	VideoFilename      string `toml:"video_filename"`
	Separator          string `toml:"separator"`
	Lowercase          bool   `toml:"lowercase"`
	PlaylistIndexWidth int    `toml:"playlist_index_width"`
	PlaylistSeparator  string `toml:"playlist_separator"`
}

// Backup holds run-level tunables.
type Backup struct {
	CheckpointInterval    int    `toml:"checkpoint_interval"`
	CheckpointEnabled     bool   `toml:"checkpoint_enabled"`
	AutoCommitOnInterrupt bool   `toml:"auto_commit_on_interrupt"`
	MaxWaitHours          int    `toml:"max_wait_hours"`
	QuotaWaitEnabled      bool   `toml:"quota_wait_enabled"`
	QuotaCheckInterval    string `toml:"quota_check_interval"`
	HTTPTimeout           string `toml:"http_timeout"`
	MaxInflightVideos     int    `toml:"max_inflight_videos"`
	ComponentParallelism  int    `toml:"component_parallelism"`
	MetricsAddr           string `toml:"metrics_addr"`
}

// QuotaInterval parses the governor check interval (default 30m).
func (b Backup) QuotaInterval() time.Duration {
	if d, err := time.ParseDuration(b.QuotaCheckInterval); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// Timeout parses the outbound HTTP deadline (default 60s).
func (b Backup) Timeout() time.Duration {
	if d, err := time.ParseDuration(b.HTTPTimeout); err == nil && d > 0 {
		return d
	}
	return 60 * time.Second
}

// Default returns the configuration a fresh archive starts with.
func Default() Config {
	return Config{
		Components: Components{
			Metadata:      true,
			Thumbnails:    true,
			Captions:      true,
			Comments:      true,
			Videos:        false,
			CommentsDepth: 1,
		},
		Organization: Organization{
			VideoPath:          "{date}_{video_id}",
			VideoFilename:      "video",
			Separator:          "-",
			PlaylistIndexWidth: 4,
			PlaylistSeparator:  "_",
		},
		Backup: Backup{
			CheckpointInterval:    50,
			CheckpointEnabled:     true,
			AutoCommitOnInterrupt: true,
			MaxWaitHours:          36,
			QuotaWaitEnabled:      true,
			QuotaCheckInterval:    "30m",
			HTTPTimeout:           "60s",
			MaxInflightVideos:     8,
			ComponentParallelism:  4,
		},
	}
}

// Load reads config.toml under dir and applies defaults for absent sections.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, FileName)
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("no %s in %s (run init first): %w", FileName, dir, err)
		}
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	// Unknown keys are tolerated for forward compatibility.
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate refuses configurations the pipeline cannot honor.
func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: no [[sources]] declared")
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			return fmt.Errorf("config: sources[%d] has no url", i)
		}
	}
	if _, err := c.Components.CaptionRegexp(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Filters.ToFilter(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Backup.CheckpointInterval < 0 {
		return fmt.Errorf("config: checkpoint_interval must be >= 0")
	}
	if c.Organization.PlaylistIndexWidth < 1 || c.Organization.PlaylistIndexWidth > 8 {
		return fmt.Errorf("config: playlist_index_width must be 1..8")
	}
	return nil
}

// EffectiveComponents merges a per-source override over the global toggles.
func (c Config) EffectiveComponents(s Source) Components {
	if s.Components != nil {
		return *s.Components
	}
	return c.Components
}

// EffectiveFilters merges a per-source filter override over the global set.
func (c Config) EffectiveFilters(s Source) (filter.Config, error) {
	if s.Filters != nil {
		return s.Filters.ToFilter()
	}
	return c.Filters.ToFilter()
}

// Credentials for the data API, environment-only by design.
type Credentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// LoadCredentials reads YT_* variables. All fields may be empty; the
// enumerator degrades to the extractor-only path without them.
func LoadCredentials() Credentials {
	return Credentials{
		APIKey:       os.Getenv("YT_API_KEY"),
		ClientID:     os.Getenv("YT_CLIENT_ID"),
		ClientSecret: os.Getenv("YT_CLIENT_SECRET"),
		RefreshToken: os.Getenv("YT_REFRESH_TOKEN"),
	}
}

// HasAPI reports whether any authenticated data-API path is available.
func (c Credentials) HasAPI() bool {
	return c.APIKey != "" || c.HasOAuth()
}

// HasOAuth reports whether private playlists are reachable.
func (c Credentials) HasOAuth() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Template renders the config.toml written by init, seeding the given URLs.
func Template(urls []string) string {
	var b strings.Builder
	b.WriteString("# tubevault archive configuration.\n")
	b.WriteString("# API credentials are read from the environment (YT_API_KEY or\n")
	b.WriteString("# YT_CLIENT_ID/YT_CLIENT_SECRET/YT_REFRESH_TOKEN), never from this file.\n\n")
	if len(urls) == 0 {
		b.WriteString("# [[sources]]\n# url = \"https://www.youtube.com/@example\"\n# type = \"channel\"\n\n")
	}
	for _, u := range urls {
		fmt.Fprintf(&b, "[[sources]]\nurl = %q\n\n", u)
	}
	d := Default()
	section := func(name string, v any) {
		fmt.Fprintf(&b, "[%s]\n", name)
		if err := toml.NewEncoder(&b).Encode(v); err != nil {
			panic(err) // static structs cannot fail to encode
		}
		b.WriteString("\n")
	}
	section("components", d.Components)
	b.WriteString("[filters]\n# limit = 0\n# date_start = \"2020-01-01\"\n# date_end = \"2026-01-01\"\n# licenses = [\"standard\", \"creativeCommon\"]\n\n")
	section("organization", d.Organization)
	section("backup", d.Backup)
	return b.String()
}
