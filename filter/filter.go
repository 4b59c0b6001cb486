// Package filter decides, per video, whether it is in scope for the current
// run. All predicates are optional and combined with AND semantics. Filters
// that only need the flat listing (id, publication date) run before the
// expensive detail fetch; the rest run after.
package filter

import (
	"time"

	"github.com/onnwee/tubevault/model"
)

// Config holds the parsed predicates. Zero values disable a predicate.
type Config struct {
	// Limit caps how many videos a single source contributes (0 = unlimited).
	Limit int

	// Date range is half-open: DateStart <= published < DateEnd.
	DateStart time.Time
	DateEnd   time.Time

	// Licenses admits only the listed licenses when non-empty.
	Licenses []model.License

	// Duration bounds in seconds (0 disables the respective bound).
	MinDuration int
	MaxDuration int

	// MinViews admits only videos at or above the threshold.
	MinViews int64

	// Tags admits a video carrying ANY of the listed tags (OR within the set).
	Tags []string

	// Playlist membership constraints, applied by the orchestrator which knows
	// the memberships; kept here so a single Config travels through the run.
	PlaylistInclude []string
	PlaylistExclude []string
}

// InDateRange applies the half-open publication window.
func (c Config) InDateRange(published time.Time) bool {
	if !c.DateStart.IsZero() && published.Before(c.DateStart) {
		return false
	}
	if !c.DateEnd.IsZero() && !published.Before(c.DateEnd) {
		return false
	}
	return true
}

// IncludeFlat runs the predicates answerable from a flat listing. A zero
// published time passes the date check; it is re-checked after detail fetch.
func (c Config) IncludeFlat(id string, published time.Time) bool {
	if id == "" {
		return false
	}
	if published.IsZero() {
		return true
	}
	return c.InDateRange(published)
}

// Include runs the full predicate set against a detailed record.
func (c Config) Include(v model.Video) bool {
	if !c.InDateRange(v.PublishedAt) {
		return false
	}
	if len(c.Licenses) > 0 {
		ok := false
		for _, l := range c.Licenses {
			if v.License == l {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.MinDuration > 0 && v.Duration < c.MinDuration {
		return false
	}
	if c.MaxDuration > 0 && v.Duration > c.MaxDuration {
		return false
	}
	if c.MinViews > 0 && v.ViewCount < c.MinViews {
		return false
	}
	if len(c.Tags) > 0 {
		have := map[string]bool{}
		for _, t := range v.Tags {
			have[t] = true
		}
		ok := false
		for _, t := range c.Tags {
			if have[t] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AllowsPlaylist reports whether the playlist id survives the include/exclude
// sets.
func (c Config) AllowsPlaylist(id string) bool {
	for _, ex := range c.PlaylistExclude {
		if ex == id {
			return false
		}
	}
	if len(c.PlaylistInclude) == 0 {
		return true
	}
	for _, in := range c.PlaylistInclude {
		if in == id {
			return true
		}
	}
	return false
}
