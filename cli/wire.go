package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/tubevault/archive"
	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/enumerate"
	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/quota"
	"github.com/onnwee/tubevault/store"
	"github.com/onnwee/tubevault/syncstate"
	"github.com/onnwee/tubevault/telemetry"
)

// wiring is everything a backup/update pass needs, assembled from the archive
// directory and the environment.
type wiring struct {
	cfg   config.Config
	arch  *archive.Archiver
	state *syncstate.Store
}

// runOverrides layers command-line knobs over the file configuration for one
// run. Only flags the user actually set are applied; a url argument narrows
// the run to that source, declared or ad hoc.
type runOverrides struct {
	url       string
	outputDir string
	mutations []func(*config.Config)
}

func (ov runOverrides) apply(cfg *config.Config) error {
	for _, fn := range ov.mutations {
		fn(cfg)
	}
	if ov.url != "" {
		var kept []config.Source
		for _, s := range cfg.Sources {
			if s.URL == ov.url {
				// naming a source explicitly runs it even when disabled
				s.Enabled = nil
				kept = append(kept, s)
			}
		}
		if kept == nil {
			kept = []config.Source{{URL: ov.url}}
		}
		cfg.Sources = kept
	}
	if err := cfg.Validate(); err != nil {
		return faults.New(faults.KindConfig, err)
	}
	return nil
}

// wire opens the archive and builds the backend stack. The data API is
// optional (environment credentials), the extractor is optional (binary on
// PATH); at least one must be present.
func wire(ctx context.Context, ov runOverrides) (*wiring, error) {
	dir := flagDir
	if ov.outputDir != "" {
		dir = ov.outputDir
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, faults.New(faults.KindConfig, err)
	}
	if err := ov.apply(&cfg); err != nil {
		return nil, err
	}

	creds := config.LoadCredentials()
	var api enumerate.Backend
	if creds.HasAPI() {
		a, aerr := enumerate.NewDataAPI(ctx, creds)
		if aerr != nil {
			return nil, aerr
		}
		api = a
	} else {
		slog.Info("no data API credentials in environment, extractor-only mode")
	}

	var downloader archive.Downloader
	var ext enumerate.Backend
	if x, xerr := enumerate.NewExtractor(); xerr == nil {
		ext = x
		downloader = x
	} else {
		slog.Warn("extractor unavailable", slog.Any("err", xerr))
	}

	gov, err := quota.New(cfg.Backup.QuotaWaitEnabled,
		time.Duration(cfg.Backup.MaxWaitHours)*time.Hour,
		cfg.Backup.QuotaInterval())
	if err != nil {
		return nil, err
	}

	facade, err := enumerate.New(api, ext, gov, cfg.Backup.Timeout())
	if err != nil {
		return nil, faults.New(faults.KindConfig, err)
	}

	state, err := syncstate.Load(dir)
	if err != nil {
		return nil, err
	}

	arch := archive.New(cfg, facade, store.New(dir), state)
	if cfg.Components.Videos {
		arch.Downloader = downloader
	}

	if cfg.Backup.MetricsAddr != "" {
		go telemetry.ServeMetrics(ctx, cfg.Backup.MetricsAddr)
	}
	return &wiring{cfg: cfg, arch: arch, state: state}, nil
}

// finish maps the run outcome to the process exit code. An error from the run
// itself wins; otherwise the worst per-video severity decides.
func (w *wiring) finish(err error) error {
	if err != nil {
		w.arch.Severity.Observe(err)
	}
	code := w.arch.Severity.ExitCode()
	if code == 0 {
		return nil
	}
	slog.Warn("run finished with failures",
		slog.String("worst", w.arch.Severity.Worst().String()),
		slog.Int("exit_code", code))
	return &exitError{code: code, err: err}
}
