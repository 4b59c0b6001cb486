package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/tubevault/archive"
	"github.com/onnwee/tubevault/config"
	"github.com/onnwee/tubevault/export"
	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/store"
)

var initCmd = &cobra.Command{
	Use:   "init [url...]",
	Short: "Create a new archive in the target directory",
	Long:  "Initializes the content repository (git init, best-effort git annex init),\nwrites the largefiles routing rules and a commented config.toml seeded with\nthe given source URLs, and makes the first commit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()

		cfgPath := filepath.Join(flagDir, config.FileName)
		if _, err := os.Stat(cfgPath); err == nil {
			return faults.New(faults.KindConfig, fmt.Errorf("%s already exists, refusing to reinitialize", cfgPath))
		}
		if err := store.InitRepo(ctx, flagDir, nil); err != nil {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(config.Template(args)), 0o644); err != nil {
			return faults.New(faults.KindFilesystem, err)
		}
		st := store.New(flagDir)
		if err := st.Commit(ctx, "Initialize archive"); err != nil {
			return err
		}
		cmd.Printf("archive initialized in %s\n", flagDir)
		if len(args) == 0 {
			cmd.Printf("edit %s to declare sources, then run: tubevault backup\n", cfgPath)
		}
		return nil
	},
}

var (
	flagLimit        int
	flagLicenses     []string
	flagDateStart    string
	flagDateEnd      string
	flagOutputDir    string
	flagDownload     bool
	flagNoMetadata   bool
	flagNoThumbnails bool
	flagNoCaptions   bool
	flagNoComments   bool
)

// overridesFrom collects the flags the user set on cmd, plus the optional
// source url argument, into the override set wire applies over config.toml.
func overridesFrom(cmd *cobra.Command, args []string) runOverrides {
	ov := runOverrides{outputDir: flagOutputDir}
	if len(args) > 0 {
		ov.url = args[0]
	}
	set := func(name string, fn func(*config.Config)) {
		if cmd.Flags().Changed(name) {
			ov.mutations = append(ov.mutations, fn)
		}
	}
	set("limit", func(c *config.Config) { c.Filters.Limit = flagLimit })
	set("license", func(c *config.Config) { c.Filters.Licenses = flagLicenses })
	set("date-start", func(c *config.Config) { c.Filters.DateStart = flagDateStart })
	set("date-end", func(c *config.Config) { c.Filters.DateEnd = flagDateEnd })
	set("download-videos", func(c *config.Config) { c.Components.Videos = flagDownload })
	set("no-metadata", func(c *config.Config) { c.Components.Metadata = !flagNoMetadata })
	set("no-thumbnails", func(c *config.Config) { c.Components.Thumbnails = !flagNoThumbnails })
	set("no-captions", func(c *config.Config) { c.Components.Captions = !flagNoCaptions })
	set("no-comments", func(c *config.Config) { c.Components.Comments = !flagNoComments })
	return ov
}

var backupCmd = &cobra.Command{
	Use:   "backup [url]",
	Short: "Run a full pass over every enabled source",
	Long:  "Archives every enabled source from config.toml, or just the named url.\nFlags override the file configuration for this run only.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()
		w, err := wire(ctx, overridesFrom(cmd, args))
		if err != nil {
			return err
		}
		return w.finish(w.arch.Run(ctx))
	},
}

var (
	flagForce     bool
	flagForceDate string
)

var updateCmd = &cobra.Command{
	Use:   "update [url]",
	Short: "Incrementally sync the archive with the remote state",
	Long:  "Two-pass incremental sync: a cheap flat listing finds new and disappeared\nvideos, then detail calls are spent only where snapshots show a delta.\n--force refetches everything in scope; --force-date limits that to videos\npublished on or after the date.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()

		opts := archive.UpdateOptions{Force: flagForce}
		if flagForceDate != "" {
			t, err := time.Parse("2006-01-02", flagForceDate)
			if err != nil {
				return faults.New(faults.KindConfig, fmt.Errorf("invalid --force-date %q (want YYYY-MM-DD): %w", flagForceDate, err))
			}
			opts.ForceDate = t
		}
		w, err := wire(ctx, overridesFrom(cmd, args))
		if err != nil {
			return err
		}
		return w.finish(w.arch.Update(ctx, opts))
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write TSV tables of the archived entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()
		if err := export.New(flagDir).Export(ctx); err != nil {
			return err
		}
		return store.New(flagDir).Commit(ctx, "Export tables")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("tubevault %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	backupCmd.Flags().IntVar(&flagLimit, "limit", 0, "archive at most N videos per source")
	backupCmd.Flags().StringSliceVar(&flagLicenses, "license", nil, "only archive these licenses (standard, creativeCommon)")
	backupCmd.Flags().StringVar(&flagDateStart, "date-start", "", "only videos published on or after this date (YYYY-MM-DD)")
	backupCmd.Flags().StringVar(&flagDateEnd, "date-end", "", "only videos published before this date (YYYY-MM-DD)")
	backupCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "archive directory (overrides --dir)")
	backupCmd.Flags().BoolVar(&flagDownload, "download-videos", false, "download video binaries instead of URL-tracking them")
	backupCmd.Flags().BoolVar(&flagNoMetadata, "no-metadata", false, "skip metadata records")
	backupCmd.Flags().BoolVar(&flagNoThumbnails, "no-thumbnails", false, "skip thumbnails")
	backupCmd.Flags().BoolVar(&flagNoCaptions, "no-captions", false, "skip caption sidecars")
	backupCmd.Flags().BoolVar(&flagNoComments, "no-comments", false, "skip comments")
	updateCmd.Flags().BoolVar(&flagForce, "force", false, "refetch every component of every in-scope video")
	updateCmd.Flags().StringVar(&flagForceDate, "force-date", "", "refetch videos published on or after this date (YYYY-MM-DD)")
	rootCmd.AddCommand(initCmd, backupCmd, updateCmd, exportCmd, versionCmd)
}
