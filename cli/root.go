// Package cli is the command surface: init, backup, update, export, version.
// Logging, metrics, tracing and signal handling are set up once here; every
// command runs under a context canceled by SIGINT/SIGTERM so in-flight work
// can checkpoint before the process exits.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/tubevault/faults"
	"github.com/onnwee/tubevault/telemetry"
)

// Version is stamped by the build (-ldflags "-X .../cli.Version=...").
var Version = "dev"

var (
	flagDir      string
	flagLogLevel string
	flagJSON     bool
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:           "tubevault",
	Short:         "Content-addressed video archiver",
	Long:          "tubevault archives channels and playlists into a git/git-annex repository:\nmetadata, thumbnails, captions and comments as sidecar files, video binaries\nas tracked or downloaded annex blobs.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		setupLogging()
		telemetry.Init()
		shutdown, err := telemetry.InitTracing("tubevault", Version)
		if err != nil {
			slog.Warn("tracing init failed, continuing without", slog.Any("err", err))
			return nil
		}
		tracingShutdown = shutdown
		return nil
	},
}

// tracingShutdown flushes spans at process exit; a no-op until tracing is up.
var tracingShutdown = func() {}

func init() {
	// parse failures are usage errors, not transport or data failures
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", ".", "archive directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "log as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log warnings and errors")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if flagQuiet && lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	var handler slog.Handler
	if flagJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

// runContext gives each command a signal-canceled context carrying a run
// correlation id.
func runContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	return ctx, cancel
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer tracingShutdown()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		var ec *exitError
		if errors.As(err, &ec) {
			return ec.code
		}
		if isUsageError(err) {
			return 2
		}
		return faults.KindOf(err).ExitCode()
	}
	return 0
}

// isUsageError recognizes cobra's own dispatch and argument failures, which
// carry no fault kind of their own.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, p := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "invalid argument", "accepts at most", "requires at least"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }
