package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/launchkit/patchsync/internal/config"
	"github.com/launchkit/patchsync/internal/manifest"
	"github.com/launchkit/patchsync/internal/patch"
	"github.com/launchkit/patchsync/internal/state"
	"github.com/launchkit/patchsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string

	// Patch command flags
	force       bool
	eventFormat string

	// Manifest command flags
	manifestOutput string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Keep a game installation in line with a published reference tree",
	Long: `patchsync compares a local game directory against a published manifest of
sha256 digests, downloads only the files that differ and installs them.

It can run once from a launcher (optionally emitting JSON progress events) or
as a long-running server that patches whenever a new manifest is published.`,
	SilenceUsage: true,
}

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Bring the game directory up to date",
	Long: `Patch fetches the manifest, skipping the run when its etag matches the one
recorded by the last successful patch. Changed files are downloaded into a
staging directory inside the game directory and then moved into place.

With --events json, progress is written to stdout as one JSON object per line
and logs go to stderr.`,
	RunE: runPatch,
}

var etagCmd = &cobra.Command{
	Use:   "etag [game-dir]",
	Short: "Print the etag recorded by the last successful patch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEtag,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir>",
	Short: "Generate a manifest for a reference tree",
	Long: `Manifest hashes every regular file below dir and prints one
"<sha256>\t<path>" line per file. Hidden files and directories are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifest,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger server",
	Long: `Serve performs an initial patch and then listens for signed publish
notifications. Each accepted notification triggers a debounced patch run.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of the console")

	patchCmd.Flags().BoolVar(&force, "force", false, "patch even if the manifest etag is unchanged")
	patchCmd.Flags().StringVar(&eventFormat, "events", "log", "progress event output (log, json)")

	manifestCmd.Flags().StringVarP(&manifestOutput, "output", "o", "", "write the manifest to a file instead of stdout")

	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(etagCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPatch(cmd *cobra.Command, args []string) error {
	if eventFormat != "log" && eventFormat != "json" {
		return fmt.Errorf("invalid --events value %q (must be log or json)", eventFormat)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	p, err := newPatcher(ctx, cfg, newSink(cmd.OutOrStdout(), logger), logger)
	if err != nil {
		return err
	}

	if err := p.run(ctx, force); err != nil {
		if errors.Is(err, patch.ErrCancelled) {
			logger.Info("patch interrupted")
		} else {
			logger.Error("patch failed", "error", err)
		}
		return err
	}
	return nil
}

func runEtag(cmd *cobra.Command, args []string) error {
	var gameDir string
	if len(args) == 1 {
		gameDir = args[0]
	} else {
		cfg, err := loadConfig(setupLogger())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		gameDir = cfg.Paths.GameDir
	}

	etag := state.Get(gameDir)
	if etag == "" {
		return fmt.Errorf("no etag recorded in %s", gameDir)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), etag)
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	entries, err := manifest.Generate(args[0])
	if err != nil {
		return fmt.Errorf("failed to generate manifest: %w", err)
	}
	content := manifest.Format(entries)

	if manifestOutput == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), content)
		return err
	}
	if err := os.WriteFile(manifestOutput, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled is false in %s", configPath())
	}

	p, err := newPatcher(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	// Triggered runs queue behind a one-shot run of another process
	p.lockRetry = serveLockRetry

	server, err := webhook.NewServer(cfg, func(ctx context.Context) error {
		if err := p.run(ctx, false); err != nil && !errors.Is(err, patch.ErrCancelled) {
			return err
		}
		return nil
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger server: %w", err)
	}

	return server.Start(ctx)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(logWriter(), opts)
	} else {
		handler = slog.NewTextHandler(logWriter(), opts)
	}

	return slog.New(handler)
}

// logWriter picks the log destination. Stdout is left to the event stream
// when JSON events are requested.
func logWriter() io.Writer {
	if logFile != "" {
		return &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	if eventFormat == "json" {
		return os.Stderr
	}
	return os.Stdout
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "patchsync", "config.yaml")
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	if path == "" {
		return nil, fmt.Errorf("failed to get user home directory")
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.SourceKind(),
		"game_dir", cfg.Paths.GameDir,
		"request_delay", cfg.Patch.RequestDelay,
		"phase_delay", cfg.Patch.PhaseDelay)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
