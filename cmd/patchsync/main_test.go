package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/launchkit/patchsync/internal/state"
)

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	origFile := logFile
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
		logFile = origFile
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestSetupLogger_LogFile(t *testing.T) {
	origFile := logFile
	origLevel := logLevel
	t.Cleanup(func() {
		logFile = origFile
		logLevel = origLevel
	})

	logFile = filepath.Join(t.TempDir(), "logs", "patchsync.log")
	logLevel = "info"

	setupLogger().Info("hello from the patcher")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
	if !strings.Contains(string(data), "hello from the patcher") {
		t.Errorf("expected message in log file, got %q", string(data))
	}
}

func TestLogWriter(t *testing.T) {
	origFile := logFile
	origEvents := eventFormat
	t.Cleanup(func() {
		logFile = origFile
		eventFormat = origEvents
	})

	logFile = ""
	eventFormat = "log"
	if logWriter() != os.Stdout {
		t.Error("expected logs on stdout by default")
	}

	eventFormat = "json"
	if logWriter() != os.Stderr {
		t.Error("expected logs on stderr when stdout carries JSON events")
	}
}

func writeTestConfig(t *testing.T, gameDir string) string {
	t.Helper()
	content := []byte(`source:
  manifest_url: "https://patch.example.com/manifest"
  base_url: "https://patch.example.com/files"
paths:
  game_dir: "` + gameDir + `"
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeTestConfig(t, filepath.Join(t.TempDir(), "game"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.SourceKind() != "http" {
		t.Errorf("expected http source, got %s", cfg.SourceKind())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if _, err := loadConfig(logger); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestConfigPath_Default(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	home := t.TempDir()
	t.Setenv("HOME", home)
	cfgFile = ""

	want := filepath.Join(home, ".config", "patchsync", "config.yaml")
	if got := configPath(); got != want {
		t.Errorf("configPath() = %s, want %s", got, want)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestManifestCmd(t *testing.T) {
	origOutput := manifestOutput
	t.Cleanup(func() { manifestOutput = origOutput })

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dat"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dat", "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	manifestCmd.SetOut(&out)
	t.Cleanup(func() { manifestCmd.SetOut(nil) })

	manifestOutput = ""
	if err := runManifest(manifestCmd, []string{dir}); err != nil {
		t.Fatalf("runManifest failed: %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9\tdat/hello.txt\n"
	if out.String() != want {
		t.Errorf("expected %q, got %q", want, out.String())
	}

	manifestOutput = filepath.Join(t.TempDir(), "manifest")
	if err := runManifest(manifestCmd, []string{dir}); err != nil {
		t.Fatalf("runManifest with output failed: %v", err)
	}
	data, err := os.ReadFile(manifestOutput)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != want {
		t.Errorf("expected %q in output file, got %q", want, string(data))
	}
}

func TestEtagCmd(t *testing.T) {
	gameDir := t.TempDir()

	var out bytes.Buffer
	etagCmd.SetOut(&out)
	t.Cleanup(func() { etagCmd.SetOut(nil) })

	if err := runEtag(etagCmd, []string{gameDir}); err == nil {
		t.Error("expected error when no etag is recorded")
	}

	if err := state.Set(gameDir, `"v7"`); err != nil {
		t.Fatal(err)
	}
	if err := runEtag(etagCmd, []string{gameDir}); err != nil {
		t.Fatalf("runEtag failed: %v", err)
	}
	if out.String() != "\"v7\"\n" {
		t.Errorf("expected etag line, got %q", out.String())
	}
}

func TestEtagCmd_FromConfig(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	gameDir := t.TempDir()
	if err := state.Set(gameDir, "v1"); err != nil {
		t.Fatal(err)
	}
	cfgFile = writeTestConfig(t, gameDir)

	var out bytes.Buffer
	etagCmd.SetOut(&out)
	t.Cleanup(func() { etagCmd.SetOut(nil) })

	if err := runEtag(etagCmd, nil); err != nil {
		t.Fatalf("runEtag failed: %v", err)
	}
	if out.String() != "v1\n" {
		t.Errorf("expected etag line, got %q", out.String())
	}
}

func TestRunPatch_InvalidEventFormat(t *testing.T) {
	origEvents := eventFormat
	t.Cleanup(func() { eventFormat = origEvents })

	eventFormat = "xml"
	if err := runPatch(patchCmd, nil); err == nil || !strings.Contains(err.Error(), "--events") {
		t.Errorf("expected --events error, got %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
