package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ${CONVMEM_TEST_DATA}\n"), 0600)
	t.Setenv("CONVMEM_TEST_DATA", "/var/lib/convmem")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "/var/lib/convmem" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/var/lib/convmem")
	}
}

func TestLoad_PartialMemoryKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("memory:\n  token_budget: 800\n  content_ttl_hours: 48\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	m := cfg.Memory
	if m.TokenBudget != 800 {
		t.Errorf("token_budget = %d, want 800", m.TokenBudget)
	}
	if m.ContentTTL() != 48*time.Hour {
		t.Errorf("ContentTTL() = %v, want 48h", m.ContentTTL())
	}
	if m.PersistAfterTurns != 5 {
		t.Errorf("persist_after_turns = %d, want default 5", m.PersistAfterTurns)
	}
	if m.ReinforceEveryTurns != 5 {
		t.Errorf("reinforce_every_turns = %d, want default 5", m.ReinforceEveryTurns)
	}
	if m.ArchivedRetention() != 30*24*time.Hour {
		t.Errorf("ArchivedRetention() = %v, want 30d", m.ArchivedRetention())
	}
	if cfg.Maintenance.ArchiveSchedule != "@hourly" {
		t.Errorf("archive_schedule = %q, want @hourly", cfg.Maintenance.ArchiveSchedule)
	}
}

func TestLoad_InvalidTokenizer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("memory:\n  tokenizer: sentencepiece\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should reject unknown tokenizer")
	}
	if !strings.Contains(err.Error(), "tokenizer") {
		t.Errorf("error = %v, want mention of tokenizer", err)
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogAttrs(t *testing.T) {
	a := ReplaceLogAttrs(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}

	short := ReplaceLogAttrs(nil, slog.String("path", "/src/app"))
	if short.Value.String() != "/src/app" {
		t.Errorf("short value rewritten to %q", short.Value.String())
	}

	long := strings.Repeat("é", MaxLogValueBytes) // two bytes per rune
	clipped := ReplaceLogAttrs(nil, slog.String("response", long)).Value.String()
	if !strings.HasSuffix(clipped, fmt.Sprintf("…(%d bytes)", len(long))) {
		t.Errorf("clipped value suffix = %q", clipped[len(clipped)-20:])
	}
	if !utf8.ValidString(clipped) || len(clipped) > MaxLogValueBytes+32 {
		t.Errorf("clipped value is %d bytes, valid utf8 = %v", len(clipped), utf8.ValidString(clipped))
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelTrace, "json").Log(context.Background(), LevelTrace, "turn recorded", "turn_id", 3)
	if !strings.Contains(buf.String(), `"level":"TRACE"`) || !strings.Contains(buf.String(), `"turn_id":3`) {
		t.Errorf("json output = %s", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	NewLogger(&buf, slog.LevelInfo, "yaml").Info("shown", "tool", "grep")
	if got := buf.String(); strings.Contains(got, "hidden") || !strings.Contains(got, "level=INFO msg=shown tool=grep") {
		t.Errorf("text output = %q", got)
	}
}
