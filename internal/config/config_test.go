package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("HEARTH_TEST_TOKEN", "secret-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
homeassistant:
  url: http://ha.local:8123
  token: ${HEARTH_TEST_TOKEN}
llm:
  provider: groq
  api_key: gk_test
  max_session_age_sec: 300
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HomeAssistant.Token != "secret-token" {
		t.Errorf("env expansion failed, got %q", cfg.HomeAssistant.Token)
	}
	if cfg.LLM.Provider != "groq" {
		t.Errorf("provider = %q, want groq", cfg.LLM.Provider)
	}
	if cfg.LLM.MaxSessionAgeSec != 300 {
		t.Errorf("max_session_age_sec = %d, want 300", cfg.LLM.MaxSessionAgeSec)
	}

	// Sections not present in the file keep their defaults.
	if cfg.Conversation.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d, want default 5", cfg.Conversation.MaxToolIterations)
	}
	if cfg.Conversation.ToolRetries != 1 {
		t.Errorf("ToolRetries = %d, want default 1", cfg.Conversation.ToolRetries)
	}
	if cfg.Conversation.ToolLatencyBudgetSec != 30 {
		t.Errorf("ToolLatencyBudgetSec = %d, want default 30", cfg.Conversation.ToolLatencyBudgetSec)
	}
	if cfg.Memory.MaxPerUser != 100 {
		t.Errorf("MaxPerUser = %d, want default 100", cfg.Memory.MaxPerUser)
	}
}

func TestLoad_ToolBudgetOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
conversation:
  tool_retries: 3
  tool_latency_budget_sec: 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Conversation.ToolRetries != 3 {
		t.Errorf("ToolRetries = %d, want 3", cfg.Conversation.ToolRetries)
	}
	if cfg.Conversation.ToolLatencyBudgetSec != 10 {
		t.Errorf("ToolLatencyBudgetSec = %d, want 10", cfg.Conversation.ToolLatencyBudgetSec)
	}
	// Untouched fields in the same section keep their defaults.
	if cfg.Conversation.MaxHistoryTurns != 20 {
		t.Errorf("MaxHistoryTurns = %d, want default 20", cfg.Conversation.MaxHistoryTurns)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"  debug  ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
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

func TestReplaceLogLevelNames_Trace(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("got %q, want TRACE", got.Value.String())
	}
}
