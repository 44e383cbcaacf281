package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.MaxSessions != 256 {
		t.Fatalf("expected default max sessions 256, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Pipeline.FlushTimeoutMS != 300 {
		t.Fatalf("expected default flush timeout 300ms, got %d", cfg.Pipeline.FlushTimeoutMS)
	}
	if cfg.BargeIn.DebounceMS != 200 {
		t.Fatalf("expected default debounce 200ms, got %d", cfg.BargeIn.DebounceMS)
	}
	if cfg.ASR.Mode != "mock" || cfg.LLM.Mode != "mock" || cfg.TTS.Mode != "mock" {
		t.Fatalf("expected mock backends by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_GW_SESSION_MAX_SESSIONS", "8")
	t.Setenv("LOQA_GW_SESSION_FINALITY_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_GW_PIPELINE_FLUSH_TIMEOUT_MS", "150")
	t.Setenv("LOQA_GW_BARGE_IN_ENABLED", "false")
	t.Setenv("LOQA_GW_BARGE_IN_ENERGY_THRESHOLD", "750.5")
	t.Setenv("LOQA_GW_LLM_MODE", "ollama")
	t.Setenv("LOQA_GW_LLM_ENDPOINT", "http://model-host:11434")
	t.Setenv("LOQA_GW_TTS_VOICE", "en-GB")
	t.Setenv("LOQA_GW_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Session.MaxSessions != 8 {
		t.Fatalf("expected max sessions 8, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.FinalityTimeoutMS != 5000 {
		t.Fatalf("expected finality timeout override")
	}
	if cfg.Pipeline.FlushTimeoutMS != 150 {
		t.Fatalf("expected flush timeout override, got %d", cfg.Pipeline.FlushTimeoutMS)
	}
	if cfg.BargeIn.Enabled {
		t.Fatal("expected barge-in disabled")
	}
	if cfg.BargeIn.EnergyThreshold != 750.5 {
		t.Fatalf("expected energy threshold 750.5, got %f", cfg.BargeIn.EnergyThreshold)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Endpoint != "http://model-host:11434" {
		t.Fatalf("expected llm overrides, got %s %s", cfg.LLM.Mode, cfg.LLM.Endpoint)
	}
	if cfg.TTS.Voice != "en-GB" {
		t.Fatalf("expected voice override, got %s", cfg.TTS.Voice)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("LOQA_GW_ASR_MODE", "whisper")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown asr mode")
	}
}

func TestValidateRejectsZeroDebounce(t *testing.T) {
	t.Setenv("LOQA_GW_BARGE_IN_DEBOUNCE_MS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for zero debounce with barge-in enabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	data := []byte(`
session:
  max_sessions: 4
pipeline:
  flush_timeout_ms: 100
llm:
  mode: mock
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.MaxSessions != 4 {
		t.Fatalf("expected max sessions from file, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Pipeline.FlushTimeoutMS != 100 {
		t.Fatalf("expected flush timeout from file, got %d", cfg.Pipeline.FlushTimeoutMS)
	}
	// Untouched sections keep defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.HTTP.Port)
	}
}

func TestRuntimeReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("barge_in:\n  debounce_ms: 200\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := NewRuntime(path, cfg, logger)
	if rt.Tunables().DebounceWindow != 200*time.Millisecond {
		t.Fatalf("expected initial debounce 200ms, got %v", rt.Tunables().DebounceWindow)
	}

	if err := os.WriteFile(path, []byte("barge_in:\n  debounce_ms: 350\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := rt.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rt.Tunables().DebounceWindow != 350*time.Millisecond {
		t.Fatalf("expected reloaded debounce 350ms, got %v", rt.Tunables().DebounceWindow)
	}
}

func TestRuntimeReloadKeepsSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("session:\n  max_sessions: 16\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := NewRuntime(path, cfg, logger)

	if err := os.WriteFile(path, []byte("session:\n  max_sessions: -1\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := rt.Reload(); err == nil {
		t.Fatal("expected reload error for invalid config")
	}
	if rt.Tunables().MaxSessions != 16 {
		t.Fatalf("expected previous snapshot retained, got %d", rt.Tunables().MaxSessions)
	}
}
