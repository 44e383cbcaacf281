package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Tunables are the knobs that may change at runtime without a restart. The
// coordinator and session manager read a snapshot at each decision point, so
// a reload never tears an in-flight turn.
type Tunables struct {
	MaxSessions                  int
	DrainGrace                   time.Duration
	FinalityTimeout              time.Duration
	FlushTimeout                 time.Duration
	GenerationDeadline           time.Duration
	SynthesisDeadline            time.Duration
	RetryBackoff                 time.Duration
	BargeInEnabled               bool
	DebounceWindow               time.Duration
	EnergyThreshold              float64
	ClientCancelBypassesDebounce bool
}

func tunablesFrom(cfg Config) Tunables {
	return Tunables{
		MaxSessions:                  cfg.Session.MaxSessions,
		DrainGrace:                   time.Duration(cfg.Session.DrainGraceMS) * time.Millisecond,
		FinalityTimeout:              time.Duration(cfg.Session.FinalityTimeoutMS) * time.Millisecond,
		FlushTimeout:                 time.Duration(cfg.Pipeline.FlushTimeoutMS) * time.Millisecond,
		GenerationDeadline:           time.Duration(cfg.Pipeline.GenerationDeadlineMS) * time.Millisecond,
		SynthesisDeadline:            time.Duration(cfg.Pipeline.SynthesisDeadlineMS) * time.Millisecond,
		RetryBackoff:                 time.Duration(cfg.Pipeline.RetryBackoffMS) * time.Millisecond,
		BargeInEnabled:               cfg.BargeIn.Enabled,
		DebounceWindow:               time.Duration(cfg.BargeIn.DebounceMS) * time.Millisecond,
		EnergyThreshold:              cfg.BargeIn.EnergyThreshold,
		ClientCancelBypassesDebounce: cfg.BargeIn.ClientCancelBypassesDebounce,
	}
}

// Runtime holds the hot-reloadable view of the configuration. Structural
// settings (ports, backend modes, store paths) still require a restart.
type Runtime struct {
	path     string
	logger   *slog.Logger
	tunables atomic.Pointer[Tunables]
}

func NewRuntime(path string, cfg Config, logger *slog.Logger) *Runtime {
	r := &Runtime{path: path, logger: logger}
	t := tunablesFrom(cfg)
	r.tunables.Store(&t)
	return r
}

// Tunables returns the current snapshot. The returned pointer is immutable.
func (r *Runtime) Tunables() *Tunables {
	return r.tunables.Load()
}

// Reload re-reads the config file and swaps the tunables snapshot. Invalid
// files leave the previous snapshot in place.
func (r *Runtime) Reload() error {
	cfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	t := tunablesFrom(cfg)
	r.tunables.Store(&t)
	r.logger.Info("configuration reloaded",
		slog.Int("max_sessions", t.MaxSessions),
		slog.Duration("debounce_window", t.DebounceWindow),
		slog.Duration("flush_timeout", t.FlushTimeout))
	return nil
}
