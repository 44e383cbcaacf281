package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/asr"
	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/natsserver"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/session"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

// Runtime wires the gateway together: telemetry, the message bus (when any
// backend speaks over it), the event store, the session manager, and the HTTP
// surface. Start blocks until the context is cancelled, then drains.
type Runtime struct {
	cfg        config.Config
	cfgrt      *config.Runtime
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, cfgrt *config.Runtime, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		cfgrt:  cfgrt,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	if r.needsBus() {
		if r.cfg.Bus.Embedded {
			embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded bus: %w", err)
			}
		}
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			if embedded != nil {
				embedded.Shutdown()
			}
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	hooks, err := newPipelineHooks(store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to register pipeline metrics: %w", err)
	}

	backends, err := r.buildBackends(busClient)
	if err != nil {
		return err
	}

	manager := session.NewManager(r.cfg, r.cfgrt, backends, hooks, r.logger)

	// With bus-backed backends, a permanently lost connection is fatal for
	// every live session: close them with an explicit reason rather than
	// letting turns hang.
	if busClient != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if busClient.Conn().IsClosed() {
						r.logger.Error("bus connection lost, closing all sessions")
						manager.CloseAll(protocol.ReasonServiceUnavailable)
						return
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.Handle("/v1/session", newWSHandler(r.cfg, manager, r.logger))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	// SIGHUP re-reads the config file and swaps the tunables snapshot.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := r.cfgrt.Reload(); err != nil {
					r.logger.Warn("config reload failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	r.ready.Store(true)
	r.logger.Info("gateway started",
		slog.String("addr", addr),
		slog.String("asr_mode", r.cfg.ASR.Mode),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("gateway stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop accepting sessions, let in-flight turns finish, then tear down
	// the transport.
	manager.Drain(shutdownCtx)
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if busClient != nil {
		busClient.Close()
	}
	if embedded != nil {
		embedded.Shutdown()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) needsBus() bool {
	return r.cfg.ASR.Mode == "bus" || r.cfg.LLM.Mode == "bus" || r.cfg.TTS.Mode == "bus"
}

func (r *Runtime) buildBackends(busClient *bus.Client) (session.Backends, error) {
	var b session.Backends

	switch r.cfg.ASR.Mode {
	case "bus":
		b.ASR = asr.NewBusRecognizer(busClient, r.cfg.Pipeline.QueueDepth, r.logger)
	default:
		b.ASR = asr.NewMockRecognizer()
	}

	switch r.cfg.LLM.Mode {
	case "bus":
		b.LLM = llm.NewBusGenerator(busClient, r.cfg.Pipeline.QueueDepth, r.logger)
	case "ollama":
		b.LLM = llm.NewOllamaGenerator(r.cfg.LLM.Endpoint, r.cfg.LLM.Model)
	default:
		b.LLM = llm.NewMockGenerator()
	}

	switch r.cfg.TTS.Mode {
	case "bus":
		b.TTS = tts.NewBusSynth(busClient, r.cfg.Pipeline.QueueDepth, r.cfg.TTS.Channels, r.logger)
	default:
		b.TTS = tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	}

	return b, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
