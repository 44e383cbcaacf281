package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// ErrCapacity is returned when the concurrent session limit is reached. The
// connection is rejected before any session state is constructed.
var ErrCapacity = errors.New("session capacity exhausted")

// ErrDraining is returned for new connections while shutdown is in progress.
var ErrDraining = errors.New("session manager draining")

// Session ties together the per-connection components: one state machine,
// one coordinator, one latency recorder.
type Session struct {
	ID          string
	Format      protocol.AudioFormat
	CreatedAt   time.Time
	Coordinator *Coordinator
	client      ClientStream
}

// Manager owns cross-session bookkeeping: capacity accounting and shutdown
// drain. Everything per-session lives with the session's own coordinator.
type Manager struct {
	cfg      config.Config
	cfgrt    *config.Runtime
	logger   *slog.Logger
	hooks    Hooks
	backends Backends

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	wg       sync.WaitGroup
}

func NewManager(cfg config.Config, cfgrt *config.Runtime, backends Backends, hooks Hooks, logger *slog.Logger) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Manager{
		cfg:      cfg,
		cfgrt:    cfgrt,
		logger:   logger.With(slog.String("component", "session-manager")),
		hooks:    hooks,
		backends: backends,
		sessions: make(map[string]*Session),
	}
}

// Open admits a new client connection and constructs its session. Capacity
// and drain checks happen before any component is built.
func (m *Manager) Open(ctx context.Context, client ClientStream, format protocol.AudioFormat, voice string) (*Session, error) {
	t := m.cfgrt.Tunables()

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrDraining
	}
	if len(m.sessions) >= t.MaxSessions {
		m.mu.Unlock()
		return nil, ErrCapacity
	}

	id := uuid.NewString()
	params := Params{
		SessionID:     id,
		Format:        format,
		Voice:         voice,
		MaxTokens:     m.cfg.LLM.MaxTokens,
		Temperature:   m.cfg.LLM.Temperature,
		HistoryLimit:  m.cfg.Session.HistoryLimit,
		FrameDuration: time.Duration(m.cfg.ASR.FrameDurationMS) * time.Millisecond,
		QueueDepth:    m.cfg.Pipeline.QueueDepth,
		RingSize:      m.cfg.Pipeline.AudioRingSize,
	}
	coordinator := NewCoordinator(ctx, params, m.cfgrt, m.backends, client, m.hooks, m.logger)
	sess := &Session{
		ID:          id,
		Format:      format,
		CreatedAt:   time.Now(),
		Coordinator: coordinator,
		client:      client,
	}
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		coordinator.Run()
	}()

	m.hooks.SessionStarted(id)
	m.logger.Info("session opened", slog.String("session_id", id), slog.Int("active", count))
	return sess, nil
}

// Close ends one session and releases its slot.
func (m *Manager) Close(sess *Session, reason string) {
	m.mu.Lock()
	_, known := m.sessions[sess.ID]
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	if !known {
		return
	}
	sess.Coordinator.Close()
	m.hooks.SessionEnded(sess.ID, reason)
	m.logger.Info("session closed", slog.String("session_id", sess.ID), slog.String("reason", reason))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll force-closes every session with a client-visible reason. Used on
// fatal backend unavailability; never a silent stream close.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		_ = sess.client.SendEvent(protocol.ClientEvent{
			Type:      protocol.ClientEventStatus,
			SessionID: sess.ID,
			State:     StateIdle.String(),
			Reason:    reason,
		})
		m.Close(sess, reason)
	}
}

// Drain performs graceful shutdown: new sessions are refused immediately,
// then each live session gets up to the grace period to reach IDLE with no
// pending audio before being closed regardless of state.
func (m *Manager) Drain(ctx context.Context) {
	t := m.cfgrt.Tunables()

	m.mu.Lock()
	m.draining = true
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	m.logger.Info("draining sessions", slog.Int("count", len(live)), slog.Duration("grace", t.DrainGrace))
	deadline := time.Now().Add(t.DrainGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	remaining := live
	for len(remaining) > 0 && time.Now().Before(deadline) {
		var still []*Session
		for _, sess := range remaining {
			if sess.Coordinator.Drainable() {
				m.Close(sess, protocol.ReasonDraining)
				continue
			}
			still = append(still, sess)
		}
		remaining = still
		if len(remaining) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			remaining = remaining[:0]
			for _, sess := range m.snapshot() {
				m.Close(sess, protocol.ReasonDraining)
			}
		case <-ticker.C:
		}
	}

	// Grace period elapsed: close whatever is left, mid-turn or not.
	for _, sess := range m.snapshot() {
		_ = sess.client.SendEvent(protocol.ClientEvent{
			Type:      protocol.ClientEventStatus,
			SessionID: sess.ID,
			State:     StateIdle.String(),
			Reason:    protocol.ReasonDraining,
		})
		m.Close(sess, protocol.ReasonDraining)
	}
	m.wg.Wait()
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}
