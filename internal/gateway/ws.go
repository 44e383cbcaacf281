package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/session"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// wsClient adapts a websocket connection to the coordinator's ClientStream.
// The delivery worker and the coordinator write concurrently; the mutex
// serializes frames.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsClient) SendEvent(ev protocol.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

type wsHandler struct {
	cfg      config.Config
	manager  *session.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(cfg config.Config, manager *session.Manager, logger *slog.Logger) *wsHandler {
	return &wsHandler{
		cfg:     cfg,
		manager: manager,
		logger:  logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session message loop.
//
// Protocol: the client sends a JSON start message, streams binary PCM
// chunks, and receives binary audio plus JSON transcript/status events back.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()

	format, voice, err := h.readStart(conn)
	if err != nil {
		_ = client.SendEvent(protocol.ClientEvent{
			Type:    protocol.ClientEventError,
			Message: err.Error(),
		})
		return
	}

	sess, err := h.manager.Open(r.Context(), client, format, voice)
	if err != nil {
		reason := protocol.ReasonServiceUnavailable
		switch err {
		case session.ErrCapacity:
			reason = protocol.ReasonCapacity
		case session.ErrDraining:
			reason = protocol.ReasonDraining
		}
		_ = client.SendEvent(protocol.ClientEvent{
			Type:   protocol.ClientEventStatus,
			State:  session.StateIdle.String(),
			Reason: reason,
		})
		return
	}
	defer h.manager.Close(sess, "client_disconnect")

	_ = client.SendEvent(protocol.ClientEvent{
		Type:      protocol.ClientEventSessionCreated,
		SessionID: sess.ID,
		Format:    &format,
	})

	// A server-side close (drain, fatal backend loss) must release the read
	// loop; closing the socket is the only way to unblock ReadMessage.
	go func() {
		<-sess.Coordinator.Done()
		conn.Close()
	}()

	h.readLoop(conn, client, sess)
}

func (h *wsHandler) readStart(conn *websocket.Conn) (protocol.AudioFormat, string, error) {
	format := protocol.AudioFormat{
		SampleRate: h.cfg.ASR.SampleRate,
		Channels:   h.cfg.ASR.Channels,
		Encoding:   "pcm16",
	}
	voice := h.cfg.TTS.Voice

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var start protocol.ControlMessage
	if err := conn.ReadJSON(&start); err != nil {
		return format, voice, errMalformed("expected a start message within the handshake window")
	}
	if start.Action != protocol.ControlStart {
		return format, voice, errMalformed("first message must be a start control message")
	}
	if start.Encoding != "" && start.Encoding != "pcm16" {
		return format, voice, errMalformed("unsupported audio encoding: " + start.Encoding)
	}
	if start.SampleRate > 0 {
		format.SampleRate = start.SampleRate
	}
	if start.Channels > 0 {
		format.Channels = start.Channels
	}
	if start.Voice != "" {
		voice = start.Voice
	}
	_ = conn.SetReadDeadline(time.Time{})
	return format, voice, nil
}

type malformedError string

func errMalformed(msg string) error    { return malformedError(msg) }
func (e malformedError) Error() string { return string(e) }

func (h *wsHandler) readLoop(conn *websocket.Conn, client *wsClient, sess *session.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("client stream closed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			// The read buffer is reused by gorilla; the pipeline keeps
			// chunks beyond this iteration.
			pcm := make([]byte, len(data))
			copy(pcm, data)
			sess.Coordinator.SubmitAudio(pcm)
		case websocket.TextMessage:
			h.handleControl(client, sess, data)
		}
	}
}

func (h *wsHandler) handleControl(client *wsClient, sess *session.Session, data []byte) {
	var ctrl protocol.ControlMessage
	if err := json.Unmarshal(data, &ctrl); err != nil {
		_ = client.SendEvent(protocol.ClientEvent{
			Type:    protocol.ClientEventError,
			Message: "invalid control message",
		})
		return
	}
	switch ctrl.Action {
	case protocol.ControlCancel:
		sess.Coordinator.RequestCancel()
	case protocol.ControlPing:
		_ = client.SendEvent(protocol.ClientEvent{Type: protocol.ClientEventPong})
	case protocol.ControlClearHistory:
		sess.Coordinator.ClearHistory()
	case protocol.ControlChangeLanguage:
		sess.Coordinator.ChangeLanguage(ctrl.Language)
	case protocol.ControlGetState:
		_ = client.SendEvent(protocol.ClientEvent{
			Type:      protocol.ClientEventState,
			SessionID: sess.ID,
			State:     sess.Coordinator.State().String(),
		})
	default:
		_ = client.SendEvent(protocol.ClientEvent{
			Type:    protocol.ClientEventError,
			Message: "unknown control action: " + ctrl.Action,
		})
	}
}
