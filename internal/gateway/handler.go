// Package gateway terminates device WebSocket channels, dispatches wire
// messages into the session core, and serves the administrative HTTP
// interface.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/protocol"
	"github.com/duocam/duocam/internal/session"
)

// Config holds WebSocket transport settings.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      32,
		CheckOrigin:     OriginChecker([]string{"*"}),
	}
}

// OriginChecker builds a CheckOrigin function from an origin allowlist. A
// "*" entry admits every origin. Requests without an Origin header are
// accepted; the camera devices are not browsers and send none.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handler upgrades device connections and routes their messages.
type Handler struct {
	registry *session.Registry
	upgrader websocket.Upgrader
	config   Config

	openConnections atomic.Int64
}

// NewHandler creates a gateway handler over the given registry.
func NewHandler(registry *session.Registry, config Config) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// HandleDeviceConnection upgrades the request and serves the device channel
// until it closes. One goroutine reads, the connection's write pump writes.
func (h *Handler) HandleDeviceConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newWSConn(uuid.New().String(), ws, h.config)
	h.openConnections.Add(1)
	go conn.writePump()

	log.Info().
		Str("connection_id", conn.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	h.readLoop(conn)
	h.openConnections.Add(-1)
}

func (h *Handler) readLoop(conn *wsConn) {
	var (
		sess *session.Session
		dev  *session.Device
	)
	defer func() {
		if sess != nil && dev != nil {
			h.registry.Leave(sess.ID(), dev.ID)
		}
		conn.Close()
	}()

	conn.ws.SetReadLimit(h.config.MaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", conn.id).
					Msg("unexpected WebSocket close")
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(conn, "malformed message")
			continue
		}
		h.dispatch(conn, &sess, &dev, msg)
	}
}

// dispatch routes one inbound message. All errors stay local to this
// connection: they are reported back as an error message and never touch
// other devices' state.
func (h *Handler) dispatch(conn *wsConn, sess **session.Session, dev **session.Device, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoin:
		h.handleJoin(conn, sess, dev, msg)

	case protocol.TypeTimeSyncResponse:
		if *sess == nil {
			h.sendError(conn, "not joined")
			return
		}
		if err := (*sess).HandleTimeSyncResponse((*dev).ID, msg); err != nil {
			h.sendError(conn, err.Error())
		}

	case protocol.TypeStartRecording:
		if *sess == nil {
			h.sendError(conn, "not joined")
			return
		}
		if _, err := (*sess).StartRecording((*dev).ID); err != nil {
			h.sendError(conn, err.Error())
		}

	case protocol.TypeStopRecording:
		if *sess == nil {
			h.sendError(conn, "not joined")
			return
		}
		if _, err := (*sess).StopRecording((*dev).ID); err != nil {
			h.sendError(conn, err.Error())
		}

	case protocol.TypePing:
		conn.Send(protocol.Message{Type: protocol.TypePong})

	default:
		h.sendError(conn, "unknown message type")
	}
}

func (h *Handler) handleJoin(conn *wsConn, sess **session.Session, dev **session.Device, msg protocol.Message) {
	if *sess != nil {
		h.sendError(conn, "already joined")
		return
	}

	joined, device, err := h.registry.Join(conn, msg.SessionID, msg.IsHost, msg.DeviceName)
	if err != nil {
		// The refused connection stays open; the device may retry.
		switch {
		case errors.Is(err, session.ErrInvalidSessionCode):
			h.sendError(conn, "invalid session code")
		case errors.Is(err, session.ErrSessionNotFound):
			h.sendError(conn, "session not found")
		case errors.Is(err, session.ErrSessionFull):
			h.sendError(conn, "session full")
		default:
			h.sendError(conn, err.Error())
		}
		return
	}
	*sess = joined
	*dev = device

	status := joined.Status()
	conn.Send(protocol.Message{
		Type:          protocol.TypeJoined,
		SessionID:     joined.ID(),
		DeviceID:      device.ID,
		DeviceName:    device.Name,
		IsHost:        device.IsHost,
		SessionStatus: &status,
	})
}

func (h *Handler) sendError(conn *wsConn, text string) {
	if err := conn.Send(protocol.Message{Type: protocol.TypeError, ErrorMessage: text}); err != nil {
		log.Debug().
			Str("connection_id", conn.id).
			Str("error_text", text).
			Msg("error message dropped, channel unavailable")
	}
}
