// Package client implements the device-side sync coordinator: it joins a
// session over a WebSocket channel, answers clock-sync probes, keeps the
// latest offset estimate, translates the server-chosen atomic start instant
// into a local delay, and reconnects with bounded exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/protocol"
)

// State is the coordinator's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRecording    State = "recording"
)

var (
	// ErrNotConnected is returned by start/stop requests while the channel
	// is down; requests are never queued for later delivery.
	ErrNotConnected = errors.New("not connected to session")

	// ErrAlreadyConnected is returned by Connect while a channel is active.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrInvalidSessionCode is returned by Connect for a malformed code.
	ErrInvalidSessionCode = errors.New("invalid session code")

	// ErrReconnectExhausted is the terminal failure after the reconnect
	// budget is spent; the application must reconnect manually.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted, reconnect manually")
)

// Recorder is the device-native recording contract the coordinator drives.
type Recorder interface {
	OnRecordingStart()
	OnRecordingStop()
}

// Events surfaces coordinator state to the application. Implementations
// must not block; embed NopEvents to pick only the notifications needed.
type Events interface {
	SessionJoined(status protocol.SessionStatus)
	DeviceConnected(dev protocol.DeviceStatus)
	DeviceDisconnected(deviceID string)
	RecordingStateChanged(isRecording bool, state State)
	SessionEnded()
	ConnectionStateChanged(state State)
	ConnectionFailed(err error)
	Error(err error)
}

// NopEvents is an Events implementation that ignores everything.
type NopEvents struct{}

func (NopEvents) SessionJoined(protocol.SessionStatus)  {}
func (NopEvents) DeviceConnected(protocol.DeviceStatus) {}
func (NopEvents) DeviceDisconnected(string)             {}
func (NopEvents) RecordingStateChanged(bool, State)     {}
func (NopEvents) SessionEnded()                         {}
func (NopEvents) ConnectionStateChanged(State)          {}
func (NopEvents) ConnectionFailed(error)                {}
func (NopEvents) Error(error)                           {}

// Config holds coordinator settings.
type Config struct {
	URL                  string
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MaxStartDelay        time.Duration
}

// DefaultConfig returns the default coordinator settings for a server URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		MaxStartDelay:        5 * time.Second,
	}
}

// Coordinator is one device's agent. Exactly one channel is active at a
// time; the heartbeat stops when the channel closes and the reconnect timer
// runs only after an abnormal close.
type Coordinator struct {
	config   Config
	clock    clockwork.Clock
	recorder Recorder
	events   Events

	mu          sync.Mutex
	state       State
	isRecording bool
	ws          *websocket.Conn
	sessionID   string
	isHost      bool
	deviceName  string
	deviceID    string

	offsetMs        float64
	latencyMs       float64
	offsetUpdatedAt time.Time
	hasOffset       bool

	reconnectAttempts int
	manualClose       bool
	startTimer        clockwork.Timer
	reconnectTimer    clockwork.Timer
	heartbeatDone     chan struct{}

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// New creates a coordinator. recorder must be non-nil; events may be nil.
func New(config Config, recorder Recorder, events Events) *Coordinator {
	if events == nil {
		events = NopEvents{}
	}
	return &Coordinator{
		config:   config,
		clock:    clockwork.NewRealClock(),
		recorder: recorder,
		events:   events,
		state:    StateDisconnected,
	}
}

// Connect opens the channel and joins the session. It returns once the join
// message is on the wire; the joined confirmation arrives through Events.
func (c *Coordinator) Connect(ctx context.Context, sessionID string, isHost bool, deviceName string) error {
	if !protocol.ValidSessionCode(sessionID) {
		return ErrInvalidSessionCode
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.sessionID = sessionID
	c.isHost = isHost
	c.deviceName = deviceName
	c.manualClose = false
	c.reconnectAttempts = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Coordinator) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to coordination server: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	hb := make(chan struct{})
	c.heartbeatDone = hb
	c.mu.Unlock()

	join := protocol.Message{
		Type:       protocol.TypeJoin,
		SessionID:  c.sessionID,
		IsHost:     c.isHost,
		DeviceName: c.deviceName,
	}
	if err := c.send(join); err != nil {
		c.mu.Lock()
		c.ws = nil
		c.heartbeatDone = nil
		c.mu.Unlock()
		close(hb)
		ws.Close()
		return fmt.Errorf("failed to send join: %w", err)
	}

	go c.readLoop(ws)
	go c.heartbeat(hb)
	return nil
}

// Disconnect closes the channel with a normal close code. No reconnection
// is attempted; a pending reconnect timer is cancelled.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.cancelStartTimerLocked()
	ws := c.ws
	c.ws = nil
	hb := c.heartbeatDone
	c.heartbeatDone = nil
	c.isRecording = false
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if hb != nil {
		close(hb)
	}
	if ws != nil {
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}
}

// StartRecording asks the server to begin a synchronized recording. It fails
// immediately while disconnected and is never queued.
func (c *Coordinator) StartRecording() error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.Message{Type: protocol.TypeStartRecording, SessionID: sessionID})
}

// StopRecording asks the server to stop the recording. Same locality rules
// as StartRecording.
func (c *Coordinator) StopRecording() error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.Message{Type: protocol.TypeStopRecording, SessionID: sessionID})
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offset returns the most recent clock offset estimate. ok is false before
// the first time_sync_update arrives; the delay computation then falls back
// to offset zero.
func (c *Coordinator) Offset() (offsetMs, latencyMs float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMs, c.latencyMs, c.hasOffset
}

func (c *Coordinator) send(msg protocol.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Coordinator) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleChannelClosed(ws, err)
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.events.Error(fmt.Errorf("malformed server message: %w", err))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Coordinator) heartbeat(done chan struct{}) {
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			// Liveness only; a missed pong is left to the channel's own
			// close detection.
			if err := c.send(protocol.Message{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoined:
		c.mu.Lock()
		c.deviceID = msg.DeviceID
		c.reconnectAttempts = 0
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		var status protocol.SessionStatus
		if msg.SessionStatus != nil {
			status = *msg.SessionStatus
		}
		c.events.SessionJoined(status)

	case protocol.TypeDeviceConnected:
		c.events.DeviceConnected(protocol.DeviceStatus{
			DeviceID:   msg.DeviceID,
			DeviceName: msg.DeviceName,
			IsHost:     msg.IsHost,
		})

	case protocol.TypeDeviceDisconnected:
		c.events.DeviceDisconnected(msg.DeviceID)

	case protocol.TypeStartRecording:
		c.handleStartRecording(msg)

	case protocol.TypeStopRecording:
		c.mu.Lock()
		c.cancelStartTimerLocked()
		c.isRecording = false
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		c.recorder.OnRecordingStop()
		c.events.RecordingStateChanged(false, StateConnected)

	case protocol.TypeSessionEnded:
		c.mu.Lock()
		// The server closes the channel next; do not fight it with
		// reconnect attempts.
		c.manualClose = true
		c.cancelStartTimerLocked()
		c.mu.Unlock()
		c.events.SessionEnded()

	case protocol.TypeTimeSyncRequest:
		reply := protocol.Message{
			Type:            protocol.TypeTimeSyncResponse,
			RequestID:       msg.RequestID,
			ServerTimestamp: msg.ServerTimestamp,
			ClientTimestamp: protocol.Int64(c.clock.Now().UnixMilli()),
		}
		if err := c.send(reply); err != nil {
			log.Debug().Err(err).Msg("time sync reply failed")
		}

	case protocol.TypeTimeSyncUpdate:
		if msg.OffsetMs == nil || msg.LatencyMs == nil {
			return
		}
		c.mu.Lock()
		c.offsetMs = *msg.OffsetMs
		c.latencyMs = *msg.LatencyMs
		c.offsetUpdatedAt = c.clock.Now()
		c.hasOffset = true
		c.mu.Unlock()
		log.Debug().
			Float64("offset_ms", *msg.OffsetMs).
			Float64("latency_ms", *msg.LatencyMs).
			Msg("clock offset updated")

	case protocol.TypePong:
		// Heartbeat reply; nothing to do.

	case protocol.TypeError:
		c.events.Error(errors.New(msg.ErrorMessage))

	default:
		log.Debug().Str("message_type", string(msg.Type)).Msg("ignoring unknown server message")
	}
}

// handleStartRecording schedules the local recording start on the atomic
// instant. Recording state is reported at scheduling time, not when the
// callback fires.
func (c *Coordinator) handleStartRecording(msg protocol.Message) {
	if msg.AtomicStartTime != nil {
		c.mu.Lock()
		offset := c.offsetMs
		c.mu.Unlock()
		delay := computeStartDelay(*msg.AtomicStartTime, c.clock.Now().UnixMilli(), offset, c.config.MaxStartDelay)
		c.scheduleStart(delay)
		log.Debug().
			Int64("atomic_start_time", *msg.AtomicStartTime).
			Dur("delay", delay).
			Msg("recording start scheduled")
	} else {
		c.recorder.OnRecordingStart()
	}

	c.mu.Lock()
	c.isRecording = true
	c.setStateLocked(StateRecording)
	c.mu.Unlock()
	c.events.RecordingStateChanged(true, StateRecording)
}

// scheduleStart arms the single cancellable start timer. A second start
// command replaces a still-pending schedule.
func (c *Coordinator) scheduleStart(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelStartTimerLocked()
	c.startTimer = c.clock.AfterFunc(delay, c.recorder.OnRecordingStart)
}

func (c *Coordinator) cancelStartTimerLocked() {
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
}

// handleChannelClosed runs when the read loop exits. A normal close or a
// manual disconnect ends here; an abnormal close schedules a reconnect while
// attempts remain.
func (c *Coordinator) handleChannelClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// Superseded by Disconnect or a newer dial.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.heartbeatDone != nil {
		close(c.heartbeatDone)
		c.heartbeatDone = nil
	}
	c.cancelStartTimerLocked()
	c.isRecording = false
	c.setStateLocked(StateDisconnected)
	manual := c.manualClose
	c.mu.Unlock()
	ws.Close()

	c.events.ConnectionStateChanged(StateDisconnected)

	if manual || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	log.Debug().Err(err).Msg("channel closed abnormally")
	c.scheduleReconnect()
}

func (c *Coordinator) scheduleReconnect() {
	c.mu.Lock()
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > c.config.MaxReconnectAttempts {
		// Terminal: the coordinator must be connectable again by hand.
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.events.ConnectionStateChanged(StateDisconnected)
		c.events.ConnectionFailed(ErrReconnectExhausted)
		return
	}
	delay := backoffDelay(c.config.ReconnectDelay, attempt)
	c.setStateLocked(StateConnecting)
	c.reconnectTimer = c.clock.AfterFunc(delay, c.redial)
	c.mu.Unlock()

	log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (c *Coordinator) redial() {
	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		c.events.Error(err)
		c.scheduleReconnect()
	}
}

// backoffDelay is base * 2^(attempt-1): 1s, 2s, 4s, 8s, 16s for the default
// one-second base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// computeStartDelay translates the server-chosen atomic instant into a local
// delay using the latest offset estimate, clamped to [0, max].
func computeStartDelay(atomicStartMs, localNowMs int64, offsetMs float64, max time.Duration) time.Duration {
	serverNowEstimate := float64(localNowMs) - offsetMs
	delay := time.Duration(float64(atomicStartMs)-serverNowEstimate) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > max {
		delay = max
	}
	return delay
}

func (c *Coordinator) setStateLocked(state State) {
	c.state = state
}
