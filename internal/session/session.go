// Package session implements the server-side coordination core: sessions of
// up to two camera devices, clock-offset bookkeeping, atomic-start command
// broadcast, and the process-wide session registry.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/clocksync"
	"github.com/duocam/duocam/internal/events"
	"github.com/duocam/duocam/internal/protocol"
)

const (
	// MaxDevices is the dual-camera session capacity.
	MaxDevices = 2

	// StartBuffer is how far in the future the atomic start instant is
	// placed, chosen to exceed typical round-trip and scheduling jitter.
	StartBuffer = 1200 * time.Millisecond
)

// Warm-up probes after the initial one, to stabilize the offset estimate
// quickly. Only the last estimate is kept.
var warmupProbeDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}

// Emitter publishes session lifecycle events. Publish must not block.
type Emitter interface {
	Publish(ev events.Event)
}

// Session owns the devices of one recording pairing. All state mutation goes
// through the session mutex; broadcasts are fire-and-forget sends that skip
// closed channels.
type Session struct {
	id        string
	createdAt time.Time
	clock     clockwork.Clock
	emitter   Emitter

	mu           sync.Mutex
	devices      map[string]*Device
	hostDeviceID string
	isRecording  bool
	clockSync    map[string]clocksync.Estimate
	syncCounter  uint64
	ended        bool
}

// NewSession creates an empty session with the given id. The emitter may be
// nil when lifecycle events are not consumed (tests).
func NewSession(id string, clock clockwork.Clock, emitter Emitter) *Session {
	return &Session{
		id:        id,
		createdAt: clock.Now(),
		clock:     clock,
		emitter:   emitter,
		devices:   make(map[string]*Device),
		clockSync: make(map[string]clocksync.Estimate),
	}
}

// ID returns the session code.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time, used by staleness sweeps.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// DeviceCount returns the number of connected devices.
func (s *Session) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// IsRecording reports whether a recording is in progress.
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRecording
}

// AddDevice registers a new device on the given channel, announces it to the
// other device, and immediately begins clock-offset probing. The first
// joiner claiming host becomes the session host. Returns ErrSessionFull at
// capacity; the joining channel is left open for the caller to report the
// refusal on.
func (s *Session) AddDevice(ch DeviceChannel, name string, isHost bool) (*Device, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if len(s.devices) >= MaxDevices {
		s.mu.Unlock()
		return nil, ErrSessionFull
	}

	if name == "" {
		name = fmt.Sprintf("Camera %d", len(s.devices)+1)
	}
	dev := &Device{
		ID:          uuid.New().String(),
		Name:        name,
		IsHost:      isHost && s.hostDeviceID == "",
		ConnectedAt: s.clock.Now(),
		channel:     ch,
	}
	if dev.IsHost {
		s.hostDeviceID = dev.ID
	}
	s.devices[dev.ID] = dev

	s.broadcastLocked(protocol.Message{
		Type:       protocol.TypeDeviceConnected,
		SessionID:  s.id,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		IsHost:     dev.IsHost,
	}, dev.ID)

	s.sendProbeLocked(dev)
	s.mu.Unlock()

	for _, delay := range warmupProbeDelays {
		deviceID := dev.ID
		s.clock.AfterFunc(delay, func() {
			s.SendClockSyncProbe(deviceID)
		})
	}

	s.emit(events.TypeDeviceJoined, dev.ID)

	log.Info().
		Str("session_id", s.id).
		Str("device_id", dev.ID).
		Str("device_name", dev.Name).
		Bool("is_host", dev.IsHost).
		Msg("device joined session")
	return dev, nil
}

// RemoveDevice deletes the device. Host departure ends the session
// unconditionally: remaining devices are notified and their channels closed.
// Returns whether the session ended and whether it is now empty; either way
// the caller removes it from the registry.
func (s *Session) RemoveDevice(deviceID string) (ended, empty bool) {
	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return false, false
	}
	delete(s.devices, deviceID)
	delete(s.clockSync, deviceID)

	wasHost := deviceID == s.hostDeviceID
	if wasHost {
		s.endLocked()
	} else {
		s.broadcastLocked(protocol.Message{
			Type:      protocol.TypeDeviceDisconnected,
			SessionID: s.id,
			DeviceID:  deviceID,
		}, "")
	}
	empty = len(s.devices) == 0
	s.mu.Unlock()

	s.emit(events.TypeDeviceLeft, deviceID)
	if wasHost {
		s.emit(events.TypeSessionEnded, "")
	}

	log.Info().
		Str("session_id", s.id).
		Str("device_id", deviceID).
		Str("device_name", dev.Name).
		Bool("was_host", wasHost).
		Msg("device left session")
	return wasHost, empty
}

// StartRecording computes the atomic start instant and broadcasts the start
// command to every device, the initiator included: all devices execute the
// same schedule rather than the initiator acting specially. Returns the
// number of devices the command was delivered to.
func (s *Session) StartRecording(initiatorID string) (int, error) {
	s.mu.Lock()
	if s.isRecording {
		s.mu.Unlock()
		return 0, ErrAlreadyRecording
	}
	s.isRecording = true

	now := s.clock.Now()
	atomicStart := now.Add(StartBuffer).UnixMilli()
	sent := s.broadcastLocked(protocol.Message{
		Type:            protocol.TypeStartRecording,
		SessionID:       s.id,
		AtomicStartTime: protocol.Int64(atomicStart),
		BufferTimeMs:    StartBuffer.Milliseconds(),
		ServerNow:       now.UnixMilli(),
		Initiator:       initiatorID,
	}, "")
	s.mu.Unlock()

	s.emit(events.TypeRecordingStarted, initiatorID)

	log.Info().
		Str("session_id", s.id).
		Str("initiator", initiatorID).
		Int64("atomic_start_time", atomicStart).
		Int("delivered", sent).
		Msg("recording start broadcast")
	return sent, nil
}

// StopRecording broadcasts the stop command to every device. Stop needs no
// atomic scheduling; it carries a plain "now" timestamp.
func (s *Session) StopRecording(initiatorID string) (int, error) {
	s.mu.Lock()
	if !s.isRecording {
		s.mu.Unlock()
		return 0, ErrNotRecording
	}
	s.isRecording = false

	sent := s.broadcastLocked(protocol.Message{
		Type:      protocol.TypeStopRecording,
		SessionID: s.id,
		Timestamp: s.clock.Now().UnixMilli(),
		Initiator: initiatorID,
	}, "")
	s.mu.Unlock()

	s.emit(events.TypeRecordingStopped, initiatorID)

	log.Info().
		Str("session_id", s.id).
		Str("initiator", initiatorID).
		Int("delivered", sent).
		Msg("recording stop broadcast")
	return sent, nil
}

// End broadcasts session_ended to all devices and closes every channel.
// Called on host departure and on administrative deletion.
func (s *Session) End() {
	s.mu.Lock()
	already := s.ended
	s.endLocked()
	s.mu.Unlock()
	if !already {
		s.emit(events.TypeSessionEnded, "")
	}
}

func (s *Session) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	s.isRecording = false

	s.broadcastLocked(protocol.Message{
		Type:      protocol.TypeSessionEnded,
		SessionID: s.id,
	}, "")
	for id, dev := range s.devices {
		if err := dev.channel.Close(); err != nil {
			log.Debug().
				Err(err).
				Str("session_id", s.id).
				Str("device_id", id).
				Msg("channel close failed")
		}
		delete(s.devices, id)
		delete(s.clockSync, id)
	}
	log.Info().Str("session_id", s.id).Msg("session ended")
}

// Status returns the session snapshot for the joined reply and the
// administrative interface.
func (s *Session) Status() protocol.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := protocol.SessionStatus{
		SessionID:   s.id,
		DeviceCount: len(s.devices),
		IsRecording: s.isRecording,
		CreatedAt:   s.createdAt,
		Devices:     make([]protocol.DeviceStatus, 0, len(s.devices)),
	}
	for _, dev := range s.devices {
		st.Devices = append(st.Devices, dev.Status())
	}
	return st
}

// SendClockSyncProbe issues a time_sync_request to the given device, or to
// every device when deviceID is empty. Each probe carries a fresh request id
// built from the session id and an incrementing counter.
func (s *Session) SendClockSyncProbe(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deviceID != "" {
		if dev, ok := s.devices[deviceID]; ok {
			s.sendProbeLocked(dev)
		}
		return
	}
	for _, dev := range s.devices {
		s.sendProbeLocked(dev)
	}
}

func (s *Session) sendProbeLocked(dev *Device) {
	s.syncCounter++
	msg := protocol.Message{
		Type:            protocol.TypeTimeSyncRequest,
		RequestID:       fmt.Sprintf("%s-%d", s.id, s.syncCounter),
		ServerTimestamp: protocol.Int64(s.clock.Now().UnixMilli()),
	}
	if err := dev.channel.Send(msg); err != nil {
		log.Debug().
			Str("session_id", s.id).
			Str("device_id", dev.ID).
			Msg("clock sync probe skipped, channel unavailable")
	}
}

// HandleTimeSyncResponse consumes a device's probe reply: it derives the
// offset/latency estimate, stores it most-recent-wins, and pushes a
// time_sync_update back to that device. A malformed reply is rejected with
// no state mutation.
func (s *Session) HandleTimeSyncResponse(deviceID string, msg protocol.Message) error {
	receivedAt := s.clock.Now()
	est, err := clocksync.FromResponse(msg, receivedAt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	s.clockSync[deviceID] = est

	update := protocol.Message{
		Type:                   protocol.TypeTimeSyncUpdate,
		RequestID:              msg.RequestID,
		OffsetMs:               protocol.Float64(est.OffsetMs),
		LatencyMs:              protocol.Float64(est.LatencyMs),
		ServerTimestamp:        msg.ServerTimestamp,
		ServerReceiveTimestamp: receivedAt.UnixMilli(),
	}
	if err := dev.channel.Send(update); err != nil {
		log.Debug().
			Str("session_id", s.id).
			Str("device_id", deviceID).
			Msg("time sync update skipped, channel unavailable")
	}
	s.mu.Unlock()

	log.Debug().
		Str("session_id", s.id).
		Str("device_id", deviceID).
		Str("request_id", msg.RequestID).
		Float64("offset_ms", est.OffsetMs).
		Float64("latency_ms", est.LatencyMs).
		Msg("clock sync sample stored")
	return nil
}

// ClockSync returns the stored estimate for a device, if any.
func (s *Session) ClockSync(deviceID string) (clocksync.Estimate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	est, ok := s.clockSync[deviceID]
	return est, ok
}

// broadcastLocked sends msg to every device except excludeID. Sends are
// fire-and-forget; a closed or backed-up channel is skipped, never retried.
// Returns the number of devices written to.
func (s *Session) broadcastLocked(msg protocol.Message, excludeID string) int {
	sent := 0
	for id, dev := range s.devices {
		if id == excludeID {
			continue
		}
		if err := dev.channel.Send(msg); err != nil {
			log.Debug().
				Str("session_id", s.id).
				Str("device_id", id).
				Str("message_type", string(msg.Type)).
				Msg("broadcast skipped device, channel unavailable")
			continue
		}
		sent++
	}
	return sent
}

func (s *Session) emit(t events.Type, deviceID string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Publish(events.Event{
		Type:      t,
		SessionID: s.id,
		DeviceID:  deviceID,
		At:        s.clock.Now(),
	})
}
