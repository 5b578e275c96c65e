package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/events"
	"github.com/duocam/duocam/internal/protocol"
)

// RegistryConfig holds the staleness sweep settings.
type RegistryConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// DefaultRegistryConfig returns the default sweep settings: every 5 minutes,
// remove empty sessions older than 30 minutes.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SweepInterval: 5 * time.Minute,
		StaleAfter:    30 * time.Minute,
	}
}

// Registry is the process-wide session id to Session mapping. Sessions are
// created on the first host-claimed join and removed as soon as they are
// empty; the periodic sweep is a safety net against any missed removal.
type Registry struct {
	clock   clockwork.Clock
	emitter Emitter
	config  RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. The emitter may be nil.
func NewRegistry(clock clockwork.Clock, emitter Emitter, config RegistryConfig) *Registry {
	return &Registry{
		clock:    clock,
		emitter:  emitter,
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Join adds a device to the session identified by code, creating the session
// when the joiner claims host. A non-host join to an unknown code is refused
// with ErrSessionNotFound; a malformed code with ErrInvalidSessionCode; a
// join to a 2-device session with ErrSessionFull. The joiner's channel is
// never closed on refusal.
func (r *Registry) Join(ch DeviceChannel, code string, isHost bool, deviceName string) (*Session, *Device, error) {
	if !protocol.ValidSessionCode(code) {
		return nil, nil, ErrInvalidSessionCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[code]
	if !ok {
		if !isHost {
			return nil, nil, ErrSessionNotFound
		}
		sess = NewSession(code, r.clock, r.emitter)
		r.sessions[code] = sess
		if r.emitter != nil {
			r.emitter.Publish(events.Event{
				Type:      events.TypeSessionCreated,
				SessionID: code,
				At:        r.clock.Now(),
			})
		}
		log.Info().Str("session_id", code).Msg("session created")
	}

	dev, err := sess.AddDevice(ch, deviceName, isHost)
	if err != nil {
		// A freshly created session with no device is removed right away.
		if sess.DeviceCount() == 0 {
			delete(r.sessions, code)
		}
		return nil, nil, err
	}
	return sess, dev, nil
}

// Leave removes a device from its session and drops the session from the
// registry once it has ended or emptied.
func (r *Registry) Leave(code, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[code]
	if !ok {
		return
	}
	ended, empty := sess.RemoveDevice(deviceID)
	if ended || empty {
		delete(r.sessions, code)
		log.Info().
			Str("session_id", code).
			Bool("ended", ended).
			Msg("session removed from registry")
	}
}

// Get returns the session for code. Malformed codes and unknown ids both
// report ErrSessionNotFound to administrative lookups.
func (r *Registry) Get(code string) (*Session, error) {
	if !protocol.ValidSessionCode(code) {
		return nil, ErrSessionNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns status snapshots of all sessions.
func (r *Registry) List() []protocol.SessionStatus {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	statuses := make([]protocol.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	return statuses
}

// Delete ends the session and removes it from the registry.
func (r *Registry) Delete(code string) error {
	if !protocol.ValidSessionCode(code) {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	sess, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.End()
	return nil
}

// Stats returns the number of active sessions and open device channels, for
// the health endpoint.
func (r *Registry) Stats() (sessionCount, channelCount int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		channelCount += sess.DeviceCount()
	}
	return len(r.sessions), channelCount
}

// Run sweeps stale empty sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("sweep_interval", r.config.SweepInterval).
		Dur("stale_after", r.config.StaleAfter).
		Msg("registry sweep started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("registry sweep shutting down")
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.clock.Now().Add(-r.config.StaleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	for code, sess := range r.sessions {
		if sess.DeviceCount() == 0 && sess.CreatedAt().Before(cutoff) {
			delete(r.sessions, code)
			log.Info().Str("session_id", code).Msg("stale empty session swept")
		}
	}
}

// Shutdown ends every session and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.End()
	}
	log.Info().Int("sessions", len(sessions)).Msg("registry shut down")
}
