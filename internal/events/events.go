// Package events carries session lifecycle events from the coordination core
// to interested listeners (NATS publisher, Postgres archive). Dispatch is
// decoupled from the emitting path through a buffered channel so a slow
// listener can never stall session handling.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies a session lifecycle event.
type Type string

const (
	TypeSessionCreated    Type = "session_created"
	TypeDeviceJoined      Type = "device_joined"
	TypeDeviceLeft        Type = "device_left"
	TypeRecordingStarted  Type = "recording_started"
	TypeRecordingStopped  Type = "recording_stopped"
	TypeSessionEnded      Type = "session_ended"
)

// Event is one session lifecycle occurrence.
type Event struct {
	ID        uuid.UUID `json:"eventId"`
	Type      Type      `json:"eventType"`
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	At        time.Time `json:"timestamp"`
}

// Listener receives session lifecycle events.
type Listener interface {
	HandleSessionEvent(ctx context.Context, ev Event) error
}

// Bus fans events out to listeners from a dedicated dispatch goroutine. It
// outlives the serving context: Close flushes whatever is still buffered, so
// events published during shutdown (session_ended for every live session)
// reach the listeners before the process exits.
type Bus struct {
	ch        chan Event
	listeners []Listener
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewBus creates a bus dispatching to the given listeners.
func NewBus(listeners ...Listener) *Bus {
	return &Bus{
		ch:        make(chan Event, 256),
		listeners: listeners,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Publish enqueues an event for dispatch. It never blocks; if the buffer is
// full or the bus is closed the event is dropped with a warning.
func (b *Bus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	select {
	case <-b.done:
		log.Warn().
			Str("event_type", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("event bus closed, dropping event")
		return
	default:
	}
	select {
	case b.ch <- ev:
	default:
		log.Warn().
			Str("event_type", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("event buffer full, dropping event")
	}
}

// Run dispatches events until Close is called or ctx is cancelled. Cancelling
// ctx abandons buffered events; Close drains them first.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	log.Info().Int("listeners", len(b.listeners)).Msg("event bus started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event bus cancelled")
			return
		case <-b.done:
			b.flush(ctx)
			log.Info().Msg("event bus shut down")
			return
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		}
	}
}

// Close stops the dispatch loop after the remaining buffer is delivered and
// waits for it to finish. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}

func (b *Bus) flush(ctx context.Context) {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	for _, l := range b.listeners {
		if err := l.HandleSessionEvent(ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("event_type", string(ev.Type)).
				Str("session_id", ev.SessionID).
				Msg("listener failed to handle session event")
		}
	}
}
