package session

import (
	"time"

	"github.com/duocam/duocam/internal/protocol"
)

// DeviceChannel is the live duplex link to one physical device. Send must
// not block; a send to a closed or backed-up channel returns an error and
// the caller skips the device. Liveness is defined by the channel itself,
// not by a separate flag.
type DeviceChannel interface {
	Send(msg protocol.Message) error
	Close() error
}

// Device is one connected camera device within a session. Its id is
// server-generated and unique within the session only.
type Device struct {
	ID          string
	Name        string
	IsHost      bool
	ConnectedAt time.Time

	channel DeviceChannel
}

// Status returns the device's snapshot for session status reporting.
func (d *Device) Status() protocol.DeviceStatus {
	return protocol.DeviceStatus{
		DeviceID:    d.ID,
		DeviceName:  d.Name,
		IsHost:      d.IsHost,
		ConnectedAt: d.ConnectedAt,
	}
}
