// Package clocksync estimates per-device clock offset and one-way latency
// from single round-trip probes. Each new sample overwrites the previous one
// for its device; no averaging or outlier rejection is applied, so the
// estimate tracks the most recent network conditions at the cost of
// precision under jitter.
package clocksync

import (
	"errors"
	"time"

	"github.com/duocam/duocam/internal/protocol"
)

// ErrMalformedSample is returned when a time sync response is missing the
// echoed server timestamp or the device's client timestamp.
var ErrMalformedSample = errors.New("malformed time sync sample")

// Estimate is the derived clock relation for one device. OffsetMs is
// positive when the device's clock runs ahead of the server's.
type Estimate struct {
	OffsetMs  float64
	LatencyMs float64
	UpdatedAt time.Time
}

// Compute derives offset and latency from one probe round trip, assuming a
// symmetric one-way delay:
//
//	latencyMs = (serverReceive - serverSend) / 2
//	offsetMs  = client - (serverSend + latencyMs)
func Compute(serverSendMs, clientMs, serverReceiveMs int64) Estimate {
	latency := float64(serverReceiveMs-serverSendMs) / 2
	offset := float64(clientMs) - (float64(serverSendMs) + latency)
	return Estimate{OffsetMs: offset, LatencyMs: latency}
}

// FromResponse validates a time_sync_response and computes the estimate,
// stamping it with receivedAt (the server clock at reply arrival). A reply
// missing either timestamp is rejected with ErrMalformedSample and must not
// mutate any stored state.
func FromResponse(msg protocol.Message, receivedAt time.Time) (Estimate, error) {
	if msg.ServerTimestamp == nil || msg.ClientTimestamp == nil {
		return Estimate{}, ErrMalformedSample
	}
	est := Compute(*msg.ServerTimestamp, *msg.ClientTimestamp, receivedAt.UnixMilli())
	est.UpdatedAt = receivedAt
	return est, nil
}
