package clocksync

import (
	"errors"
	"testing"
	"time"

	"github.com/duocam/duocam/internal/protocol"
)

func TestComputeOffsetAndLatency(t *testing.T) {
	// Probe sent at 1000, answered at 1050, received back at 1100:
	// latency = 50, offset = 1050 - (1000 + 50) = 0.
	est := Compute(1000, 1050, 1100)
	if est.LatencyMs != 50 {
		t.Errorf("expected latency 50, got %v", est.LatencyMs)
	}
	if est.OffsetMs != 0 {
		t.Errorf("expected offset 0, got %v", est.OffsetMs)
	}
}

func TestComputeDeviceAhead(t *testing.T) {
	// Device clock runs 500ms ahead: reply carries client = server + 500 + latency.
	est := Compute(1000, 1560, 1120)
	if est.LatencyMs != 60 {
		t.Errorf("expected latency 60, got %v", est.LatencyMs)
	}
	if est.OffsetMs != 500 {
		t.Errorf("expected offset 500, got %v", est.OffsetMs)
	}
}

func TestComputeDeviceBehind(t *testing.T) {
	est := Compute(2000, 1600, 2200)
	if est.LatencyMs != 100 {
		t.Errorf("expected latency 100, got %v", est.LatencyMs)
	}
	if est.OffsetMs != -500 {
		t.Errorf("expected offset -500, got %v", est.OffsetMs)
	}
}

func TestFromResponse(t *testing.T) {
	receivedAt := time.UnixMilli(1100)
	msg := protocol.Message{
		Type:            protocol.TypeTimeSyncResponse,
		RequestID:       "ABC123-1",
		ServerTimestamp: protocol.Int64(1000),
		ClientTimestamp: protocol.Int64(1050),
	}
	est, err := FromResponse(msg, receivedAt)
	if err != nil {
		t.Fatalf("FromResponse failed: %v", err)
	}
	if est.OffsetMs != 0 || est.LatencyMs != 50 {
		t.Errorf("unexpected estimate: %+v", est)
	}
	if !est.UpdatedAt.Equal(receivedAt) {
		t.Errorf("expected UpdatedAt %v, got %v", receivedAt, est.UpdatedAt)
	}
}

func TestFromResponseRejectsMissingTimestamps(t *testing.T) {
	cases := []struct {
		name string
		msg  protocol.Message
	}{
		{"missing both", protocol.Message{Type: protocol.TypeTimeSyncResponse}},
		{"missing client", protocol.Message{ServerTimestamp: protocol.Int64(1000)}},
		{"missing server", protocol.Message{ClientTimestamp: protocol.Int64(1050)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromResponse(tc.msg, time.Now()); !errors.Is(err, ErrMalformedSample) {
				t.Errorf("expected ErrMalformedSample, got %v", err)
			}
		})
	}
}
