package protocol

import "time"

// MessageType identifies a wire message exchanged between a device and the
// coordination server over the persistent WebSocket channel.
type MessageType string

const (
	TypeJoin               MessageType = "join"
	TypeJoined             MessageType = "joined"
	TypeDeviceConnected    MessageType = "device_connected"
	TypeDeviceDisconnected MessageType = "device_disconnected"
	TypeStartRecording     MessageType = "start_recording"
	TypeStopRecording      MessageType = "stop_recording"
	TypeSessionEnded       MessageType = "session_ended"
	TypeTimeSyncRequest    MessageType = "time_sync_request"
	TypeTimeSyncResponse   MessageType = "time_sync_response"
	TypeTimeSyncUpdate     MessageType = "time_sync_update"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
	TypeError              MessageType = "error"
)

// Message is the single envelope for every wire message. Fields are optional
// depending on the type; absent fields are omitted from the JSON encoding.
// All timestamps are integer milliseconds since the Unix epoch. The mixed
// key casing (sessionId vs atomic_start_time) is part of the wire contract.
type Message struct {
	Type MessageType `json:"type"`

	SessionID  string `json:"sessionId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	IsHost     bool   `json:"isHost,omitempty"`

	SessionStatus *SessionStatus `json:"sessionStatus,omitempty"`

	// Recording command fields.
	AtomicStartTime *int64 `json:"atomic_start_time,omitempty"`
	BufferTimeMs    int64  `json:"buffer_time_ms,omitempty"`
	ServerNow       int64  `json:"server_now,omitempty"`
	Initiator       string `json:"initiator,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`

	// Clock sync probe fields. ServerTimestamp and ClientTimestamp are
	// pointers so a missing value is distinguishable from zero and can be
	// rejected as malformed.
	RequestID              string   `json:"request_id,omitempty"`
	ServerTimestamp        *int64   `json:"server_timestamp,omitempty"`
	ClientTimestamp        *int64   `json:"client_timestamp,omitempty"`
	ServerReceiveTimestamp int64    `json:"server_receive_timestamp,omitempty"`
	OffsetMs               *float64 `json:"offset_ms,omitempty"`
	LatencyMs              *float64 `json:"latency_ms,omitempty"`

	// Error payload, type "error" only.
	ErrorMessage string `json:"message,omitempty"`
}

// SessionStatus is the snapshot of a session surfaced to devices on join and
// through the administrative interface.
type SessionStatus struct {
	SessionID   string         `json:"sessionId"`
	DeviceCount int            `json:"deviceCount"`
	IsRecording bool           `json:"isRecording"`
	CreatedAt   time.Time      `json:"createdAt"`
	Devices     []DeviceStatus `json:"devices"`
}

// DeviceStatus describes one device within a session snapshot.
type DeviceStatus struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	IsHost      bool      `json:"isHost"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Int64 returns a pointer to v, for optional timestamp fields.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v, for optional measurement fields.
func Float64(v float64) *float64 { return &v }
