package session

import "errors"

var (
	// ErrInvalidSessionCode is returned when a session identifier does not
	// match the 6-character uppercase alphanumeric format.
	ErrInvalidSessionCode = errors.New("invalid session code")

	// ErrSessionNotFound is returned when a non-host device joins a session
	// id no session exists for, or on administrative lookup of an unknown id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFull is returned when a third device attempts to join a
	// session that already has two devices.
	ErrSessionFull = errors.New("session full")

	// ErrAlreadyRecording is returned when a start command arrives while the
	// session is recording.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNotRecording is returned when a stop command arrives while the
	// session is not recording.
	ErrNotRecording = errors.New("not recording")

	// ErrDeviceNotFound is returned when an operation targets a device id
	// unknown to the session.
	ErrDeviceNotFound = errors.New("device not found")
)
