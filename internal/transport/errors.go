package transport

import "errors"

var (
	// ErrConnectionFailed is returned when the retry budget is exhausted.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrAuthRejected is returned when the orchestrator refuses the token.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrDisconnected is yielded by Receive once per lost connection.
	ErrDisconnected = errors.New("disconnected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")

	errHeartbeatTimeout = errors.New("heartbeat timeout")
)
