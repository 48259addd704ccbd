package chat

import "errors"

var (
	// ErrEmptyMessage is returned when a send has neither content nor media.
	ErrEmptyMessage = errors.New("message has no content and no media")
	// ErrNetwork wraps failures talking to the message store or push channel.
	ErrNetwork = errors.New("network error")
	// ErrNotFound is returned when the backend has no record of a peer or message.
	ErrNotFound = errors.New("not found")
	// ErrAckTimeout fails a pending message that was never confirmed.
	ErrAckTimeout = errors.New("no confirmation received")
	// ErrNotConnected is returned by operations that need a live channel.
	ErrNotConnected = errors.New("transport not connected")
	// ErrStopped is returned once the engine loop has exited.
	ErrStopped = errors.New("engine stopped")
)
