package contracts

import "errors"

var (
	// ErrMalformedFrame is returned when a frame does not have the host's shape
	ErrMalformedFrame = errors.New("nativebridge: malformed frame")

	// ErrBridgeClosed is returned by operations on a closed bridge
	ErrBridgeClosed = errors.New("nativebridge: bridge is closed")

	// ErrRequestCancelled is returned when the caller stops waiting for a reply
	ErrRequestCancelled = errors.New("nativebridge: request cancelled before reply")

	// ErrDuplicateCallbackID is returned if a correlation token is already outstanding
	ErrDuplicateCallbackID = errors.New("nativebridge: duplicate callback id")

	// ErrNilHandler is returned when subscribing without a handler
	ErrNilHandler = errors.New("nativebridge: handler cannot be nil")

	// ErrEmptyCommand is returned when a command or event name is empty
	ErrEmptyCommand = errors.New("nativebridge: command name cannot be empty")
)
