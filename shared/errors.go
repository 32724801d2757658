package shared

import "errors"

var (
	// Protocol and session errors.
	ErrConnection        = errors.New("signaling connection failed")
	ErrInvalidResponse   = errors.New("invalid response payload")
	ErrInvalidEventData  = errors.New("invalid event data")
	ErrSetupFailure      = errors.New("session setup failed")
	ErrJoinRejected      = errors.New("join request rejected")
	ErrProduceFailure    = errors.New("server declined to register producer")
	ErrInconsistentState = errors.New("inconsistent session state")

	// Usage errors.
	ErrNoLogger         = errors.New("no logger provided")
	ErrNoEngine         = errors.New("no media engine provided")
	ErrNoCapture        = errors.New("no capture source provided")
	ErrAlreadyLoaded    = errors.New("device already loaded")
	ErrDeviceNotLoaded  = errors.New("device not loaded")
	ErrTransportExists  = errors.New("transport already created")
	ErrNoTransport      = errors.New("transport not created")
	ErrNoProducer       = errors.New("no active producer of this kind")
	ErrChannelClosed    = errors.New("signaling channel closed")
	ErrSessionNotActive = errors.New("session not active")
	ErrShareInProgress  = errors.New("screen share already running")
)
