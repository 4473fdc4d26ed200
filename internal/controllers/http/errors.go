package httpctrl

import "errors"

var (
	ErrNotListening = errors.New("http: listener not bound")
	ErrBind         = errors.New("http: bind failed")
	ErrHandler      = errors.New("http: request handling failed")
)

// Error messages returned to callers in the "error" field.
const (
	msgMalformedPayload = "Malformed payload"
	msgMissingState     = "Missing state parameter"
	msgInvalidState     = "Invalid state"
	msgRelayFailed      = "Relay write failed"
	msgBusy             = "controller busy"
	msgInternal         = "internal server error"
)
