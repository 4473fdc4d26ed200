// Package faults classifies errors into the handful of kinds the supervisor
// reacts to differently.
//
// Packages wrap their own sentinel errors with one of the kinds below:
//
//	return fmt.Errorf("%w: connect %s: %w", faults.ErrTransportUnavailable, broker, err)
//
// and callers use KindOf (or errors.Is) to decide what to do.
package faults

import "errors"

var (
	// ErrTransportUnavailable marks a broker, network or socket that cannot be reached.
	// The caller degrades and continues.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidInput marks a malformed or semantically invalid request or message.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStartupFatal marks a startup step whose failure forces a device reset.
	ErrStartupFatal = errors.New("startup fatal")

	// ErrSideEffect marks the failure of a best-effort side effect (status publish)
	// after the primary operation already succeeded.
	ErrSideEffect = errors.New("side effect failed")

	// ErrInternal marks a bug: a recovered panic or a broken invariant.
	ErrInternal = errors.New("internal error")
)

// Kind is the category of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransportUnavailable
	KindInvalidInput
	KindStartupFatal
	KindSideEffect
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindInvalidInput:
		return "invalid_input"
	case KindStartupFatal:
		return "startup_fatal"
	case KindSideEffect:
		return "side_effect"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// KindOf returns the first kind err wraps. Startup-fatal wins over everything
// else because it changes what the supervisor does next.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrStartupFatal):
		return KindStartupFatal
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrTransportUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrSideEffect):
		return KindSideEffect
	default:
		return KindUnknown
	}
}
