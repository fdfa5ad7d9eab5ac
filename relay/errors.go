package relay

import "errors"

var (
	// Registry errors, surfaced synchronously to the caller.
	ErrDuplicateRoute = errors.New("route already registered")
	ErrRouteNotFound  = errors.New("route not found")
	ErrHasDependents  = errors.New("route has ledger history")

	// Ledger errors.
	ErrMirrorNotFound = errors.New("mirrored message not found")

	// Relay execution errors. These are aggregated into the health tracker
	// rather than surfaced per message.
	ErrRelayTimeout  = errors.New("relay timed out")
	ErrRelayRejected = errors.New("relay rejected by destination")
	// ErrRelayUnknown means the send outcome is indeterminate (for example a
	// connection dropped mid-send). It is never treated as success and never
	// retried, to avoid duplicate mirrors.
	ErrRelayUnknown = errors.New("relay outcome unknown")

	// ErrPersistenceConflict is returned when a counter update keeps losing
	// races after the bounded retry budget.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrEngineClosed is returned for relay requests after Close.
	ErrEngineClosed = errors.New("relay engine closed")
)
