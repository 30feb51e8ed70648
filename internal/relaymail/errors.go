package relaymail

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrNotImplemented            = errors.New("not implemented")
	ErrMalformedEnvelope         = errors.New("malformed envelope")
	ErrAuthenticationUnavailable = errors.New("authentication unavailable")
	ErrResolutionFailure         = errors.New("resolution failure")
	ErrPersistenceDegraded       = errors.New("persistence degraded")
	ErrHistoryExpired            = errors.New("history range expired")
	ErrBackendLocked             = errors.New("state backend locked by another process")
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}
