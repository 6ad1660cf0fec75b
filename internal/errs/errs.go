// errs.go - Error taxonomy shared by the ledger, the coprocessor and the client workflows.
//
// Every package wraps one of these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is, and the HTTP layer can carry the class over the wire.

package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound: a participant never submitted.
	ErrNotFound = errors.New("not found")
	// ErrOutOfRange: index enumeration past Count().
	ErrOutOfRange = errors.New("index out of range")
	// ErrVerificationFailed: the backend rejected an input proof. Fatal to that submission.
	ErrVerificationFailed = errors.New("input verification failed")
	// ErrStale: network, ledger target or signer changed while an operation was suspended.
	ErrStale = errors.New("stale: environment changed during operation")
	// ErrAuthorizationDenied: the owner declined or failed to sign an authorization.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrBackendUnavailable: transient backend or transport failure.
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrNotConnected = errors.New("not connected: no active signer or ledger for this network")
	ErrNoValue      = errors.New("no value to decrypt")
	ErrBusy         = errors.New("operation already in flight")
	ErrDuplicate    = errors.New("duplicate submission rejected")
	ErrUnauthorized = errors.New("principal not allowed on handle")
	ErrExpired      = errors.New("authorization expired")
	ErrBadRequest   = errors.New("malformed request")
)

// Recovery tells a caller what it must do before retrying a failed operation.
type Recovery int

const (
	// Fatal failures are not fixed by retrying the same input.
	Fatal Recovery = iota
	// Retry the same call as-is.
	Retry
	// Reauthorize by building a fresh decryption authorization.
	Reauthorize
	// Reconnect a signer or switch to a network with a ledger.
	Reconnect
)

func (r Recovery) String() string {
	switch r {
	case Retry:
		return "retry"
	case Reauthorize:
		return "reauthorize"
	case Reconnect:
		return "reconnect"
	default:
		return "fatal"
	}
}

// RecoveryFor classifies err. Unknown errors are Fatal.
func RecoveryFor(err error) Recovery {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, ErrStale), errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrBusy):
		return Retry
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrExpired), errors.Is(err, ErrUnauthorized):
		return Reauthorize
	case errors.Is(err, ErrNotConnected):
		return Reconnect
	default:
		return Fatal
	}
}

// Status maps an error to the HTTP status used by the ledger API.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoValue):
		return http.StatusNotFound
	case errors.Is(err, ErrOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// FromStatus is the client-side inverse of Status.
func FromStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrOutOfRange
	case http.StatusUnprocessableEntity:
		return ErrVerificationFailed
	case http.StatusConflict:
		return ErrDuplicate
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusUnauthorized:
		return ErrExpired
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusTooManyRequests:
		return ErrBusy
	default:
		return ErrBackendUnavailable
	}
}
