// Package errs holds the error kinds shared by the registry and routing packages.
// Package specific errors wrap one of these so callers can classify with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidArgument marks input rejected synchronously; nothing is persisted.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound means the queried entity, route or allocation is absent.
	ErrNotFound = errors.New("not found")
	// ErrExpired marks a route or allocation aged past its deadline.
	ErrExpired = errors.New("expired")
	// ErrConflict marks an operation that would break a uniqueness invariant.
	ErrConflict = errors.New("conflict")
)

// Kind returns the taxonomy name of err, or "internal" for anything unclassified.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
