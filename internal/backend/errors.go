package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a single-row lookup that legitimately matched nothing,
// distinct from "found but empty". Multi-row queries return empty slices
// instead.
var ErrNotFound = errors.New("no matching tiles")

// ErrUnsupported marks an operation with no meaning for the active backend.
// It is surfaced immediately and never retried.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Unsupported wraps ErrUnsupported with the backend and operation names so
// "not implemented for this backend" is distinguishable from "query matched
// nothing".
func Unsupported(backendName, op string) error {
	return fmt.Errorf("%s backend: %s: %w", backendName, op, ErrUnsupported)
}

// BackendUnavailableError reports a connectivity or configuration failure
// talking to a backing store. Callers retry with backoff up to a ceiling.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a BackendUnavailableError unless it already is
// one.
func Unavailable(backendName string, err error) error {
	var be *BackendUnavailableError
	if errors.As(err, &be) {
		return err
	}
	return &BackendUnavailableError{Backend: backendName, Err: err}
}
