package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway's fault taxonomy. Callers classify failures
// with errors.Is; wrapping errors add the specifics.
var (
	// ErrConfig indicates a malformed backend registration. Not retried.
	ErrConfig = errors.New("invalid backend configuration")

	// ErrDuplicateBackend indicates a registration reusing an existing name.
	ErrDuplicateBackend = errors.New("backend already registered")

	// ErrConnect indicates the adapter could not establish or keep a
	// connection. Triggers the registry's restart policy.
	ErrConnect = errors.New("backend connection fault")

	// ErrTimeout indicates a single call exceeded its bound. Counted toward
	// health-check failures but does not trigger an immediate restart.
	ErrTimeout = errors.New("request timed out")

	// ErrNotFound indicates no active backend declares the requested
	// capability.
	ErrNotFound = errors.New("not found")

	// ErrAllBackendsFailed indicates an aggregate call received zero
	// successful responses.
	ErrAllBackendsFailed = errors.New("all backends failed")

	// ErrBackendStopped indicates a request targeted a backend mid-shutdown.
	ErrBackendStopped = errors.New("backend stopped")

	// ErrStreamingUnsupported indicates the backend's transport has no
	// server-push channel.
	ErrStreamingUnsupported = errors.New("transport does not support streaming")

	// ErrUnsupportedMethod indicates a method the gateway does not route.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrSessionNotFound indicates an unknown or already-evicted session.
	ErrSessionNotFound = errors.New("session not found")
)

// BackendError attributes a failure to the backend it came from, letting a
// caller distinguish "that specific backend failed" from "the gateway is
// broken".
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %q: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// WrapBackend tags err with the originating backend name. Returns nil when
// err is nil; an already-tagged error passes through unchanged.
func WrapBackend(backend string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Backend: backend, Err: err}
}
