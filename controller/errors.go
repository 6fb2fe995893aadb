package controller

import (
	"github.com/pkg/errors"
)

// Error kinds returned by the manager. Match them with errors.Is; the returned errors wrap these
// with the controller name and, where there is one, the underlying cause.
var (
	// ErrNotFound is returned for unknown controller or handle names.
	ErrNotFound = errors.New("not found")
	// ErrConflict describes a resource claim collision. It is resolved by preempting the other
	// controller and only appears in preemption records and logs.
	ErrConflict = errors.New("resource conflict")
	// ErrInitialization is returned when a controller cannot be built or rejects Init.
	ErrInitialization = errors.New("initialization failed")
	// ErrRuntimeFault is recorded when Update returns an error or panics.
	ErrRuntimeFault = errors.New("runtime fault")
	// ErrCancelled marks work that was skipped because its request was cancelled.
	ErrCancelled = errors.New("cancelled")
	// ErrStartFailed is returned when a controller's Start fails.
	ErrStartFailed = errors.New("start failed")
	// ErrStopFailed is returned when a controller's Stop fails. The controller is Stopped anyway.
	ErrStopFailed = errors.New("stop failed")
	// ErrAlreadyLoaded is returned when loading a name twice.
	ErrAlreadyLoaded = errors.New("already loaded")
	// ErrUnknownType is returned when no constructor is registered for a type.
	ErrUnknownType = errors.New("unknown controller type")
)

// NewNotFoundError is used when a controller is not loaded.
func NewNotFoundError(name string) error {
	return errors.Wrapf(ErrNotFound, "controller %q", name)
}

// NewHandleNotFoundError is used when a handle is not registered.
func NewHandleNotFoundError(name string) error {
	return errors.Wrapf(ErrNotFound, "handle %q", name)
}

// NewUnexpectedHandleKindError is used when a handle exists but is of the wrong kind.
func NewUnexpectedHandleKindError(name, expected string) error {
	return errors.Wrapf(ErrNotFound, "handle %q is not a %s", name, expected)
}

// NewInitializationError wraps the reason a controller could not be loaded.
func NewInitializationError(name string, cause error) error {
	return errors.Wrapf(ErrInitialization, "controller %q: %v", name, cause)
}

// NewStartError wraps the reason a controller failed to start.
func NewStartError(name string, cause error) error {
	return errors.Wrapf(ErrStartFailed, "controller %q: %v", name, cause)
}

// NewStopError wraps the reason a controller failed to stop cleanly.
func NewStopError(name string, cause error) error {
	return errors.Wrapf(ErrStopFailed, "controller %q: %v", name, cause)
}

// NewRuntimeFaultError wraps the reason a controller's update failed.
func NewRuntimeFaultError(name string, cause interface{}) error {
	return errors.Wrapf(ErrRuntimeFault, "controller %q: %v", name, cause)
}

// NewConflictError describes a preemption of holder by requester over the given handles.
func NewConflictError(requester, holder string, handles []string) error {
	return errors.Wrapf(ErrConflict, "%q claims %v held by %q", requester, handles, holder)
}
