package accessory

import "errors"

// Errors returned by Manager operations and Port.
var (
	ErrBusy          = errors.New("accessory: connection attempt already in progress")
	ErrNotReady      = errors.New("accessory: not ready")
	ErrEmptyMessage  = errors.New("accessory: empty message")
	ErrShutdown      = errors.New("accessory: manager shut down")
	ErrPortClosed    = errors.New("accessory: port closed")
	ErrInvalidConfig = errors.New("accessory: invalid config")
	ErrNoPending     = errors.New("accessory: no pending permission request")
	ErrAborted       = errors.New("accessory: connection attempt aborted")
)

// ErrorKind classifies the terminal errors reported through
// EventSink.OnAccessoryError.
type ErrorKind uint8

const (
	// ErrNoAccessory means discovery found nothing attached. It is a normal
	// empty result, not a fault.
	ErrNoAccessory ErrorKind = iota + 1

	// ErrPermissionDenied means the platform refused access.
	ErrPermissionDenied

	// ErrOpenFailed means the transport factory could not produce a handle.
	ErrOpenFailed

	// ErrIdentityMismatch means the accessory serial did not match the
	// expected identity. The handle was closed without being used.
	ErrIdentityMismatch

	// ErrDetached means the link died: a read fault or a detach signal.
	ErrDetached
)

// String returns a human-readable kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrNoAccessory:
		return "no-accessory"
	case ErrPermissionDenied:
		return "permission-denied"
	case ErrOpenFailed:
		return "open-failed"
	case ErrIdentityMismatch:
		return "identity-mismatch"
	case ErrDetached:
		return "detached"
	default:
		return "unknown"
	}
}
