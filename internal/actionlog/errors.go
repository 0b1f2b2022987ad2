package actionlog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested action does not exist.
	ErrNotFound = errors.New("actionlog: not found")
	// ErrAlreadyExecuted indicates MarkExecuted was called for an executed action.
	ErrAlreadyExecuted = errors.New("actionlog: already executed")
	// ErrPendingActions indicates an instance still has pending rows.
	ErrPendingActions = errors.New("actionlog: instance has pending actions")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("actionlog: store closed")
)

// StorageFault reports that the underlying medium rejected a durable write
// or read. Transient faults may be retried by the caller.
type StorageFault struct {
	Op         string
	InstanceID string
	Transient  bool
	Err        error
}

func (f *StorageFault) Error() string {
	if f == nil {
		return "actionlog: storage fault"
	}
	msg := "actionlog: storage fault"
	if f.Op != "" {
		msg += " during " + f.Op
	}
	if f.InstanceID != "" {
		msg += fmt.Sprintf(" (instance %s)", f.InstanceID)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *StorageFault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Fault wraps err as a permanent StorageFault. Nil stays nil.
func Fault(op, instanceID string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFault{Op: op, InstanceID: instanceID, Err: err}
}

// TransientFault wraps err as a retryable StorageFault. Nil stays nil.
func TransientFault(op, instanceID string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFault{Op: op, InstanceID: instanceID, Transient: true, Err: err}
}

// IsStorageFault reports whether err carries a StorageFault.
func IsStorageFault(err error) bool {
	var fault *StorageFault
	return errors.As(err, &fault)
}

// IsTransient reports whether err is a StorageFault marked retryable.
func IsTransient(err error) bool {
	var fault *StorageFault
	if errors.As(err, &fault) {
		return fault.Transient
	}
	return false
}
