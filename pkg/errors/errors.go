package apperrors

import (
	"errors"
	"fmt"
)

// Standardized execution errors
var (
	ErrTransport        = errors.New("transport unavailable")
	ErrTimeout          = errors.New("no response before deadline")
	ErrLocked           = errors.New("trading operation in progress")
	ErrValidation       = errors.New("validation failed")
	ErrRemoteRejection  = errors.New("rejected by remote")
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrClosed           = errors.New("closed")
)

// TransportError reports that the broker could not be reached
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %q: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// TimeoutError reports an unknown outcome: the remote side may still have acted
type TimeoutError struct {
	RequestType string
	RequestID   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s: no response", e.RequestType, e.RequestID)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// LockedError is returned immediately when another trading operation holds the lock
type LockedError struct {
	CurrentOperation string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("trading locked by %q, wait for it to finish", e.CurrentOperation)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// ValidationError rejects a request before anything is published
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RemoteRejectionError carries the message of a response with success=false
type RemoteRejectionError struct {
	RequestType string
	Message     string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.RequestType, e.Message)
}

func (e *RemoteRejectionError) Unwrap() error { return ErrRemoteRejection }

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsTimeout reports whether err is an unknown-outcome timeout
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsLocked reports whether err came from the trading lock
func IsLocked(err error) bool { return errors.Is(err, ErrLocked) }

// IsValidation reports whether err is a request validation failure
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsRemoteRejection reports whether err carries a remote success=false
func IsRemoteRejection(err error) bool { return errors.Is(err, ErrRemoteRejection) }
