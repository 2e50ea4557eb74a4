package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Ledger errors
	ErrCardNotFound  = errors.New("card not found")
	ErrInvalidUID    = errors.New("card uid is empty")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidOffer  = errors.New("offer percent must be within 0-100")
	ErrPersistence   = errors.New("ledger storage failed")

	// Card data errors
	ErrDataTooLong  = fmt.Errorf("card data longer than %d characters", MaxCardData)
	ErrDataInvalid  = errors.New("card data must be non-empty single-line text")
	ErrCardMismatch = errors.New("device wrote a different card than requested")

	// Link errors, matched through LinkError.Is
	ErrLinkOpen           = errors.New("serial channel could not be opened")
	ErrLinkTimeout        = errors.New("device did not answer in time")
	ErrLinkDeviceReported = errors.New("device reported an error")
	ErrLinkIO             = errors.New("serial channel i/o failed")
	ErrNotConnected       = errors.New("not connected to card reader")
)

// ─── Link Errors ────────────────────────────────────────────────────────────

// LinkErrorKind classifies a Link failure.
type LinkErrorKind int

const (
	LinkOpen LinkErrorKind = iota + 1
	LinkTimeout
	LinkDeviceReported
	LinkIO
	LinkNotConnected
)

func (k LinkErrorKind) String() string {
	switch k {
	case LinkOpen:
		return "open"
	case LinkTimeout:
		return "timeout"
	case LinkDeviceReported:
		return "device"
	case LinkIO:
		return "io"
	case LinkNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// LinkError is returned by every Link operation that fails.
// Only LinkTimeout is ever retried, and only inside the Link.
type LinkError struct {
	Kind     LinkErrorKind
	Op       string // device command, e.g. "READ"
	Msg      string // device message for LinkDeviceReported
	Attempts int
	Err      error
}

func (e *LinkError) Error() string {
	switch e.Kind {
	case LinkDeviceReported:
		return fmt.Sprintf("%s: device error: %s", e.Op, e.Msg)
	case LinkTimeout:
		return fmt.Sprintf("%s: no reply after %d attempt(s)", e.Op, e.Attempts)
	case LinkNotConnected:
		return fmt.Sprintf("%s: %v", e.Op, ErrNotConnected)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can use errors.Is.
func (e *LinkError) Is(target error) bool {
	switch target {
	case ErrLinkOpen:
		return e.Kind == LinkOpen
	case ErrLinkTimeout:
		return e.Kind == LinkTimeout
	case ErrLinkDeviceReported:
		return e.Kind == LinkDeviceReported
	case ErrLinkIO:
		return e.Kind == LinkIO
	case ErrNotConnected:
		return e.Kind == LinkNotConnected
	}
	return false
}

// ─── Persistence Errors ─────────────────────────────────────────────────────

// PersistenceError wraps a storage failure. A failed append leaves the
// card's balance and entry history exactly as they were.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
