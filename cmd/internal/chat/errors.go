package chat

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is.
var (
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrEmptyMessage            = errors.New("empty message")
	ErrProfileResolutionFailed = errors.New("profile resolution failed")
	ErrProductResolutionFailed = errors.New("product resolution failed")
	ErrInvalidInput            = errors.New("invalid input")
	ErrNotFound                = errors.New("not found")
	ErrAlreadySubscribed       = errors.New("already subscribed")

	ErrMessageTooLong = fmt.Errorf("%w: message too long", ErrInvalidInput)
)

// IsStoreUnavailable reports whether err is a transient backend failure.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// IsUnauthorized reports whether err is an authorization rejection.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err is a missing room or record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// OpError carries the failing operation, a kind sentinel, and an optional cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		if e.Op == "" {
			return fmt.Sprintf("%s: %v", msg, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// RoomError attributes a failure to one room of a conversation list. The list stays alive.
type RoomError struct {
	RoomID string
	Err    error
}

func (e *RoomError) Error() string { return fmt.Sprintf("room %s: %v", e.RoomID, e.Err) }
func (e *RoomError) Unwrap() error { return e.Err }

// storeErr normalizes a backend failure to ErrStoreUnavailable. Domain kinds the backend already
// returned (not found, invalid input) and caller cancellation pass through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	for _, kind := range []error{ErrStoreUnavailable, ErrNotFound, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}

// Code maps an error to the stable wire code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrAlreadySubscribed):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProfileResolutionFailed):
		return "reauthenticate"
	case errors.Is(err, ErrProductResolutionFailed):
		return "product_unavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}
