package tracking

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidInput
	KindPreconditionFailed
	KindUnauthorized
	// KindInternal wraps directory failures other than not found.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindUnauthorized:
		return "unauthorized"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Sentinels matching every Error of the given kind through errors.Is.
var (
	ErrNotFound           = &kindError{KindNotFound}
	ErrInvalidInput       = &kindError{KindInvalidInput}
	ErrPreconditionFailed = &kindError{KindPreconditionFailed}
	ErrUnauthorized       = &kindError{KindUnauthorized}
	ErrInternal           = &kindError{KindInternal}
)

// Specific preconditions.
var (
	ErrVehicleNotActive = errors.New("vehicle is inactive, start trip first")
	ErrTripActive       = errors.New("trip already in progress")
	ErrStaleReport      = errors.New("report is older than the stored position")
	ErrFutureReport     = errors.New("report timestamp is ahead of the server clock")
	ErrNoGrant          = errors.New("caller is not allowed to operate this vehicle")
)

type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Error is returned by every Engine operation that fails.
type Error struct {
	Op      string
	Vehicle string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Vehicle == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Vehicle, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if k, ok := target.(*kindError); ok {
		return k.kind == e.Kind
	}
	return false
}

// KindOf reports the kind of err, or 0 when err is not a tracking error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func newError(op, vehicle string, kind Kind, err error) error {
	return &Error{Op: op, Vehicle: vehicle, Kind: kind, Err: err}
}
