package virterror

import (
	"errors"
	"fmt"
)

// Kind classifies domain errors reported by the driver.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigUnsupported
	KindConfigInvalid
	KindInternalError
	KindAllocationError
	KindNoSuchInstance
	KindOperationFailed
)

func (k Kind) String() string {
	switch k {
	case KindConfigUnsupported:
		return "config unsupported"
	case KindConfigInvalid:
		return "config invalid"
	case KindInternalError:
		return "internal error"
	case KindAllocationError:
		return "allocation error"
	case KindNoSuchInstance:
		return "no such instance"
	case KindOperationFailed:
		return "operation failed"
	default:
		return "unknown error"
	}
}

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrConfigUnsupported = &Error{Kind: KindConfigUnsupported}
	ErrConfigInvalid     = &Error{Kind: KindConfigInvalid}
	ErrInternal          = &Error{Kind: KindInternalError}
	ErrAllocation        = &Error{Kind: KindAllocationError}
	ErrNoSuchInstance    = &Error{Kind: KindNoSuchInstance}
	ErrOperationFailed   = &Error{Kind: KindOperationFailed}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnknown
}

// IsAny returns true if errors.Is is true for any of the provided errors, errs.
func IsAny(err error, errs ...error) bool {
	for _, e := range errs {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
