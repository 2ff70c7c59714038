package errorsx

import (
	"errors"
	"fmt"
)

// Error carries the reason an operation failed alongside the cause. The
// message is the cause's message; the reason only drives exit codes.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with reason. An error that already carries a reason keeps
// it: the innermost reason wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil || Reason(err) != ReasonUnknown {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Errorf is fmt.Errorf tagged with reason.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the first reason found in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
