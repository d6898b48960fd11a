// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tl

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the result code exchanged across the transport boundary.
//
// Non-negative values are non-error states, negative values are errors.
type Status int

const (
	// OK means the operation finished successfully.
	OK Status = 0

	// InProgress means the operation was started but has not finished yet: poll again.
	InProgress Status = 1

	// ErrNotSupported is returned for collectives or features the transport doesn't serve.
	ErrNotSupported Status = -1

	// ErrInvalidParam is returned for malformed arguments.
	ErrInvalidParam Status = -3

	// ErrNoMemory is returned when a pool or allocation is exhausted.
	ErrNoMemory Status = -4

	// ErrNoMessage is the generic failure: details only go to the logs and to the error message.
	ErrNoMessage Status = -6

	// ErrTimedOut is returned when an operation exceeded its deadline.
	ErrTimedOut Status = -8
)

// IsError returns whether the status represents a failure.
func (s Status) IsError() bool {
	return s < 0
}

// IsTerminal returns whether no more progress is expected: either OK or an error.
func (s Status) IsTerminal() bool {
	return s != InProgress
}

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case InProgress:
		return "InProgress"
	case ErrNotSupported:
		return "NotSupported"
	case ErrInvalidParam:
		return "InvalidParam"
	case ErrNoMemory:
		return "NoMemory"
	case ErrNoMessage:
		return "NoMessage"
	case ErrTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error is the error type returned by transports: it carries the Status that is reported
// to the host runtime.
type Error struct {
	Status Status
	msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.msg)
}

// Errorf creates a new error with the given status. The returned error carries a stack trace.
func Errorf(status Status, format string, args ...any) error {
	return errors.WithStack(&Error{Status: status, msg: fmt.Sprintf(format, args...)})
}

// StatusOf returns the Status carried by err.
//
// A nil error is OK, and errors not created with Errorf are reported as ErrNoMessage.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var tlErr *Error
	if errors.As(err, &tlErr) {
		return tlErr.Status
	}
	return ErrNoMessage
}
