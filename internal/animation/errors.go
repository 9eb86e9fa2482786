// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"fmt"
)

// Kind is the class of a decode or presentation failure.
type Kind int

const (
	_ Kind = iota

	// UnrecognizedFormat indicates that no codec matched
	// the data and no format hint was given.
	UnrecognizedFormat
	// TruncatedData indicates that the data ended before
	// the container was complete. A new fetch may help.
	TruncatedData
	// CorruptStream indicates that the data is malformed.
	CorruptStream
	// UnsupportedVariant indicates a valid but
	// unimplemented encoding mode.
	UnsupportedVariant
	// AllocationFailure indicates that the data would
	// require more memory than is permitted.
	AllocationFailure
	// SinkRejected indicates that a sink refused a frame.
	SinkRejected
)

func (k Kind) String() string {
	switch k {
	case UnrecognizedFormat:
		return "unrecognized format"
	case TruncatedData:
		return "truncated data"
	case CorruptStream:
		return "corrupt stream"
	case UnsupportedVariant:
		return "unsupported variant"
	case AllocationFailure:
		return "allocation failure"
	case SinkRejected:
		return "sink rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error allows a Kind to be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a typed decode or presentation error.
type Error struct {
	Kind Kind
	// Op is the operation that failed, for
	// example "gif: image descriptor".
	Op  string
	Err error
}

// Errorf returns an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return e.Kind.String() + ": " + e.Err.Error()
	case e.Err == nil:
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is returns whether target is the receiver's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's tree.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
