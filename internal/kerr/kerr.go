// Package kerr defines the kernel's error taxonomy.
//
// Every fallible kernel operation returns (or wraps) one of the Kinds below
// rather than an ad-hoc error string, so that native syscalls can map a
// failure to a negative-integer return value in one place and DOS service
// handlers can map it to a carry-flag-plus-AX code in another.
package kerr

import "fmt"

// Kind is one of the error kinds from the design's error taxonomy.
type Kind int

const (
	OutOfMemory Kind = iota
	BadAddress
	PermissionDenied
	NoSuchFile
	NoSuchProcess
	NoSuchChild
	InvalidArgument
	UnsupportedFormat
	IOError
	Busy
	NotADirectory
)

//go:generate stringer -type=Kind

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case BadAddress:
		return "BadAddress"
	case PermissionDenied:
		return "PermissionDenied"
	case NoSuchFile:
		return "NoSuchFile"
	case NoSuchProcess:
		return "NoSuchProcess"
	case NoSuchChild:
		return "NoSuchChild"
	case InvalidArgument:
		return "InvalidArgument"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case IOError:
		return "IOError"
	case Busy:
		return "Busy"
	case NotADirectory:
		return "NotADirectory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Errno returns the negative small-integer encoding of the kind: negative
// values encode error kinds, positive values are success payloads.
func (k Kind) Errno() int32 {
	return -(int32(k) + 1)
}

// Error is a kernel error: an operation, the kind of failure, and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind. errors.Is
// calls it while walking err's wrap chain, so callers can write
// errors.Is(err, kerr.New(kerr.BadAddress, "")). The package-level
// Is(err, kerr.BadAddress) below checks only err itself, not what it wraps.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == other.Kind
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if e, ok := err.(*Error); ok {
		ke = e
	} else {
		return false
	}

	return ke.Kind == kind
}

// As extracts the Kind of err if it is (or wraps) a *Error, and reports
// whether it succeeded.
func As(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			return ke.Kind, true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}

		err = u.Unwrap()
	}

	return 0, false
}
