package etcp

import "github.com/pkg/errors"

// Kind classifies the taxonomy of errors the core can return. Packet-level
// faults never escape as panics: every operation returns one of these kinds,
// wrapped with context via github.com/pkg/errors where the caller needs it.
type Kind int

const (
	// KindNone is the zero value; no error occurred.
	KindNone Kind = iota
	// KindBadPacket means the frame or header was malformed.
	KindBadPacket
	// KindRejected means no listener or connection exists for this flow.
	KindRejected
	// KindOutOfRange means the sequence number falls outside the window.
	KindOutOfRange
	// KindTryAgain means the caller made progress where it could and should
	// reinvoke the pump later.
	KindTryAgain
	// KindQueue covers structural CircularQueue/StaleList faults.
	KindQueue
	// KindTable covers structural HashTable faults.
	KindTable
	// KindFatal means an invariant was violated; the connection is in an
	// undefined state and must be torn down by the host.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ENOERR"
	case KindBadPacket:
		return "EBADPKT"
	case KindRejected:
		return "EREJCONN"
	case KindOutOfRange:
		return "ERANGE"
	case KindTryAgain:
		return "ETRYAGAIN"
	case KindQueue:
		return "ECQERR"
	case KindTable:
		return "EHTERR"
	case KindFatal:
		return "EFATAL"
	default:
		return "EUNKNOWN"
	}
}

// Error is the concrete error type returned throughout the core. Packet-level
// kinds (BadPacket, Rejected, OutOfRange) are meant to be logged and dropped;
// TryAgain is a retry contract; Fatal must propagate to the host.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.msg
}

// NewError builds an *Error of the given kind with a human-readable detail.
func NewError(k Kind, msg string) *Error {
	return &Error{Kind: k, msg: msg}
}

// Is allows errors.Is(err, ErrTryAgain) style sentinel comparisons against
// kind-only errors returned by NewError(k, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel kind-only errors for errors.Is comparisons in hot paths.
var (
	ErrBadPacket  = NewError(KindBadPacket, "")
	ErrRejected   = NewError(KindRejected, "")
	ErrOutOfRange = NewError(KindOutOfRange, "")
	ErrTryAgain   = NewError(KindTryAgain, "")
	ErrQueue      = NewError(KindQueue, "")
	ErrTable      = NewError(KindTable, "")
	ErrFatal      = NewError(KindFatal, "")
)

// Wrap annotates err with msg using github.com/pkg/errors, preserving the
// original *Error's Kind so errors.Is still matches the sentinel.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// KindOf extracts the Kind carried by err, walking wrapped causes the way
// github.com/pkg/errors exposes them, defaulting to KindFatal if err does
// not carry a recognised Kind (an invariant we want to surface loudly).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	type causer interface {
		Cause() error
	}
	for {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		c, ok := err.(causer)
		if !ok {
			return KindFatal
		}
		err = c.Cause()
	}
}
