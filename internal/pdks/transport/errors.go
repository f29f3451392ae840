package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

type Kind int

const (
	KindConnection Kind = iota + 1
	KindAuth
	KindProtocol
	KindTimeout
	// KindRejected means the terminal understood the command and refused it
	// (ACK_ERROR), e.g. a duplicate uid on user write.
	KindRejected
)

var (
	ErrConnection = errors.New("device unreachable")
	ErrAuth       = errors.New("device rejected communication key")
	ErrProtocol   = errors.New("malformed or unexpected device reply")
	ErrTimeout    = errors.New("device did not reply in time")
	ErrRejected   = errors.New("device rejected command")
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindAuth:
		return ErrAuth
	case KindProtocol:
		return ErrProtocol
	case KindTimeout:
		return ErrTimeout
	case KindRejected:
		return ErrRejected
	}
	return nil
}

// Error is returned by every transport operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf extracts the transport kind from err, or 0 if err is not a
// transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps an I/O error from the socket onto the transport taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return newError(KindTimeout, op, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return newError(KindProtocol, op, err)
	}
	return newError(KindConnection, op, err)
}
