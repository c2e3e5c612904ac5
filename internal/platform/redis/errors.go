package redis

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
)

// ErrRetriesExhausted marks a WATCH transaction that kept losing to concurrent writers.
var ErrRetriesExhausted = errors.New("redis: optimistic transaction retries exhausted")

type failure uint8

const (
	failureOther failure = iota
	failureMissing
	failureConflict
	failureUnreachable
)

// Error is a cart store failure tagged with the operation that hit it. It satisfies
// repositories.RepositoryError.
type Error struct {
	op   string
	kind failure
	err  error
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound is true for a nil reply.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == failureMissing }

// IsConflict is true when an optimistic transaction lost or ran out of retries.
func (e *Error) IsConflict() bool { return e != nil && e.kind == failureConflict }

// IsUnavailable is true when the server could not be reached.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == failureUnreachable }

// WrapError tags err for op. Context errors are returned untouched so callers can still match
// them directly, and an already-tagged error keeps its original operation.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if tagged.op == "" {
			tagged.op = op
		}
		return tagged
	}
	return &Error{op: op, kind: classify(err), err: err}
}

func classify(err error) failure {
	var netErr net.Error
	switch {
	case errors.Is(err, goredis.Nil):
		return failureMissing
	case errors.Is(err, goredis.TxFailedErr), errors.Is(err, ErrRetriesExhausted):
		return failureConflict
	case errors.Is(err, goredis.ErrClosed),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		return failureUnreachable
	}
	return failureOther
}
