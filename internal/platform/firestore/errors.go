package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindUnavailable
)

// Error carries the outcome of a failed catalog read. It satisfies repositories.RepositoryError so
// services can tell a missing product apart from a catalog that cannot be reached.
type Error struct {
	op   string
	code codes.Code
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Code returns the gRPC status code reported by Firestore.
func (e *Error) Code() codes.Code {
	if e == nil {
		return codes.OK
	}
	return e.code
}

func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict is always false: the catalog is read only, so there is no write to lose.
func (e *Error) IsConflict() bool { return false }

func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

func classify(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted,
		codes.PermissionDenied, codes.Unauthenticated:
		// The cart cannot price anything while the catalog refuses reads.
		return kindUnavailable
	default:
		return kindUnknown
	}
}

// WrapError tags a Firestore error with the operation that produced it. Cancellation and deadline
// errors, including their gRPC forms, come back as the plain context errors.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.op == "" {
			existing.op = op
		}
		return existing
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{op: op, code: code, kind: classify(code), err: err}
}
