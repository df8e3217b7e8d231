package interfaces

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable error category returned across every external surface.
// Callers branch on Kind rather than on error strings.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindInvalidArgument  Kind = "InvalidArgument"
	KindPermissionDenied Kind = "PermissionDenied"
	KindConflict         Kind = "Conflict"
	KindExhausted        Kind = "Exhausted"
	KindTimeout          Kind = "Timeout"
	KindTransient        Kind = "Transient"
	KindFatal            Kind = "Fatal"
	KindCancelled        Kind = "Cancelled"
)

// Category groups kinds by how they are handled: whether they are retried and
// how they are shown to a user.
type Category string

const (
	CategoryValidation    Category = "Validation"
	CategoryAuthorization Category = "Authorization"
	CategoryExhaustion    Category = "Exhaustion"
	CategoryConflict      Category = "Conflict"
	CategoryTransient     Category = "Transient"
	CategoryFatal         Category = "Fatal"
)

// Severity is the notice level a user interface attaches to an error category.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Category returns the handling category of the kind.
func (k Kind) Category() Category {
	switch k {
	case KindNotFound, KindInvalidArgument, KindCancelled:
		return CategoryValidation
	case KindPermissionDenied:
		return CategoryAuthorization
	case KindExhausted:
		return CategoryExhaustion
	case KindConflict:
		return CategoryConflict
	case KindTimeout, KindTransient:
		return CategoryTransient
	default:
		return CategoryFatal
	}
}

// Retryable reports whether errors of this kind are retried locally.
func (k Kind) Retryable() bool {
	switch k.Category() {
	case CategoryTransient, CategoryConflict:
		return true
	default:
		return false
	}
}

// Severity maps a category to the severity shown to the user.
func (c Category) Severity() Severity {
	switch c {
	case CategoryConflict, CategoryTransient:
		return SeverityWarning
	case CategoryExhaustion:
		return SeverityInfo
	default:
		return SeverityError
	}
}

// Error is the structured error type. Op names the failing operation and is
// optional. Cause carries the underlying error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	switch {
	case msg == "" && e.Cause != nil:
		msg = e.Cause.Error()
	case msg == "":
		msg = string(e.Kind)
	case e.Cause != nil:
		msg += ": " + e.Cause.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is makes every *Error of a given kind match the kind sentinel, so
// errors.Is(err, ErrNotFound) holds for any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Cause == nil && t.Kind == e.Kind && sentinels[t]
}

var sentinels = map[*Error]bool{}

func sentinel(kind Kind, msg string) *Error {
	e := &Error{Kind: kind, Message: msg}
	sentinels[e] = true
	return e
}

var (
	ErrNotFound         = sentinel(KindNotFound, "not found")
	ErrInvalidArgument  = sentinel(KindInvalidArgument, "invalid argument")
	ErrPermissionDenied = sentinel(KindPermissionDenied, "permission denied")
	ErrConflict         = sentinel(KindConflict, "conflict")
	ErrExhausted        = sentinel(KindExhausted, "exhausted")
	ErrTimeout          = sentinel(KindTimeout, "timeout")
	ErrTransient        = sentinel(KindTransient, "transient failure")
	ErrFatal            = sentinel(KindFatal, "fatal")
	ErrCancelled        = sentinel(KindCancelled, "cancelled")
)

// NewError builds an error of the given kind.
func NewError(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// WrapError attaches a kind to cause. A nil cause yields a plain error of that kind.
func WrapError(kind Kind, op string, cause error) error {
	if cause == nil {
		return &Error{Kind: kind, Op: op}
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Errorf formats a message into an error of the given kind. %w verbs are honored.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Kinded is implemented by typed domain errors that carry their own kind.
type Kinded interface {
	ErrorKind() Kind
}

func (e *Error) ErrorKind() Kind { return e.Kind }

// KindOf classifies err. Context cancellation and deadlines are recognized;
// anything unclassified is Fatal. A nil error has the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindFatal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// SendFailedError is returned by Network implementations when a frame could
// not be delivered. Peer is empty for broadcast failures.
type SendFailedError struct {
	Peer   PeerID
	Reason string
}

func (e *SendFailedError) Error() string {
	if e.Peer == "" {
		return "send failed: " + e.Reason
	}
	return fmt.Sprintf("send to %s failed: %s", e.Peer, e.Reason)
}

func (e *SendFailedError) ErrorKind() Kind { return KindTransient }
func (e *SendFailedError) Unwrap() error   { return ErrTransient }

// ReceiveFailedError is returned by Network implementations when reading fails.
type ReceiveFailedError struct {
	Reason string
}

func (e *ReceiveFailedError) Error() string   { return "receive failed: " + e.Reason }
func (e *ReceiveFailedError) ErrorKind() Kind { return KindTransient }
func (e *ReceiveFailedError) Unwrap() error   { return ErrTransient }
