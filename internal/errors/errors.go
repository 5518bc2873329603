// Package errors defines the error taxonomy of the replication engine.
//
// Errors carry a Kind so callers can branch on the class of failure without
// string matching, plus the operation and region that produced them.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind string

const (
	// KindTransport means a target region or store could not be reached.
	KindTransport Kind = "transport"
	// KindChecksum means a received payload did not match its checksum.
	KindChecksum Kind = "checksum"
	// KindConfig means the engine was configured inconsistently.
	KindConfig Kind = "config"
	// KindValidation means the caller supplied invalid input.
	KindValidation Kind = "validation"
	// KindLocality means a residency rule refused the target region.
	KindLocality Kind = "locality"
)

// Op names the operation during which an error occurred.
type Op string

const (
	OpInitialize Op = "initialize"
	OpReplicate  Op = "replicate"
	OpPropagate  Op = "propagate"
	OpReceive    Op = "receive"
	OpResolve    Op = "resolve"
	OpShutdown   Op = "shutdown"
	OpLoadConfig Op = "load_config"
)

// Error is a classified replication error.
type Error struct {
	Kind   Kind
	Op     Op
	Region string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed [%s]", e.Op, e.Kind)
	if e.Region != "" {
		msg += fmt.Sprintf(" region=%s", e.Region)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// New builds a classified error from a message, recording a stack trace.
func New(kind Kind, op Op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op Op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap classifies cause. A nil cause yields nil.
func Wrap(kind Kind, op Op, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(cause, msg)}
}

// Transport builds a transport failure for region.
func Transport(op Op, region string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Op: op, Region: region, Err: errors.WithStack(cause)}
}

// Checksum builds a checksum mismatch error for the given key.
func Checksum(region, key, want, got string) error {
	return &Error{
		Kind:   KindChecksum,
		Op:     OpReceive,
		Region: region,
		Err:    errors.Errorf("checksum mismatch for key %s: declared %s, computed %s", key, want, got),
	}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Cause returns the innermost error, unwrapping pkg/errors wrappers.
func Cause(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return errors.Cause(e.Err)
	}
	return errors.Cause(err)
}
