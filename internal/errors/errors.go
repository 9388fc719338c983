package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes a failure so the dispatch boundary can report a stable
// error code over the wire.
type Kind string

const (
	KindInvalidBundle  Kind = "invalid_bundle"
	KindExtraction     Kind = "extraction_failed"
	KindBundleBusy     Kind = "bundle_busy"
	KindNoActiveBundle Kind = "no_active_bundle"
	KindCommandTimeout Kind = "command_timeout"
	KindPathEscape     Kind = "path_escape"
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindConfig         Kind = "config"
	KindInternal       Kind = "internal"
)

// BundleError is a structured error for bundle server operations.
type BundleError struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "initialize_bundle", "grep_files")
	Bundle    string // bundle id or source, if applicable
	Err       error  // underlying error
	Timestamp time.Time
}

func (e *BundleError) Error() string {
	if e.Bundle != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Bundle, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BundleError) Unwrap() error {
	return e.Err
}

// New creates a BundleError with a literal message.
func New(kind Kind, op, msg string) *BundleError {
	return &BundleError{
		Kind:      kind,
		Op:        op,
		Err:       errors.New(msg),
		Timestamp: time.Now(),
	}
}

// Newf creates a BundleError with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *BundleError {
	return &BundleError{
		Kind:      kind,
		Op:        op,
		Err:       fmt.Errorf(format, args...),
		Timestamp: time.Now(),
	}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *BundleError {
	return &BundleError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithBundle adds the bundle identity to the error.
func (e *BundleError) WithBundle(bundle string) *BundleError {
	e.Bundle = bundle
	return e
}

// KindOf extracts the Kind carried by err. Errors without a BundleError in
// their chain are reported as internal so only domain errors get stable wire
// codes.
func KindOf(err error) Kind {
	var be *BundleError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
