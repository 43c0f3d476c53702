package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Status is the closed set of results surfaced by the slave engine and the
// host link. Every error returned by this module maps onto exactly one of them.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArg
	StatusNotSupported
	StatusTimeout
	StatusNotFound
	StatusNotFinished
	StatusNoMem
	StatusInvalidState
	// StatusFail is reported for errors that did not originate in this module,
	// for example a broken bridge connection.
	StatusFail
)

var statusNames = [...]string{
	StatusOK:           "ok",
	StatusInvalidArg:   "invalid argument",
	StatusNotSupported: "not supported",
	StatusTimeout:      "timeout",
	StatusNotFound:     "not found",
	StatusNotFinished:  "not finished",
	StatusNoMem:        "no memory",
	StatusInvalidState: "invalid state",
	StatusFail:         "fail",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	// ErrInvalidArg is a caller contract violation: nil or empty buffers,
	// oversized lengths, wrong channel or overlapping registers.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrNotSupported is returned when the transport or mode does not offer
	// the requested operation.
	ErrNotSupported = errors.New("not supported")
	// ErrTimeout is returned when a queue or semaphore wait expired.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound means the remote side is not ready yet, there is no data or
	// buffer space available right now.
	ErrNotFound = errors.New("not found")
	// ErrNotFinished reports a partial completion, more data remains.
	ErrNotFinished = errors.New("not finished")
	// ErrNoMem is returned on resource exhaustion.
	ErrNoMem = errors.New("no memory")
	// ErrInvalidState is returned when an operation is used in the wrong mode.
	ErrInvalidState = errors.New("invalid state")
)

var statusErrors = []struct {
	err    error
	status Status
}{
	{ErrInvalidArg, StatusInvalidArg},
	{ErrNotSupported, StatusNotSupported},
	{ErrTimeout, StatusTimeout},
	{ErrNotFound, StatusNotFound},
	{ErrNotFinished, StatusNotFinished},
	{ErrNoMem, StatusNoMem},
	{ErrInvalidState, StatusInvalidState},
}

// StatusOf maps err onto its Status. A nil error is StatusOK, anything that
// does not wrap one of the sentinels above is StatusFail.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusFail
}

// ErrorOf returns the sentinel error for s, nil for StatusOK and StatusFail.
func ErrorOf(s Status) error {
	for _, se := range statusErrors {
		if se.status == s {
			return se.err
		}
	}
	return nil
}

// Retryable reports whether err is a transient condition that callers are
// expected to retry, as opposed to a bug in the calling code.
func Retryable(err error) bool {
	switch StatusOf(err) {
	case StatusNotFound, StatusTimeout:
		return true
	default:
		return false
	}
}

type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded is a helper function to turn an error into a ContextualError if it is not already one
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded is a helper function to log an error line for an error or ContextualError
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).WithField("status", StatusOf(err)).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	return fmt.Errorf("%s (%v): %w", ce.Context, ce.Fields, ce.RealError).Error()
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	entry := lr.WithFields(ce.Fields)
	if ce.RealError != nil {
		entry.WithError(ce.RealError).WithField("status", StatusOf(ce.RealError)).Error(ce.Context)
	} else {
		entry.Error(ce.Context)
	}
}
