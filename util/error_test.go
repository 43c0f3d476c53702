package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type m = map[string]any

type TestLogWriter struct {
	Logs []string
}

func NewTestLogWriter() *TestLogWriter {
	return &TestLogWriter{Logs: make([]string, 0)}
}

func (tl *TestLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *TestLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status Status
	}{
		{nil, StatusOK},
		{ErrInvalidArg, StatusInvalidArg},
		{fmt.Errorf("tx_sync_reg 0x38: %w", ErrInvalidArg), StatusInvalidArg},
		{fmt.Errorf("append: %w", ErrNoMem), StatusNoMem},
		{fmt.Errorf("%w: %w", ErrTimeout, errors.New("context deadline exceeded")), StatusTimeout},
		{ErrNotFinished, StatusNotFinished},
		{ErrNotSupported, StatusNotSupported},
		{ErrInvalidState, StatusInvalidState},
		{ErrNotFound, StatusNotFound},
		{errors.New("broken pipe"), StatusFail},
		{NewContextualError("init", nil, ErrInvalidArg), StatusInvalidArg},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusOf(tt.err), "%v", tt.err)
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "not found", StatusNotFound.String())
	assert.Equal(t, "invalid state", StatusInvalidState.String())
	assert.Equal(t, "status(42)", Status(42).String())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrNotFound))
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrTimeout)))
	assert.False(t, Retryable(ErrInvalidArg))
	assert.False(t, Retryable(nil))
}

func TestContextualError_Log(t *testing.T) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}

	tl := NewTestLogWriter()
	l.Out = tl

	// Test a full context line
	tl.Reset()
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1 status=fail\n"}, tl.Logs)

	// Test a line with a status error and msg but no fields
	tl.Reset()
	e = NewContextualError("test message", nil, ErrInvalidArg)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=\"invalid argument\" status=\"invalid argument\"\n"}, tl.Logs)

	// Test just a context and fields
	tl.Reset()
	e = NewContextualError("test message", m{"field": "1"}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\" field=1\n"}, tl.Logs)

	// Test just a context
	tl.Reset()
	e = NewContextualError("test message", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\"\n"}, tl.Logs)
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}

	tl := NewTestLogWriter()
	l.Out = tl

	// Test ignoring fallback context
	tl.Reset()
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("This should get thrown away", e, l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1 status=fail\n"}, tl.Logs)

	// Test using fallback context
	tl.Reset()
	err := fmt.Errorf("this is a normal error: %w", ErrTimeout)
	LogWithContextIfNeeded("Fallback context woo", err, l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error: timeout\" status=timeout\n"}, tl.Logs)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context woo", err)

	switch v := cErr.(type) {
	case *ContextualError:
		assert.Equal(t, err, v.RealError)
	default:
		t.Error("Error was not wrapped")
		t.Fail()
	}
}

func TestErrorOf(t *testing.T) {
	for s := StatusInvalidArg; s < StatusFail; s++ {
		assert.Equal(t, s, StatusOf(ErrorOf(s)), s.String())
	}
	assert.Nil(t, ErrorOf(StatusOK))
	assert.Nil(t, ErrorOf(StatusFail))
}
