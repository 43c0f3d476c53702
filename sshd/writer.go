package sshd

import "io"

// StringWriter is where a command writes its output, a terminal for
// interactive sessions or the channel of an exec request.
type StringWriter interface {
	// WriteLine writes s and a newline.
	WriteLine(s string) error
	Write(s string) error
	// GetWriter returns the underlying writer for output that is not text,
	// json encoders and hex dumps for example.
	GetWriter() io.Writer
}

// NewStringWriter wraps w for command callbacks.
func NewStringWriter(w io.Writer) StringWriter {
	return stringWriter{w}
}

type stringWriter struct {
	w io.Writer
}

func (sw stringWriter) WriteLine(s string) error {
	return sw.Write(s + "\n")
}

func (sw stringWriter) Write(s string) error {
	_, err := io.WriteString(sw.w, s)
	return err
}

func (sw stringWriter) GetWriter() io.Writer {
	return sw.w
}
