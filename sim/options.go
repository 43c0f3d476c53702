package sim

import (
	"errors"

	"github.com/slackhq/spihd/hdbus"
)

type optionValues struct {
	bufferSize int
	lines      hdbus.Lines
	dmaCapable func([]byte) bool
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.bufferSize <= 0 {
		return errors.New("register file size must be positive")
	}
	if o.bufferSize > 256 {
		return errors.New("register file can not be addressed with 8 bits")
	}
	switch o.lines {
	case hdbus.LinesSingle, hdbus.LinesDual, hdbus.LinesQuad:
	default:
		return errors.New("unknown data line mode")
	}
	return nil
}

var optionDefaults = optionValues{
	bufferSize: hdbus.RegisterFileSize,
	lines:      hdbus.LinesQuad,
	dmaCapable: func(b []byte) bool { return b != nil },
}

// Option can be passed to [New] to influence the simulated peripheral.
type Option func(*optionValues)

// WithBufferSize sets the size of the shared register file in bytes.
func WithBufferSize(n int) Option {
	return func(o *optionValues) { o.bufferSize = n }
}

// WithLines sets how many data lines are wired to the master. Transactions
// with a wider data phase are rejected.
func WithLines(l hdbus.Lines) Option {
	return func(o *optionValues) { o.lines = l }
}

// WithDMACapable replaces the check that decides which buffers the DMA
// engines accept. Tests use it to emulate memory regions the engine can not
// reach.
func WithDMACapable(f func([]byte) bool) Option {
	return func(o *optionValues) { o.dmaCapable = f }
}
