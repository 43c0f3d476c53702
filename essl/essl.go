// Package essl is the host side of a serial slave link. A [Device] is one
// transport specific implementation, a [Handle] wraps it with the retry
// policy callers expect: operations that find the slave not ready are
// retried until their wait time runs out.
package essl

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/util"
)

// Device is a transport specific slave link. Methods are single attempts,
// they return [util.ErrNotFound] when the slave is not ready.
type Device interface {
	// SendPacket writes data to the slave.
	SendPacket(data []byte) error
	// GetPacket reads up to len(out) bytes from the slave. It returns
	// [util.ErrNotFinished] together with the count when more data is
	// available than out can hold.
	GetPacket(out []byte) (int, error)

	// GetTxBufferNum returns the number of slave buffers known to be free,
	// without talking to the slave.
	GetTxBufferNum() uint32
	// UpdateTxBufferNum refreshes the free buffer count from the slave.
	UpdateTxBufferNum() error
	// GetRxDataSize returns the number of bytes known to be waiting on the
	// slave, without talking to the slave.
	GetRxDataSize() uint32
	// UpdateRxDataSize refreshes the waiting byte count from the slave.
	UpdateRxDataSize() error

	// ReadReg and WriteReg access one byte of the shared register file.
	ReadReg(addr uint8) (uint8, error)
	WriteReg(addr uint8, value uint8) error

	// ResetCnt zeroes the master side counters.
	ResetCnt() error
}

// Initializer is implemented by devices that need a bring up round trip.
type Initializer interface {
	Init(wait time.Duration) error
}

// ReadyWaiter is implemented by devices that can wait for the slave to boot.
type ReadyWaiter interface {
	WaitForReady(wait time.Duration) error
}

// SlaveInterrupter is implemented by devices that can raise interrupts on
// the slave.
type SlaveInterrupter interface {
	SendSlaveIntr(mask uint32) error
}

// DefaultPollInterval is the pause between two attempts of a retried
// operation.
const DefaultPollInterval = time.Millisecond

// Handle wraps a [Device] with retry until deadline semantics.
type Handle struct {
	l   *logrus.Logger
	dev Device

	// PollInterval is the pause between attempts.
	PollInterval time.Duration

	sent     metrics.Counter
	received metrics.Counter
	retries  metrics.Counter
	notReady metrics.Counter
}

// New returns a handle for dev.
func New(l *logrus.Logger, dev Device) *Handle {
	return &Handle{
		l:            l,
		dev:          dev,
		PollInterval: DefaultPollInterval,
		sent:         metrics.GetOrRegisterCounter("essl.sent_bytes", nil),
		received:     metrics.GetOrRegisterCounter("essl.received_bytes", nil),
		retries:      metrics.GetOrRegisterCounter("essl.retries", nil),
		notReady:     metrics.GetOrRegisterCounter("essl.not_ready", nil),
	}
}

// Init brings the link up. Devices without a bring up step succeed.
func (h *Handle) Init(wait time.Duration) error {
	if i, ok := h.dev.(Initializer); ok {
		return i.Init(wait)
	}
	return nil
}

// WaitForReady blocks until the slave is ready, or returns
// [util.ErrNotSupported] if the device can not tell.
func (h *Handle) WaitForReady(wait time.Duration) error {
	if w, ok := h.dev.(ReadyWaiter); ok {
		return w.WaitForReady(wait)
	}
	return util.ErrNotSupported
}

// SendPacket sends data, retrying while the slave has no free buffers. After
// wait it gives up with [util.ErrNotFound]. A zero wait makes one attempt.
func (h *Handle) SendPacket(data []byte, wait time.Duration) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", util.ErrInvalidArg)
	}
	err := h.retry(wait, func() error {
		return h.dev.SendPacket(data)
	})
	if err == nil {
		h.sent.Inc(int64(len(data)))
	}
	return err
}

// GetPacket receives into out, retrying while the slave has no data. It
// returns [util.ErrNotFinished] with the count when more data is waiting.
func (h *Handle) GetPacket(out []byte, wait time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", util.ErrInvalidArg)
	}
	var n int
	err := h.retry(wait, func() error {
		var err error
		n, err = h.dev.GetPacket(out)
		return err
	})
	if err == nil || util.StatusOf(err) == util.StatusNotFinished {
		h.received.Inc(int64(n))
	}
	return n, err
}

// GetTxBufferNum refreshes and returns the number of free slave buffers.
func (h *Handle) GetTxBufferNum(wait time.Duration) (uint32, error) {
	if err := h.retry(wait, h.dev.UpdateTxBufferNum); err != nil {
		return 0, err
	}
	return h.dev.GetTxBufferNum(), nil
}

// GetRxDataSize refreshes and returns the number of bytes waiting on the
// slave.
func (h *Handle) GetRxDataSize(wait time.Duration) (uint32, error) {
	if err := h.retry(wait, h.dev.UpdateRxDataSize); err != nil {
		return 0, err
	}
	return h.dev.GetRxDataSize(), nil
}

// ReadReg reads one byte of the shared register file.
func (h *Handle) ReadReg(addr uint8) (uint8, error) {
	return h.dev.ReadReg(addr)
}

// WriteReg writes one byte of the shared register file.
func (h *Handle) WriteReg(addr, value uint8) error {
	return h.dev.WriteReg(addr, value)
}

// ResetCnt zeroes the master side counters. The slave must be reset as well
// or both sides disagree from then on.
func (h *Handle) ResetCnt() error {
	return h.dev.ResetCnt()
}

// SendSlaveIntr raises the interrupts in mask on the slave.
func (h *Handle) SendSlaveIntr(mask uint32) error {
	if si, ok := h.dev.(SlaveInterrupter); ok {
		return si.SendSlaveIntr(mask)
	}
	return util.ErrNotSupported
}

// retry runs op until it stops returning [util.ErrNotFound] or wait elapsed.
func (h *Handle) retry(wait time.Duration, op func() error) error {
	deadline := time.Now().Add(wait)
	for attempt := 0; ; attempt++ {
		err := op()
		if util.StatusOf(err) != util.StatusNotFound {
			return err
		}

		left := time.Until(deadline)
		if left <= 0 {
			h.notReady.Inc(1)
			if h.l.Level >= logrus.DebugLevel {
				h.l.WithField("attempts", attempt+1).WithField("wait", wait).Debug("Slave not ready")
			}
			return err
		}
		h.retries.Inc(1)
		time.Sleep(min(h.PollInterval, left))
	}
}
