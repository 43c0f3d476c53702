// Package slave implements the SPI half-duplex slave transfer engine.
//
// A [Slot] owns one peripheral and runs it in either segment mode, where
// exactly one transaction per direction is loaded into the DMA at a time, or
// append mode, where transactions are spliced onto a running descriptor chain.
// Submission happens in the caller's goroutine. Completions are harvested by
// the slot's interrupt goroutine, which is the only place user callbacks run.
package slave

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/ring"
	"github.com/slackhq/spihd/util"
	"golang.org/x/sync/semaphore"
)

// Verdict is returned by completion callbacks and decides who owns the
// transaction afterwards.
type Verdict int

const (
	// PassThrough puts the transaction on the return queue, the caller
	// retrieves it with GetTransRes or GetAppendTransRes.
	PassThrough Verdict = iota
	// Consumed means the callback took the transaction over. It is never
	// returned through the queue and its admission slot is freed right away.
	Consumed
)

// Trans is one caller buffer submitted to a direction. The caller keeps
// ownership of Data but must not touch it between submission and retrieval.
type Trans struct {
	Data []byte
	// TransLen is the number of valid bytes after completion.
	TransLen int
	// Overflow is set when the master moved more bytes than Data holds. For
	// RX the excess was dropped, for TX the master read padding.
	Overflow bool
	// Arg is carried through untouched.
	Arg any
}

// Callbacks run in the slot's interrupt goroutine and must return quickly.
type Callbacks struct {
	// OnBufferTX is called after the master read the register file.
	OnBufferTX func(ev hal.Event)
	// OnBufferRX is called after the master wrote the register file.
	OnBufferRX func(ev hal.Event)
	// OnCmd9 and OnCmdA are called for the master's INT1 and INT2 commands.
	OnCmd9 func()
	OnCmdA func()
	// OnSendDMAReady and OnRecvDMAReady are called in segment mode once a
	// transaction was loaded into the DMA engine.
	OnSendDMAReady func(t *Trans)
	OnRecvDMAReady func(t *Trans)
	// OnSent and OnRecv are called for every finished transaction.
	OnSent func(t *Trans) Verdict
	OnRecv func(t *Trans) Verdict
}

// Config selects the mode and sizes of a slot.
type Config struct {
	Mode hal.Mode
	// QueueSize bounds the transactions per direction that may be
	// outstanding, submitted but not yet retrieved.
	QueueSize int
	// MaxTransferSize bounds the length of a single transaction. 0 selects
	// [ring.MaxDescriptorPayload].
	MaxTransferSize int
	// DescriptorPayload bounds the bytes per descriptor. 0 selects
	// [ring.MaxDescriptorPayload].
	DescriptorPayload int

	TxLSBFirst bool
	RxLSBFirst bool

	Callbacks Callbacks
}

func (c *Config) validate() error {
	if c.Mode != hal.ModeSegment && c.Mode != hal.ModeAppend {
		return fmt.Errorf("%w: unknown mode %d", util.ErrInvalidArg, c.Mode)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size %d", util.ErrInvalidArg, c.QueueSize)
	}
	if c.MaxTransferSize < 0 || c.DescriptorPayload < 0 || c.DescriptorPayload > ring.MaxDescriptorPayload {
		return fmt.Errorf("%w: transfer size %d, descriptor payload %d", util.ErrInvalidArg, c.MaxTransferSize, c.DescriptorPayload)
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = ring.MaxDescriptorPayload
	}
	if c.DescriptorPayload == 0 {
		c.DescriptorPayload = ring.MaxDescriptorPayload
	}
	return nil
}

// ringSize returns the number of descriptors per direction. Segment mode
// only ever holds one transaction, append mode up to QueueSize of them.
func (c *Config) ringSize() int {
	n := ring.SlotsFor(c.MaxTransferSize, c.DescriptorPayload)
	if c.Mode == hal.ModeAppend {
		n *= c.QueueSize
	}
	return n
}

// inflight is a transaction the DMA engine owns.
type inflight struct {
	trans *Trans
	head  uint16
	slots int
}

// direction is the per channel state. mu is the critical section shared by
// the submitting goroutines and the interrupt goroutine, it is never held
// across a blocking operation.
type direction struct {
	ch hal.Chan

	mu       sync.Mutex
	ring     *ring.Ring
	inflight []inflight
	tail     uint16

	// sem bounds submitted but not yet retrieved transactions.
	sem *semaphore.Weighted
	// ret holds finished transactions until they are retrieved.
	ret chan *Trans
	// sub holds segment mode transactions waiting for the DMA engine.
	sub chan *Trans

	m *dirMetrics
}

// Slot is one SPI half-duplex slave instance.
type Slot struct {
	l      *logrus.Logger
	periph hal.Peripheral
	cache  hal.CacheSyncer
	cfg    Config
	dirs   [2]*direction

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Init claims periph and starts the slot's interrupt goroutine. Release the
// slot with [Slot.Close].
func Init(l *logrus.Logger, periph hal.Peripheral, cfg Config) (*Slot, error) {
	s, err := newSlot(l, periph, cfg)
	if err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// newSlot builds a slot without starting the interrupt goroutine.
func newSlot(l *logrus.Logger, periph hal.Peripheral, cfg Config) (*Slot, error) {
	if periph == nil {
		return nil, fmt.Errorf("%w: no peripheral", util.ErrInvalidArg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Slot{
		l:      l,
		periph: periph,
		cfg:    cfg,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.cache, _ = periph.(hal.CacheSyncer)

	size := cfg.ringSize()
	for _, ch := range []hal.Chan{hal.ChanTX, hal.ChanRX} {
		r, err := ring.New(size, cfg.DescriptorPayload)
		if err != nil {
			return nil, fmt.Errorf("allocate %s descriptors: %w: %w", ch, util.ErrNoMem, err)
		}
		d := &direction{
			ch:   ch,
			ring: r,
			sem:  semaphore.NewWeighted(int64(cfg.QueueSize)),
			ret:  make(chan *Trans, cfg.QueueSize),
			m:    newDirMetrics(ch),
		}
		if cfg.Mode == hal.ModeSegment {
			d.sub = make(chan *Trans, cfg.QueueSize)
		}
		s.dirs[ch] = d
	}

	err := periph.Attach(hal.Config{
		Mode:       cfg.Mode,
		TxLSBFirst: cfg.TxLSBFirst,
		RxLSBFirst: cfg.RxLSBFirst,
	}, s.dirs[hal.ChanTX].ring, s.dirs[hal.ChanRX].ring)
	if err != nil {
		return nil, fmt.Errorf("%w: attach peripheral: %w", util.ErrInvalidState, err)
	}

	l.WithFields(logrus.Fields{
		"mode":        cfg.Mode,
		"queueSize":   cfg.QueueSize,
		"maxTransfer": cfg.MaxTransferSize,
		"descriptors": size,
	}).Debug("SPI slave HD slot initialized")

	return s, nil
}

// Mode returns the mode the slot was initialised with.
func (s *Slot) Mode() hal.Mode {
	return s.cfg.Mode
}

// MaxTransferSize returns the largest transaction the slot accepts.
func (s *Slot) MaxTransferSize() int {
	return s.cfg.MaxTransferSize
}

// Close stops the interrupt goroutine and releases the peripheral.
// Transactions still in flight are abandoned.
func (s *Slot) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done
		s.periph.ResetDMA(hal.ChanTX)
		s.periph.ResetDMA(hal.ChanRX)
		s.periph.Detach()
		s.l.Debug("SPI slave HD slot closed")
	})
	return nil
}

func (s *Slot) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run is the interrupt goroutine.
func (s *Slot) run() {
	defer close(s.done)
	intr := s.periph.Interrupt()
	for {
		select {
		case <-s.closed:
			return
		case <-intr:
			s.service()
		}
	}
}

// checkTrans validates a submission for ch.
func (s *Slot) checkTrans(ch hal.Chan, t *Trans, mode hal.Mode) (*direction, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("%w: slot is closed", util.ErrInvalidState)
	}
	if s.cfg.Mode != mode {
		return nil, fmt.Errorf("%w: slot runs in %s mode", util.ErrInvalidState, s.cfg.Mode)
	}
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %s", util.ErrInvalidArg, ch)
	}
	if t == nil || len(t.Data) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", util.ErrInvalidArg)
	}
	if len(t.Data) > s.cfg.MaxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes exceed the maximum transfer size %d", util.ErrInvalidArg, len(t.Data), s.cfg.MaxTransferSize)
	}
	if !s.periph.DMACapable(t.Data) {
		return nil, fmt.Errorf("%w: buffer is not dma capable", util.ErrInvalidArg)
	}
	return s.dirs[ch], nil
}

// checkRes validates a retrieval for ch.
func (s *Slot) checkRes(ch hal.Chan, mode hal.Mode) (*direction, error) {
	if s.cfg.Mode != mode {
		return nil, fmt.Errorf("%w: slot runs in %s mode", util.ErrInvalidState, s.cfg.Mode)
	}
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %s", util.ErrInvalidArg, ch)
	}
	return s.dirs[ch], nil
}

// admit takes one admission slot of d, waiting until ctx is done.
func (s *Slot) admit(ctx context.Context, d *direction) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.m.timeouts.Inc(1)
		return fmt.Errorf("%w: waiting for a free %s slot: %w", util.ErrTimeout, d.ch, err)
	}
	return nil
}

// result pops the next finished transaction of d and frees its admission
// slot.
func (s *Slot) result(ctx context.Context, d *direction) (*Trans, error) {
	select {
	case t := <-d.ret:
		d.sem.Release(1)
		return t, nil
	default:
	}

	select {
	case t := <-d.ret:
		d.sem.Release(1)
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a %s result: %w", util.ErrTimeout, d.ch, ctx.Err())
	}
}

// ReadBuffer copies the shared register file starting at addr into out.
func (s *Slot) ReadBuffer(addr int, out []byte) error {
	if err := s.checkBuffer(addr, len(out)); err != nil {
		return err
	}
	s.periph.ReadBuffer(addr, out)
	return nil
}

// WriteBuffer copies data into the shared register file starting at addr.
func (s *Slot) WriteBuffer(addr int, data []byte) error {
	if err := s.checkBuffer(addr, len(data)); err != nil {
		return err
	}
	s.periph.WriteBuffer(addr, data)
	return nil
}

func (s *Slot) checkBuffer(addr, n int) error {
	if n == 0 || addr < 0 || addr+n > s.periph.BufferSize() {
		return fmt.Errorf("%w: register range 0x%02x+%d exceeds %d bytes", util.ErrInvalidArg, addr, n, s.periph.BufferSize())
	}
	return nil
}
