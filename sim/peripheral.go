// Package sim is an in-memory SPI half-duplex slave peripheral.
//
// It implements [hal.Peripheral] for the slave engine and [drivers.SPI] for a
// master, so both halves of the link can run against each other without
// hardware: the master's WRDMA/RDDMA transactions move bytes straight through
// the descriptor chains the slave engine built.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/ring"
)

// ErrAttached is returned when a second slot tries to claim the peripheral.
var ErrAttached = errors.New("peripheral is already attached")

// Peripheral is a simulated SPI half-duplex slave.
type Peripheral struct {
	opts optionValues

	mu          sync.Mutex
	attached    bool
	cfg         hal.Config
	regs        []byte
	rings       [2]*ring.Ring
	dma         [2]engine
	completions []hal.Completion
	events      []hal.Event

	intr chan struct{}

	writebacks  atomic.Int64
	invalidates atomic.Int64
	dropped     atomic.Int64
}

var _ hal.Peripheral = (*Peripheral)(nil)
var _ hal.CacheSyncer = (*Peripheral)(nil)

// New creates a detached simulated peripheral.
func New(options ...Option) (*Peripheral, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	return &Peripheral{
		opts: opts,
		regs: make([]byte, opts.bufferSize),
		intr: make(chan struct{}, 1),
	}, nil
}

// Attach implements [hal.Peripheral].
func (p *Peripheral) Attach(cfg hal.Config, tx, rx *ring.Ring) error {
	if tx == nil || rx == nil {
		return errors.New("both descriptor rings are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return ErrAttached
	}
	p.attached = true
	p.cfg = cfg
	p.rings[hal.ChanTX] = tx
	p.rings[hal.ChanRX] = rx
	p.dma = [2]engine{}
	p.completions = nil
	p.events = nil
	return nil
}

// Detach implements [hal.Peripheral].
func (p *Peripheral) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = false
	p.rings = [2]*ring.Ring{}
	p.dma = [2]engine{}
	p.completions = nil
	p.events = nil
}

// Mode returns the DMA mode selected by the attached slot.
func (p *Peripheral) Mode() hal.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Mode
}

// Interrupt implements [hal.Peripheral].
func (p *Peripheral) Interrupt() <-chan struct{} {
	return p.intr
}

// Kick implements [hal.Peripheral].
func (p *Peripheral) Kick() {
	p.raise()
}

func (p *Peripheral) raise() {
	select {
	case p.intr <- struct{}{}:
	default:
	}
}

// PopCompletion implements [hal.Peripheral].
func (p *Peripheral) PopCompletion() (hal.Completion, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completions) == 0 {
		return hal.Completion{}, false
	}
	c := p.completions[0]
	p.completions = p.completions[1:]
	return c, true
}

// PopEvent implements [hal.Peripheral].
func (p *Peripheral) PopEvent() (hal.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return hal.Event{}, false
	}
	e := p.events[0]
	p.events = p.events[1:]
	return e, true
}

// InjectCompletion posts a completion record as if the DMA engine had
// produced it. It exists to test how the driver deals with a misbehaving
// engine.
func (p *Peripheral) InjectCompletion(c hal.Completion) {
	p.mu.Lock()
	p.completions = append(p.completions, c)
	p.mu.Unlock()
	p.raise()
}

func (p *Peripheral) postCompletionLocked(c hal.Completion) {
	p.completions = append(p.completions, c)
	p.raise()
}

func (p *Peripheral) postEventLocked(e hal.Event) {
	p.events = append(p.events, e)
	p.raise()
}

// BufferSize implements [hal.Peripheral].
func (p *Peripheral) BufferSize() int {
	return len(p.regs)
}

// ReadBuffer implements [hal.Peripheral].
func (p *Peripheral) ReadBuffer(addr int, out []byte) {
	p.checkRange(addr, len(out))
	p.mu.Lock()
	copy(out, p.regs[addr:])
	p.mu.Unlock()
}

// WriteBuffer implements [hal.Peripheral].
func (p *Peripheral) WriteBuffer(addr int, data []byte) {
	p.checkRange(addr, len(data))
	p.mu.Lock()
	copy(p.regs[addr:], data)
	p.mu.Unlock()
}

func (p *Peripheral) checkRange(addr, n int) {
	if addr < 0 || addr+n > len(p.regs) {
		panic(fmt.Sprintf("register access 0x%02x+%d outside of a %d byte register file", addr, n, len(p.regs)))
	}
}

// DMACapable implements [hal.Peripheral].
func (p *Peripheral) DMACapable(buf []byte) bool {
	return p.opts.dmaCapable(buf)
}

// Writeback implements [hal.CacheSyncer]. The simulation has no cache, it
// only counts the calls.
func (p *Peripheral) Writeback(buf []byte) {
	p.writebacks.Add(1)
}

// Invalidate implements [hal.CacheSyncer].
func (p *Peripheral) Invalidate(buf []byte) {
	p.invalidates.Add(1)
}

// Stats is a snapshot of the simulation counters.
type Stats struct {
	Writebacks  int64
	Invalidates int64
	// Dropped counts bytes the master wrote while no RX buffer was loaded.
	Dropped int64
}

// Stats returns the simulation counters.
func (p *Peripheral) Stats() Stats {
	return Stats{
		Writebacks:  p.writebacks.Load(),
		Invalidates: p.invalidates.Load(),
		Dropped:     p.dropped.Load(),
	}
}
