// Package hal defines the leaf operations the SPI half-duplex slave engine
// needs from the peripheral: DMA reset/start/append per direction, the shared
// register file, completion and event reporting and the interrupt line.
//
// Everything above this interface is portable flow-control and queueing
// logic. A peripheral implementation only moves bytes and reports what it
// did.
package hal

import (
	"fmt"

	"github.com/slackhq/spihd/ring"
)

// Chan selects a DMA direction, seen from the slave.
type Chan int

const (
	// ChanTX carries data from the slave to the master (master RDDMA).
	ChanTX Chan = iota
	// ChanRX carries data from the master to the slave (master WRDMA).
	ChanRX
)

func (c Chan) String() string {
	switch c {
	case ChanTX:
		return "tx"
	case ChanRX:
		return "rx"
	default:
		return fmt.Sprintf("chan(%d)", int(c))
	}
}

// Valid reports whether c names one of the two directions.
func (c Chan) Valid() bool {
	return c == ChanTX || c == ChanRX
}

// Mode selects how the DMA engines consume descriptor chains.
type Mode int

const (
	// ModeSegment runs exactly one transaction per direction at a time. A
	// transaction ends when the master sends WR_DONE or RD_DONE.
	ModeSegment Mode = iota
	// ModeAppend lets the driver splice new transactions onto a running
	// chain. Each direction behaves as a continuous stream of buffers.
	ModeAppend
)

func (m Mode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "segment"
}

// Config is handed to the peripheral when a slot claims it.
type Config struct {
	Mode Mode
	// TxLSBFirst and RxLSBFirst select the bit order on the wire.
	TxLSBFirst bool
	RxLSBFirst bool
}

// Completion is posted by the peripheral when a DMA engine hands a finished
// transaction back.
type Completion struct {
	Chan Chan
	// Head is the first descriptor of the finished transaction.
	Head uint16
	// Length is the number of bytes the master actually moved. It may be
	// larger than the transaction buffer (the excess was dropped or padded)
	// or smaller (the master ended the segment early).
	Length int
}

// EventKind identifies a non DMA event raised by the master.
type EventKind int

const (
	// EventBufTX is raised after the master read the shared register file.
	EventBufTX EventKind = iota
	// EventBufRX is raised after the master wrote the shared register file.
	EventBufRX
	// EventCmd9 is raised by the INT1 command.
	EventCmd9
	// EventCmdA is raised by the INT2 command.
	EventCmdA
)

func (k EventKind) String() string {
	switch k {
	case EventBufTX:
		return "buf_tx"
	case EventBufRX:
		return "buf_rx"
	case EventCmd9:
		return "cmd9"
	case EventCmdA:
		return "cmdA"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event describes a register file access or a user interrupt command.
type Event struct {
	Kind EventKind
	// Addr and Len describe the register range touched by buffer events.
	Addr int
	Len  int
}

// Peripheral is the hardware side of one SPI half-duplex slave instance.
//
// DMA and register methods are called from task context and from the
// interrupt goroutine of the slot; implementations must be safe for that.
type Peripheral interface {
	// Attach claims the peripheral and binds the descriptor rings the DMA
	// engines walk. A claimed peripheral returns an error.
	Attach(cfg Config, tx, rx *ring.Ring) error
	// Detach stops both DMA engines and releases the peripheral.
	Detach()

	// ResetDMA stops the engine for ch and clears any state left from a
	// previous chain.
	ResetDMA(ch Chan)
	// StartDMA points the engine for ch at head and starts it.
	StartDMA(ch Chan, head uint16)
	// AppendDMA tells a running engine that its chain was extended.
	AppendDMA(ch Chan)

	// Interrupt returns the interrupt line. Signals are edge coalesced,
	// the receiver must drain completions and events until empty.
	Interrupt() <-chan struct{}
	// Kick raises the interrupt line from software.
	Kick()
	// PopCompletion returns the oldest unreported completion.
	PopCompletion() (Completion, bool)
	// PopEvent returns the oldest unreported event.
	PopEvent() (Event, bool)

	// BufferSize is the size of the shared register file in bytes.
	BufferSize() int
	// ReadBuffer copies the register file starting at addr into out.
	ReadBuffer(addr int, out []byte)
	// WriteBuffer copies data into the register file starting at addr.
	WriteBuffer(addr int, data []byte)

	// DMACapable reports whether buf can be handed to the DMA engine.
	DMACapable(buf []byte) bool
}

// CacheSyncer is implemented by peripherals whose DMA buffers can live behind
// a data cache.
type CacheSyncer interface {
	// Writeback flushes buf to memory before the engine reads it.
	Writeback(buf []byte)
	// Invalidate drops cached lines of buf after the engine wrote it.
	Invalidate(buf []byte)
}
