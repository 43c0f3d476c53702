// Package hdbus drives the master side of the SPI half-duplex slave protocol.
//
// Every transaction is framed by chip select and made of a command byte, an
// address byte, a dummy byte and the data phase. On a plain full-duplex
// [drivers.SPI] the three header bytes are simply clocked out before the data,
// which is what the single line mode looks like on the wire.
package hdbus

import (
	"fmt"
	"sync"

	"github.com/slackhq/spihd/util"
	"tinygo.org/x/drivers"
)

// Bus issues half-duplex transactions on an SPI bus. It is safe for
// concurrent use, transactions are serialised.
type Bus struct {
	spi   drivers.SPI
	lines Lines

	mu sync.Mutex
}

// New returns a Bus that uses single line data phases.
func New(spi drivers.SPI) *Bus {
	return &Bus{spi: spi, lines: LinesSingle}
}

// SetLines changes the data line mode for all following transactions.
func (b *Bus) SetLines(l Lines) {
	b.mu.Lock()
	b.lines = l
	b.mu.Unlock()
}

// Transact runs one transaction. For commands that read, out receives the
// data phase; for commands that write, data is sent.
func (b *Bus) Transact(cmd Cmd, addr uint8, data []byte, out []byte) error {
	n := len(data)
	if cmd.Reads() {
		n = len(out)
	}

	w := make([]byte, HeaderSize+n)
	var r []byte

	b.mu.Lock()
	defer b.mu.Unlock()

	Header{Cmd: cmd, Addr: addr, Lines: b.lines}.Encode(w)
	if cmd.Reads() {
		r = make([]byte, len(w))
	} else {
		copy(w[HeaderSize:], data)
	}

	if err := b.spi.Tx(w, r); err != nil {
		return fmt.Errorf("%s 0x%02x: %w", cmd, addr, err)
	}
	if r != nil {
		copy(out, r[HeaderSize:])
	}
	return nil
}

// WrBuf writes data into the slave's register file at addr.
func (b *Bus) WrBuf(addr uint8, data []byte) error {
	if err := CheckRegisterRange(int(addr), len(data)); err != nil {
		return err
	}
	return b.Transact(CmdWrBuf, addr, data, nil)
}

// RdBuf reads len(out) bytes of the slave's register file starting at addr.
func (b *Bus) RdBuf(addr uint8, out []byte) error {
	if err := CheckRegisterRange(int(addr), len(out)); err != nil {
		return err
	}
	return b.Transact(CmdRdBuf, addr, nil, out)
}

// WrDMASeg writes one segment into the slave's RX DMA without ending it.
func (b *Bus) WrDMASeg(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty dma segment", util.ErrInvalidArg)
	}
	return b.Transact(CmdWrDMA, 0, data, nil)
}

// WrDMADone ends the slave's current RX segment.
func (b *Bus) WrDMADone() error {
	return b.Transact(CmdWrDone, 0, nil, nil)
}

// WrDMA sends data as a sequence of segments of at most segLen bytes, each
// followed by WR_DONE. A segLen of 0 sends everything as one segment.
func (b *Bus) WrDMA(data []byte, segLen int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty dma write", util.ErrInvalidArg)
	}
	if segLen <= 0 {
		segLen = len(data)
	}
	for len(data) > 0 {
		n := min(segLen, len(data))
		if err := b.WrDMASeg(data[:n]); err != nil {
			return err
		}
		if err := b.WrDMADone(); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// RdDMASeg reads one segment from the slave's TX DMA without ending it.
func (b *Bus) RdDMASeg(out []byte) error {
	if len(out) == 0 {
		return fmt.Errorf("%w: empty dma segment", util.ErrInvalidArg)
	}
	return b.Transact(CmdRdDMA, 0, nil, out)
}

// RdDMADone ends the slave's current TX segment.
func (b *Bus) RdDMADone() error {
	return b.Transact(CmdInt0, 0, nil, nil)
}

// RdDMA fills out with a sequence of segments of at most segLen bytes, each
// followed by RD_DONE. A segLen of 0 reads everything as one segment.
func (b *Bus) RdDMA(out []byte, segLen int) error {
	if len(out) == 0 {
		return fmt.Errorf("%w: empty dma read", util.ErrInvalidArg)
	}
	if segLen <= 0 {
		segLen = len(out)
	}
	for len(out) > 0 {
		n := min(segLen, len(out))
		if err := b.RdDMASeg(out[:n]); err != nil {
			return err
		}
		if err := b.RdDMADone(); err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

// Int sends one of the user interrupt commands. n is 1 or 2; INT0 is the
// RD_DONE command and is sent through [Bus.RdDMADone].
func (b *Bus) Int(n int) error {
	switch n {
	case 1:
		return b.Transact(CmdInt1, 0, nil, nil)
	case 2:
		return b.Transact(CmdInt2, 0, nil, nil)
	default:
		return fmt.Errorf("%w: interrupt %d", util.ErrInvalidArg, n)
	}
}
