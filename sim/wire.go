package sim

import (
	"fmt"

	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/util"
	"tinygo.org/x/drivers"
)

var _ drivers.SPI = (*Peripheral)(nil)

// Tx implements [drivers.SPI]. w is one chip select framed half-duplex
// transaction: header followed by the data phase. For reading commands the
// slave's data phase is returned in r after the header bytes.
func (p *Peripheral) Tx(w, r []byte) error {
	h, err := hdbus.DecodeHeader(w)
	if err != nil {
		return err
	}
	if h.Lines.Width() > p.opts.lines.Width() {
		return fmt.Errorf("%w: %d line data phase on a %d line bus", util.ErrNotSupported, h.Lines.Width(), p.opts.lines.Width())
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("%w: read buffer of %d bytes for a %d byte transaction", util.ErrInvalidArg, len(r), len(w))
	}
	if h.Cmd.Reads() && r == nil {
		return fmt.Errorf("%w: %s without a read buffer", util.ErrInvalidArg, h.Cmd)
	}

	data := w[hdbus.HeaderSize:]

	p.mu.Lock()
	defer p.mu.Unlock()

	switch h.Cmd {
	case hdbus.CmdWrBuf:
		if err := p.checkWireRange(h.Addr, len(data)); err != nil {
			return err
		}
		copy(p.regs[h.Addr:], data)
		p.postEventLocked(hal.Event{Kind: hal.EventBufRX, Addr: int(h.Addr), Len: len(data)})

	case hdbus.CmdRdBuf:
		out := r[hdbus.HeaderSize:]
		if err := p.checkWireRange(h.Addr, len(out)); err != nil {
			return err
		}
		copy(out, p.regs[h.Addr:])
		p.postEventLocked(hal.Event{Kind: hal.EventBufTX, Addr: int(h.Addr), Len: len(out)})

	case hdbus.CmdWrDMA:
		p.writeDMA(data)

	case hdbus.CmdRdDMA:
		p.readDMA(r[hdbus.HeaderSize:])

	case hdbus.CmdWrDone:
		p.done(hal.ChanRX)

	case hdbus.CmdInt0:
		p.done(hal.ChanTX)

	case hdbus.CmdInt1:
		p.postEventLocked(hal.Event{Kind: hal.EventCmd9})

	case hdbus.CmdInt2:
		p.postEventLocked(hal.Event{Kind: hal.EventCmdA})
	}

	return nil
}

// Transfer implements [drivers.SPI]. Single byte transfers carry no chip
// select framing and can not express a half-duplex transaction.
func (p *Peripheral) Transfer(b byte) (byte, error) {
	return 0, fmt.Errorf("%w: unframed byte transfer", util.ErrNotSupported)
}

func (p *Peripheral) checkWireRange(addr uint8, n int) error {
	if int(addr)+n > len(p.regs) {
		return fmt.Errorf("%w: register range 0x%02x+%d exceeds %d bytes", util.ErrInvalidArg, addr, n, len(p.regs))
	}
	return nil
}
