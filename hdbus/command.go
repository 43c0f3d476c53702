package hdbus

import (
	"fmt"

	"github.com/slackhq/spihd/util"
)

// Cmd is the command phase of a half-duplex transaction.
type Cmd uint8

const (
	// CmdWrBuf writes the shared register file.
	CmdWrBuf Cmd = 0x01
	// CmdRdBuf reads the shared register file.
	CmdRdBuf Cmd = 0x02
	// CmdWrDMA writes into the slave's RX DMA chain.
	CmdWrDMA Cmd = 0x03
	// CmdRdDMA reads from the slave's TX DMA chain.
	CmdRdDMA Cmd = 0x04
	// CmdWrDone ends the current RX segment.
	CmdWrDone Cmd = 0x07
	// CmdInt0 ends the current TX segment (RD_DONE).
	CmdInt0 Cmd = 0x08
	// CmdInt1 raises the slave's CMD9 event.
	CmdInt1 Cmd = 0x09
	// CmdInt2 raises the slave's CMDA event.
	CmdInt2 Cmd = 0x0A
)

var cmdNames = map[Cmd]string{
	CmdWrBuf:  "WRBUF",
	CmdRdBuf:  "RDBUF",
	CmdWrDMA:  "WRDMA",
	CmdRdDMA:  "RDDMA",
	CmdWrDone: "WR_DONE",
	CmdInt0:   "INT0",
	CmdInt1:   "INT1",
	CmdInt2:   "INT2",
}

func (c Cmd) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CMD(0x%02x)", uint8(c))
}

// Reads reports whether the data phase of c is driven by the slave.
func (c Cmd) Reads() bool {
	return c == CmdRdBuf || c == CmdRdDMA
}

// Lines selects how many data lines the data phase uses. The choice is
// carried in the upper bits of the command byte.
type Lines uint8

const (
	LinesSingle Lines = 0x00
	LinesDual   Lines = 0x50
	LinesQuad   Lines = 0xA0
)

// ParseLines returns the line mode for a data phase width of 1, 2 or 4
// lines.
func ParseLines(width int) (Lines, error) {
	switch width {
	case 1:
		return LinesSingle, nil
	case 2:
		return LinesDual, nil
	case 4:
		return LinesQuad, nil
	}
	return 0, fmt.Errorf("%w: %d data lines, want 1, 2 or 4", util.ErrInvalidArg, width)
}

// Width is the number of data lines l uses.
func (l Lines) Width() int {
	switch l {
	case LinesDual:
		return 2
	case LinesQuad:
		return 4
	}
	return 1
}

const (
	// HeaderSize is the size of the command, address and dummy phases with
	// the 8/8/8 bit layout used by this link.
	HeaderSize = 3
	// RegisterFileSize is the size of the slave's shared register file.
	RegisterFileSize = 64

	linesMask = 0xF0
	cmdMask   = 0x0F
)

// Header is the decoded command, address and line mode of a transaction.
type Header struct {
	Cmd   Cmd
	Addr  uint8
	Lines Lines
}

// Encode writes h into the first [HeaderSize] bytes of b.
func (h Header) Encode(b []byte) {
	b[0] = uint8(h.Cmd) | uint8(h.Lines)
	b[1] = h.Addr
	b[2] = 0
}

// DecodeHeader parses the command, address and dummy phases at the start of
// a transaction.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: transaction of %d bytes has no header", util.ErrInvalidArg, len(b))
	}
	h := Header{
		Cmd:   Cmd(b[0] & cmdMask),
		Addr:  b[1],
		Lines: Lines(b[0] & linesMask),
	}
	if _, ok := cmdNames[h.Cmd]; !ok {
		return h, fmt.Errorf("%w: unknown command 0x%02x", util.ErrNotSupported, b[0])
	}
	switch h.Lines {
	case LinesSingle, LinesDual, LinesQuad:
	default:
		return h, fmt.Errorf("%w: unknown line mode 0x%02x", util.ErrNotSupported, b[0]&linesMask)
	}
	return h, nil
}

// CheckRegisterRange validates that n bytes starting at addr are inside the
// register file.
func CheckRegisterRange(addr, n int) error {
	if addr < 0 || n < 0 || addr+n > RegisterFileSize {
		return fmt.Errorf("%w: register range 0x%02x+%d exceeds %d bytes", util.ErrInvalidArg, addr, n, RegisterFileSize)
	}
	return nil
}
