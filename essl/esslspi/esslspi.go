// Package esslspi implements the serial slave link over SPI half-duplex.
//
// Flow control runs entirely through two 32 bit words in the slave's shared
// register file. The slave publishes the cumulative number of receive
// buffers it loaded in the TX sync register and the cumulative number of
// bytes it queued for sending in the RX sync register. The master keeps the
// matching consumed counters and only moves data the slave announced.
package esslspi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/essl"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/util"
)

// SyncRegSize is the size of one sync register in bytes.
const SyncRegSize = 4

// Config describes the slave side of the link.
type Config struct {
	// TxBufSize is the size of each receive buffer the slave loads. Every
	// master write is split into segments of this size.
	TxBufSize uint32
	// TxSyncReg is the register file offset of the slave's loaded buffer
	// counter.
	TxSyncReg uint8
	// RxSyncReg is the register file offset of the slave's queued byte
	// counter.
	RxSyncReg uint8
}

// Validate checks that both sync registers fit the register file without
// overlapping and that the buffer size is usable.
func (c Config) Validate() error {
	if c.TxBufSize == 0 || c.TxBufSize%4 != 0 {
		return fmt.Errorf("%w: tx buffer size %d must be a positive multiple of 4", util.ErrInvalidArg, c.TxBufSize)
	}
	for _, reg := range []uint8{c.TxSyncReg, c.RxSyncReg} {
		if int(reg)+SyncRegSize > hdbus.RegisterFileSize {
			return fmt.Errorf("%w: sync register 0x%02x exceeds the register file", util.ErrInvalidArg, reg)
		}
	}
	lo, hi := min(c.TxSyncReg, c.RxSyncReg), max(c.TxSyncReg, c.RxSyncReg)
	if int(lo)+SyncRegSize > int(hi) {
		return fmt.Errorf("%w: sync registers 0x%02x and 0x%02x overlap", util.ErrInvalidArg, c.TxSyncReg, c.RxSyncReg)
	}
	return nil
}

// reserved reports whether addr falls into either sync register.
func (c Config) reserved(addr uint8) bool {
	for _, reg := range []uint8{c.TxSyncReg, c.RxSyncReg} {
		if addr >= reg && int(addr) < int(reg)+SyncRegSize {
			return true
		}
	}
	return false
}

// Counters is a snapshot of the flow control state.
type Counters struct {
	// SlaveRxBufNum is the number of buffers the slave loaded, SentBufNum
	// the number the master filled.
	SlaveRxBufNum uint32
	SentBufNum    uint32
	// SlaveTxBytes is the number of bytes the slave queued, ReceivedBytes
	// the number the master read.
	SlaveTxBytes  uint32
	ReceivedBytes uint32
}

// Device is an [essl.Device] over an SPI half-duplex bus.
type Device struct {
	l   *logrus.Logger
	bus *hdbus.Bus
	cfg Config

	mu sync.Mutex
	c  Counters
}

var _ essl.Device = (*Device)(nil)
var _ essl.SlaveInterrupter = (*Device)(nil)

// New validates cfg and returns a device talking to the slave on bus.
func New(l *logrus.Logger, bus *hdbus.Bus, cfg Config) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: no bus", util.ErrInvalidArg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Device{l: l, bus: bus, cfg: cfg}, nil
}

// Config returns the link configuration.
func (d *Device) Config() Config {
	return d.cfg
}

// Counters returns a snapshot of the flow control counters.
func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// readSync reads a sync register until two consecutive reads agree. The
// slave may update the word while the master clocks it out, a single read
// can observe a value that was never written.
func (d *Device) readSync(reg uint8) (uint32, error) {
	var buf [SyncRegSize]byte
	if err := d.bus.RdBuf(reg, buf[:]); err != nil {
		return 0, err
	}
	prev := binary.LittleEndian.Uint32(buf[:])
	for {
		if err := d.bus.RdBuf(reg, buf[:]); err != nil {
			return 0, err
		}
		cur := binary.LittleEndian.Uint32(buf[:])
		if cur == prev {
			return cur, nil
		}
		prev = cur
	}
}

// GetTxBufferNum implements [essl.Device].
func (d *Device) GetTxBufferNum() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBufferNumLocked()
}

func (d *Device) txBufferNumLocked() uint32 {
	return d.c.SlaveRxBufNum - d.c.SentBufNum
}

// UpdateTxBufferNum implements [essl.Device].
func (d *Device) UpdateTxBufferNum() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateTxBufferNumLocked()
}

func (d *Device) updateTxBufferNumLocked() error {
	v, err := d.readSync(d.cfg.TxSyncReg)
	if err != nil {
		return fmt.Errorf("update tx buffer num: %w", err)
	}
	d.c.SlaveRxBufNum = v
	return nil
}

// GetRxDataSize implements [essl.Device].
func (d *Device) GetRxDataSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxDataSizeLocked()
}

func (d *Device) rxDataSizeLocked() uint32 {
	return d.c.SlaveTxBytes - d.c.ReceivedBytes
}

// UpdateRxDataSize implements [essl.Device].
func (d *Device) UpdateRxDataSize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateRxDataSizeLocked()
}

func (d *Device) updateRxDataSizeLocked() error {
	v, err := d.readSync(d.cfg.RxSyncReg)
	if err != nil {
		return fmt.Errorf("update rx data size: %w", err)
	}
	d.c.SlaveTxBytes = v
	return nil
}

// SendPacket implements [essl.Device]. data is split into segments of
// TxBufSize, one slave buffer each. If the slave has not announced enough
// free buffers, even after refreshing the counter, nothing is sent and
// [util.ErrNotFound] is returned.
func (d *Device) SendPacket(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", util.ErrInvalidArg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	need := (uint32(len(data)) + d.cfg.TxBufSize - 1) / d.cfg.TxBufSize
	if d.txBufferNumLocked() < need {
		if err := d.updateTxBufferNumLocked(); err != nil {
			return err
		}
		if d.txBufferNumLocked() < need {
			return fmt.Errorf("%w: slave has %d of %d buffers", util.ErrNotFound, d.txBufferNumLocked(), need)
		}
	}

	if err := d.bus.WrDMA(data, int(d.cfg.TxBufSize)); err != nil {
		return fmt.Errorf("send packet: %w", err)
	}
	d.c.SentBufNum += need
	return nil
}

// GetPacket implements [essl.Device]. It reads what the slave announced, up
// to len(out) bytes. [util.ErrNotFinished] is returned with the count when
// more data is waiting, [util.ErrNotFound] when there is none.
func (d *Device) GetPacket(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", util.ErrInvalidArg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	avail := d.rxDataSizeLocked()
	if avail == 0 {
		if err := d.updateRxDataSizeLocked(); err != nil {
			return 0, err
		}
		avail = d.rxDataSizeLocked()
		if avail == 0 {
			return 0, fmt.Errorf("%w: slave has no data", util.ErrNotFound)
		}
	}

	n := min(uint32(len(out)), avail)
	if err := d.bus.RdDMA(out[:n], 0); err != nil {
		return 0, fmt.Errorf("get packet: %w", err)
	}
	d.c.ReceivedBytes += n

	if n < avail {
		return int(n), util.ErrNotFinished
	}
	return int(n), nil
}

// ReadReg implements [essl.Device]. The sync registers are off limits.
func (d *Device) ReadReg(addr uint8) (uint8, error) {
	if err := d.checkReg(addr); err != nil {
		return 0, err
	}
	var b [1]byte
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bus.RdBuf(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteReg implements [essl.Device]. The sync registers are off limits.
func (d *Device) WriteReg(addr, value uint8) error {
	if err := d.checkReg(addr); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus.WrBuf(addr, []byte{value})
}

func (d *Device) checkReg(addr uint8) error {
	if int(addr) >= hdbus.RegisterFileSize {
		return fmt.Errorf("%w: register 0x%02x outside of the register file", util.ErrInvalidArg, addr)
	}
	if d.cfg.reserved(addr) {
		return fmt.Errorf("%w: register 0x%02x is reserved for flow control", util.ErrInvalidArg, addr)
	}
	return nil
}

// ResetCnt implements [essl.Device]. The cached slave totals are dropped as
// well, the next transfer re-reads the sync registers.
func (d *Device) ResetCnt() error {
	d.mu.Lock()
	d.c = Counters{}
	d.mu.Unlock()
	d.l.Debug("Reset master side link counters")
	return nil
}

// SendSlaveIntr implements [essl.SlaveInterrupter]. Bits 1 and 2 of mask
// raise the slave's INT1 and INT2 interrupts.
func (d *Device) SendSlaveIntr(mask uint32) error {
	if mask == 0 || mask&^0x6 != 0 {
		return fmt.Errorf("%w: interrupt mask 0x%x", util.ErrInvalidArg, mask)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for n := 1; n <= 2; n++ {
		if mask&(1<<n) == 0 {
			continue
		}
		if err := d.bus.Int(n); err != nil {
			return err
		}
	}
	return nil
}
