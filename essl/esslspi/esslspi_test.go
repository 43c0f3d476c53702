package esslspi

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/slackhq/spihd/essl"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/sim"
	"github.com/slackhq/spihd/test"
	"github.com/slackhq/spihd/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave answers HD transactions from a scripted register file.
type fakeSlave struct {
	regs [hdbus.RegisterFileSize]byte
	// script holds values returned by successive reads of a sync register,
	// the last one sticks.
	script  map[uint8][]uint32
	reads   map[uint8]int
	cmds    []hdbus.Cmd
	written [][]byte
	rdBytes int
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{script: map[uint8][]uint32{}, reads: map[uint8]int{}}
}

func (f *fakeSlave) set(reg uint8, v uint32) {
	f.script[reg] = []uint32{v}
}

func (f *fakeSlave) Tx(w, r []byte) error {
	h, err := hdbus.DecodeHeader(w)
	if err != nil {
		return err
	}
	f.cmds = append(f.cmds, h.Cmd)
	switch h.Cmd {
	case hdbus.CmdRdBuf:
		f.reads[h.Addr]++
		if s := f.script[h.Addr]; len(s) > 0 {
			binary.LittleEndian.PutUint32(f.regs[h.Addr:], s[0])
			if len(s) > 1 {
				f.script[h.Addr] = s[1:]
			}
		}
		copy(r[hdbus.HeaderSize:], f.regs[h.Addr:])
	case hdbus.CmdWrBuf:
		copy(f.regs[h.Addr:], w[hdbus.HeaderSize:])
	case hdbus.CmdWrDMA:
		f.written = append(f.written, bytes.Clone(w[hdbus.HeaderSize:]))
	case hdbus.CmdRdDMA:
		out := r[hdbus.HeaderSize:]
		for i := range out {
			out[i] = byte(f.rdBytes + i)
		}
		f.rdBytes += len(out)
	}
	return nil
}

func (f *fakeSlave) Transfer(b byte) (byte, error) {
	return 0, util.ErrNotSupported
}

func (f *fakeSlave) count(cmd hdbus.Cmd) int {
	n := 0
	for _, c := range f.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

var testConfig = Config{TxBufSize: 4, TxSyncReg: 0x38, RxSyncReg: 0x3C}

func newTestDevice(t *testing.T) (*Device, *fakeSlave) {
	t.Helper()
	f := newFakeSlave()
	d, err := New(test.NewLogger(), hdbus.New(f), testConfig)
	require.NoError(t, err)
	return d, f
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"adjacent", Config{TxBufSize: 64, TxSyncReg: 0x38, RxSyncReg: 0x3C}, true},
		{"swapped", Config{TxBufSize: 64, TxSyncReg: 0x3C, RxSyncReg: 0x38}, true},
		{"apart", Config{TxBufSize: 4, TxSyncReg: 0x00, RxSyncReg: 0x20}, true},
		{"same register", Config{TxBufSize: 64, TxSyncReg: 0x38, RxSyncReg: 0x38}, false},
		{"overlap", Config{TxBufSize: 64, TxSyncReg: 0x38, RxSyncReg: 0x3A}, false},
		{"past the end", Config{TxBufSize: 64, TxSyncReg: 0x3D, RxSyncReg: 0x00}, false},
		{"no buffer", Config{TxSyncReg: 0x38, RxSyncReg: 0x3C}, false},
		{"unaligned buffer", Config{TxBufSize: 6, TxSyncReg: 0x38, RxSyncReg: 0x3C}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, util.ErrInvalidArg)
			}
		})
	}

	_, err := New(test.NewLogger(), hdbus.New(newFakeSlave()), Config{TxBufSize: 64, TxSyncReg: 0x38, RxSyncReg: 0x38})
	assert.ErrorIs(t, err, util.ErrInvalidArg)
	_, err = New(test.NewLogger(), nil, testConfig)
	assert.ErrorIs(t, err, util.ErrInvalidArg)
}

func TestDevice_TornRead(t *testing.T) {
	d, f := newTestDevice(t)
	f.script[0x38] = []uint32{1, 1, 2, 2, 3}

	require.NoError(t, d.UpdateTxBufferNum())
	assert.Equal(t, uint32(1), d.GetTxBufferNum())
	require.NoError(t, d.UpdateTxBufferNum())
	assert.Equal(t, uint32(2), d.GetTxBufferNum())
	require.NoError(t, d.UpdateTxBufferNum())
	assert.Equal(t, uint32(3), d.GetTxBufferNum())
	assert.Equal(t, 6, f.reads[0x38])

	// A value seen only once is never accepted
	f.script[0x3C] = []uint32{0x0000ff00, 0x00010000, 0x00010000}
	require.NoError(t, d.UpdateRxDataSize())
	assert.Equal(t, uint32(0x00010000), d.GetRxDataSize())
	assert.Equal(t, 3, f.reads[0x3C])
}

func TestDevice_SendPacket(t *testing.T) {
	d, f := newTestDevice(t)

	// The slave loaded nothing yet
	err := d.SendPacket([]byte{1, 2, 3, 4, 5, 6})
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Empty(t, f.written)
	assert.Equal(t, 2, f.reads[0x38])

	f.set(0x38, 2)
	require.NoError(t, d.SendPacket([]byte{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6}}, f.written)
	assert.Equal(t, 2, f.count(hdbus.CmdWrDone))
	assert.Equal(t, uint32(0), d.GetTxBufferNum())
	assert.Equal(t, uint32(2), d.Counters().SentBufNum)

	// Enough buffers known, no register read is needed
	f.set(0x38, 4)
	require.NoError(t, d.UpdateTxBufferNum())
	reads := f.reads[0x38]
	require.NoError(t, d.SendPacket([]byte{7}))
	assert.Equal(t, reads, f.reads[0x38])
	assert.Equal(t, uint32(1), d.GetTxBufferNum())

	assert.ErrorIs(t, d.SendPacket([]byte{1, 2, 3, 4, 5}), util.ErrNotFound)
	assert.ErrorIs(t, d.SendPacket(nil), util.ErrInvalidArg)
}

func TestDevice_GetPacket(t *testing.T) {
	d, f := newTestDevice(t)

	_, err := d.GetPacket(make([]byte, 4))
	assert.ErrorIs(t, err, util.ErrNotFound)

	f.set(0x3C, 10)
	out := make([]byte, 4)
	n, err := d.GetPacket(out)
	assert.ErrorIs(t, err, util.ErrNotFinished)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 1, 2, 3}, out)
	assert.Equal(t, uint32(6), d.GetRxDataSize())

	out = make([]byte, 8)
	n, err = d.GetPacket(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{4, 5, 6, 7, 8, 9}, out[:n])
	assert.Equal(t, 2, f.count(hdbus.CmdInt0))

	_, err = d.GetPacket(out)
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Equal(t, uint32(10), d.Counters().ReceivedBytes)

	_, err = d.GetPacket(nil)
	assert.ErrorIs(t, err, util.ErrInvalidArg)
}

func TestDevice_Registers(t *testing.T) {
	d, f := newTestDevice(t)

	require.NoError(t, d.WriteReg(0x10, 0xAB))
	assert.Equal(t, byte(0xAB), f.regs[0x10])
	v, err := d.ReadReg(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v)

	for addr := uint8(0x38); addr < 0x40; addr++ {
		_, err = d.ReadReg(addr)
		assert.ErrorIs(t, err, util.ErrInvalidArg, "read 0x%02x", addr)
		assert.ErrorIs(t, d.WriteReg(addr, 1), util.ErrInvalidArg, "write 0x%02x", addr)
	}
	_, err = d.ReadReg(0x40)
	assert.ErrorIs(t, err, util.ErrInvalidArg)
	_, err = d.ReadReg(0x37)
	assert.NoError(t, err)
}

func TestDevice_ResetCnt(t *testing.T) {
	d, f := newTestDevice(t)
	f.set(0x38, 3)
	f.set(0x3C, 8)
	require.NoError(t, d.SendPacket([]byte{1}))
	_, err := d.GetPacket(make([]byte, 8))
	require.NoError(t, err)

	require.NoError(t, d.ResetCnt())
	c := d.Counters()
	assert.Equal(t, uint32(0), c.SentBufNum)
	assert.Equal(t, uint32(0), c.ReceivedBytes)
	assert.Equal(t, uint32(0), c.SlaveRxBufNum)
	assert.Equal(t, uint32(0), c.SlaveTxBytes)
}

func TestDevice_ResetCntAfterSlaveRestart(t *testing.T) {
	d, f := newTestDevice(t)
	f.set(0x38, 2)
	f.set(0x3C, 8)
	require.NoError(t, d.SendPacket(make([]byte, 8)))
	n, err := d.GetPacket(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// The slave came back with fresh counters
	f.set(0x38, 0)
	f.set(0x3C, 0)
	require.NoError(t, d.ResetCnt())

	assert.ErrorIs(t, d.SendPacket(make([]byte, 4)), util.ErrNotFound)
	n, err = d.GetPacket(make([]byte, 8))
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Equal(t, 0, n)
	assert.Len(t, f.written, 2)
	assert.Equal(t, 8, f.rdBytes)
}

func TestDevice_SendSlaveIntr(t *testing.T) {
	d, f := newTestDevice(t)
	require.NoError(t, d.SendSlaveIntr(0x2))
	require.NoError(t, d.SendSlaveIntr(0x6))
	assert.Equal(t, []hdbus.Cmd{hdbus.CmdInt1, hdbus.CmdInt1, hdbus.CmdInt2}, f.cmds)

	assert.ErrorIs(t, d.SendSlaveIntr(0), util.ErrInvalidArg)
	assert.ErrorIs(t, d.SendSlaveIntr(0x1), util.ErrInvalidArg)
}

func TestDevice_FlowControlNonNegative(t *testing.T) {
	d, f := newTestDevice(t)
	rng := rand.New(rand.NewSource(1))

	var loaded, queued uint32
	for range 2000 {
		switch rng.Intn(4) {
		case 0:
			loaded += uint32(rng.Intn(3))
			f.set(0x38, loaded)
		case 1:
			queued += uint32(rng.Intn(16))
			f.set(0x3C, queued)
		case 2:
			err := d.SendPacket(make([]byte, 1+rng.Intn(12)))
			if err != nil {
				require.ErrorIs(t, err, util.ErrNotFound)
			}
		case 3:
			_, err := d.GetPacket(make([]byte, 1+rng.Intn(12)))
			if err != nil && util.StatusOf(err) != util.StatusNotFinished {
				require.ErrorIs(t, err, util.ErrNotFound)
			}
		}

		c := d.Counters()
		require.GreaterOrEqual(t, int32(c.SlaveRxBufNum-c.SentBufNum), int32(0))
		require.GreaterOrEqual(t, int32(c.SlaveTxBytes-c.ReceivedBytes), int32(0))
		require.LessOrEqual(t, c.SlaveRxBufNum, loaded)
		require.LessOrEqual(t, c.SlaveTxBytes, queued)
	}
}

func TestHandle_NotReadyTimeout(t *testing.T) {
	p, err := sim.New()
	require.NoError(t, err)
	d, err := New(test.NewLogger(), hdbus.New(p), Config{TxBufSize: 64, TxSyncReg: 0x38, RxSyncReg: 0x3C})
	require.NoError(t, err)
	h := essl.New(test.NewLogger(), d)

	start := time.Now()
	err = h.SendPacket([]byte("ping"), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// The slave announces a buffer and the same call goes through
	p.WriteBuffer(0x38, []byte{1, 0, 0, 0})
	assert.NoError(t, h.SendPacket([]byte("ping"), 100*time.Millisecond))

	n, err := h.GetTxBufferNum(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)
	assert.NoError(t, h.SendSlaveIntr(0x4))
}
