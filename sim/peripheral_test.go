package sim

import (
	"testing"

	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/ring"
	"github.com/slackhq/spihd/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttached(t *testing.T, mode hal.Mode, capacity, payload int) (*Peripheral, *ring.Ring, *ring.Ring, *hdbus.Bus) {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	tx, err := ring.New(capacity, payload)
	require.NoError(t, err)
	rx, err := ring.New(capacity, payload)
	require.NoError(t, err)
	require.NoError(t, p.Attach(hal.Config{Mode: mode}, tx, rx))
	return p, tx, rx, hdbus.New(p)
}

// load fills buf into r and returns the head and tail descriptors.
func load(t *testing.T, r *ring.Ring, buf []byte, rx bool) (uint16, uint16) {
	t.Helper()
	head, err := r.Acquire(r.SlotsFor(len(buf)))
	require.NoError(t, err)
	return head, r.Fill(head, buf, rx)
}

func drainCompletions(p *Peripheral) []hal.Completion {
	var out []hal.Completion
	for {
		c, ok := p.PopCompletion()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func TestPeripheral_Attach(t *testing.T) {
	p, tx, rx, _ := newAttached(t, hal.ModeAppend, 2, 0)
	assert.ErrorIs(t, p.Attach(hal.Config{}, tx, rx), ErrAttached)
	assert.Equal(t, hal.ModeAppend, p.Mode())

	p.Detach()
	assert.NoError(t, p.Attach(hal.Config{}, tx, rx))
	assert.Error(t, p.Attach(hal.Config{}, nil, rx))

	_, err := New(WithBufferSize(0))
	assert.Error(t, err)
}

func TestPeripheral_RegisterFile(t *testing.T) {
	p, _, _, bus := newAttached(t, hal.ModeSegment, 1, 0)

	require.NoError(t, bus.WrBuf(0x10, []byte{1, 2, 3}))
	out := make([]byte, 3)
	p.ReadBuffer(0x10, out)
	assert.Equal(t, []byte{1, 2, 3}, out)

	p.WriteBuffer(0x3C, []byte{9, 8, 7, 6})
	require.NoError(t, bus.RdBuf(0x3C, out))
	assert.Equal(t, []byte{9, 8, 7}, out)

	ev, ok := p.PopEvent()
	require.True(t, ok)
	assert.Equal(t, hal.Event{Kind: hal.EventBufRX, Addr: 0x10, Len: 3}, ev)
	ev, ok = p.PopEvent()
	require.True(t, ok)
	assert.Equal(t, hal.Event{Kind: hal.EventBufTX, Addr: 0x3C, Len: 3}, ev)
	_, ok = p.PopEvent()
	assert.False(t, ok)

	// The wire rejects out of range accesses the same way the bus does
	err := p.Tx([]byte{byte(hdbus.CmdWrBuf), 0x3F, 0, 1, 2}, nil)
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	assert.Panics(t, func() { p.WriteBuffer(0x3F, []byte{1, 2}) })
}

func TestPeripheral_Lines(t *testing.T) {
	p, err := New(WithLines(hdbus.LinesDual))
	require.NoError(t, err)
	bus := hdbus.New(p)
	out := make([]byte, 4)

	require.NoError(t, bus.RdBuf(0, out))
	bus.SetLines(hdbus.LinesDual)
	require.NoError(t, bus.RdBuf(0, out))
	bus.SetLines(hdbus.LinesQuad)
	assert.ErrorIs(t, bus.RdBuf(0, out), util.ErrNotSupported)

	_, err = New(WithLines(0x30))
	assert.Error(t, err)
}

func TestPeripheral_UserInterrupts(t *testing.T) {
	p, _, _, bus := newAttached(t, hal.ModeSegment, 1, 0)
	require.NoError(t, bus.Int(1))
	require.NoError(t, bus.Int(2))

	select {
	case <-p.Interrupt():
	default:
		t.Fatal("interrupt line was not raised")
	}

	ev, _ := p.PopEvent()
	assert.Equal(t, hal.EventCmd9, ev.Kind)
	ev, _ = p.PopEvent()
	assert.Equal(t, hal.EventCmdA, ev.Kind)
}

func TestPeripheral_SegmentRX(t *testing.T) {
	p, _, rx, bus := newAttached(t, hal.ModeSegment, 2, 4)

	buf := make([]byte, 6)
	head, _ := load(t, rx, buf, true)
	p.StartDMA(hal.ChanRX, head)

	// The master writes more than the buffer holds
	require.NoError(t, bus.WrDMA([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0))

	cs := drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, hal.Completion{Chan: hal.ChanRX, Head: head, Length: 8}, cs[0])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf)
	assert.Equal(t, 4, rx.Descriptor(head).Length)
	assert.Equal(t, 2, rx.Descriptor(head+1).Length)
	assert.Equal(t, ring.OwnerSoftware, rx.Descriptor(head).Owner())
	assert.Equal(t, ring.OwnerSoftware, rx.Descriptor(head+1).Owner())

	// Nothing is loaded anymore, further data is dropped
	require.NoError(t, bus.WrDMA([]byte{1}, 0))
	assert.Empty(t, drainCompletions(p))
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestPeripheral_SegmentTX(t *testing.T) {
	p, tx, _, bus := newAttached(t, hal.ModeSegment, 1, 0)

	head, _ := load(t, tx, []byte{1, 2, 3, 4}, false)
	p.StartDMA(hal.ChanTX, head)

	// A short read ends the transaction early
	out := make([]byte, 2)
	require.NoError(t, bus.RdDMA(out, 0))
	assert.Equal(t, []byte{1, 2}, out)
	cs := drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, 2, cs[0].Length)

	tx.Release(1)
	head, _ = load(t, tx, []byte{5, 6}, false)
	p.ResetDMA(hal.ChanTX)
	p.StartDMA(hal.ChanTX, head)

	// A long read is padded with zeros and counted
	out = make([]byte, 4)
	require.NoError(t, bus.RdDMA(out, 0))
	assert.Equal(t, []byte{5, 6, 0, 0}, out)
	cs = drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, hal.Completion{Chan: hal.ChanTX, Head: head, Length: 4}, cs[0])
}

func TestPeripheral_AppendTXStream(t *testing.T) {
	p, tx, _, bus := newAttached(t, hal.ModeAppend, 4, 4)

	headA, tailA := load(t, tx, []byte{1, 2, 3, 4, 5}, false)
	p.StartDMA(hal.ChanTX, headA)
	headB, _ := load(t, tx, []byte{6, 7}, false)
	require.NoError(t, tx.Link(tailA, headB))
	p.AppendDMA(hal.ChanTX)

	// A single read crosses the transaction boundary
	out := make([]byte, 6)
	require.NoError(t, bus.RdDMASeg(out))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out)

	cs := drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, hal.Completion{Chan: hal.ChanTX, Head: headA, Length: 5}, cs[0])

	// RD_DONE does not end a transaction in append mode
	require.NoError(t, bus.RdDMADone())
	assert.Empty(t, drainCompletions(p))

	out = make([]byte, 1)
	require.NoError(t, bus.RdDMASeg(out))
	assert.Equal(t, []byte{7}, out)
	cs = drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, hal.Completion{Chan: hal.ChanTX, Head: headB, Length: 2}, cs[0])
}

func TestPeripheral_AppendRXParkAndResume(t *testing.T) {
	p, _, rx, bus := newAttached(t, hal.ModeAppend, 4, 0)

	a := make([]byte, 4)
	headA, tailA := load(t, rx, a, true)
	p.StartDMA(hal.ChanRX, headA)

	require.NoError(t, bus.WrDMA([]byte{1, 2, 3}, 0))
	cs := drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, 3, cs[0].Length)
	assert.Equal(t, 3, rx.Descriptor(headA).Length)

	// The engine is parked on A's tail, data is dropped until B is appended
	require.NoError(t, bus.WrDMA([]byte{9}, 0))
	assert.Empty(t, drainCompletions(p))

	b := make([]byte, 4)
	headB, _ := load(t, rx, b, true)
	require.NoError(t, rx.Link(tailA, headB))
	p.AppendDMA(hal.ChanRX)

	require.NoError(t, bus.WrDMA([]byte{4, 5, 6, 7}, 0))
	cs = drainCompletions(p)
	require.Len(t, cs, 1)
	assert.Equal(t, hal.Completion{Chan: hal.ChanRX, Head: headB, Length: 4}, cs[0])
	assert.Equal(t, []byte{4, 5, 6, 7}, b)
}

func TestPeripheral_InjectCompletion(t *testing.T) {
	p, _, _, _ := newAttached(t, hal.ModeAppend, 1, 0)
	p.InjectCompletion(hal.Completion{Chan: hal.ChanRX, Head: 0, Length: 1})
	<-p.Interrupt()
	c, ok := p.PopCompletion()
	assert.True(t, ok)
	assert.Equal(t, hal.ChanRX, c.Chan)
}

func TestPeripheral_Transfer(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	_, err = p.Transfer(0)
	assert.ErrorIs(t, err, util.ErrNotSupported)

	err = p.Tx([]byte{byte(hdbus.CmdRdBuf), 0, 0, 0}, nil)
	assert.ErrorIs(t, err, util.ErrInvalidArg)
}
