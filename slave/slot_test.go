package slave

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/sim"
	"github.com/slackhq/spihd/test"
	"github.com/slackhq/spihd/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSlot builds a slot without an interrupt goroutine, tests call
// service themselves.
func newTestSlot(t *testing.T, cfg Config, opts ...sim.Option) (*Slot, *sim.Peripheral, *hdbus.Bus) {
	t.Helper()
	p, err := sim.New(opts...)
	require.NoError(t, err)
	s, err := newSlot(test.NewLogger(), p, cfg)
	require.NoError(t, err)
	return s, p, hdbus.New(p)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func shortCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestInit_Validation(t *testing.T) {
	l := test.NewLogger()
	p, err := sim.New()
	require.NoError(t, err)

	_, err = Init(l, nil, Config{QueueSize: 1})
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	_, err = Init(l, p, Config{QueueSize: 0})
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	_, err = Init(l, p, Config{Mode: hal.Mode(7), QueueSize: 1})
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	_, err = Init(l, p, Config{QueueSize: 1, DescriptorPayload: 5000})
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	// More descriptors than a ring can hold
	_, err = Init(l, p, Config{Mode: hal.ModeAppend, QueueSize: 40000, MaxTransferSize: 4, DescriptorPayload: 4})
	assert.ErrorIs(t, err, util.ErrNoMem)

	s, err := Init(l, p, Config{Mode: hal.ModeAppend, QueueSize: 2})
	require.NoError(t, err)
	assert.Equal(t, hal.ModeAppend, s.Mode())

	// The peripheral is claimed until the slot is closed
	_, err = Init(l, p, Config{QueueSize: 1})
	assert.ErrorIs(t, err, util.ErrInvalidState)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err = s.AppendTrans(context.Background(), hal.ChanRX, &Trans{Data: make([]byte, 4)})
	assert.ErrorIs(t, err, util.ErrInvalidState)

	s, err = Init(l, p, Config{QueueSize: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSlot_InvalidTrans(t *testing.T) {
	s, _, _ := newTestSlot(t, Config{Mode: hal.ModeAppend, QueueSize: 1, MaxTransferSize: 8},
		sim.WithDMACapable(func(b []byte) bool { return len(b) != 3 }))
	ctx := context.Background()

	assert.ErrorIs(t, s.AppendTrans(ctx, hal.ChanRX, nil), util.ErrInvalidArg)
	assert.ErrorIs(t, s.AppendTrans(ctx, hal.ChanRX, &Trans{}), util.ErrInvalidArg)
	assert.ErrorIs(t, s.AppendTrans(ctx, hal.ChanRX, &Trans{Data: make([]byte, 9)}), util.ErrInvalidArg)
	assert.ErrorIs(t, s.AppendTrans(ctx, hal.ChanRX, &Trans{Data: make([]byte, 3)}), util.ErrInvalidArg)
	assert.ErrorIs(t, s.AppendTrans(ctx, hal.Chan(5), &Trans{Data: make([]byte, 4)}), util.ErrInvalidArg)
	_, err := s.GetAppendTransRes(ctx, hal.Chan(5))
	assert.ErrorIs(t, err, util.ErrInvalidArg)

	// Rejected submissions do not take an admission slot
	assert.NoError(t, s.AppendTrans(ctx, hal.ChanRX, &Trans{Data: make([]byte, 8)}))
}

func TestSlot_WrongMode(t *testing.T) {
	ctx := testCtx(t)
	tr := &Trans{Data: make([]byte, 4)}

	seg, _, _ := newTestSlot(t, Config{Mode: hal.ModeSegment, QueueSize: 1})
	assert.ErrorIs(t, seg.AppendTrans(ctx, hal.ChanTX, tr), util.ErrInvalidState)
	_, err := seg.GetAppendTransRes(ctx, hal.ChanTX)
	assert.ErrorIs(t, err, util.ErrInvalidState)

	app, _, _ := newTestSlot(t, Config{Mode: hal.ModeAppend, QueueSize: 1})
	assert.ErrorIs(t, app.QueueTrans(ctx, hal.ChanTX, tr), util.ErrInvalidState)
	_, err = app.GetTransRes(ctx, hal.ChanTX)
	assert.ErrorIs(t, err, util.ErrInvalidState)
}

func TestSlot_Buffer(t *testing.T) {
	s, _, bus := newTestSlot(t, Config{QueueSize: 1})

	require.NoError(t, s.WriteBuffer(0x38, []byte{1, 0, 0, 0}))
	out := make([]byte, 4)
	require.NoError(t, bus.RdBuf(0x38, out))
	assert.Equal(t, []byte{1, 0, 0, 0}, out)

	require.NoError(t, bus.WrBuf(0x00, []byte{7, 7}))
	require.NoError(t, s.ReadBuffer(0x00, out[:2]))
	assert.Equal(t, []byte{7, 7}, out[:2])

	assert.ErrorIs(t, s.WriteBuffer(0x3E, []byte{1, 2, 3}), util.ErrInvalidArg)
	assert.ErrorIs(t, s.ReadBuffer(-1, out), util.ErrInvalidArg)
	assert.ErrorIs(t, s.ReadBuffer(0, nil), util.ErrInvalidArg)
}

func TestSlot_Events(t *testing.T) {
	var got []hal.Event
	var cmd9, cmdA int
	s, _, bus := newTestSlot(t, Config{QueueSize: 1, Callbacks: Callbacks{
		OnBufferRX: func(ev hal.Event) { got = append(got, ev) },
		OnBufferTX: func(ev hal.Event) { got = append(got, ev) },
		OnCmd9:     func() { cmd9++ },
		OnCmdA:     func() { cmdA++ },
	}})

	require.NoError(t, bus.WrBuf(0x04, []byte{1, 2}))
	require.NoError(t, bus.RdBuf(0x08, make([]byte, 4)))
	require.NoError(t, bus.Int(1))
	require.NoError(t, bus.Int(2))
	require.NoError(t, bus.Int(2))
	s.service()

	assert.Equal(t, []hal.Event{
		{Kind: hal.EventBufRX, Addr: 0x04, Len: 2},
		{Kind: hal.EventBufTX, Addr: 0x08, Len: 4},
	}, got)
	assert.Equal(t, 1, cmd9)
	assert.Equal(t, 2, cmdA)
}

func TestSlot_Run(t *testing.T) {
	p, err := sim.New()
	require.NoError(t, err)
	recv := make(chan int, 1)
	s, err := Init(test.NewLogger(), p, Config{Mode: hal.ModeAppend, QueueSize: 2, Callbacks: Callbacks{
		OnRecv: func(tr *Trans) Verdict {
			recv <- tr.TransLen
			return PassThrough
		},
	}})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := make([]byte, 16)
	require.NoError(t, s.AppendTrans(ctx, hal.ChanRX, &Trans{Data: buf, Arg: "first"}))
	require.NoError(t, hdbus.New(p).WrDMA([]byte("hello"), 0))

	tr, err := s.GetAppendTransRes(ctx, hal.ChanRX)
	require.NoError(t, err)
	assert.Equal(t, 5, tr.TransLen)
	assert.Equal(t, "first", tr.Arg)
	assert.Equal(t, "hello", string(tr.Data[:tr.TransLen]))
	assert.Equal(t, 5, <-recv)
}
