package spihd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/bridge"
	"github.com/slackhq/spihd/config"
	"github.com/slackhq/spihd/essl"
	"github.com/slackhq/spihd/essl/esslspi"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/test"
	"github.com/slackhq/spihd/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appendConfig = `
slave:
  mode: append
  queue_size: 4
  max_transfer_size: 64
link:
  tx_buf_size: 8
  rx_buffers: 2
  echo: true
bridge:
  listen: 127.0.0.1:0
`

func loadConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestMain_ConfigTest(t *testing.T) {
	c := loadConfig(t, appendConfig)
	ctrl, err := Main(c, true, "test", test.NewLogger(), nil)
	require.NoError(t, err)
	assert.Nil(t, ctrl.Peripheral())
	assert.Nil(t, ctrl.ListenAddr())
	assert.NoError(t, ctrl.Start())
	ctrl.Stop()
}

func TestMain_Reload(t *testing.T) {
	l, hook := test.NewCapturingLogger()
	path := filepath.Join(t.TempDir(), "spihd.yml")
	require.NoError(t, os.WriteFile(path, []byte("slave: {queue_size: 4}\nlogging: {level: info}\n"), 0o600))

	c := config.NewC(l)
	require.NoError(t, c.Load(path))
	_, err := Main(c, true, "test", l, nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.Level)

	require.NoError(t, os.WriteFile(path, []byte("slave: {queue_size: 8}\nlogging: {level: warn}\n"), 0o600))
	hook.Reset()
	require.NoError(t, c.Reload())
	assert.Equal(t, logrus.WarnLevel, l.Level)

	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "slave", e.Data["section"])
}

func TestMain_BadConfig(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown mode", "slave: {mode: duplex}"},
		{"unknown flag", "slave: {flags: [msb_first]}"},
		{"zero queue", "slave: {queue_size: 0}"},
		{"overlapping sync registers", "link: {tx_sync_reg: 0x38, rx_sync_reg: 0x3A}"},
		{"sync register out of range", "link: {tx_sync_reg: 0x3E}"},
		{"unaligned buffer", "link: {tx_buf_size: 6}"},
		{"buffer larger than a transfer", "slave: {max_transfer_size: 32}\nlink: {tx_buf_size: 64}"},
		{"too many rx buffers", "slave: {queue_size: 2}\nlink: {rx_buffers: 3}"},
		{"three data lines", "link: {lines: 3}"},
		{"bad log level", "logging: {level: loud}"},
		{"unknown stats", "stats: {type: statsd, interval: 1s}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Main(loadConfig(t, tt.raw), true, "test", test.NewLogger(), nil)
			assert.Error(t, err)
		})
	}
}

func TestMain_EchoOverBridge(t *testing.T) {
	ctrl, err := Main(loadConfig(t, appendConfig), false, "test", test.NewLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	require.NotNil(t, ctrl.Peer())
	require.NotNil(t, ctrl.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := bridge.Dial(ctx, "tcp", ctrl.ListenAddr().String())
	require.NoError(t, err)
	defer client.Close()

	l := test.NewLogger()
	dev, err := esslspi.New(l, hdbus.New(client), esslspi.Config{TxBufSize: 8, TxSyncReg: 0x38, RxSyncReg: 0x3C})
	require.NoError(t, err)
	host := essl.New(l, dev)

	require.NoError(t, host.SendPacket([]byte("ping over tcp"), 2*time.Second))

	got := make([]byte, 0, 13)
	out := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, err := host.GetPacket(out, 0)
		got = append(got, out[:n]...)
		return err == nil && len(got) == 13
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ping over tcp", string(got))
}

func TestMain_BusLines(t *testing.T) {
	c := loadConfig(t, "slave: {mode: segment, queue_size: 2, max_transfer_size: 16}\nlink: {lines: 2}")
	ctrl, err := Main(c, false, "test", test.NewLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	bus := hdbus.New(ctrl.Peripheral())
	out := make([]byte, 4)
	bus.SetLines(hdbus.LinesDual)
	assert.NoError(t, bus.RdBuf(0x10, out))
	bus.SetLines(hdbus.LinesQuad)
	assert.ErrorIs(t, bus.RdBuf(0x10, out), util.ErrNotSupported)
}

func TestMain_SegmentLoopback(t *testing.T) {
	c := loadConfig(t, "slave: {mode: segment, queue_size: 2, max_transfer_size: 16}")
	ctrl, err := Main(c, false, "test", test.NewLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	assert.Nil(t, ctrl.Peer())
	assert.Nil(t, ctrl.ListenAddr())

	bus := hdbus.New(ctrl.Peripheral())
	out := make([]byte, 4)

	// Writes are dropped until the loopback loaded its receive buffer, every
	// attempt sends the same segment
	require.Eventually(t, func() bool {
		if err := bus.WrDMA([]byte("loop"), 0); err != nil {
			return false
		}
		if err := bus.RdDMA(out, 0); err != nil {
			return false
		}
		return string(out) == "loop"
	}, 3*time.Second, 5*time.Millisecond)
}
