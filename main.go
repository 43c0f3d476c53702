package spihd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/bridge"
	"github.com/slackhq/spihd/config"
	"github.com/slackhq/spihd/essl/esslspi"
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/peer"
	"github.com/slackhq/spihd/sim"
	"github.com/slackhq/spihd/slave"
	"github.com/slackhq/spihd/sshd"
	"github.com/slackhq/spihd/util"
)

// Main builds a simulated slave from c: the peripheral, a slot, the link or
// loopback service running on it and the bridge that exposes the master side
// of the peripheral. periph may be nil, a new simulated peripheral is created
// then. Nothing runs until [Control.Start].
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, periph *sim.Peripheral) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := c.Dump()
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if c.Changed("logging") {
			err := configLogger(l, c)
			if err != nil {
				l.WithError(err).Error("Failed to configure the logger")
			}
		}
		for _, k := range []string{"slave", "link", "bridge", "stats"} {
			if c.Changed(k) {
				l.WithField("section", k).Warn("Configuration section changed, restart to apply it")
			}
		}
	})

	slotCfg, err := slotConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the slave config", nil, err)
	}

	linkCfg, err := linkConfigFromConfig(c, slotCfg)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the link config", nil, err)
	}

	lines, err := hdbus.ParseLines(c.GetInt("link.lines", 4))
	if err != nil {
		return nil, util.NewContextualError("Failed to load the link config", map[string]any{"lines": c.Get("link.lines")}, err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.NewContextualError("Error while configuring the sshd", nil, err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return &Control{l: l}, nil
	}

	if periph == nil {
		periph, err = sim.New(sim.WithBufferSize(hdbus.RegisterFileSize), sim.WithLines(lines))
		if err != nil {
			return nil, util.NewContextualError("Failed to create the peripheral", nil, err)
		}
	}

	slot, err := slave.Init(l, periph, slotCfg)
	if err != nil {
		return nil, util.NewContextualError("Failed to initialize the slave slot", nil, err)
	}

	ctrl := &Control{
		l:          l,
		c:          c,
		periph:     periph,
		slot:       slot,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
		bridge:     bridge.NewServer(l, periph),
	}
	attachCommands(l, ssh.Commands(), ctrl, buildVersion)

	if slotCfg.Mode == hal.ModeAppend {
		ctrl.peer, err = peer.New(l, slot, linkCfg)
		if err != nil {
			slot.Close()
			return nil, util.NewContextualError("Failed to create the slave link", nil, err)
		}
		l.WithField("txBufSize", linkCfg.TxBufSize).Info("Slave link configured")
	} else {
		ctrl.loopbackSize = slotCfg.MaxTransferSize
		l.WithField("maxTransfer", slotCfg.MaxTransferSize).Info("Segment loopback configured")
	}

	if listen := c.GetString("bridge.listen", ""); listen != "" {
		ctrl.ln, err = net.Listen("tcp", listen)
		if err != nil {
			slot.Close()
			return nil, util.NewContextualError("Failed to listen for bridge clients", map[string]any{"listen": listen}, err)
		}
		l.WithField("listen", ctrl.ln.Addr()).Info("Bridge listening")
	}

	if dev := c.GetString("bridge.serial.device", ""); dev != "" {
		ctrl.serial, err = bridge.OpenSerial(bridge.SerialConfig{
			Device:      dev,
			Baud:        c.GetInt("bridge.serial.baud", 115200),
			ReadTimeout: c.GetDuration("bridge.serial.read_timeout", 0),
		})
		if err != nil {
			ctrl.closeListeners()
			slot.Close()
			return nil, util.NewContextualError("Failed to open the bridge serial port", map[string]any{"device": dev}, err)
		}
	}

	return ctrl, nil
}

func slotConfigFromConfig(c *config.C) (slave.Config, error) {
	cfg := slave.Config{
		QueueSize:       c.GetInt("slave.queue_size", 4),
		MaxTransferSize: c.GetInt("slave.max_transfer_size", 4092),
	}

	switch mode := strings.ToLower(c.GetString("slave.mode", "append")); mode {
	case "append":
		cfg.Mode = hal.ModeAppend
	case "segment":
		cfg.Mode = hal.ModeSegment
	default:
		return cfg, fmt.Errorf("slave.mode was not understood: %s", mode)
	}

	for _, f := range c.GetStringSlice("slave.flags", nil) {
		switch strings.ToLower(f) {
		case "tx_lsb_first":
			cfg.TxLSBFirst = true
		case "rx_lsb_first":
			cfg.RxLSBFirst = true
		default:
			return cfg, fmt.Errorf("slave.flags contains an unknown flag: %s", f)
		}
	}

	if cfg.QueueSize <= 0 {
		return cfg, fmt.Errorf("slave.queue_size must be positive: %d", cfg.QueueSize)
	}
	if cfg.MaxTransferSize <= 0 {
		return cfg, fmt.Errorf("slave.max_transfer_size must be positive: %d", cfg.MaxTransferSize)
	}
	return cfg, nil
}

func linkConfigFromConfig(c *config.C, slotCfg slave.Config) (peer.Config, error) {
	txSync, err := c.GetRegister("link.tx_sync_reg", 0x38, hdbus.RegisterFileSize)
	if err != nil {
		return peer.Config{}, err
	}
	rxSync, err := c.GetRegister("link.rx_sync_reg", 0x3C, hdbus.RegisterFileSize)
	if err != nil {
		return peer.Config{}, err
	}

	txBufSize := c.GetUint32("link.tx_buf_size", 64)
	cfg := peer.Config{
		TxBufSize: int(txBufSize),
		TxSyncReg: txSync,
		RxSyncReg: rxSync,
		RxBuffers: c.GetInt("link.rx_buffers", slotCfg.QueueSize),
		Echo:      c.GetBool("link.echo", true),
	}

	// The master validates the same terms, refuse what it would refuse
	err = esslspi.Config{TxBufSize: txBufSize, TxSyncReg: txSync, RxSyncReg: rxSync}.Validate()
	if err != nil {
		return cfg, err
	}
	if cfg.TxBufSize > slotCfg.MaxTransferSize {
		return cfg, fmt.Errorf("link.tx_buf_size %d exceeds slave.max_transfer_size %d", cfg.TxBufSize, slotCfg.MaxTransferSize)
	}
	if cfg.RxBuffers <= 0 || cfg.RxBuffers > slotCfg.QueueSize {
		return cfg, fmt.Errorf("link.rx_buffers must be between 1 and slave.queue_size: %d", cfg.RxBuffers)
	}
	return cfg, nil
}

// serveSerial runs the bridge on the serial port until ctx is done.
func serveSerial(ctx context.Context, l *logrus.Logger, srv *bridge.Server, port io.ReadWriteCloser) error {
	l.Info("Bridge serving the serial port")
	return srv.Serve(ctx, port)
}
