package spihd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/bridge"
	"github.com/slackhq/spihd/config"
	"github.com/slackhq/spihd/peer"
	"github.com/slackhq/spihd/sim"
	"github.com/slackhq/spihd/slave"
	"github.com/slackhq/spihd/sshd"
	"golang.org/x/sync/errgroup"
)

// Control runs a simulated slave built by [Main].
type Control struct {
	l      *logrus.Logger
	c      *config.C
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	periph *sim.Peripheral
	slot   *slave.Slot
	peer   *peer.Peer
	// loopbackSize is the receive buffer size of the segment mode loopback,
	// 0 when the slot runs the link instead.
	loopbackSize int

	bridge *bridge.Server
	ln     net.Listener
	serial io.ReadWriteCloser

	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()
}

// Start runs the slave, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if c.slot == nil {
		// Config test, nothing to run
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	c.ctx, c.eg = ctx, eg

	if c.peer != nil {
		if err := c.peer.Start(ctx); err != nil {
			cancel()
			return err
		}
	} else {
		lb := &loopback{l: c.l, slot: c.slot, size: c.loopbackSize}
		eg.Go(func() error { return lb.run(ctx) })
	}

	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	if c.ln != nil {
		eg.Go(func() error { return c.bridge.Listen(ctx, c.ln) })
	}
	if c.serial != nil {
		eg.Go(func() error { return serveSerial(ctx, c.l, c.bridge, c.serial) })
	}

	c.l.WithField("mode", c.slot.Mode()).Info("SPI slave started")
	return nil
}

// Stop signals the slave to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.ssh != nil {
		c.ssh.Stop()
	}

	if c.peer != nil {
		if err := c.peer.Stop(); err != nil {
			c.l.WithError(err).Error("Slave link failed")
		}
	}

	if c.eg != nil {
		if err := c.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.l.WithError(err).Error("Slave service failed")
		}
	}

	c.closeListeners()
	if c.slot != nil {
		if err := c.slot.Close(); err != nil {
			c.l.WithError(err).Error("Close slot failed")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// context returns the context the running services share.
func (c *Control) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Control) closeListeners() {
	if c.ln != nil {
		c.ln.Close()
	}
	if c.serial != nil {
		c.serial.Close()
	}
}

// Peripheral returns the simulated peripheral, a master can drive it
// directly as a [drivers.SPI].
func (c *Control) Peripheral() *sim.Peripheral {
	return c.periph
}

// Peer returns the slave link or nil when the slot runs in segment mode.
func (c *Control) Peer() *peer.Peer {
	return c.peer
}

// ListenAddr returns the address the bridge listens on, nil if it does not.
func (c *Control) ListenAddr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}
