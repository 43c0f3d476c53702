// Package peer is the slave side of the serial slave link. It keeps receive
// buffers loaded on an append mode slot and publishes the flow control
// counters the master polls.
package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/slave"
	"github.com/slackhq/spihd/util"
	"golang.org/x/sync/errgroup"
)

// Config describes the link as the master sees it.
type Config struct {
	// TxBufSize is the size of every receive buffer, it must match the
	// master's segment size.
	TxBufSize int
	TxSyncReg uint8
	RxSyncReg uint8
	// RxBuffers is the number of receive buffers kept loaded. It can not
	// exceed the slot's queue size.
	RxBuffers int
	// Echo sends every received buffer straight back.
	Echo bool
}

// Stats is a snapshot of the published counters.
type Stats struct {
	// Loaded is the cumulative number of receive buffers handed to the DMA.
	Loaded uint32
	// Queued is the cumulative number of bytes queued for the master.
	Queued uint32
}

// Peer runs the slave half of the link on an append mode slot.
type Peer struct {
	l    *logrus.Logger
	slot *slave.Slot
	cfg  Config

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	eg     *errgroup.Group

	// sendMu keeps chunks of one Send contiguous on the TX stream.
	sendMu sync.Mutex

	recv chan []byte

	rxBuffers metrics.Counter
	txBytes   metrics.Counter
}

// New returns a peer for slot. The slot must run in append mode.
func New(l *logrus.Logger, slot *slave.Slot, cfg Config) (*Peer, error) {
	if slot == nil {
		return nil, fmt.Errorf("%w: no slot", util.ErrInvalidArg)
	}
	if slot.Mode() != hal.ModeAppend {
		return nil, fmt.Errorf("%w: the link needs an append mode slot", util.ErrInvalidState)
	}
	if cfg.TxBufSize <= 0 || cfg.TxBufSize > slot.MaxTransferSize() {
		return nil, fmt.Errorf("%w: tx buffer size %d", util.ErrInvalidArg, cfg.TxBufSize)
	}
	if cfg.RxBuffers <= 0 {
		return nil, fmt.Errorf("%w: %d rx buffers", util.ErrInvalidArg, cfg.RxBuffers)
	}

	return &Peer{
		l:         l,
		slot:      slot,
		cfg:       cfg,
		recv:      make(chan []byte, cfg.RxBuffers),
		rxBuffers: metrics.GetOrRegisterCounter("peer.rx_buffers", nil),
		txBytes:   metrics.GetOrRegisterCounter("peer.tx_bytes", nil),
	}, nil
}

// Start loads the receive buffers, publishes the counters and starts the
// goroutines that keep the link running until Stop.
func (p *Peer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: peer already started", util.ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	// Start from zero, the master resets its counters on the same terms.
	if err := p.publish(Stats{}); err != nil {
		cancel()
		return err
	}

	for range p.cfg.RxBuffers {
		if err := p.load(ctx, &slave.Trans{Data: make([]byte, p.cfg.TxBufSize)}); err != nil {
			cancel()
			return fmt.Errorf("load rx buffers: %w", err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return p.receive(ctx) })
	eg.Go(func() error { return p.reapSent(ctx) })
	if p.cfg.Echo {
		eg.Go(func() error { return p.echo(ctx) })
	}

	p.mu.Lock()
	p.eg = eg
	p.mu.Unlock()

	p.l.WithFields(logrus.Fields{
		"txBufSize": p.cfg.TxBufSize,
		"rxBuffers": p.cfg.RxBuffers,
		"txSyncReg": fmt.Sprintf("0x%02x", p.cfg.TxSyncReg),
		"rxSyncReg": fmt.Sprintf("0x%02x", p.cfg.RxSyncReg),
		"echo":      p.cfg.Echo,
	}).Info("Slave link started")
	return nil
}

// Stop ends the link goroutines and waits for them.
func (p *Peer) Stop() error {
	p.mu.Lock()
	cancel, eg := p.cancel, p.eg
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if eg == nil {
		return nil
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns the published counters.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Recv returns the next buffer the master wrote.
func (p *Peer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.recv:
		return b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", util.ErrTimeout, ctx.Err())
	}
}

// Send queues data for the master and announces it.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty send", util.ErrInvalidArg)
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	limit := p.slot.MaxTransferSize()
	for len(data) > 0 {
		n := min(len(data), limit)
		t := &slave.Trans{Data: append([]byte(nil), data[:n]...)}
		if err := p.slot.AppendTrans(ctx, hal.ChanTX, t); err != nil {
			return err
		}
		if err := p.update(func(s *Stats) { s.Queued += uint32(n) }); err != nil {
			return err
		}
		p.txBytes.Inc(int64(n))
		data = data[n:]
	}
	return nil
}

// load hands t to the RX chain and announces one more buffer.
func (p *Peer) load(ctx context.Context, t *slave.Trans) error {
	t.TransLen, t.Overflow = 0, false
	if err := p.slot.AppendTrans(ctx, hal.ChanRX, t); err != nil {
		return err
	}
	p.rxBuffers.Inc(1)
	return p.update(func(s *Stats) { s.Loaded++ })
}

func (p *Peer) update(f func(*Stats)) error {
	p.mu.Lock()
	f(&p.stats)
	s := p.stats
	p.mu.Unlock()
	return p.publish(s)
}

// publish writes both counters into the sync registers.
func (p *Peer) publish(s Stats) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], s.Loaded)
	if err := p.slot.WriteBuffer(int(p.cfg.TxSyncReg), b[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[:], s.Queued)
	return p.slot.WriteBuffer(int(p.cfg.RxSyncReg), b[:])
}

func (p *Peer) receive(ctx context.Context) error {
	for {
		t, err := p.slot.GetAppendTransRes(ctx, hal.ChanRX)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if t.Overflow {
			p.l.WithField("length", t.TransLen).Warn("Master wrote past the end of a receive buffer")
		}

		b := append([]byte(nil), t.Data[:t.TransLen]...)
		select {
		case p.recv <- b:
		case <-ctx.Done():
			return nil
		}

		if err := p.load(ctx, t); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// reapSent retrieves finished TX transactions to free their slots.
func (p *Peer) reapSent(ctx context.Context) error {
	for {
		if _, err := p.slot.GetAppendTransRes(ctx, hal.ChanTX); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Peer) echo(ctx context.Context) error {
	for {
		b, err := p.Recv(ctx)
		if err != nil {
			return nil
		}
		if len(b) == 0 {
			continue
		}
		if err := p.Send(ctx, b); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if p.l.Level >= logrus.DebugLevel {
			p.l.WithField("length", len(b)).Debug("Echoed buffer")
		}
	}
}
