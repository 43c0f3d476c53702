package slave

import (
	"context"
	"fmt"

	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/util"
)

// QueueTrans queues t for ch. The interrupt goroutine loads it into the DMA
// engine once the previous transaction of ch finished. QueueTrans waits for
// a free admission slot until ctx is done. The slot must run in segment
// mode.
func (s *Slot) QueueTrans(ctx context.Context, ch hal.Chan, t *Trans) error {
	d, err := s.checkTrans(ch, t, hal.ModeSegment)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, d); err != nil {
		return err
	}

	select {
	case d.sub <- t:
	case <-ctx.Done():
		d.sem.Release(1)
		return fmt.Errorf("%w: queueing %s transaction: %w", util.ErrTimeout, ch, ctx.Err())
	}
	d.m.submitted.Inc(1)
	s.periph.Kick()
	return nil
}

// GetTransRes returns the oldest finished transaction of ch, waiting until
// ctx is done.
func (s *Slot) GetTransRes(ctx context.Context, ch hal.Chan) (*Trans, error) {
	d, err := s.checkRes(ch, hal.ModeSegment)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, d)
}

// load starts the next queued transaction of d if its engine is idle.
func (s *Slot) load(d *direction) {
	d.mu.Lock()
	if len(d.inflight) > 0 {
		d.mu.Unlock()
		return
	}

	var t *Trans
	select {
	case t = <-d.sub:
	default:
		d.mu.Unlock()
		return
	}

	n := d.ring.SlotsFor(len(t.Data))
	head, err := d.ring.Acquire(n)
	if err != nil {
		d.mu.Unlock()
		// The ring holds exactly one maximum sized transaction.
		panic(fmt.Sprintf("%s segment ring: %v", d.ch, err))
	}

	rx := d.ch == hal.ChanRX
	if !rx && s.cache != nil {
		s.cache.Writeback(t.Data)
	}
	d.tail = d.ring.Fill(head, t.Data, rx)
	d.inflight = append(d.inflight, inflight{trans: t, head: head, slots: n})
	s.periph.ResetDMA(d.ch)
	s.periph.StartDMA(d.ch, head)
	d.mu.Unlock()

	if rx {
		if s.cfg.Callbacks.OnRecvDMAReady != nil {
			s.cfg.Callbacks.OnRecvDMAReady(t)
		}
	} else if s.cfg.Callbacks.OnSendDMAReady != nil {
		s.cfg.Callbacks.OnSendDMAReady(t)
	}
}
