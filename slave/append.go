package slave

import (
	"context"
	"fmt"

	"github.com/slackhq/spihd/hal"
)

// AppendTrans hands t to the running DMA chain of ch. It waits for a free
// admission slot until ctx is done. The slot must run in append mode.
func (s *Slot) AppendTrans(ctx context.Context, ch hal.Chan, t *Trans) error {
	d, err := s.checkTrans(ch, t, hal.ModeAppend)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, d); err != nil {
		return err
	}
	if err := s.appendTrans(d, t); err != nil {
		d.sem.Release(1)
		return err
	}
	d.m.submitted.Inc(1)
	return nil
}

// GetAppendTransRes returns the oldest finished transaction of ch, waiting
// until ctx is done. Results come back in submission order.
func (s *Slot) GetAppendTransRes(ctx context.Context, ch hal.Chan) (*Trans, error) {
	d, err := s.checkRes(ch, hal.ModeAppend)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, d)
}

// appendTrans converts t into descriptors and splices them onto the chain of
// d. An idle chain is restarted at the new head, a running one is linked
// from the previous tail and the engine is told about the extension.
func (s *Slot) appendTrans(d *direction, t *Trans) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.ring.SlotsFor(len(t.Data))
	head, err := d.ring.Acquire(n)
	if err != nil {
		return fmt.Errorf("%s chain: %w", d.ch, err)
	}

	rx := d.ch == hal.ChanRX
	if !rx && s.cache != nil {
		s.cache.Writeback(t.Data)
	}
	tail := d.ring.Fill(head, t.Data, rx)

	if len(d.inflight) == 0 {
		s.periph.ResetDMA(d.ch)
		s.periph.StartDMA(d.ch, head)
	} else {
		if err := d.ring.Link(d.tail, head); err != nil {
			// Only reachable if the ring bookkeeping is corrupt.
			panic(fmt.Sprintf("%s chain: %v", d.ch, err))
		}
		s.periph.AppendDMA(d.ch)
	}

	d.tail = tail
	d.inflight = append(d.inflight, inflight{trans: t, head: head, slots: n})
	return nil
}
