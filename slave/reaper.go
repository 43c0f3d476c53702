package slave

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/ring"
)

// service drains everything the peripheral reported since the last
// interrupt. It runs in the interrupt goroutine only.
func (s *Slot) service() {
	for {
		c, ok := s.periph.PopCompletion()
		if !ok {
			break
		}
		s.reap(c)
	}

	for {
		ev, ok := s.periph.PopEvent()
		if !ok {
			break
		}
		s.dispatchEvent(ev)
	}

	if s.cfg.Mode == hal.ModeSegment {
		s.load(s.dirs[hal.ChanTX])
		s.load(s.dirs[hal.ChanRX])
	}
}

// reap matches a completion record to the oldest in flight transaction of
// its direction, reconciles the length and hands the transaction to the
// callback and then the return queue.
func (s *Slot) reap(c hal.Completion) {
	if !c.Chan.Valid() {
		panic(fmt.Sprintf("completion for unknown %s", c.Chan))
	}
	d := s.dirs[c.Chan]

	d.mu.Lock()
	if len(d.inflight) == 0 || d.inflight[0].head != c.Head {
		d.mu.Unlock()
		panic(fmt.Sprintf("%s completion for descriptor %d does not match any transaction in flight", c.Chan, c.Head))
	}
	f := d.inflight[0]
	if d.ring.Descriptor(f.head).Owner() != ring.OwnerSoftware {
		d.mu.Unlock()
		panic(fmt.Sprintf("%s completion for descriptor %d still owned by the dma engine", c.Chan, c.Head))
	}
	d.inflight[0] = inflight{}
	d.inflight = d.inflight[1:]
	d.ring.Release(f.slots)
	d.mu.Unlock()

	t := f.trans
	t.TransLen = min(c.Length, len(t.Data))
	t.Overflow = c.Length > len(t.Data)
	if c.Chan == hal.ChanRX && s.cache != nil {
		s.cache.Invalidate(t.Data[:t.TransLen])
	}

	d.m.completed.Inc(1)
	d.m.bytes.Inc(int64(t.TransLen))
	if t.Overflow {
		d.m.overflows.Inc(1)
		if s.l.Level >= logrus.DebugLevel {
			s.l.WithFields(logrus.Fields{
				"chan":     c.Chan,
				"length":   c.Length,
				"capacity": len(t.Data),
			}).Debug("Master moved more bytes than the transaction holds")
		}
	}

	cb := s.cfg.Callbacks.OnSent
	if c.Chan == hal.ChanRX {
		cb = s.cfg.Callbacks.OnRecv
	}
	if cb != nil && cb(t) == Consumed {
		d.m.consumed.Inc(1)
		d.sem.Release(1)
		return
	}

	select {
	case d.ret <- t:
	default:
		// Admission bounds the queue, a full queue means the accounting broke.
		panic(fmt.Sprintf("%s return queue overflow", c.Chan))
	}
}

func (s *Slot) dispatchEvent(ev hal.Event) {
	cb := &s.cfg.Callbacks
	switch ev.Kind {
	case hal.EventBufTX:
		if cb.OnBufferTX != nil {
			cb.OnBufferTX(ev)
		}
	case hal.EventBufRX:
		if cb.OnBufferRX != nil {
			cb.OnBufferRX(ev)
		}
	case hal.EventCmd9:
		if cb.OnCmd9 != nil {
			cb.OnCmd9()
		}
	case hal.EventCmdA:
		if cb.OnCmdA != nil {
			cb.OnCmdA()
		}
	default:
		s.l.WithField("event", ev.Kind).Warn("Ignoring unknown peripheral event")
	}
}
