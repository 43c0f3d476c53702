package sim

import (
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/ring"
)

// engine is the state of one DMA direction.
type engine struct {
	running bool
	// parked is set when the engine finished a transaction whose EOF
	// descriptor was not linked yet. tail is that descriptor.
	parked bool
	tail   uint16

	// head is the first descriptor of the transaction in progress, cur the
	// descriptor being filled or drained and off the position inside it.
	head uint16
	cur  uint16
	off  int
	// count is the number of bytes the master moved in this transaction,
	// including bytes that did not fit.
	count int
}

// ResetDMA implements [hal.Peripheral].
func (p *Peripheral) ResetDMA(ch hal.Chan) {
	p.mu.Lock()
	p.dma[ch] = engine{}
	p.mu.Unlock()
}

// StartDMA implements [hal.Peripheral].
func (p *Peripheral) StartDMA(ch hal.Chan, head uint16) {
	p.mu.Lock()
	p.dma[ch] = engine{running: true, head: head, cur: head}
	p.mu.Unlock()
}

// AppendDMA implements [hal.Peripheral].
func (p *Peripheral) AppendDMA(ch hal.Chan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &p.dma[ch]
	if !e.running || !e.parked {
		// A busy engine picks the link up by itself when it reaches the tail.
		return
	}
	r := p.rings[ch]
	if r == nil {
		return
	}
	p.follow(e, r.Descriptor(e.tail))
}

// follow moves e past the EOF descriptor tail.
func (p *Peripheral) follow(e *engine, tail *ring.Descriptor) {
	if p.cfg.Mode == hal.ModeAppend && tail.Linked() {
		*e = engine{running: true, head: tail.Next, cur: tail.Next}
		return
	}
	e.parked = true
}

// current returns the descriptor the engine for ch works on, if any.
func (p *Peripheral) current(ch hal.Chan) (*engine, *ring.Descriptor) {
	e := &p.dma[ch]
	r := p.rings[ch]
	if !p.attached || !e.running || e.parked || r == nil {
		return e, nil
	}
	d := r.Descriptor(e.cur)
	if d.Owner() != ring.OwnerDMA {
		// The driver handed over a chain it does not own, stall like the
		// hardware would.
		return e, nil
	}
	return e, d
}

// complete hands the transaction in progress back to the driver and moves
// on to whatever is linked after it.
func (p *Peripheral) complete(ch hal.Chan, e *engine) {
	r := p.rings[ch]
	idx := e.head
	var tail *ring.Descriptor
	var tailIdx uint16
	for range r.Capacity() {
		d := r.Descriptor(idx)
		if idx == e.cur && ch == hal.ChanRX {
			d.Length = e.off
		}
		tail, tailIdx = d, idx
		if d.EOF {
			break
		}
		idx = d.Next
	}

	// Give descriptors back front to back, the head last, so the driver sees
	// a finished chain once it observes the head.
	idx = e.head
	for range r.Capacity() {
		d := r.Descriptor(idx)
		if idx != e.head {
			d.SetOwner(ring.OwnerSoftware)
		}
		if d.EOF {
			break
		}
		idx = d.Next
	}
	r.Descriptor(e.head).SetOwner(ring.OwnerSoftware)

	p.postCompletionLocked(hal.Completion{Chan: ch, Head: e.head, Length: e.count})
	e.tail = tailIdx
	p.follow(e, tail)
}

// writeDMA moves master data into the RX chain.
func (p *Peripheral) writeDMA(data []byte) {
	for len(data) > 0 {
		e, d := p.current(hal.ChanRX)
		if d == nil {
			p.dropped.Add(int64(len(data)))
			return
		}

		space := len(d.Buf) - e.off
		if space == 0 {
			if d.EOF {
				// The buffer is full, the rest only shows up in the length.
				e.count += len(data)
				return
			}
			d.Length = e.off
			e.cur = d.Next
			e.off = 0
			continue
		}

		n := min(space, len(data))
		copy(d.Buf[e.off:], data[:n])
		e.off += n
		e.count += n
		data = data[n:]
	}
}

// readDMA moves slave data from the TX chain to the master. Bytes the chain
// can not provide read as zero.
func (p *Peripheral) readDMA(out []byte) {
	clear(out)
	for len(out) > 0 {
		e, d := p.current(hal.ChanTX)
		if d == nil {
			return
		}

		avail := d.Length - e.off
		if avail == 0 {
			if !d.EOF {
				e.cur = d.Next
				e.off = 0
				continue
			}
			if p.cfg.Mode == hal.ModeAppend {
				p.complete(hal.ChanTX, e)
				continue
			}
			// Segment mode keeps the transaction open until RD_DONE and
			// counts what the master clocked past the end.
			e.count += len(out)
			return
		}

		n := min(avail, len(out))
		copy(out, d.Buf[e.off:e.off+n])
		e.off += n
		e.count += n
		out = out[n:]

		if e.off == d.Length && d.EOF && p.cfg.Mode == hal.ModeAppend {
			p.complete(hal.ChanTX, e)
		}
	}
}

// done ends the current segment for ch after WR_DONE or RD_DONE.
func (p *Peripheral) done(ch hal.Chan) {
	if ch == hal.ChanTX && p.cfg.Mode == hal.ModeAppend {
		// TX is a stream in append mode, transactions end when drained.
		return
	}
	e, d := p.current(ch)
	if d == nil {
		return
	}
	p.complete(ch, e)
}
