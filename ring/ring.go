package ring

import (
	"errors"
	"fmt"

	"github.com/slackhq/spihd/util"
)

var (
	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted. It wraps [util.ErrNoMem].
	ErrNotEnoughFreeDescriptors = fmt.Errorf("not enough free descriptors: %w", util.ErrNoMem)

	// ErrBufferTooLarge is returned when a buffer would need more descriptors
	// than the ring has in total.
	ErrBufferTooLarge = fmt.Errorf("buffer does not fit into the ring: %w", util.ErrInvalidArg)

	// ErrInvalidIndex is returned for descriptor indexes outside of the ring.
	ErrInvalidIndex = errors.New("descriptor index out of range")
)

// Ring is a fixed capacity circular array of descriptors for one direction.
type Ring struct {
	descriptors []Descriptor
	maxPayload  int

	// used is the number of descriptors currently handed to the DMA engine
	// and not yet released by the completion path.
	used int
	// cursor is the index of the next descriptor to fill.
	cursor uint16
}

// New allocates a ring of the given capacity. maxPayload bounds the bytes a
// single descriptor may carry, 0 selects [MaxDescriptorPayload].
func New(capacity, maxPayload int) (*Ring, error) {
	if err := CheckRingSize(capacity); err != nil {
		return nil, err
	}
	if maxPayload <= 0 {
		maxPayload = MaxDescriptorPayload
	}
	if maxPayload > MaxDescriptorPayload {
		return nil, fmt.Errorf("%w: descriptor payload %d exceeds %d", util.ErrInvalidArg, maxPayload, MaxDescriptorPayload)
	}

	r := &Ring{
		descriptors: make([]Descriptor, capacity),
		maxPayload:  maxPayload,
	}
	for i := range r.descriptors {
		r.descriptors[i].Next = uint16((i + 1) % capacity)
	}
	return r, nil
}

// Capacity returns the number of descriptors in the ring.
func (r *Ring) Capacity() int {
	return len(r.descriptors)
}

// Used returns the number of descriptors currently owned by the DMA engine
// or waiting to be released.
func (r *Ring) Used() int {
	return r.used
}

// Free returns the number of descriptors that can be acquired right now.
func (r *Ring) Free() int {
	return len(r.descriptors) - r.used
}

// MaxPayload returns the per descriptor payload limit.
func (r *Ring) MaxPayload() int {
	return r.maxPayload
}

// SlotsFor returns the number of descriptors a buffer of length bytes needs
// in this ring.
func (r *Ring) SlotsFor(length int) int {
	return SlotsFor(length, r.maxPayload)
}

// Cursor returns the index the next [Ring.Acquire] starts at.
func (r *Ring) Cursor() uint16 {
	return r.cursor
}

// Descriptor returns the descriptor at index i.
func (r *Ring) Descriptor(i uint16) *Descriptor {
	if int(i) >= len(r.descriptors) {
		panic(fmt.Sprintf("descriptor %d is outside of a ring of %d", i, len(r.descriptors)))
	}
	return &r.descriptors[i]
}

// Acquire reserves n consecutive descriptors, wrapping at the ring boundary,
// and returns the index of the first one. When fewer than n descriptors are
// free nothing changes and [ErrNotEnoughFreeDescriptors] is returned; this is
// an admission failure, not a reason to wait.
func (r *Ring) Acquire(n int) (uint16, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: acquire %d descriptors", util.ErrInvalidArg, n)
	}
	if n > len(r.descriptors) {
		return 0, fmt.Errorf("%w: need %d descriptors, ring holds %d", ErrBufferTooLarge, n, len(r.descriptors))
	}
	if n > r.Free() {
		return 0, fmt.Errorf("%w: need %d, %d free", ErrNotEnoughFreeDescriptors, n, r.Free())
	}

	start := r.cursor
	r.cursor = uint16((int(r.cursor) + n) % len(r.descriptors))
	r.used += n
	return start, nil
}

// Release gives n descriptors back. It must only be called from the
// completion path, after the DMA engine handed the descriptors back.
func (r *Ring) Release(n int) {
	if n < 0 || n > r.used {
		panic(fmt.Sprintf("releasing %d descriptors but only %d are in use", n, r.used))
	}
	r.used -= n
}

// Fill spreads buf over the n descriptors starting at start, which must have
// been returned by [Ring.Acquire] with n = [Ring.SlotsFor](len(buf)). The
// descriptors are handed to the DMA engine and the index of the last one
// (the EOF descriptor) is returned.
//
// For TX the descriptor lengths are the payload lengths. For RX (rx true) the
// lengths start at zero and are written by the DMA engine.
func (r *Ring) Fill(start uint16, buf []byte, rx bool) uint16 {
	n := r.SlotsFor(len(buf))
	idx := start
	for i := 0; i < n; i++ {
		desc := &r.descriptors[idx]
		if desc.Owner() != OwnerSoftware {
			panic(fmt.Sprintf("descriptor %d is still owned by the dma engine", idx))
		}

		lo := i * r.maxPayload
		hi := min(lo+r.maxPayload, len(buf))
		desc.reset()
		desc.Buf = buf[lo:hi]
		if !rx {
			desc.Length = hi - lo
		}
		desc.EOF = i == n-1
		desc.Next = uint16((int(idx) + 1) % len(r.descriptors))
		if desc.EOF {
			break
		}
		idx = desc.Next
	}

	// Hand over back to front so the engine never sees a head whose
	// continuation is not ready yet.
	tail := idx
	for i := 0; i < n; i++ {
		r.descriptors[idx].SetOwner(OwnerDMA)
		idx = uint16((int(idx) - 1 + len(r.descriptors)) % len(r.descriptors))
	}
	return tail
}

// Link splices the chain starting at head onto the EOF descriptor tail, so a
// running DMA engine continues with it instead of stopping.
func (r *Ring) Link(tail, head uint16) error {
	if int(tail) >= len(r.descriptors) || int(head) >= len(r.descriptors) {
		return ErrInvalidIndex
	}
	desc := &r.descriptors[tail]
	if !desc.EOF {
		return fmt.Errorf("descriptor %d is not the end of a transaction", tail)
	}
	desc.Next = head
	desc.linked.Store(true)
	return nil
}
