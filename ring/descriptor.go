package ring

import "sync/atomic"

// Owner tells who may touch a [Descriptor] right now.
type Owner uint32

const (
	// OwnerSoftware means the descriptor is free or finished and may be
	// refilled by the driver.
	OwnerSoftware Owner = iota
	// OwnerDMA means the descriptor is linked into an active chain. Software
	// must not modify it until the DMA engine clears the flag.
	OwnerDMA
)

func (o Owner) String() string {
	if o == OwnerDMA {
		return "dma"
	}
	return "software"
}

// MaxDescriptorPayload is the largest number of bytes a single descriptor can
// carry. The hardware length field is 12 bits wide and the DMA engine wants
// word aligned lengths, so 4095 is rounded down to 4092.
const MaxDescriptorPayload = 4092

// Descriptor describes one contiguous region of a transaction buffer. A
// transaction larger than the payload limit is spread over consecutive
// descriptors, the last of them carries EOF.
type Descriptor struct {
	// Buf is the part of the caller's buffer covered by this descriptor.
	Buf []byte
	// Length is the number of valid bytes in Buf. Software sets it for TX,
	// the DMA engine writes it for RX.
	Length int
	// EOF marks the last descriptor of a transaction.
	EOF bool
	// Next is the index of the descriptor the DMA engine continues with.
	// Inside a transaction it is always valid; on an EOF descriptor it is
	// only followed once [Descriptor.Linked] reports true.
	Next uint16

	owner  atomic.Uint32
	linked atomic.Bool
}

// Owner returns the current owner of the descriptor.
func (d *Descriptor) Owner() Owner {
	return Owner(d.owner.Load())
}

// SetOwner hands the descriptor to o. Handing a descriptor to the DMA engine
// must be the last write to it, everything written before is visible to the
// engine once it observes the new owner.
func (d *Descriptor) SetOwner(o Owner) {
	d.owner.Store(uint32(o))
}

// Linked reports whether an EOF descriptor was spliced onto a following
// transaction.
func (d *Descriptor) Linked() bool {
	return d.linked.Load()
}

func (d *Descriptor) reset() {
	d.Buf = nil
	d.Length = 0
	d.EOF = false
	d.linked.Store(false)
	d.SetOwner(OwnerSoftware)
}
