package ring

import (
	"errors"
	"fmt"
)

// ErrRingSizeInvalid is returned when a ring capacity is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// MaxRingSize is the largest capacity a ring can be created with. Descriptor
// indexes are 16 bit and one value is kept back as a sentinel.
const MaxRingSize = 32768

// CheckRingSize checks if the given value would be a valid capacity for a
// ring and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, size)
	}

	if size > MaxRingSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrRingSizeInvalid, size, MaxRingSize)
	}

	return nil
}

// SlotsFor returns how many descriptors of the given payload size are needed
// to carry length bytes. A zero length still occupies one descriptor.
func SlotsFor(length, maxPayload int) int {
	if length <= 0 {
		return 1
	}
	return (length + maxPayload - 1) / maxPayload
}
