package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// MaxPayload is the largest payload a frame can carry.
const MaxPayload = 0xFFFF - frameOverhead

const frameOverhead = 4

var (
	ErrBadCRC       = errors.New("frame checksum mismatch")
	ErrFrameTooLong = errors.New("frame payload too long")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// CRC16 is the CRC-16/MCRF4XX checksum used by Klipper serial framing.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// WriteFrame writes payload as one frame: a big endian length, the payload
// and a CRC16 over both.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(payload))
	}
	buf := make([]byte, 2+len(payload)+2)
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	binary.BigEndian.PutUint16(buf[2+len(payload):], CRC16(buf[:2+len(payload)]))
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, n)
	}

	buf := make([]byte, 2+n+2)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[2:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if CRC16(buf[:2+n]) != binary.BigEndian.Uint16(buf[2+n:]) {
		return nil, ErrBadCRC
	}
	return buf[2 : 2+n], nil
}
