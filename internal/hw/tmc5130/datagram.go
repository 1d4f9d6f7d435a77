package tmc5130

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Webrewthebestbeer1/skybox/internal/hw/spi"
)

// ErrBadDatagram indicates a buffer of the wrong length was handed to
// the codec. This is a programming error, not a bus condition.
var ErrBadDatagram = errors.New("bad datagram length")

// writeFlag marks a datagram as a register write (address bit 7).
const writeFlag = 0x80

// Encode packs an address/flag byte and a 32-bit payload into a 5-byte
// datagram: address first, then the payload MSB-first.
func Encode(addr byte, value uint32) []byte {
	buf := make([]byte, spi.DatagramSize)
	buf[0] = addr
	binary.BigEndian.PutUint32(buf[1:], value)
	return buf
}

// Decode unpacks a 5-byte reply datagram into the SPI status byte and
// the 32-bit payload.
func Decode(buf []byte) (status byte, value uint32, err error) {
	if len(buf) != spi.DatagramSize {
		return 0, 0, fmt.Errorf("%w: want %d bytes, got %d", ErrBadDatagram, spi.DatagramSize, len(buf))
	}
	return buf[0], binary.BigEndian.Uint32(buf[1:]), nil
}
