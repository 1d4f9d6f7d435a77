package spi

import (
	"errors"
	"fmt"
)

// DatagramSize is the fixed length of a TMC5130 SPI transaction:
// one address byte followed by four data bytes.
const DatagramSize = 5

// ErrClosed is returned when exchanging on a bus that is not open.
var ErrClosed = errors.New("bus not open")

// BusError wraps any I/O failure on the SPI bus. It is never swallowed
// and never retried at this layer; retry policy belongs to the motion
// controller.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("spi %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// IsBusError reports whether err is (or wraps) a BusError.
func IsBusError(err error) bool {
	var be *BusError
	return errors.As(err, &be)
}

// Bus defines the abstract interface for the SPI bus carrying the
// TMC5130 link. This allows plugging in the real Raspberry Pi
// implementation or the simulator for development on PC.
//
// Exchange performs one full-duplex transfer: tx is clocked out while
// the reply is clocked in. Open/Close may be called repeatedly; the
// motion controller tears the bus down and reopens it during fault
// recovery.
type Bus interface {
	Open() error
	Close() error
	Exchange(tx []byte) ([]byte, error)
}

// NewBus creates an SPI bus based on the chosen mode.
// If sim is true, returns a SimBus (for dev/test, no hardware).
// If sim is false, returns a real RPiBus (for Raspberry Pi).
func NewBus(sim bool, bus, device int) (Bus, error) {
	if sim {
		return NewSimBus(), nil
	}
	return NewRPiBus(bus, device)
}
