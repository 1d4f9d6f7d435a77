package spi

import (
	"fmt"

	"github.com/Webrewthebestbeer1/skybox/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// The TMC5130 serial interface is timing sensitive: SPI mode 3 and a
// low fixed clock. 1 MHz is well inside the datasheet budget and works
// over the unshielded ribbon to the mount.
const clockHz = 1_000_000

// RPiBus is the real implementation for Raspberry Pi using go-rpio.
type RPiBus struct {
	dev  rpio.SpiDev
	chip uint8
	open bool
}

// NewRPiBus creates a real SPI bus for the given bus/chip-select pair.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiBus(bus, device int) (*RPiBus, error) {
	var dev rpio.SpiDev
	switch bus {
	case 0:
		dev = rpio.Spi0
	case 1:
		dev = rpio.Spi1
	case 2:
		dev = rpio.Spi2
	default:
		return nil, fmt.Errorf("unsupported SPI bus %d", bus)
	}
	if device < 0 || device > 1 {
		return nil, fmt.Errorf("unsupported SPI chip select %d", device)
	}

	return &RPiBus{dev: dev, chip: uint8(device)}, nil
}

// Open acquires the GPIO memory mapping and configures the SPI
// peripheral for the TMC5130 (mode 3, fixed low clock).
func (b *RPiBus) Open() error {
	if b.open {
		return nil
	}

	if err := rpio.Open(); err != nil {
		return &BusError{Op: "open", Err: fmt.Errorf("%w (are you running on a Raspberry Pi?)", err)}
	}
	if err := rpio.SpiBegin(b.dev); err != nil {
		rpio.Close()
		return &BusError{Op: "open", Err: err}
	}

	rpio.SpiSpeed(clockHz)
	rpio.SpiMode(1, 1) // CPOL=1 CPHA=1, SPI mode 3
	rpio.SpiChipSelect(b.chip)

	b.open = true
	debug.Info("SPI opened: dev=%d chip=%d speed=%dHz mode=3", b.dev, b.chip, clockHz)
	return nil
}

// Close releases the SPI peripheral and the GPIO mapping. Safe to call
// when already closed, including mid-teardown during reinitialization.
func (b *RPiBus) Close() error {
	if !b.open {
		return nil
	}
	b.open = false

	rpio.SpiEnd(b.dev)
	if err := rpio.Close(); err != nil {
		return &BusError{Op: "close", Err: err}
	}
	debug.Info("SPI closed")
	return nil
}

// Exchange clocks tx out while reading the reply back in.
func (b *RPiBus) Exchange(tx []byte) ([]byte, error) {
	if !b.open {
		return nil, &BusError{Op: "exchange", Err: ErrClosed}
	}

	buf := make([]byte, len(tx))
	copy(buf, tx)
	rpio.SpiExchange(buf)

	debug.SPI(tx, buf)
	return buf, nil
}
