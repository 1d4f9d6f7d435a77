package spi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Webrewthebestbeer1/skybox/internal/debug"
)

// Register addresses the simulator models. Kept as locals so the
// transport does not depend on the driver package above it.
const (
	simRegGStat   = 0x01
	simRegIOIN    = 0x04
	simRegXActual = 0x21
	simRegVActual = 0x22
	simRegVMax    = 0x27
	simRegXTarget = 0x2D
)

// simChipVersion is reported in IOIN bits 31:24 (TMC5130A).
const simChipVersion = 0x30

// SimBus is an in-memory model of a TMC5130 on the bus, usable without
// any hardware. It reproduces the chip's read pipeline: the reply to a
// datagram carries the register addressed by the *previous* datagram.
// Tests driven through a SimBus therefore exercise the same
// double-exchange reads as the real chip.
type SimBus struct {
	mu    sync.Mutex
	open  bool
	regs  map[byte]uint32
	reply [DatagramSize]byte

	// RampStep is how many microsteps XACTUAL advances toward XTARGET
	// per transaction, standing in for the hardware ramp generator.
	RampStep int32

	// FailNext makes the next N exchanges fail with a BusError,
	// to exercise the fault recovery path.
	FailNext int
}

// NewSimBus creates a simulated bus with the motor at rest at position 0.
func NewSimBus() *SimBus {
	return &SimBus{
		regs:     make(map[byte]uint32),
		RampStep: 5120,
	}
}

func (s *SimBus) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		debug.Info("Using SIMULATED SPI bus (no hardware)")
	}
	s.open = true
	return nil
}

func (s *SimBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.reply = [DatagramSize]byte{}
	return nil
}

// Exchange performs one simulated transaction. The returned buffer is
// the reply prepared by the previous datagram; the reply to the current
// one is captured now and held for the next call.
func (s *SimBus) Exchange(tx []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, &BusError{Op: "exchange", Err: ErrClosed}
	}
	if len(tx) != DatagramSize {
		return nil, &BusError{Op: "exchange", Err: fmt.Errorf("datagram must be %d bytes, got %d", DatagramSize, len(tx))}
	}
	if s.FailNext > 0 {
		s.FailNext--
		return nil, &BusError{Op: "exchange", Err: errors.New("simulated bus failure")}
	}

	s.advanceRamp()

	out := make([]byte, DatagramSize)
	copy(out, s.reply[:])

	addr := tx[0] &^ 0x80
	if tx[0]&0x80 != 0 {
		s.write(addr, binary.BigEndian.Uint32(tx[1:]))
	}

	// Prepare the reply for the next transaction from the register
	// addressed by this one.
	s.reply[0] = 0
	binary.BigEndian.PutUint32(s.reply[1:], s.read(addr))

	debug.SPI(tx, out)
	return out, nil
}

func (s *SimBus) write(addr byte, value uint32) {
	switch addr {
	case simRegGStat:
		// write 1 to clear latched flags
		s.regs[addr] &^= value
	default:
		s.regs[addr] = value
	}
}

func (s *SimBus) read(addr byte) uint32 {
	switch addr {
	case simRegIOIN:
		return simChipVersion << 24
	case simRegVActual:
		xa := int32(s.regs[simRegXActual])
		xt := int32(s.regs[simRegXTarget])
		switch {
		case xa < xt:
			return s.regs[simRegVMax]
		case xa > xt:
			return uint32(-int32(s.regs[simRegVMax]))
		default:
			return 0
		}
	default:
		return s.regs[addr]
	}
}

// advanceRamp moves XACTUAL one step closer to XTARGET, playing the
// part of the chip's ramp generator between transactions.
func (s *SimBus) advanceRamp() {
	xa := int32(s.regs[simRegXActual])
	xt := int32(s.regs[simRegXTarget])
	if xa == xt {
		return
	}

	step := s.RampStep
	if step <= 0 {
		step = 1
	}
	if xa < xt {
		if xt-xa < step {
			xa = xt
		} else {
			xa += step
		}
	} else {
		if xa-xt < step {
			xa = xt
		} else {
			xa -= step
		}
	}
	s.regs[simRegXActual] = uint32(xa)
}
