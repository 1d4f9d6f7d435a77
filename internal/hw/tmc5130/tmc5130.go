package tmc5130

import (
	"fmt"

	"github.com/Webrewthebestbeer1/skybox/internal/debug"
	"github.com/Webrewthebestbeer1/skybox/internal/hw/spi"
)

// Profile configures current levels, standstill behavior and the ramp
// shape programmed into the chip at initialization.
type Profile struct {
	RunCurrent     uint32 // 0-31
	HoldCurrent    uint32 // 0-31
	HoldDelay      uint32 // IHOLDDELAY, 0-15, in 2^18 clock units
	PowerDownDelay uint32 // TPOWERDOWN, in 2^18 clock units (128 ≈ 2s)
	VMax           uint32 // velocity ceiling, microsteps/t
	AMax           uint32 // acceleration ceiling
}

// Driver talks to a TMC5130A over an SPI bus. It owns no policy: limits,
// retries and locking live in the motion controller above it.
type Driver struct {
	bus spi.Bus
}

// New creates a driver on the given bus. The bus is not opened here;
// the controller opens and closes it as part of its lifecycle.
func New(bus spi.Bus) *Driver {
	return &Driver{bus: bus}
}

// Open acquires the underlying bus.
func (d *Driver) Open() error {
	return d.bus.Open()
}

// Close releases the underlying bus.
func (d *Driver) Close() error {
	return d.bus.Close()
}

// WriteRegister writes a 32-bit value to a register in one transaction.
func (d *Driver) WriteRegister(addr byte, value uint32) error {
	if _, err := d.bus.Exchange(Encode(addr|writeFlag, value)); err != nil {
		return err
	}
	debug.Reg("WRITE", addr, value)
	return nil
}

// ReadRegister reads a 32-bit register value.
//
// The chip answers with the register addressed by the *previous*
// datagram, so a logical read is exactly two exchanges: one to request
// the register, one to collect it. Collapsing this into a single
// exchange would hand every caller the value from one call ago.
func (d *Driver) ReadRegister(addr byte) (uint32, error) {
	req := Encode(addr&^writeFlag, 0)
	if _, err := d.bus.Exchange(req); err != nil {
		return 0, err
	}
	rx, err := d.bus.Exchange(req)
	if err != nil {
		return 0, err
	}

	_, value, err := Decode(rx)
	if err != nil {
		return 0, err
	}
	debug.Reg("READ", addr, value)
	return value, nil
}

// ReadRegisterSigned reads a register and interprets it as signed 32-bit,
// as the position and velocity registers are.
func (d *Driver) ReadRegisterSigned(addr byte) (int32, error) {
	raw, err := d.ReadRegister(addr)
	return int32(raw), err
}

// Setup programs the motion profile. Order matters: driver and chopper
// configuration must land before the first motion command, because the
// chip samples parts of it only on mode transitions. Re-applying the
// same profile is idempotent.
func (d *Driver) Setup(p Profile) error {
	// Clear latched flags (write 1s to clear).
	if err := d.WriteRegister(RegGStat, 0x07); err != nil {
		return fmt.Errorf("clear gstat: %w", err)
	}
	gstat, err := d.ReadRegister(RegGStat)
	if err != nil {
		return fmt.Errorf("read gstat: %w", err)
	}
	debug.Verbose("GSTAT after clear: 0x%08X", gstat)

	ioin, err := d.ReadRegister(RegIOIN)
	if err != nil {
		return fmt.Errorf("read ioin: %w", err)
	}
	version := byte(ioin >> 24)
	if version != versionTMC5130 && version != versionTMC5130A {
		debug.Info("Unexpected chip version 0x%02X, expected 0x11 (TMC5130) or 0x30 (TMC5130A)", version)
	} else {
		debug.Info("TMC5130 version: 0x%02X", version)
	}

	// stealthChop for quiet operation next to the camera.
	if err := d.WriteRegister(RegGConf, gconfEnPWMMode); err != nil {
		return fmt.Errorf("write gconf: %w", err)
	}
	if err := d.WriteRegister(RegChopConf, chopConfDefault); err != nil {
		return fmt.Errorf("write chopconf: %w", err)
	}

	run := clampCurrent(p.RunCurrent)
	hold := clampCurrent(p.HoldCurrent)
	iHoldIRun := (p.HoldDelay&0x0F)<<16 | run<<8 | hold
	if err := d.WriteRegister(RegIHoldIRun, iHoldIRun); err != nil {
		return fmt.Errorf("write ihold_irun: %w", err)
	}

	// Drop to hold current only after the standstill delay, so the
	// driver is not dissipating run current all night.
	if err := d.WriteRegister(RegTPowerDown, p.PowerDownDelay); err != nil {
		return fmt.Errorf("write tpowerdown: %w", err)
	}

	if err := d.writeRamp(p.VMax, p.AMax); err != nil {
		return err
	}

	if err := d.WriteRegister(RegRampMode, RampModePosition); err != nil {
		return fmt.Errorf("write rampmode: %w", err)
	}

	debug.Info("TMC5130 initialized: run=%d hold=%d vmax=%d amax=%d", run, hold, p.VMax, p.AMax)
	return nil
}

// SetSpeed updates the velocity/acceleration ceilings without a full
// re-initialization.
func (d *Driver) SetSpeed(vmax, amax uint32) error {
	if err := d.writeRamp(vmax, amax); err != nil {
		return err
	}
	debug.Live("Speed updated: vmax=%d amax=%d", vmax, amax)
	return nil
}

// writeRamp programs the S-curve ramp: gentle start, cruise at VMax,
// symmetric deceleration.
func (d *Driver) writeRamp(vmax, amax uint32) error {
	ramp := []struct {
		addr  byte
		value uint32
	}{
		{RegVStart, 1},
		{RegA1, amax * 2},
		{RegV1, vmax / 2},
		{RegAMax, amax},
		{RegVMax, vmax},
		{RegDMax, amax},
		{RegD1, amax * 2},
		{RegVStop, 10},
	}
	for _, r := range ramp {
		if err := d.WriteRegister(r.addr, r.value); err != nil {
			return fmt.Errorf("write ramp reg 0x%02X: %w", r.addr, err)
		}
	}
	return nil
}

// SetPosition writes both XACTUAL and XTARGET to the same value,
// redefining where the motor is without moving it.
func (d *Driver) SetPosition(position int32) error {
	if err := d.WriteRegister(RegXActual, uint32(position)); err != nil {
		return err
	}
	if err := d.WriteRegister(RegXTarget, uint32(position)); err != nil {
		return err
	}
	debug.Live("Position set to %d (no movement)", position)
	return nil
}

// MoveTo commands a move to an absolute target; the chip's ramp
// generator does the rest.
func (d *Driver) MoveTo(target int32) error {
	return d.WriteRegister(RegXTarget, uint32(target))
}

// Stop performs an emergency stop by retargeting the ramp generator at
// the current actual position; the chip decelerates on its own. Returns
// the position the stop was anchored to.
func (d *Driver) Stop() (int32, error) {
	pos, err := d.Position()
	if err != nil {
		return 0, err
	}
	if err := d.WriteRegister(RegXTarget, uint32(pos)); err != nil {
		return 0, err
	}
	debug.Live("Emergency stop at position %d", pos)
	return pos, nil
}

// Position reads XACTUAL.
func (d *Driver) Position() (int32, error) {
	return d.ReadRegisterSigned(RegXActual)
}

// Target reads XTARGET.
func (d *Driver) Target() (int32, error) {
	return d.ReadRegisterSigned(RegXTarget)
}

// Velocity reads VACTUAL. Nonzero while the ramp generator is driving
// the motor, including the deceleration tail after the target is
// already reached.
func (d *Driver) Velocity() (int32, error) {
	return d.ReadRegisterSigned(RegVActual)
}

func clampCurrent(c uint32) uint32 {
	if c > 31 {
		return 31
	}
	return c
}
