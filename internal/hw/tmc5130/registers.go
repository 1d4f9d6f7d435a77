package tmc5130

// TMC5130A register addresses.
const (
	RegGConf      = 0x00
	RegGStat      = 0x01
	RegIOIN       = 0x04
	RegIHoldIRun  = 0x10
	RegTPowerDown = 0x11
	RegRampMode   = 0x20
	RegXActual    = 0x21
	RegVActual    = 0x22
	RegVStart     = 0x23
	RegA1         = 0x24
	RegV1         = 0x25
	RegAMax       = 0x26
	RegVMax       = 0x27
	RegDMax       = 0x28
	RegD1         = 0x2A
	RegVStop      = 0x2B
	RegXTarget    = 0x2D
	RegChopConf   = 0x6C
	RegDrvStatus  = 0x6F
)

// Ramp modes.
const (
	RampModePosition = 0
)

// gconfEnPWMMode enables stealthChop (GCONF bit 2).
const gconfEnPWMMode = 1 << 2

// chopConfDefault: TBL=2, HEND=1, HSTRT=4, TOFF=5, MRES=0 (256 microsteps).
const chopConfDefault = (2 << 15) | (1 << 7) | (4 << 4) | 5

// Chip versions reported in IOIN bits 31:24.
const (
	versionTMC5130  = 0x11
	versionTMC5130A = 0x30
)
