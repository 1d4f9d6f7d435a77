// Package motion owns the motor: it is the only code allowed to touch
// the TMC5130, serializes all hardware access behind one mutex, clamps
// every target against the effective soft limits, and carries the
// fault-recovery state machine for the unattended deployment.
package motion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Webrewthebestbeer1/skybox/internal/debug"
	"github.com/Webrewthebestbeer1/skybox/internal/hw/spi"
	"github.com/Webrewthebestbeer1/skybox/internal/hw/tmc5130"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
	"github.com/Webrewthebestbeer1/skybox/internal/store"
)

// State of the controller.
type State int

const (
	Uninitialized State = iota
	Ready
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrFaulted is returned by every operation once recovery is
	// exhausted, until an external restart. It never auto-clears.
	ErrFaulted = errors.New("motor controller faulted, restart required")

	// ErrNotReady is returned before Init has succeeded.
	ErrNotReady = errors.New("motor controller not initialized")
)

// maxInitAttempts bounds reinitialization. An unattended device
// retrying forever against a dead bus gains nothing; past this the
// controller parks itself Faulted and defers to process supervision.
const maxInitAttempts = 3

// Device is the slice of the TMC5130 driver the controller drives.
// Split out so tests can substitute a recording fake.
type Device interface {
	Open() error
	Close() error
	Setup(tmc5130.Profile) error
	SetPosition(int32) error
	MoveTo(int32) error
	Stop() (int32, error)
	Position() (int32, error)
	Target() (int32, error)
	Velocity() (int32, error)
	SetSpeed(vmax, amax uint32) error
}

// Persister is the narrow store contract the controller consumes.
type Persister interface {
	Load() (store.State, error)
	SavePosition(int32) error
	SetUserLimit(limits.Side, int32) error
	ClearUserLimits() error
	RecordEvent(kind, detail string) error
}

// Config carries the immutable startup configuration.
type Config struct {
	Profile       tmc5130.Profile
	DefaultLimits limits.Pair

	// RetryDelay spaces reinitialization attempts. Zero means the
	// 1 second default; tests shorten it.
	RetryDelay time.Duration
}

// StepResult reports what a relative move actually did after clamping.
// Accepted == 0 with Limited set means the motor was already at the
// limit; the move is a no-op, not an error.
type StepResult struct {
	Requested int32 `json:"requested"`
	Accepted  int32 `json:"accepted"`
	NewTarget int32 `json:"new_target"`
	Limited   bool  `json:"limited"`
}

// Status is a best-effort snapshot for the UI. It is always available:
// when the bus is down it carries the last known position and the
// faulted flag instead of an error.
type Status struct {
	State           string      `json:"state"`
	Faulted         bool        `json:"faulted"`
	Position        int32       `json:"position"`
	Target          int32       `json:"target"`
	Moving          bool        `json:"moving"`
	EffectiveLimits limits.Pair `json:"effective_limits"`
	UserLimits      limits.User `json:"user_limits"`
	DefaultLimits   limits.Pair `json:"default_limits"`
}

// Controller is the façade the web layer calls. One mutex serializes
// every hardware touch, including read-modify-write sequences like
// Step's read-target-then-write-target, so concurrent callers cannot
// interleave and lose a delta.
type Controller struct {
	mu    sync.Mutex
	dev   Device
	store Persister
	cfg   Config

	state     State
	user      limits.User
	lastPos   int32
	busFaults int

	// current speed settings, re-applied on recovery
	vmax, amax uint32
}

// NewController wires the controller; call Init before use.
func NewController(dev Device, st Persister, cfg Config) *Controller {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	return &Controller{
		dev:   dev,
		store: st,
		cfg:   cfg,
		vmax:  cfg.Profile.VMax,
		amax:  cfg.Profile.AMax,
	}
}

// Init performs the startup sequence: load persisted state, open the
// transport, program the motion profile, and write both position
// registers to the persisted position so the motor does not move on
// boot to chase a stale target. Bounded retries; on exhaustion the
// controller is Faulted but the process keeps serving status.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.Load()
	if err != nil {
		// In-memory defaults stay authoritative; do not brick the
		// motor over a store problem.
		debug.Error(fmt.Errorf("load persisted state: %w", err))
		st = store.State{}
	}
	c.user = st.Limits
	c.lastPos = st.Position
	debug.Info("Restoring position %d, user limits %s", st.Position, describeUser(st.Limits))

	return c.reinitLocked()
}

// reinitLocked runs the bounded recovery sequence: close, reopen,
// reapply the profile, rewrite both position registers from the last
// known-good position.
func (c *Controller) reinitLocked() error {
	var last error
	for attempt := 1; attempt <= maxInitAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.cfg.RetryDelay)
		}

		c.dev.Close()
		if last = c.programLocked(); last == nil {
			if c.state == Faulted || c.busFaults > 0 {
				c.recordEventLocked("recovered", fmt.Sprintf("motor reinitialized at position %d", c.lastPos))
			}
			c.state = Ready
			c.busFaults = 0
			debug.Info("Motor initialized (attempt %d)", attempt)
			return nil
		}
		debug.Fault("Motor init failed (attempt %d/%d): %v", attempt, maxInitAttempts, last)
	}

	c.state = Faulted
	c.recordEventLocked("faulted", last.Error())
	return fmt.Errorf("%w (after %d attempts): %v", ErrFaulted, maxInitAttempts, last)
}

func (c *Controller) programLocked() error {
	if err := c.dev.Open(); err != nil {
		return err
	}
	if err := c.dev.Setup(c.profileLocked()); err != nil {
		return err
	}
	return c.dev.SetPosition(c.lastPos)
}

func (c *Controller) profileLocked() tmc5130.Profile {
	p := c.cfg.Profile
	p.VMax = c.vmax
	p.AMax = c.amax
	return p
}

// Close persists the current position and releases the transport.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Ready {
		if pos, err := c.dev.Position(); err == nil {
			c.lastPos = pos
			c.persistPositionLocked(pos)
		}
	}
	return c.dev.Close()
}

// guardLocked rejects operations outside Ready.
func (c *Controller) guardLocked() error {
	switch c.state {
	case Ready:
		return nil
	case Faulted:
		return ErrFaulted
	default:
		return ErrNotReady
	}
}

// faultLocked is the write-path error policy: a BusError counts one
// consecutive fault and triggers recovery. Even when recovery
// succeeds the original operation still failed and its error is
// surfaced; the caller retries against a healthy bus.
func (c *Controller) faultLocked(err error) error {
	if !spi.IsBusError(err) {
		return err
	}

	c.busFaults++
	debug.Fault("Bus error (consecutive=%d): %v", c.busFaults, err)
	c.recordEventLocked("bus-error", err.Error())

	if rerr := c.reinitLocked(); rerr != nil {
		return rerr
	}
	return fmt.Errorf("bus error, motor reinitialized: %w", err)
}

// Step moves relative to the current target, clamped to the effective
// limits. A move fully absorbed by the clamp reports Accepted == 0 and
// does not touch the target register.
func (c *Controller) Step(rel int32) (StepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return StepResult{}, err
	}

	cur, err := c.dev.Target()
	if err != nil {
		return StepResult{}, c.faultLocked(err)
	}

	eff := limits.Effective(c.user, c.cfg.DefaultLimits)
	target := limits.ClampRelative(cur, rel, eff)

	res := StepResult{
		Requested: rel,
		Accepted:  target - cur,
		NewTarget: target,
		Limited:   int64(target) != int64(cur)+int64(rel),
	}

	if res.Accepted == 0 {
		debug.Live("Step %+d rejected: already at limit %d", rel, cur)
		return res, nil
	}

	if err := c.dev.MoveTo(target); err != nil {
		return StepResult{}, c.faultLocked(err)
	}
	c.busFaults = 0
	debug.Move(res.Accepted, target)
	return res, nil
}

// Stop retargets the ramp at the current actual position; the chip
// handles deceleration. The settled position is persisted.
func (c *Controller) Stop() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return 0, err
	}

	pos, err := c.dev.Stop()
	if err != nil {
		return 0, c.faultLocked(err)
	}
	c.busFaults = 0
	c.lastPos = pos
	c.persistPositionLocked(pos)
	return pos, nil
}

// Home moves to origin, clamped: 0 may itself lie outside the
// user limits after a limit change.
func (c *Controller) Home() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return 0, err
	}

	target := limits.Clamp(0, limits.Effective(c.user, c.cfg.DefaultLimits))
	if err := c.dev.MoveTo(target); err != nil {
		return 0, c.faultLocked(err)
	}
	c.busFaults = 0
	debug.Live("Homing to %d", target)
	return target, nil
}

// SetHome redefines the coordinate origin at the current position:
// both registers and the persisted position become 0. The motor does
// not move.
func (c *Controller) SetHome() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}

	if err := c.dev.SetPosition(0); err != nil {
		return c.faultLocked(err)
	}
	c.busFaults = 0
	c.lastPos = 0
	c.persistPositionLocked(0)
	debug.Live("Current position defined as home")
	return nil
}

// SetLimit teaches one side of the user limits from the current actual
// position ("jog to the edge, press set-limit"). Returns the new
// effective pair.
func (c *Controller) SetLimit(side limits.Side) (limits.Pair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return limits.Pair{}, err
	}

	pos, err := c.dev.Position()
	if err != nil {
		// Read-only failure: no recovery, the caller just retries.
		return limits.Pair{}, err
	}
	c.busFaults = 0

	c.user = c.user.Set(side, pos)
	if perr := c.store.SetUserLimit(side, pos); perr != nil {
		debug.Error(perr)
		c.recordEventLocked("persist-error", perr.Error())
	}
	debug.Live("User %s limit set to %d", side, pos)
	return limits.Effective(c.user, c.cfg.DefaultLimits), nil
}

// ClearLimits drops the user overrides; defaults govern again.
func (c *Controller) ClearLimits() (limits.Pair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return limits.Pair{}, err
	}

	c.user = limits.User{}
	if perr := c.store.ClearUserLimits(); perr != nil {
		debug.Error(perr)
		c.recordEventLocked("persist-error", perr.Error())
	}
	debug.Live("User limits cleared")
	return c.cfg.DefaultLimits, nil
}

// SetSpeed reconfigures the velocity/acceleration ceilings. They are
// remembered and re-applied by any later recovery.
func (c *Controller) SetSpeed(vmax, amax uint32) (uint32, uint32, error) {
	vmax = clampU32(vmax, 1000, 200000)
	amax = clampU32(amax, 50, 5000)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return c.vmax, c.amax, err
	}

	if err := c.dev.SetSpeed(vmax, amax); err != nil {
		return c.vmax, c.amax, c.faultLocked(err)
	}
	c.busFaults = 0
	c.vmax, c.amax = vmax, amax
	return vmax, amax, nil
}

// Speed returns the current ceilings.
func (c *Controller) Speed() (vmax, amax uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vmax, c.amax
}

// Status reads the hardware best-effort. Read failures do not trigger
// recovery; the snapshot degrades to the last known position so the UI
// can still render something truthful.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:           c.state.String(),
		Faulted:         c.state == Faulted,
		Position:        c.lastPos,
		Target:          c.lastPos,
		EffectiveLimits: limits.Effective(c.user, c.cfg.DefaultLimits),
		UserLimits:      c.user,
		DefaultLimits:   c.cfg.DefaultLimits,
	}
	if c.state != Ready {
		return st
	}

	pos, err := c.dev.Position()
	if err != nil {
		debug.Error(fmt.Errorf("status read: %w", err))
		return st
	}
	tgt, err := c.dev.Target()
	if err != nil {
		debug.Error(fmt.Errorf("status read: %w", err))
		return st
	}
	vel, err := c.dev.Velocity()
	if err != nil {
		debug.Error(fmt.Errorf("status read: %w", err))
		return st
	}
	c.busFaults = 0

	st.Position = pos
	st.Target = tgt
	// The ramp generator keeps running through the deceleration tail
	// after XACTUAL has already met XTARGET.
	st.Moving = vel != 0 || pos != tgt

	c.lastPos = pos
	c.persistPositionLocked(pos)
	return st
}

// persistPositionLocked saves best-effort: a store failure is logged,
// never surfaced, because physical safety depends on the register
// state, not the store.
func (c *Controller) persistPositionLocked(pos int32) {
	if err := c.store.SavePosition(pos); err != nil {
		debug.Error(err)
		c.recordEventLocked("persist-error", err.Error())
	}
}

func (c *Controller) recordEventLocked(kind, detail string) {
	if err := c.store.RecordEvent(kind, detail); err != nil {
		debug.Error(err)
	}
}

func describeUser(u limits.User) string {
	f := func(v *int32) string {
		if v == nil {
			return "unset"
		}
		return fmt.Sprintf("%d", *v)
	}
	return fmt.Sprintf("[left=%s right=%s]", f(u.Left), f(u.Right))
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
