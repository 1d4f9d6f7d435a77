package limits

import "fmt"

// Side identifies one end of the pan range.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Pair is a normalized limit pair: Left <= Right, in microsteps.
type Pair struct {
	Left  int32 `json:"left"`
	Right int32 `json:"right"`
}

// Normalize returns the pair with its bounds ordered.
func (p Pair) Normalize() Pair {
	if p.Left > p.Right {
		p.Left, p.Right = p.Right, p.Left
	}
	return p
}

// Contains reports whether pos lies inside the pair.
func (p Pair) Contains(pos int32) bool {
	return pos >= p.Left && pos <= p.Right
}

// User is the optional user-taught override. A nil side means "not set,
// use the default for that side". Sides may be set independently.
type User struct {
	Left  *int32 `json:"left"`
	Right *int32 `json:"right"`
}

// Set returns a copy with the given side taught to pos.
func (u User) Set(side Side, pos int32) User {
	v := pos
	switch side {
	case Left:
		u.Left = &v
	case Right:
		u.Right = &v
	}
	return u
}

// Effective resolves the enforced limit pair: the user override per
// side where present, else the configured default. Always recomputed
// from current state, never cached.
func Effective(user User, def Pair) Pair {
	eff := def
	if user.Left != nil {
		eff.Left = *user.Left
	}
	if user.Right != nil {
		eff.Right = *user.Right
	}
	return eff.Normalize()
}

// Clamp bounds an absolute target to the pair.
func Clamp(target int32, p Pair) int32 {
	if target < p.Left {
		return p.Left
	}
	if target > p.Right {
		return p.Right
	}
	return target
}

// ClampRelative resolves cur+delta against the pair. The sum is formed
// in 64 bits: a delta big enough to wrap int32 must saturate at the
// nearer bound, not swing the motor to the opposite one.
func ClampRelative(cur, delta int32, p Pair) int32 {
	target := int64(cur) + int64(delta)
	if target < int64(p.Left) {
		return p.Left
	}
	if target > int64(p.Right) {
		return p.Right
	}
	return int32(target)
}
