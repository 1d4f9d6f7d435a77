// Package store persists the motor state that must survive power
// cycles: last known position, user-taught soft limits, and a short
// audit trail of notable events (faults, recoveries).
//
// The contract to the motion controller is a narrow key/value one;
// consistency and durability are bolt's problem, not the caller's.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/asdine/storm/v3"

	"github.com/Webrewthebestbeer1/skybox/internal/debug"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
)

const (
	settingsBucket = "settings"

	keyPosition   = "motor_position"
	keyLimitLeft  = "soft_limit_left"
	keyLimitRight = "soft_limit_right"
)

// maxEvents caps the audit trail; older entries are pruned.
const maxEvents = 50

// Store is a bolt-backed settings store.
type Store struct {
	db *storm.DB
}

// State is everything loaded at startup.
type State struct {
	Position int32
	Limits   limits.User
}

// Event is one audit entry.
type Event struct {
	ID     int       `storm:"id,increment" json:"-"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Open opens (or creates) the database file.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	debug.Info("Store opened at %s", path)
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted position and user limits. Missing keys are
// not errors: position defaults to 0 and limit sides stay unset.
func (s *Store) Load() (State, error) {
	var st State

	var pos int32
	switch err := s.db.Get(settingsBucket, keyPosition, &pos); {
	case err == nil:
		st.Position = pos
	case errors.Is(err, storm.ErrNotFound):
		// first boot
	default:
		return st, fmt.Errorf("load position: %w", err)
	}

	user, err := s.UserLimits()
	if err != nil {
		return st, err
	}
	st.Limits = user
	return st, nil
}

// SavePosition persists the last known position.
func (s *Store) SavePosition(pos int32) error {
	if err := s.db.Set(settingsBucket, keyPosition, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	debug.Verbose("Persisted position %d", pos)
	return nil
}

// UserLimits reads the user override pair; unset sides are nil.
func (s *Store) UserLimits() (limits.User, error) {
	var user limits.User
	for _, side := range []struct {
		key string
		dst **int32
	}{
		{keyLimitLeft, &user.Left},
		{keyLimitRight, &user.Right},
	} {
		var v int32
		switch err := s.db.Get(settingsBucket, side.key, &v); {
		case err == nil:
			val := v
			*side.dst = &val
		case errors.Is(err, storm.ErrNotFound):
			// side not taught
		default:
			return user, fmt.Errorf("load %s: %w", side.key, err)
		}
	}
	return user, nil
}

// SetUserLimit persists one taught limit side.
func (s *Store) SetUserLimit(side limits.Side, pos int32) error {
	key := keyLimitLeft
	if side == limits.Right {
		key = keyLimitRight
	}
	if err := s.db.Set(settingsBucket, key, pos); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	debug.Verbose("Persisted %s limit %d", side, pos)
	return nil
}

// ClearUserLimits removes both taught sides so the configured defaults
// govern again.
func (s *Store) ClearUserLimits() error {
	for _, key := range []string{keyLimitLeft, keyLimitRight} {
		if err := s.db.Delete(settingsBucket, key); err != nil && !errors.Is(err, storm.ErrNotFound) {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

// RecordEvent appends to the audit trail, pruning beyond maxEvents.
func (s *Store) RecordEvent(kind, detail string) error {
	ev := Event{Time: time.Now(), Kind: kind, Detail: detail}
	if err := s.db.Save(&ev); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	count, err := s.db.Count(&Event{})
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if count <= maxEvents {
		return nil
	}

	var oldest []Event
	if err := s.db.All(&oldest, storm.Limit(count-maxEvents)); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	for i := range oldest {
		if err := s.db.DeleteStruct(&oldest[i]); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 || limit > maxEvents {
		limit = maxEvents
	}
	var evs []Event
	if err := s.db.All(&evs, storm.Limit(limit), storm.Reverse()); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return evs, nil
}
