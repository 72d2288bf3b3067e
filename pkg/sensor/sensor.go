// Package sensor normalizes the heterogeneous MMU sensing hardware
// (binary switches, stall/touch virtual endstops, rotary encoder) into two
// capabilities: position events and movement measurement.
package sensor

import (
	"sync"

	"mmu-go/pkg/errors"
)

// Switch is a binary position sensor (gate, extruder entry, toolhead, or a
// stall-derived virtual endstop).
type Switch struct {
	mu sync.RWMutex

	name     string
	virtual  bool // stall/touch derived, only valid homing forward
	inverted bool

	state      bool
	queryState func() (bool, error)
}

// SwitchConfig holds configuration for a switch sensor.
type SwitchConfig struct {
	Name     string
	Virtual  bool
	Inverted bool
}

// NewSwitch creates a new switch sensor.
func NewSwitch(cfg SwitchConfig) *Switch {
	return &Switch{
		name:     cfg.Name,
		virtual:  cfg.Virtual,
		inverted: cfg.Inverted,
	}
}

// SetQueryCallback sets the callback for querying the physical pin.
func (s *Switch) SetQueryCallback(fn func() (bool, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryState = fn
}

// Name returns the sensor name.
func (s *Switch) Name() string {
	return s.name
}

// IsVirtual reports whether this is a stall/touch virtual endstop.
func (s *Switch) IsVirtual() bool {
	return s.virtual
}

// HandleState records a state change pushed from the hardware layer.
func (s *Switch) HandleState(triggered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inverted {
		triggered = !triggered
	}
	s.state = triggered
}

// Triggered returns the current sensor state, querying the hardware when a
// query callback is installed, otherwise the last pushed state.
func (s *Switch) Triggered() bool {
	s.mu.RLock()
	query := s.queryState
	inverted := s.inverted
	s.mu.RUnlock()

	if query == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.state
	}

	triggered, err := query()
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.state
	}
	if inverted {
		triggered = !triggered
	}
	s.mu.Lock()
	s.state = triggered
	s.mu.Unlock()
	return triggered
}

// CrossCheck compares commanded and measured movement. Beyond the tolerance
// fraction it returns a recoverable MOVEMENT_MISMATCH; the caller decides
// whether to retry.
func CrossCheck(commanded, measured, tolerance float64) error {
	if commanded == 0 {
		return nil
	}
	c := commanded
	if c < 0 {
		c = -c
	}
	m := measured
	if m < 0 {
		m = -m
	}
	if c-m > c*tolerance {
		return errors.MismatchError(commanded, measured)
	}
	return nil
}
