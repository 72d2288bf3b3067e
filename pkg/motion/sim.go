package motion

import (
	"context"
	"math"
	"sync"
	"time"
)

// SimActuator is a software model of an actuator used by tests and the
// dry-run mode of the daemon. It tracks an absolute position, applies a
// configurable slippage factor, stops at registered endstop positions, and
// reports actual travel through OnMove so a simulated encoder can follow.
type SimActuator struct {
	mu sync.Mutex

	name     string
	position float64
	slip     float64 // 0.02 => 2% less actual travel than commanded
	current  float64

	// endstop trigger positions on this actuator's axis
	endstops map[string]float64

	// Delay makes every move take this long, for watchdog tests.
	Delay time.Duration

	// OnMove receives the signed actual travel of every move.
	OnMove func(actual float64)
}

// NewSimActuator creates a simulated actuator.
func NewSimActuator(name string) *SimActuator {
	return &SimActuator{
		name:     name,
		current:  1.0,
		endstops: make(map[string]float64),
	}
}

// Name returns the actuator name.
func (s *SimActuator) Name() string { return s.name }

// SetSlip sets the slippage fraction applied to every move.
func (s *SimActuator) SetSlip(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slip = f
}

// SetEndstopPosition places a named endstop at an absolute axis position.
func (s *SimActuator) SetEndstopPosition(name string, pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endstops[name] = pos
}

// Position returns the current absolute position.
func (s *SimActuator) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetPosition forces the current absolute position.
func (s *SimActuator) SetPosition(pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
}

// CurrentFraction returns the last applied current scaling.
func (s *SimActuator) CurrentFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrentFraction implements Actuator.
func (s *SimActuator) SetCurrentFraction(f float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = f
	return nil
}

func (s *SimActuator) delay() {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
}

// Move implements Actuator.
func (s *SimActuator) Move(ctx context.Context, dist, speed, accel float64) (float64, error) {
	s.delay()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	actual := dist * (1 - s.slip)
	s.position += actual
	cb := s.OnMove
	s.mu.Unlock()
	if cb != nil {
		cb(actual)
	}
	return actual, nil
}

// HomingMove implements Actuator. The move stops where it crosses the
// endstop's trigger position; otherwise it runs the full distance
// untriggered.
func (s *SimActuator) HomingMove(ctx context.Context, dist, speed, accel float64, endstop string, dir Direction) (float64, bool, error) {
	s.delay()
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	target, ok := s.endstops[endstop]
	start := s.position
	end := start + dist*(1-s.slip)
	var moved float64
	triggered := false
	if ok && crosses(start, end, target) {
		moved = target - start
		s.position = target
		triggered = true
	} else {
		moved = end - start
		s.position = end
	}
	cb := s.OnMove
	s.mu.Unlock()
	if cb != nil {
		cb(moved)
	}
	return math.Abs(moved), triggered, nil
}

func crosses(start, end, target float64) bool {
	if start <= end {
		return target > start && target <= end
	}
	return target < start && target >= end
}
