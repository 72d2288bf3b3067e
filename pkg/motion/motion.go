// Motion primitive layer for the MMU host
//
// Issues linear and homing moves on one or two synchronized actuators
// (gear, selector, extruder) against named endstops, honoring direction
// and distance limits and a watchdog independent of max_distance.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
)

// Direction of a homing move relative to the endstop.
type Direction int

const (
	// Forward homes toward the endstop until it fires.
	Forward Direction = 1
	// Reverse homes away until the endstop releases.
	Reverse Direction = -1
)

// Actuator is the physical motion backend injected by the host. Moves are
// blocking; implementations must respect ctx cancellation on a best-effort
// basis (an in-flight physical move completes or times out first).
type Actuator interface {
	Name() string

	// Move issues a linear move of dist mm (signed) and returns the
	// distance actually traveled.
	Move(ctx context.Context, dist, speed, accel float64) (float64, error)

	// HomingMove moves up to dist mm (signed) stopping when the named
	// endstop fires (Forward) or releases (Reverse). Returns the distance
	// traveled and whether the endstop condition was met.
	HomingMove(ctx context.Context, dist, speed, accel float64, endstop string, dir Direction) (float64, bool, error)

	// SetCurrentFraction scales the driver run current, 0 < f <= 1.
	// Used by collision homing to avoid grinding filament on contact.
	SetCurrentFraction(f float64) error
}

// ActuatorSet is one driving actuator plus an optional synchronized
// follower that mirrors the driver's moves.
type ActuatorSet struct {
	Driver   string
	Follower string // "" for single-actuator moves
}

// Single returns a one-actuator set.
func Single(name string) ActuatorSet {
	return ActuatorSet{Driver: name}
}

// Synced returns a two-actuator set with driver leading.
func Synced(driver, follower string) ActuatorSet {
	return ActuatorSet{Driver: driver, Follower: follower}
}

// EndstopInfo describes a named endstop reference point.
type EndstopInfo struct {
	Name    string
	Virtual bool // stall/touch or encoder derived, forward homing only
}

// HomeResult is the outcome of a successful homing move.
type HomeResult struct {
	Moved     float64
	Triggered bool
}

// Limits are the configured ceilings never exceeded by any move.
type Limits struct {
	MaxSpeed float64
	MaxAccel float64

	// WatchdogSlack is added to the theoretical move time to form the
	// watchdog budget.
	WatchdogSlack time.Duration
}

// Controller owns the actuators and endstop registry and issues primitive
// moves. All moves are synchronous to the caller.
type Controller struct {
	mu        sync.RWMutex
	actuators map[string]Actuator
	endstops  map[string]EndstopInfo
	limits    Limits
	logger    *log.Logger
}

// NewController creates a motion controller with the given limits.
func NewController(limits Limits) *Controller {
	return &Controller{
		actuators: make(map[string]Actuator),
		endstops:  make(map[string]EndstopInfo),
		limits:    limits,
		logger:    log.Component("motion"),
	}
}

// RegisterActuator adds an actuator by name.
func (c *Controller) RegisterActuator(a Actuator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actuators[a.Name()] = a
}

// RegisterEndstop adds a named endstop reference.
func (c *Controller) RegisterEndstop(info EndstopInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endstops[info.Name] = info
}

// Endstop looks up a registered endstop.
func (c *Controller) Endstop(name string) (EndstopInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.endstops[name]
	return info, ok
}

func (c *Controller) actuator(name string) (Actuator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actuators[name]
	if !ok {
		return nil, errors.ConfigError("unknown actuator %q", name)
	}
	return a, nil
}

// clamp applies the configured ceilings. Zero or negative requests fall
// back to the ceiling itself.
func (c *Controller) clamp(speed, accel float64) (float64, float64) {
	if speed <= 0 || speed > c.limits.MaxSpeed {
		speed = c.limits.MaxSpeed
	}
	if accel <= 0 || accel > c.limits.MaxAccel {
		accel = c.limits.MaxAccel
	}
	return speed, accel
}

// moveTime computes the trapezoid duration for a move.
func moveTime(dist, speed, accel float64) time.Duration {
	dist = math.Abs(dist)
	if dist == 0 || speed <= 0 {
		return 0
	}
	if accel <= 0 {
		return time.Duration(dist / speed * float64(time.Second))
	}
	maxCruiseV2 := dist * accel
	if maxCruiseV2 < speed*speed {
		speed = math.Sqrt(maxCruiseV2)
	}
	accelT := speed / accel
	accelDecelD := accelT * speed
	cruiseT := (dist - accelDecelD) / speed
	return time.Duration((2*accelT + cruiseT) * float64(time.Second))
}

// watchdogBudget returns the wall-clock budget for a move of dist mm.
func (c *Controller) watchdogBudget(dist, speed, accel float64) time.Duration {
	return moveTime(dist, speed, accel) + c.limits.WatchdogSlack
}

type moveOutcome struct {
	moved     float64
	triggered bool
	err       error
}

// guard runs fn under the watchdog. The physical layer is given until
// the budget expires; after that the move is reported as a Timeout and
// the move context is cancelled so the actuator stops driving before
// the operation slot frees.
func (c *Controller) guard(op string, budget time.Duration, cancel context.CancelFunc, fn func() moveOutcome) moveOutcome {
	done := make(chan moveOutcome, 1)
	go func() { done <- fn() }()
	select {
	case out := <-done:
		return out
	case <-time.After(budget):
		c.logger.Errorf("watchdog expired after %s during %s", budget, op)
		cancel()
		return moveOutcome{err: errors.TimeoutError(op)}
	}
}

// Move issues a linear move on the set and returns the distance the driver
// traveled. The follower mirrors the driver's commanded distance.
func (c *Controller) Move(ctx context.Context, set ActuatorSet, dist, speed, accel float64) (float64, error) {
	driver, err := c.actuator(set.Driver)
	if err != nil {
		return 0, err
	}
	var follower Actuator
	if set.Follower != "" {
		if follower, err = c.actuator(set.Follower); err != nil {
			return 0, err
		}
	}
	speed, accel = c.clamp(speed, accel)
	budget := c.watchdogBudget(dist, speed, accel)
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := c.guard("move "+set.Driver, budget, cancel, func() moveOutcome {
		if follower != nil {
			var followErr error
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, followErr = follower.Move(mctx, dist, speed, accel)
			}()
			moved, err := driver.Move(mctx, dist, speed, accel)
			wg.Wait()
			if err == nil {
				err = followErr
			}
			return moveOutcome{moved: moved, err: err}
		}
		moved, err := driver.Move(mctx, dist, speed, accel)
		return moveOutcome{moved: moved, err: err}
	})
	return out.moved, out.err
}

// HomingMove moves the set toward (Forward) or away from (Reverse) the
// named endstop, up to maxDist. Virtual endstops cannot be homed in
// reverse; that is a configuration error reported before any motion.
func (c *Controller) HomingMove(ctx context.Context, set ActuatorSet, maxDist, speed, accel float64, endstop string, dir Direction) (HomeResult, error) {
	info, ok := c.Endstop(endstop)
	if !ok {
		return HomeResult{}, errors.ConfigError("unknown endstop %q", endstop)
	}
	if info.Virtual && dir == Reverse {
		return HomeResult{}, errors.ConfigError("virtual endstop %q cannot home in reverse", endstop)
	}
	driver, err := c.actuator(set.Driver)
	if err != nil {
		return HomeResult{}, err
	}
	var follower Actuator
	if set.Follower != "" {
		if follower, err = c.actuator(set.Follower); err != nil {
			return HomeResult{}, err
		}
	}
	speed, accel = c.clamp(speed, accel)
	budget := c.watchdogBudget(maxDist, speed, accel)
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := c.guard("homing "+set.Driver+" to "+endstop, budget, cancel, func() moveOutcome {
		if follower != nil {
			var followErr error
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, followErr = follower.Move(mctx, maxDist, speed, accel)
			}()
			moved, triggered, err := driver.HomingMove(mctx, maxDist, speed, accel, endstop, dir)
			wg.Wait()
			if err == nil {
				err = followErr
			}
			return moveOutcome{moved: moved, triggered: triggered, err: err}
		}
		moved, triggered, err := driver.HomingMove(mctx, maxDist, speed, accel, endstop, dir)
		return moveOutcome{moved: moved, triggered: triggered, err: err}
	})
	if out.err != nil {
		return HomeResult{Moved: out.moved}, out.err
	}
	if !out.triggered {
		return HomeResult{Moved: out.moved}, errors.EndstopError(endstop, math.Abs(maxDist))
	}
	return HomeResult{Moved: out.moved, Triggered: true}, nil
}

// WithCurrentFraction runs fn with the actuator's run current reduced to
// fraction f, restoring full current afterwards. Used by collision homing.
func (c *Controller) WithCurrentFraction(name string, f float64, fn func() error) error {
	a, err := c.actuator(name)
	if err != nil {
		return err
	}
	if err := a.SetCurrentFraction(f); err != nil {
		return err
	}
	defer a.SetCurrentFraction(1.0)
	return fn()
}
