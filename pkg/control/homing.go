// Filament homing primitives
//
// Collision homing advances the gear in small steps at reduced drive
// current and declares contact when the encoder stops registering
// movement: the filament tip has hit the extruder gears without
// grinding. Installations with an entry switch home to that instead.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/sensor"
)

// stallFraction: a step whose encoder-measured travel falls below this
// fraction of the commanded step means the tip is blocked.
func (c *Controller) stallFraction() float64 {
	if f := c.cfg.CollisionStallFraction; f > 0 {
		return f
	}
	return 0.5
}

// collisionHome advances until the tip hits the extruder, returning the
// distance traveled before contact.
func (c *Controller) collisionHome(ctx context.Context, maxDist float64) (float64, error) {
	enc := c.sensors.Encoder()
	if enc == nil {
		return 0, errors.ConfigError("collision homing requires an encoder")
	}
	step := c.cfg.CollisionHomingStep
	if step <= 0 {
		return 0, errors.ConfigError("collision_homing_step must be positive")
	}

	var total float64
	err := c.motion.WithCurrentFraction(ActuatorGear, c.cfg.CollisionHomingCurrent, func() error {
		for total < maxDist {
			enc.Reset()
			if _, err := c.motion.Move(ctx, c.gearSet(), step, c.cfg.GearHomingSpeed, c.cfg.MaxAccel); err != nil {
				return err
			}
			measured := enc.Distance()
			if measured < step*c.stallFraction() {
				c.logger.Debug("collision detected", log.Fields{"travel": total, "step_measured": measured})
				return nil
			}
			total += measured
		}
		return errors.EndstopError("collision", maxDist)
	})
	return total, err
}

// HomeToExtruder advances from the current position until the extruder
// entry is found, using the entry switch when installed and collision
// homing otherwise. Returns the distance traveled. Implements the
// calibration rig contract.
func (c *Controller) HomeToExtruder(ctx context.Context, maxDist float64) (float64, error) {
	if c.sensors.Has(config.SensorExtruderEntry) {
		res, err := c.motion.HomingMove(ctx, c.gearSet(), maxDist,
			c.cfg.GearHomingSpeed, c.cfg.MaxAccel, EndstopExtruderEntry, motion.Forward)
		if err != nil {
			return res.Moved, err
		}
		return res.Moved, nil
	}
	return c.collisionHome(ctx, maxDist)
}

// releaseBackoff is how far the gear backs off to relax the tip after
// a homing contact.
const releaseBackoff = 4.0

// ReleaseFilament backs the gear off at reduced current after a homing
// contact and reports the encoder-measured springback. A tip that was
// compressed against the extruder gears follows the gear back; a pass
// that never made contact has nothing to relax. Implements the
// calibration rig contract.
func (c *Controller) ReleaseFilament(ctx context.Context) (float64, error) {
	enc := c.sensors.Encoder()
	if enc == nil {
		return 0, errors.ConfigError("springback measurement requires an encoder")
	}
	var spring float64
	err := c.motion.WithCurrentFraction(ActuatorGear, c.cfg.CollisionHomingCurrent, func() error {
		enc.Reset()
		if _, err := c.motion.Move(ctx, c.gearSet(), -releaseBackoff,
			c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel); err != nil {
			return err
		}
		spring = enc.Distance()
		return nil
	})
	return spring, err
}

// homeToGate establishes the gate reference while loading: home forward
// onto the gate switch, or nudge until the encoder registers movement
// (the gear has engaged the filament).
func (c *Controller) homeToGate(ctx context.Context) (float64, error) {
	switch c.sensors.GateReference() {
	case config.SensorGate:
		res, err := c.motion.HomingMove(ctx, c.gearSet(), c.cfg.GateHomingMax,
			c.cfg.GearHomingSpeed, c.cfg.MaxAccel, EndstopGate, motion.Forward)
		return res.Moved, err

	case config.SensorEncoder:
		enc := c.sensors.Encoder()
		var total float64
		for total < c.cfg.GateHomingMax {
			enc.Reset()
			if _, err := c.motion.Move(ctx, c.gearSet(), c.cfg.EncoderMoveStepSize,
				c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel); err != nil {
				return total, err
			}
			if measured := enc.Distance(); measured > c.cfg.EncoderMoveStepSize*c.stallFraction() {
				return total + measured, nil
			}
			total += c.cfg.EncoderMoveStepSize
		}
		return total, errors.EndstopError(config.SensorEncoder, c.cfg.GateHomingMax)

	default:
		return 0, errors.ConfigError("no gate sensor or encoder to home against")
	}
}

// parkAtGate retracts until the filament clears the gate reference,
// then parks it the configured distance behind the gate.
func (c *Controller) parkAtGate(ctx context.Context) error {
	switch c.sensors.GateReference() {
	case config.SensorGate:
		// Reverse homing: move until the gate switch releases.
		if _, err := c.motion.HomingMove(ctx, c.gearSet(), -c.cfg.EncoderUnloadMax,
			c.cfg.GearHomingSpeed, c.cfg.MaxAccel, EndstopGate, motion.Reverse); err != nil {
			return err
		}

	case config.SensorEncoder:
		// Creep back in steps, polling the encoder after each. The
		// configured run of quiet polls means the tip has passed the
		// encoder.
		enc := c.sensors.Encoder()
		enc.Reset()
		k := c.cfg.EncoderStationaryK
		if k < 1 {
			k = 1
		}
		var total float64
		for !enc.StationaryFor(k) {
			if total >= c.cfg.EncoderUnloadMax {
				return errors.Newf(errors.ErrMovementMismatch,
					"filament still present after %.1fmm of final retraction", total)
			}
			if _, err := c.motion.Move(ctx, c.gearSet(), -c.cfg.EncoderMoveStepSize,
				c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel); err != nil {
				return err
			}
			enc.Poll()
			total += c.cfg.EncoderMoveStepSize
		}

	default:
		return errors.ConfigError("no gate sensor or encoder to park against")
	}

	_, err := c.motion.Move(ctx, c.gearSet(), -c.cfg.GateParkingDistance,
		c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel)
	return err
}

// crossCheck compares a commanded gear move against the encoder,
// correcting for the selected gate's flow ratio. Installations without
// an encoder skip the check.
func (c *Controller) crossCheck(commanded float64) error {
	enc := c.sensors.Encoder()
	if enc == nil {
		return nil
	}
	ratio := c.profile.GateRatio(c.Gate())
	measured := enc.Distance() / ratio
	return sensor.CrossCheck(commanded, measured, c.cfg.EncoderTolerance)
}
