// Selector positioning
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"

	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/state"
)

// selectorTravelLimit bounds any selector move.
func (c *Controller) selectorTravelLimit() float64 {
	return c.cfg.CadGate0Pos + float64(c.cfg.NumGates)*c.cfg.CadGateWidth + c.cfg.CadLastGateOffset + 20
}

// HomeSelector homes the selector to its zero endstop. Requires the
// filament to be clear of the selector path.
func (c *Controller) HomeSelector(ctx context.Context) error {
	pos := c.state.Position()
	if pos != state.Unloaded && pos != state.Unknown {
		return errors.ConfigError("cannot home selector with filament at %s", pos)
	}
	prev := c.state.SetAction(state.Homing)
	defer c.state.SetAction(prev)

	_, err := c.motion.HomingMove(ctx, motion.Single(ActuatorSelector),
		-c.selectorTravelLimit(), c.cfg.SelectorHomingSpeed, c.cfg.MaxAccel,
		EndstopSelectorHome, motion.Forward)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.selectorPos = 0
	c.selectorHomed = true
	c.mu.Unlock()
	return nil
}

// TouchSelector advances the selector until it touches the far stop,
// returning the travel from the zero position. Used by calibration.
func (c *Controller) TouchSelector(ctx context.Context, maxDist float64) (float64, error) {
	res, err := c.motion.HomingMove(ctx, motion.Single(ActuatorSelector),
		maxDist, c.cfg.SelectorTouchSpeed, c.cfg.MaxAccel,
		EndstopSelectorTouch, motion.Forward)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.selectorPos += res.Moved
	travel := c.selectorPos
	c.mu.Unlock()
	return travel, nil
}

// moveSelectorTo positions the selector at an absolute offset.
func (c *Controller) moveSelectorTo(ctx context.Context, target float64) error {
	c.mu.Lock()
	homed := c.selectorHomed
	delta := target - c.selectorPos
	c.mu.Unlock()
	if !homed {
		if err := c.HomeSelector(ctx); err != nil {
			return err
		}
		delta = target
	}
	if delta == 0 {
		return nil
	}
	moved, err := c.motion.Move(ctx, motion.Single(ActuatorSelector), delta, c.cfg.SelectorMoveSpeed, c.cfg.MaxAccel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.selectorPos += moved
	c.mu.Unlock()
	return nil
}

// SelectGate positions the selector at a gate. The filament must be
// unloaded first. Implements the calibration rig contract as well.
func (c *Controller) SelectGate(ctx context.Context, gate int) error {
	if gate < 0 || gate >= c.cfg.NumGates {
		return errors.ConfigError("gate %d outside 0..%d", gate, c.cfg.NumGates-1)
	}
	pos := c.state.Position()
	if pos != state.Unloaded && pos != state.Unknown {
		return errors.ConfigError("cannot select gate with filament at %s", pos)
	}
	offset, ok := c.profile.SelectorOffset(gate)
	if !ok || offset <= 0 {
		return errors.ConfigError("selector offset for gate %d not calibrated", gate).SetGate(gate)
	}

	prev := c.state.SetAction(state.Selecting)
	defer c.state.SetAction(prev)

	if err := c.moveSelectorTo(ctx, offset); err != nil {
		return err
	}
	c.mu.Lock()
	c.gate = gate
	c.bypassActive = false
	c.mu.Unlock()
	c.logger.Info("gate selected", log.Fields{"gate": gate, "offset": offset})
	return nil
}

// Select is the guarded operator entry point for gate selection.
func (c *Controller) Select(ctx context.Context, gate int) error {
	release, err := c.begin("select")
	if err != nil {
		return err
	}
	defer release()
	return c.SelectGate(ctx, gate)
}

// SelectBypass positions the selector at the calibrated bypass slot.
func (c *Controller) SelectBypass(ctx context.Context) error {
	release, err := c.begin("select_bypass")
	if err != nil {
		return err
	}
	defer release()

	bypass := c.profile.Bypass()
	if bypass <= 0 {
		return errors.ConfigError("bypass not calibrated")
	}
	pos := c.state.Position()
	if pos != state.Unloaded && pos != state.Unknown {
		return errors.ConfigError("cannot select bypass with filament at %s", pos)
	}
	prev := c.state.SetAction(state.Selecting)
	defer c.state.SetAction(prev)

	if err := c.moveSelectorTo(ctx, bypass); err != nil {
		return err
	}
	c.mu.Lock()
	c.gate = -1
	c.bypassActive = true
	c.mu.Unlock()
	return nil
}
