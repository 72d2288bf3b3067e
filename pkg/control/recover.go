// Filament position recovery
//
// Deduces where the filament is from whatever sensors exist, most
// specific first. Used at startup, after an escalated failure, and
// whenever an operation starts from an unknown position.
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
	"mmu-go/pkg/state"
)

// Recover re-establishes the filament position and clears a pause.
func (c *Controller) Recover(ctx context.Context) error {
	release, err := c.begin("recover")
	if err != nil {
		return err
	}
	defer release()

	if err := c.recover(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	wasPaused := c.paused
	c.mu.Unlock()
	if wasPaused {
		return c.Resume()
	}
	return nil
}

func (c *Controller) recover(ctx context.Context) error {
	prev := c.state.SetAction(state.Checking)
	defer c.state.SetAction(prev)

	if triggered, present := c.sensors.Check(config.SensorToolhead); present && triggered {
		c.state.SetPosition(state.Loaded)
		c.logger.Info("recovered position from toolhead sensor", log.Fields{"pos": state.Loaded})
		return nil
	}
	if triggered, present := c.sensors.Check(config.SensorExtruderEntry); present && triggered {
		c.state.SetPosition(state.ExtruderEntry)
		return nil
	}
	if triggered, present := c.sensors.Check(config.SensorGate); present {
		if triggered {
			// Filament spans the gate but its far end is unknown.
			c.state.SetPosition(state.InBowden)
		} else {
			c.state.SetPosition(state.Unloaded)
		}
		return nil
	}

	if c.sensors.HasEncoder() {
		moved, err := c.gearGrips(ctx)
		if err != nil {
			return err
		}
		if moved {
			c.state.SetPosition(state.InBowden)
		} else {
			c.state.SetPosition(state.Unloaded)
		}
		return nil
	}

	// No sensors at all: assume unloaded, the safest starting point.
	c.state.SetPosition(state.Unloaded)
	return nil
}

// gearGrips nudges the gear forward and back and watches the encoder.
// Movement means the gear still grips filament somewhere in the bowden.
func (c *Controller) gearGrips(ctx context.Context) (bool, error) {
	enc := c.sensors.Encoder()
	enc.Reset()
	step := c.cfg.EncoderMoveStepSize
	if _, err := c.motion.Move(ctx, c.gearSet(), step, c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel); err != nil {
		return false, err
	}
	moved := enc.Distance() > step*c.stallFraction()
	if _, err := c.motion.Move(ctx, c.gearSet(), -step, c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel); err != nil {
		return false, err
	}
	return moved, nil
}

// Buzz distinguishes a clog from a true runout: a short gear pulse that
// still registers encoder movement means filament is present and jammed
// downstream rather than run out at the spool.
func (c *Controller) Buzz(ctx context.Context) (bool, error) {
	release, err := c.begin("buzz")
	if err != nil {
		return false, err
	}
	defer release()

	if !c.sensors.HasEncoder() {
		return false, errors.ConfigError("buzz test requires an encoder")
	}
	gripped, err := c.gearGrips(ctx)
	if err != nil {
		return false, err
	}
	c.logger.Info("buzz test", log.Fields{"gripped": gripped})
	return gripped, nil
}
