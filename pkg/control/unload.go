// Unload sequence
//
// Runs the reverse journey: form the tip, evacuate the extruder, fast
// reverse through the bowden, then creep the last stretch watching the
// gate reference so the filament parks just behind the gate.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"
	"time"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/state"
)

// Unload runs the full unload sequence from wherever the filament is.
// Tip forming is skipped when the filament never reached the extruder.
func (c *Controller) Unload(ctx context.Context) error {
	release, err := c.begin("unload")
	if err != nil {
		return err
	}
	defer release()
	return c.unload(ctx)
}

func (c *Controller) unload(ctx context.Context) error {
	pos := c.state.Position()
	if pos == state.Unloaded {
		return errors.New(errors.ErrAlreadyUnloaded, "filament already unloaded")
	}
	if pos == state.Unknown {
		if err := c.recover(ctx); err != nil {
			return err
		}
		pos = c.state.Position()
		if pos == state.Unloaded {
			return nil
		}
	}

	prev := c.state.SetAction(state.Unloading)
	defer c.state.SetAction(prev)
	c.state.SetDirection(state.DirectionUnload)
	defer c.state.SetDirection(state.DirectionIdle)

	start := time.Now()
	err := c.unloadLegs(ctx)
	c.tracker.RecordUnload(time.Since(start), err != nil)
	if err != nil {
		if errors.IsRetryable(err) {
			c.state.SetPosition(state.Unknown)
			c.pause(err)
		}
		return err
	}
	c.logger.Info("unload complete", log.Fields{"elapsed": time.Since(start).Round(time.Millisecond)})
	return nil
}

func (c *Controller) unloadLegs(ctx context.Context) error {
	pos := c.state.Position()

	var parkOffset float64
	if pos >= state.InExtruder {
		offset, err := c.formTip(ctx)
		if err != nil {
			return err
		}
		parkOffset = offset
	}

	if c.state.Position() >= state.HomedToolheadSensor || pos >= state.InExtruder {
		if err := c.unloadExtruder(ctx, parkOffset); err != nil {
			return err
		}
	}

	if c.state.Position() > state.Unloaded {
		if err := c.unloadBowden(ctx); err != nil {
			return err
		}
	}

	err := c.withRetries("park_at_gate", func() error {
		return c.parkAtGate(ctx)
	})
	if err != nil {
		return err
	}
	c.state.SetPosition(state.Unloaded)
	return nil
}

// formTip shapes the filament tip and reports how far from the nozzle
// the tip parked.
func (c *Controller) formTip(ctx context.Context) (float64, error) {
	prev := c.state.SetAction(state.FormingTip)
	defer c.state.SetAction(prev)
	return c.tip.FormTip(ctx)
}

// unloadExtruder pulls the filament out of the extruder. parkOffset is
// how far tip forming already retracted the filament.
func (c *Controller) unloadExtruder(ctx context.Context, parkOffset float64) error {
	prev := c.state.SetAction(state.UnloadingExtruder)
	defer c.state.SetAction(prev)

	if c.sensors.Has(config.SensorToolhead) {
		// Reverse until the toolhead sensor releases: the tip is now a
		// known distance from the extruder entry. The tip starts a full
		// sensor-to-nozzle length past the sensor.
		maxBack := c.cfg.ToolheadSensorToNozzle + c.cfg.ToolheadHomingMax
		if _, err := c.motion.HomingMove(ctx, c.syncedSet(), -maxBack,
			c.cfg.ExtruderUnloadSpeed, c.cfg.MaxAccel, EndstopToolhead, motion.Reverse); err != nil {
			return err
		}
		remaining := c.cfg.ToolheadExtruderToNozzle - c.cfg.ToolheadSensorToNozzle + 5
		if _, err := c.motion.Move(ctx, c.syncedSet(), -remaining,
			c.cfg.ExtruderUnloadSpeed, c.cfg.MaxAccel); err != nil {
			return err
		}
	} else {
		dist := c.cfg.ToolheadExtruderToNozzle - parkOffset + 5
		if dist < 0 {
			dist = 0
		}
		if _, err := c.motion.Move(ctx, c.syncedSet(), -dist,
			c.cfg.ExtruderUnloadSpeed, c.cfg.MaxAccel); err != nil {
			return err
		}
	}
	c.state.SetPosition(state.EndBowden)
	return nil
}

// unloadBowden reverses the bowden transit: a fast move short of the
// gate, leaving the buffer for the slow creep of parkAtGate.
func (c *Controller) unloadBowden(ctx context.Context) error {
	length, _ := c.profile.Bowden()
	if length <= 0 {
		return errors.ConfigError("bowden length not calibrated")
	}

	fast := length - c.cfg.EncoderUnloadBuffer
	if c.state.Position() < state.EndBowden {
		// Position inside the bowden is not precisely known; skip the
		// fast transit and creep the whole way.
		fast = 0
	}
	if fast > 0 {
		err := c.withRetries("unload_bowden", func() error {
			enc := c.sensors.Encoder()
			if enc != nil {
				enc.Reset()
			}
			moved, err := c.motion.Move(ctx, c.gearSet(), -fast, c.cfg.GearLoadSpeed, c.cfg.MaxAccel)
			if err != nil {
				return err
			}
			c.state.AddDistance(moved)
			return c.crossCheck(fast)
		})
		if err != nil {
			return err
		}
	}
	c.state.SetPosition(state.StartBowden)
	return nil
}

// UnloadBowden retracts length mm back toward the gate and parks.
// Implements the calibration rig contract.
func (c *Controller) UnloadBowden(ctx context.Context, length float64) (float64, error) {
	moved, err := c.motion.Move(ctx, c.gearSet(), -(length - c.cfg.EncoderUnloadBuffer),
		c.cfg.GearLoadSpeed, c.cfg.MaxAccel)
	if err != nil {
		return moved, err
	}
	if err := c.parkAtGate(ctx); err != nil {
		return moved, err
	}
	return moved, nil
}

// standaloneTip is the built-in ramming sequence used when no macro
// based tip former is injected: short hot pulls to stretch the tip,
// then a final retract clear of the melt zone.
type standaloneTip struct {
	motion *motion.Controller
	cfg    *config.MMU
}

const (
	tipPulses       = 2
	tipPulseDist    = 3.0
	tipFinalRetract = 10.0
)

func (t *standaloneTip) FormTip(ctx context.Context) (float64, error) {
	set := motion.Single(ActuatorExtruder)
	for i := 0; i < tipPulses; i++ {
		if _, err := t.motion.Move(ctx, set, -tipPulseDist, t.cfg.ExtruderUnloadSpeed, t.cfg.MaxAccel); err != nil {
			return 0, err
		}
		if _, err := t.motion.Move(ctx, set, tipPulseDist*0.5, t.cfg.ExtruderLoadSpeed, t.cfg.MaxAccel); err != nil {
			return 0, err
		}
	}
	if _, err := t.motion.Move(ctx, set, -tipFinalRetract, t.cfg.ExtruderUnloadSpeed, t.cfg.MaxAccel); err != nil {
		return 0, err
	}
	park := float64(tipPulses)*tipPulseDist*0.5 + tipFinalRetract
	return park, nil
}
