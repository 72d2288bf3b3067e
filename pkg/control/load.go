// Load sequence
//
// The sequence composes legs based on where the filament currently is,
// so a partially loaded filament resumes mid-journey instead of
// restarting from the gate.
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
	"mmu-go/pkg/gatemap"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/sensor"
	"mmu-go/pkg/state"
)

// Load runs the full load sequence from wherever the filament is.
func (c *Controller) Load(ctx context.Context) error {
	release, err := c.begin("load")
	if err != nil {
		return err
	}
	defer release()
	return c.load(ctx)
}

// load drives the sequence; the caller owns the operation guard.
func (c *Controller) load(ctx context.Context) error {
	pos := c.state.Position()
	if pos == state.Loaded {
		return errors.New(errors.ErrAlreadyLoaded, "filament already loaded")
	}
	if pos == state.Unknown {
		if err := c.recover(ctx); err != nil {
			return err
		}
		pos = c.state.Position()
		if pos == state.Loaded {
			return nil
		}
	}
	gate := c.Gate()
	if gate < 0 {
		return errors.ConfigError("no gate selected")
	}
	if g, err := c.gates.Gate(gate); err == nil && !g.Status.Loadable() {
		return errors.ConfigError("gate is empty").SetGate(gate)
	}

	prev := c.state.SetAction(state.Loading)
	defer c.state.SetAction(prev)
	c.state.SetDirection(state.DirectionLoad)
	defer c.state.SetDirection(state.DirectionIdle)

	start := time.Now()
	commanded, measured, err := c.loadLegs(ctx)
	c.tracker.RecordLoad(gate, commanded, measured, time.Since(start), err != nil)
	if err != nil {
		// Physical failures pause the unit for the operator; bad
		// requests just report back. After a failed move the filament
		// could be anywhere between two ladder rungs.
		if errors.IsRetryable(err) {
			c.state.SetPosition(state.Unknown)
			c.pause(err)
		}
		return err
	}

	// A load that completed proves filament at this gate. A buffered
	// marking survives; anything else becomes available.
	status := gatemap.StatusAvailable
	if g, gerr := c.gates.Gate(gate); gerr == nil && g.Status == gatemap.StatusAvailableFromBuffer {
		status = gatemap.StatusAvailableFromBuffer
	}
	if err := c.gates.SetGateStatus(gate, status, false); err != nil {
		return err
	}
	c.logger.Info("load complete", log.Fields{"gate": gate, "elapsed": time.Since(start).Round(time.Millisecond)})
	return nil
}

// loadLegs runs each missing leg in ladder order, reporting the total
// commanded and encoder-measured distances for statistics.
func (c *Controller) loadLegs(ctx context.Context) (commanded, measured float64, err error) {
	enc := c.sensors.Encoder()
	var baseline float64
	if enc != nil {
		baseline = enc.TotalDistance()
	}

	if c.state.Position() < state.StartBowden {
		err = c.withRetries("load_gate", func() error {
			moved, err := c.homeToGate(ctx)
			if err == nil {
				commanded += moved
				c.state.SetPosition(state.StartBowden)
			}
			return err
		})
		if err != nil {
			return commanded, c.measuredSince(enc, baseline), err
		}
	}

	if c.state.Position() < state.EndBowden {
		moved, err := c.loadBowden(ctx)
		commanded += moved
		if err != nil {
			return commanded, c.measuredSince(enc, baseline), err
		}
	}

	if c.state.Position() < state.HomedExtruder {
		err = c.withRetries("home_extruder", func() error {
			moved, err := c.homeExtruderLeg(ctx)
			if err == nil {
				commanded += moved
			}
			return err
		})
		if err != nil {
			return commanded, c.measuredSince(enc, baseline), err
		}
	}

	if c.state.Position() < state.Loaded {
		moved, err := c.loadExtruder(ctx)
		commanded += moved
		if err != nil {
			return commanded, c.measuredSince(enc, baseline), err
		}
	}
	return commanded, c.measuredSince(enc, baseline), nil
}

func (c *Controller) measuredSince(enc *sensor.Encoder, baseline float64) float64 {
	if enc == nil {
		return 0
	}
	return enc.TotalDistance() - baseline
}

// loadBowden runs the fast bowden transit in segments, cross-checking
// each against the encoder and issuing a correction move when slippage
// stays inside the configured tolerance.
func (c *Controller) loadBowden(ctx context.Context) (float64, error) {
	length, _ := c.profile.Bowden()
	if length <= 0 {
		return 0, errors.ConfigError("bowden length not calibrated")
	}
	segments := c.cfg.BowdenNumMoves
	if segments < 1 {
		segments = 1
	}
	seg := length / float64(segments)
	enc := c.sensors.Encoder()

	var total float64
	for i := 0; i < segments; i++ {
		err := c.withRetries("load_bowden", func() error {
			if enc != nil {
				enc.Reset()
			}
			moved, err := c.motion.Move(ctx, c.gearSet(), seg, c.cfg.GearLoadSpeed, c.cfg.MaxAccel)
			if err != nil {
				return err
			}
			total += moved
			c.state.AddDistance(moved)

			if err := c.crossCheck(seg); err != nil {
				deficit := seg - enc.Distance()/c.profile.GateRatio(c.Gate())
				if c.cfg.BowdenApplyCorrection && deficit > 0 && deficit <= c.cfg.BowdenLoadTolerance {
					c.logger.Debug("correcting bowden slippage", log.Fields{"deficit": deficit})
					corrected, cerr := c.motion.Move(ctx, c.gearSet(), deficit, c.cfg.GearShortMoveSpeed, c.cfg.MaxAccel)
					total += corrected
					return cerr
				}
				return err
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	c.state.SetPosition(state.EndBowden)
	return total, nil
}

// homeExtruderLeg finds the extruder entry after the bowden transit.
func (c *Controller) homeExtruderLeg(ctx context.Context) (float64, error) {
	moved, err := c.HomeToExtruder(ctx, c.cfg.ExtruderHomingMax)
	if err != nil {
		return moved, err
	}
	if c.sensors.Has(config.SensorExtruderEntry) {
		c.state.SetPosition(state.ExtruderEntry)
	} else {
		c.state.SetPosition(state.HomedExtruder)
	}
	return moved, nil
}

// loadExtruder pushes the filament through the extruder to the nozzle,
// synchronizing the extruder motor with the gear.
func (c *Controller) loadExtruder(ctx context.Context) (float64, error) {
	prev := c.state.SetAction(state.LoadingExtruder)
	defer c.state.SetAction(prev)

	var total float64
	if c.sensors.Has(config.SensorToolhead) {
		res, err := c.motion.HomingMove(ctx, c.syncedSet(), c.cfg.ToolheadHomingMax,
			c.cfg.ExtruderLoadSpeed, c.cfg.MaxAccel, EndstopToolhead, motion.Forward)
		total += res.Moved
		if err != nil {
			return total, err
		}
		c.state.SetPosition(state.HomedToolheadSensor)

		moved, err := c.motion.Move(ctx, c.syncedSet(), c.cfg.ToolheadSensorToNozzle,
			c.cfg.ExtruderLoadSpeed, c.cfg.MaxAccel)
		total += moved
		if err != nil {
			return total, err
		}
	} else {
		c.state.SetPosition(state.InExtruder)
		moved, err := c.motion.Move(ctx, c.syncedSet(), c.cfg.ToolheadExtruderToNozzle,
			c.cfg.ExtruderLoadSpeed, c.cfg.MaxAccel)
		total += moved
		if err != nil {
			return total, err
		}
	}
	c.state.SetPosition(state.Loaded)
	return total, nil
}
