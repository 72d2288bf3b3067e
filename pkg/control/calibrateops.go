// Guarded calibration entry points
//
// The calibrator drives the controller's own primitives, so it is
// attached after construction. These wrappers claim the operation slot
// and surface the calibrating action to observers.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"

	"mmu-go/pkg/calibrate"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/state"
)

// AttachCalibrator wires the calibrator once both sides exist.
func (c *Controller) AttachCalibrator(cal *calibrate.Calibrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibrator = cal
}

func (c *Controller) beginCalibration() (*calibrate.Calibrator, func(), error) {
	release, err := c.begin("calibrate")
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	cal := c.calibrator
	printing := c.printActive
	c.mu.Unlock()
	if printing {
		release()
		return nil, nil, errors.BusyError("print")
	}
	if cal == nil {
		release()
		return nil, nil, errors.ConfigError("no calibrator attached")
	}
	prev := c.state.SetAction(state.Calibrating)
	return cal, func() {
		c.state.SetAction(prev)
		release()
	}, nil
}

// CalibrateEncoder measures the encoder resolution.
func (c *Controller) CalibrateEncoder(ctx context.Context, length float64, repeats int, save bool) (*calibrate.EncoderResult, error) {
	cal, done, err := c.beginCalibration()
	if err != nil {
		return nil, err
	}
	defer done()
	return cal.Encoder(ctx, length, repeats, save)
}

// CalibrateGear derives the gear rotation distance from an operator
// measurement.
func (c *Controller) CalibrateGear(length, measured float64, save bool) (float64, error) {
	cal, done, err := c.beginCalibration()
	if err != nil {
		return 0, err
	}
	defer done()
	return cal.Gear(length, measured, save)
}

// CalibrateBowden measures the bowden length.
func (c *Controller) CalibrateBowden(ctx context.Context, approxLength float64, repeats int, save bool) (*calibrate.BowdenResult, error) {
	cal, done, err := c.beginCalibration()
	if err != nil {
		return nil, err
	}
	defer done()
	return cal.Bowden(ctx, approxLength, repeats, save)
}

// CalibrateSelector derives every selector gate offset automatically.
func (c *Controller) CalibrateSelector(ctx context.Context, save bool) (*calibrate.SelectorResult, error) {
	cal, done, err := c.beginCalibration()
	if err != nil {
		return nil, err
	}
	defer done()
	return cal.SelectorAuto(ctx, save)
}

// CalibrateGates measures per-gate flow ratios.
func (c *Controller) CalibrateGates(ctx context.Context, gates []int, length float64, repeats int, save bool) (*calibrate.GatesResult, error) {
	cal, done, err := c.beginCalibration()
	if err != nil {
		return nil, err
	}
	defer done()
	return cal.Gates(ctx, gates, length, repeats, save)
}
