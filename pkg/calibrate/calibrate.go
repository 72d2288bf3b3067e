// Calibration routines
//
// Each routine drives the transport through the Rig interface, measures
// with the encoder, reports sample statistics, and (when asked to save)
// updates the profile and persists its keys. Routines leave the
// filament parked at the gate on success and report the position as
// unknown to the caller on failure.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibrate

import (
	"context"
	"math"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/persist"
	"mmu-go/pkg/sensor"
)

// Gate ratios outside this band indicate a mis-measurement and are
// rejected rather than saved.
const (
	minGateRatio = 0.8
	maxGateRatio = 1.2
)

// Rig is the slice of the transport the calibration routines drive.
type Rig interface {
	// SelectGate positions the selector at a gate with filament parked.
	SelectGate(ctx context.Context, gate int) error

	// MoveGear feeds (positive) or retracts (negative) filament.
	MoveGear(ctx context.Context, dist, speed float64) (float64, error)

	// HomeToExtruder advances from the gate until the extruder entry is
	// found, returning the distance traveled.
	HomeToExtruder(ctx context.Context, maxDist float64) (float64, error)

	// ReleaseFilament backs off after a homing contact and returns the
	// encoder-measured springback in mm. Zero springback means the pass
	// never made real contact.
	ReleaseFilament(ctx context.Context) (float64, error)

	// UnloadBowden retracts the filament back to the gate park position.
	UnloadBowden(ctx context.Context, length float64) (float64, error)

	// HomeSelector homes the selector to its zero endstop.
	HomeSelector(ctx context.Context) error

	// TouchSelector moves the selector until it touches the far end,
	// returning the travel from the zero endstop.
	TouchSelector(ctx context.Context, maxDist float64) (float64, error)
}

// Calibrator runs the calibration routines against a Rig.
type Calibrator struct {
	cfg     *config.MMU
	sensors *sensor.Manager
	store   persist.Store
	profile *Profile
	rig     Rig
	logger  *log.Logger
}

// NewCalibrator wires a calibrator over an existing profile.
func NewCalibrator(cfg *config.MMU, sensors *sensor.Manager, store persist.Store, profile *Profile, rig Rig) *Calibrator {
	return &Calibrator{
		cfg:     cfg,
		sensors: sensors,
		store:   store,
		profile: profile,
		rig:     rig,
		logger:  log.Component("calibrate"),
	}
}

// Profile returns the profile the calibrator updates.
func (c *Calibrator) Profile() *Profile {
	return c.profile
}

// EncoderResult is the outcome of an encoder calibration run.
type EncoderResult struct {
	Samples    []float64   // counts per pass, forward and reverse interleaved
	Stats      SampleStats // pooled
	Forward    SampleStats
	Reverse    SampleStats
	Resolution float64 // mm per count
	Saved      bool
}

// Encoder measures the encoder resolution: feed length mm forward then
// back, repeats times, counting pulses each pass. Resolution is
// length divided by the mean count. Saving updates the live encoder.
func (c *Calibrator) Encoder(ctx context.Context, length float64, repeats int, save bool) (*EncoderResult, error) {
	enc := c.sensors.Encoder()
	if enc == nil {
		return nil, errors.ConfigError("encoder calibration requires an encoder")
	}
	if length <= 0 {
		return nil, errors.ConfigError("calibration length %.1f must be positive", length)
	}
	if repeats < 1 {
		repeats = 1
	}

	var samples, fwd, rev []float64
	for i := 0; i < repeats; i++ {
		enc.Reset()
		if _, err := c.rig.MoveGear(ctx, length, c.cfg.GearShortMoveSpeed); err != nil {
			return nil, err
		}
		fwd = append(fwd, float64(enc.Counts()))
		samples = append(samples, float64(enc.Counts()))

		enc.Reset()
		if _, err := c.rig.MoveGear(ctx, -length, c.cfg.GearShortMoveSpeed); err != nil {
			return nil, err
		}
		rev = append(rev, float64(enc.Counts()))
		samples = append(samples, float64(enc.Counts()))
	}

	st := Compute(samples)
	if st.Mean <= 0 {
		return nil, errors.Newf(errors.ErrMovementMismatch, "encoder recorded no counts over %.1fmm", length)
	}
	res := length / st.Mean
	fwdSt := Compute(fwd)
	revSt := Compute(rev)

	if st.Stdev > c.cfg.EncoderStdevWarn {
		c.logger.Warn("encoder samples are noisy", log.Fields{"stdev": st.Stdev, "range": st.Range})
	}
	if fwdSt.Mean > 0 && revSt.Mean > 0 && math.Abs(fwdSt.Mean-revSt.Mean) > c.cfg.EncoderStdevWarn {
		c.logger.Warn("forward and reverse counts disagree", log.Fields{"forward": fwdSt.Mean, "reverse": revSt.Mean})
	}
	if old := enc.Resolution(); old > 0 && math.Abs(res-old)/old > 0.20 {
		c.logger.Warn("resolution drifted from previous calibration", log.Fields{"old": old, "new": res})
	}

	if save {
		enc.SetResolution(res)
		c.profile.mu.Lock()
		c.profile.EncoderResolution = res
		c.profile.mu.Unlock()
		if err := persist.PutJSON(c.store, persist.KeyEncoderResolution, res); err != nil {
			return nil, err
		}
	}
	c.logger.Info("encoder calibrated", log.Fields{"mean": st.Mean, "stdev": st.Stdev, "resolution": res, "saved": save})
	return &EncoderResult{Samples: samples, Stats: st, Forward: fwdSt, Reverse: revSt, Resolution: res, Saved: save}, nil
}

// Gear derives a corrected gear rotation distance from an operator
// measurement: commanded length vs filament actually fed.
func (c *Calibrator) Gear(length, measured float64, save bool) (float64, error) {
	if length <= 0 || measured <= 0 {
		return 0, errors.ConfigError("gear calibration needs positive length and measured values")
	}
	ratio := measured / length
	if ratio < minGateRatio || ratio > maxGateRatio {
		return 0, errors.ConfigError("measured/commanded ratio %.3f outside %.1f..%.1f, re-measure", ratio, minGateRatio, maxGateRatio)
	}

	c.profile.mu.Lock()
	current := c.profile.GearRotationDistance
	if current <= 0 {
		current = DefaultGearRotationDistance
	}
	newDist := current * ratio
	var bowden, clog float64
	if save {
		c.profile.GearRotationDistance = newDist
		// The bowden length is stored in commanded mm; rescale it so the
		// calibrated physical length survives the rotation change.
		if c.profile.BowdenLength > 0 {
			c.profile.BowdenLength /= ratio
			c.profile.ClogLength /= ratio
			bowden = c.profile.BowdenLength
			clog = c.profile.ClogLength
		}
	}
	c.profile.mu.Unlock()

	if save {
		if err := persist.PutJSON(c.store, persist.KeyGearRotationDist, newDist); err != nil {
			return 0, err
		}
		if bowden > 0 {
			if err := persist.PutJSON(c.store, persist.KeyBowdenLength, bowden); err != nil {
				return 0, err
			}
			if err := persist.PutJSON(c.store, persist.KeyClogLength, clog); err != nil {
				return 0, err
			}
		}
	}
	c.logger.Info("gear calibrated", log.Fields{"rotation_distance": newDist, "ratio": ratio, "saved": save})
	return newDist, nil
}

// BowdenResult is the outcome of a bowden length calibration run.
type BowdenResult struct {
	Samples    []float64
	Discarded  int // passes rejected for missing springback
	Stats      SampleStats
	Length     float64
	Spring     float64 // largest springback observed
	ClogLength float64
	Saved      bool
}

// Bowden measures the gate-to-extruder bowden length by homing to the
// extruder repeatedly. Each pass releases the grip and measures the
// springback; a pass with none never made real contact and is
// discarded before averaging. The clog detection length is derived
// from the average plus the largest observed springback.
func (c *Calibrator) Bowden(ctx context.Context, approxLength float64, repeats int, save bool) (*BowdenResult, error) {
	if !c.sensors.HasEncoder() {
		return nil, errors.ConfigError("bowden calibration requires an encoder")
	}
	if approxLength <= 0 {
		return nil, errors.ConfigError("approximate bowden length %.1f must be positive", approxLength)
	}
	if repeats < 1 {
		repeats = 1
	}

	maxDist := approxLength * 1.5
	var samples []float64
	var maxSpring float64
	discarded := 0
	for i := 0; i < repeats; i++ {
		measured, err := c.rig.HomeToExtruder(ctx, maxDist)
		if err != nil {
			c.parkAfterFailure(ctx, maxDist)
			return nil, err
		}
		spring, err := c.rig.ReleaseFilament(ctx)
		if err != nil {
			c.parkAfterFailure(ctx, maxDist)
			return nil, err
		}
		if _, err := c.rig.UnloadBowden(ctx, measured); err != nil {
			return nil, err
		}
		if spring <= 0 {
			c.logger.Warn("pass made no extruder contact, discarded", log.Fields{"pass": i, "measured": measured})
			discarded++
			continue
		}
		samples = append(samples, measured)
		if spring > maxSpring {
			maxSpring = spring
		}
	}
	if len(samples) == 0 {
		return nil, errors.Newf(errors.ErrMovementMismatch,
			"no pass made extruder contact (%d discarded)", discarded)
	}

	st := Compute(samples)
	length := st.Mean
	clog := math.Max(0.02*length, 8.0) + maxSpring*c.cfg.ClogLengthFactor

	if save {
		c.profile.mu.Lock()
		c.profile.BowdenLength = length
		c.profile.ClogLength = clog
		c.profile.mu.Unlock()
		if err := persist.PutJSON(c.store, persist.KeyBowdenLength, length); err != nil {
			return nil, err
		}
		if err := persist.PutJSON(c.store, persist.KeyClogLength, clog); err != nil {
			return nil, err
		}
	}
	c.logger.Info("bowden calibrated", log.Fields{"length": length, "spring": maxSpring, "clog": clog, "discarded": discarded, "saved": save})
	return &BowdenResult{Samples: samples, Discarded: discarded, Stats: st, Length: length, Spring: maxSpring, ClogLength: clog, Saved: save}, nil
}

// parkAfterFailure retracts whatever may be in the bowden so a failed
// routine still leaves the filament parked at the gate.
func (c *Calibrator) parkAfterFailure(ctx context.Context, length float64) {
	if _, err := c.rig.UnloadBowden(ctx, length); err != nil {
		c.logger.Error("post-failure park failed, filament position unknown", log.Fields{"err": err})
	}
}

// SelectorResult is the outcome of an automatic selector calibration.
type SelectorResult struct {
	Travel    float64
	GateWidth float64
	Offsets   []float64
	Bypass    float64
	Saved     bool
}

// SelectorAuto homes the selector to both extremes and derives every
// gate offset from the measured travel and the unit geometry.
func (c *Calibrator) SelectorAuto(ctx context.Context, save bool) (*SelectorResult, error) {
	n := c.cfg.NumGates
	if n > c.cfg.CalMaxGates {
		return nil, errors.ConfigError("%d gates exceeds cal_max_gates %d", n, c.cfg.CalMaxGates)
	}

	if err := c.rig.HomeSelector(ctx); err != nil {
		return nil, err
	}
	expected := c.cfg.CadGate0Pos + float64(n-1)*c.cfg.CadGateWidth + c.cfg.CadLastGateOffset
	travel, err := c.rig.TouchSelector(ctx, expected*1.1+10)
	if err != nil {
		return nil, err
	}
	if travel <= c.cfg.CadGate0Pos {
		return nil, errors.ConfigError("selector travel %.1fmm shorter than gate 0 position %.1fmm", travel, c.cfg.CadGate0Pos)
	}

	width := c.cfg.CadGateWidth
	if n > 1 {
		width = (travel - c.cfg.CadGate0Pos - c.cfg.CadLastGateOffset) / float64(n-1)
	}
	if math.Abs(travel-expected) > c.cfg.CalTolerance {
		c.logger.Warn("selector travel deviates from CAD geometry", log.Fields{"travel": travel, "expected": expected})
	}

	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = c.cfg.CadGate0Pos + float64(i)*width
	}
	bypass := 0.0
	if c.cfg.CadBypassOffset != 0 {
		bypass = travel + c.cfg.CadBypassOffset
	}

	if save {
		c.profile.mu.Lock()
		c.profile.SelectorOffsets = offsets
		c.profile.SelectorBypass = bypass
		c.profile.mu.Unlock()
		if err := persist.PutJSON(c.store, persist.KeySelectorOffsets, offsets); err != nil {
			return nil, err
		}
		if err := persist.PutJSON(c.store, persist.KeySelectorBypass, bypass); err != nil {
			return nil, err
		}
	}
	c.logger.Info("selector calibrated", log.Fields{"travel": travel, "gate_width": width, "saved": save})
	return &SelectorResult{Travel: travel, GateWidth: width, Offsets: offsets, Bypass: bypass, Saved: save}, nil
}

// Selector records a manually measured selector position for one gate.
func (c *Calibrator) Selector(gate int, position float64, save bool) error {
	if gate < 0 || gate >= c.cfg.NumGates {
		return errors.ConfigError("gate %d outside 0..%d", gate, c.cfg.NumGates-1)
	}
	if position <= 0 {
		return errors.ConfigError("selector position %.1f must be positive", position)
	}
	if !save {
		return nil
	}
	c.profile.mu.Lock()
	if len(c.profile.SelectorOffsets) != c.cfg.NumGates {
		c.profile.SelectorOffsets = make([]float64, c.cfg.NumGates)
	}
	c.profile.SelectorOffsets[gate] = position
	offsets := append([]float64(nil), c.profile.SelectorOffsets...)
	c.profile.mu.Unlock()
	return persist.PutJSON(c.store, persist.KeySelectorOffsets, offsets)
}

// GatesResult is the outcome of a per-gate flow ratio calibration.
type GatesResult struct {
	Ratios map[int]float64
	Saved  bool
}

// Gates measures the encoder flow ratio of each listed gate: feed a
// fixed length, compare measured to commanded. Ratios outside the
// plausible band are rejected per gate and left uncalibrated.
func (c *Calibrator) Gates(ctx context.Context, gates []int, length float64, repeats int, save bool) (*GatesResult, error) {
	enc := c.sensors.Encoder()
	if enc == nil {
		return nil, errors.ConfigError("gate calibration requires an encoder")
	}
	if length <= 0 {
		return nil, errors.ConfigError("calibration length %.1f must be positive", length)
	}
	if repeats < 1 {
		repeats = 1
	}
	for _, g := range gates {
		if g < 0 || g >= c.cfg.NumGates {
			return nil, errors.ConfigError("gate %d outside 0..%d", g, c.cfg.NumGates-1)
		}
	}

	result := &GatesResult{Ratios: make(map[int]float64), Saved: save}
	for _, g := range gates {
		if err := c.rig.SelectGate(ctx, g); err != nil {
			return nil, err
		}
		var samples []float64
		for i := 0; i < repeats; i++ {
			enc.Reset()
			if _, err := c.rig.MoveGear(ctx, length, c.cfg.GearShortMoveSpeed); err != nil {
				// Whatever was fed must come back out before we stop.
				if _, rerr := c.rig.MoveGear(ctx, -length, c.cfg.GearShortMoveSpeed); rerr != nil {
					c.logger.Error("post-failure retract failed, filament position unknown", log.Fields{"err": rerr})
				}
				return nil, err
			}
			samples = append(samples, enc.Distance())
			if _, err := c.rig.MoveGear(ctx, -length, c.cfg.GearShortMoveSpeed); err != nil {
				return nil, err
			}
		}
		st := Compute(samples)
		ratio := st.Mean / length
		if ratio < minGateRatio || ratio > maxGateRatio {
			c.logger.Warn("gate ratio implausible, not saved", log.Fields{"gate": g, "ratio": ratio})
			continue
		}
		result.Ratios[g] = ratio
	}

	if save && len(result.Ratios) > 0 {
		c.profile.mu.Lock()
		if len(c.profile.GateRatios) != c.cfg.NumGates {
			c.profile.GateRatios = make([]float64, c.cfg.NumGates)
		}
		for g, r := range result.Ratios {
			c.profile.GateRatios[g] = r
		}
		ratios := append([]float64(nil), c.profile.GateRatios...)
		c.profile.mu.Unlock()
		if err := persist.PutJSON(c.store, persist.KeyGateRatios, ratios); err != nil {
			return nil, err
		}
	}
	return result, nil
}
