// Calibration profile
//
// The profile gathers every calibrated value the transport depends on.
// Each calibration routine updates its own slice of the profile and
// persists only its own keys, so partial calibration survives restarts.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibrate

import (
	"fmt"
	"sync"

	"mmu-go/pkg/persist"
)

// DefaultGearRotationDistance is the nominal gear rotation distance
// before the first gear calibration.
const DefaultGearRotationDistance = 22.936

// Profile holds the calibrated values. Zero/nil fields mean the
// corresponding routine has not run yet.
type Profile struct {
	mu sync.Mutex

	GearRotationDistance float64
	EncoderResolution    float64 // mm per count
	BowdenLength         float64
	ClogLength           float64
	SelectorOffsets      []float64
	SelectorBypass       float64
	GateRatios           []float64
}

// LoadProfile reads the persisted calibration state.
func LoadProfile(store persist.Store, numGates int) (*Profile, error) {
	p := &Profile{GearRotationDistance: DefaultGearRotationDistance}

	if _, err := persist.GetJSON(store, persist.KeyGearRotationDist, &p.GearRotationDistance); err != nil {
		return nil, err
	}
	if _, err := persist.GetJSON(store, persist.KeyEncoderResolution, &p.EncoderResolution); err != nil {
		return nil, err
	}
	if _, err := persist.GetJSON(store, persist.KeyBowdenLength, &p.BowdenLength); err != nil {
		return nil, err
	}
	if _, err := persist.GetJSON(store, persist.KeyClogLength, &p.ClogLength); err != nil {
		return nil, err
	}

	var offsets []float64
	if ok, err := persist.GetJSON(store, persist.KeySelectorOffsets, &offsets); err != nil {
		return nil, err
	} else if ok && len(offsets) == numGates {
		p.SelectorOffsets = offsets
	}
	if _, err := persist.GetJSON(store, persist.KeySelectorBypass, &p.SelectorBypass); err != nil {
		return nil, err
	}

	var ratios []float64
	if ok, err := persist.GetJSON(store, persist.KeyGateRatios, &ratios); err != nil {
		return nil, err
	} else if ok && len(ratios) == numGates {
		p.GateRatios = ratios
	}
	return p, nil
}

// Complete reports whether the minimum calibration for printing exists:
// bowden length plus selector offsets. Encoder resolution is required
// only when the installation has an encoder; the caller knows that.
func (p *Profile) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BowdenLength > 0 && len(p.SelectorOffsets) > 0
}

// GateRatio returns the flow ratio for a gate, defaulting to 1.0 for
// uncalibrated gates.
func (p *Profile) GateRatio(gate int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gate < 0 || gate >= len(p.GateRatios) || p.GateRatios[gate] <= 0 {
		return 1.0
	}
	return p.GateRatios[gate]
}

// SelectorOffset returns the selector position of a gate and whether it
// is calibrated.
func (p *Profile) SelectorOffset(gate int) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gate < 0 || gate >= len(p.SelectorOffsets) {
		return 0, false
	}
	return p.SelectorOffsets[gate], true
}

// Bowden returns the calibrated bowden and clog detection lengths,
// zero when uncalibrated.
func (p *Profile) Bowden() (length, clog float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BowdenLength, p.ClogLength
}

// Bypass returns the calibrated bypass offset, 0 when uncalibrated.
func (p *Profile) Bypass() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SelectorBypass
}

// String renders the profile for the console status report.
func (p *Profile) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("rotation_distance=%.3f encoder_resolution=%.4f bowden=%.1fmm clog=%.1fmm gates=%d/%d",
		p.GearRotationDistance, p.EncoderResolution, p.BowdenLength, p.ClogLength,
		len(p.SelectorOffsets), len(p.GateRatios))
}
