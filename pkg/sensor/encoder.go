// Rotary encoder movement measurement
//
// The encoder counts pulses pushed from the hardware counter callback and
// converts them to filament distance through the calibrated resolution.
// It doubles as an endstop substitute: a run of polls with no new counts
// infers a parked or blocked filament (collision homing, clog detection).
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensor

import "sync"

// Encoder accumulates quadrature counts and reports distance.
type Encoder struct {
	mu sync.Mutex

	resolution float64 // mm per count
	counts     int64   // cumulative since last Reset
	lifetime   int64   // cumulative since power-on, unaffected by Reset

	lastPollCounts  int64
	stationaryPolls int
}

// NewEncoder creates an encoder with the given resolution (mm per count).
func NewEncoder(resolution float64) *Encoder {
	return &Encoder{resolution: resolution}
}

// SetResolution updates the calibrated resolution.
func (e *Encoder) SetResolution(resolution float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolution = resolution
}

// Resolution returns the calibrated resolution.
func (e *Encoder) Resolution() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolution
}

// AddCounts records pulses from the hardware counter. Counts are unsigned
// by nature; direction is known to the caller issuing the move.
func (e *Encoder) AddCounts(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts += n
	e.lifetime += n
}

// TotalDistance returns the distance measured since power-on. Reset
// does not affect it; sequences use it to total a multi-leg journey.
func (e *Encoder) TotalDistance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.lifetime) * e.resolution
}

// Counts returns cumulative counts since the last Reset.
func (e *Encoder) Counts() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Distance returns cumulative measured distance since the last Reset.
func (e *Encoder) Distance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.counts) * e.resolution
}

// Reset zeroes the cumulative counter and the stationary tracker.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = 0
	e.lastPollCounts = 0
	e.stationaryPolls = 0
}

// Poll samples the counter for stationary detection. Returns true when new
// counts arrived since the previous poll.
func (e *Encoder) Poll() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	moved := e.counts != e.lastPollCounts
	e.lastPollCounts = e.counts
	if moved {
		e.stationaryPolls = 0
	} else {
		e.stationaryPolls++
	}
	return moved
}

// StationaryFor reports whether the last k consecutive polls saw no new
// counts, inferring a parked or mechanically blocked filament.
func (e *Encoder) StationaryFor(k int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stationaryPolls >= k
}
