// Swap and gate statistics
//
// Tracks lifetime counters (tool changes, failures, pauses, time spent
// in each phase) plus per-gate load quality derived from encoder
// feedback. Counters persist across restarts and render in Prometheus
// text format for scraping.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"mmu-go/pkg/persist"
)

// qualityWeight is the EWMA weight of the newest load sample.
const qualityWeight = 0.25

// Totals are the lifetime counters.
type Totals struct {
	ToolChanges    uint64        `json:"tool_changes"`
	Loads          uint64        `json:"loads"`
	Unloads        uint64        `json:"unloads"`
	Failures       uint64        `json:"failures"`
	Pauses         uint64        `json:"pauses"`
	Runouts        uint64        `json:"runouts"`
	TimeLoading    time.Duration `json:"time_loading"`
	TimeUnloading  time.Duration `json:"time_unloading"`
	TimePaused     time.Duration `json:"time_paused"`
}

// GateTotals are the per-gate counters and quality estimate.
type GateTotals struct {
	Loads    uint64 `json:"loads"`
	Failures uint64 `json:"failures"`

	// SlippageMM accumulates commanded-minus-measured over all loads.
	SlippageMM float64 `json:"slippage_mm"`

	// Quality is an exponentially weighted load accuracy in 0..1,
	// negative until the first sample arrives.
	Quality float64 `json:"quality"`
}

// Tracker accumulates statistics and persists them through the store.
type Tracker struct {
	mu     sync.Mutex
	totals Totals
	gates  []GateTotals
	store  persist.Store
}

// NewTracker restores persisted statistics for numGates gates.
func NewTracker(store persist.Store, numGates int) (*Tracker, error) {
	t := &Tracker{
		gates: make([]GateTotals, numGates),
		store: store,
	}
	for i := range t.gates {
		t.gates[i].Quality = -1
	}
	if _, err := persist.GetJSON(store, persist.KeyStatistics, &t.totals); err != nil {
		return nil, err
	}
	var gates []GateTotals
	if ok, err := persist.GetJSON(store, persist.KeyGateStatistics, &gates); err != nil {
		return nil, err
	} else if ok && len(gates) == numGates {
		t.gates = gates
	}
	return t, nil
}

func (t *Tracker) save() error {
	if err := persist.PutJSON(t.store, persist.KeyStatistics, t.totals); err != nil {
		return err
	}
	return persist.PutJSON(t.store, persist.KeyGateStatistics, t.gates)
}

// RecordLoad records a completed (or failed) load at a gate, with the
// commanded and encoder-measured distances for slippage tracking.
func (t *Tracker) RecordLoad(gate int, commanded, measured float64, elapsed time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.Loads++
	t.totals.TimeLoading += elapsed
	if failed {
		t.totals.Failures++
	}
	if gate < 0 || gate >= len(t.gates) {
		t.save()
		return
	}
	g := &t.gates[gate]
	g.Loads++
	if failed {
		g.Failures++
	}
	if commanded > 0 {
		slip := commanded - measured
		if slip > 0 {
			g.SlippageMM += slip
		}
		q := measured / commanded
		if q > 1 {
			q = 1
		}
		if q < 0 {
			q = 0
		}
		if g.Quality < 0 {
			g.Quality = q
		} else {
			g.Quality = g.Quality*(1-qualityWeight) + q*qualityWeight
		}
	}
	t.save()
}

// RecordUnload records a completed unload.
func (t *Tracker) RecordUnload(elapsed time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.Unloads++
	t.totals.TimeUnloading += elapsed
	if failed {
		t.totals.Failures++
	}
	t.save()
}

// RecordToolChange records a completed tool change.
func (t *Tracker) RecordToolChange() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.ToolChanges++
	t.save()
}

// RecordPause records an error pause and its duration once resolved.
func (t *Tracker) RecordPause(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.Pauses++
	t.totals.TimePaused += elapsed
	t.save()
}

// RecordRunout records a detected filament runout.
func (t *Tracker) RecordRunout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.Runouts++
	t.save()
}

// Totals returns a copy of the lifetime counters.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Gate returns a copy of the per-gate counters.
func (t *Tracker) Gate(gate int) GateTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gate < 0 || gate >= len(t.gates) {
		return GateTotals{Quality: -1}
	}
	return t.gates[gate]
}

// Reset clears all statistics.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals = Totals{}
	for i := range t.gates {
		t.gates[i] = GateTotals{Quality: -1}
	}
	return t.save()
}

// Render emits the counters in Prometheus text format.
func (t *Tracker) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	writeCounter := func(name, help string, v uint64) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	writeCounter("mmu_tool_changes_total", "Completed tool changes", t.totals.ToolChanges)
	writeCounter("mmu_loads_total", "Filament loads", t.totals.Loads)
	writeCounter("mmu_unloads_total", "Filament unloads", t.totals.Unloads)
	writeCounter("mmu_failures_total", "Failed operations", t.totals.Failures)
	writeCounter("mmu_pauses_total", "Error pauses", t.totals.Pauses)
	writeCounter("mmu_runouts_total", "Filament runouts", t.totals.Runouts)

	fmt.Fprintf(&sb, "# HELP mmu_time_loading_seconds Time spent loading\n# TYPE mmu_time_loading_seconds counter\nmmu_time_loading_seconds %g\n", t.totals.TimeLoading.Seconds())
	fmt.Fprintf(&sb, "# HELP mmu_time_unloading_seconds Time spent unloading\n# TYPE mmu_time_unloading_seconds counter\nmmu_time_unloading_seconds %g\n", t.totals.TimeUnloading.Seconds())
	fmt.Fprintf(&sb, "# HELP mmu_time_paused_seconds Time spent paused on errors\n# TYPE mmu_time_paused_seconds counter\nmmu_time_paused_seconds %g\n", t.totals.TimePaused.Seconds())

	sb.WriteString("# HELP mmu_gate_quality Load accuracy per gate (EWMA)\n# TYPE mmu_gate_quality gauge\n")
	for i, g := range t.gates {
		if g.Quality >= 0 {
			fmt.Fprintf(&sb, "mmu_gate_quality{gate=\"%d\"} %g\n", i, g.Quality)
		}
	}
	sb.WriteString("# HELP mmu_gate_slippage_mm Accumulated slippage per gate\n# TYPE mmu_gate_slippage_mm counter\n")
	for i, g := range t.gates {
		fmt.Fprintf(&sb, "mmu_gate_slippage_mm{gate=\"%d\"} %g\n", i, g.SlippageMM)
	}
	return sb.String()
}
