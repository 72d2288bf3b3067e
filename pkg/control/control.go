// MMU transport controller
//
// Owns the filament journey: gate selection, the load and unload
// sequences, tool changes, runout handling, and the error escalation
// policy. Exactly one operation runs at a time; concurrent requests are
// rejected with a Busy error rather than queued.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"
	"sync"
	"time"

	"mmu-go/pkg/calibrate"
	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/gatemap"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/persist"
	"mmu-go/pkg/sensor"
	"mmu-go/pkg/state"
	"mmu-go/pkg/stats"
)

// Actuator and endstop names the controller drives. The daemon
// registers backends under these names.
const (
	ActuatorGear     = "gear"
	ActuatorSelector = "selector"
	ActuatorExtruder = "extruder"

	EndstopGate          = "gate"
	EndstopExtruderEntry = "extruder_entry"
	EndstopToolhead      = "toolhead"
	EndstopSelectorHome  = "selector_home"
	EndstopSelectorTouch = "selector_touch"
)

// TipFormer shapes the filament tip before the extruder is evacuated.
// It returns the park position: how far the tip sits from the nozzle
// when it is done.
type TipFormer interface {
	FormTip(ctx context.Context) (float64, error)
}

// Controller coordinates the transport. All exported operations are
// safe for concurrent use; a second operation arriving while one runs
// fails fast with Busy.
type Controller struct {
	cfg     *config.MMU
	motion  *motion.Controller
	sensors *sensor.Manager
	state   *state.Context
	gates   *gatemap.Map
	profile *calibrate.Profile
	tracker *stats.Tracker
	store   persist.Store
	tip     TipFormer
	logger  *log.Logger

	mu          sync.Mutex
	op          string // in-flight operation, "" when idle
	paused      bool
	pauseReason error
	pauseStart  time.Time
	printActive bool

	gate int // selected gate, -1 unknown
	tool int // active tool, -1 unknown

	// Per-tool M220/M221-style multipliers, recorded while a tool is
	// active and restored whenever that tool becomes active again.
	toolSpeed     []float64
	toolExtrusion []float64

	selectorPos   float64
	selectorHomed bool
	bypassActive  bool

	calibrator *calibrate.Calibrator
}

// New wires a controller. The tip former may be nil, in which case a
// standalone ramming sequence on the extruder is used.
func New(cfg *config.MMU, mc *motion.Controller, sensors *sensor.Manager, st *state.Context,
	gates *gatemap.Map, profile *calibrate.Profile, tracker *stats.Tracker,
	store persist.Store, tip TipFormer) *Controller {
	c := &Controller{
		cfg:           cfg,
		motion:        mc,
		sensors:       sensors,
		state:         st,
		gates:         gates,
		profile:       profile,
		tracker:       tracker,
		store:         store,
		tip:           tip,
		logger:        log.Component("control"),
		gate:          -1,
		tool:          -1,
		toolSpeed:     make([]float64, cfg.NumGates),
		toolExtrusion: make([]float64, cfg.NumGates),
	}
	for i := 0; i < cfg.NumGates; i++ {
		c.toolSpeed[i] = 1.0
		c.toolExtrusion[i] = 1.0
	}
	if c.tip == nil {
		c.tip = &standaloneTip{motion: mc, cfg: cfg}
	}
	return c
}

// begin claims the single operation slot. The returned release func
// must be called when the operation finishes; it also flushes the
// store so anything the operation persisted becomes durable.
func (c *Controller) begin(op string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op != "" {
		return nil, errors.BusyError(c.op)
	}
	if c.paused && op != "recover" {
		return nil, errors.PausedError()
	}
	c.op = op
	return func() {
		c.mu.Lock()
		c.op = ""
		c.mu.Unlock()
		c.flush()
	}, nil
}

// flush makes persisted state durable after a mutating command.
func (c *Controller) flush() {
	if c.store == nil {
		return
	}
	if err := c.store.Flush(); err != nil {
		c.logger.Warn("store flush failed", log.Fields{"err": err})
	}
}

// pause latches the paused state after an escalated failure. The
// sequence that escalated marks the filament position Unknown first;
// only Resume (after the operator intervenes) or Recover clears the
// latch.
func (c *Controller) pause(err error) {
	c.mu.Lock()
	already := c.paused
	if !already {
		c.paused = true
		c.pauseReason = err
		c.pauseStart = time.Now()
	}
	c.mu.Unlock()
	if !already {
		c.logger.Error("pausing after failure", log.Fields{"reason": err})
	}
}

// Paused reports whether the unit is paused and why.
func (c *Controller) Paused() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.pauseReason
}

// Resume clears the paused state. The operator is trusted to have
// fixed the physical problem; the filament position stays whatever the
// failed operation left behind.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return nil
	}
	c.paused = false
	elapsed := time.Since(c.pauseStart)
	c.pauseReason = nil
	c.tracker.RecordPause(elapsed)
	c.logger.Info("resumed", log.Fields{"paused_for": elapsed.Round(time.Second)})
	return nil
}

// Gate returns the currently selected gate, -1 when unknown.
func (c *Controller) Gate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// Tool returns the active tool, -1 when unknown.
func (c *Controller) Tool() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tool
}

// Status is a point-in-time summary for remote clients.
type Status struct {
	Tool          int            `json:"tool"`
	Gate          int            `json:"gate"`
	Position      string         `json:"filament_pos"`
	Action        string         `json:"action"`
	Paused        bool           `json:"paused"`
	Reason        string         `json:"pause_reason,omitempty"`
	Bypass        bool           `json:"bypass"`
	SpeedMult     float64        `json:"speed_multiplier"`
	ExtrusionMult float64        `json:"extrusion_multiplier"`
	Gates         []gatemap.Gate `json:"gates"`
	TTG           []int          `json:"ttg_map"`
}

// Status assembles the summary reported over the notification socket.
func (c *Controller) Status() Status {
	snap := c.state.Snapshot()
	c.mu.Lock()
	st := Status{
		Tool:          c.tool,
		Gate:          c.gate,
		Position:      snap.Position.String(),
		Action:        snap.Action.String(),
		Paused:        c.paused,
		Bypass:        c.bypassActive,
		SpeedMult:     1.0,
		ExtrusionMult: 1.0,
	}
	if c.tool >= 0 && c.tool < len(c.toolSpeed) {
		st.SpeedMult = c.toolSpeed[c.tool]
		st.ExtrusionMult = c.toolExtrusion[c.tool]
	}
	if c.pauseReason != nil {
		st.Reason = c.pauseReason.Error()
	}
	c.mu.Unlock()
	st.Gates = c.gates.Gates()
	st.TTG = c.gates.TTGMap()
	return st
}

// withRetries runs fn, retrying retryable failures with unchanged
// parameters before giving up.
func (c *Controller) withRetries(op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt >= c.cfg.MoveRetries {
			return err
		}
		c.logger.Warn("retrying after failure", log.Fields{"op": op, "attempt": attempt + 1, "err": err})
	}
}

// gearSet returns the actuator set for bowden moves: the gear alone.
func (c *Controller) gearSet() motion.ActuatorSet {
	return motion.Single(ActuatorGear)
}

// syncedSet returns gear plus extruder for moves through the melt zone.
func (c *Controller) syncedSet() motion.ActuatorSet {
	return motion.Synced(ActuatorGear, ActuatorExtruder)
}

// MoveGear is the primitive gear move used by calibration and manual
// jogging. The caller owns the operation guard.
func (c *Controller) MoveGear(ctx context.Context, dist, speed float64) (float64, error) {
	return c.motion.Move(ctx, c.gearSet(), dist, speed, c.cfg.MaxAccel)
}

// Jog feeds or retracts filament by hand, guarded.
func (c *Controller) Jog(ctx context.Context, dist float64) (float64, error) {
	release, err := c.begin("jog")
	if err != nil {
		return 0, err
	}
	defer release()
	return c.MoveGear(ctx, dist, c.cfg.GearShortMoveSpeed)
}

// SetGateStatus records an operator gate-status override.
func (c *Controller) SetGateStatus(gate int, status gatemap.Status) error {
	if err := c.gates.SetGateStatus(gate, status, true); err != nil {
		return err
	}
	c.flush()
	return nil
}

// RemapTool points a tool at a gate.
func (c *Controller) RemapTool(tool, gate int) error {
	if err := c.gates.Remap(tool, gate); err != nil {
		return err
	}
	c.flush()
	return nil
}

// SetPrintActive records whether a print is in progress. Calibration
// is refused while printing.
func (c *Controller) SetPrintActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printActive = active
}

// PrintActive reports whether a print is in progress.
func (c *Controller) PrintActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.printActive
}

// SetToolOverride records the speed and extrusion multipliers for a
// tool. Zero leaves the respective multiplier unchanged.
func (c *Controller) SetToolOverride(tool int, speed, extrusion float64) error {
	if tool < 0 || tool >= c.cfg.NumGates {
		return errors.ConfigError("tool %d outside 0..%d", tool, c.cfg.NumGates-1).SetTool(tool)
	}
	if speed < 0 || extrusion < 0 {
		return errors.ConfigError("multipliers must not be negative").SetTool(tool)
	}
	c.mu.Lock()
	if speed > 0 {
		c.toolSpeed[tool] = speed
	}
	if extrusion > 0 {
		c.toolExtrusion[tool] = extrusion
	}
	c.mu.Unlock()
	c.logger.Debug("tool override recorded", log.Fields{"tool": tool, "speed": speed, "extrusion": extrusion})
	return nil
}

// ToolOverride returns the recorded multipliers for a tool.
func (c *Controller) ToolOverride(tool int) (speed, extrusion float64, err error) {
	if tool < 0 || tool >= c.cfg.NumGates {
		return 0, 0, errors.ConfigError("tool %d outside 0..%d", tool, c.cfg.NumGates-1).SetTool(tool)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolSpeed[tool], c.toolExtrusion[tool], nil
}

// restoreToolOverride surfaces the multipliers of the newly active
// tool. Callers hold no lock.
func (c *Controller) restoreToolOverride(tool int) {
	c.mu.Lock()
	speed := c.toolSpeed[tool]
	extrusion := c.toolExtrusion[tool]
	c.mu.Unlock()
	if speed != 1.0 || extrusion != 1.0 {
		c.logger.Info("tool overrides restored", log.Fields{"tool": tool, "speed": speed, "extrusion": extrusion})
	}
}
