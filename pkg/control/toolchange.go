// Tool changes and runout handling
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"

	"mmu-go/pkg/log"
	"mmu-go/pkg/state"
)

// ChangeTool swaps to the given logical tool: unload the current
// filament if any, select the tool's gate, and load. A change to the
// tool already active and loaded is a no-op.
func (c *Controller) ChangeTool(ctx context.Context, tool int) error {
	release, err := c.begin("change_tool")
	if err != nil {
		return err
	}
	defer release()

	gate, err := c.gates.Resolve(tool)
	if err != nil {
		return err
	}

	if c.Tool() == tool && c.Gate() == gate && c.state.Position() == state.Loaded {
		c.logger.Debug("tool already active", log.Fields{"tool": tool})
		return nil
	}
	c.logger.Info("tool change", log.Fields{"tool": tool, "gate": gate})

	if c.state.Position() != state.Unloaded {
		if err := c.unload(ctx); err != nil {
			return err
		}
	}
	if err := c.SelectGate(ctx, gate); err != nil {
		return err
	}
	if err := c.load(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.tool = tool
	c.mu.Unlock()
	c.restoreToolOverride(tool)
	c.tracker.RecordToolChange()
	return nil
}

// HandleRunout reacts to a filament runout on the active gate: eject
// the remainder, rotate to the next spool in the EndlessSpool group,
// and reload so the print continues. Without EndlessSpool (or with the
// group exhausted) the unit pauses for the operator.
func (c *Controller) HandleRunout(ctx context.Context) error {
	release, err := c.begin("runout")
	if err != nil {
		return err
	}
	defer release()

	c.tracker.RecordRunout()
	gate := c.Gate()
	c.logger.Warn("filament runout", log.Fields{"gate": gate})

	if c.state.Position() != state.Unloaded {
		if err := c.unload(ctx); err != nil {
			return err
		}
	}

	next, err := c.gates.HandleRunout(gate)
	if err != nil {
		c.pause(err)
		return err
	}

	if err := c.SelectGate(ctx, next); err != nil {
		c.pause(err)
		return err
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	// The active tool did not change, only its gate; the tool's
	// recorded speed/extrusion overrides stay in force.
	if tool := c.Tool(); tool >= 0 {
		c.restoreToolOverride(tool)
	}
	c.logger.Info("runout recovered", log.Fields{"from": gate, "to": next})
	return nil
}
