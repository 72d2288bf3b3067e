// EndlessSpool: automatic spool rotation on runout
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gatemap

import (
	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/persist"
)

// EndlessSpoolEnabled reports whether runout rotation is active.
func (m *Map) EndlessSpoolEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endless
}

// SetEndlessSpool enables or disables runout rotation and persists it.
func (m *Map) SetEndlessSpool(on bool) error {
	m.mu.Lock()
	m.endless = on
	err := persist.PutJSON(m.store, persist.KeyEndlessSpoolOn, on)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ChangedEndlessSpool)
	return nil
}

// Group returns the EndlessSpool group of a gate.
func (m *Map) Group(gate int) (int, error) {
	if err := m.checkGate(gate); err != nil {
		return -1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[gate], nil
}

// SetGroups replaces the group table. Must cover every gate.
func (m *Map) SetGroups(groups []int) error {
	if len(groups) != m.numGates {
		return errors.ConfigError("endless spool groups has %d values but there are %d gates", len(groups), m.numGates)
	}
	m.mu.Lock()
	m.groups = append([]int(nil), groups...)
	err := persist.PutJSON(m.store, persist.KeyEndlessSpoolGroup, m.groups)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ChangedEndlessSpool)
	return nil
}

// NextInGroup finds the next loadable gate in the same group, scanning
// forward from the gate after the exhausted one and wrapping around.
// Returns false when every other gate in the group is empty.
func (m *Map) NextInGroup(gate int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.groups[gate]
	for i := 0; i < m.numGates-1; i++ {
		cand := (gate + i + 1) % m.numGates
		if m.groups[cand] != group {
			continue
		}
		if m.gates[cand].Status.Loadable() {
			return cand, true
		}
	}
	return -1, false
}

// HandleRunout marks the exhausted gate empty and, when EndlessSpool is
// active, rotates to the next loadable gate in the group: every tool
// mapped to the old gate is remapped. Returns the replacement gate.
func (m *Map) HandleRunout(gate int) (int, error) {
	if err := m.checkGate(gate); err != nil {
		return -1, err
	}
	if err := m.SetGateStatus(gate, StatusEmpty, false); err != nil {
		return -1, err
	}

	m.mu.Lock()
	endless := m.endless
	group := m.groups[gate]
	m.mu.Unlock()

	if !endless {
		return -1, errors.RunoutError(gate, []int{gate})
	}

	next, ok := m.NextInGroup(gate)
	if !ok {
		checked := m.groupMembers(group)
		return -1, errors.RunoutError(gate, checked)
	}

	for _, tool := range m.ToolsForGate(gate) {
		if err := m.Remap(tool, next); err != nil {
			return -1, err
		}
	}
	m.logger.Info("endless spool rotation", log.Fields{"from": gate, "to": next, "group": group})
	return next, nil
}

func (m *Map) groupMembers(group int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []int
	for g, grp := range m.groups {
		if grp == group {
			members = append(members, g)
		}
	}
	return members
}
