// Gate map and tool-to-gate mapping
//
// Tracks per-gate filament availability and attributes, the logical
// tool to physical gate indirection, and EndlessSpool group membership.
// All mutations persist through the variables store and fire a change
// callback so remote clients stay in sync.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gatemap

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/log"
	"mmu-go/pkg/persist"
)

// Status is the availability of filament at a gate.
type Status int

const (
	// StatusUnknown means the gate has never been probed.
	StatusUnknown Status = iota - 1

	// StatusEmpty means no filament is present at the gate.
	StatusEmpty

	// StatusAvailable means filament is present, feeding from a spool.
	StatusAvailable

	// StatusAvailableFromBuffer means filament is present in the gate
	// parking area without a spool behind it.
	StatusAvailableFromBuffer
)

// String returns the display name of the status
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusAvailable:
		return "available"
	case StatusAvailableFromBuffer:
		return "buffered"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Loadable reports whether filament could be fed from this gate.
// Unknown gates are loadable: the load attempt itself resolves them.
func (s Status) Loadable() bool {
	return s != StatusEmpty
}

// Gate holds the per-gate attributes.
type Gate struct {
	Status   Status `json:"status"`
	Material string `json:"material"`
	Color    string `json:"color"`

	// SpoolRef identifies the spool mounted at this gate, empty when
	// no spool is registered.
	SpoolRef string `json:"spool_ref,omitempty"`

	// Manual marks a status set by the operator. It is preserved until
	// a physical observation at this gate replaces it.
	Manual bool `json:"manual,omitempty"`
}

// ChangeKind identifies which part of the map changed.
type ChangeKind string

const (
	ChangedGateMap      ChangeKind = "gate_map_changed"
	ChangedTTGMap       ChangeKind = "ttg_map_changed"
	ChangedEndlessSpool ChangeKind = "endless_spool_changed"
)

// Map owns the gate table, the tool-to-gate map, and the EndlessSpool
// configuration. Safe for concurrent use.
type Map struct {
	mu sync.Mutex

	numGates int
	gates    []Gate
	ttg      []int
	groups   []int
	endless  bool

	store    persist.Store
	onChange func(ChangeKind)
	logger   *log.Logger
}

// New builds the map from configuration defaults, then overlays any
// state the store remembers from previous sessions.
func New(cfg *config.MMU, store persist.Store) (*Map, error) {
	m := &Map{
		numGates: cfg.NumGates,
		gates:    make([]Gate, cfg.NumGates),
		ttg:      append([]int(nil), cfg.ToolToGateMap...),
		groups:   append([]int(nil), cfg.EndlessSpoolGroups...),
		endless:  cfg.EnableEndlessSpool,
		store:    store,
		logger:   log.Component("gatemap"),
	}
	for i := range m.gates {
		m.gates[i].Status = StatusUnknown
	}
	if len(m.ttg) != m.numGates {
		m.ttg = make([]int, m.numGates)
		for i := range m.ttg {
			m.ttg[i] = i
		}
	}
	if len(m.groups) != m.numGates {
		m.groups = make([]int, m.numGates)
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetOnChange registers the change callback. Called synchronously with
// the map lock released, after the mutation is persisted.
func (m *Map) SetOnChange(fn func(ChangeKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// restore overlays persisted state. Arrays whose length no longer
// matches num_gates are discarded: the installation was rebuilt.
func (m *Map) restore() error {
	var statuses []Status
	if ok, err := persist.GetJSON(m.store, persist.KeyGateStatus, &statuses); err != nil {
		return err
	} else if ok && len(statuses) == m.numGates {
		for i, s := range statuses {
			m.gates[i].Status = s
		}
	}

	var materials []string
	if ok, err := persist.GetJSON(m.store, persist.KeyGateMaterial, &materials); err != nil {
		return err
	} else if ok && len(materials) == m.numGates {
		for i, v := range materials {
			m.gates[i].Material = v
		}
	}

	var colors []string
	if ok, err := persist.GetJSON(m.store, persist.KeyGateColor, &colors); err != nil {
		return err
	} else if ok && len(colors) == m.numGates {
		for i, v := range colors {
			m.gates[i].Color = v
		}
	}

	var refs []string
	if ok, err := persist.GetJSON(m.store, persist.KeyGateSpoolRef, &refs); err != nil {
		return err
	} else if ok && len(refs) == m.numGates {
		for i, v := range refs {
			m.gates[i].SpoolRef = v
		}
	}

	var ttg []int
	if ok, err := persist.GetJSON(m.store, persist.KeyToolToGateMap, &ttg); err != nil {
		return err
	} else if ok && len(ttg) == m.numGates {
		valid := true
		for _, g := range ttg {
			if g < 0 || g >= m.numGates {
				valid = false
				break
			}
		}
		if valid {
			m.ttg = ttg
		} else {
			m.logger.Warn("discarding persisted tool map with out-of-range gate")
		}
	}

	var endless bool
	if ok, err := persist.GetJSON(m.store, persist.KeyEndlessSpoolOn, &endless); err != nil {
		return err
	} else if ok {
		m.endless = endless
	}

	var groups []int
	if ok, err := persist.GetJSON(m.store, persist.KeyEndlessSpoolGroup, &groups); err != nil {
		return err
	} else if ok && len(groups) == m.numGates {
		m.groups = groups
	}
	return nil
}

func (m *Map) saveGates() error {
	statuses := make([]Status, m.numGates)
	materials := make([]string, m.numGates)
	colors := make([]string, m.numGates)
	refs := make([]string, m.numGates)
	for i, g := range m.gates {
		statuses[i] = g.Status
		materials[i] = g.Material
		colors[i] = g.Color
		refs[i] = g.SpoolRef
	}
	if err := persist.PutJSON(m.store, persist.KeyGateStatus, statuses); err != nil {
		return err
	}
	if err := persist.PutJSON(m.store, persist.KeyGateMaterial, materials); err != nil {
		return err
	}
	if err := persist.PutJSON(m.store, persist.KeyGateColor, colors); err != nil {
		return err
	}
	return persist.PutJSON(m.store, persist.KeyGateSpoolRef, refs)
}

func (m *Map) notify(kind ChangeKind) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

// NumGates returns the gate count.
func (m *Map) NumGates() int {
	return m.numGates
}

// Gate returns a copy of the gate record.
func (m *Map) Gate(gate int) (Gate, error) {
	if err := m.checkGate(gate); err != nil {
		return Gate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gates[gate], nil
}

// Gates returns a copy of the whole gate table.
func (m *Map) Gates() []Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Gate(nil), m.gates...)
}

func (m *Map) checkGate(gate int) error {
	if gate < 0 || gate >= m.numGates {
		return errors.ConfigError("gate %d outside 0..%d", gate, m.numGates-1)
	}
	return nil
}

func (m *Map) checkTool(tool int) error {
	if tool < 0 || tool >= m.numGates {
		return errors.ConfigError("tool %d outside 0..%d", tool, m.numGates-1)
	}
	return nil
}

// Resolve maps a logical tool to its physical gate.
func (m *Map) Resolve(tool int) (int, error) {
	if err := m.checkTool(tool); err != nil {
		return -1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttg[tool], nil
}

// Remap points a tool at a different gate and persists the mapping.
func (m *Map) Remap(tool, gate int) error {
	if err := m.checkTool(tool); err != nil {
		return err
	}
	if err := m.checkGate(gate); err != nil {
		return err
	}
	m.mu.Lock()
	m.ttg[tool] = gate
	err := persist.PutJSON(m.store, persist.KeyToolToGateMap, m.ttg)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("tool remapped", log.Fields{"tool": tool, "gate": gate})
	m.notify(ChangedTTGMap)
	return nil
}

// ResetTTG restores the identity tool-to-gate mapping.
func (m *Map) ResetTTG() error {
	m.mu.Lock()
	for i := range m.ttg {
		m.ttg[i] = i
	}
	err := persist.PutJSON(m.store, persist.KeyToolToGateMap, m.ttg)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ChangedTTGMap)
	return nil
}

// TTGMap returns a copy of the current tool-to-gate mapping.
func (m *Map) TTGMap() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.ttg...)
}

// ToolsForGate returns every tool currently mapped to the gate.
func (m *Map) ToolsForGate(gate int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tools []int
	for t, g := range m.ttg {
		if g == gate {
			tools = append(tools, t)
		}
	}
	return tools
}

// SetGateStatus records an availability observation. Manual overrides
// are kept until a physical (non-manual) observation replaces them.
func (m *Map) SetGateStatus(gate int, status Status, manual bool) error {
	if err := m.checkGate(gate); err != nil {
		return err
	}
	if status < StatusUnknown || status > StatusAvailableFromBuffer {
		return errors.ConfigError("invalid gate status %d", status)
	}
	m.mu.Lock()
	m.gates[gate].Status = status
	m.gates[gate].Manual = manual
	err := m.saveGates()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Debug("gate status", log.Fields{"gate": gate, "status": status, "manual": manual})
	m.notify(ChangedGateMap)
	return nil
}

// SetGateInfo updates material, color, and spool reference. A "-" value
// leaves that attribute untouched; an empty spoolRef clears the spool.
func (m *Map) SetGateInfo(gate int, material, color, spoolRef string) error {
	if err := m.checkGate(gate); err != nil {
		return err
	}
	if spoolRef != "" && spoolRef != "-" {
		if _, err := uuid.Parse(spoolRef); err != nil {
			return errors.ConfigError("spool ref %q is not a valid UUID", spoolRef)
		}
	}
	m.mu.Lock()
	if material != "-" {
		m.gates[gate].Material = material
	}
	if color != "-" {
		m.gates[gate].Color = color
	}
	if spoolRef != "-" {
		m.gates[gate].SpoolRef = spoolRef
	}
	err := m.saveGates()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ChangedGateMap)
	return nil
}

// RegisterSpool assigns a fresh spool reference to the gate and marks
// it available. Returns the new reference.
func (m *Map) RegisterSpool(gate int) (string, error) {
	if err := m.checkGate(gate); err != nil {
		return "", err
	}
	ref := uuid.NewString()
	m.mu.Lock()
	m.gates[gate].SpoolRef = ref
	m.gates[gate].Status = StatusAvailable
	m.gates[gate].Manual = false
	err := m.saveGates()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	m.notify(ChangedGateMap)
	return ref, nil
}

// String renders the map in the console summary form.
func (m *Map) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ""
	for i, g := range m.gates {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("G%d:%s", i, g.Status)
	}
	return s
}
