package sensor

import (
	"sync"

	"mmu-go/pkg/config"
)

// Extruder homing references, in descending preference order.
const (
	RefToolhead      = "toolhead"
	RefExtruderEntry = "extruder_entry"
	RefCollision     = "collision"
)

// Manager tracks the sensors actually present on an installation and
// answers which homing reference each transition should use.
type Manager struct {
	mu       sync.RWMutex
	switches map[string]*Switch
	encoder  *Encoder
}

// NewManager creates an empty sensor manager.
func NewManager() *Manager {
	return &Manager{switches: make(map[string]*Switch)}
}

// RegisterSwitch adds a switch sensor.
func (m *Manager) RegisterSwitch(s *Switch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[s.Name()] = s
}

// RegisterEncoder attaches the encoder.
func (m *Manager) RegisterEncoder(e *Encoder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encoder = e
}

// Switch returns the named switch or nil.
func (m *Manager) Switch(name string) *Switch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.switches[name]
}

// Has reports whether the named switch is installed.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.switches[name]
	return ok
}

// Encoder returns the encoder or nil.
func (m *Manager) Encoder() *Encoder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.encoder
}

// HasEncoder reports whether an encoder is installed.
func (m *Manager) HasEncoder() bool {
	return m.Encoder() != nil
}

// Check returns the state of the named switch; present is false when the
// installation does not have that sensor.
func (m *Manager) Check(name string) (triggered, present bool) {
	s := m.Switch(name)
	if s == nil {
		return false, false
	}
	return s.Triggered(), true
}

// BestExtruderReference picks the homing reference for the extruder entry
// leg: toolhead sensor preferred over extruder-entry switch, falling back
// to encoder collision homing. Returns "" when the installation has no way
// to home the extruder (no toolhead, no entry switch, no encoder).
func (m *Manager) BestExtruderReference() string {
	if m.Has(config.SensorToolhead) {
		return RefToolhead
	}
	if m.Has(config.SensorExtruderEntry) {
		return RefExtruderEntry
	}
	if m.HasEncoder() {
		return RefCollision
	}
	return ""
}

// GateReference picks the reference for parking at the gate: the gate
// switch when present, otherwise encoder stationary detection. Returns ""
// when neither exists.
func (m *Manager) GateReference() string {
	if m.Has(config.SensorGate) {
		return config.SensorGate
	}
	if m.HasEncoder() {
		return config.SensorEncoder
	}
	return ""
}
