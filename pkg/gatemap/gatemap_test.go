package gatemap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/persist"
)

func testConfig(numGates int) *config.MMU {
	cfg := &config.MMU{
		NumGates:           numGates,
		ToolToGateMap:      make([]int, numGates),
		EndlessSpoolGroups: make([]int, numGates),
	}
	for i := 0; i < numGates; i++ {
		cfg.ToolToGateMap[i] = i
		cfg.EndlessSpoolGroups[i] = i
	}
	return cfg
}

func TestNewDefaults(t *testing.T) {
	m, err := New(testConfig(4), persist.NewMemStore())
	require.NoError(t, err)

	assert.Equal(t, 4, m.NumGates())
	for i := 0; i < 4; i++ {
		g, err := m.Gate(i)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, g.Status)

		gate, err := m.Resolve(i)
		require.NoError(t, err)
		assert.Equal(t, i, gate)
	}
}

func TestRemapAndPersist(t *testing.T) {
	store := persist.NewMemStore()
	m, err := New(testConfig(4), store)
	require.NoError(t, err)

	require.NoError(t, m.Remap(0, 2))
	gate, err := m.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, 2, gate)

	// A fresh map over the same store sees the remap.
	m2, err := New(testConfig(4), store)
	require.NoError(t, err)
	gate, err = m2.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, 2, gate)

	require.NoError(t, m2.ResetTTG())
	gate, err = m2.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, 0, gate)
}

func TestRemapValidation(t *testing.T) {
	m, err := New(testConfig(4), persist.NewMemStore())
	require.NoError(t, err)

	assert.True(t, errors.Is(m.Remap(-1, 0), errors.ErrConfig))
	assert.True(t, errors.Is(m.Remap(0, 4), errors.ErrConfig))
	_, err = m.Resolve(7)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestGateStatusAndManualFlag(t *testing.T) {
	m, err := New(testConfig(2), persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.SetGateStatus(0, StatusAvailable, true))
	g, err := m.Gate(0)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, g.Status)
	assert.True(t, g.Manual)

	// A physical observation replaces the manual override.
	require.NoError(t, m.SetGateStatus(0, StatusEmpty, false))
	g, err = m.Gate(0)
	require.NoError(t, err)
	assert.False(t, g.Manual)

	assert.True(t, errors.Is(m.SetGateStatus(0, Status(9), false), errors.ErrConfig))
}

func TestGateInfoSpoolRef(t *testing.T) {
	m, err := New(testConfig(2), persist.NewMemStore())
	require.NoError(t, err)

	ref := uuid.NewString()
	require.NoError(t, m.SetGateInfo(1, "PLA", "red", ref))
	g, err := m.Gate(1)
	require.NoError(t, err)
	assert.Equal(t, "PLA", g.Material)
	assert.Equal(t, "red", g.Color)
	assert.Equal(t, ref, g.SpoolRef)

	// "-" leaves attributes untouched.
	require.NoError(t, m.SetGateInfo(1, "-", "blue", "-"))
	g, _ = m.Gate(1)
	assert.Equal(t, "PLA", g.Material)
	assert.Equal(t, "blue", g.Color)
	assert.Equal(t, ref, g.SpoolRef)

	assert.True(t, errors.Is(m.SetGateInfo(1, "-", "-", "not-a-uuid"), errors.ErrConfig))
}

func TestRegisterSpool(t *testing.T) {
	m, err := New(testConfig(2), persist.NewMemStore())
	require.NoError(t, err)

	ref, err := m.RegisterSpool(0)
	require.NoError(t, err)
	_, err = uuid.Parse(ref)
	require.NoError(t, err)

	g, _ := m.Gate(0)
	assert.Equal(t, StatusAvailable, g.Status)
	assert.Equal(t, ref, g.SpoolRef)
}

func TestChangeNotifications(t *testing.T) {
	m, err := New(testConfig(2), persist.NewMemStore())
	require.NoError(t, err)

	var kinds []ChangeKind
	m.SetOnChange(func(k ChangeKind) { kinds = append(kinds, k) })

	require.NoError(t, m.SetGateStatus(0, StatusAvailable, false))
	require.NoError(t, m.Remap(0, 1))
	require.NoError(t, m.SetEndlessSpool(true))

	assert.Equal(t, []ChangeKind{ChangedGateMap, ChangedTTGMap, ChangedEndlessSpool}, kinds)
}

func TestRestoreDiscardsMismatchedArrays(t *testing.T) {
	store := persist.NewMemStore()
	require.NoError(t, persist.PutJSON(store, persist.KeyGateStatus, []Status{StatusAvailable}))
	require.NoError(t, persist.PutJSON(store, persist.KeyToolToGateMap, []int{0, 1, 9}))

	m, err := New(testConfig(3), store)
	require.NoError(t, err)

	// Length mismatch: statuses reset to unknown.
	g, _ := m.Gate(0)
	assert.Equal(t, StatusUnknown, g.Status)

	// Out-of-range gate: identity mapping kept.
	gate, _ := m.Resolve(2)
	assert.Equal(t, 2, gate)
}

func TestNextInGroupRotation(t *testing.T) {
	cfg := testConfig(4)
	cfg.EndlessSpoolGroups = []int{0, 1, 0, 0}
	m, err := New(cfg, persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.SetGateStatus(0, StatusEmpty, false))
	require.NoError(t, m.SetGateStatus(2, StatusEmpty, false))
	require.NoError(t, m.SetGateStatus(3, StatusAvailable, false))

	// Scan from gate 0 skips gate 1 (other group) and empty gate 2.
	next, ok := m.NextInGroup(0)
	require.True(t, ok)
	assert.Equal(t, 3, next)

	require.NoError(t, m.SetGateStatus(3, StatusEmpty, false))
	_, ok = m.NextInGroup(0)
	assert.False(t, ok)
}

func TestHandleRunoutRotates(t *testing.T) {
	cfg := testConfig(4)
	cfg.EndlessSpoolGroups = []int{0, 0, 1, 0}
	cfg.EnableEndlessSpool = true
	m, err := New(cfg, persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.SetGateStatus(0, StatusAvailable, false))
	require.NoError(t, m.SetGateStatus(1, StatusEmpty, false))
	require.NoError(t, m.SetGateStatus(3, StatusAvailable, false))

	next, err := m.HandleRunout(0)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	g, _ := m.Gate(0)
	assert.Equal(t, StatusEmpty, g.Status)

	gate, _ := m.Resolve(0)
	assert.Equal(t, 3, gate, "tool 0 follows the rotation")
}

func TestHandleRunoutExhausted(t *testing.T) {
	cfg := testConfig(2)
	cfg.EndlessSpoolGroups = []int{0, 0}
	cfg.EnableEndlessSpool = true
	m, err := New(cfg, persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.SetGateStatus(1, StatusEmpty, false))
	_, err = m.HandleRunout(0)
	assert.True(t, errors.Is(err, errors.ErrRunoutUnrecoverable))
}

func TestHandleRunoutDisabled(t *testing.T) {
	cfg := testConfig(2)
	m, err := New(cfg, persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.SetGateStatus(1, StatusAvailable, false))
	_, err = m.HandleRunout(0)
	assert.True(t, errors.Is(err, errors.ErrRunoutUnrecoverable))

	// The exhausted gate is still marked empty.
	g, _ := m.Gate(0)
	assert.Equal(t, StatusEmpty, g.Status)
}

func TestToolsForGate(t *testing.T) {
	m, err := New(testConfig(4), persist.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Remap(2, 0))
	assert.Equal(t, []int{0, 2}, m.ToolsForGate(0))
	assert.Empty(t, m.ToolsForGate(2))
}
