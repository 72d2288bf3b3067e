package config

import (
	"strings"
	"testing"

	"mmu-go/pkg/errors"
)

const sample = `
# ERCF v1.1, 6 gates
[mmu]
num_gates: 6
gear_load_speed: 120
sensors: encoder, toolhead
enable_endless_spool: 1
endless_spool_groups: 0, 0, 1, 1, 0, 1

[aux]
label = spare
`

func TestParseSections(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !cfg.HasSection("mmu") {
		t.Error("missing [mmu] section")
	}
	if !cfg.HasSection("aux") {
		t.Error("missing [aux] section")
	}

	sec, err := cfg.GetSection("mmu")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	n, err := sec.GetInt("num_gates")
	if err != nil || n != 6 {
		t.Errorf("num_gates = %d (%v), want 6", n, err)
	}

	aux := cfg.GetSectionOptional("aux")
	if v, _ := aux.Get("label"); v != "spare" {
		t.Errorf("label = %q, want spare (equals-style separator)", v)
	}
}

func TestSectionFallbacks(t *testing.T) {
	cfg, _ := Parse(strings.NewReader(sample))
	sec, _ := cfg.GetSection("mmu")

	if v, err := sec.GetFloat("missing_option", 42.5); err != nil || v != 42.5 {
		t.Errorf("GetFloat fallback = %v (%v), want 42.5", v, err)
	}
	if _, err := sec.GetFloat("nothing"); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("missing option without fallback should be CONFIG error, got %v", err)
	}
	if v, err := sec.GetBool("enable_endless_spool"); err != nil || !v {
		t.Errorf("GetBool = %v (%v), want true", v, err)
	}
}

func TestGetIntList(t *testing.T) {
	cfg, _ := Parse(strings.NewReader(sample))
	sec, _ := cfg.GetSection("mmu")

	groups, err := sec.GetIntList("endless_spool_groups", ",")
	if err != nil {
		t.Fatalf("GetIntList failed: %v", err)
	}
	want := []int{0, 0, 1, 1, 0, 1}
	if len(groups) != len(want) {
		t.Fatalf("len = %d, want %d", len(groups), len(want))
	}
	for i := range want {
		if groups[i] != want[i] {
			t.Errorf("groups[%d] = %d, want %d", i, groups[i], want[i])
		}
	}
}

func TestLoadMMUDefaults(t *testing.T) {
	cfg, _ := Parse(strings.NewReader("[mmu]\nnum_gates: 4\n"))
	m, err := LoadMMU(cfg)
	if err != nil {
		t.Fatalf("LoadMMU failed: %v", err)
	}
	if m.NumGates != 4 {
		t.Errorf("NumGates = %d, want 4", m.NumGates)
	}
	if len(m.ToolToGateMap) != 4 {
		t.Fatalf("TTG length = %d, want 4", len(m.ToolToGateMap))
	}
	for i, g := range m.ToolToGateMap {
		if g != i {
			t.Errorf("default TTG[%d] = %d, want identity", i, g)
		}
	}
	if len(m.EndlessSpoolGroups) != 4 {
		t.Errorf("group table length = %d, want 4", len(m.EndlessSpoolGroups))
	}
	if m.HasSensor(SensorEncoder) {
		t.Error("no sensors declared, HasSensor should be false")
	}
	if m.CollisionStallFraction != 0.5 {
		t.Errorf("CollisionStallFraction = %v, want 0.5", m.CollisionStallFraction)
	}
	if m.EncoderStationaryK != 3 {
		t.Errorf("EncoderStationaryK = %d, want 3", m.EncoderStationaryK)
	}
}

func TestLoadMMUStallFraction(t *testing.T) {
	cfg, _ := Parse(strings.NewReader("[mmu]\nnum_gates: 4\ncollision_stall_fraction: 0.7\n"))
	m, err := LoadMMU(cfg)
	if err != nil {
		t.Fatalf("LoadMMU failed: %v", err)
	}
	if m.CollisionStallFraction != 0.7 {
		t.Errorf("CollisionStallFraction = %v, want 0.7", m.CollisionStallFraction)
	}
}

func TestLoadMMURejectsMismatchedLengths(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"short groups", "[mmu]\nnum_gates: 4\nendless_spool_groups: 0, 1\n"},
		{"short ttg", "[mmu]\nnum_gates: 4\ntool_to_gate_map: 0, 1, 2\n"},
		{"ttg out of range", "[mmu]\nnum_gates: 4\ntool_to_gate_map: 0, 1, 2, 9\n"},
		{"zero gates", "[mmu]\nnum_gates: 0\n"},
		{"bad sensor", "[mmu]\nnum_gates: 4\nsensors: sonar\n"},
		{"bad current", "[mmu]\nnum_gates: 4\ncollision_homing_current: 1.5\n"},
		{"bad stall fraction", "[mmu]\nnum_gates: 4\ncollision_stall_fraction: 1.2\n"},
	}
	for _, tt := range tests {
		cfg, err := Parse(strings.NewReader(tt.text))
		if err != nil {
			t.Fatalf("%s: parse error: %v", tt.name, err)
		}
		if _, err := LoadMMU(cfg); !errors.Is(err, errors.ErrConfig) {
			t.Errorf("%s: want CONFIG error, got %v", tt.name, err)
		}
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"[mmu\nnum_gates: 4\n",
		"stray: option\n",
		"[mmu]\nnot an option line\n",
	}
	for _, text := range bad {
		if _, err := Parse(strings.NewReader(text)); err == nil {
			t.Errorf("Parse(%q) should fail", text)
		}
	}
}
