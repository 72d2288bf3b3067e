package config

import (
	"mmu-go/pkg/errors"
)

// Sensor names the installation may declare. Any subset is legal; the
// transport picks the best available reference per transition.
const (
	SensorEncoder       = "encoder"
	SensorGate          = "gate"
	SensorExtruderEntry = "extruder_entry"
	SensorToolhead      = "toolhead"
	SensorSelectorTouch = "selector_touch"
)

// MMU is the validated top-level configuration for the MMU core.
type MMU struct {
	NumGates int

	// Speed/accel ceilings. Never exceeded regardless of any other
	// parameter or per-command request.
	MaxGearSpeed float64
	MaxAccel     float64

	GearLoadSpeed       float64
	GearShortMoveSpeed  float64
	GearHomingSpeed     float64
	ExtruderLoadSpeed   float64
	ExtruderUnloadSpeed float64
	SelectorMoveSpeed   float64
	SelectorHomingSpeed float64
	SelectorTouchSpeed  float64

	// Sensors present on this installation.
	Sensors []string

	// Encoder behaviour
	EncoderTolerance   float64 // movement cross-check tolerance fraction
	EncoderStationaryK int     // quiet polls before the filament is declared parked

	// Homing behaviour
	GateHomingMax            float64
	GateParkingDistance      float64
	ExtruderHomingMax        float64
	ToolheadHomingMax        float64
	CollisionHomingCurrent   float64 // fraction of run current, 0..1
	CollisionHomingStep      float64 // mm per probe step
	CollisionStallFraction   float64 // measured/commanded below this => blocked
	ToolheadExtruderToNozzle float64
	ToolheadSensorToNozzle   float64

	// Bowden behaviour
	BowdenNumMoves        int
	BowdenLoadTolerance   float64 // mm of slippage tolerated per fast load
	BowdenApplyCorrection bool

	// Unload behaviour
	EncoderMoveStepSize float64
	EncoderUnloadBuffer float64
	EncoderUnloadMax    float64

	// Error policy
	MoveRetries      int
	WatchdogSlack    float64 // seconds added to the theoretical move time
	ClogLengthFactor float64 // safety margin multiplier on derived clog length
	EncoderStdevWarn float64 // stdev threshold for encoder calibration warning

	// Selector geometry for calibration
	CadGate0Pos       float64
	CadGateWidth      float64
	CadBypassOffset   float64
	CadLastGateOffset float64
	CalTolerance      float64
	CalMaxGates       int

	// Gate/tool mapping defaults
	EnableEndlessSpool bool
	EndlessSpoolGroups []int
	ToolToGateMap      []int
}

// HasSensor reports whether the named sensor is installed.
func (m *MMU) HasSensor(name string) bool {
	for _, s := range m.Sensors {
		if s == name {
			return true
		}
	}
	return false
}

// LoadMMU reads and validates the [mmu] section.
func LoadMMU(cfg *Config) (*MMU, error) {
	sec, err := cfg.GetSection("mmu")
	if err != nil {
		return nil, err
	}

	one := 1
	m := &MMU{}
	if m.NumGates, err = sec.GetIntWithBounds("num_gates", &one, nil); err != nil {
		return nil, err
	}

	if m.MaxGearSpeed, err = sec.GetFloatAbove("max_gear_speed", 0, 300.0); err != nil {
		return nil, err
	}
	if m.MaxAccel, err = sec.GetFloatAbove("max_accel", 0, 1000.0); err != nil {
		return nil, err
	}
	if m.GearLoadSpeed, err = sec.GetFloat("gear_load_speed", 150.0); err != nil {
		return nil, err
	}
	if m.GearShortMoveSpeed, err = sec.GetFloat("gear_short_move_speed", 50.0); err != nil {
		return nil, err
	}
	if m.GearHomingSpeed, err = sec.GetFloat("gear_homing_speed", 50.0); err != nil {
		return nil, err
	}
	if m.ExtruderLoadSpeed, err = sec.GetFloat("extruder_load_speed", 15.0); err != nil {
		return nil, err
	}
	if m.ExtruderUnloadSpeed, err = sec.GetFloat("extruder_unload_speed", 20.0); err != nil {
		return nil, err
	}
	if m.SelectorMoveSpeed, err = sec.GetFloat("selector_move_speed", 200.0); err != nil {
		return nil, err
	}
	if m.SelectorHomingSpeed, err = sec.GetFloat("selector_homing_speed", 60.0); err != nil {
		return nil, err
	}
	if m.SelectorTouchSpeed, err = sec.GetFloat("selector_touch_speed", 80.0); err != nil {
		return nil, err
	}

	valid := []string{SensorEncoder, SensorGate, SensorExtruderEntry, SensorToolhead, SensorSelectorTouch}
	sensors, err := sec.GetList("sensors", ",", []string{})
	if err != nil {
		return nil, err
	}
	for _, s := range sensors {
		known := false
		for _, v := range valid {
			if s == v {
				known = true
				break
			}
		}
		if !known {
			return nil, errors.ConfigError("unknown sensor %q in [mmu] sensors", s)
		}
	}
	m.Sensors = sensors

	if m.EncoderTolerance, err = sec.GetFloat("encoder_tolerance", 0.10); err != nil {
		return nil, err
	}
	if m.EncoderStationaryK, err = sec.GetInt("encoder_stationary_polls", 3); err != nil {
		return nil, err
	}

	if m.GateHomingMax, err = sec.GetFloat("gate_homing_max", 70.0); err != nil {
		return nil, err
	}
	if m.GateParkingDistance, err = sec.GetFloat("gate_parking_distance", 23.0); err != nil {
		return nil, err
	}
	if m.ExtruderHomingMax, err = sec.GetFloat("extruder_homing_max", 80.0); err != nil {
		return nil, err
	}
	if m.ToolheadHomingMax, err = sec.GetFloat("toolhead_homing_max", 40.0); err != nil {
		return nil, err
	}
	if m.CollisionHomingCurrent, err = sec.GetFloat("collision_homing_current", 0.3); err != nil {
		return nil, err
	}
	if m.CollisionHomingCurrent <= 0 || m.CollisionHomingCurrent > 1 {
		return nil, errors.ConfigError("collision_homing_current must be in (0, 1]")
	}
	if m.CollisionHomingStep, err = sec.GetFloat("collision_homing_step", 3.0); err != nil {
		return nil, err
	}
	if m.CollisionStallFraction, err = sec.GetFloat("collision_stall_fraction", 0.5); err != nil {
		return nil, err
	}
	if m.CollisionStallFraction <= 0 || m.CollisionStallFraction >= 1 {
		return nil, errors.ConfigError("collision_stall_fraction must be in (0, 1)")
	}
	if m.ToolheadExtruderToNozzle, err = sec.GetFloat("toolhead_extruder_to_nozzle", 72.0); err != nil {
		return nil, err
	}
	if m.ToolheadSensorToNozzle, err = sec.GetFloat("toolhead_sensor_to_nozzle", 62.0); err != nil {
		return nil, err
	}

	if m.BowdenNumMoves, err = sec.GetIntWithBounds("bowden_num_moves", &one, nil, 1); err != nil {
		return nil, err
	}
	if m.BowdenLoadTolerance, err = sec.GetFloat("bowden_load_tolerance", 10.0); err != nil {
		return nil, err
	}
	if m.BowdenApplyCorrection, err = sec.GetBool("bowden_apply_correction", true); err != nil {
		return nil, err
	}

	if m.EncoderMoveStepSize, err = sec.GetFloat("encoder_move_step_size", 15.0); err != nil {
		return nil, err
	}
	if m.EncoderUnloadBuffer, err = sec.GetFloat("encoder_unload_buffer", 40.0); err != nil {
		return nil, err
	}
	if m.EncoderUnloadMax, err = sec.GetFloat("encoder_unload_max", 60.0); err != nil {
		return nil, err
	}

	if m.MoveRetries, err = sec.GetIntWithBounds("move_retries", &one, nil, 2); err != nil {
		return nil, err
	}
	if m.WatchdogSlack, err = sec.GetFloat("watchdog_slack", 5.0); err != nil {
		return nil, err
	}
	if m.ClogLengthFactor, err = sec.GetFloat("clog_length_factor", 1.0); err != nil {
		return nil, err
	}
	if m.EncoderStdevWarn, err = sec.GetFloat("encoder_stdev_warn", 2.0); err != nil {
		return nil, err
	}

	if m.CadGate0Pos, err = sec.GetFloat("cad_gate0_pos", 4.2); err != nil {
		return nil, err
	}
	if m.CadGateWidth, err = sec.GetFloat("cad_gate_width", 21.0); err != nil {
		return nil, err
	}
	if m.CadBypassOffset, err = sec.GetFloat("cad_bypass_offset", 0); err != nil {
		return nil, err
	}
	if m.CadLastGateOffset, err = sec.GetFloat("cad_last_gate_offset", 2.0); err != nil {
		return nil, err
	}
	if m.CalTolerance, err = sec.GetFloat("cal_tolerance", 5.0); err != nil {
		return nil, err
	}
	if m.CalMaxGates, err = sec.GetInt("cal_max_gates", 12); err != nil {
		return nil, err
	}

	if m.EnableEndlessSpool, err = sec.GetBool("enable_endless_spool", false); err != nil {
		return nil, err
	}
	groups, err := sec.GetIntList("endless_spool_groups", ",", nil)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = make([]int, m.NumGates)
		for i := range groups {
			groups[i] = i
		}
	} else if len(groups) != m.NumGates {
		return nil, errors.ConfigError("endless_spool_groups has %d values but there are %d gates", len(groups), m.NumGates)
	}
	m.EndlessSpoolGroups = groups

	ttg, err := sec.GetIntList("tool_to_gate_map", ",", nil)
	if err != nil {
		return nil, err
	}
	if ttg == nil {
		ttg = make([]int, m.NumGates)
		for i := range ttg {
			ttg[i] = i
		}
	} else if len(ttg) != m.NumGates {
		return nil, errors.ConfigError("tool_to_gate_map has %d values but there are %d gates", len(ttg), m.NumGates)
	}
	for _, g := range ttg {
		if g < 0 || g >= m.NumGates {
			return nil, errors.ConfigError("tool_to_gate_map references gate %d outside 0..%d", g, m.NumGates-1)
		}
	}
	m.ToolToGateMap = ttg

	return m, nil
}
