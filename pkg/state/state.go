// Filament position state for the MMU host
//
// One process-wide filament position, owned by the transport state machine
// and exposed to every other component as an immutable versioned snapshot.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package state

// Position is where the filament tip is along the path from gate to nozzle.
type Position int

const (
	Unknown Position = iota - 1
	Unloaded
	StartBowden
	InBowden
	EndBowden
	HomedExtruder
	ExtruderEntry
	HomedToolheadSensor
	InExtruder
	Loaded
)

func (p Position) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Unloaded:
		return "unloaded"
	case StartBowden:
		return "start_bowden"
	case InBowden:
		return "in_bowden"
	case EndBowden:
		return "end_bowden"
	case HomedExtruder:
		return "homed_extruder"
	case ExtruderEntry:
		return "extruder_entry"
	case HomedToolheadSensor:
		return "homed_toolhead_sensor"
	case InExtruder:
		return "in_extruder"
	case Loaded:
		return "loaded"
	default:
		return "invalid"
	}
}

// Action is the human-readable current activity published to observers.
type Action int

const (
	Idle Action = iota
	Loading
	LoadingExtruder
	Unloading
	UnloadingExtruder
	FormingTip
	Homing
	Selecting
	Checking
	Calibrating
)

func (a Action) String() string {
	switch a {
	case Idle:
		return "Idle"
	case Loading:
		return "Loading"
	case LoadingExtruder:
		return "Loading Ext"
	case Unloading:
		return "Unloading"
	case UnloadingExtruder:
		return "Unloading Ext"
	case FormingTip:
		return "Forming Tip"
	case Homing:
		return "Homing"
	case Selecting:
		return "Selecting"
	case Checking:
		return "Checking"
	case Calibrating:
		return "Calibrating"
	default:
		return "Unknown"
	}
}

// Direction of filament travel in the current leg.
type Direction int

const (
	DirectionIdle   Direction = 0
	DirectionLoad   Direction = 1
	DirectionUnload Direction = -1
)

// Snapshot is an immutable view of filament state. Version increases on
// every mutation so readers can detect staleness.
type Snapshot struct {
	Version   uint64
	Position  Position
	Action    Action
	Direction Direction

	// Distance traveled in the current leg, for progress reporting and
	// resumable operations.
	Distance float64
}
