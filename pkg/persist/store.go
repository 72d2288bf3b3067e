// Persistent state store for the MMU host
//
// The core reads and writes calibration, tool mapping, and gate status
// through this narrow key/value interface. Values are JSON encoded so the
// stored form stays readable and forward compatible.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package persist

import (
	"encoding/json"

	"mmu-go/pkg/errors"
)

// Well-known variable keys. These mirror the save-variables names the
// installation's macros already use so state survives a host migration.
const (
	KeyFilamentPos       = "mmu_state_filament_pos"
	KeyGateStatus        = "mmu_state_gate_status"
	KeyGateMaterial      = "mmu_state_gate_material"
	KeyGateColor         = "mmu_state_gate_color"
	KeyGateSpoolRef      = "mmu_state_gate_spool_ref"
	KeyToolToGateMap     = "mmu_state_tool_to_gate_map"
	KeyEndlessSpoolOn    = "mmu_state_enable_endless_spool"
	KeyEndlessSpoolGroup = "mmu_state_endless_spool_groups"
	KeyGearRotationDist  = "mmu_calib_gear_rotation_distance"
	KeyEncoderResolution = "mmu_calib_encoder_resolution"
	KeySelectorOffsets   = "mmu_calib_selector_offsets"
	KeySelectorBypass    = "mmu_calib_selector_bypass"
	KeyBowdenLength      = "mmu_calib_bowden_length"
	KeyClogLength        = "mmu_calib_clog_length"
	KeyGateRatios        = "mmu_calib_gate_ratios"
	KeyStatistics        = "mmu_statistics"
	KeyGateStatistics    = "mmu_gate_statistics"
)

// Store is the narrow persistence contract. Implementations must tolerate
// concurrent readers with a single writer. Flush makes prior Puts durable;
// mutating commands flush once on completion, not per key.
type Store interface {
	// Get retrieves raw bytes for a key. Returns (nil, nil) when absent.
	Get(key string) ([]byte, error)

	// Put stores raw bytes for a key.
	Put(key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error

	// Flush makes all prior writes durable.
	Flush() error

	// Close releases the store.
	Close() error
}

// GetJSON decodes the value at key into out. Returns (false, nil) when the
// key is absent, leaving out untouched.
func GetJSON(s Store, key string, out any) (bool, error) {
	raw, err := s.Get(key)
	if err != nil {
		return false, errors.StoreError(err, key)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.StoreError(err, key)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.StoreError(err, key)
	}
	if err := s.Put(key, raw); err != nil {
		return errors.StoreError(err, key)
	}
	return nil
}
