// Unified error handling for the MMU host
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// ErrConfig is a malformed or impossible calibration/mapping request.
	// Fatal to the requested operation, never retried automatically.
	ErrConfig ErrorCode = "CONFIG"

	// ErrEndstopNotReached is a homing move that exhausted max_distance
	// without the endstop firing (or releasing, for reverse moves).
	ErrEndstopNotReached ErrorCode = "ENDSTOP_NOT_REACHED"

	// ErrTimeout is a physical move aborted by the motion watchdog.
	ErrTimeout ErrorCode = "TIMEOUT"

	// ErrMovementMismatch means the encoder disagrees with the commanded
	// distance beyond the configured tolerance.
	ErrMovementMismatch ErrorCode = "MOVEMENT_MISMATCH"

	// ErrRunoutUnrecoverable means no alternate gate is available.
	ErrRunoutUnrecoverable ErrorCode = "RUNOUT_UNRECOVERABLE"

	// Caller-misuse errors: returned immediately, no retry, no pause.
	ErrAlreadyLoaded   ErrorCode = "ALREADY_LOADED"
	ErrAlreadyUnloaded ErrorCode = "ALREADY_UNLOADED"
	ErrBusy            ErrorCode = "BUSY"

	// ErrPositionUnknown means the filament position could not be
	// established and explicit recovery is required.
	ErrPositionUnknown ErrorCode = "POSITION_UNKNOWN"

	// ErrPaused means the unit is paused after a failure and must be
	// resumed before mutating operations are accepted.
	ErrPaused ErrorCode = "PAUSED"

	// ErrStore is a persistence read/write failure.
	ErrStore ErrorCode = "STORE"
)

// MMUError is the unified error type for the MMU core.
type MMUError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Gate is the physical gate involved, or -1
	Gate int

	// Tool is the logical tool involved, or -1
	Tool int

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *MMUError) Error() string {
	if e.Gate >= 0 {
		return fmt.Sprintf("[%s] gate %d: %s", e.Code, e.Gate, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MMUError) Unwrap() error {
	return e.Err
}

// SetGate sets the gate context
func (e *MMUError) SetGate(gate int) *MMUError {
	e.Gate = gate
	return e
}

// SetTool sets the tool context
func (e *MMUError) SetTool(tool int) *MMUError {
	e.Tool = tool
	return e
}

// New creates a new MMUError
func New(code ErrorCode, message string) *MMUError {
	return &MMUError{Code: code, Message: message, Gate: -1, Tool: -1}
}

// Newf creates a new MMUError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *MMUError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *MMUError {
	return &MMUError{Code: code, Message: message, Err: err, Gate: -1, Tool: -1}
}

// ConfigError creates an error for an invalid configuration or request
func ConfigError(format string, args ...any) *MMUError {
	return Newf(ErrConfig, format, args...)
}

// EndstopError creates an error for a homing move that never triggered
func EndstopError(endstop string, maxDistance float64) *MMUError {
	return Newf(ErrEndstopNotReached, "did not trigger %s endstop after %.1fmm", endstop, maxDistance)
}

// TimeoutError creates an error for a watchdog abort
func TimeoutError(operation string) *MMUError {
	return Newf(ErrTimeout, "motion watchdog expired during %s", operation)
}

// MismatchError creates an error for encoder/commanded disagreement
func MismatchError(commanded, measured float64) *MMUError {
	return Newf(ErrMovementMismatch, "commanded %.1fmm but encoder measured %.1fmm", commanded, measured)
}

// RunoutError creates an error for an unrecoverable runout
func RunoutError(gate int, checked []int) *MMUError {
	return Newf(ErrRunoutUnrecoverable, "no available spools after checking gates %v", checked).SetGate(gate)
}

// PausedError creates an error for an operation rejected while paused
func PausedError() *MMUError {
	return New(ErrPaused, "unit is paused, resume before continuing")
}

// BusyError creates an error for a rejected concurrent operation
func BusyError(current string) *MMUError {
	return Newf(ErrBusy, "operation %s already in progress", current)
}

// StoreError wraps a persistence failure
func StoreError(err error, key string) *MMUError {
	return Wrap(err, ErrStore, fmt.Sprintf("persistence failure on %q", key))
}

// Is checks if an error (anywhere in the chain) matches the given code
func Is(err error, code ErrorCode) bool {
	var me *MMUError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// CodeOf returns the error code of an error, or "" if not an MMUError
func CodeOf(err error) ErrorCode {
	var me *MMUError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsCallerMisuse checks for the immediate-return error classes
func IsCallerMisuse(err error) bool {
	return Is(err, ErrAlreadyLoaded) ||
		Is(err, ErrAlreadyUnloaded) ||
		Is(err, ErrBusy) ||
		Is(err, ErrPaused)
}

// IsRetryable checks whether the error class is retried with unchanged
// parameters before escalating to a pause
func IsRetryable(err error) bool {
	return Is(err, ErrEndstopNotReached) ||
		Is(err, ErrTimeout) ||
		Is(err, ErrMovementMismatch)
}
