// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics provides the append-only event sink for the render
// stability layer.
//
// Recording is pure observation: it never fails, never blocks the caller,
// and never influences guarded behavior. External systems (status widgets,
// error screens, the dev server) read the buffered events or subscribe for
// live delivery.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package diagnostics

import (
	"time"
)

// Kind identifies the kind of diagnostic event.
type Kind string

const (
	// KindCapture is recorded when the recovery boundary catches a failure.
	KindCapture Kind = "capture"

	// KindStabilityWarning is recorded for pattern-based warnings from the
	// stability tracker.
	KindStabilityWarning Kind = "stability_warning"

	// KindBreakerTransition is recorded when a circuit breaker opens or closes.
	KindBreakerTransition Kind = "breaker_transition"

	// KindRecoveryAttempt is recorded before each recovery stage action runs.
	KindRecoveryAttempt Kind = "recovery_attempt"

	// KindRecoveryFailure is recorded when a recovery stage action fails.
	KindRecoveryFailure Kind = "recovery_failure"

	// KindMemorySpike is recorded when a guard observes an abnormal
	// memory delta between updates.
	KindMemorySpike Kind = "memory_spike"

	// KindSuppressedPersistence is recorded when a flush request is deferred
	// or dropped because persistence is paused.
	KindSuppressedPersistence Kind = "suppressed_persistence"
)

// Event is one recorded diagnostic occurrence.
//
// The Data field holds the typed payload struct matching the event kind
// (CaptureData, StabilityWarningData, etc.).
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Kind determines the structure of the Data field.
	Kind Kind `json:"kind"`

	// Entity names the monitored entity the event concerns, if any.
	Entity string `json:"entity,omitempty"`

	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Data is the kind-specific payload.
	Data any `json:"data,omitempty"`
}

// CaptureData describes a failure caught at the recovery boundary.
type CaptureData struct {
	// Reason is the classified failure signature.
	Reason string `json:"reason"`

	// Message is the original error text.
	Message string `json:"message"`

	// ErrorCount is the running boundary error counter.
	ErrorCount int `json:"error_count"`
}

// StabilityWarningData describes a pattern-based warning.
type StabilityWarningData struct {
	// Pattern is the classified update pattern (oscillating, rapid-fire, ...).
	Pattern string `json:"pattern"`

	// Detail is a human-readable description of the evidence.
	Detail string `json:"detail"`

	// Freeze indicates the tracker requested a freeze.
	Freeze bool `json:"freeze"`
}

// BreakerTransitionData describes a circuit breaker state change.
type BreakerTransitionData struct {
	// Breaker names the breaker (guard-local or the shared store breaker).
	Breaker string `json:"breaker"`

	// Open is the new state.
	Open bool `json:"open"`

	// Reason explains the transition.
	Reason string `json:"reason,omitempty"`

	// UpdatesInWindow is the window count at transition time.
	UpdatesInWindow int `json:"updates_in_window,omitempty"`
}

// RecoveryAttemptData describes one staged recovery attempt.
type RecoveryAttemptData struct {
	// Stage is the recovery stage name (flush, soft-reset, hard-reset).
	Stage string `json:"stage"`

	// Attempt is the 1-based attempt ordinal within the run.
	Attempt int `json:"attempt"`

	// Outcome is the attempt result once known (cleared, still-flagged, failed).
	Outcome string `json:"outcome,omitempty"`
}

// RecoveryFailureData describes a failed recovery stage action.
type RecoveryFailureData struct {
	// Stage is the stage whose action failed.
	Stage string `json:"stage"`

	// Message is the action error text.
	Message string `json:"message"`
}

// MemorySpikeData describes an abnormal memory delta between updates.
type MemorySpikeData struct {
	// DeltaBytes is the observed heap growth since the previous sample.
	DeltaBytes int64 `json:"delta_bytes"`

	// TotalBytes is the heap size at sample time.
	TotalBytes int64 `json:"total_bytes"`
}

// SuppressedPersistenceData describes a deferred or dropped flush request.
type SuppressedPersistenceData struct {
	// Reason is the flush reason that was suppressed.
	Reason string `json:"reason"`
}
