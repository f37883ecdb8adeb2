// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stability classifies update cadence pathologies that stay under
// the guard's hard thresholds but are still unhealthy.
package stability

import "time"

// Pattern classifies recent update behavior.
type Pattern string

const (
	// PatternStable means no pathology detected.
	PatternStable Pattern = "stable"

	// PatternOscillating means low-variance, short-period inter-update gaps.
	PatternOscillating Pattern = "oscillating"

	// PatternRapidFire means a high ratio of sub-50ms gaps.
	PatternRapidFire Pattern = "rapid-fire"

	// PatternGrowing means the count of significant changes per update is
	// trending up.
	PatternGrowing Pattern = "growing"

	// PatternDeclining means change counts are trending down.
	PatternDeclining Pattern = "declining"

	// PatternChaotic means change counts swing widely with no trend.
	PatternChaotic Pattern = "chaotic"
)

// Sample is one observed update cycle.
//
// Snapshot must be a value snapshot taken at sample time (shallow-copied by
// Track); the tracker never holds live references into caller state.
type Sample struct {
	// Timestamp is when the update committed.
	Timestamp time.Time

	// SinceLast is the gap since the previous update (zero for the first).
	SinceLast time.Duration

	// MemoryDelta is the heap growth since the previous sample, if sampled.
	MemoryDelta int64

	// Snapshot holds the relevant inputs/state feeding the view, used for
	// pairwise diffing between consecutive updates.
	Snapshot map[string]any
}

// Warning describes one detected pathology.
type Warning struct {
	// Pattern is the classification that produced this warning.
	Pattern Pattern `json:"pattern"`

	// Detail is a human-readable description of the evidence.
	Detail string `json:"detail"`
}

// Report is the tracker's verdict after one Track call.
type Report struct {
	// Pattern is the dominant classification.
	Pattern Pattern `json:"pattern"`

	// Warnings lists every detected pathology (a buffer can be both
	// oscillating and rapid-fire).
	Warnings []Warning `json:"warnings,omitempty"`

	// ShouldFreeze is set only for sustained sub-100ms oscillation across
	// the whole buffer, a strictly worse case than a single rapid-fire
	// burst.
	ShouldFreeze bool `json:"should_freeze"`

	// FreezeReason explains ShouldFreeze when set.
	FreezeReason string `json:"freeze_reason,omitempty"`
}
