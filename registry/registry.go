// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry implements the process-wide loop registry.
//
// # Description
//
// The registry keeps the single latest detector report per monitored
// entity, plus a flagged bit that gates recovery. Producers (guards,
// trackers, the recovery boundary) push evidence; the recovery coordinator
// and the dev observability surface read it. A new report supersedes the
// previous one for the same entity, never merges with it. Once an entity's
// outstanding report reaches critical severity it stays critical until
// explicitly acknowledged.
//
// # Thread Safety
//
// Safe for concurrent use.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a detector report.
type Severity string

const (
	// SeverityWarning is a soft-threshold or pattern warning.
	SeverityWarning Severity = "warning"

	// SeverityCritical gates the staged recovery protocol.
	SeverityCritical Severity = "critical"
)

// ReportMetrics is the metric snapshot attached to a report.
type ReportMetrics struct {
	// RenderCount is the update count in the producing guard's epoch.
	RenderCount int `json:"render_count"`

	// SincePreviousMs is the gap before the most recent update.
	SincePreviousMs int64 `json:"since_previous_ms"`

	// SinceFirstMs is the length of the producing guard's epoch.
	SinceFirstMs int64 `json:"since_first_ms"`

	// MemoryDeltaBytes is the heap growth observed across the epoch, if sampled.
	MemoryDeltaBytes int64 `json:"memory_delta_bytes,omitempty"`
}

// Evidence is what producers push into the registry.
type Evidence struct {
	Severity Severity      `json:"severity"`
	Reason   string        `json:"reason"`
	Metrics  ReportMetrics `json:"metrics"`
}

// Report is the latest detector report for one entity.
//
// At most one outstanding report exists per entity name; a newer report
// supersedes the older one.
type Report struct {
	// ID uniquely identifies this report.
	ID string `json:"id"`

	// Entity is the monitored entity name.
	Entity string `json:"entity"`

	// Severity never drops from critical back to warning while the entity
	// is still flagged.
	Severity Severity `json:"severity"`

	// Reason is the producing detector's explanation.
	Reason string `json:"reason"`

	// Metrics is the snapshot attached by the producer.
	Metrics ReportMetrics `json:"metrics"`

	// Timestamp is when the report was produced.
	Timestamp time.Time `json:"timestamp"`
}

type entry struct {
	report  Report
	flagged bool
}

// LoopRegistry is the keyed store of latest reports and flagged state.
//
// Constructed once per process and passed by handle to consumers, so tests
// can instantiate fresh copies per case.
type LoopRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a LoopRegistry.
type Option func(*LoopRegistry)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(r *LoopRegistry) { r.now = fn }
}

// New creates an empty registry.
func New(opts ...Option) *LoopRegistry {
	r := &LoopRegistry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify upserts the latest report for name from the given evidence.
//
// # Description
//
// The new report replaces the previous one wholesale. Critical severity is
// sticky: while the entity is flagged, a warning-severity notification
// refreshes the report but keeps severity critical. Critical evidence sets
// the flag; warnings never do.
func (r *LoopRegistry) Notify(name string, evidence Evidence) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	severity := evidence.Severity
	if severity != SeverityCritical {
		severity = SeverityWarning
	}

	e, ok := r.entries[name]
	if !ok {
		e = &entry{}
		r.entries[name] = e
	}
	if e.flagged && e.report.Severity == SeverityCritical {
		severity = SeverityCritical
	}

	e.report = Report{
		ID:        uuid.NewString(),
		Entity:    name,
		Severity:  severity,
		Reason:    evidence.Reason,
		Metrics:   evidence.Metrics,
		Timestamp: r.now(),
	}
	if evidence.Severity == SeverityCritical {
		e.flagged = true
	}
	return e.report
}

// LatestReport returns the latest report for name, if any.
//
// The report is retained after acknowledgment for post-mortem inspection.
func (r *LoopRegistry) LatestReport(name string) (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Report{}, false
	}
	return e.report, true
}

// IsFlagged reports whether name has an unacknowledged critical report.
func (r *LoopRegistry) IsFlagged(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.flagged
}

// Acknowledge clears the flag for name. The historical report is retained.
// Calling this when not flagged is a no-op; the call is idempotent.
func (r *LoopRegistry) Acknowledge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.flagged = false
	}
}

// Entities returns the names of all entities with a report, flagged or not.
func (r *LoopRegistry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Flagged returns the names of all currently flagged entities.
func (r *LoopRegistry) Flagged() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.entries {
		if e.flagged {
			out = append(out, name)
		}
	}
	return out
}
