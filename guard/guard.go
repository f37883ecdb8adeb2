// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard implements the per-view render guard.
//
// # Description
//
// A Guard wraps one monitored view's update cycle. Record is called once
// per update and maintains the view's metrics; when the update count
// crosses the error threshold while inter-update gaps stay below redraw
// tick scale, the guard opens a local circuit breaker for a cooldown and
// asks the view to pause. The guard composes a stability tracker for
// pattern-based detection under the hard thresholds, and can link to the
// process-wide mutation-rate breaker so a store-level storm pauses opted-in
// views too.
//
// Classifications and counters are pushed to the loop registry and the
// diagnostics recorder; the guard itself never blocks an update.
//
// # Thread Safety
//
// Safe for concurrent use. Scheduler callbacks run on timer goroutines.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/renderguard/breaker"
	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/registry"
	"github.com/AleutianAI/renderguard/schedule"
	"github.com/AleutianAI/renderguard/stability"
)

// Config configures guard thresholds.
type Config struct {
	// Name identifies the monitored view in reports and diagnostics.
	Name string

	// WarnThreshold is the update count that logs a transient warning
	// (default: 25).
	WarnThreshold int

	// ErrorThreshold is the update count that opens the local breaker when
	// gaps stay rapid (default: 45).
	ErrorThreshold int

	// RapidInterval is the redraw-tick-scale gap bound: only updates
	// arriving faster than this count toward opening (default: 16ms).
	RapidInterval time.Duration

	// Cooldown is how long the local breaker stays open with no further
	// violating updates (default: 4s).
	Cooldown time.Duration

	// MemorySpikeBytes is the per-update heap growth that records a
	// memory-spike diagnostic (default: 16MiB).
	MemorySpikeBytes int64

	// PauseOnStoreBreaker pauses this view whenever the linked
	// mutation-rate breaker is open.
	PauseOnStoreBreaker bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:    25,
		ErrorThreshold:   45,
		RapidInterval:    16 * time.Millisecond,
		Cooldown:         4 * time.Second,
		MemorySpikeBytes: 16 << 20,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = "view"
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = d.WarnThreshold
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.RapidInterval <= 0 {
		c.RapidInterval = d.RapidInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MemorySpikeBytes <= 0 {
		c.MemorySpikeBytes = d.MemorySpikeBytes
	}
	return c
}

// Metrics is the guard's read-only metric snapshot.
type Metrics struct {
	// RenderCount is the update count in the current epoch. Monotonically
	// non-decreasing until an explicit Reset.
	RenderCount int `json:"render_count"`

	// SincePreviousMs is the gap between the last two updates.
	SincePreviousMs int64 `json:"since_previous_ms"`

	// SinceFirstMs is the time between the epoch's first and latest update.
	SinceFirstMs int64 `json:"since_first_ms"`

	// CircuitBreakerActive reports whether the local breaker is open.
	CircuitBreakerActive bool `json:"circuit_breaker_active"`

	// ShouldPause asks the view to stop scheduling updates: true while the
	// local breaker is open, or while a linked store breaker is open for
	// opted-in guards.
	ShouldPause bool `json:"should_pause"`

	// MemorySample is the latest sampled heap size, if a sampler is set.
	MemorySample int64 `json:"memory_sample,omitempty"`

	// MemoryDelta is the heap growth across the epoch, if sampled.
	MemoryDelta int64 `json:"memory_delta,omitempty"`
}

// TransitionFunc receives the metric snapshot taken at the transition.
type TransitionFunc func(Metrics)

// Guard is the per-view sentinel.
//
// Created when the monitored view mounts and stopped on unmount; metrics
// are lost with the guard.
type Guard struct {
	config Config

	sched      schedule.Scheduler
	logger     *slog.Logger
	recorder   *diagnostics.Recorder
	loops      *registry.LoopRegistry
	store      *breaker.MutationBreaker
	tracker    *stability.Tracker
	sampler    func() int64
	snapshotFn func() map[string]any
	onOpen     TransitionFunc
	onClose    TransitionFunc

	mu             sync.Mutex
	alive          bool
	count          int
	epochStart     time.Time
	lastUpdate     time.Time
	lastGap        time.Duration
	baselineMemory int64
	lastMemory     int64
	localOpen      bool
	cooldown       schedule.Handle
	lastPattern    stability.Pattern
	freezeReported bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithScheduler sets the timer facility (default: shared system timers).
func WithScheduler(s schedule.Scheduler) Option {
	return func(g *Guard) { g.sched = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithRecorder wires the diagnostics recorder.
func WithRecorder(r *diagnostics.Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithRegistry wires the loop registry that receives evidence.
func WithRegistry(r *registry.LoopRegistry) Option {
	return func(g *Guard) { g.loops = r }
}

// WithStoreBreaker links the process-wide mutation-rate breaker.
func WithStoreBreaker(b *breaker.MutationBreaker) Option {
	return func(g *Guard) { g.store = b }
}

// WithMemorySampler sets the heap sampler invoked on every update.
func WithMemorySampler(fn func() int64) Option {
	return func(g *Guard) { g.sampler = fn }
}

// WithSnapshotFunc sets the function capturing the view's relevant
// inputs/state at sample time, used by the stability tracker for diffing.
func WithSnapshotFunc(fn func() map[string]any) Option {
	return func(g *Guard) { g.snapshotFn = fn }
}

// WithStabilityConfig overrides the stability tracker thresholds.
func WithStabilityConfig(cfg stability.Config) Option {
	return func(g *Guard) { g.tracker = stability.NewTracker(cfg) }
}

// WithOnOpen sets the callback fired when the local breaker opens.
// It runs after the triggering update commits, never inside it.
func WithOnOpen(fn TransitionFunc) Option {
	return func(g *Guard) { g.onOpen = fn }
}

// WithOnClose sets the callback fired when the local breaker closes.
func WithOnClose(fn TransitionFunc) Option {
	return func(g *Guard) { g.onClose = fn }
}

// New creates a guard for one monitored view.
func New(config Config, opts ...Option) *Guard {
	g := &Guard{
		config: config.normalized(),
		logger: slog.Default(),
		alive:  true,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sched == nil {
		g.sched = schedule.NewTimers()
	}
	if g.tracker == nil {
		g.tracker = stability.NewTracker(stability.DefaultConfig())
	}
	return g
}

// Record registers one update cycle.
//
// # Description
//
// Updates the metric counters, feeds the stability tracker, and evaluates
// the local breaker. Open/close callbacks are scheduled to run only after
// the current update commits, so a callback can never re-enter the
// update that triggered it.
func (g *Guard) Record() {
	g.mu.Lock()
	if !g.alive {
		g.mu.Unlock()
		return
	}

	now := g.sched.Now()
	var sinceLast time.Duration
	if g.count == 0 {
		g.epochStart = now
		if g.sampler != nil {
			g.baselineMemory = g.sampler()
			g.lastMemory = g.baselineMemory
		}
	} else {
		sinceLast = now.Sub(g.lastUpdate)
	}
	g.count++
	g.lastUpdate = now
	g.lastGap = sinceLast

	var memDelta int64
	if g.sampler != nil && g.count > 1 {
		mem := g.sampler()
		memDelta = mem - g.lastMemory
		g.lastMemory = mem
	}

	var snapshot map[string]any
	if g.snapshotFn != nil {
		snapshot = g.snapshotFn()
	}
	report := g.tracker.Track(stability.Sample{
		Timestamp:   now,
		SinceLast:   sinceLast,
		MemoryDelta: memDelta,
		Snapshot:    snapshot,
	})

	warned := g.count == g.config.WarnThreshold
	violating := g.count > 1 && sinceLast < g.config.RapidInterval

	var opened bool
	var openMetrics Metrics
	switch {
	case !g.localOpen && g.count >= g.config.ErrorThreshold && violating:
		g.localOpen = true
		g.scheduleCooldownLocked()
		opened = true
		openMetrics = g.metricsLocked()
	case g.localOpen && violating:
		// Still storming: restart the cooldown so it only elapses after a
		// quiet period.
		g.scheduleCooldownLocked()
	}

	patternChanged := report.Pattern != g.lastPattern
	g.lastPattern = report.Pattern
	freeze := report.ShouldFreeze && !g.freezeReported
	if freeze {
		g.freezeReported = true
	}
	metrics := g.metricsLocked()
	g.mu.Unlock()

	// Side effects after the bookkeeping commits.
	if memDelta > g.config.MemorySpikeBytes {
		g.record(diagnostics.KindMemorySpike, diagnostics.MemorySpikeData{
			DeltaBytes: memDelta,
			TotalBytes: metrics.MemorySample,
		})
	}

	if warned {
		g.logger.Warn("render guard warn threshold crossed",
			"entity", g.config.Name,
			"render_count", metrics.RenderCount,
			"since_first_ms", metrics.SinceFirstMs,
		)
		g.notify(registry.SeverityWarning, "update count crossed warn threshold", metrics)
	}

	if patternChanged && report.Pattern != stability.PatternStable {
		for _, w := range report.Warnings {
			g.record(diagnostics.KindStabilityWarning, diagnostics.StabilityWarningData{
				Pattern: string(w.Pattern),
				Detail:  w.Detail,
				Freeze:  report.ShouldFreeze,
			})
		}
	}

	if freeze {
		g.logger.Error("render guard stability freeze",
			"entity", g.config.Name,
			"reason", report.FreezeReason,
		)
		g.record(diagnostics.KindStabilityWarning, diagnostics.StabilityWarningData{
			Pattern: string(report.Pattern),
			Detail:  report.FreezeReason,
			Freeze:  true,
		})
		g.notify(registry.SeverityCritical, report.FreezeReason, metrics)
	}

	if opened {
		guardOpens(g.config.Name)
		g.logger.Error("render guard circuit opened",
			"entity", g.config.Name,
			"render_count", openMetrics.RenderCount,
			"since_previous_ms", openMetrics.SincePreviousMs,
			"cooldown", g.config.Cooldown,
		)
		g.record(diagnostics.KindBreakerTransition, diagnostics.BreakerTransitionData{
			Breaker:         g.config.Name,
			Open:            true,
			Reason:          "update count exceeded error threshold at redraw tick scale",
			UpdatesInWindow: openMetrics.RenderCount,
		})
		g.notify(registry.SeverityCritical, "render loop: update count exceeded error threshold", openMetrics)
		g.fireTransition(g.onOpen, openMetrics)
	}
}

// scheduleCooldownLocked (re)starts the auto-close timer. Caller holds g.mu.
func (g *Guard) scheduleCooldownLocked() {
	if g.cooldown != nil {
		g.cooldown.Cancel()
	}
	g.cooldown = g.sched.After(g.config.Cooldown, g.autoClose)
}

// autoClose closes the local breaker once the cooldown elapses quietly.
func (g *Guard) autoClose() {
	g.mu.Lock()
	if !g.alive || !g.localOpen {
		g.mu.Unlock()
		return
	}
	g.localOpen = false
	g.cooldown = nil
	metrics := g.metricsLocked()
	g.mu.Unlock()

	g.logger.Info("render guard circuit closed", "entity", g.config.Name, "reason", "cooldown elapsed")
	g.record(diagnostics.KindBreakerTransition, diagnostics.BreakerTransitionData{
		Breaker: g.config.Name,
		Open:    false,
		Reason:  "cooldown elapsed",
	})
	g.fireTransition(g.onClose, metrics)
}

// fireTransition schedules a transition callback to run after the current
// update commits. The callback is dropped if the guard was stopped in the
// meantime.
func (g *Guard) fireTransition(fn TransitionFunc, metrics Metrics) {
	if fn == nil {
		return
	}
	g.sched.After(0, func() {
		g.mu.Lock()
		alive := g.alive
		g.mu.Unlock()
		if alive {
			fn(metrics)
		}
	})
}

// Reset zeroes counters, force-closes an open local breaker, and starts a
// new baseline epoch.
func (g *Guard) Reset() {
	g.mu.Lock()
	wasOpen := g.localOpen
	g.localOpen = false
	if g.cooldown != nil {
		g.cooldown.Cancel()
		g.cooldown = nil
	}
	g.count = 0
	g.epochStart = time.Time{}
	g.lastUpdate = time.Time{}
	g.lastGap = 0
	g.baselineMemory = 0
	g.lastMemory = 0
	g.lastPattern = ""
	g.freezeReported = false
	g.tracker.Reset()
	metrics := g.metricsLocked()
	g.mu.Unlock()

	if wasOpen {
		g.record(diagnostics.KindBreakerTransition, diagnostics.BreakerTransitionData{
			Breaker: g.config.Name,
			Open:    false,
			Reason:  "explicit reset",
		})
		g.fireTransition(g.onClose, metrics)
	}
}

// Stop marks the guard inactive on view unmount and cancels pending
// timers. Queued callbacks become no-ops.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alive = false
	if g.cooldown != nil {
		g.cooldown.Cancel()
		g.cooldown = nil
	}
}

// Metrics returns a read-only snapshot.
func (g *Guard) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metricsLocked()
}

// Name returns the monitored view's name.
func (g *Guard) Name() string {
	return g.config.Name
}

// metricsLocked builds the snapshot. Caller holds g.mu.
func (g *Guard) metricsLocked() Metrics {
	m := Metrics{
		RenderCount:          g.count,
		SincePreviousMs:      g.lastGap.Milliseconds(),
		CircuitBreakerActive: g.localOpen,
		ShouldPause:          g.localOpen,
	}
	if g.count > 0 {
		m.SinceFirstMs = g.lastUpdate.Sub(g.epochStart).Milliseconds()
	}
	if g.sampler != nil {
		m.MemorySample = g.lastMemory
		m.MemoryDelta = g.lastMemory - g.baselineMemory
	}
	if !m.ShouldPause && g.config.PauseOnStoreBreaker && g.store != nil {
		m.ShouldPause = g.store.Snapshot().Open
	}
	return m
}

// record forwards a diagnostic if a recorder is wired.
func (g *Guard) record(kind diagnostics.Kind, data any) {
	if g.recorder != nil {
		g.recorder.Record(kind, g.config.Name, data)
	}
}

// notify forwards evidence if a registry is wired.
func (g *Guard) notify(severity registry.Severity, reason string, m Metrics) {
	if g.loops == nil {
		return
	}
	g.loops.Notify(g.config.Name, registry.Evidence{
		Severity: severity,
		Reason:   reason,
		Metrics: registry.ReportMetrics{
			RenderCount:      m.RenderCount,
			SincePreviousMs:  m.SincePreviousMs,
			SinceFirstMs:     m.SinceFirstMs,
			MemoryDeltaBytes: m.MemoryDelta,
		},
	})
}
