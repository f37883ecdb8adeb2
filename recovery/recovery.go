// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery implements the boundary-level staged recovery protocol.
//
// # Description
//
// A Coordinator catches render-loop failures for one guarded boundary and
// runs the ordered remediation sequence flush -> soft-reset -> hard-reset
// until the loop registry's flag for the entity clears or the stages are
// exhausted. Errors that do not match a recognized render-loop signature
// are never swallowed: Catch returns them unchanged so the next-higher
// boundary sees them.
//
// Each stage records its attempt, invokes its collaborator action, waits a
// short settle delay for the detectors to re-evaluate, and only then checks
// the flag. A failing stage action is caught and counted as a failed
// attempt; the loop always advances rather than aborting, since even a
// failed flush must not block attempting a reset.
//
// # Thread Safety
//
// Safe for concurrent use. Stage evaluation runs on timer goroutines.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/registry"
	"github.com/AleutianAI/renderguard/schedule"
)

// State is the coordinator's lifecycle state.
type State string

const (
	// StateHealthy means no failure is being handled.
	StateHealthy State = "healthy"

	// StateCaught means a recognized failure was captured and the staged
	// loop is about to start.
	StateCaught State = "caught"

	// StateRecovering means the staged loop is in flight.
	StateRecovering State = "recovering"

	// StateResolved means the last run cleared the flag.
	StateResolved State = "resolved"

	// StateExhausted means every stage ran without clearing the flag;
	// only manual Retry or Resume moves the machine forward.
	StateExhausted State = "exhausted"
)

// Stage names one remediation step.
type Stage string

const (
	// StageFlush asks the owning view to persist its editable snapshot
	// before any structural change.
	StageFlush Stage = "flush"

	// StageSoftReset signals the monitored subtree to rebuild from
	// persisted state, dropping desynchronized transient render state.
	StageSoftReset Stage = "soft-reset"

	// StageHardReset additionally reinitializes application state to
	// defaults.
	StageHardReset Stage = "hard-reset"
)

// Attempt outcomes.
const (
	OutcomeCleared      = "cleared"
	OutcomeStillFlagged = "still-flagged"
	OutcomeFailed       = "failed"
)

// Attempt records one stage attempt within a run.
type Attempt struct {
	Stage       Stage     `json:"stage"`
	AttemptedAt time.Time `json:"attempted_at"`
	Outcome     string    `json:"outcome"`
}

// Escalation selects how a pattern-based freeze (no boundary exception)
// maps onto the staged protocol.
type Escalation string

const (
	// EscalationFull runs the identical staged protocol as a caught
	// exception.
	EscalationFull Escalation = "full"

	// EscalationFlushOnly persists pending edits but performs no resets.
	EscalationFlushOnly Escalation = "flush-only"

	// EscalationNone leaves freezes to manual intervention.
	EscalationNone Escalation = "none"
)

// Flusher persists the owning view's current editable snapshot. Must be
// idempotent; may defer work when immediate is false.
type Flusher interface {
	FlushPendingState(ctx context.Context, reason string, immediate bool) error
}

// ResetSignaler broadcasts the global parameterless reset signal asking
// the guarded subtree to discard and rebuild its render state.
type ResetSignaler interface {
	SignalReset(ctx context.Context) error
}

// StateResetter restores application state to defaults. Hard-reset only.
type StateResetter interface {
	ResetToInitial(ctx context.Context) error
}

// Config configures a Coordinator.
type Config struct {
	// Entity is the guarded boundary's name in the loop registry.
	Entity string

	// SettleDelay is the pause after each stage action before the flag is
	// re-checked (default: 120ms).
	SettleDelay time.Duration

	// Signatures are the recognized render-loop error substrings, matched
	// case-insensitively. Defaults cover the common storm messages.
	Signatures []string

	// FreezeEscalation selects the stage set used for pattern-based
	// freezes (default: EscalationFull).
	FreezeEscalation Escalation
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(entity string) Config {
	return Config{
		Entity:      entity,
		SettleDelay: 120 * time.Millisecond,
		Signatures: []string{
			"maximum update depth",
			"too many re-renders",
			"render loop",
			"update storm",
		},
		FreezeEscalation: EscalationFull,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig(c.Entity)
	if c.Entity == "" {
		c.Entity = "view"
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if len(c.Signatures) == 0 {
		c.Signatures = d.Signatures
	}
	if c.FreezeEscalation == "" {
		c.FreezeEscalation = d.FreezeEscalation
	}
	return c
}

// Coordinator drives staged recovery for one guarded boundary.
type Coordinator struct {
	config Config

	sched    schedule.Scheduler
	logger   *slog.Logger
	recorder *diagnostics.Recorder
	loops    *registry.LoopRegistry
	tracer   trace.Tracer

	flusher  Flusher
	signaler ResetSignaler
	resetter StateResetter

	mu         sync.Mutex
	state      State
	stages     []Stage
	stageIndex int
	attempts   []Attempt
	errorCount int
	lastError  string
	settle     schedule.Handle
	span       trace.Span
	spanEnd    context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithScheduler sets the timer facility (default: shared system timers).
func WithScheduler(s schedule.Scheduler) Option {
	return func(c *Coordinator) { c.sched = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithRecorder wires the diagnostics recorder.
func WithRecorder(r *diagnostics.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithFlusher sets the flush collaborator.
func WithFlusher(f Flusher) Option {
	return func(c *Coordinator) { c.flusher = f }
}

// WithResetSignaler sets the soft-reset collaborator.
func WithResetSignaler(s ResetSignaler) Option {
	return func(c *Coordinator) { c.signaler = s }
}

// WithStateResetter sets the hard-reset collaborator.
func WithStateResetter(r StateResetter) Option {
	return func(c *Coordinator) { c.resetter = r }
}

// New creates a Coordinator gated by the given loop registry.
func New(config Config, loops *registry.LoopRegistry, opts ...Option) *Coordinator {
	c := &Coordinator{
		config: config.normalized(),
		logger: slog.Default(),
		loops:  loops,
		tracer: otel.Tracer("renderguard.recovery"),
		state:  StateHealthy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = schedule.NewTimers()
	}
	return c
}

// Catch classifies a boundary failure.
//
// # Description
//
// Recognized render-loop failures are consumed: the error counter is
// incremented, the entity is flagged critical, and the staged loop starts
// from stage 0 — restarting an in-flight run if one exists. Unrecognized
// errors are returned unchanged and must be re-raised by the caller.
//
// Inputs:
//   - err: the caught failure; nil is a no-op.
//
// Outputs:
//   - error: nil when consumed, err itself when not recognized.
func (c *Coordinator) Catch(err error) error {
	if err == nil {
		return nil
	}
	signature := c.classify(err)
	if signature == "" {
		return err
	}

	c.mu.Lock()
	c.errorCount++
	count := c.errorCount
	c.lastError = err.Error()
	c.cancelSettleLocked()
	c.stages = stagesFor(EscalationFull)
	c.state = StateCaught
	c.mu.Unlock()

	c.logger.Error("render-loop failure caught",
		"entity", c.config.Entity,
		"signature", signature,
		"error_count", count,
	)
	c.record(diagnostics.KindCapture, diagnostics.CaptureData{
		Reason:     signature,
		Message:    err.Error(),
		ErrorCount: count,
	})
	c.loops.Notify(c.config.Entity, registry.Evidence{
		Severity: registry.SeverityCritical,
		Reason:   "boundary-caught failure: " + signature,
	})

	c.begin("catch")
	return nil
}

// Escalate starts the staged protocol for a pattern-based freeze, honoring
// the FreezeEscalation config. With EscalationNone this is a no-op.
func (c *Coordinator) Escalate() {
	stages := stagesFor(c.config.FreezeEscalation)
	if len(stages) == 0 {
		c.logger.Warn("freeze escalation disabled, leaving flag for manual intervention",
			"entity", c.config.Entity)
		return
	}

	c.mu.Lock()
	c.cancelSettleLocked()
	c.stages = stages
	c.mu.Unlock()

	c.begin("freeze")
}

// Retry restarts an exhausted run from stage 0.
func (c *Coordinator) Retry() {
	c.mu.Lock()
	if c.state != StateExhausted {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("manual recovery retry", "entity", c.config.Entity)
	c.begin("retry")
}

// Resume force-clears an exhausted run without further remediation. This
// is the user-initiated override: the flag is acknowledged and the
// machine returns to Healthy.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	if c.state != StateExhausted {
		c.mu.Unlock()
		return
	}
	c.state = StateHealthy
	c.stageIndex = 0
	c.attempts = nil
	c.endSpanLocked("resumed")
	c.mu.Unlock()

	c.loops.Acknowledge(c.config.Entity)
	c.logger.Warn("recovery resumed without remediation", "entity", c.config.Entity)
	recoveryRuns(c.config.Entity, "resumed")
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns a copy of the current run's attempt sequence. Populated
// while Recovering or Exhausted; cleared on resolution or manual resume.
func (c *Coordinator) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// ErrorCount returns the running boundary error counter.
func (c *Coordinator) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// LastError returns the text of the most recent recognized failure.
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// classify returns the matched signature, or "" when unrecognized.
func (c *Coordinator) classify(err error) string {
	msg := strings.ToLower(err.Error())
	for _, sig := range c.config.Signatures {
		if strings.Contains(msg, strings.ToLower(sig)) {
			return sig
		}
	}
	return ""
}

// stagesFor maps an escalation level onto its stage set.
func stagesFor(level Escalation) []Stage {
	switch level {
	case EscalationFlushOnly:
		return []Stage{StageFlush}
	case EscalationNone:
		return nil
	default:
		return []Stage{StageFlush, StageSoftReset, StageHardReset}
	}
}

// begin resets the run and executes stage 0 synchronously. The flush
// stage must run before any structural change, so it is not deferred.
func (c *Coordinator) begin(trigger string) {
	c.mu.Lock()
	c.cancelSettleLocked()
	c.stageIndex = 0
	c.attempts = nil
	c.endSpanLocked("restarted")
	ctx, cancel := context.WithCancel(context.Background())
	_, c.span = c.tracer.Start(ctx, "recovery.run",
		trace.WithAttributes(
			attribute.String("entity", c.config.Entity),
			attribute.String("trigger", trigger),
		))
	c.spanEnd = cancel
	c.state = StateRecovering
	c.mu.Unlock()

	c.runStage()
}

// runStage records and invokes the current stage's action, then schedules
// the settle delay before the flag is re-checked.
func (c *Coordinator) runStage() {
	c.mu.Lock()
	if c.state != StateRecovering || c.stageIndex >= len(c.stages) {
		c.mu.Unlock()
		return
	}
	stage := c.stages[c.stageIndex]
	ordinal := c.stageIndex + 1
	c.attempts = append(c.attempts, Attempt{Stage: stage, AttemptedAt: c.sched.Now()})
	if c.span != nil {
		c.span.AddEvent("stage", trace.WithAttributes(attribute.String("stage", string(stage))))
	}
	c.mu.Unlock()

	c.logger.Info("recovery stage starting",
		"entity", c.config.Entity,
		"stage", stage,
		"attempt", ordinal,
	)

	if err := c.invoke(stage); err != nil {
		c.logger.Error("recovery stage action failed",
			"entity", c.config.Entity,
			"stage", stage,
			"error", err,
		)
		c.record(diagnostics.KindRecoveryFailure, diagnostics.RecoveryFailureData{
			Stage:   string(stage),
			Message: err.Error(),
		})
		c.mu.Lock()
		c.attempts[len(c.attempts)-1].Outcome = OutcomeFailed
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.settle = c.sched.After(c.config.SettleDelay, c.evaluateStage)
	c.mu.Unlock()
}

// invoke dispatches one stage action with panic containment. A panicking
// collaborator is a failed attempt, never an aborted run.
func (c *Coordinator) invoke(stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage action panicked: %v", r)
		}
	}()

	ctx := context.Background()
	switch stage {
	case StageFlush:
		if c.flusher == nil {
			return nil
		}
		return c.flusher.FlushPendingState(ctx, "recovery", true)
	case StageSoftReset:
		if c.signaler == nil {
			return nil
		}
		return c.signaler.SignalReset(ctx)
	case StageHardReset:
		if c.resetter != nil {
			if err := c.resetter.ResetToInitial(ctx); err != nil {
				return err
			}
		}
		if c.signaler == nil {
			return nil
		}
		return c.signaler.SignalReset(ctx)
	default:
		return fmt.Errorf("unknown recovery stage %q", stage)
	}
}

// evaluateStage runs after the settle delay: resolve if the detectors
// cleared the flag, otherwise advance.
func (c *Coordinator) evaluateStage() {
	cleared := !c.loops.IsFlagged(c.config.Entity)

	c.mu.Lock()
	if c.state != StateRecovering || c.stageIndex >= len(c.stages) {
		c.mu.Unlock()
		return
	}
	c.settle = nil
	stage := c.stages[c.stageIndex]
	ordinal := c.stageIndex + 1
	last := &c.attempts[len(c.attempts)-1]
	if last.Outcome == "" {
		if cleared {
			last.Outcome = OutcomeCleared
		} else {
			last.Outcome = OutcomeStillFlagged
		}
	}
	outcome := last.Outcome

	if cleared {
		c.state = StateResolved
		c.attempts = nil
		c.stageIndex = 0
		c.endSpanLocked("resolved")
		c.mu.Unlock()

		c.record(diagnostics.KindRecoveryAttempt, diagnostics.RecoveryAttemptData{
			Stage:   string(stage),
			Attempt: ordinal,
			Outcome: outcome,
		})
		c.loops.Acknowledge(c.config.Entity)
		c.logger.Info("recovery resolved",
			"entity", c.config.Entity,
			"stage", stage,
			"attempts", ordinal,
		)
		recoveryRuns(c.config.Entity, "resolved")
		return
	}

	exhausted := c.stageIndex == len(c.stages)-1
	if exhausted {
		c.state = StateExhausted
		c.endSpanLocked("exhausted")
	} else {
		c.stageIndex++
	}
	c.mu.Unlock()

	c.record(diagnostics.KindRecoveryAttempt, diagnostics.RecoveryAttemptData{
		Stage:   string(stage),
		Attempt: ordinal,
		Outcome: outcome,
	})

	if exhausted {
		c.logger.Error("recovery exhausted, awaiting manual retry or resume",
			"entity", c.config.Entity,
			"stages", len(c.stages),
		)
		recoveryRuns(c.config.Entity, "exhausted")
		return
	}
	c.runStage()
}

// cancelSettleLocked drops a pending settle timer. Caller holds c.mu.
func (c *Coordinator) cancelSettleLocked() {
	if c.settle != nil {
		c.settle.Cancel()
		c.settle = nil
	}
}

// endSpanLocked closes the active run span, if any. Caller holds c.mu.
func (c *Coordinator) endSpanLocked(outcome string) {
	if c.span != nil {
		c.span.SetAttributes(attribute.String("outcome", outcome))
		c.span.End()
		c.span = nil
	}
	if c.spanEnd != nil {
		c.spanEnd()
		c.spanEnd = nil
	}
}

// record forwards a diagnostic if a recorder is wired.
func (c *Coordinator) record(kind diagnostics.Kind, data any) {
	if c.recorder != nil {
		c.recorder.Record(kind, c.config.Entity, data)
	}
}
