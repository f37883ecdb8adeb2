// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule provides the single timer facility used by the guard layer.
//
// # Description
//
// Cooldowns, settle delays, and idle-slot work all go through one Scheduler
// so that timing behavior is deterministic in tests: production code uses
// Timers (backed by time.AfterFunc), tests use Manual and advance a fake
// clock explicitly.
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use.
package schedule

import (
	"sync"
	"time"
)

// Handle represents a scheduled callback that can be cancelled.
type Handle interface {
	// Cancel stops the callback from firing. Safe to call more than once,
	// and safe to call after the callback has already run.
	Cancel()
}

// Scheduler schedules callbacks for future or idle execution.
type Scheduler interface {
	// After runs fn once d has elapsed.
	After(d time.Duration, fn func()) Handle

	// OnIdle runs fn at the next idle slot. Idle work is best-effort and
	// may be coalesced behind timed work.
	OnIdle(fn func()) Handle

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// DefaultIdleDelay approximates an idle slot for the timer-backed scheduler.
const DefaultIdleDelay = 50 * time.Millisecond

// Timers is the production Scheduler backed by time.AfterFunc.
type Timers struct {
	// IdleDelay overrides DefaultIdleDelay when positive.
	IdleDelay time.Duration
}

// NewTimers creates a timer-backed scheduler.
func NewTimers() *Timers {
	return &Timers{}
}

// After implements Scheduler.
func (t *Timers) After(d time.Duration, fn func()) Handle {
	return &timerHandle{timer: time.AfterFunc(d, fn)}
}

// OnIdle implements Scheduler.
func (t *Timers) OnIdle(fn func()) Handle {
	d := t.IdleDelay
	if d <= 0 {
		d = DefaultIdleDelay
	}
	return t.After(d, fn)
}

// Now implements Scheduler.
func (t *Timers) Now() time.Time {
	return time.Now()
}

type timerHandle struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (h *timerHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

var _ Scheduler = (*Timers)(nil)
