// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests.
//
// # Description
//
// Time does not pass on its own: callbacks fire only when Advance moves the
// fake clock past their due time, and they fire on the goroutine that calls
// Advance, in due-time order. OnIdle callbacks fire on the next Advance or
// RunIdle call.
//
// # Thread Safety
//
// Safe for concurrent use, though tests normally drive it from one goroutine.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
	idle  []*manualTask
}

type manualTask struct {
	owner     *Manual
	due       time.Time
	seq       int
	fn        func()
	cancelled bool
	idle      bool
}

// NewManual creates a manual scheduler starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// After implements Scheduler.
func (m *Manual) After(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{owner: m, due: m.now.Add(d), seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// OnIdle implements Scheduler.
func (m *Manual) OnIdle(fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{owner: m, seq: m.seq, fn: fn, idle: true}
	m.idle = append(m.idle, t)
	return t
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, firing due callbacks in order.
// Idle callbacks queued before the call fire after the due ones.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := m.takeDueLocked()
	idle := m.idle
	m.idle = nil
	m.mu.Unlock()

	for _, t := range append(due, idle...) {
		if !t.isCancelled() {
			t.fn()
		}
	}
}

// RunIdle fires all pending idle callbacks without moving the clock.
func (m *Manual) RunIdle() {
	m.mu.Lock()
	idle := m.idle
	m.idle = nil
	m.mu.Unlock()

	for _, t := range idle {
		if !t.isCancelled() {
			t.fn()
		}
	}
}

// Pending returns the number of scheduled (non-idle) callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// takeDueLocked removes and returns tasks due at or before the current time,
// ordered by due time then scheduling order. Caller must hold m.mu.
func (m *Manual) takeDueLocked() []*manualTask {
	var due, rest []*manualTask
	for _, t := range m.tasks {
		if !t.due.After(m.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.tasks = rest
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	return due
}

// Cancel implements Handle.
func (t *manualTask) Cancel() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.cancelled = true
}

func (t *manualTask) isCancelled() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.cancelled
}

var _ Scheduler = (*Manual)(nil)
