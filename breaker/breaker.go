// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the process-wide mutation-rate circuit breaker.
//
// # Description
//
// The breaker watches the mutation rate of a shared state store,
// independent of any one view. When the rate inside the sliding window
// exceeds the configured limit the breaker opens for a cooldown period;
// guards that opt in pause their views while it is open. After the cooldown
// a single probe mutation is let through: if the window stays under the
// limit the breaker closes, otherwise it re-opens with an extended cooldown.
//
// # Thread Safety
//
// Safe for concurrent use.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Config configures the mutation-rate breaker.
type Config struct {
	// Name identifies the breaker in snapshots and diagnostics (default: "store").
	Name string

	// Limit is the mutation count that trips the breaker when exceeded
	// within Window (default: 100).
	Limit int

	// Window is the sliding window length (default: 1s).
	Window time.Duration

	// Cooldown is how long the breaker stays open after tripping (default: 5s).
	Cooldown time.Duration

	// ExtendFactor multiplies the cooldown when a half-open probe fails
	// (default: 2).
	ExtendFactor float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:         "store",
		Limit:        100,
		Window:       time.Second,
		Cooldown:     5 * time.Second,
		ExtendFactor: 2,
	}
}

func (c Config) normalized() Config {
	if c.Name == "" {
		c.Name = "store"
	}
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.ExtendFactor < 1 {
		c.ExtendFactor = 2
	}
	return c
}

// Snapshot is an immutable view of the breaker state.
type Snapshot struct {
	// Name identifies the breaker.
	Name string `json:"name"`

	// Open reports whether the breaker is currently open.
	Open bool `json:"open"`

	// Reason explains the most recent open transition.
	Reason string `json:"reason,omitempty"`

	// OpenUntil is when the cooldown elapses. Strictly after the open
	// timestamp whenever Open is true.
	OpenUntil time.Time `json:"open_until,omitempty"`

	// UpdatesInWindow is the mutation count currently inside the window.
	UpdatesInWindow int `json:"updates_in_window"`
}

// Listener receives a snapshot on each state transition.
type Listener func(Snapshot)

// MutationBreaker is the process-wide mutation-rate circuit breaker.
//
// Constructed once per state store and passed by handle to consumers;
// tests instantiate fresh copies per case.
type MutationBreaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	samples   []time.Time
	open      bool
	openedAt  time.Time
	openUntil time.Time
	reason    string
	cooldown  time.Duration // current cooldown, grows on failed probes
	listeners map[int]Listener
	nextSub   int

	// Metrics
	totalMutations int64
	totalOpens     int64
}

// Option configures a MutationBreaker.
type Option func(*MutationBreaker)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *MutationBreaker) { b.now = fn }
}

// New creates a mutation-rate breaker.
func New(config Config, opts ...Option) *MutationBreaker {
	b := &MutationBreaker{
		config:    config.normalized(),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
	b.cooldown = b.config.Cooldown
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordMutation registers one store mutation attributed to sourceTag.
//
// # Description
//
// Compacts samples older than the window, appends the new sample, and
// evaluates the breaker state. While open and cooling down, mutations are
// still counted but cause no transition. The first mutation after the
// cooldown elapses acts as the half-open probe: if the window (including
// the probe) is back under the limit the breaker closes, otherwise it
// re-opens with an extended cooldown.
func (b *MutationBreaker) RecordMutation(sourceTag string) {
	b.mu.Lock()
	now := b.now()
	b.totalMutations++
	b.compact(now)
	b.samples = append(b.samples, now)
	count := len(b.samples)

	var notify []Listener
	var snap Snapshot

	switch {
	case !b.open:
		if count > b.config.Limit {
			b.trip(now, count)
			notify, snap = b.listenersLocked(), b.snapshotLocked()
		}
	case now.Before(b.openUntil):
		// Still cooling down.
	default:
		// Half-open probe.
		if count > b.config.Limit {
			b.cooldown = time.Duration(float64(b.cooldown) * b.config.ExtendFactor)
			b.trip(now, count)
		} else {
			b.open = false
			b.reason = ""
			b.openUntil = time.Time{}
			b.cooldown = b.config.Cooldown
			notify, snap = b.listenersLocked(), b.snapshotLocked()
		}
	}
	openNow := b.open
	b.mu.Unlock()

	for _, fn := range notify {
		fn(snap)
	}
	recordMutationMetric(sourceTag, openNow)
}

// trip opens the breaker. Caller must hold b.mu.
func (b *MutationBreaker) trip(now time.Time, count int) {
	wasOpen := b.open
	b.open = true
	b.openedAt = now
	b.openUntil = now.Add(b.cooldown)
	b.reason = fmt.Sprintf("mutation rate %d > %d in %s", count, b.config.Limit, b.config.Window)
	if !wasOpen {
		b.totalOpens++
	}
}

// compact drops samples older than the window. Caller must hold b.mu.
func (b *MutationBreaker) compact(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.samples) && !b.samples[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// Snapshot returns an immutable view of the current state.
func (b *MutationBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compact(b.now())
	return b.snapshotLocked()
}

func (b *MutationBreaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:            b.config.Name,
		Open:            b.open,
		Reason:          b.reason,
		OpenUntil:       b.openUntil,
		UpdatesInWindow: len(b.samples),
	}
}

func (b *MutationBreaker) listenersLocked() []Listener {
	out := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		out = append(out, fn)
	}
	return out
}

// Subscribe registers a listener notified on state transitions only,
// never on individual mutations. Returns an unsubscribe function.
func (b *MutationBreaker) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Reset force-closes the breaker and clears the window.
func (b *MutationBreaker) Reset() {
	b.mu.Lock()
	var notify []Listener
	var snap Snapshot
	if b.open {
		b.open = false
		b.reason = ""
		b.openUntil = time.Time{}
		notify, snap = b.listenersLocked(), b.snapshotLocked()
	}
	b.samples = b.samples[:0]
	b.cooldown = b.config.Cooldown
	b.mu.Unlock()

	for _, fn := range notify {
		fn(snap)
	}
}
