// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that receives recorded events.
type Handler func(event Event)

// Subscription represents a live subscription to recorded events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler receives matching events.
	Handler Handler

	// Kinds limits which event kinds to deliver (nil = all kinds).
	Kinds []Kind
}

// Recorder is the append-only diagnostic sink.
//
// # Description
//
// Keeps a bounded in-memory buffer of recent events and broadcasts each
// recorded event to subscribers. Recording never returns an error and
// recovers any panic from payloads or handlers: a broken consumer must not
// disturb the guarded system.
//
// # Thread Safety
//
// Safe for concurrent use.
type Recorder struct {
	mu         sync.RWMutex
	bufferSize int
	buffer     []Event
	subs       map[string]*Subscription
	logger     *slog.Logger
	now        func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCapacity sets the event buffer capacity (default 500).
func WithCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithLogger sets the logger for dropped-handler diagnostics.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = fn }
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		bufferSize: 500,
		subs:       make(map[string]*Subscription),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.buffer = make([]Event, 0, r.bufferSize)
	return r
}

// Record appends an event and broadcasts it to matching subscribers.
//
// # Description
//
// Assigns the event ID and timestamp, buffers it (dropping the oldest
// entry at capacity), then delivers it to subscribers. Handler panics are
// recovered and logged; Record itself never panics and never blocks on a
// consumer.
func (r *Recorder) Record(kind Kind, entity string, data any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diagnostic record panicked", "kind", string(kind), "panic", rec)
		}
	}()

	event := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Entity:    entity,
		Timestamp: r.now(),
		Data:      data,
	}

	r.mu.Lock()
	if len(r.buffer) >= r.bufferSize {
		r.buffer = r.buffer[1:]
	}
	r.buffer = append(r.buffer, event)
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	recordEventMetric(kind)

	for _, sub := range subs {
		if !sub.matches(event.Kind) {
			continue
		}
		r.deliver(sub, event)
	}
}

// deliver invokes one handler with panic recovery.
func (r *Recorder) deliver(sub *Subscription, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diagnostic handler panicked",
				"subscription", sub.ID,
				"kind", string(event.Kind),
				"panic", rec,
			)
		}
	}()
	sub.Handler(event)
}

// Subscribe registers a handler for recorded events.
//
// Inputs:
//
//	handler - Function to call for each matching event.
//	kinds - Event kinds to deliver (nil = all kinds).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (r *Recorder) Subscribe(handler Handler, kinds ...Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Kinds:   kinds,
	}
	r.subs[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false if the ID is unknown.
func (r *Recorder) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; ok {
		delete(r.subs, id)
		return true
	}
	return false
}

// Events returns a copy of the buffered events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.buffer))
	copy(out, r.buffer)
	return out
}

// EventsByKind returns buffered events of one kind, oldest first.
func (r *Recorder) EventsByKind(kind Kind) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.buffer {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EventsFor returns buffered events concerning one entity, oldest first.
func (r *Recorder) EventsFor(entity string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.buffer {
		if e.Entity == entity {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards all buffered events. Subscriptions are kept.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = r.buffer[:0]
}

func (s *Subscription) matches(kind Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
