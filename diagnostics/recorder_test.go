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
	"testing"
	"time"
)

func TestRecorder_RecordBuffersEvents(t *testing.T) {
	r := NewRecorder()

	r.Record(KindCapture, "canvas", CaptureData{Reason: "render-loop", ErrorCount: 1})
	r.Record(KindStabilityWarning, "canvas", StabilityWarningData{Pattern: "rapid-fire"})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("Events() len = %d, want 2", len(events))
	}
	if events[0].Kind != KindCapture || events[1].Kind != KindStabilityWarning {
		t.Errorf("kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Error("events should have unique non-empty IDs")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestRecorder_DropsOldestAtCapacity(t *testing.T) {
	r := NewRecorder(WithCapacity(3))

	for i := 0; i < 5; i++ {
		r.Record(KindMemorySpike, "view", MemorySpikeData{DeltaBytes: int64(i)})
	}

	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("Events() len = %d, want 3", len(events))
	}
	if events[0].Data.(MemorySpikeData).DeltaBytes != 2 {
		t.Errorf("oldest retained delta = %d, want 2", events[0].Data.(MemorySpikeData).DeltaBytes)
	}
}

func TestRecorder_SubscribeFiltersByKind(t *testing.T) {
	r := NewRecorder()

	var got []Event
	r.Subscribe(func(e Event) { got = append(got, e) }, KindRecoveryAttempt)

	r.Record(KindCapture, "a", nil)
	r.Record(KindRecoveryAttempt, "a", RecoveryAttemptData{Stage: "flush", Attempt: 1})
	r.Record(KindRecoveryFailure, "a", nil)

	if len(got) != 1 {
		t.Fatalf("handler received %d events, want 1", len(got))
	}
	if got[0].Kind != KindRecoveryAttempt {
		t.Errorf("kind = %s, want %s", got[0].Kind, KindRecoveryAttempt)
	}
}

func TestRecorder_Unsubscribe(t *testing.T) {
	r := NewRecorder()

	count := 0
	id := r.Subscribe(func(Event) { count++ })

	r.Record(KindCapture, "a", nil)
	if !r.Unsubscribe(id) {
		t.Error("Unsubscribe returned false for live subscription")
	}
	if r.Unsubscribe(id) {
		t.Error("Unsubscribe returned true for removed subscription")
	}
	r.Record(KindCapture, "a", nil)

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestRecorder_HandlerPanicIsContained(t *testing.T) {
	r := NewRecorder()

	r.Subscribe(func(Event) { panic("broken consumer") })
	calls := 0
	r.Subscribe(func(Event) { calls++ })

	// Must not panic, and must still reach other subscribers and the buffer.
	r.Record(KindBreakerTransition, "store", BreakerTransitionData{Breaker: "store", Open: true})

	if calls != 1 {
		t.Errorf("healthy handler called %d times, want 1", calls)
	}
	if len(r.Events()) != 1 {
		t.Errorf("Events() len = %d, want 1", len(r.Events()))
	}
}

func TestRecorder_EventsForAndByKind(t *testing.T) {
	r := NewRecorder()

	r.Record(KindCapture, "canvas", nil)
	r.Record(KindCapture, "sidebar", nil)
	r.Record(KindMemorySpike, "canvas", nil)

	if got := r.EventsFor("canvas"); len(got) != 2 {
		t.Errorf("EventsFor(canvas) len = %d, want 2", len(got))
	}
	if got := r.EventsByKind(KindCapture); len(got) != 2 {
		t.Errorf("EventsByKind(capture) len = %d, want 2", len(got))
	}
}

func TestRecorder_Clear(t *testing.T) {
	r := NewRecorder()
	r.Record(KindCapture, "a", nil)
	r.Clear()
	if len(r.Events()) != 0 {
		t.Error("Clear did not empty the buffer")
	}
}

func TestRecorder_CustomClock(t *testing.T) {
	fixed := time.Unix(1234, 0)
	r := NewRecorder(WithClock(func() time.Time { return fixed }))

	r.Record(KindSuppressedPersistence, "store", SuppressedPersistenceData{Reason: "breaker-open"})

	if got := r.Events()[0].Timestamp; !got.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", got, fixed)
	}
}
