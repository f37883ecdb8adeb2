// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stability

import (
	"fmt"
	"testing"
	"time"
)

// feed pushes n samples with the given gaps (cycled) and a constant
// snapshot, returning the last report.
func feed(t *Tracker, n int, gaps ...time.Duration) Report {
	var report Report
	at := time.Unix(0, 0)
	for i := 0; i < n; i++ {
		gap := gaps[i%len(gaps)]
		at = at.Add(gap)
		report = t.Track(Sample{
			Timestamp: at,
			SinceLast: gap,
			Snapshot:  map[string]any{"value": 1},
		})
	}
	return report
}

func TestTracker_StableUnderMinSamples(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	report := feed(tr, 5, 10*time.Millisecond)
	if report.Pattern != PatternStable {
		t.Errorf("Pattern = %s, want stable with too little history", report.Pattern)
	}
	if report.ShouldFreeze {
		t.Error("ShouldFreeze = true with too little history")
	}
}

func TestTracker_SteadyCadenceIsOscillatingButSlowOneIsNotFrozen(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	// 150ms steady period: oscillating, but over the 100ms freeze bar.
	report := feed(tr, 25, 150*time.Millisecond)

	if report.Pattern != PatternOscillating {
		t.Fatalf("Pattern = %s, want oscillating", report.Pattern)
	}
	if report.ShouldFreeze {
		t.Error("ShouldFreeze = true for a 150ms period, want false")
	}
}

func TestTracker_SustainedFastOscillationFreezes(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	report := feed(tr, 25, 80*time.Millisecond)

	if report.Pattern != PatternOscillating {
		t.Fatalf("Pattern = %s, want oscillating", report.Pattern)
	}
	if !report.ShouldFreeze {
		t.Fatal("ShouldFreeze = false for sustained 80ms oscillation across a full buffer")
	}
	if report.FreezeReason == "" {
		t.Error("FreezeReason should be set when freezing")
	}
}

func TestTracker_FreezeRequiresFullBuffer(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	// Oscillating fast, but only 10 entries in a 20-slot buffer.
	report := feed(tr, 11, 80*time.Millisecond)

	if report.Pattern != PatternOscillating {
		t.Fatalf("Pattern = %s, want oscillating", report.Pattern)
	}
	if report.ShouldFreeze {
		t.Error("ShouldFreeze = true before the buffer is full, want false")
	}
}

func TestTracker_RapidFireBurstWarnsWithoutFreeze(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	// All gaps under 50ms but jittery, so it is not oscillation.
	report := feed(tr, 25,
		10*time.Millisecond, 20*time.Millisecond, 40*time.Millisecond,
		10*time.Millisecond, 30*time.Millisecond, 20*time.Millisecond,
		10*time.Millisecond, 40*time.Millisecond, 20*time.Millisecond,
		10*time.Millisecond,
	)

	if report.Pattern != PatternRapidFire {
		t.Fatalf("Pattern = %s, want rapid-fire", report.Pattern)
	}
	if report.ShouldFreeze {
		t.Error("a rapid-fire burst alone must not freeze")
	}
	found := false
	for _, w := range report.Warnings {
		if w.Pattern == PatternRapidFire {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want a rapid-fire warning", report.Warnings)
	}
}

func TestTracker_GrowingChangeTrend(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	at := time.Unix(0, 0)
	track := func(snapshot map[string]any) Report {
		at = at.Add(300 * time.Millisecond)
		return tr.Track(Sample{Timestamp: at, SinceLast: 300 * time.Millisecond, Snapshot: snapshot})
	}

	// Baseline, then six updates changing one key, then six changing four.
	seq := 0
	track(map[string]any{"a": 0, "b": 0, "c": 0, "d": 0})
	var report Report
	for i := 0; i < 6; i++ {
		seq++
		report = track(map[string]any{"a": seq, "b": 0, "c": 0, "d": 0})
	}
	for i := 0; i < 6; i++ {
		seq++
		report = track(map[string]any{"a": seq, "b": seq, "c": seq, "d": seq})
	}

	if report.Pattern != PatternGrowing {
		t.Errorf("Pattern = %s, want growing", report.Pattern)
	}
	if report.ShouldFreeze {
		t.Error("a growth trend must not freeze")
	}
}

func TestTracker_ChaoticChanges(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	at := time.Unix(0, 0)
	track := func(snapshot map[string]any) Report {
		at = at.Add(300 * time.Millisecond)
		return tr.Track(Sample{Timestamp: at, SinceLast: 300 * time.Millisecond, Snapshot: snapshot})
	}

	base := func(seq int) map[string]any {
		m := make(map[string]any, 9)
		for i := 0; i < 9; i++ {
			m[fmt.Sprintf("k%d", i)] = seq
		}
		return m
	}

	// Every third update rewrites all nine keys; the others change nothing.
	seq := 0
	track(base(seq))
	var report Report
	for i := 0; i < 12; i++ {
		if i%3 == 2 {
			seq++
		}
		report = track(base(seq))
	}

	if report.Pattern != PatternChaotic {
		t.Errorf("Pattern = %s, want chaotic", report.Pattern)
	}
}

func TestTracker_SnapshotsAreValueCopies(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	m := map[string]any{"a": 1}
	tr.Track(Sample{Timestamp: time.Unix(0, 0), Snapshot: m})

	// Mutating the caller's map must not rewrite stored history.
	m["a"] = 2

	if got := tr.prev["a"]; got != 1 {
		t.Fatalf("stored snapshot value = %v, want the value copy 1", got)
	}
}

func TestTracker_ResetClearsHistory(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	feed(tr, 25, 80*time.Millisecond)
	tr.Reset()

	report := feed(tr, 5, 80*time.Millisecond)
	if report.Pattern != PatternStable || report.ShouldFreeze {
		t.Errorf("after Reset: Pattern = %s, ShouldFreeze = %v, want a fresh stable epoch",
			report.Pattern, report.ShouldFreeze)
	}
}

func TestDiffCount(t *testing.T) {
	tests := []struct {
		name string
		prev map[string]any
		next map[string]any
		want int
	}{
		{"identical", map[string]any{"a": 1}, map[string]any{"a": 1}, 0},
		{"changed value", map[string]any{"a": 1}, map[string]any{"a": 2}, 1},
		{"added key", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, 1},
		{"removed key", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}, 1},
		{"uncomparable counts as changed", map[string]any{"a": []int{1}}, map[string]any{"a": []int{1}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diffCount(tt.prev, tt.next); got != tt.want {
				t.Errorf("diffCount = %d, want %d", got, tt.want)
			}
		})
	}
}
