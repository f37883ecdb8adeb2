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
	"math"
	"time"

	"github.com/AleutianAI/renderguard/pkg/ring"
)

// Config configures the tracker's detection thresholds.
type Config struct {
	// BufferSize is how many updates the tracker remembers (default: 20).
	BufferSize int

	// MinSamples is the minimum history before classifying (default: 8).
	MinSamples int

	// RapidFireGap is the gap below which an update counts as rapid-fire
	// (default: 50ms).
	RapidFireGap time.Duration

	// RapidFireRatio is the fraction of rapid-fire gaps that triggers the
	// rapid-fire warning (default: 0.6).
	RapidFireRatio float64

	// OscillationJitter is the maximum coefficient of variation for gaps
	// to count as oscillation (default: 0.2).
	OscillationJitter float64

	// OscillationPeriod is the maximum mean gap for the oscillation
	// warning (default: 200ms).
	OscillationPeriod time.Duration

	// FreezePeriod is the per-gap ceiling for the freeze verdict: every
	// gap in a full buffer must be under it (default: 100ms).
	FreezePeriod time.Duration

	// TrendThreshold is the relative change-count growth that counts as a
	// trend (default: 0.5, i.e. 50%).
	TrendThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        20,
		MinSamples:        8,
		RapidFireGap:      50 * time.Millisecond,
		RapidFireRatio:    0.6,
		OscillationJitter: 0.2,
		OscillationPeriod: 200 * time.Millisecond,
		FreezePeriod:      100 * time.Millisecond,
		TrendThreshold:    0.5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MinSamples <= 1 {
		c.MinSamples = d.MinSamples
	}
	if c.RapidFireGap <= 0 {
		c.RapidFireGap = d.RapidFireGap
	}
	if c.RapidFireRatio <= 0 {
		c.RapidFireRatio = d.RapidFireRatio
	}
	if c.OscillationJitter <= 0 {
		c.OscillationJitter = d.OscillationJitter
	}
	if c.OscillationPeriod <= 0 {
		c.OscillationPeriod = d.OscillationPeriod
	}
	if c.FreezePeriod <= 0 {
		c.FreezePeriod = d.FreezePeriod
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = d.TrendThreshold
	}
	return c
}

// entry is one remembered update: the gap before it and the number of
// snapshot keys that changed relative to the previous update.
type entry struct {
	gap     time.Duration
	changes int
}

// Tracker classifies recent update-interval and diff history.
//
// # Thread Safety
//
// NOT safe for concurrent use; a tracker belongs to exactly one guard.
type Tracker struct {
	config  Config
	history *ring.Buffer[entry]
	prev    map[string]any
	seen    int
}

// NewTracker creates a tracker.
func NewTracker(config Config) *Tracker {
	cfg := config.normalized()
	return &Tracker{
		config:  cfg,
		history: ring.New[entry](cfg.BufferSize),
	}
}

// Track records one sample and returns the current classification.
//
// # Description
//
// The sample's snapshot is shallow-copied before storage so later caller
// mutations cannot leak into past history, keeping diff computation pure.
func (t *Tracker) Track(sample Sample) Report {
	snapshot := copySnapshot(sample.Snapshot)
	changes := diffCount(t.prev, snapshot)
	if t.seen == 0 {
		changes = 0 // nothing to diff against
	}
	t.prev = snapshot
	t.seen++

	if t.seen > 1 {
		t.history.Append(entry{gap: sample.SinceLast, changes: changes})
	}

	return t.classify()
}

// Reset clears all history, starting a fresh epoch.
func (t *Tracker) Reset() {
	t.history.Reset()
	t.prev = nil
	t.seen = 0
}

// classify computes the report from the current buffer.
func (t *Tracker) classify() Report {
	entries := t.history.Items()
	if len(entries) < t.config.MinSamples {
		return Report{Pattern: PatternStable}
	}

	gaps := make([]float64, len(entries))
	changes := make([]float64, len(entries))
	rapid := 0
	maxGap := time.Duration(0)
	for i, e := range entries {
		gaps[i] = float64(e.gap) / float64(time.Millisecond)
		changes[i] = float64(e.changes)
		if e.gap < t.config.RapidFireGap {
			rapid++
		}
		if e.gap > maxGap {
			maxGap = e.gap
		}
	}

	var report Report
	report.Pattern = PatternStable

	meanGap, stddevGap := meanStddev(gaps)
	oscillating := meanGap > 0 &&
		meanGap <= float64(t.config.OscillationPeriod)/float64(time.Millisecond) &&
		stddevGap/meanGap <= t.config.OscillationJitter
	if oscillating {
		report.Warnings = append(report.Warnings, Warning{
			Pattern: PatternOscillating,
			Detail: fmt.Sprintf("update period %.1fms with %.0f%% jitter over %d updates",
				meanGap, 100*stddevGap/math.Max(meanGap, 1e-9), len(entries)),
		})
		report.Pattern = PatternOscillating
	}

	rapidRatio := float64(rapid) / float64(len(entries))
	if rapidRatio >= t.config.RapidFireRatio {
		report.Warnings = append(report.Warnings, Warning{
			Pattern: PatternRapidFire,
			Detail: fmt.Sprintf("%d of %d gaps under %s",
				rapid, len(entries), t.config.RapidFireGap),
		})
		if report.Pattern == PatternStable {
			report.Pattern = PatternRapidFire
		}
	}

	if trend := t.classifyTrend(changes); trend != PatternStable {
		report.Warnings = append(report.Warnings, Warning{
			Pattern: trend,
			Detail:  trendDetail(trend, changes),
		})
		if report.Pattern == PatternStable {
			report.Pattern = trend
		}
	}

	// Freeze is the strictly worse case: steady oscillation under the
	// freeze period across the entire (full) buffer.
	if oscillating && t.history.Full() && maxGap < t.config.FreezePeriod {
		report.ShouldFreeze = true
		report.FreezeReason = fmt.Sprintf(
			"sustained oscillation: every gap under %s across the last %d updates",
			t.config.FreezePeriod, len(entries))
	}

	return report
}

// classifyTrend compares change-count halves the way the trending analyzer
// compares caller counts: a relative delta beyond the threshold is a trend,
// high variance without one is chaos.
func (t *Tracker) classifyTrend(changes []float64) Pattern {
	half := len(changes) / 2
	firstMean, _ := meanStddev(changes[:half])
	secondMean, _ := meanStddev(changes[half:])
	overallMean, overallStddev := meanStddev(changes)

	if overallMean == 0 {
		return PatternStable
	}
	if firstMean > 0 {
		growth := (secondMean - firstMean) / firstMean
		if growth >= t.config.TrendThreshold {
			return PatternGrowing
		}
		if growth <= -t.config.TrendThreshold {
			return PatternDeclining
		}
	} else if secondMean > 0 {
		return PatternGrowing
	}
	if overallStddev > overallMean {
		return PatternChaotic
	}
	return PatternStable
}

func trendDetail(p Pattern, changes []float64) string {
	mean, stddev := meanStddev(changes)
	switch p {
	case PatternGrowing:
		return fmt.Sprintf("change count trending up (mean %.1f per update)", mean)
	case PatternDeclining:
		return fmt.Sprintf("change count trending down (mean %.1f per update)", mean)
	default:
		return fmt.Sprintf("change count unstable (mean %.1f, stddev %.1f)", mean, stddev)
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// copySnapshot takes the shallow value copy stored in history.
func copySnapshot(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// diffCount counts keys whose values differ between consecutive snapshots,
// including keys present on only one side.
func diffCount(prev, next map[string]any) int {
	count := 0
	for k, v := range next {
		pv, ok := prev[k]
		if !ok || !valuesEqual(pv, v) {
			count++
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			count++
		}
	}
	return count
}

// valuesEqual compares snapshot values. Uncomparable values (slices, maps)
// count as changed rather than panicking.
func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
