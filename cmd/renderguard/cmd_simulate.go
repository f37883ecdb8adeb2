// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/renderguard/breaker"
	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/guard"
	"github.com/AleutianAI/renderguard/pkg/logging"
	"github.com/AleutianAI/renderguard/recovery"
	"github.com/AleutianAI/renderguard/registry"
	"github.com/AleutianAI/renderguard/schedule"
)

var (
	simEntity     string
	simUpdates    int
	simGapMs      int
	simEscalation string
	simJSON       bool

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Drive a synthetic render storm through the full pipeline",
		Long: `Feeds a synthetic update storm into a guard on a deterministic
clock, lets the detectors trip, runs the staged recovery protocol
against simulated collaborators, and prints the diagnostics
timeline. Useful for demos and for eyeballing threshold tuning.`,
		RunE: runSimulate,
	}
)

func init() {
	simulateCmd.Flags().StringVar(&simEntity, "entity", "canvas", "monitored entity name")
	simulateCmd.Flags().IntVar(&simUpdates, "updates", 60, "number of updates in the storm")
	simulateCmd.Flags().IntVar(&simGapMs, "gap-ms", 5, "milliseconds between updates")
	simulateCmd.Flags().StringVar(&simEscalation, "escalation", string(recovery.EscalationFull),
		"freeze escalation mode: full, flush-only, none")
	simulateCmd.Flags().BoolVar(&simJSON, "json", false, "print the timeline as JSON")
}

// simCollab simulates the host application's flush and reset hooks. The
// soft reset "works": it clears the flag the way a real remount lets the
// detectors settle.
type simCollab struct {
	loops  *registry.LoopRegistry
	entity string
}

func (s *simCollab) FlushPendingState(_ context.Context, reason string, immediate bool) error {
	fmt.Printf("  [collab] flush requested (reason=%s immediate=%v)\n", reason, immediate)
	return nil
}

func (s *simCollab) SignalReset(_ context.Context) error {
	fmt.Println("  [collab] soft reset signal, rebuilding subtree")
	s.loops.Acknowledge(s.entity)
	return nil
}

func (s *simCollab) ResetToInitial(_ context.Context) error {
	fmt.Println("  [collab] hard reset, state back to defaults")
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Service: "renderguard-sim"})
	defer logger.Close()
	log := logger.Slog()

	sched := schedule.NewManual(time.Now())
	loops := registry.New()
	recorder := diagnostics.NewRecorder()
	store := breaker.New(breaker.DefaultConfig(), breaker.WithClock(sched.Now))

	g := guard.New(guard.Config{Name: simEntity},
		guard.WithScheduler(sched),
		guard.WithLogger(log),
		guard.WithRecorder(recorder),
		guard.WithRegistry(loops),
		guard.WithStoreBreaker(store),
		guard.WithMemorySampler(guard.RuntimeMemorySampler),
	)
	defer g.Stop()

	gap := time.Duration(simGapMs) * time.Millisecond
	fmt.Printf("Storm: %d updates every %v on %q\n", simUpdates, gap, simEntity)
	for i := 0; i < simUpdates; i++ {
		if i > 0 {
			sched.Advance(gap)
		}
		g.Record()
		store.RecordMutation("simulate")
	}
	sched.Advance(0)

	metrics := g.Metrics()
	fmt.Printf("\nGuard metrics: renders=%d sincePrevious=%dms sinceFirst=%dms open=%v pause=%v\n",
		metrics.RenderCount, metrics.SincePreviousMs, metrics.SinceFirstMs,
		metrics.CircuitBreakerActive, metrics.ShouldPause)

	if report, ok := loops.LatestReport(simEntity); ok {
		fmt.Printf("Registry: severity=%s reason=%q flagged=%v\n",
			report.Severity, report.Reason, loops.IsFlagged(simEntity))
	}

	if loops.IsFlagged(simEntity) {
		fmt.Println("\nRunning staged recovery:")
		collab := &simCollab{loops: loops, entity: simEntity}
		cfg := recovery.DefaultConfig(simEntity)
		cfg.FreezeEscalation = recovery.Escalation(simEscalation)
		coord := recovery.New(cfg, loops,
			recovery.WithScheduler(sched),
			recovery.WithLogger(log),
			recovery.WithRecorder(recorder),
			recovery.WithFlusher(collab),
			recovery.WithResetSignaler(collab),
			recovery.WithStateResetter(collab),
		)
		if err := coord.Catch(errors.New("maximum update depth exceeded")); err != nil {
			return err
		}
		for coord.State() == recovery.StateRecovering {
			sched.Advance(cfg.SettleDelay)
		}
		fmt.Printf("Recovery finished: state=%s errors=%d\n", coord.State(), coord.ErrorCount())
	}

	fmt.Println("\nDiagnostics timeline:")
	events := recorder.Events()
	if simJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	for _, e := range events {
		fmt.Printf("  %s  %-20s %s\n", e.Timestamp.Format("15:04:05.000"), e.Kind, e.Entity)
	}
	fmt.Printf("%d events recorded\n", len(events))
	return nil
}
