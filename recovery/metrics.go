// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("renderguard.recovery")

	metricsOnce sync.Once
	runsTotal   metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		runsTotal, err = meter.Int64Counter(
			"renderguard_recovery_runs_total",
			metric.WithDescription("Recovery run terminations by entity and outcome"),
		)
		if err != nil {
			runsTotal = nil
		}
	})
}

// recoveryRuns counts one run termination.
func recoveryRuns(entity, outcome string) {
	initMetrics()
	if runsTotal == nil {
		return
	}
	runsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("outcome", outcome),
	))
}
