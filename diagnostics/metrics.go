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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("renderguard.diagnostics")

var (
	eventsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		eventsTotal, metricsErr = meter.Int64Counter(
			"renderguard_diagnostic_events_total",
			metric.WithDescription("Total diagnostic events recorded, by kind"),
		)
	})
	return metricsErr
}

// recordEventMetric increments the per-kind event counter. Metric failures
// are swallowed: the recorder must stay side-effect free for callers.
func recordEventMetric(kind Kind) {
	if initMetrics() != nil || eventsTotal == nil {
		return
	}
	eventsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(kind))),
	)
}
