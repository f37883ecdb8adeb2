// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("renderguard.guard")

	metricsOnce sync.Once
	opensTotal  metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		opensTotal, err = meter.Int64Counter(
			"renderguard_guard_opens_total",
			metric.WithDescription("Local render-guard circuit openings by entity"),
		)
		if err != nil {
			opensTotal = nil
		}
	})
}

// guardOpens counts one local circuit opening.
func guardOpens(entity string) {
	initMetrics()
	if opensTotal == nil {
		return
	}
	opensTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("entity", entity)))
}
