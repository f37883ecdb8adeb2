// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("renderguard.breaker")

var (
	mutationsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		mutationsTotal, metricsErr = meter.Int64Counter(
			"renderguard_store_mutations_total",
			metric.WithDescription("Total recorded store mutations, by source and breaker state"),
		)
	})
	return metricsErr
}

func recordMutationMetric(sourceTag string, open bool) {
	if initMetrics() != nil || mutationsTotal == nil {
		return
	}
	state := "closed"
	if open {
		state = "open"
	}
	mutationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", sourceTag),
			attribute.String("state", state),
		),
	)
}
