// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	trainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routing",
		Subsystem: "training",
		Name:      "runs_total",
		Help:      "Training runs by final status.",
	}, []string{"status"})

	trainingLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "routing",
		Subsystem: "training",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last completed training run.",
	})

	predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routing",
		Subsystem: "predictor",
		Name:      "predictions_total",
		Help:      "Predictions by mode and outcome.",
	}, []string{"mode", "outcome"})

	predictionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "routing",
		Subsystem: "predictor",
		Name:      "prediction_duration_seconds",
		Help:      "End-to-end prediction latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	topSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "routing",
		Subsystem: "predictor",
		Name:      "top_similarity",
		Help:      "Best similarity score per prediction.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	activations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routing",
		Subsystem: "registry",
		Name:      "activations_total",
		Help:      "Model version activations, rollbacks included.",
	})

	queueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "routing",
		Subsystem: "queue",
		Name:      "jobs",
		Help:      "Retraining jobs by status.",
	}, []string{"status"})

	qualityMAE = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "routing",
		Subsystem: "quality",
		Name:      "mae_minutes",
		Help:      "MAE of the last quality cycle.",
	})

	qualityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routing",
		Subsystem: "quality",
		Name:      "alerts_total",
		Help:      "Quality alerts by code.",
	}, []string{"code"})

	driftKL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "routing",
		Subsystem: "drift",
		Name:      "kl_divergence",
		Help:      "Latest KL(recent || baseline).",
	})

	driftEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routing",
		Subsystem: "drift",
		Name:      "events_total",
		Help:      "Detected drift events.",
	})
)

// RecordTrainingRun counts a finished run.
func RecordTrainingRun(status string) {
	trainingRuns.WithLabelValues(status).Inc()
	if status == "completed" {
		trainingLastSuccess.SetToCurrentTime()
	}
}

// RecordPrediction counts a prediction and observes its latency and best
// similarity. A negative score skips the similarity histogram.
func RecordPrediction(mode, outcome string, elapsed time.Duration, top float64) {
	predictions.WithLabelValues(mode, outcome).Inc()
	predictionLatency.Observe(elapsed.Seconds())
	if top >= 0 {
		topSimilarity.Observe(top)
	}
}

// RecordActivation counts an activation.
func RecordActivation() { activations.Inc() }

// SetQueueDepth publishes per-status job counts. Statuses absent from
// counts are reset to zero.
func SetQueueDepth(counts map[string]int) {
	for _, s := range []string{"pending", "running", "succeeded", "failed", "skipped"} {
		queueJobs.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// RecordQuality publishes a cycle's MAE and alert codes.
func RecordQuality(mae float64, alertCodes []string) {
	qualityMAE.Set(mae)
	for _, c := range alertCodes {
		qualityAlerts.WithLabelValues(c).Inc()
	}
}

// RecordDrift publishes a KL value and counts an event when drifted.
func RecordDrift(kl float64, drifted bool) {
	driftKL.Set(kl)
	if drifted {
		driftEvents.Inc()
	}
}

// Instruments are OpenTelemetry instruments for stage timing.
type Instruments struct {
	StageDuration  metric.Float64Histogram
	ItemsEvaluated metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *Instruments
)

// Meter returns the package instruments on the global meter provider,
// creating them on first use. Creation errors fall back to no-op
// instruments of the global provider.
func Meter() *Instruments {
	instOnce.Do(func() {
		m := otel.Meter("routingml")
		inst = &Instruments{}
		inst.StageDuration, _ = m.Float64Histogram("routing_stage_duration_seconds",
			metric.WithDescription("Duration of pipeline and evaluation stages."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300))
		inst.ItemsEvaluated, _ = m.Int64Counter("routing_items_evaluated_total",
			metric.WithDescription("Items evaluated by quality cycles."),
			metric.WithUnit("{item}"))
	})
	return inst
}

// ObserveStage records a stage duration.
func ObserveStage(ctx context.Context, component, stage string, elapsed time.Duration) {
	if h := Meter().StageDuration; h != nil {
		h.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("stage", stage)))
	}
}

// CountEvaluated adds to the evaluated-items counter.
func CountEvaluated(ctx context.Context, ok bool, n int64) {
	if c := Meter().ItemsEvaluated; c != nil {
		c.Add(ctx, n, metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}
