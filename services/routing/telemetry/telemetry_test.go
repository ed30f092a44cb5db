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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.TraceExporter = "carrier-pigeon"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestSpans(t *testing.T) {
	ctx, span := StartSpan(context.Background(), TracerPipeline, "stage")
	require.NotNil(t, ctx)
	RecordError(span, errors.New("boom"))
	RecordError(nil, errors.New("ignored"))
	SetSpanOK(span)
	span.End()
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(trainingRuns.WithLabelValues("completed"))
	RecordTrainingRun("completed")
	assert.Equal(t, before+1, testutil.ToFloat64(trainingRuns.WithLabelValues("completed")))

	SetQueueDepth(map[string]int{"pending": 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(queueJobs.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(queueJobs.WithLabelValues("running")))

	RecordDrift(0.7, true)
	assert.Equal(t, 0.7, testutil.ToFloat64(driftKL))

	RecordPrediction("summary", "ok", 3*time.Millisecond, 0.93)
	RecordQuality(1.5, []string{"HIGH_MAE"})
	ObserveStage(context.Background(), "pipeline", "load", time.Second)
	CountEvaluated(context.Background(), true, 3)
}

func TestMetricsHandler(t *testing.T) {
	RecordActivation()
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "routing_registry_activations_total"))
}
