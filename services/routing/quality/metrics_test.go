// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/dataset"
)

func ops(runs map[int]float64) []aggregator.Operation {
	var out []aggregator.Operation
	for seq, run := range runs {
		out = append(out, aggregator.Operation{Seq: seq, Fields: dataset.Row{aggregator.ColRunTime: run}})
	}
	return out
}

func actual(seq int, run float64) dataset.Row {
	return dataset.Row{"PROC_SEQ": seq, "RUN_TIME": run}
}

func TestCompare(t *testing.T) {
	res := Compare("IT1", ops(map[int]float64{10: 5, 20: 3, 40: 9}), []dataset.Row{
		actual(10, 4), actual(10, 6), actual(20, 2), actual(30, 1),
		{"RUN_TIME": 100.0}, // no proc_seq
	})
	require.True(t, res.HasActuals)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, 2, res.Matched())

	s10 := res.Steps[0]
	assert.Equal(t, 10, s10.Seq)
	assert.InDelta(t, 5.0, s10.Actual, 1e-9)
	assert.InDelta(t, 0.0, s10.AbsError, 1e-9)
	assert.InDelta(t, math.Sqrt(2)/5, s10.CV, 1e-9)
	assert.Equal(t, 2, s10.Count)

	assert.InDelta(t, 1.0, res.Steps[1].AbsError, 1e-9)
	assert.False(t, res.Steps[2].Matched)

	empty := Compare("IT2", nil, nil)
	assert.False(t, empty.HasActuals)
}

func TestSummarize(t *testing.T) {
	items := []ItemResult{
		Compare("IT1", ops(map[int]float64{10: 5, 20: 3}), []dataset.Row{actual(10, 4), actual(10, 6), actual(20, 2), actual(30, 1)}),
		{ItemCode: "IT2", Failed: true, Error: "predict: timeout"},
		{ItemCode: "IT3"},
	}
	m := Summarize(items, 0.1)
	assert.Equal(t, 3, m.Items)
	assert.Equal(t, 1, m.ItemsFailed)
	assert.Equal(t, 1, m.ItemsNoActual)
	assert.Equal(t, 2, m.MatchedPairs)
	assert.Equal(t, 3, m.ActualSteps)
	assert.InDelta(t, 0.5, m.MAE, 1e-9)
	assert.InDelta(t, math.Sqrt(0.5), m.RMSE, 1e-9)
	assert.InDelta(t, 2.0/3, m.ProcessMatch, 1e-9)
	assert.InDelta(t, (math.Sqrt(2)/5)/3, m.CV, 1e-9)
	assert.InDelta(t, 4.0/3, m.SampleCount, 1e-9)
	assert.Equal(t, 0.5, m.Map()["mae"])

	zero := Summarize(nil, 0.1)
	assert.Zero(t, zero.MAE)
	assert.Zero(t, zero.ProcessMatch)
}

func TestTrimmedMean(t *testing.T) {
	tests := []struct {
		name  string
		xs    []float64
		ratio float64
		want  float64
	}{
		{"empty", nil, 0.1, 0},
		{"no trim", []float64{1, 2, 3}, 0, 2},
		{"ten percent", []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, 0.1, 5.5},
		{"outlier", []float64{1, 2, 3, 4, 100}, 0.2, 3},
		{"trim too large keeps all", []float64{1, 3}, 0.5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrimmedMean(tt.xs, tt.ratio), 1e-9)
		})
	}
}

func TestAlerts(t *testing.T) {
	items := []ItemResult{
		Compare("IT1", ops(map[int]float64{10: 9}), []dataset.Row{actual(10, 1), actual(10, 9), actual(20, 2)}),
		{ItemCode: "IT2"},
		{ItemCode: "IT3", Failed: true},
	}
	m := Summarize(items, 0)
	alerts := Alerts(items, m, Thresholds{SampleCountMin: 2, CVMax: 0.5, MAEMax: 2, ProcessMatchMin: 0.9})

	assert.Equal(t, []string{
		AlertHighCV,     // IT1 step 10: mean 5, std 5.66
		AlertLowSamples, // IT1 step 20 has one observation
		AlertNoActualData,
		AlertHighMAE,
		AlertLowProcessMatch,
	}, Codes(alerts))
	assert.True(t, Breached(alerts))

	quiet := Alerts(items[:1], m, Thresholds{})
	assert.Empty(t, quiet)
	assert.False(t, Breached(quiet))
}
