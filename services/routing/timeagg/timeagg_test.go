// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeagg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_MixedColumns(t *testing.T) {
	ops := []dataset.Row{
		{"SETUP_TIME": "1.5", "RUN_TIME": "3", "QUEUE_TIME": 0.4, "WAIT_TIME": 0, "MOVE_TIME": nil, "PROC_SEQ": "1"},
		{"ACT_SETUP_TIME": 0.5, "ACT_RUN_TIME": "1.0", "QUEUE_TIME": " ", "IDLE_TIME": "0.2", "MOVE_TIME": "0.1", "SEQ": 2},
	}

	s := Summarize(ops, true)

	assert.InDelta(t, 2.0, s.Totals.Setup, 1e-9)
	assert.InDelta(t, 4.0, s.Totals.Run, 1e-9)
	assert.InDelta(t, 0.4, s.Totals.Queue, 1e-9)
	assert.InDelta(t, 0.2, s.Totals.Wait, 1e-9)
	assert.InDelta(t, 0.1, s.Totals.Move, 1e-9)
	assert.InDelta(t, 6.7, s.Totals.LeadTime, 1e-9)
	assert.Equal(t, 2, s.Totals.ProcessCount)

	require.Len(t, s.Breakdown, 2)
	require.NotNil(t, s.Breakdown[0].ProcSeq)
	require.NotNil(t, s.Breakdown[1].ProcSeq)
	assert.Equal(t, 1, *s.Breakdown[0].ProcSeq)
	assert.Equal(t, 2, *s.Breakdown[1].ProcSeq)
}

func TestSummarize_BreakdownSumsToLeadTime(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(12)
		ops := make([]dataset.Row, n)
		for i := range ops {
			ops[i] = dataset.Row{
				"SETUP_TIME": rng.Float64() * 3,
				"RUN_TIME":   rng.Float64()*10 - 1,
				"WAIT_TIME":  rng.Float64(),
				"MOVE_TIME":  "0.25",
			}
		}
		s := Summarize(ops, true)
		sum := 0.0
		for _, st := range s.Breakdown {
			sum += st.TotalTime
			assert.Nil(t, st.ProcSeq)
			assert.GreaterOrEqual(t, st.Run, 0.0)
		}
		assert.InDelta(t, s.Totals.LeadTime, sum, 1e-6)
	}
}

func TestSummarize_FirstPresentSynonymWins(t *testing.T) {
	s := Summarize([]dataset.Row{{"MACH_WORKED_HOURS": "2", "RUN_TIME": "9"}}, false)
	assert.Equal(t, 2.0, s.Totals.Run)
	assert.Nil(t, s.Breakdown)

	// nil does not count as present
	s = Summarize([]dataset.Row{{"MACH_WORKED_HOURS": nil, "RUN_TIME": "9"}}, false)
	assert.Equal(t, 9.0, s.Totals.Run)
}

func TestWeightedMeanStd(t *testing.T) {
	mean, std := WeightedMeanStd([]float64{1, 3}, []float64{1, 1})
	assert.InDelta(t, 2.0, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-12)

	mean, std = WeightedMeanStd([]float64{1, 3}, []float64{3, 1})
	assert.InDelta(t, 1.5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(0.75), std, 1e-12)

	mean, std = WeightedMeanStd([]float64{5}, nil)
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 0.0, std)

	mean, std = WeightedMeanStd(nil, nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, std)
}

func TestWeightedMeanStd_OrderIndependent(t *testing.T) {
	v := []float64{4, 1, 9, 2, 7}
	w := []float64{0.1, 0.3, 0.2, 0.15, 0.25}
	m1, s1 := WeightedMeanStd(v, w)

	vr := []float64{7, 2, 9, 1, 4}
	wr := []float64{0.25, 0.15, 0.2, 0.3, 0.1}
	m2, s2 := WeightedMeanStd(vr, wr)

	assert.InDelta(t, m1, m2, 1e-12)
	assert.InDelta(t, s1, s2, 1e-12)
}

func TestTrimmedWeighted(t *testing.T) {
	t.Run("small sample is untrimmed", func(t *testing.T) {
		r := TrimmedWeighted([]float64{1, 100}, nil, 0.1, 0.9)
		assert.Equal(t, 2, r.Count)
		assert.InDelta(t, 50.5, r.Mean, 1e-12)
	})

	t.Run("drops tails by cumulative weight", func(t *testing.T) {
		vals := []float64{100, 1, 2, 3, 4, 5, 6, 7, 8, -50}
		r := TrimmedWeighted(vals, nil, 0.1, 0.9)
		assert.Equal(t, 8, r.Count)
		assert.InDelta(t, 4.5, r.Mean, 1e-12)
	})

	t.Run("heavy weight survives", func(t *testing.T) {
		r := TrimmedWeighted([]float64{1, 2, 3}, []float64{0.05, 0.9, 0.05}, 0.1, 0.9)
		assert.Equal(t, 1, r.Count)
		assert.Equal(t, 2.0, r.Mean)
	})
}

func TestZFilter(t *testing.T) {
	vals := []float64{10, 10.5, 9.5, 10.2, 9.8, 10.1, 9.9, 10, 10.3, 60}
	keep := ZFilter(vals, nil, 2.5)
	for i := 0; i < 9; i++ {
		assert.True(t, keep[i], "index %d", i)
	}
	assert.False(t, keep[9])

	assert.Equal(t, []bool{true, true}, ZFilter([]float64{1, 1000}, nil, 0.1))
	assert.Equal(t, []bool{true, true, true}, ZFilter([]float64{3, 3, 3}, nil, 0.1))
}

func TestZFilter_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vals := make([]float64, 200)
	for i := range vals {
		vals[i] = rng.NormFloat64()
	}
	assert.Equal(t, ZFilter(vals, nil, 2.0), ZFilter(vals, nil, 2.0))
}

func TestSigmaProfile(t *testing.T) {
	p := SigmaProfile(10, 2, -1, 1)
	assert.Equal(t, Profile{Optimal: 8, Standard: 10, Safe: 12}, p)

	p = SigmaProfile(1, 5, -1, 1)
	assert.Equal(t, 0.0, p.Optimal)
	assert.Less(t, p.Optimal, p.Safe)
}

func TestBuildProfile(t *testing.T) {
	vals := []float64{10, 10.5, 9.5, 10.2, 9.8, 10.1, 9.9, 10, 10.3, 60}
	tp := BuildProfile(vals, nil, DefaultOptions())
	assert.Equal(t, 1, tp.Filtered)
	assert.Equal(t, 9, tp.Count)
	require.NotNil(t, tp.Trimmed)
	assert.InDelta(t, 10.0, tp.Profile.Standard, 0.2)
	assert.LessOrEqual(t, tp.Profile.Optimal, tp.Profile.Standard)
	assert.GreaterOrEqual(t, tp.Profile.Safe, tp.Profile.Standard)
}
