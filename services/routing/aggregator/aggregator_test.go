// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

func step(item string, seq int, job string, setup, run float64) dataset.Row {
	return dataset.Row{
		"ITEM_CD":    item,
		"PROC_SEQ":   seq,
		"JOB_CD":     "J-" + job,
		"JOB_NM":     job,
		"RES_CD":     "R1",
		"SETUP_TIME": setup,
		"RUN_TIME":   run,
		"EXTRA_COL":  "dropped",
	}
}

func history(t *testing.T) *dataset.MemorySource {
	t.Helper()
	src := dataset.NewMemorySource("ITEM_CD")
	require.NoError(t, src.PutRoutings([]dataset.Row{
		step("A", 20, "MILL", 1, 4),
		step("A", 10, "CUT", 0.5, 2),
		step("B", 10, "CUT", 0.5, 2.2),
		step("B", 20, "MILL", 1.2, 4.4),
		step("C", 10, "CUT", 0.4, 1.8),
		step("C", 20, "GRIND", 1, 3),
		step("D", 10, "LATHE", 2, 5),
	}))
	return src
}

func TestAggregate_CandidateContract(t *testing.T) {
	for _, mode := range []Mode{ModeSummary, ModeDetailed} {
		t.Run(string(mode), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Mode = mode
			agg := New(history(t), opts, nil)

			res, err := agg.Aggregate(context.Background(), "NEW", []Similar{
				{Code: "A", Score: 0.95},
				{Code: "B", Score: 0.9},
				{Code: "C", Score: 0.85},
				{Code: "D", Score: 0.82},
				{Code: "E", Score: 0.81},
			})
			require.NoError(t, err)
			require.Nil(t, res.Diagnostic)
			require.NotEmpty(t, res.Candidates)
			assert.LessOrEqual(t, len(res.Candidates), opts.MaxVariants)
			assert.Equal(t, SourcePredicted, res.Candidates[0].Source)

			ids := map[string]bool{}
			for _, c := range res.Candidates {
				assert.False(t, ids[c.CandidateID], "duplicate id %s", c.CandidateID)
				ids[c.CandidateID] = true
				assert.Equal(t, c.SimilarityScore >= opts.HighThreshold, c.SimilarityTier == TierHigh)
				assert.Equal(t, c.SimilarityTier == TierHigh, c.Priority == PriorityPrimary)
				assert.GreaterOrEqual(t, c.Confidence, 0.0)
				assert.LessOrEqual(t, c.Confidence, 1.0)
				for i, op := range c.Operations {
					if i > 0 {
						assert.Less(t, c.Operations[i-1].Seq, op.Seq)
					}
					assert.Len(t, op.Fields, len(OutputColumns))
					assert.Equal(t, c.CandidateID, op.Fields[ColCandidateID])
					for _, col := range timeOutputColumns {
						if v := op.Fields[col]; v != nil {
							assert.GreaterOrEqual(t, v.(float64), 0.0, col)
						}
					}
				}
			}
		})
	}
}

func TestAggregate_SummaryAndVariants(t *testing.T) {
	agg := New(history(t), DefaultOptions(), nil)
	res, err := agg.Aggregate(context.Background(), "NEW", []Similar{
		{Code: "A", Score: 0.95},
		{Code: "B", Score: 0.9},
		{Code: "C", Score: 0.85},
		{Code: "D", Score: 0.82},
	})
	require.NoError(t, err)

	first := res.Candidates[0]
	assert.Equal(t, "A", first.ReferenceItemCode)
	assert.Equal(t, "CUT+MILL", first.RoutingSignature)
	assert.Equal(t, 10, first.Operations[0].Seq)
	require.NotNil(t, first.Summary)
	assert.InDelta(t, 7.5, first.Summary.Totals.LeadTime, 1e-9)
	assert.Equal(t, 4, first.Summary.SampleCount)

	// B shares A's signature; C and D differ
	var sigs []string
	for _, c := range res.Candidates[1:] {
		assert.Equal(t, SourceSimilar, c.Source)
		sigs = append(sigs, c.RoutingSignature)
	}
	assert.Equal(t, []string{"CUT+GRIND", "LATHE"}, sigs)
}

func TestAggregate_MaxVariants(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVariants = 2
	res, err := New(history(t), opts, nil).Aggregate(context.Background(), "NEW", []Similar{
		{Code: "A", Score: 0.95}, {Code: "C", Score: 0.9}, {Code: "D", Score: 0.85},
	})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
}

func TestAggregate_ExistingFastPath(t *testing.T) {
	res, err := New(history(t), DefaultOptions(), nil).Aggregate(context.Background(), "A", []Similar{{Code: "B", Score: 0.9}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, SourceExisting, c.Source)
	assert.Equal(t, 1.0, c.SimilarityScore)
	assert.Equal(t, PriorityPrimary, c.Priority)
	assert.Equal(t, "A", c.ReferenceItemCode)

	opts := DefaultOptions()
	opts.UseExisting = false
	res, err = New(history(t), opts, nil).Aggregate(context.Background(), "A", []Similar{{Code: "A", Score: 1}, {Code: "B", Score: 0.9}})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Candidates[0].ReferenceItemCode, "self match is skipped")
}

func TestAggregate_DegradedMode(t *testing.T) {
	res, err := New(history(t), DefaultOptions(), nil).Aggregate(context.Background(), "NEW", []Similar{
		{Code: "C", Score: 0.6}, {Code: "A", Score: 0.5},
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, "C", c.ReferenceItemCode)
	assert.Equal(t, TierLow, c.SimilarityTier)
	assert.Equal(t, PriorityFallback, c.Priority)
}

func TestAggregate_Diagnostic(t *testing.T) {
	res, err := New(history(t), DefaultOptions(), nil).Aggregate(context.Background(), "NEW", []Similar{
		{Code: "X", Score: 0.9}, {Code: "Y", Score: 0.85}, {Code: "A", Score: 0.4},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, "NEW", res.Diagnostic.ItemCode)
	assert.Equal(t, []string{"X", "Y"}, res.Diagnostic.CheckedItems)
	assert.Equal(t, []float64{0.9, 0.85}, res.Diagnostic.SimilarityScores)
}

func TestAggregate_ExpandScan(t *testing.T) {
	opts := DefaultOptions()
	opts.ExpandScan = true
	res, err := New(history(t), opts, nil).Aggregate(context.Background(), "NEW", []Similar{
		{Code: "X", Score: 0.9}, {Code: "A", Score: 0.4},
	})
	require.NoError(t, err)
	require.Nil(t, res.Diagnostic)
	assert.Equal(t, "A", res.Candidates[0].ReferenceItemCode)
	assert.NotEmpty(t, res.Warnings)
}

func TestAggregate_DetailedMajorityVote(t *testing.T) {
	src := dataset.NewMemorySource("ITEM_CD")
	require.NoError(t, src.PutRoutings([]dataset.Row{
		step("A", 1, "CUT", 1, 2),
		step("B", 1, "SAW", 1, 4),
		step("C", 1, "SAW", 1, 6),
		step("C", 2, "DEBURR", 0, 1),
	}))
	opts := DefaultOptions()
	opts.Mode = ModeDetailed
	opts.Time.ZMax = 0
	opts.Time.TrimEnabled = false
	res, err := New(src, opts, nil).Aggregate(context.Background(), "NEW", []Similar{
		{Code: "A", Score: 1}, {Code: "B", Score: 1}, {Code: "C", Score: 1},
	})
	require.NoError(t, err)

	c := res.Candidates[0]
	require.Len(t, c.Operations, 2)
	op := c.Operations[0]
	assert.Equal(t, "SAW", op.Fields[ColJobName])
	assert.Equal(t, "J-SAW", op.Fields[ColJobCode])
	assert.Equal(t, []string{"A", "B", "C"}, op.Sources)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, op.Weights, 1e-9)
	assert.InDelta(t, 4.0, op.Fields[ColRunTime].(float64), 1e-9)
	assert.InDelta(t, 4.0, op.Profiles["run_time"].Mean, 1e-9)
	assert.Equal(t, 3, op.Fields[ColSampleCount])
	assert.Greater(t, op.Fields[ColRunTimeSafe].(float64), op.Fields[ColRunTimeOpt].(float64))

	assert.Equal(t, []string{"C"}, c.Operations[1].Sources)
	assert.Equal(t, "SAW+DEBURR", c.RoutingSignature)
}

func TestSelectRouting_LatestRevision(t *testing.T) {
	steps := []dataset.Row{
		{"PROC_SEQ": 2, "ROUT_NO": "2", "JOB_NM": "B2"},
		{"PROC_SEQ": 1, "ROUT_NO": "1", "JOB_NM": "A1"},
		{"PROC_SEQ": 1, "ROUT_NO": "10", "JOB_NM": "A10"},
		{"PROC_SEQ": 3, "ROUT_NO": "10", "JOB_NM": "C10"},
	}
	latest := SelectRouting(steps, PolicyLatest)
	require.Len(t, latest, 2)
	assert.Equal(t, "A10", latest[0].String("JOB_NM"))
	assert.Equal(t, "C10", latest[1].String("JOB_NM"))

	all := SelectRouting(steps, PolicyAll)
	assert.Len(t, all, 4)
	assert.Equal(t, "B2", steps[0].String("JOB_NM"), "input is not reordered")
}

func TestNormalize(t *testing.T) {
	out := Normalize(dataset.Row{
		"JOB_CD":            "J1",
		"SEQ":               "3",
		"MACH_WORKED_HOURS": "2.5",
		"ACT_SETUP_TIME":    -1.0,
		"IDLE_TIME":         "0.2",
		"UNKNOWN":           1,
	})
	assert.Len(t, out, len(OutputColumns))
	assert.Equal(t, "J1", out[ColJobCode])
	assert.Equal(t, 3, out[ColProcSeq])
	assert.Equal(t, 2.5, out[ColRunTime])
	assert.Equal(t, 0.0, out[ColSetupTime])
	assert.Equal(t, 0.2, out[ColWaitTime])
	assert.Nil(t, out[ColMoveTime])
	assert.Nil(t, out["RES_DIS"])
	assert.NotContains(t, out, "UNKNOWN")
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		n    int
		sims []float64
		cv   float64
		want float64
	}{
		{"empty", 0, nil, 0, 0},
		{"single low cv", 1, []float64{0.5}, 0.1, 0.3/6 + 0.2 + 0.3},
		{"band 0.3-0.5", 3, []float64{0.5, 0.5, 0.5}, 0.4, 0.15 + 0.2 + 0.1},
		{"high cv", 6, []float64{0.5}, 0.9, 0.3 + 0.2},
		{"bonus clipped", 6, []float64{0.9, 0.9}, 0.05, 1},
		{"bonus", 5, []float64{0.8}, 0.6, (0.25 + 0.32) * 1.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.n, tt.sims, tt.cv), 1e-9)
		})
	}
}

func TestCandidateID_Stable(t *testing.T) {
	a := CandidateID("T", "R", SourcePredicted, "CUT+MILL")
	assert.Equal(t, a, CandidateID("T", "R", SourcePredicted, "CUT+MILL"))
	assert.NotEqual(t, a, CandidateID("T", "R", SourceSimilar, "CUT+MILL"))
	assert.NotEqual(t, a, CandidateID("T2", "R", SourcePredicted, "CUT+MILL"))
}

type failingSource struct{}

func (failingSource) Routing(context.Context, string) ([]dataset.Row, bool, error) {
	return nil, false, errors.New("db down")
}

func TestAggregate_LookupErrorsAreDiagnostics(t *testing.T) {
	res, err := New(failingSource{}, DefaultOptions(), nil).Aggregate(context.Background(), "NEW", []Similar{{Code: "A", Score: 0.9}})
	require.NoError(t, err)
	require.NotNil(t, res.Diagnostic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(history(t), DefaultOptions(), nil).Aggregate(ctx, "NEW", []Similar{{Code: "A", Score: 0.9}})
	assert.ErrorIs(t, err, context.Canceled)
}
