// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weights

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFeatures = []string{"OUTDIAMETER", "PART_TYPE", "DRAW_NO", "CUSTOM"}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testFeatures)
	require.NoError(t, err)
	return m
}

func TestNewManager_Priors(t *testing.T) {
	m := newTestManager(t)
	w, err := m.Weights(testFeatures, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{3.0, 3.0, 0.5, 1.0}, w)
	assert.Equal(t, testFeatures, m.ActiveFeatures())
}

func TestNewManager_DuplicateFeature(t *testing.T) {
	_, err := NewManager([]string{"A", "B", "A"})
	assert.ErrorIs(t, err, ErrDuplicateFeature)
}

func TestWeights_UnknownFeature(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Weights([]string{"NOPE"}, false)
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestApplyProfile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.ApplyProfile("geometry"))

	w, _ := m.Weight("OUTDIAMETER")
	assert.Equal(t, 4.0, w)
	// merge, not replace
	w, _ = m.Weight("DRAW_NO")
	assert.Equal(t, 0.5, w)

	err := m.ApplyProfile("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestApplyManual(t *testing.T) {
	m := newTestManager(t)
	applied, skipped := m.ApplyManual(map[string]any{
		"OUTDIAMETER": 10,
		"PART_TYPE":   "0",
		"DRAW_NO":     "heavy",
		"CUSTOM":      -2.0,
		"UNKNOWN":     1.0,
	})
	assert.Equal(t, 3, applied)
	assert.ElementsMatch(t, []string{"DRAW_NO", "UNKNOWN"}, skipped)

	w, _ := m.Weight("OUTDIAMETER")
	assert.Equal(t, 4.0, w)

	// zero weight masks the feature
	assert.False(t, m.IsActive("PART_TYPE"))
	assert.False(t, m.IsActive("CUSTOM"))

	masked, err := m.Weights(testFeatures, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{4.0, 0, 0.5, 0}, masked)
}

func TestAnalyzeImportance(t *testing.T) {
	m := newTestManager(t)
	rng := rand.New(rand.NewSource(1))
	matrix := make([][]float64, 200)
	for i := range matrix {
		x := rng.NormFloat64() * 5
		matrix[i] = []float64{
			x,                     // informative
			x * 2,                 // perfectly correlated with the first
			0,                     // dead
			rng.Float64()*3 - 1.5, // independent
		}
	}

	scores, err := m.AnalyzeImportance(matrix, testFeatures)
	require.NoError(t, err)
	require.Len(t, scores, 4)
	for f, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0, f)
		assert.LessOrEqual(t, s, 1.0, f)
	}
	assert.Equal(t, 0.0, scores["DRAW_NO"])
	assert.Greater(t, scores["PART_TYPE"], scores["DRAW_NO"])

	st, ok := m.Stats("DRAW_NO")
	require.True(t, ok)
	assert.Equal(t, 0.0, st.Activity)
}

func TestAnalyzeImportance_ShapeMismatch(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AnalyzeImportance([][]float64{{1, 2}}, testFeatures)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSyncToImportanceAndAutoSelect(t *testing.T) {
	m, err := NewManager([]string{"A", "B"}, WithPriors(map[string]float64{"A": 2, "B": 2}))
	require.NoError(t, err)
	m.importance["A"] = 1
	m.importance["B"] = 0

	m.SyncToImportance(0.5, 0, 4)
	wa, _ := m.Weight("A")
	wb, _ := m.Weight("B")
	assert.InDelta(t, 3.0, wa, 1e-12) // 0.5·2 + 0.5·4
	assert.InDelta(t, 1.0, wb, 1e-12) // 0.5·2 + 0.5·0

	// A: 0.6 + 0.4·3/3 = 1.0; B: 0 + 0.4·1/3 ≈ 0.133
	selected := m.AutoSelect(0.3)
	assert.Equal(t, []string{"A"}, selected)
	assert.False(t, m.IsActive("B"))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	m.ApplyManual(map[string]any{"CUSTOM": 0})

	paths, err := m.Save(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.WeightMap(), loaded.WeightMap())
	assert.Equal(t, m.ActiveFeatures(), loaded.ActiveFeatures())

	// JSON fallback when the gob duplicate is gone
	require.NoError(t, os.Remove(filepath.Join(dir, WeightsGobFile)))
	loaded, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Features(), loaded.Features())
}
