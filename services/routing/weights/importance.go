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
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Importance component weights.
const (
	importanceVariance     = 0.25
	importanceIndependence = 0.20
	importanceActivity     = 0.20
	importanceUniformity   = 0.15
	importancePrior        = 0.20

	uniformityBins = 20
)

// AnalyzeImportance scores each feature from an encoded sample matrix
// (rows × len(features)) and stores the scores and per-feature stats.
//
// The composite score is
//
//	0.25·σ̂ + 0.20·independence + 0.20·activity + 0.15·uniformity + 0.20·prior
//
// min-max normalized to [0,1]. σ̂ is variance over the max variance,
// independence is 1 − mean |corr| against the other columns, activity is
// the non-zero fraction, uniformity is 1 − std/mean of a 20-bin histogram
// and prior is the domain prior over the weight ceiling.
func (m *Manager) AnalyzeImportance(matrix [][]float64, features []string) (map[string]float64, error) {
	if len(features) == 0 {
		return map[string]float64{}, nil
	}
	for i, row := range matrix {
		if len(row) != len(features) {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), len(features))
		}
	}
	for _, f := range features {
		if _, ok := m.index[f]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, f)
		}
	}

	cols := columns(matrix, len(features))
	n := len(features)

	variances := make([]float64, n)
	stats := make(map[string]FeatureStats, n)
	for j, col := range cols {
		if len(col) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		variances[j] = std * std
		stats[features[j]] = FeatureStats{
			Mean:     mean,
			Std:      std,
			Min:      floats.Min(col),
			Max:      floats.Max(col),
			Activity: activity(col),
		}
	}
	maxVar := 0.0
	if n > 0 {
		maxVar = floats.Max(variances)
	}

	raw := make([]float64, n)
	for j := range cols {
		varNorm := 0.0
		if maxVar > 0 {
			varNorm = variances[j] / maxVar
		}
		prior := m.prior(features[j]) / m.max
		raw[j] = importanceVariance*varNorm +
			importanceIndependence*independence(cols, j) +
			importanceActivity*stats[features[j]].Activity +
			importanceUniformity*uniformity(cols[j]) +
			importancePrior*clamp01(prior)
	}
	scores := minMax(raw)

	out := make(map[string]float64, n)
	m.mu.Lock()
	for j, f := range features {
		m.importance[f] = scores[j]
		m.stats[f] = stats[f]
		out[f] = scores[j]
	}
	m.version++
	m.mu.Unlock()

	m.logger.Info("feature importance analyzed",
		slog.Int("features", n),
		slog.Int("rows", len(matrix)))
	return out, nil
}

func columns(matrix [][]float64, n int) [][]float64 {
	cols := make([][]float64, n)
	for j := range cols {
		cols[j] = make([]float64, len(matrix))
	}
	for i, row := range matrix {
		for j, v := range row {
			cols[j][i] = v
		}
	}
	return cols
}

func activity(col []float64) float64 {
	if len(col) == 0 {
		return 0
	}
	nz := 0
	for _, v := range col {
		if v != 0 {
			nz++
		}
	}
	return float64(nz) / float64(len(col))
}

// independence is 1 − mean |corr(col_j, col_k)| over k ≠ j. Constant
// columns contribute 0 correlation.
func independence(cols [][]float64, j int) float64 {
	if len(cols) < 2 || len(cols[j]) < 2 {
		return 1
	}
	sum, cnt := 0.0, 0
	for k := range cols {
		if k == j {
			continue
		}
		c := stat.Correlation(cols[j], cols[k], nil)
		if math.IsNaN(c) {
			c = 0
		}
		sum += math.Abs(c)
		cnt++
	}
	return clamp01(1 - sum/float64(cnt))
}

// uniformity is 1 − std/mean of a 20-bin histogram, clipped to [0,1].
// Constant or empty columns score 0.
func uniformity(col []float64) float64 {
	if len(col) == 0 {
		return 0
	}
	x := append([]float64(nil), col...)
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	if hi-lo <= 0 {
		return 0
	}
	dividers := make([]float64, uniformityBins+1)
	floats.Span(dividers, lo, hi+(hi-lo)*1e-9)
	hist := stat.Histogram(make([]float64, uniformityBins), dividers, x, nil)
	mean, std := stat.PopMeanStdDev(hist, nil)
	if mean <= 0 {
		return 0
	}
	return clamp01(1 - std/mean)
}

func minMax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	lo, hi := floats.Min(xs), floats.Max(xs)
	if hi-lo < 1e-12 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, x := range xs {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
