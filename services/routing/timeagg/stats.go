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
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Epsilon guards divisions in the statistics helpers.
const Epsilon = 1e-8

// minRobustSamples is the smallest sample for which trimming and z-filtering
// are applied.
const minRobustSamples = 3

// NormalizeWeights returns weights scaled to sum 1.
//
// A nil, mismatched or non-positive weight vector yields uniform weights.
// Negative entries are treated as 0.
func NormalizeWeights(values, weights []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if len(weights) == n {
		for i, w := range weights {
			if w > 0 && !math.IsNaN(w) && !math.IsInf(w, 0) {
				out[i] = w
			}
		}
	}
	sum := floats.Sum(out)
	if sum <= Epsilon {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	floats.Scale(1/sum, out)
	return out
}

// WeightedMeanStd returns the similarity-weighted mean and population
// standard deviation. Empty input yields (0, 0); σ = 0 is allowed.
func WeightedMeanStd(values, weights []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	w := NormalizeWeights(values, weights)
	mean, std = stat.PopMeanStdDev(values, w)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// TrimResult is the outcome of TrimmedWeighted.
type TrimResult struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

// TrimmedWeighted drops the lowest loPct and highest (1 − hiPct) of the
// sample by cumulative weight and returns stats over the rest.
//
// Values are sorted ascending with their weights; weights are renormalized
// to sum 1; a value is kept when the midpoint of its cumulative-weight
// interval lies within [loPct, hiPct]. Samples smaller than 3, or trims
// that would keep nothing, return the untrimmed stats.
func TrimmedWeighted(values, weights []float64, loPct, hiPct float64) TrimResult {
	n := len(values)
	mean, std := WeightedMeanStd(values, weights)
	untrimmed := TrimResult{Mean: mean, Std: std, Count: n}
	if n < minRobustSamples || loPct >= hiPct {
		return untrimmed
	}

	w := NormalizeWeights(values, weights)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	var keptV, keptW []float64
	cum := 0.0
	for _, i := range idx {
		mid := cum + w[i]/2
		cum += w[i]
		if mid >= loPct-Epsilon && mid <= hiPct+Epsilon {
			keptV = append(keptV, values[i])
			keptW = append(keptW, w[i])
		}
	}
	if len(keptV) == 0 {
		return untrimmed
	}
	m, s := WeightedMeanStd(keptV, keptW)
	return TrimResult{Mean: m, Std: s, Count: len(keptV)}
}

// ZFilter returns a keep-mask with |z| ≤ zMax under the weighted mean and
// std. Samples smaller than 3, or with σ = 0, keep everything.
//
// The mask applies uniformly to every array parallel to values.
func ZFilter(values, weights []float64, zMax float64) []bool {
	keep := make([]bool, len(values))
	for i := range keep {
		keep[i] = true
	}
	if len(values) < minRobustSamples {
		return keep
	}
	mean, std := WeightedMeanStd(values, weights)
	if std <= Epsilon {
		return keep
	}
	for i, v := range values {
		keep[i] = math.Abs((v-mean)/std) <= zMax
	}
	return keep
}

// ApplyMask returns the entries of xs whose mask bit is set.
func ApplyMask(xs []float64, mask []bool) []float64 {
	out := make([]float64, 0, len(xs))
	for i, x := range xs {
		if i < len(mask) && mask[i] {
			out = append(out, x)
		}
	}
	return out
}

// Profile is the σ-profile of a time: optimistic, expected and safe.
type Profile struct {
	Optimal  float64 `json:"optimal"`
	Standard float64 `json:"standard"`
	Safe     float64 `json:"safe"`
}

// SigmaProfile computes {μ+σOpt·σ, μ, μ+σSafe·σ}. Times never go negative,
// so each entry is clamped at 0.
func SigmaProfile(mean, std, sigmaOpt, sigmaSafe float64) Profile {
	return Profile{
		Optimal:  math.Max(0, mean+sigmaOpt*std),
		Standard: math.Max(0, mean),
		Safe:     math.Max(0, mean+sigmaSafe*std),
	}
}

// Options configures BuildProfile.
type Options struct {
	ZMax        float64
	TrimEnabled bool
	TrimLower   float64
	TrimUpper   float64
	SigmaOpt    float64
	SigmaSafe   float64
}

// DefaultOptions returns z_max 2.5, trimming to [0.1, 0.9] and σ multipliers
// −1/+1.
func DefaultOptions() Options {
	return Options{ZMax: 2.5, TrimEnabled: true, TrimLower: 0.10, TrimUpper: 0.90, SigmaOpt: -1, SigmaSafe: 1}
}

// TimeProfile holds raw stats, optional trimmed stats and the σ-profile of
// one time column.
type TimeProfile struct {
	Mean     float64     `json:"mean"`
	Std      float64     `json:"std"`
	Count    int         `json:"count"`
	Filtered int         `json:"filtered"`
	Trimmed  *TrimResult `json:"trimmed,omitempty"`
	Profile  Profile     `json:"profile"`
}

// BuildProfile z-filters the sample, computes weighted stats, optionally
// trims, and derives the σ-profile from the trimmed stats when available.
func BuildProfile(values, weights []float64, opts Options) TimeProfile {
	if len(weights) != len(values) {
		weights = nil
	}
	vs, ws := values, weights
	if opts.ZMax > 0 {
		mask := ZFilter(values, weights, opts.ZMax)
		vs = ApplyMask(values, mask)
		if weights != nil {
			ws = ApplyMask(weights, mask)
		}
	}

	mean, std := WeightedMeanStd(vs, ws)
	tp := TimeProfile{Mean: mean, Std: std, Count: len(vs), Filtered: len(values) - len(vs)}
	pm, ps := mean, std
	if opts.TrimEnabled {
		tr := TrimmedWeighted(vs, ws, opts.TrimLower, opts.TrimUpper)
		tp.Trimmed = &tr
		pm, ps = tr.Mean, tr.Std
	}
	tp.Profile = SigmaProfile(pm, ps, opts.SigmaOpt, opts.SigmaSafe)
	return tp
}
