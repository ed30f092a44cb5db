// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preprocess

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Balance scale clip range.
const (
	minBalanceScale = 0.5
	maxBalanceScale = 2.0
)

// NormSlack bounds |‖v‖ − 1| after soft normalization.
const NormSlack = 0.1

// PostOptions configures FitPostProcess.
type PostOptions struct {
	StdPruneThreshold float64
	Balance           bool
	Alpha             float64
}

// PostProcess is the fitted post-embedding transform.
//
// Apply drops dead dimensions, scales the rest toward the median σ,
// rescales by the median row norm and soft-normalizes each row:
// n' = α + (1−α)·n, clamped to [1−NormSlack, 1+NormSlack].
type PostProcess struct {
	Keep     []bool    `json:"keep"`
	Scales   []float64 `json:"scales,omitempty"`
	Prescale float64   `json:"prescale"`
	Alpha    float64   `json:"alpha"`
}

// FitPostProcess learns the post-embedding transform from item vectors.
func FitPostProcess(vectors [][]float64, opts PostOptions) (*PostProcess, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors to post-process", ErrEmptySample)
	}
	d := len(vectors[0])
	pp := &PostProcess{Keep: make([]bool, d), Prescale: 1, Alpha: opts.Alpha}

	stds := make([]float64, d)
	col := make([]float64, len(vectors))
	for j := 0; j < d; j++ {
		for i, v := range vectors {
			if len(v) != d {
				return nil, fmt.Errorf("%w: vector %d has %d dims, want %d", ErrSchemaMismatch, i, len(v), d)
			}
			col[i] = v[j]
		}
		_, stds[j] = stat.PopMeanStdDev(col, nil)
		pp.Keep[j] = stds[j] >= opts.StdPruneThreshold
	}

	var keptStd []float64
	for j, k := range pp.Keep {
		if k {
			keptStd = append(keptStd, stds[j])
		}
	}
	if len(keptStd) == 0 {
		return nil, fmt.Errorf("%w: every dimension fell below std %g", ErrEmptySample, opts.StdPruneThreshold)
	}

	if opts.Balance {
		med := median(keptStd)
		pp.Scales = make([]float64, len(keptStd))
		for i, s := range keptStd {
			scale := 1.0
			if s > 0 {
				scale = med / s
			}
			pp.Scales[i] = math.Max(minBalanceScale, math.Min(maxBalanceScale, scale))
		}
	}

	var norms []float64
	for _, v := range vectors {
		if n := floats.Norm(pp.reduce(v), 2); n > 0 {
			norms = append(norms, n)
		}
	}
	if len(norms) > 0 {
		if med := median(norms); med > 0 {
			pp.Prescale = 1 / med
		}
	}
	return pp, nil
}

// reduce applies the dead-dim mask and balance scales.
func (pp *PostProcess) reduce(v []float64) []float64 {
	out := make([]float64, 0, pp.Dim())
	for j, k := range pp.Keep {
		if k {
			out = append(out, v[j])
		}
	}
	if pp.Scales != nil {
		for i := range out {
			out[i] *= pp.Scales[i]
		}
	}
	return out
}

// Dim returns the output dimension.
func (pp *PostProcess) Dim() int {
	n := 0
	for _, k := range pp.Keep {
		if k {
			n++
		}
	}
	return n
}

// Apply transforms one embedded vector to its final float32 form. Zero
// vectors stay zero.
func (pp *PostProcess) Apply(v []float64) ([]float32, error) {
	if len(v) != len(pp.Keep) {
		return nil, fmt.Errorf("%w: post-process fitted on %d dims, got %d", ErrSchemaMismatch, len(pp.Keep), len(v))
	}
	r := pp.reduce(v)
	if pp.Prescale > 0 {
		floats.Scale(pp.Prescale, r)
	}
	if n := floats.Norm(r, 2); n > 0 {
		target := pp.Alpha + (1-pp.Alpha)*n
		target = math.Max(1-NormSlack, math.Min(1+NormSlack, target))
		floats.Scale(target/n, r)
	}
	out := make([]float32, len(r))
	for i, x := range r {
		out[i] = float32(x)
	}
	return out, nil
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
