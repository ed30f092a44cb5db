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
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StandardScaler centers and scales columns to unit variance. Columns with
// zero variance are only centered.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitStandardScaler fits on the columns of x (rows × d).
func FitStandardScaler(x [][]float64, d int) *StandardScaler {
	s := &StandardScaler{Mean: make([]float64, d), Std: make([]float64, d)}
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

// Transform scales v in place.
func (s *StandardScaler) Transform(v []float64) error {
	if len(v) != len(s.Mean) {
		return fmt.Errorf("%w: scaler fitted on %d columns, got %d", ErrSchemaMismatch, len(s.Mean), len(v))
	}
	for j := range v {
		v[j] = (v[j] - s.Mean[j]) / s.Std[j]
	}
	return nil
}

// PCA is a fitted linear projection: y = (x − Mean)·Componentsᵀ.
type PCA struct {
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"`
	Explained  []float64   `json:"explained_variance_ratio"`
}

// fitPCA projects x onto its leading principal components.
//
// With fixedK > 0 exactly min(fixedK, available) components are kept.
// Otherwise the smallest k reaching the variance ratio is kept, capped at
// maxK.
func fitPCA(x [][]float64, maxK int, variance float64, fixedK int) (*PCA, error) {
	if len(x) == 0 {
		return nil, ErrEmptySample
	}
	r, d := len(x), len(x[0])
	data := make([]float64, 0, r*d)
	for _, row := range x {
		data = append(data, row...)
	}
	m := mat.NewDense(r, d, data)

	var pc stat.PC
	if ok := pc.PrincipalComponents(m, nil); !ok {
		return nil, errors.New("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	total := 0.0
	for _, v := range vars {
		total += v
	}
	available := len(vars)
	k := available
	switch {
	case fixedK > 0:
		if fixedK < k {
			k = fixedK
		}
	case total > 0:
		cum := 0.0
		for i, v := range vars {
			cum += v
			if cum/total >= variance {
				k = i + 1
				break
			}
		}
		if maxK > 0 && k > maxK {
			k = maxK
		}
	}

	p := &PCA{Mean: make([]float64, d), Components: make([][]float64, k), Explained: make([]float64, k)}
	for j := 0; j < d; j++ {
		p.Mean[j] = stat.Mean(mat.Col(nil, j, m), nil)
	}
	for c := 0; c < k; c++ {
		p.Components[c] = mat.Col(nil, c, &vecs)
		if total > 0 {
			p.Explained[c] = vars[c] / total
		}
	}
	return p, nil
}

// Dim returns the output dimension.
func (p *PCA) Dim() int { return len(p.Components) }

// Transform projects v.
func (p *PCA) Transform(v []float64) ([]float64, error) {
	if len(v) != len(p.Mean) {
		return nil, fmt.Errorf("%w: pca fitted on %d columns, got %d", ErrSchemaMismatch, len(p.Mean), len(v))
	}
	out := make([]float64, len(p.Components))
	for c, comp := range p.Components {
		s := 0.0
		for j, w := range comp {
			s += (v[j] - p.Mean[j]) * w
		}
		out[c] = s
	}
	return out, nil
}
