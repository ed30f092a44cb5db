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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Artifact file names.
const (
	EncoderFile        = "encoder.json"
	ScalerFile         = "scaler.json"
	FeatureColumnsFile = "feature_columns.json"
)

type featureColumnsDoc struct {
	ItemColumn string   `json:"item_column"`
	Features   []string `json:"features"`
	Numeric    []string `json:"numeric"`
	Dim        int      `json:"dim"`
	OutputDim  int      `json:"output_dim"`
}

type scalerDoc struct {
	Weights      []float64       `json:"weights"`
	VarianceKeep []bool          `json:"variance_keep"`
	Scaler       *StandardScaler `json:"scaler"`
	PCA          *PCA            `json:"pca,omitempty"`
	Dim          int             `json:"dim"`
	Post         *PostProcess    `json:"post"`
}

// Save writes encoder.json, scaler.json and feature_columns.json to dir and
// returns their paths.
func (p *Preprocessor) Save(dir string) ([]string, error) {
	if p.scaler == nil || p.post == nil {
		return nil, ErrNotFitted
	}
	var numeric []string
	for _, f := range p.features {
		if p.numeric[f] {
			numeric = append(numeric, f)
		}
	}
	docs := []struct {
		name string
		v    any
	}{
		{EncoderFile, p.encoder},
		{ScalerFile, scalerDoc{
			Weights:      p.weights,
			VarianceKeep: p.keep,
			Scaler:       p.scaler,
			PCA:          p.pca,
			Dim:          p.outDim,
			Post:         p.post,
		}},
		{FeatureColumnsFile, featureColumnsDoc{
			ItemColumn: p.opts.ItemColumn,
			Features:   p.features,
			Numeric:    numeric,
			Dim:        p.outDim,
			OutputDim:  p.post.Dim(),
		}},
	}
	var paths []string
	for _, d := range docs {
		data, err := json.MarshalIndent(d.v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", d.name, err)
		}
		path := filepath.Join(dir, d.name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", d.name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Load restores a fitted Preprocessor from dir and checks that the
// artifacts agree with each other.
func Load(dir string, logger *slog.Logger) (*Preprocessor, error) {
	var cols featureColumnsDoc
	var sc scalerDoc
	enc := &OrdinalEncoder{}
	for name, v := range map[string]any{FeatureColumnsFile: &cols, ScalerFile: &sc, EncoderFile: enc} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	enc.buildLookup()

	p := New(Options{ItemColumn: cols.ItemColumn, NumericColumns: cols.Numeric}, logger)
	p.features = cols.Features
	p.numeric = make(map[string]bool, len(cols.Numeric))
	for _, f := range cols.Numeric {
		p.numeric[f] = true
	}
	p.weights = sc.Weights
	p.encoder = enc
	p.keep = sc.VarianceKeep
	p.scaler = sc.Scaler
	p.pca = sc.PCA
	p.outDim = sc.Dim
	p.post = sc.Post

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Preprocessor) validate() error {
	n := len(p.features)
	if n == 0 {
		return fmt.Errorf("%w: empty feature schema", ErrSchemaMismatch)
	}
	if len(p.weights) != n || len(p.keep) != n {
		return fmt.Errorf("%w: %d features, %d weights, %d mask entries", ErrSchemaMismatch, n, len(p.weights), len(p.keep))
	}
	if p.scaler == nil || p.post == nil {
		return fmt.Errorf("%w: scaler or post-process missing", ErrSchemaMismatch)
	}
	kept := 0
	for _, k := range p.keep {
		if k {
			kept++
		}
	}
	if len(p.scaler.Mean) != kept || len(p.scaler.Std) != kept {
		return fmt.Errorf("%w: scaler has %d columns, mask keeps %d", ErrSchemaMismatch, len(p.scaler.Mean), kept)
	}
	dim := kept
	if p.pca != nil {
		if len(p.pca.Mean) != kept {
			return fmt.Errorf("%w: pca has %d inputs, mask keeps %d", ErrSchemaMismatch, len(p.pca.Mean), kept)
		}
		dim = p.pca.Dim()
	}
	if p.outDim < dim || len(p.post.Keep) != p.outDim {
		return fmt.Errorf("%w: dim %d, projected %d, post-process %d", ErrSchemaMismatch, p.outDim, dim, len(p.post.Keep))
	}
	for _, c := range p.encoder.Columns {
		if p.numeric[c] {
			return fmt.Errorf("%w: encoder column %s is numeric", ErrSchemaMismatch, c)
		}
	}
	return nil
}
