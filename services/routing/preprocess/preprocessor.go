// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preprocess turns raw item rows into fixed-dimension vectors.
//
// # Pipeline
//
//	rows ──► coerce/normalize ──► ordinal encode ──► × weights
//	     ──► variance prune ──► standard scale ──► PCA / pad
//	     ──► mean per item ──► dead-dim prune ──► balance ──► soft norm
//
// Fit learns every stage from a seeded sample of the training rows.
// Transform is deterministic and side-effect free: it reorders and fills
// columns to the fitted schema before applying the fitted stages.
//
// # Thread Safety
//
// A fitted Preprocessor is read-only and safe for concurrent Transform and
// Embed calls.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// Options configures fitting.
type Options struct {
	ItemColumn        string
	NumericColumns    []string
	SampleFraction    float64
	MinSampleRows     int
	VarianceThreshold float64
	UsePCA            bool
	MaxFeatures       int
	PCAVariance       float64
	TargetDim         int
	StdPruneThreshold float64
	BalanceDims       bool
	SoftNormAlpha     float64
	Seed              int64
	Workers           int
}

// OptionsFromConfig maps the feature section of the runtime config.
func OptionsFromConfig(c config.FeatureConfig) Options {
	return Options{
		ItemColumn:        c.ItemCodeColumn,
		NumericColumns:    c.NumericColumns,
		SampleFraction:    c.SampleFraction,
		MinSampleRows:     c.MinSampleRows,
		VarianceThreshold: c.VarianceThreshold,
		UsePCA:            c.UsePCA,
		MaxFeatures:       c.MaxFeatures,
		PCAVariance:       c.PCAVariance,
		TargetDim:         c.TargetDim,
		StdPruneThreshold: c.StdPruneThreshold,
		BalanceDims:       c.BalanceDims,
		SoftNormAlpha:     c.SoftNormAlpha,
		Seed:              c.Seed,
	}
}

// DefaultOptions mirrors config.Default().Features.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Features)
}

// Preprocessor holds the fitted state.
type Preprocessor struct {
	opts   Options
	logger *slog.Logger

	features []string
	numeric  map[string]bool
	weights  []float64
	encoder  *OrdinalEncoder
	keep     []bool
	scaler   *StandardScaler
	pca      *PCA
	outDim   int
	post     *PostProcess
}

// New creates an unfitted Preprocessor.
func New(opts Options, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ItemColumn == "" {
		opts.ItemColumn = dataset.ItemCodeColumn
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Preprocessor{opts: opts, logger: logger}
}

// Features returns the fitted feature schema in order.
func (p *Preprocessor) Features() []string { return append([]string(nil), p.features...) }

// IsNumeric reports whether a fitted feature is numeric.
func (p *Preprocessor) IsNumeric(feature string) bool { return p.numeric[feature] }

// Dim returns the dimension after scaling and PCA/padding, before
// post-processing.
func (p *Preprocessor) Dim() int { return p.outDim }

// Post returns the fitted post-processing, or nil.
func (p *Preprocessor) Post() *PostProcess { return p.post }

// Encoder returns the fitted encoder.
func (p *Preprocessor) Encoder() *OrdinalEncoder { return p.encoder }

// SampleSize returns how many of n rows Fit uses:
// max(ceil(n·fraction), min(n, minRows)), capped at n.
func SampleSize(n int, fraction float64, minRows int) int {
	size := int(math.Ceil(float64(n) * fraction))
	if floor := min(n, minRows); floor > size {
		size = floor
	}
	return min(size, n)
}

// sampleRows draws a seeded sample, keeping input order.
func sampleRows(rows []dataset.Row, size int, seed int64) []dataset.Row {
	if size >= len(rows) {
		return rows
	}
	rng := rand.New(rand.NewSource(seed))
	idx := rng.Perm(len(rows))[:size]
	sort.Ints(idx)
	out := make([]dataset.Row, size)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

// Fit learns the encoder, variance mask, scaler and projection.
//
// # Inputs
//
//   - rows: Training rows (all rows, sampling happens here).
//   - features: Ordered feature schema.
//   - weights: One weight per feature; nil means all 1.
//
// # Outputs
//
//   - error: ErrEmptySample when rows or features are empty,
//     ErrSchemaMismatch when weights do not match features.
func (p *Preprocessor) Fit(rows []dataset.Row, features []string, weights []float64) error {
	if len(rows) == 0 || len(features) == 0 {
		return fmt.Errorf("%w: rows=%d features=%d", ErrEmptySample, len(rows), len(features))
	}
	if weights == nil {
		weights = make([]float64, len(features))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(features) {
		return fmt.Errorf("%w: %d weights for %d features", ErrSchemaMismatch, len(weights), len(features))
	}

	p.features = append([]string(nil), features...)
	p.weights = append([]float64(nil), weights...)
	p.numeric = make(map[string]bool)
	declared := make(map[string]bool, len(p.opts.NumericColumns))
	for _, c := range p.opts.NumericColumns {
		declared[c] = true
	}
	var categorical []string
	for _, f := range features {
		if declared[f] {
			p.numeric[f] = true
		} else {
			categorical = append(categorical, f)
		}
	}

	sample := sampleRows(rows, SampleSize(len(rows), p.opts.SampleFraction, p.opts.MinSampleRows), p.opts.Seed)

	values := make(map[string][]string, len(categorical))
	for _, r := range sample {
		for _, c := range categorical {
			values[c] = append(values[c], NormalizeCategory(r[c]))
		}
	}
	p.encoder = FitOrdinalEncoder(categorical, values)

	weighted := make([][]float64, len(sample))
	for i, r := range sample {
		weighted[i] = p.encodeWeighted(r)
	}

	p.keep = varianceMask(weighted, len(features), p.opts.VarianceThreshold)
	kept := 0
	for _, k := range p.keep {
		if k {
			kept++
		}
	}
	if kept == 0 {
		return fmt.Errorf("%w: no feature passed the variance threshold %g", ErrEmptySample, p.opts.VarianceThreshold)
	}

	reduced := make([][]float64, len(weighted))
	for i, row := range weighted {
		reduced[i] = p.applyMask(row)
	}
	p.scaler = FitStandardScaler(reduced, kept)
	for _, row := range reduced {
		if err := p.scaler.Transform(row); err != nil {
			return fmt.Errorf("scale sample: %w", err)
		}
	}

	p.pca = nil
	p.outDim = kept
	if err := p.fitProjection(reduced); err != nil {
		return err
	}

	p.logger.Info("preprocessor fitted",
		slog.Int("rows", len(rows)),
		slog.Int("sample", len(sample)),
		slog.Int("features", len(features)),
		slog.Int("categorical", len(categorical)),
		slog.Int("variance_kept", kept),
		slog.Int("dim", p.outDim),
		slog.Bool("pca", p.pca != nil))
	return nil
}

// fitProjection fits PCA when the scaled dimension exceeds MaxFeatures and
// reconciles the result with TargetDim (PCA down or zero-pad up).
func (p *Preprocessor) fitProjection(scaled [][]float64) error {
	dim := p.outDim
	target := p.opts.TargetDim
	if !p.opts.UsePCA {
		if target > dim {
			p.outDim = target
		}
		return nil
	}

	fixedK := 0
	if target > 0 && target < dim && (p.opts.MaxFeatures <= 0 || target <= p.opts.MaxFeatures) {
		fixedK = target
	}
	if dim > p.opts.MaxFeatures || fixedK > 0 {
		pca, err := fitPCA(scaled, p.opts.MaxFeatures, p.opts.PCAVariance, fixedK)
		if err != nil {
			return err
		}
		p.pca = pca
		dim = pca.Dim()
	}
	p.outDim = dim
	if target > dim {
		p.outDim = target
	}
	return nil
}

// encodeWeighted coerces, encodes and weights one row in feature order.
func (p *Preprocessor) encodeWeighted(r dataset.Row) []float64 {
	out := p.encodeRow(r)
	for j := range out {
		out[j] *= p.weights[j]
	}
	return out
}

// encodeRow coerces and encodes one row in feature order. Missing columns
// are filled with 0 (numeric) or the Missing sentinel (categorical).
func (p *Preprocessor) encodeRow(r dataset.Row) []float64 {
	out := make([]float64, len(p.features))
	for j, f := range p.features {
		v := r[f]
		if p.numeric[f] {
			out[j] = NumericValue(v)
		} else {
			out[j] = p.encoder.Encode(f, NormalizeCategory(v))
		}
	}
	return out
}

// EncodeMatrix returns the unweighted encoded rows in feature order. The
// weight manager analyzes importance over this matrix.
func (p *Preprocessor) EncodeMatrix(rows []dataset.Row) ([][]float64, error) {
	if p.encoder == nil {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = p.encodeRow(r)
	}
	return out, nil
}

func (p *Preprocessor) applyMask(row []float64) []float64 {
	out := make([]float64, 0, len(row))
	for j, v := range row {
		if p.keep[j] {
			out = append(out, v)
		}
	}
	return out
}

func varianceMask(x [][]float64, d int, threshold float64) []bool {
	keep := make([]bool, d)
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		keep[j] = stat.PopVariance(col, nil) > threshold
	}
	return keep
}

// Transform maps one row to the fitted space (before post-processing).
func (p *Preprocessor) Transform(r dataset.Row) ([]float64, error) {
	if p.scaler == nil {
		return nil, ErrNotFitted
	}
	if len(p.keep) != len(p.features) || len(p.weights) != len(p.features) {
		return nil, fmt.Errorf("%w: %d features, %d mask entries, %d weights",
			ErrSchemaMismatch, len(p.features), len(p.keep), len(p.weights))
	}
	v := p.applyMask(p.encodeWeighted(r))
	if err := p.scaler.Transform(v); err != nil {
		return nil, err
	}
	if p.pca != nil {
		var err error
		if v, err = p.pca.Transform(v); err != nil {
			return nil, err
		}
	}
	if len(v) < p.outDim {
		v = append(v, make([]float64, p.outDim-len(v))...)
	}
	return v, nil
}

// Embedded is the output of EmbedGroups.
type Embedded struct {
	Codes   []string
	Vectors [][]float64
}

// EmbedGroups produces one vector per item code: the arithmetic mean of
// the group's transformed rows. Codes keep first-occurrence order. Groups
// are processed in parallel.
func (p *Preprocessor) EmbedGroups(ctx context.Context, rows []dataset.Row) (*Embedded, error) {
	codes, groups, err := dataset.GroupByItem(rows, p.opts.ItemColumn)
	if err != nil {
		return nil, err
	}
	out := &Embedded{Codes: codes, Vectors: make([][]float64, len(codes))}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, code := range codes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := p.EmbedGroup(groups[code])
			if err != nil {
				return fmt.Errorf("embed %s: %w", code, err)
			}
			out.Vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedGroup averages the transformed rows of one item.
func (p *Preprocessor) EmbedGroup(rows []dataset.Row) ([]float64, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySample
	}
	var acc []float64
	for _, r := range rows {
		v, err := p.Transform(r)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = make([]float64, len(v))
		}
		for j := range v {
			acc[j] += v[j]
		}
	}
	n := float64(len(rows))
	for j := range acc {
		acc[j] /= n
	}
	return acc, nil
}

// FitPost fits dead-dim pruning, balancing and norm scaling on the
// embedded vectors and stores the result.
func (p *Preprocessor) FitPost(vectors [][]float64) (*PostProcess, error) {
	post, err := FitPostProcess(vectors, PostOptions{
		StdPruneThreshold: p.opts.StdPruneThreshold,
		Balance:           p.opts.BalanceDims,
		Alpha:             p.opts.SoftNormAlpha,
	})
	if err != nil {
		return nil, err
	}
	p.post = post
	p.logger.Info("embedding post-processing fitted",
		slog.Int("input_dim", len(post.Keep)),
		slog.Int("output_dim", post.Dim()),
		slog.Bool("balanced", post.Scales != nil))
	return post, nil
}

// Embed maps the rows of one item to its final float32 vector.
func (p *Preprocessor) Embed(rows []dataset.Row) ([]float32, error) {
	if p.post == nil {
		return nil, ErrNotFitted
	}
	v, err := p.EmbedGroup(rows)
	if err != nil {
		return nil, err
	}
	return p.post.Apply(v)
}

// ProcessAll embeds every item, fits post-processing and returns the final
// vectors. Used by training.
func (p *Preprocessor) ProcessAll(ctx context.Context, rows []dataset.Row) ([]string, [][]float32, error) {
	emb, err := p.EmbedGroups(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	post, err := p.FitPost(emb.Vectors)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]float32, len(emb.Vectors))
	for i, v := range emb.Vectors {
		if out[i], err = post.Apply(v); err != nil {
			return nil, nil, err
		}
	}
	return emb.Codes, out, nil
}
