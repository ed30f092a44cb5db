// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index provides top-k cosine similarity search over item vectors.
//
// Two Searcher implementations share one contract: given a query and k,
// return the min(k, N) item codes with the highest cosine similarity,
// ordered by score descending, ties broken by smaller insertion index.
//
//   - Exact scans every vector. Used below a size threshold and as the
//     reference in tests.
//   - HNSW is a hierarchical navigable small-world graph.
//
// Both store L2-normalized copies of the input vectors, so the dot product
// is the cosine similarity. Queries are normalized the same way.
//
// # Thread Safety
//
// An index is immutable after construction; concurrent Search calls are
// safe without synchronization.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when vectors disagree on dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrLengthMismatch is returned when codes and vectors differ in length.
	ErrLengthMismatch = errors.New("codes and vectors differ in length")
)

// Kind names a Searcher implementation.
type Kind string

const (
	KindExact Kind = "exact"
	KindHNSW  Kind = "hnsw"
)

// Match is one search hit.
type Match struct {
	Index int     `json:"index"`
	Code  string  `json:"code"`
	Score float32 `json:"score"`
}

// Searcher is the similarity-search capability.
type Searcher interface {
	// Search returns up to k matches ordered by score desc, index asc.
	// A zero or wrong-dimension query returns no matches.
	Search(q []float32, k int) []Match

	// Len returns the number of indexed items.
	Len() int

	// Dim returns the vector dimension.
	Dim() int

	// Codes returns the item codes in insertion order.
	Codes() []string

	// Kind returns the implementation name.
	Kind() Kind
}

// FindSimilar returns parallel code and score slices of length min(k, N).
func FindSimilar(s Searcher, q []float32, k int) ([]string, []float32) {
	matches := s.Search(q, k)
	codes := make([]string, len(matches))
	scores := make([]float32, len(matches))
	for i, m := range matches {
		codes[i], scores[i] = m.Code, m.Score
	}
	return codes, scores
}

// FindOne returns the single best match.
func FindOne(s Searcher, q []float32) (string, float32, bool) {
	matches := s.Search(q, 1)
	if len(matches) == 0 {
		return "", 0, false
	}
	return matches[0].Code, matches[0].Score, true
}

// Options configures Build.
type Options struct {
	// ExactThreshold selects Exact when N is below it.
	ExactThreshold int
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
	Logger         *slog.Logger
}

// DefaultOptions returns M=32, efConstruction=200 and an exact threshold
// of 2000 items.
func DefaultOptions() Options {
	return Options{ExactThreshold: 2000, M: 32, EfConstruction: 200, Seed: 42}
}

// Build chooses Exact or HNSW by size.
func Build(codes []string, vectors [][]float32, opts Options) (Searcher, error) {
	if len(codes) < opts.ExactThreshold {
		return NewExact(codes, vectors, opts.Logger)
	}
	return NewHNSW(codes, vectors, HNSWConfig{
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		EfSearch:       opts.EfSearch,
		Seed:           opts.Seed,
	}, opts.Logger)
}

// store holds the normalized vectors and their codes. The two slices are
// built together and never mutated afterwards.
type store struct {
	dim    int
	codes  []string
	data   []float32
	logger *slog.Logger
}

func newStore(codes []string, vectors [][]float32, logger *slog.Logger) (*store, error) {
	if len(codes) != len(vectors) {
		return nil, fmt.Errorf("%w: %d codes, %d vectors", ErrLengthMismatch, len(codes), len(vectors))
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &store{codes: append([]string(nil), codes...), logger: logger}
	if len(vectors) == 0 {
		return s, nil
	}
	s.dim = len(vectors[0])
	s.data = make([]float32, 0, len(vectors)*s.dim)
	for i, v := range vectors {
		if len(v) != s.dim {
			return nil, fmt.Errorf("%w: vector %d has %d dims, want %d", ErrDimensionMismatch, i, len(v), s.dim)
		}
		n := normalized(v)
		if n == nil {
			n = make([]float32, s.dim)
		}
		s.data = append(s.data, n...)
	}
	return s, nil
}

func (s *store) vec(i int) []float32 { return s.data[i*s.dim : (i+1)*s.dim] }

func (s *store) Len() int        { return len(s.codes) }
func (s *store) Dim() int        { return s.dim }
func (s *store) Codes() []string { return append([]string(nil), s.codes...) }

// Vector returns a copy of the stored, normalized vector i.
func (s *store) Vector(i int) []float32 { return append([]float32(nil), s.vec(i)...) }

// prepareQuery normalizes q, or logs and returns nil when it cannot be used.
func (s *store) prepareQuery(q []float32) []float32 {
	if s.Len() == 0 {
		return nil
	}
	if len(q) != s.dim {
		s.logger.Warn("query dimension mismatch", slog.Int("got", len(q)), slog.Int("want", s.dim))
		return nil
	}
	n := normalized(q)
	if n == nil {
		s.logger.Warn("zero query vector")
	}
	return n
}

func (s *store) match(i int, score float32) Match {
	return Match{Index: i, Code: s.codes[i], Score: score}
}

// normalized returns v/‖v‖, or nil for a zero or non-finite vector.
func normalized(v []float32) []float32 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}

// sortMatches orders by score desc, index asc.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].Index < ms[j].Index
	})
}
