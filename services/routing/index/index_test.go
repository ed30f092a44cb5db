// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(n, dim int, seed int64) ([]string, [][]float32) {
	rng := rand.New(rand.NewSource(seed))
	codes := make([]string, n)
	vecs := make([][]float32, n)
	for i := range vecs {
		codes[i] = fmt.Sprintf("ITEM-%05d", i)
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vecs[i] = v
	}
	return codes, vecs
}

func builders() map[string]func([]string, [][]float32) (Searcher, error) {
	return map[string]func([]string, [][]float32) (Searcher, error){
		"exact": func(c []string, v [][]float32) (Searcher, error) { return NewExact(c, v, nil) },
		"hnsw": func(c []string, v [][]float32) (Searcher, error) {
			return NewHNSW(c, v, HNSWConfig{M: 16, EfConstruction: 100, EfSearch: 64, Seed: 1}, nil)
		},
	}
}

func TestOrthonormalRoundTrip(t *testing.T) {
	codes := []string{"A", "B", "C"}
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			s, err := build(codes, vecs)
			require.NoError(t, err)

			code, score, ok := FindOne(s, vecs[0])
			require.True(t, ok)
			assert.Equal(t, "A", code)
			assert.InDelta(t, 1.0, score, 1e-6)

			code, score, ok = FindOne(s, vecs[1])
			require.True(t, ok)
			assert.Equal(t, "B", code)
			assert.InDelta(t, 1.0, score, 1e-6)

			gotCodes, scores := FindSimilar(s, vecs[0], 3)
			assert.Equal(t, []string{"A", "B", "C"}, gotCodes)
			require.Len(t, scores, 3)
			assert.InDelta(t, 1.0, scores[0], 1e-6)
			assert.InDelta(t, 0.0, scores[1], 1e-6)
			assert.InDelta(t, 0.0, scores[2], 1e-6)
		})
	}
}

func TestSearch_OrderingAndLength(t *testing.T) {
	codes, vecs := randomVectors(300, 12, 3)
	queries := randomQueries(20, 12, 4)

	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			s, err := build(codes, vecs)
			require.NoError(t, err)
			for _, q := range queries {
				for _, k := range []int{1, 5, 40, 1000} {
					got := s.Search(q, k)
					assert.Len(t, got, min(k, 300))
					for i := 1; i < len(got); i++ {
						assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
					}
				}
			}
		})
	}
}

func randomQueries(n, dim int, seed int64) [][]float32 {
	_, qs := randomVectors(n, dim, seed)
	return qs
}

func TestExact_Symmetry(t *testing.T) {
	codes, vecs := randomVectors(200, 16, 5)
	s, err := NewExact(codes, vecs, nil)
	require.NoError(t, err)
	for i := range vecs {
		code, score, ok := FindOne(s, vecs[i])
		require.True(t, ok)
		assert.Equal(t, codes[i], code)
		assert.InDelta(t, 1.0, score, 1e-5)
	}
}

func TestExact_TiesBrokenByIndex(t *testing.T) {
	codes := []string{"X", "Y", "Z"}
	vecs := [][]float32{{0, 1}, {1, 0}, {1, 0}}
	s, err := NewExact(codes, vecs, nil)
	require.NoError(t, err)

	got := s.Search([]float32{1, 0}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "Y", got[0].Code)
	assert.Equal(t, "Z", got[1].Code)
}

func TestHNSW_RecallAgainstExact(t *testing.T) {
	codes, vecs := randomVectors(1500, 16, 6)
	exact, err := NewExact(codes, vecs, nil)
	require.NoError(t, err)
	hnsw, err := NewHNSW(codes, vecs, HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 100, Seed: 42}, nil)
	require.NoError(t, err)

	hits, total := 0, 0
	for _, q := range randomQueries(50, 16, 7) {
		want := map[string]bool{}
		for _, m := range exact.Search(q, 10) {
			want[m.Code] = true
		}
		for _, m := range hnsw.Search(q, 10) {
			if want[m.Code] {
				hits++
			}
		}
		total += 10
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.9)
}

func TestHNSW_Deterministic(t *testing.T) {
	codes, vecs := randomVectors(400, 8, 8)
	cfg := HNSWConfig{M: 8, EfConstruction: 64, Seed: 9}
	a, err := NewHNSW(codes, vecs, cfg, nil)
	require.NoError(t, err)
	b, err := NewHNSW(codes, vecs, cfg, nil)
	require.NoError(t, err)
	q := randomQueries(1, 8, 10)[0]
	assert.Equal(t, a.Search(q, 15), b.Search(q, 15))
}

func TestEdgeCases(t *testing.T) {
	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			empty, err := build(nil, nil)
			require.NoError(t, err)
			assert.Empty(t, empty.Search([]float32{1, 0}, 3))

			s, err := build([]string{"A"}, [][]float32{{1, 0}})
			require.NoError(t, err)
			assert.Empty(t, s.Search([]float32{0, 0}, 3), "zero query")
			assert.Empty(t, s.Search([]float32{1, 0, 0}, 3), "wrong dimension")
			assert.Empty(t, s.Search([]float32{1, 0}, 0))
		})
	}
}

func TestQueryIsRenormalized(t *testing.T) {
	s, err := NewExact([]string{"A", "B"}, [][]float32{{3, 0}, {0, 5}}, nil)
	require.NoError(t, err)
	code, score, ok := FindOne(s, []float32{10, 0})
	require.True(t, ok)
	assert.Equal(t, "A", code)
	assert.InDelta(t, 1.0, score, 1e-6)
}

func TestNew_Validation(t *testing.T) {
	_, err := NewExact([]string{"A"}, nil, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	_, err = NewExact([]string{"A", "B"}, [][]float32{{1, 0}, {1}}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBuild_SelectsByThreshold(t *testing.T) {
	codes, vecs := randomVectors(50, 4, 11)
	opts := DefaultOptions()
	s, err := Build(codes, vecs, opts)
	require.NoError(t, err)
	assert.Equal(t, KindExact, s.Kind())

	opts.ExactThreshold = 10
	s, err = Build(codes, vecs, opts)
	require.NoError(t, err)
	assert.Equal(t, KindHNSW, s.Kind())
}

func TestCodec_RoundTrip(t *testing.T) {
	codes, vecs := randomVectors(120, 6, 12)
	q := randomQueries(1, 6, 13)[0]
	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			s, err := build(codes, vecs)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, s))
			decoded, err := Decode(&buf, nil)
			require.NoError(t, err)
			assert.Equal(t, s.Kind(), decoded.Kind())
			assert.Equal(t, s.Search(q, 10), decoded.Search(q, 10))
		})
	}

	path := filepath.Join(t.TempDir(), FileName)
	s, err := NewExact(codes, vecs, nil)
	require.NoError(t, err)
	require.NoError(t, Save(path, s))
	loaded, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, s.Codes(), loaded.Codes())
}
