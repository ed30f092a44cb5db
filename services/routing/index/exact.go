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

import "log/slog"

// Exact is a brute-force Searcher.
type Exact struct {
	*store
}

// NewExact indexes vectors for exhaustive search.
func NewExact(codes []string, vectors [][]float32, logger *slog.Logger) (*Exact, error) {
	s, err := newStore(codes, vectors, logger)
	if err != nil {
		return nil, err
	}
	return &Exact{store: s}, nil
}

// Kind implements Searcher.
func (e *Exact) Kind() Kind { return KindExact }

// Search implements Searcher.
func (e *Exact) Search(q []float32, k int) []Match {
	q = e.prepareQuery(q)
	if q == nil || k <= 0 {
		return nil
	}
	return e.searchNormalized(q, k)
}

func (e *Exact) searchNormalized(q []float32, k int) []Match {
	all := make([]Match, e.Len())
	for i := range all {
		all[i] = e.match(i, dot(q, e.vec(i)))
	}
	sortMatches(all)
	if k < len(all) {
		all = all[:k]
	}
	return all
}
