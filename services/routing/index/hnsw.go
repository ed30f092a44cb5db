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
	"container/heap"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// HNSWConfig holds graph parameters.
type HNSWConfig struct {
	// M is the neighbor count per node on upper layers; layer 0 keeps 2·M.
	M int

	// EfConstruction is the candidate list size during insertion.
	EfConstruction int

	// EfSearch is the candidate list size at query time. Values below k are
	// raised to k.
	EfSearch int

	// Seed drives level assignment.
	Seed int64
}

// HNSW is a hierarchical navigable small-world Searcher.
//
// The graph is built sequentially from a seeded level generator, so the
// same input always yields the same graph.
type HNSW struct {
	*store
	cfg       HNSWConfig
	levels    []int
	neighbors [][][]int32
	entry     int
	maxLevel  int
}

// NewHNSW builds the graph over vectors.
func NewHNSW(codes []string, vectors [][]float32, cfg HNSWConfig, logger *slog.Logger) (*HNSW, error) {
	s, err := newStore(codes, vectors, logger)
	if err != nil {
		return nil, err
	}
	if cfg.M < 2 {
		cfg.M = 32
	}
	if cfg.EfConstruction < cfg.M {
		cfg.EfConstruction = max(200, cfg.M)
	}
	h := &HNSW{
		store:     s,
		cfg:       cfg,
		levels:    make([]int, s.Len()),
		neighbors: make([][][]int32, s.Len()),
		entry:     -1,
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(cfg.Seed))
	ml := 1 / math.Log(float64(cfg.M))
	for i := 0; i < s.Len(); i++ {
		level := int(math.Floor(-math.Log(1-rng.Float64()) * ml))
		h.insert(i, level)
	}
	s.logger.Info("hnsw index built",
		slog.Int("items", s.Len()),
		slog.Int("dim", s.Dim()),
		slog.Int("max_level", h.maxLevel),
		slog.Duration("elapsed", time.Since(start)))
	return h, nil
}

// Kind implements Searcher.
func (h *HNSW) Kind() Kind { return KindHNSW }

// Config returns the graph parameters.
func (h *HNSW) Config() HNSWConfig { return h.cfg }

func (h *HNSW) maxNeighbors(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

func (h *HNSW) insert(i, level int) {
	h.levels[i] = level
	h.neighbors[i] = make([][]int32, level+1)
	if h.entry < 0 {
		h.entry, h.maxLevel = i, level
		return
	}

	q := h.vec(i)
	ep := h.entry
	for lc := h.maxLevel; lc > level; lc-- {
		ep = h.greedy(q, ep, lc)
	}
	for lc := min(level, h.maxLevel); lc >= 0; lc-- {
		cands := h.searchLayer(q, []int{ep}, h.cfg.EfConstruction, lc)
		selected := cands
		if len(selected) > h.cfg.M {
			selected = selected[:h.cfg.M]
		}
		for _, c := range selected {
			h.neighbors[i][lc] = append(h.neighbors[i][lc], int32(c.Index))
			h.link(c.Index, i, lc)
		}
		ep = cands[0].Index
	}
	if level > h.maxLevel {
		h.entry, h.maxLevel = i, level
	}
}

// link adds i to the neighbor list of n at level lc, pruning to the
// closest maxNeighbors when the list overflows.
func (h *HNSW) link(n, i, lc int) {
	list := append(h.neighbors[n][lc], int32(i))
	limit := h.maxNeighbors(lc)
	if len(list) > limit {
		base := h.vec(n)
		ms := make([]Match, len(list))
		for j, id := range list {
			ms[j] = Match{Index: int(id), Score: dot(base, h.vec(int(id)))}
		}
		sortMatches(ms)
		list = list[:0]
		for _, m := range ms[:limit] {
			list = append(list, int32(m.Index))
		}
	}
	h.neighbors[n][lc] = list
}

// greedy walks level lc toward q and returns the closest node found.
func (h *HNSW) greedy(q []float32, ep, lc int) int {
	best, bestScore := ep, dot(q, h.vec(ep))
	for changed := true; changed; {
		changed = false
		for _, nb := range h.neighbors[best][lc] {
			s := dot(q, h.vec(int(nb)))
			if s > bestScore || (s == bestScore && int(nb) < best) {
				best, bestScore, changed = int(nb), s, true
			}
		}
	}
	return best
}

// searchLayer is the beam search of the HNSW paper; it returns up to ef
// matches ordered by score desc, index asc.
func (h *HNSW) searchLayer(q []float32, eps []int, ef, lc int) []Match {
	visited := make(map[int]struct{}, ef*4)
	cand := &maxHeap{}
	res := &minHeap{}
	for _, ep := range eps {
		visited[ep] = struct{}{}
		m := Match{Index: ep, Score: dot(q, h.vec(ep))}
		heap.Push(cand, m)
		heap.Push(res, m)
	}
	for cand.Len() > 0 {
		c := heap.Pop(cand).(Match)
		if res.Len() >= ef && worse(c, (*res)[0]) {
			break
		}
		if lc >= len(h.neighbors[c.Index]) {
			continue
		}
		for _, nb := range h.neighbors[c.Index][lc] {
			id := int(nb)
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			m := Match{Index: id, Score: dot(q, h.vec(id))}
			if res.Len() < ef || worse((*res)[0], m) {
				heap.Push(cand, m)
				heap.Push(res, m)
				if res.Len() > ef {
					heap.Pop(res)
				}
			}
		}
	}
	out := make([]Match, res.Len())
	copy(out, *res)
	sortMatches(out)
	return out
}

// Search implements Searcher.
func (h *HNSW) Search(q []float32, k int) []Match {
	q = h.prepareQuery(q)
	if q == nil || k <= 0 {
		return nil
	}
	ef := max(h.cfg.EfSearch, k)
	if ef >= h.Len() {
		// the beam would cover the whole graph anyway
		return (&Exact{store: h.store}).searchNormalized(q, k)
	}
	ep := h.entry
	for lc := h.maxLevel; lc > 0; lc-- {
		ep = h.greedy(q, ep, lc)
	}
	found := h.searchLayer(q, []int{ep}, ef, 0)
	if k < len(found) {
		found = found[:k]
	}
	for i := range found {
		found[i] = h.match(found[i].Index, found[i].Score)
	}
	return found
}

// worse reports whether a ranks below b (lower score, or equal score and
// larger index).
func worse(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Index > b.Index
}

// maxHeap pops the best match first.
type maxHeap []Match

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return worse(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *maxHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// minHeap pops the worst match first.
type minHeap []Match

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *minHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
