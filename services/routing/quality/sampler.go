// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// Strategy selects how item codes are sampled.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyStratified Strategy = "stratified"
	StrategyRecentBias Strategy = "recent_bias"
)

// SampleOptions parameterizes Sample.
type SampleOptions struct {
	Strategy Strategy

	// ItemColumn holds the item code; empty means dataset.ItemCodeColumn.
	ItemColumn string

	// Column is the categorical column of the stratified strategy.
	Column string

	// DateColumn and DaysWindow define "recent" for recent_bias.
	DateColumn string
	DaysWindow int

	Seed int64

	// Now anchors the recent window; zero means time.Now.
	Now time.Time
}

// Sample draws up to n distinct item codes from items.
//
// # Inputs
//
//   - items: item master rows. Duplicate codes count once; the first row
//     of a code supplies its stratum and date.
//   - n: requested sample size. n ≥ population returns every code.
//   - o: strategy and its parameters.
//
// # Outputs
//
//   - []string: sampled codes. The same seed and input give the same
//     sample.
//   - error: ErrNoItems, ErrUnknownColumn or ErrUnknownStrategy.
func Sample(items []dataset.Row, n int, o SampleOptions) ([]string, error) {
	itemCol := o.ItemColumn
	if itemCol == "" {
		itemCol = dataset.ItemCodeColumn
	}
	codes, first := distinct(items, itemCol)
	if len(codes) == 0 {
		return nil, ErrNoItems
	}
	if n <= 0 {
		return nil, nil
	}
	rng := rand.New(rand.NewSource(o.Seed))

	switch o.Strategy {
	case StrategyRandom, "":
		return pick(rng, codes, n), nil
	case StrategyStratified:
		return stratified(rng, codes, first, n, o.Column)
	case StrategyRecentBias:
		return recentBias(rng, codes, first, n, o)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, o.Strategy)
	}
}

func distinct(items []dataset.Row, itemCol string) ([]string, map[string]dataset.Row) {
	first := make(map[string]dataset.Row, len(items))
	var codes []string
	for _, r := range items {
		code := r.String(itemCol)
		if code == "" {
			continue
		}
		if _, ok := first[code]; ok {
			continue
		}
		first[code] = r
		codes = append(codes, code)
	}
	return codes, first
}

// pick draws min(n, len(pool)) codes uniformly without replacement.
func pick(rng *rand.Rand, pool []string, n int) []string {
	perm := rng.Perm(len(pool))
	n = min(n, len(pool))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = pool[perm[i]]
	}
	return out
}

// stratified allocates n proportionally to stratum sizes, at least one per
// stratum, and gives the rounding slack to the largest stratum. When there
// are more strata than slots the smallest strata give theirs up first, so
// the sample never exceeds n.
func stratified(rng *rand.Rand, codes []string, first map[string]dataset.Row, n int, col string) ([]string, error) {
	if strings.TrimSpace(col) == "" {
		return nil, fmt.Errorf("%w: stratify column not set", ErrUnknownColumn)
	}
	var (
		keys   []string
		strata = make(map[string][]string)
		seen   bool
	)
	for _, code := range codes {
		r := first[code]
		if r.Has(col) {
			seen = true
		}
		key := r.String(col)
		if _, ok := strata[key]; !ok {
			keys = append(keys, key)
		}
		strata[key] = append(strata[key], code)
	}
	if !seen {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	if n >= len(codes) {
		return pick(rng, codes, n), nil
	}

	alloc := make(map[string]int, len(keys))
	total, largest := 0, keys[0]
	for _, k := range keys {
		size := len(strata[k])
		a := min(size, max(1, n*size/len(codes)))
		alloc[k] = a
		total += a
		if size > len(strata[largest]) {
			largest = k
		}
	}
	if slack := n - total; slack > 0 {
		alloc[largest] = min(len(strata[largest]), alloc[largest]+slack)
	}
	if total > n {
		bySize := append([]string(nil), keys...)
		sort.SliceStable(bySize, func(i, j int) bool { return len(strata[bySize[i]]) < len(strata[bySize[j]]) })
		for _, k := range bySize {
			if total <= n {
				break
			}
			take := min(alloc[k], total-n)
			alloc[k] -= take
			total -= take
		}
	}

	var out []string
	for _, k := range keys {
		out = append(out, pick(rng, strata[k], alloc[k])...)
	}
	return out, nil
}

// recentBias takes half of n from items dated within the window and fills
// the rest uniformly from the remaining items. Items without a parseable
// date belong to the remainder.
func recentBias(rng *rand.Rand, codes []string, first map[string]dataset.Row, n int, o SampleOptions) ([]string, error) {
	if strings.TrimSpace(o.DateColumn) == "" {
		return nil, fmt.Errorf("%w: date column not set", ErrUnknownColumn)
	}
	now := o.Now
	if now.IsZero() {
		now = time.Now()
	}
	days := o.DaysWindow
	if days <= 0 {
		days = 90
	}
	cutoff := now.AddDate(0, 0, -days)

	var recent, rest []string
	seen := false
	for _, code := range codes {
		r := first[code]
		if r.Has(o.DateColumn) {
			seen = true
		}
		if t, ok := parseDate(r[o.DateColumn]); ok && !t.Before(cutoff) {
			recent = append(recent, code)
		} else {
			rest = append(rest, code)
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, o.DateColumn)
	}

	out := pick(rng, recent, n/2+n%2)
	out = append(out, pick(rng, rest, n-len(out))...)
	if short := n - len(out); short > 0 {
		// a short remainder is topped up from the unchosen recent items
		chosen := make(map[string]bool, len(out))
		for _, c := range out {
			chosen[c] = true
		}
		var left []string
		for _, c := range recent {
			if !chosen[c] {
				left = append(left, c)
			}
		}
		out = append(out, pick(rng, left, short)...)
	}
	return out, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"20060102",
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if p, err := time.Parse(layout, s); err == nil {
				return p, true
			}
		}
	}
	return time.Time{}, false
}
