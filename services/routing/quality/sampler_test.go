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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

var sampleNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

// population returns n items; the first recent ones are dated inside a 30
// day window and part types follow types cyclically.
func population(n, recent int, types []string) []dataset.Row {
	rows := make([]dataset.Row, n)
	for i := range rows {
		date := sampleNow.AddDate(0, 0, -400).Format("2006-01-02")
		if i < recent {
			date = sampleNow.AddDate(0, 0, -i).Format("2006-01-02")
		}
		rows[i] = dataset.Row{
			dataset.ItemCodeColumn: fmt.Sprintf("IT%02d", i),
			"PART_TYPE":            types[i%len(types)],
			"CREATED_DT":           date,
		}
	}
	return rows
}

func prefixCount(codes []string, set map[string]bool) int {
	n := 0
	for _, c := range codes {
		if set[c] {
			n++
		}
	}
	return n
}

func TestSample_Random(t *testing.T) {
	items := population(10, 0, []string{"A"})
	items = append(items, dataset.Row{dataset.ItemCodeColumn: "IT03"}) // duplicate

	got, err := Sample(items, 4, SampleOptions{Strategy: StrategyRandom, Seed: 7})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	seen := map[string]bool{}
	for _, c := range got {
		assert.False(t, seen[c], "duplicate %s", c)
		seen[c] = true
	}

	again, err := Sample(items, 4, SampleOptions{Strategy: StrategyRandom, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, got, again)

	all, err := Sample(items, 50, SampleOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 10)

	_, err = Sample(nil, 3, SampleOptions{})
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = Sample(items, 3, SampleOptions{Strategy: "weekly"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSample_Stratified(t *testing.T) {
	// 6×A, 3×B, 1×C
	types := []string{"A", "A", "B", "A", "B", "A", "A", "B", "A", "C"}
	items := population(10, 0, []string{"x"})
	for i, r := range items {
		r["PART_TYPE"] = types[i]
	}

	got, err := Sample(items, 5, SampleOptions{Strategy: StrategyStratified, Column: "PART_TYPE", Seed: 1})
	require.NoError(t, err)
	require.Len(t, got, 5)

	byType := map[string]int{}
	idx := map[string]string{}
	for i, r := range items {
		idx[r.String(dataset.ItemCodeColumn)] = types[i]
	}
	for _, c := range got {
		byType[idx[c]]++
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 1, "C": 1}, byType)

	t.Run("slack goes to largest stratum", func(t *testing.T) {
		got, err := Sample(items, 7, SampleOptions{Strategy: StrategyStratified, Column: "PART_TYPE"})
		require.NoError(t, err)
		counts := map[string]int{}
		for _, c := range got {
			counts[idx[c]]++
		}
		// A: 4, B: 2, C: 1 → slack 0; n=7 exactly
		assert.Equal(t, 7, len(got))
		assert.Equal(t, 1, counts["C"])
	})

	t.Run("more strata than slots stays within n", func(t *testing.T) {
		// 4×P, 3×Q, 1×R, 1×S, 1×T
		five := population(10, 0, []string{"x"})
		kinds := []string{"P", "Q", "P", "R", "Q", "S", "P", "T", "Q", "P"}
		kindOf := map[string]string{}
		for i, r := range five {
			r["PART_TYPE"] = kinds[i]
			kindOf[r.String(dataset.ItemCodeColumn)] = kinds[i]
		}
		got, err := Sample(five, 2, SampleOptions{Strategy: StrategyStratified, Column: "PART_TYPE", Seed: 3})
		require.NoError(t, err)
		require.Len(t, got, 2)
		counts := map[string]int{}
		for _, c := range got {
			counts[kindOf[c]]++
		}
		assert.Equal(t, map[string]int{"P": 1, "Q": 1}, counts)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := Sample(items, 5, SampleOptions{Strategy: StrategyStratified, Column: "COLOR"})
		assert.ErrorIs(t, err, ErrUnknownColumn)
		_, err = Sample(items, 5, SampleOptions{Strategy: StrategyStratified})
		assert.ErrorIs(t, err, ErrUnknownColumn)
	})
}

func TestSample_RecentBias(t *testing.T) {
	items := population(10, 4, []string{"A"})
	recent := map[string]bool{"IT00": true, "IT01": true, "IT02": true, "IT03": true}
	opts := SampleOptions{Strategy: StrategyRecentBias, DateColumn: "CREATED_DT", DaysWindow: 30, Seed: 3, Now: sampleNow}

	got, err := Sample(items, 4, opts)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 2, prefixCount(got, recent))

	got, err = Sample(items, 8, opts)
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.Equal(t, 4, prefixCount(got, recent))

	t.Run("short remainder is topped up from recent", func(t *testing.T) {
		few := population(5, 4, []string{"A"})
		got, err := Sample(few, 4, opts)
		require.NoError(t, err)
		assert.Len(t, got, 4)
		assert.ElementsMatch(t, got, unique(got))
	})

	t.Run("date column required", func(t *testing.T) {
		_, err := Sample(items, 4, SampleOptions{Strategy: StrategyRecentBias})
		assert.ErrorIs(t, err, ErrUnknownColumn)
		_, err = Sample(items, 4, SampleOptions{Strategy: StrategyRecentBias, DateColumn: "NOPE"})
		assert.ErrorIs(t, err, ErrUnknownColumn)
	})
}

func unique(xs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func TestParseDate(t *testing.T) {
	for _, in := range []any{"2026-01-02", "2026/01/02", "20260102", "2026-01-02 10:00:00", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)} {
		got, ok := parseDate(in)
		require.True(t, ok, "%v", in)
		assert.Equal(t, 2, got.Day())
	}
	_, ok := parseDate("soon")
	assert.False(t, ok)
	_, ok = parseDate(nil)
	assert.False(t, ok)
}
