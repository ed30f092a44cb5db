// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drift

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/storage/badger"
)

func normalScores(n int, mu, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = mu + sigma*rng.NormFloat64()
	}
	return out
}

func TestDistribution(t *testing.T) {
	p := Distribution([]float64{0, 0.5, 1, 1.7, -3}, 10)
	require.Len(t, p, 10)
	sum := 0.0
	for _, v := range p {
		sum += v
		assert.Greater(t, v, 0.0)
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.InDelta(t, 2.0/5, p[0], 1e-9)
	assert.InDelta(t, 2.0/5, p[9], 1e-9)
	assert.InDelta(t, 1.0/5, p[5], 1e-9)
}

func TestShiftedScoresDrift(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, DefaultOptions(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.SetBaseline(ctx, normalScores(1000, 0.8, 0.05, 1)))

	shifted := normalScores(500, 0.4, 0.05, 2)
	for i, s := range shifted[:499] {
		drifted, _, err := d.Observe(ctx, s)
		require.NoError(t, err)
		require.False(t, drifted, "observation %d before half window", i)
	}
	drifted, kl, err := d.Observe(ctx, shifted[499])
	require.NoError(t, err)
	assert.True(t, drifted)
	assert.Greater(t, kl, 0.5)

	events := d.Snapshot().History
	require.Len(t, events, 1)
	assert.InDelta(t, 0.4, events[0].Mean, 0.02)
}

func TestSameDistributionDoesNotDrift(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, DefaultOptions(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.SetBaseline(ctx, normalScores(5000, 0.8, 0.05, 3)))
	for _, s := range normalScores(1000, 0.8, 0.05, 4) {
		drifted, _, err := d.Observe(ctx, s)
		require.NoError(t, err)
		assert.False(t, drifted)
	}
	assert.Len(t, d.Snapshot().Buffer, 1000)
}

func TestNoBaselineNeverDrifts(t *testing.T) {
	d, err := New(context.Background(), DefaultOptions(), nil, nil)
	require.NoError(t, err)
	drifted, kl := d.Check()
	assert.False(t, drifted)
	assert.Zero(t, kl)
	assert.ErrorIs(t, d.SetBaseline(context.Background(), nil), ErrNoScores)
}

func TestShouldRetrain(t *testing.T) {
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		events []Event
		want   bool
	}{
		{"none", nil, false},
		{"five moderate", repeat(Event{TS: now.Add(-time.Hour), KL: 0.6}, 5), false},
		{"six moderate", repeat(Event{TS: now.Add(-time.Hour), KL: 0.6}, 6), true},
		{"one severe", []Event{{TS: now.Add(-time.Hour), KL: 1.2}}, true},
		{"old severe", []Event{{TS: now.Add(-8 * 24 * time.Hour), KL: 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(context.Background(), DefaultOptions(), nil, nil)
			require.NoError(t, err)
			d.now = func() time.Time { return now }
			d.state.History = tt.events
			assert.Equal(t, tt.want, d.ShouldRetrain())
		})
	}
}

func repeat(e Event, n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = e
	}
	return out
}

func TestStores(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	stores := map[string]Store{
		"file":   FileStore{Path: filepath.Join(t.TempDir(), "drift_state.gob")},
		"badger": BadgerStore{DB: db},
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := New(ctx, DefaultOptions(), store, nil)
			require.NoError(t, err)
			require.NoError(t, d.SetBaseline(ctx, normalScores(200, 0.8, 0.05, 5)))
			_, _, err = d.Observe(ctx, 0.75)
			require.NoError(t, err)
			require.NoError(t, d.Save(ctx))

			restored, err := New(ctx, DefaultOptions(), store, nil)
			require.NoError(t, err)
			assert.True(t, restored.HasBaseline())
			assert.Equal(t, []float64{0.75}, restored.Snapshot().Buffer)

			require.NoError(t, restored.ResetBuffer(ctx))
			again, err := New(ctx, DefaultOptions(), store, nil)
			require.NoError(t, err)
			assert.Empty(t, again.Snapshot().Buffer)
		})
	}
}

func TestWindowIsBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.WindowSize = 10
	d, err := New(context.Background(), opts, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, _, err := d.Observe(context.Background(), float64(i)/25)
		require.NoError(t, err)
	}
	buf := d.Snapshot().Buffer
	require.Len(t, buf, 10)
	assert.True(t, math.Abs(buf[9]-24.0/25) < 1e-12)
}
