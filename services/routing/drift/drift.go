// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package drift detects shifts in the distribution of prediction similarity
// scores.
//
// A Detector holds a baseline probability histogram over [0, 1] and a
// rolling window of recent scores. Once the window is at least half full,
// every observation compares the window's histogram Q with the baseline P
// by KL(Q || P) and records a drift event when it exceeds the threshold.
//
// # Thread Safety
//
// *Detector is safe for concurrent use.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

// Smoothing is added to every bin before normalizing.
const Smoothing = 1e-10

// maxHistory bounds the stored event list.
const maxHistory = 1000

// ErrNoScores is returned by SetBaseline for an empty sample.
var ErrNoScores = errors.New("no scores")

// Event is one detected drift.
type Event struct {
	TS   time.Time `json:"ts"`
	KL   float64   `json:"kl"`
	Mean float64   `json:"mean"`
	Std  float64   `json:"std"`
}

// State is the persisted detector state.
type State struct {
	Bins         int
	BaselineDist []float64
	WindowSize   int
	Threshold    float64
	Buffer       []float64
	History      []Event
}

// Store persists State.
type Store interface {
	Load(ctx context.Context) (*State, bool, error)
	Save(ctx context.Context, s *State) error
}

// Options tune a Detector.
type Options struct {
	Bins            int
	WindowSize      int
	Threshold       float64
	RetrainEvents   int
	RetrainMaxKL    float64
	RetrainLookback time.Duration

	// SaveEvery persists the state after this many observations. Zero
	// persists only on baseline changes, resets, events and Save.
	SaveEvery int
}

// OptionsFromConfig maps the drift section of the runtime config.
func OptionsFromConfig(c config.DriftConfig) Options {
	return Options{
		Bins:            c.Bins,
		WindowSize:      c.WindowSize,
		Threshold:       c.Threshold,
		RetrainEvents:   c.RetrainEvents,
		RetrainMaxKL:    c.RetrainMaxKL,
		RetrainLookback: c.RetrainLookback,
		SaveEvery:       100,
	}
}

// DefaultOptions returns 50 bins, a window of 1000 and threshold 0.5.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Drift)
}

// Detector is the drift detector.
type Detector struct {
	mu      sync.Mutex
	opts    Options
	state   State
	store   Store
	pending int
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a detector, restoring state from store when present. A nil
// store keeps state in memory only.
func New(ctx context.Context, opts Options, store Store, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Bins < 2 {
		opts.Bins = 50
	}
	if opts.WindowSize < 2 {
		opts.WindowSize = 1000
	}
	d := &Detector{
		opts:   opts,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		state:  State{Bins: opts.Bins, WindowSize: opts.WindowSize, Threshold: opts.Threshold},
	}
	if store == nil {
		return d, nil
	}
	st, ok, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load drift state: %w", err)
	}
	if ok {
		if st.Bins != opts.Bins && len(st.BaselineDist) > 0 {
			logger.Warn("drift baseline bin count changed, baseline dropped",
				slog.Int("stored", st.Bins), slog.Int("configured", opts.Bins))
			st.BaselineDist = nil
		}
		st.Bins, st.WindowSize, st.Threshold = opts.Bins, opts.WindowSize, opts.Threshold
		if len(st.Buffer) > opts.WindowSize {
			st.Buffer = st.Buffer[len(st.Buffer)-opts.WindowSize:]
		}
		d.state = *st
	}
	return d, nil
}

// SetBaseline replaces the baseline distribution with the histogram of
// scores.
func (d *Detector) SetBaseline(ctx context.Context, scores []float64) error {
	if len(scores) == 0 {
		return ErrNoScores
	}
	d.mu.Lock()
	d.state.BaselineDist = Distribution(scores, d.opts.Bins)
	d.mu.Unlock()
	d.logger.Info("drift baseline set", slog.Int("scores", len(scores)))
	return d.Save(ctx)
}

// HasBaseline reports whether a baseline is set.
func (d *Detector) HasBaseline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state.BaselineDist) > 0
}

// Observe appends score to the window and checks for drift once the
// window is half full.
func (d *Detector) Observe(ctx context.Context, score float64) (bool, float64, error) {
	d.mu.Lock()
	d.state.Buffer = append(d.state.Buffer, score)
	if over := len(d.state.Buffer) - d.opts.WindowSize; over > 0 {
		d.state.Buffer = append(d.state.Buffer[:0], d.state.Buffer[over:]...)
	}
	d.pending++
	var drifted bool
	var kl float64
	if len(d.state.Buffer) >= d.opts.WindowSize/2 {
		drifted, kl = d.checkLocked()
	}
	save := drifted || (d.opts.SaveEvery > 0 && d.pending >= d.opts.SaveEvery)
	d.mu.Unlock()

	if save {
		return drifted, kl, d.Save(ctx)
	}
	return drifted, kl, nil
}

// Check compares the current window with the baseline regardless of
// window fill.
func (d *Detector) Check() (bool, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked()
}

func (d *Detector) checkLocked() (bool, float64) {
	if len(d.state.BaselineDist) == 0 || len(d.state.Buffer) == 0 {
		return false, 0
	}
	q := Distribution(d.state.Buffer, d.opts.Bins)
	kl := stat.KullbackLeibler(q, d.state.BaselineDist)
	drifted := kl > d.opts.Threshold
	telemetry.RecordDrift(kl, drifted)
	if drifted {
		mean, std := stat.PopMeanStdDev(d.state.Buffer, nil)
		d.state.History = append(d.state.History, Event{TS: d.now(), KL: kl, Mean: mean, Std: std})
		if n := len(d.state.History); n > maxHistory {
			d.state.History = d.state.History[n-maxHistory:]
		}
		d.logger.Warn("prediction score drift detected",
			slog.Float64("kl", kl),
			slog.Float64("mean", mean),
			slog.Float64("threshold", d.opts.Threshold))
	}
	return drifted, kl
}

// ShouldRetrain reports whether recent drift warrants retraining: more than
// RetrainEvents events, or any event above RetrainMaxKL, within the
// lookback.
func (d *Detector) ShouldRetrain() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.opts.RetrainLookback)
	count, maxKL := 0, 0.0
	for _, e := range d.state.History {
		if e.TS.Before(cutoff) {
			continue
		}
		count++
		maxKL = math.Max(maxKL, e.KL)
	}
	return count > d.opts.RetrainEvents || maxKL > d.opts.RetrainMaxKL
}

// ResetBuffer clears the window.
func (d *Detector) ResetBuffer(ctx context.Context) error {
	d.mu.Lock()
	d.state.Buffer = nil
	d.mu.Unlock()
	return d.Save(ctx)
}

// Snapshot returns a copy of the state.
func (d *Detector) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	s.BaselineDist = append([]float64(nil), s.BaselineDist...)
	s.Buffer = append([]float64(nil), s.Buffer...)
	s.History = append([]Event(nil), s.History...)
	return s
}

// Save persists the state.
func (d *Detector) Save(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	snap := d.Snapshot()
	if err := d.store.Save(ctx, &snap); err != nil {
		return fmt.Errorf("save drift state: %w", err)
	}
	d.mu.Lock()
	d.pending = 0
	d.mu.Unlock()
	return nil
}

// Distribution returns the smoothed probability histogram of scores over
// bins equal-width bins on [0, 1]. Scores outside [0, 1] are clipped.
func Distribution(scores []float64, bins int) []float64 {
	x := make([]float64, len(scores))
	for i, s := range scores {
		if math.IsNaN(s) {
			s = 0
		}
		x[i] = math.Min(math.Max(s, 0), 1)
	}
	sort.Float64s(x)

	dividers := make([]float64, bins+1)
	floats.Span(dividers, 0, 1)
	// stat.Histogram bins are half-open; widen the last edge to include 1
	dividers[bins] = 1 + 1e-9

	counts := stat.Histogram(nil, dividers, x, nil)
	for i := range counts {
		counts[i] += Smoothing
	}
	floats.Scale(1/floats.Sum(counts), counts)
	return counts
}
