// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weights manages per-feature weights and the active-feature mask.
//
// Weights come from three places: hand-set domain priors, named presets and
// manual overrides, and importance analysis over encoded training data. A
// feature with weight 0 is masked out and vice versa.
package weights

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
)

// FeatureStats are per-feature statistics gathered by AnalyzeImportance.
type FeatureStats struct {
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Activity float64 `json:"activity"`
}

// Manager holds weights, the active mask, importance scores and feature
// statistics for an ordered feature list.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	features   []string
	index      map[string]int
	weights    map[string]float64
	active     map[string]bool
	importance map[string]float64
	stats      map[string]FeatureStats
	priors     map[string]float64
	min, max   float64
	version    int
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRange sets the clip range for weights. Default [0, 4].
func WithRange(lo, hi float64) ManagerOption {
	return func(m *Manager) {
		if hi > lo {
			m.min, m.max = lo, hi
		}
	}
}

// WithPriors replaces the domain prior table.
func WithPriors(priors map[string]float64) ManagerOption {
	return func(m *Manager) {
		m.priors = priors
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager over features, initialised from priors with
// every feature active.
//
// # Outputs
//
//   - *Manager: Ready manager.
//   - error: ErrDuplicateFeature if a name repeats.
func NewManager(features []string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		index:      make(map[string]int, len(features)),
		weights:    make(map[string]float64, len(features)),
		active:     make(map[string]bool, len(features)),
		importance: make(map[string]float64),
		stats:      make(map[string]FeatureStats),
		priors:     DefaultPriors,
		min:        0,
		max:        4,
		version:    1,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i, f := range features {
		if _, dup := m.index[f]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFeature, f)
		}
		m.index[f] = i
		m.features = append(m.features, f)
		w := m.clip(m.prior(f))
		m.weights[f] = w
		m.active[f] = w > 0
	}
	return m, nil
}

func (m *Manager) prior(f string) float64 {
	if p, ok := m.priors[f]; ok {
		return p
	}
	return defaultPrior
}

func (m *Manager) clip(w float64) float64 {
	if math.IsNaN(w) {
		return m.min
	}
	return math.Max(m.min, math.Min(m.max, w))
}

// set stores a clipped weight and keeps the mask consistent with it.
// Caller holds mu.
func (m *Manager) set(f string, w float64) {
	w = m.clip(w)
	m.weights[f] = w
	m.active[f] = w > 0
}

// Features returns the managed features in order.
func (m *Manager) Features() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.features...)
}

// Weight returns the stored weight of one feature.
func (m *Manager) Weight(feature string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.weights[feature]
	return w, ok
}

// IsActive reports whether a feature is active.
func (m *Manager) IsActive(feature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[feature]
}

// Weights returns one weight per requested feature. With applyMask set,
// inactive features get 0.
func (m *Manager) Weights(features []string, applyMask bool) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, len(features))
	for i, f := range features {
		w, ok := m.weights[f]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, f)
		}
		if applyMask && !m.active[f] {
			w = 0
		}
		out[i] = w
	}
	return out, nil
}

// WeightMap returns a copy of all stored weights.
func (m *Manager) WeightMap() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// ActiveFeatures returns active features in order.
func (m *Manager) ActiveFeatures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, f := range m.features {
		if m.active[f] {
			out = append(out, f)
		}
	}
	return out
}

// ApplyProfile merges a named preset over the current weights.
func (m *Manager) ApplyProfile(name string) error {
	preset, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %q (known: %s)", ErrUnknownProfile, name, strings.Join(Profiles(), ", "))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := 0
	for f, w := range preset {
		if _, managed := m.weights[f]; managed {
			m.set(f, w)
			applied++
		}
	}
	m.version++
	m.logger.Info("weight profile applied", slog.String("profile", name), slog.Int("features", applied))
	return nil
}

// ApplyManual sets weights from overrides, clipping to the configured
// range. Non-numeric values and unknown features are skipped and returned
// in skipped; they never fail the batch.
func (m *Manager) ApplyManual(overrides map[string]any) (applied int, skipped []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f, raw := range overrides {
		if _, managed := m.weights[f]; !managed {
			skipped = append(skipped, f)
			continue
		}
		w, ok := toFloat(raw)
		if !ok {
			skipped = append(skipped, f)
			continue
		}
		m.set(f, w)
		applied++
	}
	if applied > 0 {
		m.version++
	}
	if len(skipped) > 0 {
		m.logger.Warn("manual weight overrides skipped", slog.Any("features", skipped))
	}
	return applied, skipped
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// SyncToImportance blends each weight toward its importance:
// w' = α·w + (1−α)·(lo + (hi−lo)·importance). Features without an
// importance score keep their weight.
func (m *Manager) SyncToImportance(alpha, lo, hi float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.features {
		imp, ok := m.importance[f]
		if !ok {
			continue
		}
		target := lo + (hi-lo)*imp
		m.set(f, alpha*m.weights[f]+(1-alpha)*target)
	}
	m.version++
}

// AutoSelect activates a feature iff 0.6·importance + 0.4·weight/3 ≥
// threshold, and returns the active set. A zero-weight feature stays masked.
func (m *Manager) AutoSelect(threshold float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var selected []string
	for _, f := range m.features {
		w := m.weights[f]
		score := 0.6*m.importance[f] + 0.4*w/3
		m.active[f] = w > 0 && score >= threshold
		if m.active[f] {
			selected = append(selected, f)
		}
	}
	m.version++
	m.logger.Info("features auto-selected",
		slog.Float64("threshold", threshold),
		slog.Int("selected", len(selected)),
		slog.Int("total", len(m.features)))
	return selected
}

// Importance returns a copy of the importance scores.
func (m *Manager) Importance() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.importance))
	for k, v := range m.importance {
		out[k] = v
	}
	return out
}

// Stats returns the statistics of one feature from the last analysis.
func (m *Manager) Stats(feature string) (FeatureStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[feature]
	return s, ok
}

// Version increments on every mutation.
func (m *Manager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}
