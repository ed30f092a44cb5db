// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predictor answers routing predictions from the active model
// version.
//
// A Service holds the loaded model behind an atomic pointer. Reloads are
// deduplicated and swap the pointer only after the new version verified
// and loaded; in-flight predictions keep the model they started with.
// Watch reloads whenever the registry's activation marker changes.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/drift"
	"github.com/AleutianAI/routingml/services/routing/index"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

// ActiveResolver names the version to serve.
type ActiveResolver interface {
	GetActive(ctx context.Context) (*registry.Version, error)
}

// Service serves predictions.
type Service struct {
	items    dataset.ItemSource
	routings dataset.RoutingSource
	opts     aggregator.Options
	topK     int
	resolver ActiveResolver
	drift    *drift.Detector
	logger   *slog.Logger

	model  atomic.Pointer[Model]
	flight singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithResolver sets the source of the active version for Reload.
func WithResolver(r ActiveResolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithDrift feeds each prediction's top similarity to d.
func WithDrift(d *drift.Detector) Option {
	return func(s *Service) { s.drift = d }
}

// WithTopK sets the number of neighbors passed to the aggregator.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service with no model loaded.
func New(items dataset.ItemSource, routings dataset.RoutingSource, opts aggregator.Options, options ...Option) *Service {
	s := &Service{
		items:    items,
		routings: routings,
		opts:     opts,
		topK:     10,
		logger:   slog.Default(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Model returns the current model, or nil.
func (s *Service) Model() *Model { return s.model.Load() }

// Version returns the current model version, or "" when none is loaded.
func (s *Service) Version() string {
	if m := s.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Use installs m as the current model.
func (s *Service) Use(m *Model) {
	prev := s.model.Swap(m)
	if prev == nil || prev.Version != m.Version {
		s.logger.Info("serving model", slog.String("version", m.Version), slog.String("dir", m.Dir))
	}
}

// LoadDir loads and installs the version in dir.
func (s *Service) LoadDir(dir string) (*Model, error) {
	v, err, _ := s.flight.Do("load:"+dir, func() (any, error) {
		m, err := LoadModel(dir, s.logger)
		if err != nil {
			return nil, err
		}
		s.Use(m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Reload resolves the active version and loads it unless it is already
// served. Concurrent calls share one load. A failed load keeps the
// current model.
func (s *Service) Reload(ctx context.Context) (*Model, error) {
	if s.resolver == nil {
		return nil, fmt.Errorf("reload: no resolver configured")
	}
	v, err, _ := s.flight.Do("reload", func() (any, error) {
		active, err := s.resolver.GetActive(ctx)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, ErrNoActiveVersion
		}
		if cur := s.model.Load(); cur != nil && cur.Version == active.Name {
			return cur, nil
		}
		m, err := LoadModel(active.ArtifactDir, s.logger)
		if err != nil {
			s.logger.Error("reload failed; keeping current model",
				slog.String("version", active.Name),
				slog.String("error", err.Error()))
			return nil, err
		}
		m.Version = active.Name
		s.Use(m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Predict looks up the feature row of itemCode and predicts its routing.
func (s *Service) Predict(ctx context.Context, itemCode string) (*aggregator.Result, error) {
	row, ok, err := s.items.Item(ctx, itemCode)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", itemCode, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, itemCode)
	}
	return s.PredictRows(ctx, itemCode, []dataset.Row{row})
}

// PredictRows predicts the routing of itemCode from explicit feature rows.
//
// # Outputs
//
//   - *aggregator.Result: candidates, or a diagnostic when no similar item
//     has a routing. Operations without step statistics carry the trained
//     per-process time profiles.
//   - error: ErrNoModel, preprocessing errors (ErrSchemaMismatch) or
//     context cancellation.
func (s *Service) PredictRows(ctx context.Context, itemCode string, rows []dataset.Row) (*aggregator.Result, error) {
	m := s.model.Load()
	if m == nil {
		return nil, ErrNoModel
	}
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerPredictor, "predictor.predict",
		attribute.String("item_code", itemCode),
		attribute.String("version", m.Version))
	defer span.End()

	q, err := m.Pre.Embed(rows)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.RecordPrediction(string(s.opts.Mode), "error", time.Since(start), -1)
		return nil, err
	}
	codes, scores := index.FindSimilar(m.Index, q, s.topK+1)
	similar := make([]aggregator.Similar, len(codes))
	for i := range codes {
		similar[i] = aggregator.Similar{Code: codes[i], Score: float64(scores[i])}
	}

	res, err := aggregator.New(s.routings, s.opts, s.logger).Aggregate(ctx, itemCode, similar)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.RecordPrediction(string(s.opts.Mode), "error", time.Since(start), -1)
		return nil, err
	}
	attachProfiles(res, m)

	top := topScore(itemCode, similar)
	s.observe(ctx, top)

	outcome := "candidates"
	if res.Diagnostic != nil {
		outcome = "diagnostic"
	} else if res.Degraded {
		outcome = "degraded"
	}
	telemetry.RecordPrediction(string(res.Mode), outcome, time.Since(start), top)
	telemetry.SetSpanOK(span)
	return res, nil
}

// topScore is the best similarity to an item other than the target, or
// -1 when there is none.
func topScore(target string, similar []aggregator.Similar) float64 {
	for _, sim := range similar {
		if sim.Code != target {
			return min(1, max(0, sim.Score))
		}
	}
	return -1
}

func (s *Service) observe(ctx context.Context, top float64) {
	if s.drift == nil || top < 0 {
		return
	}
	drifted, kl, err := s.drift.Observe(ctx, top)
	if err != nil {
		s.logger.Warn("drift observe failed", slog.String("error", err.Error()))
		return
	}
	if drifted {
		s.logger.Warn("similarity drift detected", slog.Float64("kl", kl))
	}
}

// attachProfiles copies trained per-process profiles onto operations that
// carry none of their own.
func attachProfiles(res *aggregator.Result, m *Model) {
	if len(m.Profiles) == 0 {
		return
	}
	for ci := range res.Candidates {
		for oi := range res.Candidates[ci].Operations {
			op := &res.Candidates[ci].Operations[oi]
			if len(op.Profiles) > 0 {
				continue
			}
			if p, ok := m.Profiles[op.Fields.String(aggregator.ColJobCode)]; ok {
				op.Profiles = p.Columns
			}
		}
	}
}
