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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/storage/badger"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

// Predictor answers routing predictions for the evaluator.
type Predictor interface {
	Predict(ctx context.Context, itemCode string) (*aggregator.Result, error)

	// Version names the model answering predictions; it scopes the cache.
	Version() string
}

// Sink persists cycle records.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// Cycle defines one evaluation run.
type Cycle struct {
	ID         string
	SampleSize int
	Strategy   Strategy
}

// Record is the persisted outcome of a cycle.
type Record struct {
	CycleID      string       `json:"cycle_id"`
	ModelVersion string       `json:"model_version"`
	Strategy     Strategy     `json:"strategy"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	Sampled      []string     `json:"sampled"`
	Metrics      Metrics      `json:"metrics"`
	Alerts       []Alert      `json:"alerts"`
	Breached     bool         `json:"breached"`
	Items        []ItemResult `json:"items"`
}

// Options configures an Evaluator.
type Options struct {
	Sample      SampleOptions
	BatchSize   int
	Concurrency int

	// RatePerSecond bounds prediction calls; 0 disables the limit.
	RatePerSecond float64

	CacheTTL   time.Duration
	TrimRatio  float64
	Thresholds Thresholds
}

// OptionsFromConfig maps the quality section of the runtime config.
func OptionsFromConfig(c config.QualityConfig) Options {
	return Options{
		Sample: SampleOptions{
			Strategy:   Strategy(c.Strategy),
			Column:     c.StratifyColumn,
			DateColumn: c.DateColumn,
			DaysWindow: c.DaysWindow,
			Seed:       c.Seed,
		},
		BatchSize:     c.BatchSize,
		Concurrency:   c.Concurrency,
		RatePerSecond: c.RatePerSecond,
		CacheTTL:      c.CacheTTL,
		TrimRatio:     c.TrimRatio,
		Thresholds: Thresholds{
			SampleCountMin:  c.SampleCountMin,
			CVMax:           c.CVMax,
			MAEMax:          c.MAEMax,
			ProcessMatchMin: c.ProcessMatchMin,
		},
	}
}

// Evaluator runs quality cycles.
type Evaluator struct {
	items   dataset.ItemSource
	actuals dataset.ActualsSource
	pred    Predictor
	opts    Options
	cache   *badger.DB
	sinks   []Sink
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCache caches predictions in db, keyed by model version and item.
func WithCache(db *badger.DB) EvaluatorOption {
	return func(e *Evaluator) { e.cache = db }
}

// WithSinks adds record sinks.
func WithSinks(sinks ...Sink) EvaluatorOption {
	return func(e *Evaluator) { e.sinks = append(e.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(items dataset.ItemSource, actuals dataset.ActualsSource, pred Predictor, opts Options, eopts ...EvaluatorOption) *Evaluator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	e := &Evaluator{
		items:   items,
		actuals: actuals,
		pred:    pred,
		opts:    opts,
		logger:  slog.Default(),
		now:     time.Now,
	}
	if opts.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(1, opts.Concurrency))
	}
	for _, o := range eopts {
		o(e)
	}
	return e
}

// Evaluate runs one cycle.
//
// # Inputs
//
//   - c: cycle definition. An empty ID gets a random UUID; zero SampleSize
//     and Strategy fall back to the evaluator options.
//
// # Outputs
//
//   - *Record: the cycle record, already written to every sink.
//   - error: sampling errors (ErrUnknownColumn, ErrNoItems) and context
//     cancellation. Per-item prediction and history errors mark the item
//     failed and do not abort the cycle.
func (e *Evaluator) Evaluate(ctx context.Context, c Cycle) (*Record, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	so := e.opts.Sample
	if c.Strategy != "" {
		so.Strategy = c.Strategy
	}
	if so.Now.IsZero() {
		so.Now = e.now()
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerQuality, "quality.evaluate",
		attribute.String("cycle_id", c.ID),
		attribute.String("strategy", string(so.Strategy)))
	defer span.End()

	rec := &Record{
		CycleID:      c.ID,
		ModelVersion: e.pred.Version(),
		Strategy:     so.Strategy,
		StartedAt:    e.now().UTC(),
	}

	population, err := e.items.Items(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load items: %w", err)
	}
	sampled, err := Sample(population, c.SampleSize, so)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	rec.Sampled = sampled

	start := time.Now()
	results, err := e.evaluateAll(ctx, sampled)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.ObserveStage(ctx, "quality", "evaluate", time.Since(start))

	rec.Items = results
	rec.Metrics = Summarize(results, e.opts.TrimRatio)
	rec.Alerts = Alerts(results, rec.Metrics, e.opts.Thresholds)
	rec.Breached = Breached(rec.Alerts)
	rec.FinishedAt = e.now().UTC()

	ok := int64(rec.Metrics.Items - rec.Metrics.ItemsFailed)
	telemetry.CountEvaluated(ctx, true, ok)
	telemetry.CountEvaluated(ctx, false, int64(rec.Metrics.ItemsFailed))
	telemetry.RecordQuality(rec.Metrics.MAE, Codes(rec.Alerts))

	for _, s := range e.sinks {
		if err := s.Write(ctx, rec); err != nil {
			e.logger.Warn("quality sink write failed",
				slog.String("cycle_id", rec.CycleID),
				slog.String("error", err.Error()))
		}
	}

	e.logger.Info("quality cycle finished",
		slog.String("cycle_id", rec.CycleID),
		slog.String("model_version", rec.ModelVersion),
		slog.Int("items", rec.Metrics.Items),
		slog.Int("items_failed", rec.Metrics.ItemsFailed),
		slog.Float64("mae", rec.Metrics.MAE),
		slog.Float64("process_match", rec.Metrics.ProcessMatch),
		slog.Int("alerts", len(rec.Alerts)))
	telemetry.SetSpanOK(span)
	return rec, nil
}

// evaluateAll runs items in batches; within a batch up to Concurrency
// items run at once. Result order follows codes.
func (e *Evaluator) evaluateAll(ctx context.Context, codes []string) ([]ItemResult, error) {
	out := make([]ItemResult, len(codes))
	for lo := 0; lo < len(codes); lo += e.opts.BatchSize {
		hi := min(len(codes), lo+e.opts.BatchSize)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Concurrency)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				if e.limiter != nil {
					if err := e.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				res, err := e.evaluateOne(gctx, codes[i])
				if err != nil {
					return err
				}
				out[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// evaluateOne returns an error only for context cancellation.
func (e *Evaluator) evaluateOne(ctx context.Context, code string) (ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return ItemResult{}, err
	}
	fail := func(stage string, err error) (ItemResult, error) {
		if ctx.Err() != nil {
			return ItemResult{}, ctx.Err()
		}
		e.logger.Warn("quality item failed",
			slog.String("item_code", code),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		return ItemResult{ItemCode: code, Failed: true, Error: fmt.Sprintf("%s: %v", stage, err)}, nil
	}

	res, err := e.predict(ctx, code)
	if err != nil {
		return fail("predict", err)
	}
	actuals, err := e.actuals.Actuals(ctx, code)
	if err != nil {
		return fail("actuals", err)
	}
	var ops []aggregator.Operation
	if len(res.Candidates) > 0 {
		ops = res.Candidates[0].Operations
	}
	return Compare(code, ops, actuals), nil
}

// CachePrefix is the prediction cache key prefix for version, or for every
// version when version is empty.
func CachePrefix(version string) string {
	if version == "" {
		return "quality/prediction/"
	}
	return "quality/prediction/" + version + "/"
}

func cacheKey(version, code string) string {
	return CachePrefix(version) + code
}

func (e *Evaluator) predict(ctx context.Context, code string) (*aggregator.Result, error) {
	if e.cache == nil {
		return e.pred.Predict(ctx, code)
	}
	key := cacheKey(e.pred.Version(), code)
	var cached aggregator.Result
	if found, err := e.cache.Get(ctx, key, &cached, badger.JSON); err == nil && found {
		return &cached, nil
	} else if err != nil {
		e.logger.Debug("prediction cache read failed", slog.String("item_code", code), slog.String("error", err.Error()))
	}
	res, err := e.pred.Predict(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, key, res, badger.JSON, e.opts.CacheTTL); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("prediction cache write failed", slog.String("item_code", code), slog.String("error", err.Error()))
	}
	return res, nil
}
