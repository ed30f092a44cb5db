// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs a training job end to end: load the dataset, fit
// the preprocessor, embed items, build the similarity index, persist the
// artifacts with their manifest and register the version.
//
// # Thread Safety
//
// A Pipeline runs one job at a time per save directory; the directory lock
// serializes runs across processes. Stop may be called from any goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/routingml/pkg/validation"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/index"
	"github.com/AleutianAI/routingml/services/routing/lock"
	"github.com/AleutianAI/routingml/services/routing/manifest"
	"github.com/AleutianAI/routingml/services/routing/preprocess"
	"github.com/AleutianAI/routingml/services/routing/projector"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
	"github.com/AleutianAI/routingml/services/routing/weights"
)

var (
	// ErrCancelled is returned when the stop flag or the context ends the
	// run between stages.
	ErrCancelled = errors.New("cancelled")

	// ErrNoDataset is returned when the request names no dataset.
	ErrNoDataset = errors.New("no dataset")
)

// Registrar records a trained version. *registry.Registry implements it.
type Registrar interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*registry.Version, error)
}

// ProgressFunc observes stage transitions.
type ProgressFunc func(progress int, stage, message string)

// Request describes one training run.
type Request struct {
	// JobID identifies the run; generated when empty.
	JobID string

	// DatasetPath is the item dataset (.csv, .tsv, .xlsx or .jsonl).
	DatasetPath string

	// Rows are used instead of DatasetPath when non-nil.
	Rows []dataset.Row

	// SaveDir is the parent of version directories; it is locked for the
	// duration of the run.
	SaveDir string

	// VersionLabel names the version directory. Empty means
	// version_YYYYMMDDHHMMSS.
	VersionLabel string

	RequestedBy string

	// StatusPath receives the TrainingStatus record. Empty disables it.
	StatusPath string

	// DryRun skips registration.
	DryRun bool

	ExportProjector  bool
	ProjectorColumns []string

	// LockTimeout overrides the configured lock timeout when positive.
	LockTimeout time.Duration
}

// Result describes a completed run.
type Result struct {
	JobID       string             `json:"job_id"`
	Version     string             `json:"version"`
	VersionPath string             `json:"version_path"`
	Items       int                `json:"items"`
	Rows        int                `json:"rows"`
	Features    []string           `json:"features"`
	Dim         int                `json:"dim"`
	IndexKind   index.Kind         `json:"index_kind"`
	Manifest    *manifest.Manifest `json:"-"`
	Registered  *registry.Version  `json:"registered,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// Pipeline trains model versions.
type Pipeline struct {
	cfg      *config.RuntimeConfig
	reg      Registrar
	logger   *slog.Logger
	progress ProgressFunc
	now      func() time.Time
	stop     atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRegistrar sets where completed versions are registered.
func WithRegistrar(r Registrar) Option {
	return func(p *Pipeline) { p.reg = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProgress registers a stage observer.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New creates a Pipeline. A nil cfg uses config.Default().
func New(cfg *config.RuntimeConfig, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	p := &Pipeline{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stop asks the running job to end at the next stage boundary.
func (p *Pipeline) Stop() { p.stop.Store(true) }

// run carries the state of one Run call between stages.
type run struct {
	req      Request
	status   *statusRecorder
	rows     []dataset.Row
	features []string
	weights  *weights.Manager
	pre      *preprocess.Preprocessor
	codes    []string
	raw      [][]float64
	vectors  [][]float32
	searcher index.Searcher
	result   *Result
}

// Run executes req.
//
// # Outputs
//
//   - *Result: the trained version, also for dry runs.
//   - error: *lock.BusyError (matching lock.ErrLockBusy) when the save
//     directory stays locked, ErrCancelled on Stop or context end, or the
//     stage error. The status record reflects every outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	start := p.now()
	r := &run{
		req: req,
		status: &statusRecorder{
			path:   req.StatusPath,
			now:    p.now,
			logger: p.logger,
			st:     TrainingStatus{JobID: req.JobID, StartedAt: start.UTC()},
		},
		result: &Result{JobID: req.JobID},
	}
	logger := p.logger.With(slog.String("job_id", req.JobID))

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerPipeline, "pipeline.Run",
		attribute.String("job_id", req.JobID),
		attribute.Bool("dry_run", req.DryRun))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("internal error: %v\n%s", rec, debug.Stack())
			res = nil
			p.finish(r, StateFailed, err.Error())
			telemetry.RecordError(span, err)
			telemetry.RecordTrainingRun(string(StateFailed))
		}
	}()

	r.status.update(func(st *TrainingStatus) {
		st.Status = StateRunning
		st.Message = "waiting for training lock"
	})

	if req.SaveDir == "" {
		req.SaveDir = "models"
		r.req.SaveDir = req.SaveDir
	}
	if req.VersionLabel != "" {
		if err := validation.ValidateName("version label", req.VersionLabel); err != nil {
			p.finish(r, StateFailed, err.Error())
			telemetry.RecordError(span, err)
			telemetry.RecordTrainingRun(string(StateFailed))
			return nil, err
		}
	}
	timeout := p.cfg.Training.LockTimeout
	if req.LockTimeout > 0 {
		timeout = req.LockTimeout
	}
	lk, err := lock.Acquire(ctx, req.SaveDir, timeout, lock.Info{JobID: req.JobID, Reason: "training"}, logger)
	if err != nil {
		state := StateFailed
		if errors.Is(err, lock.ErrLockBusy) {
			state = StateBlocked
		}
		p.finish(r, state, err.Error())
		telemetry.RecordError(span, err)
		telemetry.RecordTrainingRun(string(state))
		return nil, err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			logger.Warn("release training lock failed", slog.String("error", rerr.Error()))
		}
	}()

	stages := []struct {
		name     string
		progress int
		fn       func(context.Context, *run) error
	}{
		{"load", ProgressLoad, p.load},
		{"transform", ProgressTransform, p.transform},
		{"balance", ProgressBalance, p.balance},
		{"embed_index", ProgressIndex, p.embedIndex},
		{"persist", ProgressPersist, p.persist},
		{"register", ProgressRegister, p.register},
	}
	for _, s := range stages {
		if err := p.checkStop(ctx); err != nil {
			p.finish(r, StateFailed, err.Error())
			telemetry.RecordError(span, err)
			telemetry.RecordTrainingRun("cancelled")
			logger.Warn("training cancelled", slog.String("before_stage", s.name))
			return nil, err
		}
		if err := p.runStage(ctx, r, s.name, s.progress, s.fn); err != nil {
			err = fmt.Errorf("%s: %w", s.name, err)
			p.finish(r, StateFailed, err.Error())
			telemetry.RecordError(span, err)
			telemetry.RecordTrainingRun(string(StateFailed))
			logger.Error("training failed",
				slog.String("stage", s.name),
				slog.String("error", err.Error()))
			return nil, err
		}
	}

	r.result.Duration = p.now().Sub(start)
	p.finish(r, StateCompleted, "training completed")
	telemetry.SetSpanOK(span)
	telemetry.RecordTrainingRun(string(StateCompleted))
	logger.Info("training completed",
		slog.String("version", r.result.Version),
		slog.Int("items", r.result.Items),
		slog.Int("dim", r.result.Dim),
		slog.Duration("elapsed", r.result.Duration))
	return r.result, nil
}

func (p *Pipeline) checkStop(ctx context.Context) error {
	if p.stop.Load() {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, r *run, name string, progress int, fn func(context.Context, *run) error) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerPipeline, "pipeline."+name)
	defer span.End()
	start := time.Now()
	if err := fn(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.ObserveStage(ctx, "pipeline", name, time.Since(start))
	telemetry.SetSpanOK(span)

	st := r.status.update(func(st *TrainingStatus) {
		st.Progress = max(st.Progress, progress)
		st.Message = name + " done"
		st.VersionPath = r.result.VersionPath
	})
	if p.progress != nil {
		p.progress(st.Progress, name, st.Message)
	}
	return nil
}

func (p *Pipeline) finish(r *run, state State, message string) {
	finished := p.now().UTC()
	r.status.update(func(st *TrainingStatus) {
		st.Status = state
		st.Message = message
		st.FinishedAt = &finished
		st.VersionPath = r.result.VersionPath
		if state == StateCompleted {
			st.Progress = ProgressRegister
			st.Metrics = map[string]any{
				"items":      r.result.Items,
				"rows":       r.result.Rows,
				"features":   len(r.result.Features),
				"dim":        r.result.Dim,
				"index_kind": string(r.result.IndexKind),
				"version":    r.result.Version,
				"dry_run":    r.req.DryRun,
			}
		}
	})
}

// load reads the dataset, fixes the feature schema and derives the
// starting weights.
func (p *Pipeline) load(_ context.Context, r *run) error {
	rows := r.req.Rows
	if rows == nil {
		if r.req.DatasetPath == "" {
			return ErrNoDataset
		}
		tbl, err := dataset.Load(r.req.DatasetPath)
		if err != nil {
			return err
		}
		rows = tbl.Rows
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: dataset has no rows", preprocess.ErrEmptySample)
	}
	r.rows = rows
	r.features = FeatureColumns(rows, p.cfg.Features)

	fc := p.cfg.Features
	mgr, err := weights.NewManager(r.features,
		weights.WithRange(fc.WeightMin, fc.WeightMax),
		weights.WithLogger(p.logger))
	if err != nil {
		return err
	}
	if fc.WeightProfile != "" {
		if err := mgr.ApplyProfile(fc.WeightProfile); err != nil {
			return err
		}
	}
	r.weights = mgr
	r.result.Rows = len(rows)
	r.result.Features = r.features
	return nil
}

func (p *Pipeline) transform(_ context.Context, r *run) error {
	ws, err := r.weights.Weights(r.features, true)
	if err != nil {
		return err
	}
	r.pre = preprocess.New(preprocess.OptionsFromConfig(p.cfg.Features), p.logger)
	return r.pre.Fit(r.rows, r.features, ws)
}

// balance embeds every item and fits the post-processing.
func (p *Pipeline) balance(ctx context.Context, r *run) error {
	emb, err := r.pre.EmbedGroups(ctx, r.rows)
	if err != nil {
		return err
	}
	if _, err := r.pre.FitPost(emb.Vectors); err != nil {
		return err
	}
	r.codes, r.raw = emb.Codes, emb.Vectors
	return nil
}

// embedIndex finalizes the vectors, builds the index and refreshes the
// weight state from feature importance for the saved artifact.
func (p *Pipeline) embedIndex(_ context.Context, r *run) error {
	post := r.pre.Post()
	r.vectors = make([][]float32, len(r.raw))
	for i, v := range r.raw {
		out, err := post.Apply(v)
		if err != nil {
			return fmt.Errorf("embed %s: %w", r.codes[i], err)
		}
		r.vectors[i] = out
	}
	ic := p.cfg.Index
	s, err := index.Build(r.codes, r.vectors, index.Options{
		ExactThreshold: ic.ExactThreshold,
		M:              ic.M,
		EfConstruction: ic.EfConstruction,
		EfSearch:       ic.EfSearch,
		Seed:           ic.Seed,
		Logger:         p.logger,
	})
	if err != nil {
		return err
	}
	r.searcher = s
	r.result.Items = len(r.codes)
	r.result.Dim = post.Dim()
	r.result.IndexKind = s.Kind()

	matrix, err := r.pre.EncodeMatrix(r.rows)
	if err != nil {
		return err
	}
	if _, err := r.weights.AnalyzeImportance(matrix, r.features); err != nil {
		return err
	}
	fc := p.cfg.Features
	r.weights.SyncToImportance(fc.ImportanceAlpha, fc.WeightMin, fc.WeightMax)
	r.weights.AutoSelect(fc.AutoSelect)
	return nil
}

// persist writes the version directory and its manifest.
func (p *Pipeline) persist(_ context.Context, r *run) error {
	name := r.req.VersionLabel
	if name == "" {
		name = "version_" + p.now().Format("20060102150405")
	}
	dir := filepath.Join(r.req.SaveDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version dir: %w", err)
	}
	r.result.Version = name
	r.result.VersionPath = dir

	if _, err := r.pre.Save(dir); err != nil {
		return err
	}
	if err := index.Save(filepath.Join(dir, index.FileName), r.searcher); err != nil {
		return err
	}
	if _, err := r.weights.Save(dir); err != nil {
		return err
	}
	if profiles := BuildTimeProfiles(r.rows, p.cfg.Prediction); len(profiles) > 0 {
		if err := writeJSON(filepath.Join(dir, TimeProfilesFile), profiles); err != nil {
			return err
		}
	}
	meta := p.metadata(r)
	if err := writeJSON(filepath.Join(dir, MetadataFile), meta); err != nil {
		return err
	}
	if r.req.ExportProjector {
		byCode := make(map[string]dataset.Row, len(r.codes))
		for _, row := range r.rows {
			code := row.String(p.cfg.Features.ItemCodeColumn)
			if _, ok := byCode[code]; !ok {
				byCode[code] = row
			}
		}
		if _, err := projector.Export(filepath.Join(dir, manifest.ProjectorDir), r.codes, r.vectors, byCode, r.req.ProjectorColumns); err != nil {
			return err
		}
	}
	m, err := manifest.Write(dir, map[string]any{
		"version":    name,
		"job_id":     r.req.JobID,
		"items":      r.result.Items,
		"dim":        r.result.Dim,
		"index_kind": string(r.result.IndexKind),
	})
	if err != nil {
		return err
	}
	r.result.Manifest = m
	return nil
}

func (p *Pipeline) register(ctx context.Context, r *run) error {
	if r.req.DryRun || p.reg == nil {
		p.logger.Info("registration skipped",
			slog.String("version", r.result.Version),
			slog.Bool("dry_run", r.req.DryRun))
		return nil
	}
	trained := p.now().UTC()
	v, err := p.reg.Register(ctx, registry.RegisterRequest{
		Name:         r.result.Version,
		ArtifactDir:  r.result.VersionPath,
		ManifestPath: filepath.Join(r.result.VersionPath, manifest.FileName),
		RequestedBy:  r.req.RequestedBy,
		TrainedAt:    &trained,
	})
	if err != nil {
		return err
	}
	r.result.Registered = v
	return nil
}
