// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop coordinates the retraining cycle: quality evaluation feeds
// the retraining queue, queued jobs run as training workers, and a
// successful run may activate the new version and reset drift tracking.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/routingml/services/routing/drift"
	"github.com/AleutianAI/routingml/services/routing/quality"
	"github.com/AleutianAI/routingml/services/routing/queue"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
	"github.com/AleutianAI/routingml/services/routing/worker"
)

// Evaluator runs quality cycles.
type Evaluator interface {
	Evaluate(ctx context.Context, c quality.Cycle) (*quality.Record, error)
}

// Activator activates registered versions.
type Activator interface {
	Activate(ctx context.Context, name string) (*registry.Version, error)
}

// Options configures a Coordinator.
type Options struct {
	// Train is the template for retraining jobs; QueueID and CycleID are
	// filled per job.
	Train TrainParams

	// AutoActivate activates the version produced by a successful job.
	AutoActivate bool

	// Poll is the worker state polling interval.
	Poll time.Duration
}

// Coordinator drives one retraining loop.
type Coordinator struct {
	eval   Evaluator
	queue  *queue.Queue
	worker *worker.Worker
	act    Activator
	drift  *drift.Detector
	opts   Options
	logger *slog.Logger
}

// New creates a Coordinator. eval, act and det may be nil when the
// corresponding step is not used.
func New(eval Evaluator, q *queue.Queue, w *worker.Worker, act Activator, det *drift.Detector, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	return &Coordinator{eval: eval, queue: q, worker: w, act: act, drift: det, opts: opts, logger: logger}
}

// CycleResult is the outcome of RunCycle.
type CycleResult struct {
	Record *quality.Record `json:"record"`

	// Drift is set when the drift detector asked for retraining.
	Drift bool `json:"drift"`

	// Job is the queue entry when retraining was requested; its status is
	// deferred when the queue was full.
	Job *queue.Job `json:"job,omitempty"`
}

// RunCycle evaluates quality and enqueues a retraining job when a
// cycle-level alert fired or drift warrants retraining.
func (c *Coordinator) RunCycle(ctx context.Context, cycle quality.Cycle) (*CycleResult, error) {
	if c.eval == nil {
		return nil, fmt.Errorf("run cycle: no evaluator configured")
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerLoop, "loop.cycle")
	defer span.End()

	rec, err := c.eval.Evaluate(ctx, cycle)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out := &CycleResult{Record: rec}
	if c.drift != nil {
		out.Drift = c.drift.ShouldRetrain()
	}
	span.SetAttributes(
		attribute.String("cycle_id", rec.CycleID),
		attribute.Bool("breached", rec.Breached),
		attribute.Bool("drift", out.Drift))
	if !rec.Breached && !out.Drift {
		telemetry.SetSpanOK(span)
		return out, nil
	}

	job, err := c.queue.Enqueue(rec.CycleID, rec.Metrics.Map(), rec.Sampled)
	if err != nil {
		telemetry.RecordError(span, err)
		return out, fmt.Errorf("enqueue retraining: %w", err)
	}
	out.Job = job
	c.logger.Info("retraining requested",
		slog.String("cycle_id", rec.CycleID),
		slog.String("queue_id", job.QueueID),
		slog.String("status", string(job.Status)),
		slog.Bool("breached", rec.Breached),
		slog.Bool("drift", out.Drift))
	telemetry.SetSpanOK(span)
	return out, nil
}

// ProcessNext runs the oldest pending queue job to completion.
//
// # Outputs
//
//   - *queue.Job: the job in its final state, or nil when nothing was
//     pending.
//   - error: queue or worker infrastructure errors and context
//     cancellation. A failed training run is not an error; it is recorded
//     on the job.
func (c *Coordinator) ProcessNext(ctx context.Context) (*queue.Job, error) {
	job, ok, err := c.queue.Dequeue()
	if err != nil || !ok {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerLoop, "loop.process",
		attribute.String("queue_id", job.QueueID))
	defer span.End()

	params := c.opts.Train
	params.QueueID, params.CycleID = job.QueueID, job.CycleID
	jobID := "retrain-" + job.QueueID

	if _, err := c.worker.Start(ctx, jobID, TrainKind, params.Map()); err != nil {
		telemetry.RecordError(span, err)
		return c.finish(job.QueueID, queue.StatusFailed, "start worker: "+err.Error(), nil)
	}
	st, err := c.worker.Wait(ctx, jobID, c.opts.Poll)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("wait for %s: %w", jobID, err)
	}
	if st.Status != worker.StatusCompleted {
		return c.finish(job.QueueID, queue.StatusFailed, st.Message, map[string]any{"job_id": jobID})
	}

	result := map[string]any{"job_id": jobID}
	for k, v := range st.Result {
		result[k] = v
	}
	version, _ := st.Result["version"].(string)
	registered, _ := st.Result["registered"].(bool)
	if c.opts.AutoActivate && c.act != nil && version != "" && registered {
		if _, err := c.act.Activate(ctx, version); err != nil {
			c.logger.Error("auto-activation failed",
				slog.String("version", version),
				slog.String("error", err.Error()))
			result["activation_error"] = err.Error()
		} else {
			result["activated"] = true
		}
	}
	if c.drift != nil {
		if err := c.drift.ResetBuffer(ctx); err != nil {
			c.logger.Warn("drift reset failed", slog.String("error", err.Error()))
		}
	}
	telemetry.SetSpanOK(span)
	return c.finish(job.QueueID, queue.StatusSucceeded, "", result)
}

func (c *Coordinator) finish(queueID string, status queue.Status, msg string, result map[string]any) (*queue.Job, error) {
	job, err := c.queue.UpdateStatus(queueID, status, msg, result)
	if err != nil {
		return nil, err
	}
	c.logger.Info("retraining job finished",
		slog.String("queue_id", queueID),
		slog.String("status", string(status)),
		slog.String("message", msg))
	return job, nil
}
