// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/pipeline"
	"github.com/AleutianAI/routingml/services/routing/worker"
)

// TrainKind is the worker job kind that runs the training pipeline.
const TrainKind = "train"

// TrainParams are the parameters of a TrainKind job.
type TrainParams struct {
	Dataset          string   `json:"dataset"`
	SaveDir          string   `json:"save_dir"`
	VersionLabel     string   `json:"version_label,omitempty"`
	RequestedBy      string   `json:"requested_by,omitempty"`
	StatePath        string   `json:"state_path,omitempty"`
	DryRun           bool     `json:"dry_run,omitempty"`
	ExportProjector  bool     `json:"export_projector,omitempty"`
	ProjectorColumns []string `json:"projector_columns,omitempty"`
	LockTimeout      string   `json:"lock_timeout,omitempty"`
	QueueID          string   `json:"queue_id,omitempty"`
	CycleID          string   `json:"cycle_id,omitempty"`
}

// Map returns p as worker job parameters.
func (p TrainParams) Map() map[string]any {
	data, _ := json.Marshal(p)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// ParseTrainParams decodes worker job parameters.
func ParseTrainParams(m map[string]any) (TrainParams, error) {
	var p TrainParams
	data, err := json.Marshal(m)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode train params: %w", err)
	}
	if p.Dataset == "" {
		return p, fmt.Errorf("train params: dataset is required")
	}
	if p.SaveDir == "" {
		p.SaveDir = "models"
	}
	return p, nil
}

// RegisterTraining binds TrainKind on w to a pipeline run. Pipeline stages
// are reported as worker progress; the job result carries the version
// name and path.
func RegisterTraining(w *worker.Worker, cfg *config.RuntimeConfig, reg pipeline.Registrar, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	w.Register(TrainKind, func(ctx context.Context, jobID string, params map[string]any, w *worker.Worker) (map[string]any, error) {
		p, err := ParseTrainParams(params)
		if err != nil {
			return nil, err
		}
		var timeout time.Duration
		if p.LockTimeout != "" {
			if timeout, err = time.ParseDuration(p.LockTimeout); err != nil {
				return nil, fmt.Errorf("lock timeout: %w", err)
			}
		}

		opts := []pipeline.Option{
			pipeline.WithLogger(logger),
			pipeline.WithProgress(func(progress int, stage, message string) {
				if _, err := w.UpdateProgress(jobID, worker.Update{
					Progress: worker.Progress(progress),
					Step:     stage,
					Log:      message,
				}, nil); err != nil {
					logger.Warn("report training progress", slog.String("job_id", jobID), slog.String("error", err.Error()))
				}
			}),
		}
		if reg != nil {
			opts = append(opts, pipeline.WithRegistrar(reg))
		}
		res, err := pipeline.New(cfg, opts...).Run(ctx, pipeline.Request{
			JobID:            jobID,
			DatasetPath:      p.Dataset,
			SaveDir:          p.SaveDir,
			VersionLabel:     p.VersionLabel,
			RequestedBy:      p.RequestedBy,
			StatusPath:       p.StatePath,
			DryRun:           p.DryRun,
			ExportProjector:  p.ExportProjector,
			ProjectorColumns: p.ProjectorColumns,
			LockTimeout:      timeout,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"version":      res.Version,
			"version_path": res.VersionPath,
			"items":        res.Items,
			"index_kind":   string(res.IndexKind),
			"registered":   res.Registered != nil,
		}, nil
	})
}
