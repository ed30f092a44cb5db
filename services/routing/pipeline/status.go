// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
)

// State is the lifecycle state of a training run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateBlocked   State = "blocked"
)

// Stage progress values. Progress only moves forward.
const (
	ProgressLoad      = 20
	ProgressTransform = 40
	ProgressBalance   = 60
	ProgressIndex     = 80
	ProgressPersist   = 90
	ProgressRegister  = 100
)

// TrainingStatus is the status record read by operators and the API.
type TrainingStatus struct {
	JobID       string         `json:"job_id"`
	Status      State          `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	VersionPath string         `json:"version_path,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ReadStatus loads a status record written by a pipeline.
func ReadStatus(path string) (*TrainingStatus, error) {
	var st TrainingStatus
	if err := atomicfile.ReadJSON(path, &st, 3, 100*time.Millisecond); err != nil {
		return nil, err
	}
	return &st, nil
}

// statusRecorder keeps the in-memory record and mirrors it to path.
type statusRecorder struct {
	mu     sync.Mutex
	path   string
	st     TrainingStatus
	now    func() time.Time
	logger *slog.Logger
}

func (r *statusRecorder) update(fn func(*TrainingStatus)) TrainingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.st)
	r.st.UpdatedAt = r.now().UTC()
	if r.path != "" {
		if err := atomicfile.WriteJSON(r.path, r.st); err != nil {
			r.logger.Warn("write training status failed",
				slog.String("path", r.path),
				slog.String("error", err.Error()))
		}
	}
	return r.st
}

func (r *statusRecorder) snapshot() TrainingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}
