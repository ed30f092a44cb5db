// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CancelMessage is the message of a job stopped by Cancel.
const CancelMessage = "cancelled by user"

var (
	// ErrJobExists is returned by Start when a live job has the same id.
	ErrJobExists = errors.New("job already running")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownKind is returned when no JobFunc is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrNotRunning is returned by Cancel for a finished job.
	ErrNotRunning = errors.New("job not running")

	// ErrInvalidJobID is returned for ids that are not a single path
	// element.
	ErrInvalidJobID = errors.New("invalid job id")
)

// LogLine is one timestamped entry of a job log.
type LogLine struct {
	TS      time.Time `json:"ts"`
	Message string    `json:"message"`
}

// State is the content of <root>/<job_id>/state.json.
type State struct {
	JobID      string         `json:"job_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	Progress   int            `json:"progress"`
	Step       string         `json:"step"`
	Message    string         `json:"message,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Logs       []LogLine      `json:"logs"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Update is a partial state change applied by UpdateProgress. Nil and
// zero fields are left unchanged.
type Update struct {
	Progress *int
	Step     string
	Status   Status
	Message  string
	Log      string
	Result   map[string]any
}

// Progress returns a pointer for Update.Progress.
func Progress(pct int) *int { return &pct }
