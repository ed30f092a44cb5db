// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue is the bounded, file-backed retraining queue.
//
// The queue is a JSON array of jobs in one file. Every mutation reloads the
// file, applies the change and replaces the file atomically (temp file,
// fsync, rename), so a crash leaves either the old or the new queue.
//
// Capacity counts only pending and running jobs. Enqueue beyond capacity
// returns a deferred job that is not stored.
//
// # Thread Safety
//
// *Queue serializes its own operations with a mutex. Writers in other
// processes are not coordinated; the retraining loop is the single writer.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

var (
	// ErrJobNotFound is returned for an unknown queue id.
	ErrJobNotFound = errors.New("queue job not found")

	// ErrRetryLimit is returned when a job has used all its retries.
	ErrRetryLimit = errors.New("retry limit reached")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrQueueFull is returned when a retry would exceed the live capacity.
	ErrQueueFull = errors.New("retraining queue full")
)

// Status is a job state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusDeferred  Status = "deferred"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Job is one queue entry.
type Job struct {
	QueueID      string             `json:"queue_id"`
	CycleID      string             `json:"cycle_id"`
	Items        []string           `json:"items,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Status       Status             `json:"status"`
	RetryCount   int                `json:"retry_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Result       map[string]any     `json:"result,omitempty"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the pending+running limit.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithMaxRetries sets how many times a failed job may be retried.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is the retraining queue stored at one path.
type Queue struct {
	mu         sync.Mutex
	path       string
	capacity   int
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a queue stored at path. The file is created on first write.
// Defaults: capacity 3, two retries.
func New(path string, opts ...Option) *Queue {
	q := &Queue{
		path:       path,
		capacity:   3,
		maxRetries: 2,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Path returns the queue file path.
func (q *Queue) Path() string { return q.path }

// Enqueue adds a pending job for cycleID.
//
// # Outputs
//
//   - *Job: the pending job; an existing live job for the same cycle id;
//     or, at capacity, a deferred job that is not stored.
func (q *Queue) Enqueue(cycleID string, metrics map[string]float64, items []string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.load()
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].CycleID == cycleID && !jobs[i].Status.Terminal() {
			return &jobs[i], nil
		}
	}

	now := q.now()
	job := Job{
		QueueID:   uuid.NewString(),
		CycleID:   cycleID,
		Items:     items,
		Metrics:   metrics,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if live := countLive(jobs); live >= q.capacity {
		job.Status = StatusDeferred
		q.logger.Warn("retraining queue full, job deferred",
			slog.String("cycle_id", cycleID),
			slog.Int("live", live),
			slog.Int("capacity", q.capacity))
		return &job, nil
	}
	jobs = append(jobs, job)
	if err := q.save(jobs); err != nil {
		return nil, err
	}
	q.logger.Info("retraining job enqueued",
		slog.String("queue_id", job.QueueID),
		slog.String("cycle_id", cycleID))
	return &job, nil
}

// Dequeue moves the oldest pending job to running. It reports false when
// nothing is pending.
func (q *Queue) Dequeue() (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.load()
	if err != nil {
		return nil, false, err
	}
	idx := -1
	for i, j := range jobs {
		if j.Status != StatusPending {
			continue
		}
		if idx < 0 || j.CreatedAt.Before(jobs[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false, nil
	}
	now := q.now()
	jobs[idx].Status = StatusRunning
	jobs[idx].StartedAt = &now
	jobs[idx].UpdatedAt = now
	if err := q.save(jobs); err != nil {
		return nil, false, err
	}
	job := jobs[idx]
	return &job, true, nil
}

// UpdateStatus sets a job's status. Only pending to running and running to
// a terminal status are accepted; terminal statuses also set completed_at,
// the error message and the result.
func (q *Queue) UpdateStatus(queueID string, status Status, errMsg string, result map[string]any) (*Job, error) {
	if status == StatusDeferred {
		return nil, fmt.Errorf("%w: deferred jobs are never stored", ErrInvalidTransition)
	}
	var out Job
	err := q.mutate(queueID, func(j *Job, _ []Job, now time.Time) error {
		if !allowed(j.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, j.Status, status)
		}
		j.Status = status
		if status.Terminal() {
			j.CompletedAt = &now
			j.ErrorMessage = errMsg
			j.Result = result
		}
		if status == StatusRunning && j.StartedAt == nil {
			j.StartedAt = &now
		}
		out = *j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry returns a failed job to pending while retries remain. A job that
// would push the live count past capacity stays failed.
func (q *Queue) Retry(queueID string) (*Job, error) {
	var out Job
	err := q.mutate(queueID, func(j *Job, jobs []Job, _ time.Time) error {
		if j.Status != StatusFailed {
			return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, j.Status)
		}
		if j.RetryCount >= q.maxRetries {
			return fmt.Errorf("%w: %d of %d", ErrRetryLimit, j.RetryCount, q.maxRetries)
		}
		if live := countLive(jobs); live >= q.capacity {
			return fmt.Errorf("%w: %d of %d live", ErrQueueFull, live, q.capacity)
		}
		j.Status = StatusPending
		j.RetryCount++
		j.ErrorMessage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		out = *j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearCompleted removes terminal jobs completed more than days ago and
// returns how many were removed.
func (q *Queue) ClearCompleted(days int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.load()
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	kept := jobs[:0]
	for _, j := range jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, j)
	}
	removed := len(jobs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, q.save(kept)
}

// Get returns one job.
func (q *Queue) Get(queueID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, err := q.load()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.QueueID == queueID {
			return &j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, queueID)
}

// List returns all stored jobs ordered by created_at.
func (q *Queue) List() ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, err := q.load()
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(jobs, func(a, b Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs, nil
}

// Counts returns the number of stored jobs per status.
func (q *Queue) Counts() (map[Status]int, error) {
	jobs, err := q.List()
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int)
	for _, j := range jobs {
		out[j.Status]++
	}
	return out, nil
}

func (q *Queue) mutate(queueID string, fn func(j *Job, jobs []Job, now time.Time) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.load()
	if err != nil {
		return err
	}
	for i := range jobs {
		if jobs[i].QueueID != queueID {
			continue
		}
		now := q.now()
		if err := fn(&jobs[i], jobs, now); err != nil {
			return err
		}
		jobs[i].UpdatedAt = now
		return q.save(jobs)
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, queueID)
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

func countLive(jobs []Job) int {
	n := 0
	for _, j := range jobs {
		if j.Status == StatusPending || j.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (q *Queue) load() ([]Job, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse queue %s: %w", q.path, err)
	}
	return jobs, nil
}

func (q *Queue) save(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := atomicfile.WriteFile(q.path, data); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	telemetry.SetQueueDepth(counts)
	return nil
}
