// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker runs long jobs, such as training, in a separate OS process
// and tracks them through a JSON state file per job.
//
// The parent calls Start, which re-executes the current binary with the
// "worker exec" arguments; the child calls RunChild, which looks up the
// registered JobFunc and reports progress through UpdateProgress. Both
// sides only ever replace state.json atomically.
//
// # Thread Safety
//
// A Worker is safe for concurrent use within one process. Across processes
// each write is atomic; the child owns the state while it runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/routingml/pkg/validation"
	"github.com/AleutianAI/routingml/services/routing/atomicfile"
	"github.com/AleutianAI/routingml/services/routing/lock"
)

const (
	// StateFile is the per-job state document.
	StateFile = "state.json"

	// DefaultCancelGrace is the wait between SIGTERM and SIGKILL.
	DefaultCancelGrace = 5 * time.Second

	// StateLockFile serializes state.json writers across the parent and
	// child processes.
	StateLockFile = ".state.lock"

	readAttempts     = 3
	readDelay        = 100 * time.Millisecond
	maxLogLines      = 500
	stateLockTimeout = 10 * time.Second
)

// JobFunc is the body of a job, run inside the child process. It must call
// UpdateProgress at least once per completed stage.
type JobFunc func(ctx context.Context, jobID string, params map[string]any, w *Worker) (map[string]any, error)

// CommandFunc builds the child command for a job.
type CommandFunc func(jobID string) (*exec.Cmd, error)

// Worker starts, observes and cancels jobs under a root directory.
type Worker struct {
	root    string
	grace   time.Duration
	command CommandFunc
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	kinds map[string]JobFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithCancelGrace sets the wait between SIGTERM and SIGKILL.
func WithCancelGrace(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.grace = d
		}
	}
}

// WithCommand replaces the child command builder.
func WithCommand(fn CommandFunc) Option {
	return func(w *Worker) { w.command = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Worker storing job state under root.
func New(root string, opts ...Option) *Worker {
	w := &Worker{
		root:   root,
		grace:  DefaultCancelGrace,
		logger: slog.Default(),
		now:    time.Now,
		kinds:  make(map[string]JobFunc),
	}
	w.command = w.selfCommand
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the state directory.
func (w *Worker) Root() string { return w.root }

// Register binds a job kind to its body. The child process must register
// the same kinds as the parent.
func (w *Worker) Register(kind string, fn JobFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kinds[kind] = fn
}

func (w *Worker) jobDir(jobID string) (string, error) {
	if err := validation.ValidateName("job id", jobID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJobID, err)
	}
	return filepath.Join(w.root, jobID), nil
}

func (w *Worker) statePath(jobID string) (string, error) {
	dir, err := w.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, StateFile), nil
}

// selfCommand re-executes the running binary as "worker exec".
func (w *Worker) selfCommand(jobID string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return exec.Command(exe, "worker", "exec", "--root", w.root, "--job-id", jobID), nil
}

// Start records a pending job and spawns its child process.
//
// # Inputs
//
//   - jobID: unique among live jobs; a finished job's id may be reused.
//   - kind: a registered JobFunc name.
//   - params: JSON-serializable job parameters.
//
// # Outputs
//
//   - *State: the state after the child was spawned.
//   - error: ErrJobExists, ErrUnknownKind or a spawn error. A failed spawn
//     leaves the job marked failed.
func (w *Worker) Start(ctx context.Context, jobID, kind string, params map[string]any) (*State, error) {
	w.mu.Lock()
	_, known := w.kinds[kind]
	w.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	path, err := w.statePath(jobID)
	if err != nil {
		return nil, err
	}
	if prev, err := w.GetProgress(jobID); err == nil && !prev.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}

	now := w.now().UTC()
	st := &State{
		JobID:     jobID,
		Kind:      kind,
		Status:    StatusPending,
		Step:      "queued",
		Params:    params,
		StartedAt: now,
		UpdatedAt: now,
		Logs:      []LogLine{{TS: now, Message: "job created"}},
	}
	if err := atomicfile.WriteJSON(path, st); err != nil {
		return nil, fmt.Errorf("write job state: %w", err)
	}

	cmd, err := w.command(jobID)
	if err != nil {
		w.fail(jobID, err.Error())
		return nil, err
	}
	setProcessGroup(cmd)
	if cmd.Stdout == nil && cmd.Stderr == nil {
		if logf, err := os.OpenFile(filepath.Join(filepath.Dir(path), "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			cmd.Stdout, cmd.Stderr = logf, logf
			defer logf.Close()
		}
	}
	if err := cmd.Start(); err != nil {
		w.fail(jobID, "spawn: "+err.Error())
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	pid := cmd.Process.Pid

	st, err = w.UpdateProgress(jobID, Update{Log: fmt.Sprintf("child process %d started", pid)}, func(s *State) {
		s.PID = pid
	})
	if err != nil {
		w.logger.Warn("record worker pid failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	go w.reap(jobID, cmd)

	w.logger.Info("worker job started",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.Int("pid", pid))
	return st, nil
}

// reap waits for the child and marks the job failed when it exited
// without reaching a terminal state.
func (w *Worker) reap(jobID string, cmd *exec.Cmd) {
	werr := cmd.Wait()
	msg := "worker exited before completing"
	if werr != nil {
		msg = fmt.Sprintf("worker exited: %v", werr)
	}
	_, err := w.UpdateProgress(jobID, Update{}, func(s *State) {
		if s.Status.Terminal() {
			return
		}
		now := w.now().UTC()
		s.Status, s.Message, s.FinishedAt = StatusFailed, msg, &now
		s.Logs = append(s.Logs, LogLine{TS: now, Message: msg})
	})
	if err != nil {
		w.logger.Warn("reap worker", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (w *Worker) fail(jobID, msg string) {
	_, err := w.UpdateProgress(jobID, Update{Status: StatusFailed, Message: msg, Log: msg}, nil)
	if err != nil {
		w.logger.Warn("mark job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// UpdateProgress applies u to the job state, stamps a log line when u.Log
// is set and replaces state.json atomically. mutate, when non-nil, runs
// after u is applied. The read-modify-write holds the job's state lock, so
// the parent and the child never overwrite each other's updates.
func (w *Worker) UpdateProgress(jobID string, u Update, mutate func(*State)) (*State, error) {
	path, err := w.statePath(jobID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	l, err := lock.AcquireFile(context.Background(), filepath.Join(filepath.Dir(path), StateLockFile),
		stateLockTimeout, lock.Info{JobID: jobID, Reason: "state update"}, w.logger)
	if err != nil {
		return nil, fmt.Errorf("lock job state: %w", err)
	}
	defer l.Release()

	st, err := readState(path)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	if u.Progress != nil {
		st.Progress = min(100, max(0, *u.Progress))
	}
	if u.Step != "" {
		st.Step = u.Step
	}
	if u.Status != "" {
		st.Status = u.Status
		if u.Status.Terminal() && st.FinishedAt == nil {
			st.FinishedAt = &now
		}
	}
	if u.Message != "" {
		st.Message = u.Message
	}
	if u.Result != nil {
		st.Result = u.Result
	}
	if u.Log != "" {
		st.Logs = append(st.Logs, LogLine{TS: now, Message: u.Log})
		if len(st.Logs) > maxLogLines {
			st.Logs = st.Logs[len(st.Logs)-maxLogLines:]
		}
	}
	if mutate != nil {
		mutate(st)
	}
	st.UpdatedAt = now
	if err := atomicfile.WriteJSON(path, st); err != nil {
		return nil, fmt.Errorf("write job state: %w", err)
	}
	return st, nil
}

// GetProgress reads the job state, retrying transient parse errors.
func (w *Worker) GetProgress(jobID string) (*State, error) {
	path, err := w.statePath(jobID)
	if err != nil {
		return nil, err
	}
	return readState(path)
}

func readState(path string) (*State, error) {
	var st State
	if err := atomicfile.ReadJSON(path, &st, readAttempts, readDelay); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, filepath.Base(filepath.Dir(path)))
		}
		return nil, err
	}
	return &st, nil
}

// Wait polls the job state until it is terminal or ctx ends.
func (w *Worker) Wait(ctx context.Context, jobID string, every time.Duration) (*State, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := w.GetProgress(jobID)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// Cancel stops a running job: SIGTERM to its process group, SIGKILL after
// the grace period, then the state is rewritten as failed with
// CancelMessage.
func (w *Worker) Cancel(ctx context.Context, jobID string) (*State, error) {
	st, err := w.GetProgress(jobID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, st.Status)
	}
	if st.PID > 0 && processAlive(st.PID) {
		if err := terminate(st.PID); err != nil {
			w.logger.Warn("sigterm failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		deadline := time.NewTimer(w.grace)
		defer deadline.Stop()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	wait:
		for processAlive(st.PID) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-deadline.C:
				w.logger.Warn("worker ignored sigterm; killing",
					slog.String("job_id", jobID),
					slog.Int("pid", st.PID))
				if err := kill(st.PID); err != nil {
					w.logger.Warn("sigkill failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
				}
				break wait
			case <-tick.C:
			}
		}
	}
	w.logger.Info("worker job cancelled", slog.String("job_id", jobID))
	return w.UpdateProgress(jobID, Update{Status: StatusFailed, Message: CancelMessage, Log: CancelMessage}, nil)
}

// List returns up to limit job states, newest started first. limit ≤ 0
// returns all. Unreadable job directories are skipped.
func (w *Worker) List(limit int) ([]State, error) {
	entries, err := os.ReadDir(w.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := w.GetProgress(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup removes job directories whose state file was last modified more
// than maxAgeDays ago and returns the removed ids.
func (w *Worker) Cleanup(maxAgeDays int) ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cutoff := w.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		info, err := os.Stat(filepath.Join(dir, StateFile))
		if err != nil {
			info, err = e.Info()
			if err != nil {
				continue
			}
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		w.logger.Info("worker state cleaned", slog.Int("removed", len(removed)))
	}
	return removed, nil
}

// RunChild is the child-process entry point. It runs the registered
// JobFunc for the job's kind and records the outcome. A panic in the job
// is recorded as failed with its stack in the log.
func (w *Worker) RunChild(ctx context.Context, jobID string) (err error) {
	st, err := w.GetProgress(jobID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	fn, ok := w.kinds[st.Kind]
	w.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownKind, st.Kind)
		w.fail(jobID, err.Error())
		return err
	}

	if _, err := w.UpdateProgress(jobID, Update{Status: StatusRunning, Step: "starting", Log: "job running"}, func(s *State) {
		s.PID = os.Getpid()
	}); err != nil {
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
			_, _ = w.UpdateProgress(jobID, Update{
				Status:  StatusFailed,
				Message: err.Error(),
				Log:     fmt.Sprintf("%v\n%s", rec, debug.Stack()),
			}, nil)
		}
	}()

	result, err := fn(ctx, jobID, st.Params, w)
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = CancelMessage
		}
		w.fail(jobID, msg)
		w.logger.Error("worker job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return err
	}
	_, err = w.UpdateProgress(jobID, Update{
		Progress: Progress(100),
		Step:     "done",
		Status:   StatusCompleted,
		Message:  "completed",
		Log:      "job completed",
		Result:   result,
	}, nil)
	return err
}
