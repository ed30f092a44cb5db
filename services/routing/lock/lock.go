// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides cross-process file locks. Acquire serializes
// training runs over one artifact directory; AcquireFile guards any other
// shared file, such as a worker job's state.
//
// The lock is an advisory OS lock (flock on Unix, LockFileEx on Windows) on
// <dir>/.training.lock, or on the path given to AcquireFile. The lock file
// also carries a JSON Info record describing the holder, for operators and
// for BusyError.
//
// # Thread Safety
//
// A Lock value is owned by one goroutine. Two Acquire calls in the same
// process on the same directory contend like two processes would.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file inside the guarded directory.
const FileName = ".training.lock"

// PollInterval is the retry period while waiting for a held lock.
const PollInterval = 100 * time.Millisecond

var (
	// ErrLockBusy is returned when the lock is still held at the deadline.
	ErrLockBusy = errors.New("lock busy")

	// errWouldBlock is the platform-neutral "already locked" result.
	errWouldBlock = errors.New("lock held by another owner")
)

// Info describes the holder of a lock.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// BusyError reports a timed-out Acquire.
type BusyError struct {
	Path   string
	Waited time.Duration
	Holder *Info
}

func (e *BusyError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s busy after %s (held by pid %d, job %q)",
			e.Path, e.Waited, e.Holder.PID, e.Holder.JobID)
	}
	return fmt.Sprintf("lock %s busy after %s", e.Path, e.Waited)
}

func (e *BusyError) Unwrap() error { return ErrLockBusy }

// Lock is a held lock.
type Lock struct {
	path   string
	f      *os.File
	info   Info
	logger *slog.Logger
}

// Acquire takes the lock on dir, polling until timeout.
//
// # Inputs
//
//   - ctx: cancels the wait.
//   - dir: the guarded directory; created if missing.
//   - timeout: maximum wait. Zero tries once.
//   - info: holder description written into the lock file. PID, Host and
//     AcquiredAt are filled in.
//
// # Outputs
//
//   - *Lock: release with Release.
//   - error: *BusyError (matching ErrLockBusy) at the deadline, ctx.Err()
//     on cancellation.
func Acquire(ctx context.Context, dir string, timeout time.Duration, info Info, logger *slog.Logger) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return AcquireFile(ctx, filepath.Join(dir, FileName), timeout, info, logger)
}

// AcquireFile takes the lock on the file at path, creating it if missing.
// The parent directory must exist. Timeout and errors are as for Acquire.
func AcquireFile(ctx context.Context, path string, timeout time.Duration, info Info, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	for {
		err := tryLock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			holder, _ := readInfo(f)
			f.Close()
			logger.Warn("lock busy",
				slog.String("path", path),
				slog.Duration("waited", time.Since(start)))
			return nil, &BusyError{Path: path, Waited: time.Since(start).Round(time.Millisecond), Holder: holder}
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(min(PollInterval, time.Until(deadline))):
		}
	}

	info.PID = os.Getpid()
	info.Host, _ = os.Hostname()
	info.AcquiredAt = time.Now().UTC()
	if err := writeInfo(f, info); err != nil {
		logger.Warn("write lock info failed", slog.String("error", err.Error()))
	}
	logger.Debug("lock acquired",
		slog.String("path", path),
		slog.String("job_id", info.JobID),
		slog.Duration("waited", time.Since(start)))
	return &Lock{path: path, f: f, info: info, logger: logger}, nil
}

// Info returns the holder record written at acquisition.
func (l *Lock) Info() Info { return l.info }

// Release clears the holder record and drops the lock. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	l.logger.Debug("lock released", slog.String("path", l.path))
	return err
}

// Holder reads the holder record of dir's lock file. It returns nil when
// the file is absent or empty.
func Holder(dir string) (*Info, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readInfo(f)
}

func writeInfo(f *os.File, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readInfo(f *os.File) (*Info, error) {
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<16))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
