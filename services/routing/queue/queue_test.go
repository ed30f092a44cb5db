// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q := New(filepath.Join(t.TempDir(), "retrain_queue.json"), opts...)
	clock := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return q
}

func TestOverflowDefersWithoutPersisting(t *testing.T) {
	q := newTestQueue(t, WithCapacity(2))

	j1, err := q.Enqueue("J1", nil, nil)
	require.NoError(t, err)
	j2, err := q.Enqueue("J2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j1.Status)
	assert.Equal(t, StatusPending, j2.Status)

	j3, err := q.Enqueue("J3", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, j3.Status)
	_, err = q.Get(j3.QueueID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	first, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j1.QueueID, first.QueueID)
	_, err = q.UpdateStatus(j1.QueueID, StatusSucceeded, "", map[string]any{"version": "v2"})
	require.NoError(t, err)

	j4, err := q.Enqueue("J4", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j4.Status)

	jobs, err := q.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestCapacityNeverExceeded(t *testing.T) {
	q := newTestQueue(t, WithCapacity(3))
	rng := rand.New(rand.NewSource(7))
	live := func() int {
		counts, err := q.Counts()
		require.NoError(t, err)
		return counts[StatusPending] + counts[StatusRunning]
	}

	var running, failed []string
	for i := 0; i < 80; i++ {
		switch rng.Intn(4) {
		case 0:
			_, err := q.Enqueue("c"+strconv.Itoa(i), nil, nil)
			require.NoError(t, err)
		case 1:
			j, ok, err := q.Dequeue()
			require.NoError(t, err)
			if ok {
				running = append(running, j.QueueID)
			}
		case 2:
			if len(running) > 0 {
				_, err := q.UpdateStatus(running[0], StatusFailed, "boom", nil)
				require.NoError(t, err)
				failed = append(failed, running[0])
				running = running[1:]
			}
		case 3:
			if len(failed) > 0 {
				_, err := q.Retry(failed[0])
				if err != nil {
					require.True(t, errors.Is(err, ErrQueueFull) || errors.Is(err, ErrRetryLimit), err)
				}
				if err == nil || errors.Is(err, ErrRetryLimit) {
					failed = failed[1:]
				}
			}
		}
		assert.LessOrEqual(t, live(), 3)
	}
}

func TestRetryRespectsCapacity(t *testing.T) {
	q := newTestQueue(t, WithCapacity(2))
	c1, err := q.Enqueue("c1", nil, nil)
	require.NoError(t, err)
	_, _, err = q.Dequeue()
	require.NoError(t, err)
	_, err = q.UpdateStatus(c1.QueueID, StatusFailed, "boom", nil)
	require.NoError(t, err)

	_, err = q.Enqueue("c2", nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue("c3", nil, nil)
	require.NoError(t, err)

	_, err = q.Retry(c1.QueueID)
	assert.ErrorIs(t, err, ErrQueueFull)

	got, err := q.Get(c1.QueueID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending]+counts[StatusRunning])

	_, err = q.UpdateStatus(c1.QueueID, StatusRunning, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(q *Queue, id string)
		to      Status
		wantErr bool
	}{
		{name: "pending to running", to: StatusRunning},
		{name: "pending to succeeded", to: StatusSucceeded, wantErr: true},
		{name: "running to skipped", prepare: dequeue, to: StatusSkipped},
		{name: "running to pending", prepare: dequeue, to: StatusPending, wantErr: true},
		{
			name: "succeeded to pending",
			prepare: func(q *Queue, id string) {
				dequeue(q, id)
				_, _ = q.UpdateStatus(id, StatusSucceeded, "", nil)
			},
			to:      StatusPending,
			wantErr: true,
		},
		{
			name: "failed to running",
			prepare: func(q *Queue, id string) {
				dequeue(q, id)
				_, _ = q.UpdateStatus(id, StatusFailed, "boom", nil)
			},
			to:      StatusRunning,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			j, err := q.Enqueue("c", nil, nil)
			require.NoError(t, err)
			if tt.prepare != nil {
				tt.prepare(q, j.QueueID)
			}
			_, err = q.UpdateStatus(j.QueueID, tt.to, "", nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func dequeue(q *Queue, _ string) {
	_, _, _ = q.Dequeue()
}

func TestDequeueFIFO(t *testing.T) {
	q := newTestQueue(t, WithCapacity(5))
	for _, c := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(c, nil, nil)
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		j, ok, err := q.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, j.CycleID)
		assert.Equal(t, StatusRunning, j.Status)
		assert.NotNil(t, j.StartedAt)
	}
	_, ok, err := q.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueIdempotentOnCycle(t *testing.T) {
	q := newTestQueue(t)
	a, err := q.Enqueue("cycle-1", map[string]float64{"mae": 6}, []string{"IT1"})
	require.NoError(t, err)
	b, err := q.Enqueue("cycle-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.QueueID, b.QueueID)

	jobs, err := q.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 6.0, jobs[0].Metrics["mae"])
}

func TestRetry(t *testing.T) {
	q := newTestQueue(t, WithMaxRetries(2))
	j, err := q.Enqueue("c", nil, nil)
	require.NoError(t, err)

	_, err = q.Retry(j.QueueID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for i := 1; i <= 2; i++ {
		_, _, err = q.Dequeue()
		require.NoError(t, err)
		_, err = q.UpdateStatus(j.QueueID, StatusFailed, "lock busy", nil)
		require.NoError(t, err)
		r, err := q.Retry(j.QueueID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, i, r.RetryCount)
		assert.Empty(t, r.ErrorMessage)
	}

	_, _, err = q.Dequeue()
	require.NoError(t, err)
	_, err = q.UpdateStatus(j.QueueID, StatusFailed, "again", nil)
	require.NoError(t, err)
	_, err = q.Retry(j.QueueID)
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestUpdateStatus_Terminal(t *testing.T) {
	q := newTestQueue(t)
	j, err := q.Enqueue("c", nil, nil)
	require.NoError(t, err)
	_, _, err = q.Dequeue()
	require.NoError(t, err)

	done, err := q.UpdateStatus(j.QueueID, StatusSkipped, "no drift", map[string]any{"reason": "ok"})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "no drift", done.ErrorMessage)

	_, err = q.UpdateStatus("missing", StatusFailed, "", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.UpdateStatus(j.QueueID, StatusDeferred, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClearCompleted(t *testing.T) {
	q := newTestQueue(t, WithCapacity(5))
	old, err := q.Enqueue("old", nil, nil)
	require.NoError(t, err)
	_, _, err = q.Dequeue()
	require.NoError(t, err)
	_, err = q.UpdateStatus(old.QueueID, StatusSucceeded, "", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("live", nil, nil)
	require.NoError(t, err)

	n, err := q.ClearCompleted(1)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC) }
	n, err = q.ClearCompleted(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := q.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "live", jobs[0].CycleID)
}

func TestPersistedAcrossInstances(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("c", nil, nil)
	require.NoError(t, err)

	other := New(q.Path())
	jobs, err := other.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	entries, err := os.ReadDir(filepath.Dir(q.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
