// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/quality"
	"github.com/AleutianAI/routingml/services/routing/queue"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/storage/badger"
)

func execCmd(t *testing.T, dir string, args ...string) error {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("LOG_TO_FILE", "false")
	base := []string{"--state-dir", dir, "--registry-url", "sqlite://" + filepath.Join(dir, "registry.db")}
	rootCmd.SetArgs(append(base, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func TestQueueCommands(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, execCmd(t, dir, "queue", "enqueue", "--cycle-id", "c1", "--items", "IT1,IT2"))
	require.NoError(t, execCmd(t, dir, "queue", "list"))

	q := queue.New(filepath.Join(dir, "retrain_queue.json"))
	jobs, err := q.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "c1", jobs[0].CycleID)
	assert.Equal(t, []string{"IT1", "IT2"}, jobs[0].Items)

	require.NoError(t, execCmd(t, dir, "queue", "dequeue"))
	got, err := q.Get(jobs[0].QueueID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, got.Status)

	assert.Error(t, execCmd(t, dir, "queue", "retry", jobs[0].QueueID), "running jobs are not retried")
	assert.Error(t, execCmd(t, dir, "queue", "enqueue", "--cycle-id", "c2", "--items", "IT\t1"))
}

func TestVersionsCommands(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.Open("sqlite://" + filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	for _, name := range []string{"v1", "v2"} {
		vdir := filepath.Join(dir, "models", name)
		require.NoError(t, os.MkdirAll(vdir, 0o755))
		_, err := reg.Register(context.Background(), registry.RegisterRequest{Name: name, ArtifactDir: vdir})
		require.NoError(t, err)
	}
	require.NoError(t, reg.Close())

	require.NoError(t, execCmd(t, dir, "versions", "activate", "v1"))
	require.NoError(t, execCmd(t, dir, "versions", "activate", "v2"))
	require.NoError(t, execCmd(t, dir, "versions", "rollback"))
	require.NoError(t, execCmd(t, dir, "versions", "list"))
	assert.Error(t, execCmd(t, dir, "versions", "activate", "missing"))

	reg, err = registry.Open("sqlite://" + filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	defer reg.Close()
	active, err := reg.GetActive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Name)
}

func TestQualityCacheClear(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultConfig(filepath.Join(dir, "cache")))
	require.NoError(t, err)
	for _, key := range []string{quality.CachePrefix("v1") + "IT1", quality.CachePrefix("v2") + "IT2"} {
		require.NoError(t, db.Put(ctx, key, map[string]string{"item": key}, badger.JSON, 0))
	}
	require.NoError(t, db.Close())

	require.NoError(t, execCmd(t, dir, "quality", "cache", "--version", "v1", "--clear"))

	db, err = badger.Open(badger.DefaultConfig(filepath.Join(dir, "cache")))
	require.NoError(t, err)
	defer db.Close()
	keys, err := db.Keys(ctx, quality.CachePrefix(""))
	require.NoError(t, err)
	assert.Equal(t, []string{quality.CachePrefix("v2") + "IT2"}, keys)
}

func TestStatePath(t *testing.T) {
	stateDir = "state"
	assert.Equal(t, "/q.json", statePath("/q.json", "retrain_queue.json"))
	assert.Equal(t, filepath.Join("state", "jobs"), statePath("", "jobs"))
}
