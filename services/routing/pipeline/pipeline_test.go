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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/pkg/validation"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/index"
	"github.com/AleutianAI/routingml/services/routing/lock"
	"github.com/AleutianAI/routingml/services/routing/manifest"
	"github.com/AleutianAI/routingml/services/routing/preprocess"
	"github.com/AleutianAI/routingml/services/routing/registry"
)

func testConfig() *config.RuntimeConfig {
	cfg := config.Default()
	cfg.Features.Columns = []string{"OUTDIAMETER", "INDIAMETER", "OUTTHICKNESS", "PART_TYPE", "ITEM_MATERIAL"}
	cfg.Features.NumericColumns = []string{"OUTDIAMETER", "INDIAMETER", "OUTTHICKNESS"}
	cfg.Features.TargetDim = 8
	cfg.Training.LockTimeout = time.Second
	return cfg
}

func trainingRows(n int) []dataset.Row {
	rng := rand.New(rand.NewSource(7))
	types := []string{"SHAFT", "FLANGE", "RING"}
	mats := []string{"S45C", "SUS304", "AL6061"}
	jobs := []string{"CUT", "MILL", "GRIND"}
	rows := make([]dataset.Row, 0, n)
	for i := 0; i < n; i++ {
		od := 20 + rng.Float64()*80
		rows = append(rows, dataset.Row{
			"ITEM_CD":       fmt.Sprintf("IT%04d", i),
			"OUTDIAMETER":   od,
			"INDIAMETER":    od * (0.2 + rng.Float64()*0.5),
			"OUTTHICKNESS":  5 + rng.Float64()*30,
			"PART_TYPE":     types[rng.Intn(len(types))],
			"ITEM_MATERIAL": mats[rng.Intn(len(mats))],
			"JOB_CD":        jobs[i%len(jobs)],
			"SETUP_TIME":    0.5 + rng.Float64(),
			"RUN_TIME":      2 + rng.Float64()*3,
		})
	}
	return rows
}

type countingRegistrar struct {
	calls int
	last  registry.RegisterRequest
}

func (c *countingRegistrar) Register(_ context.Context, req registry.RegisterRequest) (*registry.Version, error) {
	c.calls++
	c.last = req
	return &registry.Version{Name: req.Name, Status: registry.StatusPending}, nil
}

func TestRun_TrainsAndRegisters(t *testing.T) {
	reg, err := registry.Open(":memory:")
	require.NoError(t, err)
	defer reg.Close()

	saveDir := t.TempDir()
	statusPath := filepath.Join(t.TempDir(), "status.json")
	rows := trainingRows(60)

	p := New(testConfig(), WithRegistrar(reg))
	res, err := p.Run(context.Background(), Request{
		JobID:            "job-1",
		Rows:             rows,
		SaveDir:          saveDir,
		VersionLabel:     "v-test",
		RequestedBy:      "alice",
		StatusPath:       statusPath,
		ExportProjector:  true,
		ProjectorColumns: []string{"PART_TYPE"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v-test", res.Version)
	assert.Equal(t, filepath.Join(saveDir, "v-test"), res.VersionPath)
	assert.Equal(t, 60, res.Items)
	assert.Equal(t, index.KindExact, res.IndexKind)

	m, err := manifest.Verify(res.VersionPath)
	require.NoError(t, err)
	for _, name := range []string{"similarity_engine.gob", "encoder.json", "scaler.json", "feature_columns.json",
		"feature_weights.json", "active_features.json", MetadataFile, TimeProfilesFile, "tb_projector/vectors.tsv"} {
		assert.Contains(t, m.Artifacts, name)
	}

	v, err := reg.Get(context.Background(), "v-test")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, v.Status)
	assert.Equal(t, "alice", v.RequestedBy)
	assert.NotNil(t, v.TrainedAt)

	st, err := ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, res.VersionPath, st.VersionPath)
	assert.NotNil(t, st.FinishedAt)
	assert.EqualValues(t, 60, st.Metrics["items"])

	// the saved artifacts reproduce the training embedding
	pre, err := preprocess.Load(res.VersionPath, nil)
	require.NoError(t, err)
	s, err := index.LoadFile(filepath.Join(res.VersionPath, index.FileName), nil)
	require.NoError(t, err)
	q, err := pre.Embed(rows[5:6])
	require.NoError(t, err)
	code, score, ok := index.FindOne(s, q)
	require.True(t, ok)
	assert.Equal(t, "IT0005", code)
	assert.InDelta(t, 1.0, score, 1e-4)

	holder, err := lock.Holder(saveDir)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock released")
}

func TestRun_DryRunSkipsRegistration(t *testing.T) {
	reg := &countingRegistrar{}
	p := New(testConfig(), WithRegistrar(reg))
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	res, err := p.Run(context.Background(), Request{Rows: trainingRows(30), SaveDir: t.TempDir(), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "version_20260102030405", res.Version)
	assert.Nil(t, res.Registered)
	assert.Zero(t, reg.calls)
	assert.NotEmpty(t, res.JobID)

	res, err = p.Run(context.Background(), Request{Rows: trainingRows(30), SaveDir: t.TempDir(), VersionLabel: "v2"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, filepath.Join(res.VersionPath, manifest.FileName), reg.last.ManifestPath)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	var seen []int
	var stages []string
	p := New(testConfig(), WithProgress(func(progress int, stage, _ string) {
		seen = append(seen, progress)
		stages = append(stages, stage)
	}))
	_, err := p.Run(context.Background(), Request{Rows: trainingRows(30), SaveDir: t.TempDir(), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []int{20, 40, 60, 80, 90, 100}, seen)
	assert.Equal(t, []string{"load", "transform", "balance", "embed_index", "persist", "register"}, stages)
}

func TestRun_LockBusy(t *testing.T) {
	saveDir := t.TempDir()
	held, err := lock.Acquire(context.Background(), saveDir, 0, lock.Info{JobID: "other"}, nil)
	require.NoError(t, err)
	defer held.Release()

	statusPath := filepath.Join(t.TempDir(), "status.json")
	reg := &countingRegistrar{}
	_, err = New(testConfig(), WithRegistrar(reg)).Run(context.Background(), Request{
		Rows:        trainingRows(20),
		SaveDir:     saveDir,
		StatusPath:  statusPath,
		LockTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLockBusy)
	assert.Zero(t, reg.calls)

	st, err := ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, st.Status)
	assert.NotNil(t, st.FinishedAt)
}

func TestRun_StopCancels(t *testing.T) {
	saveDir := t.TempDir()
	statusPath := filepath.Join(t.TempDir(), "status.json")
	p := New(testConfig())
	p.Stop()

	_, err := p.Run(context.Background(), Request{Rows: trainingRows(20), SaveDir: saveDir, StatusPath: statusPath, VersionLabel: "v"})
	require.ErrorIs(t, err, ErrCancelled)

	st, err := ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
	assert.Equal(t, "cancelled", st.Message)
	assert.NoDirExists(t, filepath.Join(saveDir, "v"))
}

func TestRun_StageFailure(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	_, err := New(testConfig()).Run(context.Background(), Request{
		DatasetPath: filepath.Join(t.TempDir(), "missing.csv"),
		SaveDir:     t.TempDir(),
		StatusPath:  statusPath,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	st, err := ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
	assert.Contains(t, st.Message, "load")
}

func TestRun_RejectsUnsafeVersionLabel(t *testing.T) {
	saveDir := t.TempDir()
	_, err := New(testConfig()).Run(context.Background(), Request{
		Rows:         trainingRows(20),
		SaveDir:      saveDir,
		VersionLabel: "../outside",
		DryRun:       true,
	})
	assert.ErrorIs(t, err, validation.ErrInvalidName)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(saveDir), "outside"))
}

func TestRun_FromDatasetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	rows := trainingRows(25)
	require.NoError(t, dataset.WriteCSV(f, dataset.Columns(rows), rows))
	require.NoError(t, f.Close())

	res, err := New(testConfig()).Run(context.Background(), Request{DatasetPath: path, SaveDir: t.TempDir(), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Items)
}

func TestFeatureColumns(t *testing.T) {
	rows := []dataset.Row{{"ITEM_CD": "A", "PROC_SEQ": 1, "JOB_CD": "X", "OUTDIAMETER": 1, "GROUP1": "g"}}
	fc := config.Default().Features
	assert.Equal(t, []string{"GROUP1", "OUTDIAMETER"}, FeatureColumns(rows, fc))

	fc.Columns = []string{"B", "A"}
	assert.Equal(t, []string{"B", "A"}, FeatureColumns(rows, fc))
}

func TestBuildTimeProfiles(t *testing.T) {
	pc := config.Default().Prediction
	pc.TrimEnabled = false
	rows := []dataset.Row{
		{"JOB_CD": "CUT", "SETUP_TIME": 1.0, "RUN_TIME": 2.0},
		{"JOB_CD": "CUT", "SETUP_TIME": 3.0, "RUN_TIME": 4.0},
		{"JOB_CD": "MILL", "RUN_TIME": "5"},
		{"OTHER": 1},
	}
	profiles := BuildTimeProfiles(rows, pc)
	require.Len(t, profiles, 2)
	assert.Equal(t, 2, profiles["CUT"].Samples)
	assert.InDelta(t, 2.0, profiles["CUT"].Columns["setup_time"].Mean, 1e-9)
	assert.InDelta(t, 3.0, profiles["CUT"].Columns["run_time"].Profile.Standard, 1e-9)
	assert.NotContains(t, profiles["MILL"].Columns, "setup_time")
	assert.Nil(t, BuildTimeProfiles([]dataset.Row{{"RUN_TIME": 1}}, pc))
}
