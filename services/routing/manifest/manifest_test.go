// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
)

func writeVersion(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"similarity_engine.gob": "graph-bytes",
		"encoder.json":          `{"columns":["A"]}`,
		"scaler.json":           `{"mean":[0],"std":[1]}`,
		"feature_columns.json":  `["A"]`,
		"feature_weights.json":  `{"A":1}`,
		"feature_weights.gob":   "gob-bytes",
		"notes.txt":             "ignored",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestWrite_ListsKnownArtifacts(t *testing.T) {
	dir := writeVersion(t)
	m, err := Write(dir, map[string]any{"version": "v1"})
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, HashAlgorithm, m.HashAlgorithm)
	assert.Equal(t, []string{
		"encoder.json", "feature_columns.json", "feature_weights.gob",
		"feature_weights.json", "scaler.json", "similarity_engine.gob",
	}, m.Names())
	assert.Equal(t, "routing-ml/scaler@1", m.Artifacts["scaler.json"].SchemaVersion)
	assert.Len(t, m.Artifacts["scaler.json"].SHA256, 64)

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "routing-ml/manifest@1", doc["schema_version"])
	assert.Equal(t, "v1", doc["metadata"].(map[string]any)["version"])
}

func TestWrite_MissingRequired(t *testing.T) {
	dir := writeVersion(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "encoder.json")))
	_, err := Write(dir, nil)
	assert.ErrorIs(t, err, ErrMissingArtifact)
	assert.Contains(t, err.Error(), "encoder")
	assert.NoFileExists(t, filepath.Join(dir, FileName))
}

func TestVerify_Tamper(t *testing.T) {
	dir := writeVersion(t)
	_, err := Write(dir, nil)
	require.NoError(t, err)

	_, err = Verify(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "scaler.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Verify(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksum)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "scaler.json", ce.Name)
	assert.NotEqual(t, ce.Want, ce.Got)

	// untouched artifacts still verify by name
	_, err = Verify(dir, "encoder.json", "similarity_engine.gob")
	assert.NoError(t, err)
}

func TestVerify_DeletedArtifact(t *testing.T) {
	dir := writeVersion(t)
	_, err := Write(dir, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "feature_weights.gob")))

	_, err = Verify(dir)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestVerify_UnknownName(t *testing.T) {
	dir := writeVersion(t)
	_, err := Write(dir, nil)
	require.NoError(t, err)
	_, err = Verify(dir, "nope.bin")
	assert.ErrorIs(t, err, ErrMissingArtifact)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	dir := writeVersion(t)
	m, err := Write(dir, nil)
	require.NoError(t, err)

	m.HashAlgorithm = "md5"
	require.NoError(t, atomicfile.WriteJSON(filepath.Join(dir, FileName), m))
	_, err = Verify(dir)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerify_RejectsTraversal(t *testing.T) {
	dir := writeVersion(t)
	m, err := Write(dir, nil)
	require.NoError(t, err)

	a := m.Artifacts["encoder.json"]
	a.Path = "../encoder.json"
	m.Artifacts["encoder.json"] = a
	require.NoError(t, atomicfile.WriteJSON(filepath.Join(dir, FileName), m))
	_, err = Verify(dir, "encoder.json")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestWrite_ProjectorFiles(t *testing.T) {
	dir := writeVersion(t)
	pdir := filepath.Join(dir, ProjectorDir)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "vectors.tsv"), []byte("1\t0\n"), 0o644))

	m, err := Write(dir, nil)
	require.NoError(t, err)
	assert.Contains(t, m.Artifacts, "tb_projector/vectors.tsv")
	_, err = Verify(dir)
	assert.NoError(t, err)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := writeVersion(t)
	_, err := Write(dir, nil)
	require.NoError(t, err)
	_, err = Write(dir, map[string]any{"rewrite": true})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), FileName+"-", "temp file %s left behind", e.Name())
	}
	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, true, m.Metadata["rewrite"])
}
