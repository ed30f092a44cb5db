// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/routingml/services/routing/index"
	"github.com/AleutianAI/routingml/services/routing/manifest"
	"github.com/AleutianAI/routingml/services/routing/pipeline"
	"github.com/AleutianAI/routingml/services/routing/preprocess"
	"github.com/AleutianAI/routingml/services/routing/weights"
)

// Model is one loaded, verified version.
type Model struct {
	Version  string
	Dir      string
	Pre      *preprocess.Preprocessor
	Index    index.Searcher
	Weights  *weights.Manager
	Profiles map[string]pipeline.ProcessProfile
	LoadedAt time.Time
}

// LoadModel verifies the manifest of dir and loads its artifacts. Nothing
// is read before verification succeeds.
//
// # Outputs
//
//   - *Model: the loaded model. Weights and Profiles are nil when the
//     version carries no such artifact.
//   - error: manifest errors (ErrChecksum and friends) or artifact load
//     errors.
func LoadModel(dir string, logger *slog.Logger) (*Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := manifest.Verify(dir)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", filepath.Base(dir), err)
	}

	pre, err := preprocess.Load(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("load preprocessor: %w", err)
	}
	s, err := index.LoadFile(filepath.Join(dir, index.FileName), logger)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	model := &Model{
		Version:  filepath.Base(dir),
		Dir:      dir,
		Pre:      pre,
		Index:    s,
		LoadedAt: time.Now().UTC(),
	}
	if v, ok := m.Metadata["version"].(string); ok && v != "" {
		model.Version = v
	}
	if _, ok := m.Artifacts[weights.WeightsJSONFile]; ok {
		if model.Weights, err = weights.Load(dir, weights.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}
	}
	if _, ok := m.Artifacts[pipeline.TimeProfilesFile]; ok {
		data, err := os.ReadFile(filepath.Join(dir, pipeline.TimeProfilesFile))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &model.Profiles); err != nil {
			return nil, fmt.Errorf("parse time profiles: %w", err)
		}
	}

	logger.Info("model loaded",
		slog.String("version", model.Version),
		slog.String("index", string(s.Kind())),
		slog.Int("items", s.Len()),
		slog.Int("dim", pre.Dim()))
	return model, nil
}

// ErrNoModel is returned by Predict before any model is loaded.
var ErrNoModel = errors.New("no model loaded")

// ErrNoActiveVersion is returned by Reload when no version is active.
var ErrNoActiveVersion = errors.New("no active version")

// ErrUnknownItem is returned when the target item has no feature row.
var ErrUnknownItem = errors.New("unknown item")
