// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weights

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact file names.
const (
	WeightsJSONFile    = "feature_weights.json"
	WeightsGobFile     = "feature_weights.gob"
	ActiveFeaturesFile = "active_features.json"
)

// Document is the persisted weight state.
type Document struct {
	Features       []string           `json:"features"`
	Weights        map[string]float64 `json:"weights"`
	ActiveFeatures []string           `json:"active_features"`
	Importance     map[string]float64 `json:"importance,omitempty"`
	Version        int                `json:"version"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Snapshot captures the current state as a Document.
func (m *Manager) Snapshot() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := Document{
		Features:   append([]string(nil), m.features...),
		Weights:    make(map[string]float64, len(m.weights)),
		Importance: make(map[string]float64, len(m.importance)),
		Version:    m.version,
		Timestamp:  time.Now().UTC(),
	}
	for k, v := range m.weights {
		doc.Weights[k] = v
	}
	for k, v := range m.importance {
		doc.Importance[k] = v
	}
	for _, f := range m.features {
		if m.active[f] {
			doc.ActiveFeatures = append(doc.ActiveFeatures, f)
		}
	}
	return doc
}

// Save writes feature_weights.json, its gob duplicate and
// active_features.json into dir. Returns the written paths.
func (m *Manager) Save(dir string) ([]string, error) {
	doc := m.Snapshot()

	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal weights: %w", err)
	}
	var gobBuf bytes.Buffer
	if err := gob.NewEncoder(&gobBuf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode weights: %w", err)
	}
	activeData, err := json.MarshalIndent(map[string]any{
		"active_features": doc.ActiveFeatures,
		"count":           len(doc.ActiveFeatures),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal active features: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{WeightsJSONFile, jsonData},
		{WeightsGobFile, gobBuf.Bytes()},
		{ActiveFeaturesFile, activeData},
	}
	var paths []string
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// LoadDocument reads the weight state from dir, preferring the gob file and
// falling back to JSON.
func LoadDocument(dir string) (Document, error) {
	var doc Document
	if data, err := os.ReadFile(filepath.Join(dir, WeightsGobFile)); err == nil {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&doc); err == nil {
			return doc, nil
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, WeightsJSONFile))
	if err != nil {
		return doc, fmt.Errorf("read weights: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse weights: %w", err)
	}
	return doc, nil
}

// Load rebuilds a Manager from the weight state in dir.
func Load(dir string, opts ...ManagerOption) (*Manager, error) {
	doc, err := LoadDocument(dir)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc, opts...)
}

// FromDocument rebuilds a Manager from a Document.
func FromDocument(doc Document, opts ...ManagerOption) (*Manager, error) {
	if len(doc.Features) == 0 {
		return nil, errors.New("weights document has no features")
	}
	m, err := NewManager(doc.Features, opts...)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(doc.ActiveFeatures))
	for _, f := range doc.ActiveFeatures {
		active[f] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.features {
		if w, ok := doc.Weights[f]; ok {
			m.weights[f] = m.clip(w)
		}
		m.active[f] = active[f] && m.weights[f] > 0
		if imp, ok := doc.Importance[f]; ok {
			m.importance[f] = imp
		}
	}
	m.version = doc.Version
	return m, nil
}
