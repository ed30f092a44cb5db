// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
)

// MarkerFileName is the activation marker written next to a file registry.
const MarkerFileName = "active.marker"

// Marker is the activation marker document.
type Marker struct {
	Version      string    `json:"version"`
	ArtifactDir  string    `json:"artifact_dir"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	ActivatedAt  time.Time `json:"activated_at"`
}

// MarkerFor builds the marker for v.
func MarkerFor(v Version) Marker {
	m := Marker{Version: v.Name, ArtifactDir: v.ArtifactDir, ManifestPath: v.ManifestPath}
	if v.ActivatedAt != nil {
		m.ActivatedAt = *v.ActivatedAt
	}
	return m
}

// WriteMarker replaces the marker at path atomically.
func WriteMarker(path string, m Marker) error {
	return atomicfile.WriteJSON(path, m)
}

// ReadMarker reads the marker at path.
func ReadMarker(path string) (Marker, error) {
	var m Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse marker: %w", err)
	}
	return m, nil
}
