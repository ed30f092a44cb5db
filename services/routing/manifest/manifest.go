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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
)

const (
	// FileName is the manifest file inside a version directory.
	FileName = "manifest.json"

	// SchemaVersion tags the manifest document itself.
	SchemaVersion = "routing-ml/manifest@1"

	// HashAlgorithm is the only accepted digest.
	HashAlgorithm = "sha256"

	// ProjectorDir holds the optional projector export.
	ProjectorDir = "tb_projector"
)

// Artifact is one manifest entry.
type Artifact struct {
	Path          string `json:"path"`
	SHA256        string `json:"sha256"`
	SchemaVersion string `json:"schema_version"`
}

// Manifest is the document stored as manifest.json.
type Manifest struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	HashAlgorithm string              `json:"hash_algorithm"`
	Artifacts     map[string]Artifact `json:"artifacts"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// Names returns the artifact keys in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Artifacts))
	for n := range m.Artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Kind describes one family of artifact files. A file belongs to the kind
// when its base name is Prefix followed by an extension.
type Kind struct {
	Prefix   string
	Schema   string
	Required bool
}

// Kinds lists the artifact families of a version directory.
var Kinds = []Kind{
	{Prefix: "similarity_engine", Schema: "routing-ml/similarity-engine@1", Required: true},
	{Prefix: "encoder", Schema: "routing-ml/encoder@1", Required: true},
	{Prefix: "scaler", Schema: "routing-ml/scaler@1", Required: true},
	{Prefix: "feature_columns", Schema: "routing-ml/feature-columns@1", Required: true},
	{Prefix: "feature_weights", Schema: "routing-ml/feature-weights@1"},
	{Prefix: "active_features", Schema: "routing-ml/active-features@1"},
	{Prefix: "training_metadata", Schema: "routing-ml/training-metadata@1"},
	{Prefix: "time_profiles", Schema: "routing-ml/time-profiles@1"},
}

const projectorSchema = "routing-ml/projector@1"

func kindOf(base string) (Kind, bool) {
	for _, k := range Kinds {
		if strings.HasPrefix(base, k.Prefix+".") {
			return k, true
		}
	}
	return Kind{}, false
}

// Write hashes the artifacts in dir and writes dir/manifest.json.
//
// # Inputs
//
//   - dir: the version directory.
//   - metadata: optional free-form document stored under "metadata".
//
// # Outputs
//
//   - *Manifest: the document written.
//   - error: ErrMissingArtifact when a required kind has no file.
//
// Files that belong to no known kind are not listed. Files under
// tb_projector/ are listed with their relative path as key.
func Write(dir string, metadata map[string]any) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read version dir: %w", err)
	}

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC().Truncate(time.Second),
		HashAlgorithm: HashAlgorithm,
		Artifacts:     make(map[string]Artifact),
		Metadata:      metadata,
	}
	seen := make(map[string]bool)

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if name == ProjectorDir {
				if err := m.addProjector(dir); err != nil {
					return nil, err
				}
			}
			continue
		}
		if name == FileName || strings.HasSuffix(name, ".tmp") {
			continue
		}
		kind, ok := kindOf(name)
		if !ok {
			continue
		}
		if err := m.add(dir, name, kind.Schema); err != nil {
			return nil, err
		}
		seen[kind.Prefix] = true
	}

	var missing []string
	for _, k := range Kinds {
		if k.Required && !seen[k.Prefix] {
			missing = append(missing, k.Prefix)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, strings.Join(missing, ", "))
	}

	if err := atomicfile.WriteJSON(filepath.Join(dir, FileName), m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

func (m *Manifest) add(dir, rel, schema string) error {
	sum, err := HashFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	m.Artifacts[rel] = Artifact{Path: rel, SHA256: sum, SchemaVersion: schema}
	return nil
}

func (m *Manifest) addProjector(dir string) error {
	entries, err := os.ReadDir(filepath.Join(dir, ProjectorDir))
	if err != nil {
		return fmt.Errorf("read projector dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := m.add(dir, ProjectorDir+"/"+e.Name(), projectorSchema); err != nil {
			return err
		}
	}
	return nil
}

// Load reads dir/manifest.json and checks its header.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.HashAlgorithm != HashAlgorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, m.HashAlgorithm)
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema %q", ErrInvalidManifest, m.SchemaVersion)
	}
	return &m, nil
}

// Verify recomputes the digests of the named artifacts, or of every listed
// artifact when names is empty.
//
// # Outputs
//
//   - *Manifest: the loaded document, also on checksum failure.
//   - error: *ChecksumError for the first mismatch (in name order),
//     ErrMissingArtifact for a name not in the manifest,
//     ErrUnsupportedAlgorithm for a non-sha256 manifest.
func Verify(dir string, names ...string) (*Manifest, error) {
	m, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = m.Names()
	} else {
		names = append([]string(nil), names...)
		sort.Strings(names)
	}

	for _, name := range names {
		a, ok := m.Artifacts[name]
		if !ok {
			return m, fmt.Errorf("%w: %s not in manifest", ErrMissingArtifact, name)
		}
		path, err := resolve(dir, a.Path)
		if err != nil {
			return m, err
		}
		got, err := HashFile(path)
		if err != nil {
			return m, &ChecksumError{Name: name, Path: a.Path, Want: a.SHA256}
		}
		if !strings.EqualFold(got, a.SHA256) {
			return m, &ChecksumError{Name: name, Path: a.Path, Want: a.SHA256, Got: got}
		}
	}
	return m, nil
}

// resolve joins rel to dir, refusing paths that leave dir.
func resolve(dir, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return filepath.Join(dir, clean), nil
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
