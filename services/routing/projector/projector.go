// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projector exports item embeddings in the TensorBoard projector
// file layout.
package projector

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// File names written by Export.
const (
	VectorsFile  = "vectors.tsv"
	MetadataFile = "metadata.tsv"
	ConfigFile   = "projector_config.json"
	TensorName   = "item_embeddings"
)

// ErrShape is returned when codes, vectors and rows disagree in length.
var ErrShape = errors.New("projector input shape mismatch")

// Embedding is one entry of projector_config.json.
type Embedding struct {
	TensorName   string `json:"tensorName"`
	TensorShape  []int  `json:"tensorShape"`
	TensorPath   string `json:"tensorPath"`
	MetadataPath string `json:"metadataPath"`
}

// Config is the projector_config.json document.
type Config struct {
	Embeddings []Embedding `json:"embeddings"`
}

// Export writes vectors.tsv, metadata.tsv and projector_config.json into
// dir.
//
// # Inputs
//
//   - dir: created if absent.
//   - codes: item codes, parallel to vectors.
//   - vectors: one embedding per item.
//   - rows: item rows keyed by code, used for the metadata columns. May be
//     nil.
//   - columns: extra metadata columns after ITEM_CD.
//
// # Outputs
//
//   - *Config: the projector config written.
//   - error: ErrShape or an I/O error.
func Export(dir string, codes []string, vectors [][]float32, rows map[string]dataset.Row, columns []string) (*Config, error) {
	if len(codes) != len(vectors) {
		return nil, fmt.Errorf("%w: %d codes, %d vectors", ErrShape, len(codes), len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dim %d, want %d", ErrShape, i, len(v), dim)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create projector dir: %w", err)
	}

	err := writeLines(filepath.Join(dir, VectorsFile), len(vectors), func(i int) string {
		parts := make([]string, len(vectors[i]))
		for j, x := range vectors[i] {
			parts[j] = strconv.FormatFloat(float64(x), 'g', -1, 32)
		}
		return strings.Join(parts, "\t")
	})
	if err != nil {
		return nil, err
	}

	header := append([]string{dataset.ItemCodeColumn}, columns...)
	err = writeLines(filepath.Join(dir, MetadataFile), len(codes)+1, func(i int) string {
		if i == 0 {
			return strings.Join(header, "\t")
		}
		code := codes[i-1]
		fields := []string{clean(code)}
		for _, col := range columns {
			fields = append(fields, clean(rows[code].String(col)))
		}
		return strings.Join(fields, "\t")
	})
	if err != nil {
		return nil, err
	}

	cfg := &Config{Embeddings: []Embedding{{
		TensorName:   TensorName,
		TensorShape:  []int{len(vectors), dim},
		TensorPath:   VectorsFile,
		MetadataPath: MetadataFile,
	}}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal projector config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write projector config: %w", err)
	}
	return cfg, nil
}

func writeLines(path string, n int, line func(i int) string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		w.WriteString(line(i))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// clean keeps a metadata cell on one TSV field.
func clean(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}
