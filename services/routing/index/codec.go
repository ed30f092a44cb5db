// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileName is the index artifact name inside a version directory.
const FileName = "similarity_engine.gob"

// formatVersion guards against decoding an incompatible layout.
const formatVersion = 1

type snapshot struct {
	Format    int
	Kind      Kind
	Dim       int
	Codes     []string
	Data      []float32
	Config    HNSWConfig
	Levels    []int
	Neighbors [][][]int32
	Entry     int
	MaxLevel  int
}

// Encode writes s to w.
func Encode(w io.Writer, s Searcher) error {
	var snap snapshot
	switch t := s.(type) {
	case *Exact:
		snap = snapshot{Kind: KindExact, Dim: t.dim, Codes: t.codes, Data: t.data}
	case *HNSW:
		snap = snapshot{
			Kind: KindHNSW, Dim: t.dim, Codes: t.codes, Data: t.data,
			Config: t.cfg, Levels: t.levels, Neighbors: t.neighbors,
			Entry: t.entry, MaxLevel: t.maxLevel,
		}
	default:
		return fmt.Errorf("encode index: unsupported searcher %T", s)
	}
	snap.Format = formatVersion
	return gob.NewEncoder(w).Encode(&snap)
}

// Decode reads a Searcher written by Encode.
func Decode(r io.Reader, logger *slog.Logger) (Searcher, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if snap.Format != formatVersion {
		return nil, fmt.Errorf("decode index: format %d, want %d", snap.Format, formatVersion)
	}
	if len(snap.Data) != len(snap.Codes)*snap.Dim {
		return nil, fmt.Errorf("%w: %d floats for %d×%d", ErrLengthMismatch, len(snap.Data), len(snap.Codes), snap.Dim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	st := &store{dim: snap.Dim, codes: snap.Codes, data: snap.Data, logger: logger}
	switch snap.Kind {
	case KindExact:
		return &Exact{store: st}, nil
	case KindHNSW:
		if len(snap.Levels) != len(snap.Codes) || len(snap.Neighbors) != len(snap.Codes) {
			return nil, fmt.Errorf("%w: graph covers %d nodes, index has %d", ErrLengthMismatch, len(snap.Levels), len(snap.Codes))
		}
		return &HNSW{
			store: st, cfg: snap.Config, levels: snap.Levels, neighbors: snap.Neighbors,
			entry: snap.Entry, maxLevel: snap.MaxLevel,
		}, nil
	default:
		return nil, fmt.Errorf("decode index: unknown kind %q", snap.Kind)
	}
}

// Save writes s to path.
func Save(path string, s Searcher) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, s); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush index file: %w", err)
	}
	return f.Close()
}

// LoadFile reads an index from path.
func LoadFile(path string, logger *slog.Logger) (Searcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f), logger)
}
