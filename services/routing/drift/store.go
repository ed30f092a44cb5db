// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drift

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/routingml/services/routing/storage/badger"
)

// FileStore keeps State in one gob file.
type FileStore struct {
	Path string
}

// Load implements Store.
func (f FileStore) Load(_ context.Context) (*State, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return &s, true, nil
}

// Save implements Store.
func (f FileStore) Save(_ context.Context, s *State) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// StateKey is the Badger key of the detector state.
const StateKey = "drift/state"

// BadgerStore keeps State in a Badger database.
type BadgerStore struct {
	DB *badger.DB
}

// Load implements Store.
func (b BadgerStore) Load(ctx context.Context) (*State, bool, error) {
	var s State
	ok, err := b.DB.Get(ctx, StateKey, &s, badger.Gob)
	if err != nil || !ok {
		return nil, false, err
	}
	return &s, true, nil
}

// Save implements Store.
func (b BadgerStore) Save(ctx context.Context, s *State) error {
	return b.DB.Put(ctx, StateKey, s, badger.Gob, 0)
}
