// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Score float64
}

func TestPutGet_Codecs(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for name, codec := range map[string]Codec{"json": JSON, "gob": Gob} {
		t.Run(name, func(t *testing.T) {
			key := "rec/" + name
			require.NoError(t, db.Put(ctx, key, record{Name: "a", Score: 0.5}, codec, 0))

			var got record
			found, err := db.Get(ctx, key, &got, codec)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, record{Name: "a", Score: 0.5}, got)
		})
	}

	var missing record
	found, err := db.Get(ctx, "nope", &missing, JSON)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeysAndDelete(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"p/b", "p/a", "q/a"} {
		require.NoError(t, db.Put(ctx, k, 1, JSON, 0))
	}
	keys, err := db.Keys(ctx, "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)

	require.NoError(t, db.Delete(ctx, "p/a"))
	require.NoError(t, db.DropPrefix("q/"))
	keys, err = db.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/b"}, keys)
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "k", "v", JSON, time.Hour))
	require.NoError(t, db.Close())

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()
	var got string
	found, err := db.Get(ctx, "k", &got, JSON)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", got)
	assert.Equal(t, dir, db.Path())
}

func TestCancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, db.Put(ctx, "k", 1, JSON, 0))
}
