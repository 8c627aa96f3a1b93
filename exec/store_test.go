// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/tileslice/raster"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	fz := fuzz.NewWithSeed(31415)
	chunk := raster.NewBlock(raster.Window{Col: 128, Row: 256, Width: 100, Height: 37}, 3, raster.Uint16)
	for i := range chunk.Pix {
		fz.Fuzz(&chunk.Pix[i])
	}
	ctx := context.Background()
	task := TaskName{Op: "test", Chunk: 1, NumChunk: 2}
	if _, err := store.Get(ctx, task); err == nil {
		t.Error("chunk prematurely available")
	}
	if err := store.Put(ctx, task, chunk); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(chunk) {
		t.Error("chunks do not match")
	}
	// Unrelated tasks are not stored.
	other := TaskName{Op: "test", Chunk: 0, NumChunk: 2}
	if _, err := store.Get(ctx, other); err == nil {
		t.Error("expected error getting non-existent task")
	}
	if err := store.Discard(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, task); err == nil {
		t.Fatal("expected error getting discarded task")
	}
}

func TestStoreImpls(t *testing.T) {
	testStore(t, newMemoryStore())
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	testStore(t, &fileStore{dir})
}

func TestMemoryStoreExists(t *testing.T) {
	var (
		store = newMemoryStore()
		ctx   = context.Background()
		task  = TaskName{Op: "test", Chunk: 0, NumChunk: 1}
		chunk = raster.NewBlock(raster.Window{Width: 1, Height: 1}, 1, raster.Uint8)
	)
	if err := store.Put(ctx, task, chunk); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, task, chunk); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if _, err := store.Get(ctx, TaskName{Op: "other"}); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}
