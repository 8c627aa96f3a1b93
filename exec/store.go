// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tileslice/raster"
)

// Store is an abstraction that stores the chunks computed by tasks.
type Store interface {
	// Put stores the chunk computed by the named task. A task's chunk
	// may be stored only once.
	Put(ctx context.Context, task TaskName, b raster.Block) error

	// Get returns the stored chunk of the named task. If the task's
	// chunk is not stored, an error with kind errors.NotExist is
	// returned.
	Get(ctx context.Context, task TaskName) (raster.Block, error)

	// Discard removes the named task's chunk from the store.
	Discard(ctx context.Context, task TaskName) error
}

// MemoryStore is a store implementation that keeps chunks in memory.
type memoryStore struct {
	mu     sync.Mutex
	chunks map[TaskName]raster.Block
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chunks: make(map[TaskName]raster.Block)}
}

func (m *memoryStore) Put(ctx context.Context, task TaskName, b raster.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chunks[task]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", task))
	}
	m.chunks[task] = b
	return nil
}

func (m *memoryStore) Get(ctx context.Context, task TaskName) (raster.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chunks[task]
	if !ok {
		return raster.Block{}, errors.E(errors.NotExist, fmt.Sprintf("get %s", task))
	}
	return b, nil
}

func (m *memoryStore) Discard(ctx context.Context, task TaskName) error {
	m.mu.Lock()
	delete(m.chunks, task)
	m.mu.Unlock()
	return nil
}

// FileStore is a store implementation that uses grailfiles; thus
// chunks can be stored at any URL supported by grailfile (e.g.,
// S3). Chunks are gob-encoded.
type fileStore struct {
	// Prefix is the grailfile prefix under which chunks are stored.
	// A task's chunk is stored at "{Prefix}/{ophash}/{op}/{chunk}-of-{numchunk}".
	Prefix string
}

func (s *fileStore) path(task TaskName) string {
	h := fnv.New32a()
	h.Write([]byte(task.String()))
	h0 := int64(h.Sum(nil)[0])
	return file.Join(s.Prefix, strconv.FormatInt(h0, 16), task.Op,
		fmt.Sprintf("%05d-of-%05d", task.Chunk, task.NumChunk))
}

func (s *fileStore) Put(ctx context.Context, task TaskName, b raster.Block) (err error) {
	f, err := file.Create(ctx, s.path(task))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f.Writer(ctx))
	if err = gob.NewEncoder(w).Encode(b); err == nil {
		err = w.Flush()
	}
	if err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func (s *fileStore) Get(ctx context.Context, task TaskName) (b raster.Block, err error) {
	f, err := file.Open(ctx, s.path(task))
	if err != nil {
		return b, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	err = gob.NewDecoder(bufio.NewReader(f.Reader(ctx))).Decode(&b)
	return
}

func (s *fileStore) Discard(ctx context.Context, task TaskName) error {
	return file.Remove(ctx, s.path(task))
}
