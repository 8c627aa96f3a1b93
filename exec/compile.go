// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tileslice"
	"github.com/grailbio/tileslice/raster"
)

// An Invocation is a single materialization of an array by a
// session. Invocations are sent to workers, which rebuild the array
// from its spec and compile it into the same set of tasks as the
// driver.
type Invocation struct {
	// Index is unique to the invocation within its session.
	Index uint64
	// Spec describes the array being materialized.
	Spec tileslice.Spec
}

// Compile compiles the provided array into one task for each of its
// chunks. All of the array's operations are fused into each task:
// a task reads its window of the source raster and applies each
// subsequent operation in turn. Compile is deterministic, so that
// the driver and its workers agree on task names.
func compile(inv Invocation, a tileslice.Array) []*Task {
	var (
		chunks = tileslice.Chunks(a)
		op     = fmt.Sprintf("inv%x_%s", inv.Index, tileslice.Name(a))
		tasks  = make([]*Task, len(chunks))
	)
	for i, w := range chunks {
		w := w
		tasks[i] = newTask(inv, TaskName{Op: op, Chunk: i, NumChunk: len(chunks)}, w)
		tasks[i].Do = func(ctx context.Context) (raster.Block, error) {
			return computeChunk(ctx, a, w)
		}
	}
	return tasks
}

// computeChunk computes window w of array a, converting panics into
// fatal errors: a panicking transform fails the same way on every
// attempt.
func computeChunk(ctx context.Context, a tileslice.Array, w raster.Window) (b raster.Block, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while computing chunk %s: %v\n%s", w, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	return tileslice.Compute(ctx, a, w)
}
