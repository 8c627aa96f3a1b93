// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/tileslice/raster"
)

func TestTaskName(t *testing.T) {
	name := TaskName{Op: "inv1_open_map(reverse)", Chunk: 3, NumChunk: 12}
	if got, want := name.String(), "inv1_open_map(reverse)@12:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTaskErr(t *testing.T) {
	task := newTask(Invocation{}, TaskName{Op: "test"}, raster.Window{})
	if err := task.Err(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	task.Set(TaskLost)
	if got, want := task.Err(), ErrTaskLost; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	err := errors.New("task error")
	task.Error(err)
	if got, want := task.Err(), err; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := task.State(), TaskErr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestTaskWaitState verifies that waiters observe monotonically
// increasing task states from concurrent writers.
func TestTaskWaitState(t *testing.T) {
	const numWaiters = 16
	var (
		task = newTask(Invocation{}, TaskName{Op: "test"}, raster.Window{})
		wg   sync.WaitGroup
	)
	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := task.WaitState(context.Background(), TaskOk)
			if err != nil {
				t.Error(err)
				return
			}
			if state < TaskOk {
				t.Errorf("got %v, want >= %v", state, TaskOk)
			}
		}()
	}
	for _, state := range []TaskState{TaskWaiting, TaskRunning} {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		task.Set(state)
	}
	task.Set(TaskOk)
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task = newTask(Invocation{}, TaskName{Op: "test"}, raster.Window{})
	if _, err := task.WaitState(ctx, TaskOk); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}
