// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements compilation, evaluation, and execution of
// tileslice arrays. A Session materializes an array into an output
// raster by compiling it into one task per chunk and dispatching the
// tasks to an executor: either the local executor, which runs tasks
// in-process on a bounded number of goroutines, or the bigmachine
// executor, which runs them on a cluster of worker processes.
package exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/tileslice/raster"
)

// maxConsecutiveLost is the number of times a task may be lost in a
// row before evaluation fails.
const maxConsecutiveLost = 5

// Executor defines an interface used to provide implementations of
// task runners. An Executor is responsible for running single tasks
// and for retrieving the chunks that they computed.
type Executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string

	// Start starts the executor. It is called before evaluation has
	// started. Start need not return: for example, the Bigmachine
	// implementation of Executor uses Start as an entry point for
	// worker processes.
	Start(*Session) (shutdown func())

	// Runnable marks the task as runnable. After a call to Runnable,
	// the Task should have state >= TaskWaiting. The executor owns
	// the task after calling Runnable, and only the executor should
	// modify the task's state.
	Runnable(*Task)

	// Result returns the chunk computed by the provided task, which
	// must be in state TaskOk.
	Result(context.Context, *Task) (raster.Block, error)

	// Discard releases the executor's copy of the task's chunk.
	Discard(context.Context, *Task)
}

// Eval evaluates the provided set of tasks, using the provided
// executor to run them. Each task that completes successfully is
// passed to sink, in the calling goroutine, after which it is not
// run again. Lost tasks are resubmitted to the executor. Eval returns
// on the first task or sink error, or else when every task has been
// sunk.
func Eval(ctx context.Context, executor Executor, tasks []*Task, group *status.Group, sink func(*Task) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		donec   = make(chan *Task)
		errc    = make(chan error)
		sunk    = make(map[*Task]bool)
		running = make(map[*Task]bool)
	)
	for {
		var todo []*Task
		for _, task := range tasks {
			// Lost tasks are resubmitted only after they have been
			// acknowledged by the main loop.
			if sunk[task] || running[task] {
				continue
			}
			task.Lock()
			switch task.state {
			case TaskInit:
				todo = append(todo, task)
			case TaskLost:
				task.consecutiveLost++
				if task.consecutiveLost > maxConsecutiveLost {
					task.Unlock()
					return errors.E(errors.Unavailable,
						fmt.Sprintf("task %s lost %d times in a row", task.Name, task.consecutiveLost))
				}
				log.Printf("resubmitting lost task %s", task.Name)
				task.state = TaskInit
				todo = append(todo, task)
			case TaskErr:
				err := task.err
				task.Unlock()
				return err
			}
			task.Unlock()
		}
		if len(todo) == 0 && len(running) == 0 {
			break
		}

		// Mark each ready task as runnable and keep track of them.
		// The executor manages parallelism.
		for _, task := range todo {
			log.Debug.Printf("runnable: %s", task)
			task.Status = group.Startf("%s(%x)", task.Name, task.Invocation.Index)
			executor.Runnable(task)
			running[task] = true
			go func(task *Task) {
				state, err := task.WaitState(ctx, TaskOk)
				if err == nil {
					task.Status.Done()
					switch state {
					case TaskOk, TaskLost:
						select {
						case donec <- task:
						case <-ctx.Done():
						}
						return
					case TaskErr:
						err = task.Err()
					default:
						err = fmt.Errorf("unexpected task state %v", task)
					}
				}
				select {
				case errc <- err:
				case <-ctx.Done():
				}
			}(task)
		}

		if group != nil {
			var stateCounts [maxState]int
			for _, task := range tasks {
				task.Lock()
				stateCounts[task.state]++
				task.Unlock()
			}
			states := make([]string, maxState)
			for state, count := range stateCounts {
				states[state] = fmt.Sprintf("%s=%d", TaskState(state), count)
			}
			group.Printf("tasks: %s", strings.Join(states, " "))
		}
		select {
		case task := <-donec:
			delete(running, task)
			if task.State() != TaskOk {
				log.Error.Printf("lost task %s", task.Name)
				continue
			}
			task.Lock()
			task.consecutiveLost = 0
			task.Unlock()
			if err := sink(task); err != nil {
				// The task's machine may have been lost after the task
				// completed; in this case it is recomputed.
				if task.State() == TaskLost {
					log.Error.Printf("lost result of task %s: %v", task.Name, err)
					continue
				}
				return err
			}
			sunk[task] = true
		case err := <-errc:
			return err
		}
	}
	return nil
}
