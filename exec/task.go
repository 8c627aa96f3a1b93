// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/tileslice/raster"
)

// ErrTaskLost indicates that a Task was in TaskLost state.
var ErrTaskLost = errors.New("task was lost")

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskInit is the initial state of a task. Tasks in state TaskInit
	// have usually not yet been seen by an executor.
	TaskInit TaskState = iota

	// TaskWaiting indicates that a task has been scheduled for
	// execution (it is runnable) but has not yet been allocated
	// resources by the executor.
	TaskWaiting
	// TaskRunning is the state of a task that's currently being run.
	// After a task is in state TaskRunning, it can only enter a
	// larger-valued state.
	TaskRunning

	// TaskOk indicates that a task has successfully completed;
	// the task's chunk is available from its executor.
	//
	// All TaskState values greater than TaskOk indicate task
	// errors.
	TaskOk

	// TaskErr indicates that the task experienced a failure while
	// running.
	TaskErr
	// TaskLost indicates that the task was lost, usually because
	// the machine to which the task was assigned failed.
	TaskLost

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
	TaskLost:    "LOST",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	return states[s]
}

// A TaskName uniquely names a task by its constituent components.
type TaskName struct {
	// Op is a string describing the array computed by the task,
	// unique to the task's invocation.
	Op string
	// Chunk and NumChunk describe the chunk computed by this task
	// and the total number of chunks in the array.
	Chunk, NumChunk int
}

// String returns a canonical representation of the task name,
// formatted as:
//
//	{n.Op}@{n.NumChunk}:{n.Chunk}
func (n TaskName) String() string {
	return fmt.Sprintf("%s@%d:%d", n.Op, n.NumChunk, n.Chunk)
}

// A Task computes a single chunk of an array. All of the operations
// producing the chunk are fused into the task, so tasks have no
// dependencies on each other.
//
// Tasks also maintain executor state, and are used to coordinate
// execution between an evaluator and a single executor (which may
// be evaluating many tasks concurrently). Tasks thus embed a mutex
// for coordination and provide a context-aware conditional variable
// to coordinate runtime state changes.
type Task struct {
	// Invocation is the invocation from which this task was compiled.
	Invocation Invocation
	// Name is the name of the task. Tasks are named uniquely inside
	// each session.
	Name TaskName
	// Window is the window of the array computed by this task.
	Window raster.Window
	// Do computes the task's chunk.
	Do func(ctx context.Context) (raster.Block, error)

	// Status is a status object to which task status is reported.
	Status *status.Task

	sync.Mutex
	cond *ctxsync.Cond

	// State is the task's state. It is protected by the task's lock
	// and state changes are also broadcast on the task's condition
	// variable.
	state TaskState
	// Err is defined when state == TaskErr.
	err error

	// consecutiveLost is the number of times this task has been run
	// and lost in a row. See maxConsecutiveLost.
	consecutiveLost int
}

func newTask(inv Invocation, name TaskName, w raster.Window) *Task {
	t := &Task{Invocation: inv, Name: name, Window: w}
	t.cond = ctxsync.NewCond(t)
	return t
}

// String returns a short, human-readable string describing the
// task's state.
func (t *Task) String() string {
	// State and err are read without the task's lock so that String
	// may be called while the lock is held.
	var b bytes.Buffer
	fmt.Fprintf(&b, "task %s [%x] %s", t.Name, t.Invocation.Index, t.state)
	if t.err != nil {
		fmt.Fprintf(&b, ": %v", t.err)
	}
	return b.String()
}

// Set sets the task's state to the provided state and notifies
// any waiters.
func (t *Task) Set(state TaskState) {
	t.Lock()
	t.state = state
	t.Broadcast()
	t.Unlock()
}

// Error sets the task's state to TaskErr and its error to the
// provided error. Waiters are notified.
func (t *Task) Error(err error) {
	t.Lock()
	t.state = TaskErr
	t.err = err
	if t.Status != nil {
		t.Status.Print(err.Error())
	}
	t.Broadcast()
	t.Unlock()
}

// Errorf formats an error message using fmt.Errorf, sets the task's
// state to TaskErr and its err to the resulting error message.
func (t *Task) Errorf(format string, v ...interface{}) {
	t.Error(fmt.Errorf(format, v...))
}

// Err returns an error if the task's state is >= TaskErr. When the
// state is TaskLost, Err returns ErrTaskLost, otherwise t.err is
// returned.
func (t *Task) Err() error {
	t.Lock()
	defer t.Unlock()
	switch t.state {
	case TaskErr:
		if t.err == nil {
			panic("TaskErr without an err")
		}
		return t.err
	case TaskLost:
		return ErrTaskLost
	}
	return nil
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the task's lock is held.
func (t *Task) Broadcast() {
	t.cond.Broadcast()
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The task's lock must be held when calling Wait.
func (t *Task) Wait(ctx context.Context) error {
	return t.cond.Wait(ctx)
}

// WaitState returns when the task's state is at least the provided state,
// or else when the context is done.
func (t *Task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}
