// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"container/heap"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tileslice"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
)

const (
	// StatsPollInterval is the period at which machine statistics are
	// polled.
	statsPollInterval = 10 * time.Second

	// StatTimeout is the maximum amount of time allowed to retrieve
	// machine stats, per iteration.
	statTimeout = 5 * time.Second
)

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

func init() {
	gob.Register(&worker{})
}

// BigmachineExecutor is an executor that runs individual tasks on
// bigmachine machines. Each machine runs a worker service which
// compiles invocations and computes chunks; chunks remain on the
// worker until they are read by the driver.
type bigmachineExecutor struct {
	system bigmachine.System
	// Shared is a bigmachine instance owned by the caller. When set,
	// the executor starts its machines on it, and stops only these
	// machines on shutdown.
	shared *bigmachine.B

	sess *Session
	b    *bigmachine.B

	machinesOnce sync.Once
	machinesErr  error
	all          []*tileMachine

	status *status.Group

	mu sync.Mutex

	// Machines is the set of machines available to run tasks, ordered
	// by load.
	machines machineQ

	// Waiters is the set of tasks waiting for capacity. The waitlist is
	// FIFO: at most one gets notified for each task completion.
	waiters []*Task

	locations map[*Task]*tileMachine
}

func newBigmachineExecutor(system bigmachine.System) *bigmachineExecutor {
	return &bigmachineExecutor{system: system}
}

func newClusterExecutor(b *bigmachine.B) *bigmachineExecutor {
	return &bigmachineExecutor{system: b.System(), shared: b}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the bigmachine instance, unless a shared one was
// provided. When the executor owns its bigmachine instance, Start
// does not return in worker processes.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.locations = make(map[*Task]*tileMachine)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	if b.shared != nil {
		b.b = b.shared
		return b.cancelMachines
	}
	b.b = bigmachine.Start(b.system)
	return b.b.Shutdown
}

func (b *bigmachineExecutor) cancelMachines() {
	b.mu.Lock()
	all := b.all
	b.mu.Unlock()
	for _, m := range all {
		m.Cancel()
	}
}

func (b *bigmachineExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		task.Unlock()
		return
	}
	task.state = TaskWaiting
	task.Broadcast()
	task.Unlock()
	go b.run(task)
}

// InitMachines starts the session's machines and waits for them to
// become ready. Machines that fail to start are skipped; it is an
// error if none start.
func (b *bigmachineExecutor) initMachines() error {
	b.machinesOnce.Do(func() {
		var (
			n        = b.sess.machines
			procs    = b.sess.procs
			maxprocs = b.b.System().Maxprocs()
		)
		if n == 0 {
			if procs > 0 {
				maxprocs = procs
			}
			n = (b.sess.p + maxprocs - 1) / maxprocs
		}
		log.Printf("starting %d machines (p=%d, procs=%d)", n, b.sess.p, procs)
		machines, err := startMachines(context.Background(), b.b, b.status, n, procs, &worker{})
		if err != nil {
			b.machinesErr = err
			return
		}
		b.mu.Lock()
		b.all = machines
		for _, m := range machines {
			go m.Go(context.Background())
			heap.Push(&b.machines, m)
		}
		b.mu.Unlock()
	})
	return b.machinesErr
}

// acquire returns the least loaded machine with spare capacity,
// waiting for one if needed. Lost machines are dropped from the
// queue.
func (b *bigmachineExecutor) acquire(ctx context.Context, task *Task) (*tileMachine, error) {
	b.mu.Lock()
	for {
		for len(b.machines) > 0 && b.machines[0].Lost() {
			m := heap.Pop(&b.machines).(*tileMachine)
			log.Error.Printf("removing lost machine %s", m.Addr)
		}
		if len(b.machines) == 0 {
			b.mu.Unlock()
			return nil, errors.E(errors.Unavailable, "no machines available")
		}
		m := b.machines[0]
		// Since the priority queue is ordered by load, if the least
		// loaded machine is at capacity, all of them are.
		if m.Curprocs < m.maxprocs {
			m.Curprocs++
			heap.Fix(&b.machines, m.index)
			b.mu.Unlock()
			return m, nil
		}
		b.waiters = append(b.waiters, task)
		task.Lock()
		b.mu.Unlock()
		err := task.Wait(ctx)
		task.Unlock()
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
	}
}

// release returns a proc to machine m and wakes up the next waiter.
func (b *bigmachineExecutor) release(m *tileMachine) {
	b.mu.Lock()
	var waiter *Task
	if len(b.waiters) > 0 {
		waiter, b.waiters = b.waiters[0], b.waiters[1:]
	}
	m.Curprocs--
	if m.index >= 0 && m.index < len(b.machines) && b.machines[m.index] == m {
		heap.Fix(&b.machines, m.index)
	}
	b.mu.Unlock()
	if waiter != nil {
		waiter.Lock()
		waiter.Broadcast()
		waiter.Unlock()
	}
}

func (b *bigmachineExecutor) run(task *Task) {
	ctx := context.Background()
	task.Status.Print("waiting for a machine")
	if err := b.initMachines(); err != nil {
		task.Error(errors.E(errors.Unavailable, "machine initialization failed", err))
		return
	}
	m, err := b.acquire(ctx, task)
	if err != nil {
		task.Error(err)
		return
	}
	defer b.release(m)

	numTasks := m.Stats.Int(stats.Running)
	numTasks.Add(1)
	m.UpdateStatus()
	defer func() {
		numTasks.Add(-1)
		m.UpdateStatus()
	}()

	// Make sure that the invocation has been compiled on the selected
	// machine.
	err = m.Compiles.Do(task.Invocation.Index, func() error {
		return m.RetryCall(ctx, "Worker.Compile", task.Invocation, nil)
	})
	switch {
	case err == nil:
	case errors.Is(errors.Net, err), errors.IsTemporary(err):
		// The compilation is attempted anew when the task is
		// resubmitted, possibly on the same machine.
		m.Compiles.Forget(task.Invocation.Index)
		task.Status.Printf("task lost while compiling invocation: %v", err)
		task.Set(TaskLost)
		return
	default:
		task.Errorf("failed to compile invocation on machine %s: %v", m.Addr, err)
		return
	}

	task.Status.Print(m.Addr)
	task.Set(TaskRunning)
	var reply taskRunReply
	err = m.RetryCall(ctx, "Worker.Run", taskRunRequest{Invocation: task.Invocation.Index, Task: task.Name}, &reply)
	switch {
	case err == nil:
		b.setLocation(task, m)
		b.sess.stats.Int(stats.Tiles).Add(1)
		b.sess.stats.Int(stats.Bytes).Add(reply.Bytes)
		task.Set(TaskOk)
		m.Assign(task)
	case errors.Match(fatalErr, err):
		// Fatal errors aren't retryable.
		task.Error(err)
	default:
		// Everything else we consider as the task being lost. It'll get
		// resubmitted by the evaluator.
		task.Status.Printf("lost task during evaluation: %v", err)
		task.Set(TaskLost)
	}
}

func (b *bigmachineExecutor) Result(ctx context.Context, task *Task) (raster.Block, error) {
	m := b.location(task)
	if m == nil {
		return raster.Block{}, errors.E(errors.NotExist, fmt.Sprintf("task %s", task.Name))
	}
	var chunk raster.Block
	if err := m.RetryCall(ctx, "Worker.Read", task.Name, &chunk); err != nil {
		return raster.Block{}, err
	}
	return chunk, nil
}

func (b *bigmachineExecutor) Discard(ctx context.Context, task *Task) {
	m := b.location(task)
	if m == nil {
		return
	}
	if err := m.Call(ctx, "Worker.Discard", task.Name, nil); err != nil {
		log.Error.Printf("discard %s on %s: %v", task.Name, m.Addr, err)
	}
	b.mu.Lock()
	delete(b.locations, task)
	b.mu.Unlock()
}

// Location returns the machine on which the results of the provided
// task resides.
func (b *bigmachineExecutor) location(task *Task) *tileMachine {
	b.mu.Lock()
	m := b.locations[task]
	b.mu.Unlock()
	return m
}

func (b *bigmachineExecutor) setLocation(task *Task, m *tileMachine) {
	b.mu.Lock()
	b.locations[task] = m
	b.mu.Unlock()
}

// A worker is the bigmachine service that computes chunks and
// serves them to the driver. Chunks are stored on the worker's
// local disk until they are read and discarded.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b     *bigmachine.B
	store Store

	mu       sync.Mutex
	compiles once.Map
	tasks    map[uint64]map[TaskName]*Task
	stats    *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.tasks = make(map[uint64]map[TaskName]*Task)
	w.b = b
	dir, err := os.MkdirTemp("", "tileslice")
	if err != nil {
		return err
	}
	w.store = &fileStore{Prefix: dir + "/"}
	w.stats = stats.NewMap()
	return nil
}

// Compile rebuilds the invocation's array from its spec and compiles
// it into tasks. Each invocation is compiled at most once.
func (w *worker) Compile(ctx context.Context, inv Invocation, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("invocation panic! %v", e)
			err = errors.E(errors.Fatal, err)
		}
	}()
	return w.compiles.Do(inv.Index, func() error {
		a, err := tileslice.Build(inv.Spec)
		if err != nil {
			return errors.E(errors.Fatal, err)
		}
		named := make(map[TaskName]*Task)
		for _, task := range compile(inv, a) {
			named[task.Name] = task
		}
		w.mu.Lock()
		w.tasks[inv.Index] = named
		w.mu.Unlock()
		return nil
	})
}

type taskRunRequest struct {
	// Invocation is the invocation from which the task was compiled.
	Invocation uint64
	// Task is the name of the task to be run.
	Task TaskName
}

type taskRunReply struct {
	// Bytes is the size of the computed chunk's samples.
	Bytes int64
}

// Run runs an individual task, storing its chunk in the worker's
// store. Computation errors are fatal: retrying a chunk on another
// worker produces the same error.
func (w *worker) Run(ctx context.Context, req taskRunRequest, reply *taskRunReply) (err error) {
	w.mu.Lock()
	named := w.tasks[req.Invocation]
	w.mu.Unlock()
	if named == nil {
		return errors.E(errors.Fatal, fmt.Errorf("invocation %x not compiled", req.Invocation))
	}
	task := named[req.Task]
	if task == nil {
		return errors.E(errors.Fatal, fmt.Errorf("task %s not found", req.Task))
	}

	task.Lock()
	if task.state != TaskInit {
		for task.state <= TaskRunning {
			log.Printf("runtask: %s already running. Waiting for it to finish.", task.Name)
			err = task.Wait(ctx)
			if err != nil {
				break
			}
		}
		task.Unlock()
		if e := task.Err(); e != nil {
			err = e
		}
		return err
	}
	task.state = TaskRunning
	task.Unlock()
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while computing chunk: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
		if err != nil {
			log.Printf("task %s error: %v", req.Task, err)
			task.Error(errors.Recover(err))
		} else {
			task.Set(TaskOk)
		}
	}()

	chunk, err := task.Do(ctx)
	if err != nil {
		return errors.E(errors.Fatal, err)
	}
	if err := w.store.Put(ctx, task.Name, chunk); err != nil {
		return err
	}
	w.stats.Int(stats.Tiles).Add(1)
	w.stats.Int(stats.Bytes).Add(int64(len(chunk.Pix)))
	reply.Bytes = int64(len(chunk.Pix))
	return nil
}

// Read returns the chunk computed by the named task.
func (w *worker) Read(ctx context.Context, name TaskName, chunk *raster.Block) (err error) {
	*chunk, err = w.store.Get(ctx, name)
	return
}

// Discard removes the chunk computed by the named task.
func (w *worker) Discard(ctx context.Context, name TaskName, _ *struct{}) error {
	return w.store.Discard(ctx, name)
}

// Stats returns the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Snapshot()
	return nil
}
