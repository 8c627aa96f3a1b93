// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
)

// LocalExecutor is an executor that runs tasks in-process in
// separate goroutines, at most sess.Parallelism() at a time. All
// output is buffered in memory.
type localExecutor struct {
	store   *memoryStore
	limiter *limiter.Limiter
	sess    *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		store:   newMemoryStore(),
		limiter: limiter.New(),
	}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	l.limiter.Release(sess.p)
	return
}

func (l *localExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		task.Unlock()
		return
	}
	task.state = TaskWaiting
	task.Broadcast()
	task.Unlock()
	go l.run(task)
}

func (l *localExecutor) run(task *Task) {
	ctx := backgroundcontext.Get()
	if err := l.limiter.Acquire(ctx, 1); err != nil {
		// The only errors we should encounter here are context errors,
		// in which case there is no more work to do.
		if err != context.Canceled && err != context.DeadlineExceeded {
			log.Panicf("exec.Local: unexpected error: %v", err)
		}
		return
	}
	defer l.limiter.Release(1)
	task.Set(TaskRunning)
	b, err := task.Do(ctx)
	if err == nil {
		err = l.store.Put(ctx, task.Name, b)
	}
	if err != nil {
		task.Error(err)
		return
	}
	l.sess.stats.Int(stats.Tiles).Add(1)
	l.sess.stats.Int(stats.Bytes).Add(int64(len(b.Pix)))
	task.Set(TaskOk)
}

func (l *localExecutor) Result(ctx context.Context, task *Task) (raster.Block, error) {
	return l.store.Get(ctx, task.Name)
}

func (l *localExecutor) Discard(ctx context.Context, task *Task) {
	if err := l.store.Discard(ctx, task.Name); err != nil {
		log.Error.Printf("discard %s: %v", task.Name, err)
	}
}
