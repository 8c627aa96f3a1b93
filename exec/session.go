// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tileslice"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
)

// Session represents a tileslice compute session. A session shares a
// binary and executor, and is valid for the run of the binary. A
// session can materialize multiple arrays, one after another or
// concurrently.
//
// A session is started by the Start function. Some executors may
// launch multiple copies of the binary: these additional binaries
// are called workers, and in these Start does not return.
//
//	func main() {
//		sess := exec.Start(exec.Bigmachine(ec2system.System{}))
//		defer sess.Shutdown()
//		a, err := tileslice.Open(ctx, "s3://bucket/in.tif", tileslice.DefaultChunk)
//		...
//		if _, err := sess.Materialize(ctx, tileslice.Map(a, "reverse"), "s3://bucket/out.tif"); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	context.Context
	index    uint64
	shutdown func()
	p        int
	machines int
	procs    int
	executor Executor
	status   *status.Status
	stats    *stats.Map

	shutdownOnce sync.Once
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. The session owns the
// bigmachine instance, and shuts it down on Shutdown.
func Bigmachine(system bigmachine.System) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system)
	}
}

// Cluster configures a session using the bigmachine executor on an
// already-started bigmachine instance. The session starts its own
// machines on b, and stops them on Shutdown; b itself remains
// running. This permits a single binary to run several cluster
// sessions, since worker processes cannot return from
// bigmachine.Start.
func Cluster(b *bigmachine.B) Option {
	return func(s *Session) {
		s.executor = newClusterExecutor(b)
	}
}

// Parallelism configures the session with the provided target
// parallelism: the number of chunks computed concurrently.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Machines configures the number of machines started by a bigmachine
// session. By default, enough machines are started to satisfy the
// session's parallelism.
func Machines(n int) Option {
	if n <= 0 {
		panic("exec.Machines: n <= 0")
	}
	return func(s *Session) {
		s.machines = n
	}
}

// Procs configures the number of chunks computed concurrently by each
// machine of a bigmachine session. By default, each machine runs as
// many chunks as it has processors.
func Procs(n int) Option {
	if n <= 0 {
		panic("exec.Procs: n <= 0")
	}
	return func(s *Session) {
		s.procs = n
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// is configured to use the local executor. If no parallelism is
// configured, the session uses runtime.GOMAXPROCS(0).
func Start(options ...Option) *Session {
	s := &Session{
		Context: backgroundcontext.Get(),
		stats:   stats.NewMap(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = runtime.GOMAXPROCS(0)
		if s.machines > 0 && s.procs > 0 {
			s.p = s.machines * s.procs
		}
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.shutdown = s.executor.Start(s)
	return s
}

// A Result describes a materialized array.
type Result struct {
	// Path is the path of the output raster.
	Path string
	// Meta is the output raster's metadata.
	Meta raster.Meta
	// Tasks is the number of tasks that were run.
	Tasks int
	// Duration is the wall time taken by the materialization,
	// including writing the output raster.
	Duration time.Duration
	// Stats holds the session counters accumulated during the
	// materialization.
	Stats stats.Values
}

// Materialize computes every chunk of array a and writes the result
// to a raster at path. The output raster's format is given by the
// path's extension; it has the array's shape and chunk layout.
// Materialize returns when the output has been written, or else on
// error, in which case no output is written.
func (s *Session) Materialize(ctx context.Context, a tileslice.Array, path string) (*Result, error) {
	start := time.Now()
	before := s.stats.Snapshot()
	inv := Invocation{
		Index: atomic.AddUint64(&s.index, 1),
		Spec:  a.Spec(),
	}
	tasks := compile(inv, a)
	meta := a.Meta()
	dst, err := raster.Create(ctx, path, meta)
	if err != nil {
		return nil, err
	}
	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("materialize %s [%d] tasks", path, inv.Index)
	}
	log.Debug.Printf("materialize %s: %d tasks on %s", path, len(tasks), s.executor.Name())
	err = Eval(ctx, s.executor, tasks, group, func(task *Task) error {
		chunk, err := s.executor.Result(ctx, task)
		if err != nil {
			return err
		}
		s.executor.Discard(ctx, task)
		if chunk.Window != task.Window {
			return errors.E(errors.Integrity,
				fmt.Sprintf("task %s: got chunk %s, want %s", task.Name, chunk.Window, task.Window))
		}
		return dst.Write(chunk)
	})
	if err != nil {
		for _, task := range tasks {
			if task.State() == TaskOk {
				s.executor.Discard(ctx, task)
			}
		}
		dst.Discard()
		return nil, err
	}
	if err := dst.Close(ctx); err != nil {
		return nil, err
	}
	vals := s.stats.Snapshot()
	for k, v := range before {
		vals[k] -= v
	}
	return &Result{
		Path:     path,
		Meta:     dst.Meta(),
		Tasks:    len(tasks),
		Duration: time.Since(start),
		Stats:    vals,
	}, nil
}

// Parallelism returns the desired amount of evaluation parallelism.
func (s *Session) Parallelism() int {
	return s.p
}

// Executor returns the name of the session's executor.
func (s *Session) Executor() string {
	return s.executor.Name()
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() stats.Values {
	return s.stats.Snapshot()
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.shutdown != nil {
			s.shutdown()
		}
	})
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}
