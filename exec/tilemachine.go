// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tileslice/stats"
	"golang.org/x/sync/errgroup"
)

// TileMachine manages a single bigmachine.Machine instance.
type tileMachine struct {
	*bigmachine.Machine

	// Compiles ensures that each invocation is compiled exactly once on
	// the machine.
	Compiles once.Map

	// Curprocs is the current number of procs on the machine that have
	// tasks assigned. It is managed by the executor.
	Curprocs int

	Stats  *stats.Map
	Status *status.Task

	// maxprocs is the number of tasks that may run concurrently on the
	// machine.
	maxprocs int

	// index is the machine's index in the executor's priority queue.
	index int

	mu sync.Mutex

	// Lost indicates whether the machine is considered lost as per
	// bigmachine.
	lost bool

	// Tasks is the set of tasks that have been run on this machine.
	// It is used to mark tasks lost when a machine fails.
	tasks []*Task

	disk bigmachine.DiskInfo
	mem  bigmachine.MemInfo
	load bigmachine.LoadInfo
	vals stats.Values
}

func (s *tileMachine) String() string {
	return fmt.Sprintf("%s (%d/%d procs)", s.Addr, s.Curprocs, s.maxprocs)
}

// Assign assigns the provided task to this machine. If the machine
// fails, its assigned tasks are marked LOST.
func (s *tileMachine) Assign(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		task.Set(TaskLost)
	} else {
		s.tasks = append(s.tasks, task)
	}
}

// Go manages a tileMachine: it polls stats at regular intervals and
// marks tasks as lost when a machine fails.
func (s *tileMachine) Go(ctx context.Context) {
	stopped := s.Wait(bigmachine.Stopped)
loop:
	for ctx.Err() == nil {
		tctx, cancel := context.WithTimeout(ctx, statTimeout)
		g, gctx := errgroup.WithContext(tctx)
		var (
			mem  bigmachine.MemInfo
			merr error
			disk bigmachine.DiskInfo
			derr error
			load bigmachine.LoadInfo
			lerr error
			vals stats.Values
			verr error
		)
		g.Go(func() error {
			mem, merr = s.Machine.MemInfo(gctx, false)
			return nil
		})
		g.Go(func() error {
			disk, derr = s.Machine.DiskInfo(gctx)
			return nil
		})
		g.Go(func() error {
			load, lerr = s.Machine.LoadInfo(gctx)
			return nil
		})
		g.Go(func() error {
			verr = s.Machine.Call(gctx, "Worker.Stats", struct{}{}, &vals)
			return nil
		})
		_ = g.Wait()
		cancel()
		for _, err := range []error{merr, derr, lerr, verr} {
			if err != nil {
				log.Debug.Printf("machine %s: stats: %v", s.Addr, err)
			}
		}
		s.mu.Lock()
		if merr == nil {
			s.mem = mem
		}
		if derr == nil {
			s.disk = disk
		}
		if lerr == nil {
			s.load = load
		}
		if verr == nil {
			s.vals = vals
		}
		s.mu.Unlock()
		s.UpdateStatus()
		select {
		case <-time.After(statsPollInterval):
		case <-ctx.Done():
		case <-stopped:
			break loop
		}
	}
	if ctx.Err() != nil {
		return
	}
	// The machine is dead: mark it as such and also mark all of its
	// completed tasks as lost.
	s.mu.Lock()
	s.lost = true
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	log.Error.Printf("lost machine %s: marking its %d tasks as LOST", s.Machine.Addr, len(tasks))
	for _, task := range tasks {
		task.Set(TaskLost)
	}
	s.Status.Print("lost")
	s.Status.Done()
}

// Lost returns whether the machine has stopped.
func (s *tileMachine) Lost() bool {
	s.mu.Lock()
	lost := s.lost
	s.mu.Unlock()
	return lost
}

// UpdateStatus updates the machine's status.
func (s *tileMachine) UpdateStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status.Printf("mem %s/%s disk %s/%s load %.1f/%.1f/%.1f running %d counters %s",
		data.Size(s.mem.System.Used), data.Size(s.mem.System.Total),
		data.Size(s.disk.Usage.Used), data.Size(s.disk.Usage.Total),
		s.load.Averages.Load1, s.load.Averages.Load5, s.load.Averages.Load15,
		s.Stats.Int(stats.Running).Get(), s.vals,
	)
}

// Load returns the machine's load, i.e., the proportion of its
// capacity that is currently in use.
func (s *tileMachine) Load() float64 {
	return float64(s.Curprocs) / float64(s.maxprocs)
}

// MachineQ is a priority queue for tileMachines, prioritized
// by the machine's load, as defined by (*tileMachine).Load().
type machineQ []*tileMachine

func (h machineQ) Len() int           { return len(h) }
func (h machineQ) Less(i, j int) bool { return h[i].Load() < h[j].Load() }
func (h machineQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *machineQ) Push(x interface{}) {
	m := x.(*tileMachine)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *machineQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	x.index = -1
	return x
}

// StartMachines starts n machines on b, each running the provided
// worker, and waits for them to become ready. Each machine is
// assigned at most procs tasks at a time; if procs is zero, the
// machine's own proc count is used. Machines that fail to start are
// not included; startMachines fails only if no machine started.
func startMachines(ctx context.Context, b *bigmachine.B, group *status.Group, n, procs int, worker *worker) ([]*tileMachine, error) {
	machines, err := b.Start(ctx, n, bigmachine.Services{"Worker": worker})
	if err != nil {
		return nil, err
	}
	log.Printf("waiting for %d machines", len(machines))
	var (
		tilemachines = make([]*tileMachine, len(machines))
		errs         = make([]error, len(machines))
	)
	// Failed machines are recorded in errs so that the remaining ones
	// may still be used.
	_ = traverse.Each(len(machines), func(i int) error {
		m := machines[i]
		status := group.Start()
		status.Print("waiting for machine to boot")
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			log.Printf("machine %s failed to start: %v", m.Addr, err)
			status.Printf("failed to start: %v", err)
			status.Done()
			errs[i] = err
			return nil
		}
		status.Title(m.Addr)
		status.Print("running")
		log.Printf("machine %v is ready", m.Addr)
		maxprocs := procs
		if maxprocs <= 0 {
			maxprocs = m.Maxprocs
		}
		tilemachines[i] = &tileMachine{
			Machine:  m,
			Stats:    stats.NewMap(),
			Status:   status,
			maxprocs: maxprocs,
		}
		return nil
	})
	n = 0
	for _, m := range tilemachines {
		if m != nil {
			tilemachines[n] = m
			n++
		}
	}
	if n == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, errors.E(errors.Unavailable, "no machines started", err)
			}
		}
		return nil, errors.E(errors.Unavailable, "no machines started")
	}
	return tilemachines[:n], nil
}
