// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bench

import (
	"context"
	"fmt"
	"io"
	osexec "os/exec"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tileslice"
	"github.com/grailbio/tileslice/exec"
	"github.com/grailbio/tileslice/pool"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
	"github.com/grailbio/tileslice/transform"
)

// A Runner runs benchmark plans.
type Runner struct {
	// B is the bigmachine instance on which cluster experiments start
	// their machines. Cluster experiments fail when it is nil.
	B *bigmachine.B
	// Status, if non-nil, receives experiment and session status.
	Status *status.Status
	// Output, if non-nil, receives the output of external commands.
	Output io.Writer
	// Start starts the sessions of deferred and cluster experiments.
	// The experiment's own options follow those given by Start, and so
	// override them. If nil, exec.Start is used.
	Start func(options ...exec.Option) *exec.Session
}

// Run runs the experiments of plan in order and returns their
// results. Each experiment first removes the previous output. Run
// stops at the first failing experiment; the returned report then
// holds the results of the experiments that completed. Unset
// experiment parameters in plan are filled with their defaults.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*Report, error) {
	plan.setDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	var group *status.Group
	if r.Status != nil {
		group = r.Status.Groupf("bench %s", plan.Input)
	}
	report := &Report{Input: plan.Input, Transform: plan.Transform}
	for _, e := range plan.Experiments {
		task := group.Start(e.Name)
		task.Print(e.String())
		res, err := r.run(ctx, plan, e)
		if err != nil {
			task.Printf("failed: %v", err)
			task.Done()
			return report, errors.E(fmt.Sprintf("experiment %s", e.Name), err)
		}
		task.Printf("%s in %s", e, res.Duration)
		task.Done()
		log.Printf("experiment %s (%s): %s", e.Name, e, res.Duration)
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

func (r *Runner) run(ctx context.Context, plan *Plan, e Experiment) (*Result, error) {
	if err := file.Remove(ctx, plan.Output); err != nil && !errors.Is(errors.NotExist, err) {
		log.Debug.Printf("remove %s: %v", plan.Output, err)
	}
	var (
		start = time.Now()
		vals  stats.Values
		err   error
	)
	switch e.Strategy {
	case Reference:
		vals, err = runReference(ctx, plan, e)
	case ThreadPool:
		vals, err = runPool(ctx, plan, e)
	case External:
		err = r.runExternal(ctx, plan, e)
	case Deferred:
		vals, err = r.runSession(ctx, plan, e, exec.Local, exec.Parallelism(e.Workers))
	case Cluster:
		if r.B == nil {
			return nil, errors.E(errors.Invalid, "cluster experiments require a bigmachine system")
		}
		vals, err = r.runSession(ctx, plan, e, exec.Cluster(r.B),
			exec.Machines(e.Workers), exec.Procs(e.Threads), exec.Parallelism(e.Workers*e.Threads))
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("unknown strategy %q", e.Strategy))
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	info, err := raster.Stat(ctx, plan.Output)
	if err != nil {
		return nil, err
	}
	return &Result{Experiment: e, Duration: elapsed, Info: info, Stats: vals}, nil
}

// outputMeta returns the metadata of the output raster written by
// experiment e over source meta.
func outputMeta(src raster.Meta, e Experiment) (raster.Meta, error) {
	meta := src
	meta.BlockWidth, meta.BlockHeight = e.Chunk, e.Chunk
	meta.Attrs = nil
	meta.Driver = ""
	if e.DataType != "" {
		typ, err := raster.ParseDataType(e.DataType)
		if err != nil {
			return raster.Meta{}, err
		}
		meta.Type = typ
	}
	return meta, nil
}

// runReference transforms the whole raster as a single block.
func runReference(ctx context.Context, plan *Plan, e Experiment) (stats.Values, error) {
	fn, err := transform.Lookup(plan.Transform)
	if err != nil {
		return nil, err
	}
	src, err := raster.Open(ctx, plan.Input)
	if err != nil {
		return nil, err
	}
	defer src.Close(ctx)
	meta, err := outputMeta(src.Meta(), e)
	if err != nil {
		return nil, err
	}
	in, err := src.Read(src.Meta().Bounds())
	if err != nil {
		return nil, err
	}
	out, err := fn(in)
	if err != nil {
		return nil, err
	}
	dst, err := raster.Create(ctx, plan.Output, meta)
	if err != nil {
		return nil, err
	}
	if err := dst.Write(out.Convert(meta.Type)); err != nil {
		dst.Discard()
		return nil, err
	}
	if err := dst.Close(ctx); err != nil {
		return nil, err
	}
	return stats.Values{stats.Tiles: 1, stats.Bytes: int64(len(in.Pix))}, nil
}

// runPool transforms the raster on an in-process thread pool.
func runPool(ctx context.Context, plan *Plan, e Experiment) (stats.Values, error) {
	fn, err := transform.Lookup(plan.Transform)
	if err != nil {
		return nil, err
	}
	src, err := raster.Open(ctx, plan.Input)
	if err != nil {
		return nil, err
	}
	defer src.Close(ctx)
	meta, err := outputMeta(src.Meta(), e)
	if err != nil {
		return nil, err
	}
	dst, err := raster.Create(ctx, plan.Output, meta)
	if err != nil {
		return nil, err
	}
	m := stats.NewMap()
	if err := pool.Run(ctx, src, dst, fn, pool.Options{Workers: e.Workers, Stats: m}); err != nil {
		dst.Discard()
		return nil, err
	}
	if err := dst.Close(ctx); err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// runExternal runs the thread pool command as a separate process.
func (r *Runner) runExternal(ctx context.Context, plan *Plan, e Experiment) error {
	args := []string{
		"-j", strconv.Itoa(e.Workers),
		"-block", strconv.Itoa(e.Chunk),
		"-transform", plan.Transform,
	}
	if e.DataType != "" {
		args = append(args, "-dtype", e.DataType)
	}
	args = append(args, plan.Input, plan.Output)
	cmd := osexec.CommandContext(ctx, e.Command, args...)
	if r.Output != nil {
		cmd.Stdout = r.Output
		cmd.Stderr = r.Output
	}
	log.Debug.Printf("running %s %v", e.Command, args)
	if err := cmd.Run(); err != nil {
		return errors.E(fmt.Sprintf("%s %v", e.Command, args), err)
	}
	return nil
}

// runSession materializes the transformed source on a new session
// configured by the provided options. The session is shut down
// before runSession returns.
func (r *Runner) runSession(ctx context.Context, plan *Plan, e Experiment, options ...exec.Option) (stats.Values, error) {
	if r.Status != nil {
		options = append(options, exec.Status(r.Status))
	}
	start := r.Start
	if start == nil {
		start = exec.Start
	}
	sess := start(options...)
	defer sess.Shutdown()
	a, err := tileslice.Open(ctx, plan.Input, tileslice.ChunkShape{Width: e.Chunk, Height: e.Chunk})
	if err != nil {
		return nil, err
	}
	a = tileslice.Map(a, plan.Transform)
	if e.DataType != "" {
		typ, err := raster.ParseDataType(e.DataType)
		if err != nil {
			return nil, err
		}
		a = tileslice.Convert(a, typ)
	}
	res, err := sess.Materialize(ctx, a, plan.Output)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("experiment %s: %d tasks on %s", e.Name, res.Tasks, sess.Executor())
	return res.Stats, nil
}
