// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bench runs raster processing benchmarks. A benchmark plan
// lists experiments, each of which applies the same transform to the
// same source raster using a different execution strategy, and
// writes the result to the same output path. Experiments run one
// after another; the resulting report compares their wall-clock
// times and verifies that every strategy produced identical pixels.
//
// Plans are written in HCL:
//
//	input     = "s3://bucket/scene.tif"
//	output    = "/tmp/out.tif"
//	transform = "reverse"
//
//	experiment "threads" {
//	  strategy = "threadpool"
//	  workers  = ncpu
//	}
//
//	experiment "cluster" {
//	  strategy = "cluster"
//	  workers  = 4
//	  threads  = ncpu
//	}
//
// The variable ncpu evaluates to the number of processors available
// to the driver.
package bench

import (
	"context"
	"fmt"
	"io/ioutil"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/transform"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Execution strategies.
const (
	// Reference processes the whole raster in a single pass on the
	// calling goroutine.
	Reference = "reference"
	// ThreadPool processes blocks on a pool of goroutines.
	ThreadPool = "threadpool"
	// External runs the thread pool in a separate process.
	External = "external"
	// Deferred materializes a lazy array with the in-process executor.
	Deferred = "deferred"
	// Cluster materializes a lazy array on a bigmachine cluster.
	Cluster = "cluster"
)

// Strategies lists the supported strategies.
var Strategies = []string{Reference, ThreadPool, External, Deferred, Cluster}

// DefaultChunk is the tile size used by experiments that do not
// specify one.
const DefaultChunk = 128

// DefaultCommand is the external thread pool command.
const DefaultCommand = "tilepool"

// An Experiment is a single timed run of a strategy.
type Experiment struct {
	// Name identifies the experiment in reports.
	Name string `hcl:"name,label"`
	// Strategy is the execution strategy.
	Strategy string `hcl:"strategy"`
	// Workers is the number of pool goroutines (threadpool, external),
	// the parallelism (deferred), or the number of machines (cluster).
	// Zero selects a default.
	Workers int `hcl:"workers,optional"`
	// Threads is the number of chunks computed concurrently on each
	// cluster machine.
	Threads int `hcl:"threads,optional"`
	// Chunk is the width and height of the tiles.
	Chunk int `hcl:"chunk,optional"`
	// DataType is the output data type. The source's type is used
	// when it is empty.
	DataType string `hcl:"dtype,optional"`
	// Command is the binary run by external experiments.
	Command string `hcl:"command,optional"`
}

// String describes the experiment's strategy and shape.
func (e Experiment) String() string {
	switch e.Strategy {
	case Cluster:
		return fmt.Sprintf("%s %dx%d", e.Strategy, e.Workers, e.Threads)
	case Reference:
		return e.Strategy
	}
	return fmt.Sprintf("%s %d", e.Strategy, e.Workers)
}

// A Plan is a sequence of experiments over a single source raster.
type Plan struct {
	// Input is the source raster.
	Input string `hcl:"input"`
	// Output is the path to which every experiment writes its result.
	Output string `hcl:"output"`
	// Transform is the name of the registered transform applied to
	// each tile; it defaults to "reverse".
	Transform string `hcl:"transform,optional"`
	// Experiments are run in order.
	Experiments []Experiment `hcl:"experiment,block"`
}

// DefaultPlan returns the standard comparison: a reference run, a
// single-threaded and a parallel thread pool, the external pool,
// deferred evaluation, and clusters of one single-threaded machine
// and of machines running ncpu threads each.
func DefaultPlan(input, output string) *Plan {
	ncpu := runtime.NumCPU()
	plan := &Plan{
		Input:     input,
		Output:    output,
		Transform: "reverse",
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference},
			{Name: "single", Strategy: ThreadPool, Workers: 1},
			{Name: "threadpool", Strategy: ThreadPool, Workers: ncpu},
			{Name: "external", Strategy: External, Workers: ncpu},
			{Name: "deferred", Strategy: Deferred, Workers: ncpu},
			{Name: "cluster-1x1", Strategy: Cluster, Workers: 1, Threads: 1},
			{Name: "cluster", Strategy: Cluster, Workers: 2, Threads: ncpu},
		},
	}
	plan.setDefaults()
	return plan
}

// Scale sets the workers of the plan's parallel thread pool and
// deferred experiments to parallelism, and the shape of its
// multi-machine cluster experiments to machines x procs. Zero values
// leave the corresponding experiments unchanged. Single-worker
// experiments are never scaled.
func (p *Plan) Scale(parallelism, machines, procs int) {
	for i := range p.Experiments {
		e := &p.Experiments[i]
		switch e.Strategy {
		case ThreadPool, External, Deferred:
			if parallelism > 0 && e.Workers > 1 {
				e.Workers = parallelism
			}
		case Cluster:
			if e.Workers*e.Threads <= 1 {
				continue
			}
			if machines > 0 {
				e.Workers = machines
			}
			if procs > 0 {
				e.Threads = procs
			}
		}
	}
}

// LoadPlan reads and validates the HCL plan at path. The path may
// name any file supported by github.com/grailbio/base/file.
func LoadPlan(ctx context.Context, path string) (*Plan, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	src, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("read plan %s", path), err)
	}
	return ParsePlan(path, src)
}

// ParsePlan parses and validates an HCL plan. The filename is used
// in diagnostics.
func ParsePlan(filename string, src []byte) (*Plan, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("parse plan %s: %s", filename, diags.Error()))
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"ncpu": cty.NumberIntVal(int64(runtime.NumCPU())),
		},
	}
	plan := new(Plan)
	if diags := gohcl.DecodeBody(f.Body, evalCtx, plan); diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decode plan %s: %s", filename, diags.Error()))
	}
	plan.setDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Plan) setDefaults() {
	if p.Transform == "" {
		p.Transform = "reverse"
	}
	for i := range p.Experiments {
		e := &p.Experiments[i]
		if e.Chunk == 0 {
			e.Chunk = DefaultChunk
		}
		switch e.Strategy {
		case Reference:
			e.Workers = 1
		case ThreadPool, External, Deferred:
			if e.Workers == 0 {
				e.Workers = runtime.NumCPU()
			}
		case Cluster:
			if e.Workers == 0 {
				e.Workers = 1
			}
			if e.Threads == 0 {
				e.Threads = 1
			}
		}
		if e.Strategy == External && e.Command == "" {
			e.Command = DefaultCommand
		}
	}
}

// Validate returns an errors.Invalid error if the plan cannot be run.
func (p *Plan) Validate() error {
	if p.Input == "" || p.Output == "" {
		return errors.E(errors.Invalid, "plan: input and output are required")
	}
	if p.Input == p.Output {
		return errors.E(errors.Invalid, fmt.Sprintf("plan: output %s overwrites the input", p.Output))
	}
	for _, path := range []string{p.Input, p.Output} {
		if _, err := raster.DriverFor(path); err != nil {
			return err
		}
	}
	if _, err := transform.Lookup(p.Transform); err != nil {
		return errors.E(errors.Invalid, err)
	}
	if len(p.Experiments) == 0 {
		return errors.E(errors.Invalid, "plan: no experiments")
	}
	names := make(map[string]bool)
	for _, e := range p.Experiments {
		if names[e.Name] {
			return errors.E(errors.Invalid, fmt.Sprintf("plan: duplicate experiment %q", e.Name))
		}
		names[e.Name] = true
		if !validStrategy(e.Strategy) {
			return errors.E(errors.Invalid, fmt.Sprintf("experiment %s: unknown strategy %q", e.Name, e.Strategy))
		}
		if e.Workers < 0 || e.Threads < 0 || e.Chunk <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("experiment %s: invalid shape", e.Name))
		}
		if e.DataType != "" {
			if _, err := raster.ParseDataType(e.DataType); err != nil {
				return errors.E(fmt.Sprintf("experiment %s", e.Name), err)
			}
		}
	}
	return nil
}

func validStrategy(s string) bool {
	for _, t := range Strategies {
		if s == t {
			return true
		}
	}
	return false
}
