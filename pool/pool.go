// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool processes a raster block-by-block on a fixed-size
// pool of goroutines. It is the baseline against which the task
// graph executors in package exec are measured.
//
// The source is read on the calling goroutine in destination block
// order, the transform is applied concurrently by the pool, and
// results are written to the destination in the same order as they
// were read.
package pool

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
	"github.com/grailbio/tileslice/transform"
	"golang.org/x/sync/errgroup"
)

// Options configures a pool run.
type Options struct {
	// Workers is the number of goroutines applying the transform.
	// Values <= 0 select runtime.NumCPU().
	Workers int
	// Stats, if non-nil, receives tile and byte counters.
	Stats *stats.Map
}

type job struct {
	window raster.Window
	in     raster.Block
	outc   chan raster.Block
}

// Run reads src window-by-window, applies fn to each window on a pool
// of goroutines, and writes the results to dst. The windows are the
// destination's blocks; the source and destination must have the same
// dimensions and band count. Samples are converted to the
// destination's data type. Run returns the first error encountered;
// remaining work is then abandoned.
func Run(ctx context.Context, src, dst *raster.Dataset, fn transform.Func, opts Options) error {
	smeta, dmeta := src.Meta(), dst.Meta()
	if smeta.Width != dmeta.Width || smeta.Height != dmeta.Height || smeta.Bands != dmeta.Bands {
		return errors.E(errors.Invalid,
			fmt.Sprintf("pool: source %dx%dx%d does not match destination %dx%dx%d",
				smeta.Width, smeta.Height, smeta.Bands, dmeta.Width, dmeta.Height, dmeta.Bands))
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	var (
		windows = dmeta.Blocks()
		tiles   = opts.Stats.Int(stats.Tiles)
		nbytes  = opts.Stats.Int(stats.Bytes)
	)
	log.Debug.Printf("pool: processing %d windows of %s with %d workers", len(windows), src.Path(), workers)

	g, ctx := errgroup.WithContext(ctx)
	var (
		jobc     = make(chan job, workers)
		pendingc = make(chan job, 2*workers)
	)
	// The reader feeds jobs to the workers and, in the same order, to
	// the writer.
	g.Go(func() error {
		defer close(jobc)
		defer close(pendingc)
		for _, w := range windows {
			in, err := src.Read(w)
			if err != nil {
				return err
			}
			nbytes.Add(int64(len(in.Pix)))
			j := job{window: w, in: in, outc: make(chan raster.Block, 1)}
			select {
			case pendingc <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobc <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := range jobc {
				out, err := apply(fn, j.in)
				if err != nil {
					return errors.E(fmt.Sprintf("window %s", j.window), err)
				}
				j.outc <- out
			}
			return nil
		})
	}
	g.Go(func() error {
		for j := range pendingc {
			var out raster.Block
			select {
			case out = <-j.outc:
			case <-ctx.Done():
				return ctx.Err()
			}
			if out.Type != dmeta.Type {
				out = out.Convert(dmeta.Type)
			}
			if err := dst.Write(out); err != nil {
				return err
			}
			tiles.Add(1)
		}
		return nil
	})
	return g.Wait()
}

// apply invokes fn, converting panics into errors.
func apply(fn transform.Func, in raster.Block) (out raster.Block, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic in transform: %v", e))
		}
	}()
	out, err = fn(in)
	if err == nil && (out.Window != in.Window || out.Bands != in.Bands) {
		err = errors.E(errors.Invalid, "transform changed block shape")
	}
	return
}
