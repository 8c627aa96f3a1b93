// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
	"github.com/grailbio/tileslice/transform"
)

// Usage is the usage line of the tilepool command.
const Usage = "tilepool [-j N] [-block 128] [-dtype uint8] [-transform reverse] INPUT OUTPUT"

// Main runs the tilepool command with the provided arguments,
// excluding the program name. It transforms the raster INPUT into
// OUTPUT on a pool of goroutines, writing OUTPUT with square blocks.
// Flag errors and usage are reported to stderr.
func Main(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("tilepool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		workers   = fs.Int("j", runtime.NumCPU(), "number of worker goroutines")
		block     = fs.Int("block", 128, "width and height of the output blocks")
		dtype     = fs.String("dtype", "", "output data type (uint8, uint16); defaults to the input's")
		transName = fs.String("transform", "reverse", "name of the transform to apply")
	)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s\n", Usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errors.E(errors.Invalid, err)
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.E(errors.Invalid, fmt.Sprintf("expected 2 arguments, got %d", fs.NArg()))
	}
	if *block <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid block size %d", *block))
	}
	fn, err := transform.Lookup(*transName)
	if err != nil {
		return err
	}
	input, output := fs.Arg(0), fs.Arg(1)
	src, err := raster.Open(ctx, input)
	if err != nil {
		return err
	}
	defer src.Close(ctx)
	meta := src.Meta()
	meta.BlockWidth, meta.BlockHeight = *block, *block
	meta.Attrs = nil
	meta.Driver = ""
	if *dtype != "" {
		if meta.Type, err = raster.ParseDataType(*dtype); err != nil {
			return err
		}
	}
	dst, err := raster.Create(ctx, output, meta)
	if err != nil {
		return err
	}
	start := time.Now()
	m := stats.NewMap()
	if err := Run(ctx, src, dst, fn, Options{Workers: *workers, Stats: m}); err != nil {
		dst.Discard()
		return err
	}
	if err := dst.Close(ctx); err != nil {
		return err
	}
	log.Printf("%s: %s with %d workers in %s (%s)", output, *transName, *workers, time.Since(start), m.Snapshot())
	return nil
}
