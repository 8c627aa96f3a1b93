// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transform provides a registry of named per-pixel block
// transforms. Transforms are referred to by name so that they can be
// resolved identically by every process taking part in a
// computation: all processes run the same binary, and thus register
// the same transforms during package initialization.
package transform

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tileslice/raster"
)

// A Func transforms a block of samples. The returned block must have
// the same window, band count, and data type as the input. Funcs must
// be safe to call concurrently.
type Func func(in raster.Block) (raster.Block, error)

// DefaultWork is the number of floating point operations spent per
// sample by the "reverse" transform.
const DefaultWork = 2000

var (
	mu    sync.Mutex
	funcs = map[string]Func{}
)

func init() {
	Register("reverse", ReverseBands(DefaultWork))
	Register("reverse-fast", ReverseBands(0))
	Register("identity", Identity)
}

// Register registers fn under the provided name. Register panics if
// the name is already taken.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("transform %s already registered", name))
	}
	funcs[name] = fn
}

// Lookup returns the transform registered under name.
func Lookup(name string) (Func, error) {
	mu.Lock()
	fn := funcs[name]
	mu.Unlock()
	if fn == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transform %q is not registered", name))
	}
	return fn, nil
}

// Names returns the names of all registered transforms, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns a copy of its input.
func Identity(in raster.Block) (raster.Block, error) {
	if err := in.Check(); err != nil {
		return raster.Block{}, err
	}
	return in.Convert(in.Type), nil
}

// ReverseBands returns a transform that reverses the band order of
// its input: band i of the output is band n-1-i of the input. Each
// sample is passed through work floating point additions and a
// compensating subtraction, making the transform CPU bound without
// changing its result.
func ReverseBands(work int) Func {
	return func(in raster.Block) (raster.Block, error) {
		if err := in.Check(); err != nil {
			return raster.Block{}, err
		}
		out := raster.NewBlock(in.Window, in.Bands, in.Type)
		for band := 0; band < in.Bands; band++ {
			var (
				src = in.Band(band)
				dst = out.Band(in.Bands - 1 - band)
			)
			switch in.Type {
			case raster.Uint8:
				for i, v := range src {
					dst[i] = uint8(spin(float64(v), work))
				}
			case raster.Uint16:
				for i := 0; i+1 < len(src); i += 2 {
					v := binary.BigEndian.Uint16(src[i:])
					binary.BigEndian.PutUint16(dst[i:], uint16(spin(float64(v), work)))
				}
			}
		}
		return out, nil
	}
}

func spin(v float64, work int) float64 {
	for i := 0; i < work; i++ {
		v += 1.0
	}
	return v - float64(work)
}
