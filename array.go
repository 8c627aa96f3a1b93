// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tileslice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/transform"
)

// ChunkShape is the size of the chunks into which an array is
// partitioned for evaluation.
type ChunkShape struct {
	Width, Height int
}

// DefaultChunk is the chunk shape used when none is provided.
var DefaultChunk = ChunkShape{Width: 128, Height: 128}

// String returns the shape formatted as "wxh".
func (c ChunkShape) String() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// An Array is a lazily evaluated raster, partitioned into chunks.
// Arrays are immutable; operations on arrays return new arrays.
type Array interface {
	// Op is a descriptive name of the operation that produces the array.
	Op() string
	// Meta describes the array's shape. Meta.BlockWidth and
	// Meta.BlockHeight give its chunk shape.
	Meta() raster.Meta
	// NumDep returns the number of arrays this array depends on.
	NumDep() int
	// Dep returns the i'th dependency.
	Dep(i int) Array
	// Chunk computes the window w of the array, given the same window
	// of each of its dependencies.
	Chunk(ctx context.Context, w raster.Window, deps []raster.Block) (raster.Block, error)
	// Spec returns a serializable description of the array, from which
	// an equivalent array can be built by Build.
	Spec() Spec
}

// Chunks returns the chunk windows of array a in row-major order.
func Chunks(a Array) []raster.Window {
	return a.Meta().Blocks()
}

// Name returns a name describing the chain of operations producing a,
// e.g., "open_map(reverse)".
func Name(a Array) string {
	var ops []string
	for {
		ops = append(ops, a.Op())
		if a.NumDep() == 0 {
			break
		}
		a = a.Dep(0)
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return strings.Join(ops, "_")
}

// Compute evaluates window w of array a and all of its dependencies
// in the calling goroutine.
func Compute(ctx context.Context, a Array, w raster.Window) (raster.Block, error) {
	deps := make([]raster.Block, a.NumDep())
	for i := range deps {
		var err error
		deps[i], err = Compute(ctx, a.Dep(i), w)
		if err != nil {
			return raster.Block{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return raster.Block{}, err
	}
	return a.Chunk(ctx, w, deps)
}

type openArray struct {
	path string
	meta raster.Meta

	mu  sync.Mutex
	ds  *raster.Dataset
	err error
}

// Open returns an array backed by the raster at path, partitioned into
// chunks of the provided shape. If the shape is zero, the raster's
// native block layout is used. Open decodes only the raster's
// metadata; its samples are decoded when the first chunk is computed.
func Open(ctx context.Context, path string, chunk ChunkShape) (Array, error) {
	meta, err := raster.OpenMeta(ctx, path)
	if err != nil {
		return nil, err
	}
	if chunk.Width > 0 && chunk.Height > 0 {
		meta.BlockWidth, meta.BlockHeight = chunk.Width, chunk.Height
	}
	return &openArray{path: path, meta: meta}, nil
}

func (*openArray) Op() string          { return "open" }
func (a *openArray) Meta() raster.Meta { return a.meta }
func (*openArray) NumDep() int         { return 0 }
func (*openArray) Dep(i int) Array     { panic("no deps") }

func (a *openArray) Spec() Spec {
	return Spec{Op: "open", Path: a.path, Meta: a.meta}
}

// dataset opens the array's raster on first use. Failures caused by
// the caller's context, or marked temporary, are not remembered, so
// that later chunks may open the raster anew.
func (a *openArray) dataset(ctx context.Context) (*raster.Dataset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ds != nil || a.err != nil {
		return a.ds, a.err
	}
	log.Debug.Printf("tileslice: opening %s", a.path)
	ds, err := raster.Open(ctx, a.path)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(errors.Canceled, err) &&
			!errors.Is(errors.Timeout, err) && !errors.IsTemporary(err) {
			a.err = err
		}
		return nil, err
	}
	m := ds.Meta()
	if m.Width != a.meta.Width || m.Height != a.meta.Height || m.Bands != a.meta.Bands || m.Type != a.meta.Type {
		a.err = errors.E(errors.Integrity,
			fmt.Sprintf("raster %s changed: have %dx%dx%d %v, want %dx%dx%d %v", a.path,
				m.Width, m.Height, m.Bands, m.Type,
				a.meta.Width, a.meta.Height, a.meta.Bands, a.meta.Type))
		return nil, a.err
	}
	a.ds = ds
	return ds, nil
}

func (a *openArray) Chunk(ctx context.Context, w raster.Window, _ []raster.Block) (raster.Block, error) {
	ds, err := a.dataset(ctx)
	if err != nil {
		return raster.Block{}, err
	}
	return ds.Read(w)
}

type mapArray struct {
	dep  Array
	name string
	fn   transform.Func
	meta raster.Meta
}

// Map returns an array whose chunks are the chunks of a transformed by
// the transform registered under name. The resulting array has the
// same shape as a; attributes are not propagated. Map panics if the
// transform is not registered.
func Map(a Array, name string) Array {
	fn, err := transform.Lookup(name)
	if err != nil {
		log.Panicf("tileslice.Map: %v", err)
	}
	meta := a.Meta()
	meta.Attrs = nil
	meta.Driver = ""
	return &mapArray{dep: a, name: name, fn: fn, meta: meta}
}

func (m *mapArray) Op() string        { return fmt.Sprintf("map(%s)", m.name) }
func (m *mapArray) Meta() raster.Meta { return m.meta }
func (*mapArray) NumDep() int         { return 1 }
func (m *mapArray) Dep(i int) Array   { return m.dep }

func (m *mapArray) Spec() Spec {
	return Spec{Op: "map", Transform: m.name, Deps: []Spec{m.dep.Spec()}}
}

func (m *mapArray) Chunk(ctx context.Context, w raster.Window, deps []raster.Block) (raster.Block, error) {
	out, err := m.fn(deps[0])
	if err != nil {
		return raster.Block{}, err
	}
	if out.Window != w || out.Bands != m.meta.Bands || out.Type != m.meta.Type {
		return raster.Block{}, errors.E(errors.Invalid,
			fmt.Sprintf("transform %s changed the shape of chunk %s", m.name, w))
	}
	return out, nil
}

type convertArray struct {
	dep  Array
	meta raster.Meta
}

// Convert returns an array with the samples of a converted to type
// typ.
func Convert(a Array, typ raster.DataType) Array {
	meta := a.Meta()
	if meta.Type == typ {
		return a
	}
	meta.Type = typ
	meta.Attrs = nil
	meta.Driver = ""
	return &convertArray{dep: a, meta: meta}
}

func (c *convertArray) Op() string        { return fmt.Sprintf("convert(%s)", c.meta.Type) }
func (c *convertArray) Meta() raster.Meta { return c.meta }
func (*convertArray) NumDep() int         { return 1 }
func (c *convertArray) Dep(i int) Array   { return c.dep }

func (c *convertArray) Spec() Spec {
	return Spec{Op: "convert", Type: c.meta.Type, Deps: []Spec{c.dep.Spec()}}
}

func (c *convertArray) Chunk(ctx context.Context, w raster.Window, deps []raster.Block) (raster.Block, error) {
	return deps[0].Convert(c.meta.Type), nil
}

// A Spec is a gob-encodable description of an array. Specs are used to
// reconstruct arrays on cluster workers.
type Spec struct {
	// Op is one of "open", "map", or "convert".
	Op string
	// Path and Meta describe the source raster of an "open" array.
	Path string
	Meta raster.Meta
	// Transform names the transform of a "map" array.
	Transform string
	// Type is the target type of a "convert" array.
	Type raster.DataType
	// Deps are the specs of the array's dependencies.
	Deps []Spec
}

// Build returns the array described by spec s. Source rasters are not
// opened until chunks are computed.
func Build(s Spec) (Array, error) {
	deps := make([]Array, len(s.Deps))
	for i := range s.Deps {
		var err error
		if deps[i], err = Build(s.Deps[i]); err != nil {
			return nil, err
		}
	}
	switch s.Op {
	case "open":
		if err := s.Meta.Validate(); err != nil {
			return nil, err
		}
		return &openArray{path: s.Path, meta: s.Meta}, nil
	case "map":
		if len(deps) != 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("map: expected 1 dependency, got %d", len(deps)))
		}
		if _, err := transform.Lookup(s.Transform); err != nil {
			return nil, err
		}
		return Map(deps[0], s.Transform), nil
	case "convert":
		if len(deps) != 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("convert: expected 1 dependency, got %d", len(deps)))
		}
		if s.Type.Size() == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("convert: invalid data type %v", s.Type))
		}
		return Convert(deps[0], s.Type), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown array op %q", s.Op))
}
