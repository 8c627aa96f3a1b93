// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// A Dataset is an open raster. Datasets returned by Open are
// read-only; datasets returned by Create are write-only and are
// persisted when closed. Reads, and writes of disjoint windows, may
// be issued concurrently.
type Dataset struct {
	path     string
	meta     Meta
	driver   Driver
	writable bool

	// data holds the raster's samples. The slice header is immutable
	// after construction.
	data Block

	mu     sync.RWMutex
	closed bool
}

// Open opens the raster at the provided path for reading. The path
// may name any file supported by package
// github.com/grailbio/base/file. The driver is chosen by the path's
// extension.
func Open(ctx context.Context, path string) (*Dataset, error) {
	driver, p, err := readRaster(ctx, path)
	if err != nil {
		return nil, err
	}
	meta, data, err := driver.Decode(p)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("open %s", path), err)
	}
	log.Debug.Printf("raster: opened %s: %dx%d, %d bands, %v", path, meta.Width, meta.Height, meta.Bands, meta.Type)
	return &Dataset{path: path, meta: meta, driver: driver, data: data}, nil
}

// OpenMeta returns the metadata of the raster at the provided path
// without decoding its samples.
func OpenMeta(ctx context.Context, path string) (Meta, error) {
	driver, p, err := readRaster(ctx, path)
	if err != nil {
		return Meta{}, err
	}
	meta, err := driver.DecodeMeta(p)
	if err != nil {
		return Meta{}, errors.E(fmt.Sprintf("open %s", path), err)
	}
	return meta, nil
}

func readRaster(ctx context.Context, path string) (Driver, []byte, error) {
	driver, err := DriverFor(path)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.E(fmt.Sprintf("read %s", path), err)
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, errors.E(fmt.Sprintf("read %s", path), err)
	}
	return driver, p, nil
}

// Create creates a new raster at the provided path, described by
// meta. Nothing is written until the dataset is closed; any existing
// file at the path is then overwritten. Rasters of 1 (gray), 3 (color)
// or 4 (color and alpha) bands may be created.
func Create(ctx context.Context, path string, meta Meta) (*Dataset, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	driver, err := DriverFor(path)
	if err != nil {
		return nil, err
	}
	if !encodable(meta.Bands) {
		return nil, errors.E(errors.NotSupported,
			fmt.Sprintf("create %s: cannot encode a %d-band raster", path, meta.Bands))
	}
	meta.Driver = driver.Name()
	return &Dataset{
		path:     path,
		meta:     meta,
		driver:   driver,
		writable: true,
		data:     NewBlock(meta.Bounds(), meta.Bands, meta.Type),
	}, nil
}

// Path returns the dataset's path.
func (d *Dataset) Path() string { return d.path }

// Meta returns the dataset's metadata.
func (d *Dataset) Meta() Meta { return d.meta }

// Read returns a copy of the samples in window w. The window must lie
// within the dataset's bounds.
func (d *Dataset) Read(w Window) (Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Block{}, errors.E(errors.Invalid, fmt.Sprintf("read %s: dataset closed", d.path))
	}
	if d.writable {
		return Block{}, errors.E(errors.NotAllowed, fmt.Sprintf("read %s: dataset is write-only", d.path))
	}
	if w.Empty() || !w.In(d.meta.Bounds()) {
		return Block{}, errors.E(errors.Invalid, fmt.Sprintf("read %s: window %s out of bounds", d.path, w))
	}
	b := NewBlock(w, d.meta.Bands, d.meta.Type)
	copyWindow(b, d.data, w)
	return b, nil
}

// Write stores block b into the dataset. The block must lie within
// the dataset's bounds and match its band count and data type.
func (d *Dataset) Write(b Block) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("write %s: dataset closed", d.path))
	}
	if !d.writable {
		return errors.E(errors.NotAllowed, fmt.Sprintf("write %s: dataset is read-only", d.path))
	}
	if err := b.Check(); err != nil {
		return err
	}
	if b.Empty() || !b.Window.In(d.meta.Bounds()) {
		return errors.E(errors.Invalid, fmt.Sprintf("write %s: window %s out of bounds", d.path, b.Window))
	}
	if b.Bands != d.meta.Bands || b.Type != d.meta.Type {
		return errors.E(errors.Invalid,
			fmt.Sprintf("write %s: block has %d %v bands, dataset has %d %v bands",
				d.path, b.Bands, b.Type, d.meta.Bands, d.meta.Type))
	}
	copyWindow(d.data, b, b.Window)
	return nil
}

// Discard closes the dataset without persisting it.
func (d *Dataset) Discard() {
	d.mu.Lock()
	d.closed = true
	d.data = Block{}
	d.mu.Unlock()
}

// Close closes the dataset. Writable datasets are encoded and
// written to their path.
func (d *Dataset) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	data := d.data
	d.data = Block{}
	if !d.writable {
		return nil
	}
	f, err := file.Create(ctx, d.path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f.Writer(ctx))
	err = d.driver.Encode(w, d.meta, data)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("write %s", d.path), err)
	}
	return f.Close(ctx)
}

// copyWindow copies the samples of window w from src to dst. Both
// blocks must contain w.
func copyWindow(dst, src Block, w Window) {
	size := dst.Type.Size()
	for band := 0; band < dst.Bands; band++ {
		var (
			dband = dst.Band(band)
			sband = src.Band(band)
		)
		for y := w.Row; y < w.Row+w.Height; y++ {
			var (
				di = ((y-dst.Row)*dst.Width + (w.Col - dst.Col)) * size
				si = ((y-src.Row)*src.Width + (w.Col - src.Col)) * size
				n  = w.Width * size
			)
			copy(dband[di:di+n], sband[si:si+n])
		}
	}
}
