// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// Info summarizes a raster file: its metadata and a checksum of its
// samples. It is used to inspect and compare benchmark outputs.
type Info struct {
	Path        string            `json:"path"`
	Driver      string            `json:"driver"`
	Size        int64             `json:"size"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Bands       int               `json:"count"`
	Type        string            `json:"dtype"`
	BlockWidth  int               `json:"blockxsize"`
	BlockHeight int               `json:"blockysize"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Checksum    string            `json:"checksum"`
}

// Stat opens the raster at path and returns its Info.
func Stat(ctx context.Context, path string) (Info, error) {
	d, err := Open(ctx, path)
	if err != nil {
		return Info{}, err
	}
	defer d.Close(ctx)
	info := Info{
		Path:        path,
		Driver:      d.meta.Driver,
		Width:       d.meta.Width,
		Height:      d.meta.Height,
		Bands:       d.meta.Bands,
		Type:        d.meta.Type.String(),
		BlockWidth:  d.meta.BlockWidth,
		BlockHeight: d.meta.BlockHeight,
		Attrs:       d.meta.Attrs,
		Checksum:    Checksum(d.data),
	}
	if fi, err := file.Stat(ctx, path); err == nil {
		info.Size = fi.Size()
	}
	return info, nil
}

// Checksum returns a hex-encoded 128-bit murmur3 hash of the block's
// shape and samples. Blocks with equal checksums are (with high
// probability) pixel-for-pixel identical.
func Checksum(b Block) string {
	h := murmur3.New128()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(b.Width))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(b.Height))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(b.Bands))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(b.Type))
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(b.Pix)
	hi, lo := h.Sum128()
	return fmt.Sprintf("%016x%016x", hi, lo)
}
