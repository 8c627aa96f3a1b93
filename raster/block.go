// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Block holds the pixel samples of a window of a raster. Samples
// are stored band-major ("planar"): all of the samples of band 0 in
// row-major order, followed by those of band 1, and so on. 16-bit
// samples are stored big-endian, as in image.Gray16.
//
// Blocks are gob-encodable so that they may be shipped between
// cluster machines.
type Block struct {
	Window
	Bands int
	Type  DataType
	Pix   []byte
}

// NewBlock returns a zero-valued block for the provided window, band
// count, and data type.
func NewBlock(w Window, bands int, typ DataType) Block {
	return Block{
		Window: w,
		Bands:  bands,
		Type:   typ,
		Pix:    make([]byte, w.Pixels()*bands*typ.Size()),
	}
}

// BandSize returns the number of bytes occupied by a single band.
func (b Block) BandSize() int {
	return b.Pixels() * b.Type.Size()
}

// Band returns the samples of band i.
func (b Block) Band(i int) []byte {
	n := b.BandSize()
	return b.Pix[i*n : (i+1)*n]
}

// Check returns an error if the block's sample buffer is inconsistent
// with its shape.
func (b Block) Check() error {
	if b.Type.Size() == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("block %s: invalid data type %v", b.Window, b.Type))
	}
	if want := b.BandSize() * b.Bands; len(b.Pix) != want {
		return errors.E(errors.Invalid, fmt.Sprintf("block %s: have %d bytes, want %d", b.Window, len(b.Pix), want))
	}
	return nil
}

func (b Block) offset(band, x, y int) int {
	return ((band*b.Height+y)*b.Width + x) * b.Type.Size()
}

// At returns the sample of the provided band at (x, y), relative to
// the block's origin.
func (b Block) At(band, x, y int) uint16 {
	i := b.offset(band, x, y)
	if b.Type == Uint8 {
		return uint16(b.Pix[i])
	}
	return binary.BigEndian.Uint16(b.Pix[i:])
}

// Set sets the sample of the provided band at (x, y), relative to the
// block's origin.
func (b Block) Set(band, x, y int, v uint16) {
	i := b.offset(band, x, y)
	if b.Type == Uint8 {
		b.Pix[i] = uint8(v)
		return
	}
	binary.BigEndian.PutUint16(b.Pix[i:], v)
}

// Convert returns a copy of b with samples converted to type typ.
// Widening scales samples by 257 so that the full range is
// preserved; narrowing keeps the high byte.
func (b Block) Convert(typ DataType) Block {
	if typ == b.Type {
		c := b
		c.Pix = append([]byte(nil), b.Pix...)
		return c
	}
	c := NewBlock(b.Window, b.Bands, typ)
	n := b.Pixels() * b.Bands
	switch {
	case b.Type == Uint8 && typ == Uint16:
		for i := 0; i < n; i++ {
			v := b.Pix[i]
			c.Pix[2*i] = v
			c.Pix[2*i+1] = v
		}
	case b.Type == Uint16 && typ == Uint8:
		for i := 0; i < n; i++ {
			c.Pix[i] = b.Pix[2*i]
		}
	}
	return c
}

// Equal reports whether blocks b and c have the same shape and
// samples.
func (b Block) Equal(c Block) bool {
	return b.Window == c.Window && b.Bands == c.Bands && b.Type == c.Type && bytes.Equal(b.Pix, c.Pix)
}
