// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package raster provides the raster data model used by tileslice:
// data types, windows, blocks of pixel samples, and datasets that
// are read from and written to image files. Decoding and encoding of
// the files themselves is delegated to drivers backed by the image
// codec libraries.
package raster

import (
	"fmt"
	"image"
	"strings"

	"github.com/grailbio/base/errors"
)

// DataType is the sample type of a raster.
type DataType int

const (
	// Invalid is the zero DataType.
	Invalid DataType = iota
	// Uint8 is an unsigned 8-bit sample.
	Uint8
	// Uint16 is an unsigned 16-bit sample.
	Uint16
)

var typeNames = [...]string{
	Invalid: "invalid",
	Uint8:   "uint8",
	Uint16:  "uint16",
}

// String returns the canonical name of the data type.
func (t DataType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("DataType(%d)", int(t))
	}
	return typeNames[t]
}

// Size returns the number of bytes in a single sample of type t.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Uint16:
		return 2
	}
	return 0
}

// Max returns the largest sample value representable by t.
func (t DataType) Max() uint16 {
	if t == Uint8 {
		return 0xff
	}
	return 0xffff
}

// ParseDataType parses a data type name. Both "uint8" and "byte" name
// Uint8.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "uint8", "byte", "u8":
		return Uint8, nil
	case "uint16", "u16":
		return Uint16, nil
	}
	return Invalid, errors.E(errors.Invalid, fmt.Sprintf("unsupported data type %q", s))
}

// A Window is a rectangular region of a raster, in pixel coordinates.
type Window struct {
	Col, Row      int
	Width, Height int
}

// Empty reports whether the window contains no pixels.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Intersect returns the largest window contained in both w and v.
func (w Window) Intersect(v Window) Window {
	r := w.Rect().Intersect(v.Rect())
	return Window{Col: r.Min.X, Row: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// In reports whether w is fully contained in v.
func (w Window) In(v Window) bool {
	return w.Col >= v.Col && w.Row >= v.Row &&
		w.Col+w.Width <= v.Col+v.Width &&
		w.Row+w.Height <= v.Row+v.Height
}

// Rect returns the window as an image.Rectangle.
func (w Window) Rect() image.Rectangle {
	return image.Rect(w.Col, w.Row, w.Col+w.Width, w.Row+w.Height)
}

// Pixels returns the number of pixels in the window.
func (w Window) Pixels() int {
	if w.Empty() {
		return 0
	}
	return w.Width * w.Height
}

// String returns the window formatted as "col,row wxh".
func (w Window) String() string {
	return fmt.Sprintf("%d,%d %dx%d", w.Col, w.Row, w.Width, w.Height)
}

// Meta describes the shape and layout of a raster.
type Meta struct {
	// Width and Height are the raster's dimensions in pixels.
	Width, Height int
	// Bands is the number of bands (samples per pixel).
	Bands int
	// Type is the sample type.
	Type DataType
	// BlockWidth and BlockHeight describe the raster's internal block
	// layout. Reads that are aligned with blocks are the cheapest.
	BlockWidth, BlockHeight int
	// Driver names the driver used to read or write the raster.
	Driver string
	// Attrs holds descriptive attributes of the raster, e.g., its
	// photometric interpretation.
	Attrs map[string]string
}

// Bounds returns the window covering the whole raster.
func (m Meta) Bounds() Window {
	return Window{Width: m.Width, Height: m.Height}
}

// Validate returns an error if the metadata does not describe a
// usable raster.
func (m Meta) Validate() error {
	switch {
	case m.Width <= 0 || m.Height <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid raster dimensions %dx%d", m.Width, m.Height))
	case m.Bands <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid band count %d", m.Bands))
	case m.Type.Size() == 0:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid data type %v", m.Type))
	}
	return nil
}

// Blocks returns the raster's block windows in row-major order.
// Windows on the right and bottom edges are clipped to the raster's
// bounds. If the block layout is unset, the whole raster is a single
// block.
func (m Meta) Blocks() []Window {
	return m.Windows(m.BlockWidth, m.BlockHeight)
}

// Windows partitions the raster into windows of the given size in
// row-major order, clipping the edge windows.
func (m Meta) Windows(width, height int) []Window {
	if width <= 0 || width > m.Width {
		width = m.Width
	}
	if height <= 0 || height > m.Height {
		height = m.Height
	}
	if width <= 0 || height <= 0 {
		return nil
	}
	var (
		bounds  = m.Bounds()
		windows = make([]Window, 0, ((m.Width+width-1)/width)*((m.Height+height-1)/height))
	)
	for row := 0; row < m.Height; row += height {
		for col := 0; col < m.Width; col += width {
			w := Window{Col: col, Row: row, Width: width, Height: height}
			windows = append(windows, w.Intersect(bounds))
		}
	}
	return windows
}
