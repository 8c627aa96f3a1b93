// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/image/tiff"
)

// A Driver decodes and encodes rasters of a particular file format.
type Driver interface {
	// Name returns the driver's short name, e.g., "GTiff".
	Name() string
	// Decode decodes a full raster from the provided bytes.
	Decode(p []byte) (Meta, Block, error)
	// DecodeMeta decodes only the metadata of the raster in p.
	DecodeMeta(p []byte) (Meta, error)
	// Encode encodes the raster described by meta with samples b.
	Encode(w io.Writer, meta Meta, b Block) error
}

var (
	driversMu sync.Mutex
	drivers   = map[string]Driver{}
)

// RegisterDriver registers a driver for the provided file
// extensions. RegisterDriver panics if an extension is already
// registered.
func RegisterDriver(driver Driver, exts ...string) {
	driversMu.Lock()
	defer driversMu.Unlock()
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if _, ok := drivers[ext]; ok {
			panic("raster: driver for " + ext + " already registered")
		}
		drivers[ext] = driver
	}
}

// DriverFor returns the driver responsible for the provided path,
// chosen by the path's extension.
func DriverFor(path string) (Driver, error) {
	ext := strings.ToLower(filepath.Ext(path))
	driversMu.Lock()
	driver := drivers[ext]
	driversMu.Unlock()
	if driver == nil {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("no raster driver for %q", path))
	}
	return driver, nil
}

// Extensions returns the registered file extensions, sorted.
func Extensions() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	exts := make([]string, 0, len(drivers))
	for ext := range drivers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func init() {
	RegisterDriver(gtiffDriver{}, ".tif", ".tiff")
	RegisterDriver(pngDriver{}, ".png")
}

type gtiffDriver struct{}

func (gtiffDriver) Name() string { return "GTiff" }

func (d gtiffDriver) Decode(p []byte) (Meta, Block, error) {
	img, err := tiff.Decode(bytes.NewReader(p))
	if err != nil {
		return Meta{}, Block{}, errors.E(errors.Invalid, "decode tiff", err)
	}
	tags := readTIFFTags(p)
	meta, block, err := fromImage(img, tags.bands())
	if err != nil {
		return Meta{}, Block{}, err
	}
	meta.Driver = d.Name()
	meta.BlockWidth, meta.BlockHeight = tags.layout(meta.Width, meta.Height)
	return meta, block, nil
}

func (d gtiffDriver) DecodeMeta(p []byte) (Meta, error) {
	cfg, err := tiff.DecodeConfig(bytes.NewReader(p))
	if err != nil {
		return Meta{}, errors.E(errors.Invalid, "decode tiff", err)
	}
	tags := readTIFFTags(p)
	meta := configMeta(cfg, tags.bands())
	meta.Driver = d.Name()
	meta.BlockWidth, meta.BlockHeight = tags.layout(meta.Width, meta.Height)
	return meta, nil
}

func (gtiffDriver) Encode(w io.Writer, meta Meta, b Block) error {
	img, err := toImage(b)
	if err != nil {
		return err
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

type pngDriver struct{}

func (pngDriver) Name() string { return "PNG" }

func (d pngDriver) Decode(p []byte) (Meta, Block, error) {
	img, err := png.Decode(bytes.NewReader(p))
	if err != nil {
		return Meta{}, Block{}, errors.E(errors.Invalid, "decode png", err)
	}
	meta, block, err := fromImage(img, pngBands(p))
	if err != nil {
		return Meta{}, Block{}, err
	}
	// PNG has no internal tiling: the whole image is one block.
	meta.Driver = d.Name()
	meta.BlockWidth, meta.BlockHeight = meta.Width, meta.Height
	return meta, block, nil
}

func (d pngDriver) DecodeMeta(p []byte) (Meta, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(p))
	if err != nil {
		return Meta{}, errors.E(errors.Invalid, "decode png", err)
	}
	meta := configMeta(cfg, pngBands(p))
	meta.Driver = d.Name()
	meta.BlockWidth, meta.BlockHeight = meta.Width, meta.Height
	return meta, nil
}

func (pngDriver) Encode(w io.Writer, meta Meta, b Block) error {
	img, err := toImage(b)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	p := buf.Bytes()
	if b.Bands == 1 || len(p) < pngIHDREnd {
		_, err = w.Write(p)
		return err
	}
	// The encoder drops an opaque alpha channel, so the band count
	// is recorded in a private chunk following the header.
	if _, err := w.Write(p[:pngIHDREnd]); err != nil {
		return err
	}
	if _, err := w.Write(pngChunk(pngBandsChunk, []byte{byte(b.Bands)})); err != nil {
		return err
	}
	_, err = w.Write(p[pngIHDREnd:])
	return err
}

const (
	// pngIHDREnd is the offset of the first chunk after the
	// signature and IHDR chunk.
	pngIHDREnd = 8 + 12 + 13
	// pngColorTypeOffset is the offset of the IHDR color type.
	pngColorTypeOffset = 8 + 8 + 9
	// pngBandsChunk names the private, ancillary chunk holding the
	// band count of rasters written by this package.
	pngBandsChunk = "tsBn"
)

func pngChunk(typ string, data []byte) []byte {
	p := make([]byte, 12+len(data))
	binary.BigEndian.PutUint32(p, uint32(len(data)))
	copy(p[4:], typ)
	copy(p[8:], data)
	binary.BigEndian.PutUint32(p[8+len(data):], crc32.ChecksumIEEE(p[4:8+len(data)]))
	return p
}

// pngBands returns the band count of the PNG file p, as given by
// its band chunk or else by its color type. It returns 0 if the
// count depends on the file's palette.
func pngBands(p []byte) int {
	if len(p) < pngIHDREnd {
		return 0
	}
	for off := pngIHDREnd; off+12 <= len(p); {
		n := int(binary.BigEndian.Uint32(p[off:]))
		typ := string(p[off+4 : off+8])
		if typ == "IDAT" || off+12+n > len(p) {
			break
		}
		if typ == pngBandsChunk && n == 1 {
			return int(p[off+8])
		}
		off += 12 + n
	}
	switch p[pngColorTypeOffset] {
	case 0: // gray
		return 1
	case 2: // truecolor
		return 3
	case 4, 6: // gray and alpha, truecolor and alpha
		return 4
	}
	return 0
}

// TIFF tags describing the file's sample and block layout.
const (
	tagRowsPerStrip    = 278
	tagSamplesPerPixel = 277
	tagTileWidth       = 322
	tagTileLength      = 323
	tagExtraSamples    = 338
)

// tiffTags holds the layout tags of the first image of a TIFF file.
type tiffTags struct {
	tileWidth, tileLength, rowsPerStrip int
	samplesPerPixel, extraSamples       int
}

// bands returns the number of bands in the image. An associated
// (premultiplied) alpha sample is written by the encoder for opaque
// color images and is not counted. It returns 0 for single-sample
// images, whose band count depends on the photometric.
func (t tiffTags) bands() int {
	switch {
	case t.samplesPerPixel <= 1:
		return 0
	case t.samplesPerPixel == 4 && t.extraSamples == 1:
		return 3
	}
	return t.samplesPerPixel
}

// layout returns the image's block size: its tile size if tiled, or
// full-width strips otherwise. If the layout is unknown, the whole
// image is a single block.
func (t tiffTags) layout(width, height int) (bw, bh int) {
	switch {
	case t.tileWidth > 0 && t.tileLength > 0:
		return t.tileWidth, t.tileLength
	case t.rowsPerStrip > 0 && t.rowsPerStrip < height:
		return width, t.rowsPerStrip
	}
	return width, height
}

// readTIFFTags reads the layout tags of the first IFD of TIFF file p.
// The tiff codec does not expose these, so the IFD is inspected
// directly. Tags that cannot be read are left zero.
func readTIFFTags(p []byte) (tags tiffTags) {
	if len(p) < 8 {
		return
	}
	var order binary.ByteOrder
	switch string(p[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}
	off := int(order.Uint32(p[4:8]))
	if off+2 > len(p) {
		return
	}
	n := int(order.Uint16(p[off:]))
	for i := 0; i < n; i++ {
		entry := off + 2 + 12*i
		if entry+12 > len(p) {
			break
		}
		var (
			tag = order.Uint16(p[entry:])
			typ = order.Uint16(p[entry+2:])
			val int
		)
		switch typ {
		case 3: // SHORT
			val = int(order.Uint16(p[entry+8:]))
		case 4: // LONG
			val = int(order.Uint32(p[entry+8:]))
		default:
			continue
		}
		switch tag {
		case tagTileWidth:
			tags.tileWidth = val
		case tagTileLength:
			tags.tileLength = val
		case tagRowsPerStrip:
			tags.rowsPerStrip = val
		case tagSamplesPerPixel:
			tags.samplesPerPixel = val
		case tagExtraSamples:
			tags.extraSamples = val
		}
	}
	return
}

// encodable tells whether rasters with the given band count can be
// encoded by the package's drivers.
func encodable(bands int) bool {
	switch bands {
	case 1, 3, 4:
		return true
	}
	return false
}

// configMeta returns the metadata of an image with configuration
// cfg. Gray images have one band. Color images have the provided
// number of bands, 3 (red, green, blue) or 4 (with alpha); if bands is
// neither, the count follows the image's color model.
func configMeta(cfg image.Config, bands int) Meta {
	meta := Meta{
		Width:  cfg.Width,
		Height: cfg.Height,
		Type:   Uint8,
		Attrs:  map[string]string{"photometric": "rgb"},
	}
	if palette, ok := cfg.ColorModel.(color.Palette); ok {
		meta.Attrs["photometric"] = "palette"
		if bands != 3 && bands != 4 {
			bands = 3
			for _, c := range palette {
				if _, _, _, a := c.RGBA(); a != 0xffff {
					bands = 4
					break
				}
			}
		}
		meta.Bands = bands
		return meta
	}
	switch cfg.ColorModel {
	case color.GrayModel, color.Gray16Model:
		meta.Bands = 1
		meta.Attrs["photometric"] = "minisblack"
		if cfg.ColorModel == color.Gray16Model {
			meta.Type = Uint16
		}
		return meta
	case color.RGBA64Model, color.NRGBA64Model:
		meta.Type = Uint16
	}
	if bands != 3 && bands != 4 {
		bands = 4
		switch cfg.ColorModel {
		case color.RGBAModel, color.RGBA64Model, color.YCbCrModel:
			bands = 3
		}
	}
	meta.Bands = bands
	return meta
}

// fromImage converts a decoded image into raster metadata, as given
// by configMeta, and a block covering the whole image.
func fromImage(img image.Image, bands int) (Meta, Block, error) {
	r := img.Bounds()
	meta := configMeta(image.Config{ColorModel: img.ColorModel(), Width: r.Dx(), Height: r.Dy()}, bands)
	w := meta.Bounds()
	switch m := img.(type) {
	case *image.Gray:
		b := NewBlock(w, 1, Uint8)
		for y := 0; y < meta.Height; y++ {
			copy(b.Pix[y*meta.Width:(y+1)*meta.Width], m.Pix[y*m.Stride:])
		}
		return meta, b, nil
	case *image.Gray16:
		b := NewBlock(w, 1, Uint16)
		for y := 0; y < meta.Height; y++ {
			copy(b.Pix[2*y*meta.Width:2*(y+1)*meta.Width], m.Pix[y*m.Stride:])
		}
		return meta, b, nil
	case *image.RGBA:
		return meta, interleaved(meta, m.Pix, m.Stride), nil
	case *image.NRGBA:
		return meta, interleaved(meta, m.Pix, m.Stride), nil
	case *image.RGBA64:
		return meta, interleaved(meta, m.Pix, m.Stride), nil
	case *image.NRGBA64:
		return meta, interleaved(meta, m.Pix, m.Stride), nil
	}
	// Everything else (palettes, YCbCr) is expanded to 8-bit color.
	meta.Type = Uint8
	nrgba := image.NewNRGBA(image.Rect(0, 0, meta.Width, meta.Height))
	draw.Draw(nrgba, nrgba.Bounds(), img, r.Min, draw.Src)
	return meta, interleaved(meta, nrgba.Pix, nrgba.Stride), nil
}

// interleaved de-interleaves 4-sample pixel data into a planar block
// of meta.Bands bands, dropping the alpha channel of 3-band rasters.
func interleaved(meta Meta, pix []byte, stride int) Block {
	var (
		b    = NewBlock(meta.Bounds(), meta.Bands, meta.Type)
		size = meta.Type.Size()
	)
	for band := 0; band < meta.Bands; band++ {
		dst := b.Band(band)
		for y := 0; y < meta.Height; y++ {
			row := pix[y*stride:]
			for x := 0; x < meta.Width; x++ {
				src := row[(4*x+band)*size:]
				i := (y*meta.Width + x) * size
				copy(dst[i:i+size], src[:size])
			}
		}
	}
	return b
}

// toImage converts a block into an image suitable for the standard
// encoders. Three-band blocks become opaque color images.
func toImage(b Block) (image.Image, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	var (
		r    = image.Rect(0, 0, b.Width, b.Height)
		size = b.Type.Size()
	)
	switch b.Bands {
	case 1:
		if b.Type == Uint8 {
			img := image.NewGray(r)
			copy(img.Pix, b.Pix)
			return img, nil
		}
		img := image.NewGray16(r)
		copy(img.Pix, b.Pix)
		return img, nil
	case 3, 4:
		var (
			pix    []byte
			stride int
			img    image.Image
		)
		switch {
		case b.Type == Uint8 && b.Bands == 3:
			m := image.NewRGBA(r)
			pix, stride, img = m.Pix, m.Stride, m
		case b.Type == Uint8:
			m := image.NewNRGBA(r)
			pix, stride, img = m.Pix, m.Stride, m
		case b.Bands == 3:
			m := image.NewRGBA64(r)
			pix, stride, img = m.Pix, m.Stride, m
		default:
			m := image.NewNRGBA64(r)
			pix, stride, img = m.Pix, m.Stride, m
		}
		for band := 0; band < 4; band++ {
			var src []byte
			if band < b.Bands {
				src = b.Band(band)
			}
			for y := 0; y < b.Height; y++ {
				row := pix[y*stride:]
				for x := 0; x < b.Width; x++ {
					dst := row[(4*x+band)*size : (4*x+band+1)*size]
					if src == nil {
						// Opaque alpha.
						for k := range dst {
							dst[k] = 0xff
						}
						continue
					}
					i := (y*b.Width + x) * size
					copy(dst, src[i:i+size])
				}
			}
		}
		return img, nil
	}
	return nil, errors.E(errors.NotSupported, fmt.Sprintf("cannot encode a %d-band raster", b.Bands))
}
