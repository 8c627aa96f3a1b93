// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func TestWindows(t *testing.T) {
	meta := Meta{Width: 300, Height: 200, Bands: 3, Type: Uint8, BlockWidth: 128, BlockHeight: 128}
	windows := meta.Blocks()
	if got, want := len(windows), 6; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	want := []Window{
		{0, 0, 128, 128}, {128, 0, 128, 128}, {256, 0, 44, 128},
		{0, 128, 128, 72}, {128, 128, 128, 72}, {256, 128, 44, 72},
	}
	if diff := cmp.Diff(want, windows); diff != "" {
		t.Errorf("blocks differ (-want +got):\n%s", diff)
	}
	var pixels int
	for _, w := range windows {
		pixels += w.Pixels()
	}
	if got, want := pixels, 300*200; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// No block layout: a single block.
	meta.BlockWidth, meta.BlockHeight = 0, 0
	if got, want := meta.Blocks(), []Window{{0, 0, 300, 200}}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseDataType(t *testing.T) {
	for _, c := range []struct {
		name string
		typ  DataType
	}{
		{"uint8", Uint8}, {"byte", Uint8}, {"UInt16", Uint16},
	} {
		typ, err := ParseDataType(c.name)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got, want := typ, c.typ; got != want {
			t.Errorf("%s: got %v, want %v", c.name, got, want)
		}
	}
	if _, err := ParseDataType("float32"); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestBlockConvert(t *testing.T) {
	b := NewBlock(Window{Width: 2, Height: 1}, 1, Uint8)
	b.Set(0, 0, 0, 0x12)
	b.Set(0, 1, 0, 0xff)
	wide := b.Convert(Uint16)
	if got, want := wide.At(0, 0, 0), uint16(0x1212); got != want {
		t.Errorf("got %x, want %x", got, want)
	}
	if got, want := wide.At(0, 1, 0), uint16(0xffff); got != want {
		t.Errorf("got %x, want %x", got, want)
	}
	if narrow := wide.Convert(Uint8); !narrow.Equal(b) {
		t.Errorf("got %v, want %v", narrow, b)
	}
}

func randomBlock(fz *fuzz.Fuzzer, w Window, bands int, typ DataType) Block {
	b := NewBlock(w, bands, typ)
	for i := range b.Pix {
		fz.Fuzz(&b.Pix[i])
	}
	return b
}

func TestDatasetRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fz := fuzz.NewWithSeed(1234)
	for _, c := range []struct {
		name  string
		bands int
		typ   DataType
	}{
		{"gray.tif", 1, Uint8},
		{"rgb.tif", 3, Uint8},
		{"rgb16.tif", 3, Uint16},
		{"rgb.png", 3, Uint8},
		{"gray16.png", 1, Uint16},
		{"rgba.tif", 4, Uint8},
		{"rgba16.png", 4, Uint16},
	} {
		meta := Meta{Width: 70, Height: 50, Bands: c.bands, Type: c.typ, BlockWidth: 32, BlockHeight: 32}
		data := randomBlock(fz, meta.Bounds(), c.bands, c.typ)
		path := filepath.Join(dir, c.name)
		dst, err := Create(ctx, path, meta)
		if err != nil {
			t.Fatal(err)
		}
		for _, w := range meta.Blocks() {
			b := NewBlock(w, c.bands, c.typ)
			copyWindow(b, data, w)
			if err := dst.Write(b); err != nil {
				t.Fatal(err)
			}
		}
		if err := dst.Close(ctx); err != nil {
			t.Fatal(err)
		}

		src, err := Open(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		got := src.Meta()
		// Decoding only the metadata yields the same description.
		m, err := OpenMeta(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(got, m); diff != "" {
			t.Errorf("%s: metadata differs (-open +openmeta):\n%s", c.name, diff)
		}
		if got.Width != meta.Width || got.Height != meta.Height || got.Bands != meta.Bands || got.Type != meta.Type {
			t.Errorf("%s: got %+v, want %+v", c.name, got, meta)
		}
		all, err := src.Read(got.Bounds())
		if err != nil {
			t.Fatal(err)
		}
		if !all.Equal(data) {
			t.Errorf("%s: samples differ after round trip", c.name)
		}
		if got, want := Checksum(all), Checksum(data); got != want {
			t.Errorf("%s: got %v, want %v", c.name, got, want)
		}
		if err := src.Close(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDatasetErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	meta := Meta{Width: 10, Height: 10, Bands: 3, Type: Uint8}
	dst, err := Create(ctx, filepath.Join(dir, "out.tif"), meta)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Discard()
	b := NewBlock(Window{Col: 8, Row: 8, Width: 4, Height: 4}, 3, Uint8)
	if err := dst.Write(b); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected out of bounds error, got %v", err)
	}
	b = NewBlock(Window{Width: 4, Height: 4}, 1, Uint8)
	if err := dst.Write(b); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected band mismatch error, got %v", err)
	}
	if _, err := dst.Read(Window{Width: 1, Height: 1}); !errors.Is(errors.NotAllowed, err) {
		t.Errorf("expected write-only error, got %v", err)
	}
	if _, err := Create(ctx, filepath.Join(dir, "out.jp2"), meta); !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected unsupported driver error, got %v", err)
	}
	if _, err := Open(ctx, filepath.Join(dir, "missing.tif")); err == nil {
		t.Error("expected error opening missing raster")
	}
}

func TestTIFFLayout(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "layout.tif")
	meta := Meta{Width: 40, Height: 30, Bands: 1, Type: Uint8}
	dst, err := Create(ctx, path, meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	info, err := Stat(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	// The encoder writes a single strip.
	if got, want := [2]int{info.BlockWidth, info.BlockHeight}, [2]int{40, 30}; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := info.Driver, "GTiff"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if info.Size == 0 {
		t.Error("expected nonzero file size")
	}
	// A hand-made tiled header.
	p := []byte{
		'I', 'I', 42, 0, 8, 0, 0, 0,
		2, 0,
		0x42, 0x01, 3, 0, 1, 0, 0, 0, 64, 0, 0, 0,
		0x43, 0x01, 4, 0, 1, 0, 0, 0, 32, 0, 0, 0,
	}
	if bw, bh := readTIFFTags(p).layout(1000, 1000); bw != 64 || bh != 32 {
		t.Errorf("got %dx%d, want 64x32", bw, bh)
	}
}

func TestDatasetOpaqueAlpha(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fz := fuzz.NewWithSeed(4321)
	for _, c := range []struct {
		name string
		typ  DataType
	}{
		{"opaque.tif", Uint8},
		{"opaque.png", Uint8},
		{"opaque16.tif", Uint16},
		{"opaque16.png", Uint16},
	} {
		name, typ := c.name, c.typ
		meta := Meta{Width: 20, Height: 10, Bands: 4, Type: typ}
		data := randomBlock(fz, meta.Bounds(), 4, typ)
		alpha := data.Band(3)
		for i := range alpha {
			alpha[i] = 0xff
		}
		path := filepath.Join(dir, name)
		dst, err := Create(ctx, path, meta)
		if err != nil {
			t.Fatal(err)
		}
		if err := dst.Write(data); err != nil {
			t.Fatal(err)
		}
		if err := dst.Close(ctx); err != nil {
			t.Fatal(err)
		}
		src, err := Open(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		// An opaque alpha band is still a band.
		if got, want := src.Meta().Bands, 4; got != want {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
		all, err := src.Read(meta.Bounds())
		if err != nil {
			t.Fatal(err)
		}
		if !all.Equal(data) {
			t.Errorf("%s: samples differ after round trip", name)
		}
	}
}

func TestCreateBands(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	for _, bands := range []int{2, 5} {
		meta := Meta{Width: 10, Height: 10, Bands: bands, Type: Uint8}
		for _, name := range []string{"out.tif", "out.png"} {
			_, err := Create(ctx, filepath.Join(dir, name), meta)
			if !errors.Is(errors.NotSupported, err) {
				t.Errorf("%s, %d bands: got %v, want not supported error", name, bands, err)
			}
		}
	}
}
