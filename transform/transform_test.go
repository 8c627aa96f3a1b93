// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transform

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/tileslice/raster"
)

func TestReverseBands(t *testing.T) {
	fz := fuzz.NewWithSeed(42)
	for _, typ := range []raster.DataType{raster.Uint8, raster.Uint16} {
		in := raster.NewBlock(raster.Window{Col: 3, Row: 4, Width: 17, Height: 9}, 3, typ)
		for i := range in.Pix {
			fz.Fuzz(&in.Pix[i])
		}
		out, err := ReverseBands(DefaultWork)(in)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := out.Window, in.Window; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		for band := 0; band < 3; band++ {
			for y := 0; y < in.Height; y++ {
				for x := 0; x < in.Width; x++ {
					if got, want := out.At(band, x, y), in.At(2-band, x, y); got != want {
						t.Fatalf("%v band %d (%d,%d): got %v, want %v", typ, band, x, y, got, want)
					}
				}
			}
		}
		// Reversal is an involution.
		back, err := ReverseBands(0)(out)
		if err != nil {
			t.Fatal(err)
		}
		if !back.Equal(in) {
			t.Errorf("%v: double reversal is not the identity", typ)
		}
	}
}

func TestReverseBandsInvalid(t *testing.T) {
	in := raster.NewBlock(raster.Window{Width: 4, Height: 4}, 3, raster.Uint8)
	in.Pix = in.Pix[:10]
	if _, err := ReverseBands(1)(in); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"reverse", "reverse-fast", "identity"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := Lookup("sharpen"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	Register("test-negate", func(in raster.Block) (raster.Block, error) {
		out := in.Convert(in.Type)
		for i := range out.Pix {
			out.Pix[i] = ^out.Pix[i]
		}
		return out, nil
	})
	names := Names()
	found := false
	for _, name := range names {
		found = found || name == "test-negate"
	}
	if !found {
		t.Errorf("test-negate missing from %v", names)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("identity", Identity)
}
