// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"testing"
	"time"
)

func TestMap(t *testing.T) {
	m := NewMap()
	tiles := m.Int(Tiles)
	_ = m.Int(Bytes)
	tiles.Add(3)
	tiles.Add(4)
	if got, want := m.Int(Tiles).Get(), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := m.Snapshot()
	vals.Add(m.Snapshot())
	if got, want := vals[Tiles], int64(14); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals.String(), "bytes:0 tiles:14"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := vals.Rate(Tiles, 2*time.Second), 7.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNil(t *testing.T) {
	var m *Map
	c := m.Int(Tiles)
	c.Add(1)
	if got, want := c.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
