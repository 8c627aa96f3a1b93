// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters for tile processing. Counters
// live in a Map; snapshots of maps (Values) can be shipped between
// machines and summed.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known counter names.
const (
	// Tiles counts processed tiles.
	Tiles = "tiles"
	// Bytes counts sample bytes read from source rasters.
	Bytes = "bytes"
	// Running counts tiles currently being processed.
	Running = "running"
)

// Values is a snapshot of counter values, keyed by name.
type Values map[string]int64

// Copy returns a copy of v.
func (v Values) Copy() Values {
	c := make(Values, len(v))
	for k, n := range v {
		c[k] = n
	}
	return c
}

// Add adds the values in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// Rate returns the per-second rate of counter name over the
// provided duration.
func (v Values) Rate(name string, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(v[name]) / d.Seconds()
}

// String returns the values as space-separated name:value pairs,
// sorted by name.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		keys[i] = fmt.Sprintf("%s:%d", k, v[k])
	}
	return strings.Join(keys, " ")
}

// A Map is a collection of named counters.
type Map struct {
	mu       sync.Mutex
	counters map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{counters: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. Int may be called on a nil Map, in which case the nil
// counter is returned; operations on it are no-ops.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[name]
	if c == nil {
		c = new(Int)
		m.counters[name] = c
	}
	return c
}

// AddAll adds the current value of every counter in m to vals.
func (m *Map) AddAll(vals Values) {
	if m == nil {
		return
	}
	m.mu.Lock()
	for k, c := range m.counters {
		vals[k] += c.Get()
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of m's counters.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is an atomic integer counter. The nil Int discards updates
// and reads as zero.
type Int struct {
	n int64
}

// Add adds delta to the counter.
func (c *Int) Add(delta int64) {
	if c != nil {
		atomic.AddInt64(&c.n, delta)
	}
}

// Set sets the counter to n.
func (c *Int) Set(n int64) {
	if c != nil {
		atomic.StoreInt64(&c.n, n)
	}
}

// Get returns the counter's value.
func (c *Int) Get() int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(&c.n)
}
