// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bench

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
)

// A Result is the outcome of a single experiment.
type Result struct {
	Experiment
	// Duration is the wall-clock time of the experiment, excluding
	// the removal of the previous output and the inspection of the
	// new one.
	Duration time.Duration
	// Info describes the output raster.
	Info raster.Info
	// Stats holds the tile and byte counters reported by the
	// strategy. External experiments report none.
	Stats stats.Values
}

// A Report holds the results of a plan's experiments, in the order
// they were run.
type Report struct {
	Input     string
	Transform string
	Results   []Result
}

// Speedup returns the ratio of the first experiment's duration to
// the i'th experiment's.
func (r *Report) Speedup(i int) float64 {
	if len(r.Results) == 0 || r.Results[i].Duration == 0 {
		return 0
	}
	return float64(r.Results[0].Duration) / float64(r.Results[i].Duration)
}

// Consistent reports whether every experiment produced the same
// pixels.
func (r *Report) Consistent() bool {
	return len(r.Mismatches()) == 0
}

// Mismatches returns the names of the experiments whose output
// differs from the first experiment's.
func (r *Report) Mismatches() []string {
	var names []string
	for _, res := range r.Results[min(1, len(r.Results)):] {
		if res.Info.Checksum != r.Results[0].Info.Checksum {
			names = append(names, res.Name)
		}
	}
	return names
}

// WriteTo writes a table of the report's results to w.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var (
		b  bytes.Buffer
		tw tabwriter.Writer
	)
	tw.Init(&b, 4, 4, 1, ' ', 0)
	fmt.Fprintf(&b, "input %s, transform %s\n", r.Input, r.Transform)
	fmt.Fprintln(&tw, "experiment\tstrategy\tdtype\tchunk\ttiles\tduration\tspeedup\tthroughput\tchecksum\t")
	for i, res := range r.Results {
		var throughput string
		if secs := res.Duration.Seconds(); secs > 0 {
			n := res.Info.Width * res.Info.Height * res.Info.Bands
			throughput = fmt.Sprintf("%.1fMsamples/s", float64(n)/secs/1e6)
		}
		fmt.Fprintf(&tw, "%s\t%s\t%s\t%d\t%d\t%s\t%.2fx\t%s\t%s\t\n",
			res.Name, res.Experiment, res.Info.Type, res.Chunk, res.Stats[stats.Tiles],
			res.Duration.Round(time.Millisecond), r.Speedup(i), throughput, short(res.Info.Checksum))
	}
	tw.Flush()
	if len(r.Results) > 0 {
		fmt.Fprintf(&b, "output %s (%s)\n", r.Results[0].Info.Path, data.Size(r.Results[len(r.Results)-1].Info.Size))
	}
	if mismatches := r.Mismatches(); len(mismatches) > 0 {
		fmt.Fprintf(&b, "INCONSISTENT: outputs of %v differ from %s\n", mismatches, r.Results[0].Name)
	}
	return b.WriteTo(w)
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
