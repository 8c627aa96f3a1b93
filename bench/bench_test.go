// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bench

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"
	"github.com/grailbio/tileslice/exec"
	"github.com/grailbio/tileslice/pool"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/stats"
)

func init() {
	log.AddFlags()
}

// tilepoolEnv, when set, makes the test binary run the tilepool
// command instead of the tests, so that external experiments can
// execute it.
const tilepoolEnv = "TILESLICE_TEST_TILEPOOL"

func TestMain(m *testing.M) {
	if os.Getenv(tilepoolEnv) != "" {
		if err := pool.Main(context.Background(), os.Args[1:], os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const testPlan = `
input     = "in.tif"
output    = "out.tif"

experiment "ref" {
  strategy = "reference"
}

experiment "pool" {
  strategy = "threadpool"
  workers  = ncpu
  chunk    = 64
}

experiment "cluster" {
  strategy = "cluster"
  workers  = 2
  threads  = ncpu * 2
  dtype    = "uint16"
}
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan("test.hcl", []byte(testPlan))
	if err != nil {
		t.Fatal(err)
	}
	ncpu := runtime.NumCPU()
	want := &Plan{
		Input:     "in.tif",
		Output:    "out.tif",
		Transform: "reverse",
		Experiments: []Experiment{
			{Name: "ref", Strategy: Reference, Workers: 1, Chunk: DefaultChunk},
			{Name: "pool", Strategy: ThreadPool, Workers: ncpu, Chunk: 64},
			{Name: "cluster", Strategy: Cluster, Workers: 2, Threads: 2 * ncpu, Chunk: DefaultChunk, DataType: "uint16"},
		},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	if got, want := plan.Experiments[2].String(), "cluster 2x"; !strings.HasPrefix(got, want) {
		t.Errorf("got %q, want prefix %q", got, want)
	}
}

func TestParsePlanErrors(t *testing.T) {
	for _, c := range []struct {
		name, src string
	}{
		{"syntax", `input = `},
		{"unknown attribute", `input = "a.tif"
output = "b.tif"
speed = 3`},
		{"missing output", `input = "a.tif"`},
		{"same path", `input = "a.tif"
output = "a.tif"
experiment "x" { strategy = "reference" }`},
		{"no experiments", `input = "a.tif"
output = "b.tif"`},
		{"bad strategy", `input = "a.tif"
output = "b.tif"
experiment "x" { strategy = "magic" }`},
		{"duplicate", `input = "a.tif"
output = "b.tif"
experiment "x" { strategy = "reference" }
experiment "x" { strategy = "deferred" }`},
		{"bad dtype", `input = "a.tif"
output = "b.tif"
experiment "x" {
  strategy = "deferred"
  dtype = "float64"
}`},
		{"bad transform", `input = "a.tif"
output = "b.tif"
transform = "blur"
experiment "x" { strategy = "reference" }`},
		{"bad extension", `input = "a.jpg"
output = "b.tif"
experiment "x" { strategy = "reference" }`},
	} {
		_, err := ParsePlan(c.name+".hcl", []byte(c.src))
		if err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan("in.tif", "out.tif")
	if err := plan.Validate(); err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, e := range plan.Experiments {
		seen[e.Strategy] = true
		if e.Strategy == External && e.Command != DefaultCommand {
			t.Errorf("got %v, want %v", e.Command, DefaultCommand)
		}
	}
	for _, s := range Strategies {
		if !seen[s] {
			t.Errorf("strategy %s not exercised", s)
		}
	}
	if got, want := plan.Experiments[0].Strategy, Reference; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func writeSource(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	meta := raster.Meta{Width: 150, Height: 100, Bands: 3, Type: raster.Uint8}
	fz := fuzz.NewWithSeed(2718)
	data := raster.NewBlock(meta.Bounds(), meta.Bands, meta.Type)
	for i := range data.Pix {
		fz.Fuzz(&data.Pix[i])
	}
	d, err := raster.Create(ctx, path, meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeSource(t, filepath.Join(dir, "in.tif"))
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	plan := &Plan{
		Input:     filepath.Join(dir, "in.tif"),
		Output:    filepath.Join(dir, "out.tif"),
		Transform: "reverse-fast",
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference},
			{Name: "single", Strategy: ThreadPool, Workers: 1, Chunk: 32},
			{Name: "pool", Strategy: ThreadPool, Workers: 4, Chunk: 64},
			{Name: "deferred", Strategy: Deferred, Workers: 4, Chunk: 50},
			{Name: "cluster-1x1", Strategy: Cluster, Workers: 1, Threads: 1, Chunk: 64},
			{Name: "cluster-2x2", Strategy: Cluster, Workers: 2, Threads: 2, Chunk: 40},
		},
	}
	runner := &Runner{B: b}
	report, err := runner.Run(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(report.Results), len(plan.Experiments); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !report.Consistent() {
		t.Errorf("inconsistent outputs: %v", report.Mismatches())
	}
	if got, want := report.Results[1].Stats[stats.Tiles], int64(5*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Results[3].Stats[stats.Tiles], int64(3*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, res := range report.Results {
		if res.Duration <= 0 {
			t.Errorf("experiment %s: no duration", res.Name)
		}
		if got, want := res.Info.Width, 150; got != want {
			t.Errorf("experiment %s: got %v, want %v", res.Name, got, want)
		}
	}
	if got, want := report.Speedup(0), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var buf bytes.Buffer
	if _, err := report.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	for _, res := range report.Results {
		if !strings.Contains(buf.String(), res.Name) {
			t.Errorf("report does not mention %s:\n%s", res.Name, buf.String())
		}
	}
	if strings.Contains(buf.String(), "INCONSISTENT") {
		t.Errorf("unexpected inconsistency:\n%s", buf.String())
	}
}

func TestRunDataType(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeSource(t, filepath.Join(dir, "in.tif"))
	plan := &Plan{
		Input:     filepath.Join(dir, "in.tif"),
		Output:    filepath.Join(dir, "out.png"),
		Transform: "reverse-fast",
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference, DataType: "uint16"},
			{Name: "pool", Strategy: ThreadPool, Workers: 2, DataType: "uint16"},
			{Name: "deferred", Strategy: Deferred, Workers: 2, DataType: "uint16"},
		},
	}
	report, err := new(Runner).Run(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent() {
		t.Errorf("inconsistent outputs: %v", report.Mismatches())
	}
	for _, res := range report.Results {
		if got, want := res.Info.Type, "uint16"; got != want {
			t.Errorf("experiment %s: got %v, want %v", res.Name, got, want)
		}
	}
}

func TestRunErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeSource(t, filepath.Join(dir, "in.tif"))
	plan := &Plan{
		Input:  filepath.Join(dir, "in.tif"),
		Output: filepath.Join(dir, "out.tif"),
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference},
			{Name: "cluster", Strategy: Cluster},
		},
	}
	report, err := new(Runner).Run(ctx, plan)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid, got %v", err)
	}
	if got, want := len(report.Results), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	plan.Experiments = []Experiment{{Name: "external", Strategy: External, Command: filepath.Join(dir, "no-such-command")}}
	if _, err := new(Runner).Run(ctx, plan); err == nil {
		t.Error("expected error")
	}

	plan.Input = filepath.Join(dir, "missing.tif")
	plan.Experiments = []Experiment{{Name: "pool", Strategy: ThreadPool}}
	if _, err := new(Runner).Run(ctx, plan); err == nil {
		t.Error("expected error")
	}
}

func TestRunExternal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeSource(t, filepath.Join(dir, "in.tif"))
	command, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(tilepoolEnv, "1")
	plan := &Plan{
		Input:     filepath.Join(dir, "in.tif"),
		Output:    filepath.Join(dir, "out.tif"),
		Transform: "reverse-fast",
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference},
			{Name: "external-1", Strategy: External, Workers: 1, Chunk: 64, Command: command},
			{Name: "external-4", Strategy: External, Workers: 4, Chunk: 32, Command: command},
			{Name: "deferred", Strategy: Deferred, Workers: 2, Chunk: 32},
		},
	}
	var output bytes.Buffer
	runner := &Runner{Output: &output}
	report, err := runner.Run(ctx, plan)
	if err != nil {
		t.Fatalf("%v: %s", err, output.String())
	}
	if got, want := len(report.Results), len(plan.Experiments); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !report.Consistent() {
		t.Errorf("inconsistent outputs: %v", report.Mismatches())
	}
	if !strings.Contains(output.String(), "4 workers") {
		t.Errorf("unexpected tilepool output %q", output.String())
	}
}

func TestRunStart(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeSource(t, filepath.Join(dir, "in.tif"))
	plan := &Plan{
		Input:  filepath.Join(dir, "in.tif"),
		Output: filepath.Join(dir, "out.tif"),
		Experiments: []Experiment{
			{Name: "deferred", Strategy: Deferred, Workers: 2},
		},
	}
	var (
		started  int
		sessions []*exec.Session
	)
	runner := &Runner{Start: func(options ...exec.Option) *exec.Session {
		started++
		// The experiment's parallelism overrides the base options.
		sess := exec.Start(append([]exec.Option{exec.Parallelism(9)}, options...)...)
		sessions = append(sessions, sess)
		return sess
	}}
	if _, err := runner.Run(ctx, plan); err != nil {
		t.Fatal(err)
	}
	if got, want := started, 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := sessions[0].Parallelism(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlanScale(t *testing.T) {
	plan := &Plan{
		Input:  "in.tif",
		Output: "out.tif",
		Experiments: []Experiment{
			{Name: "reference", Strategy: Reference},
			{Name: "single", Strategy: ThreadPool, Workers: 1},
			{Name: "threadpool", Strategy: ThreadPool, Workers: 4},
			{Name: "external", Strategy: External, Workers: 4},
			{Name: "deferred", Strategy: Deferred, Workers: 4},
			{Name: "cluster-1x1", Strategy: Cluster, Workers: 1, Threads: 1},
			{Name: "cluster", Strategy: Cluster, Workers: 2, Threads: 4},
		},
	}
	plan.Scale(6, 3, 5)
	workers := make(map[string][2]int)
	for _, e := range plan.Experiments {
		workers[e.Name] = [2]int{e.Workers, e.Threads}
	}
	for name, want := range map[string][2]int{
		"reference":   {0, 0},
		"single":      {1, 0},
		"threadpool":  {6, 0},
		"external":    {6, 0},
		"deferred":    {6, 0},
		"cluster-1x1": {1, 1},
		"cluster":     {3, 5},
	} {
		if got := workers[name]; got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
	// Zero values leave the plan unchanged.
	before := DefaultPlan("in.tif", "out.tif")
	after := DefaultPlan("in.tif", "out.tif")
	after.Scale(0, 0, 0)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("plan changed (-want +got):\n%s", diff)
	}
}
