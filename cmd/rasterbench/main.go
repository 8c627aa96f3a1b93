// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Rasterbench compares raster processing strategies. Each strategy
// applies the same transform to every tile of a source raster and
// writes the result to the same output path; rasterbench reports
// their wall-clock times and verifies that their outputs are
// identical.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/tileslice/bench"
	"github.com/grailbio/tileslice/raster"
	"github.com/grailbio/tileslice/tilecmd"
	"github.com/grailbio/tileslice/tileflags"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	tileflags.RegisterSystemProfile("bench-ec2", "ec2:instance=c5.9xlarge,dataspace=200")
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rasterbench [flags] <command> [arguments]

The commands are:

	bench INPUT OUTPUT   run the default comparison of all strategies;
	                     -parallelism, -machines and -procs scale it
	run -plan FILE       run the experiments of an HCL plan
	inspect FILE         print a raster's metadata and checksum as JSON

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var fl tileflags.Flags
	tileflags.RegisterFlagsWithDefaults(flag.CommandLine, &fl, "", tileflags.Defaults{
		System:      "local",
		HTTPAddress: ":3333",
	})
	var (
		transformName = flag.String("transform", "", "transform applied by the default comparison")
		command       = flag.String("tilepool", bench.DefaultCommand, "external thread pool command")
	)
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("rasterbench: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "inspect" {
		// Inspection needs no cluster.
		inspect(ctx, args)
		return
	}
	env, err := tilecmd.Init(fl)
	must.Nil(err)
	var plan *bench.Plan
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "bench":
		if len(args) != 2 {
			flag.Usage()
		}
		plan = bench.DefaultPlan(args[0], args[1])
		plan.Scale(fl.Parallelism, fl.Machines, fl.Procs)
		if *transformName != "" {
			plan.Transform = *transformName
		}
		for i := range plan.Experiments {
			if plan.Experiments[i].Strategy == bench.External {
				plan.Experiments[i].Command = *command
			}
		}
	case "run":
		var (
			fs       = flag.NewFlagSet("run", flag.ExitOnError)
			planPath = fs.String("plan", "", "path of the HCL plan")
		)
		must.Nil(fs.Parse(args))
		if *planPath == "" {
			fs.Usage()
			os.Exit(2)
		}
		plan, err = bench.LoadPlan(ctx, *planPath)
		must.Nil(err)
	}
	if env.B == nil {
		experiments := plan.Experiments[:0]
		for _, e := range plan.Experiments {
			if e.Strategy == bench.Cluster {
				log.Printf("skipping experiment %s: system %s does not support clusters", e.Name, fl.System.String())
				continue
			}
			experiments = append(experiments, e)
		}
		plan.Experiments = experiments
	}
	runner := &bench.Runner{B: env.B, Status: env.Status, Output: os.Stderr, Start: env.Start}
	report, err := runner.Run(ctx, plan)
	if report != nil {
		_, werr := report.WriteTo(os.Stdout)
		must.Nil(werr)
	}
	env.Shutdown()
	must.Nil(err)
	if !report.Consistent() {
		log.Fatalf("outputs of %v differ", report.Mismatches())
	}
}

func inspect(ctx context.Context, args []string) {
	if len(args) == 0 {
		flag.Usage()
	}
	infos := make([]raster.Info, len(args))
	for i, path := range args {
		var err error
		infos[i], err = raster.Stat(ctx, path)
		must.Nil(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var v interface{} = infos
	if len(infos) == 1 {
		v = infos[0]
	}
	must.Nil(enc.Encode(v))
}
