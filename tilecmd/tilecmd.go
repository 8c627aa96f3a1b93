// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tilecmd configures tileslice command line tools from the
// flags of package tileflags. A tool registers the flags, calls Init
// once they are parsed, and starts sessions from the returned Env:
//
//	func main() {
//		var fl tileflags.Flags
//		tileflags.RegisterFlagsWithDefaults(flag.CommandLine, &fl, "", tileflags.Defaults{System: "local"})
//		flag.Parse()
//		env, err := tilecmd.Init(fl)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer env.Shutdown()
//		sess := env.Start()
//		defer sess.Shutdown()
//		a, err := tileslice.Open(ctx, flag.Arg(0), tileslice.DefaultChunk)
//		...
//		_, err = sess.Materialize(ctx, tileslice.Map(a, "reverse"), flag.Arg(1))
//	}
package tilecmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tileslice/exec"
	"github.com/grailbio/tileslice/tileflags"
)

// Env is the environment configured by command line flags. Commands
// may start any number of sessions from an Env, one after another or
// concurrently.
type Env struct {
	// Flags are the parsed tileslice flags.
	Flags tileflags.Flags
	// Status aggregates the status of all sessions started from the
	// environment.
	Status *status.Status
	// B is the bigmachine instance used by cluster sessions. It is nil
	// when the configured system computes in-process.
	B *bigmachine.B
}

// Start starts a new session. Sessions run on the environment's
// bigmachine instance if there is one, and locally otherwise. The
// provided options override those derived from the flags.
func (e *Env) Start(options ...exec.Option) *exec.Session {
	opts, err := e.Flags.ExecOptions(e.Status)
	if err != nil {
		log.Panicf("tilecmd: %v", err)
	}
	if e.B != nil {
		opts = append(opts, exec.Cluster(e.B))
	} else {
		opts = append(opts, exec.Local)
	}
	return exec.Start(append(opts, options...)...)
}

// Shutdown tears down the environment's bigmachine instance, if any.
func (e *Env) Shutdown() {
	if e.B != nil {
		e.B.Shutdown()
	}
}

// Init initializes tileslice according to the supplied flags. If the
// configured system is a bigmachine system, Init starts it; in
// bigmachine worker processes, Init does not return.
func Init(bf tileflags.Flags) (*Env, error) {
	if bf.SystemHelp {
		providers, profiles := tileflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		str := []string{}
		fmt.Fprintf(wr, "%s\n\n", tileflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n",
			strings.Join(providers, ", "))
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	env := &Env{Flags: bf, Status: new(status.Status)}
	if system := bf.System.Provider.System(); system != nil {
		// Ensure bigmachine's group is displayed first.
		_ = env.Status.Group("bigmachine")
		env.B = bigmachine.Start(system)
	}
	DisplayStatus(bf, env)
	return env, nil
}

// DisplayStatus arranges for the tileslice execution status to be
// displayed on the console and/or a web page depending on the flags
// specified on the command line. The web page is hosted /debug/status
// and http.DefaultServeMux.
func DisplayStatus(bf tileflags.Flags, env *Env) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, env.Status)
	}
	if len(bf.HTTPAddress.Address) > 0 {
		if env.B != nil {
			env.B.HandleDebug(http.DefaultServeMux)
		}
		http.Handle("/debug/status", status.Handler(env.Status))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
