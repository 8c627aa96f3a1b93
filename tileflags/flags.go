// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tileflags provides flag support for use by tileslice command
// line applications.
package tileflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/tileslice/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents an instance provider that can be configured by setting
// some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the instances to be provided. The
	// options may be specified as key=val.
	Set(string) error
	// System returns the bigmachine system on which cluster sessions
	// run, or nil if the provider computes in-process.
	System() bigmachine.System

	// DefaultParallelism returns the default degree of parellelism to use
	// for this provider.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide compute systems/instances to tileslice.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which
// is a named shorthand for a system and any associated options.
// For example an application that registers a profile of:
//
//	tileflags.RegisterSystemProfile("bench-ec2", "ec2:instance=c5.9xlarge")
//
// can accept
//
//	-system=bench-ec2
//
// as a synonym for
//
//	-system=ec2:instance=c5.9xlarge
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal represents an in-process tileslice execution instance.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal instance provider does not support any configuration")
}

// System implements Provider.System.
func (i *Internal) System() bigmachine.System {
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (i *Internal) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Local represents a local machine (separate process) bigmachine execution instance.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local instance provider does not support any configuration")
}

// System implements Provider.System.
func (l *Local) System() bigmachine.System {
	return bigmachine.Local
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (l *Local) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// EC2 provides clusters of AWS EC2 instances. Its fields are set by
// key=val options.
type EC2 struct {
	// InstanceType is set by "instance".
	InstanceType string
	// Dataspace and Rootsize, in GiB, are set by "dataspace" and
	// "rootsize".
	Dataspace, Rootsize uint
	// InstanceProfile is set by "profile".
	InstanceProfile string
	// OnDemand is set by "ondemand".
	OnDemand bool
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok || strings.Contains(val, "=") {
		return fmt.Errorf("not in key=val format %q", v)
	}
	switch key {
	case "dataspace", "rootsize":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: not a size: %v", key, val)
		}
		if key == "dataspace" {
			ec2.Dataspace = uint(n)
		} else {
			ec2.Rootsize = uint(n)
		}
	case "instance":
		ec2.InstanceType = val
	case "profile":
		ec2.InstanceProfile = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("ondemand: not a bool: %v", val)
		}
		ec2.OnDemand = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (ec2 *EC2) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// System implements Provider.System. Instances are tagged with the
// current user's name.
func (ec2 *EC2) System() bigmachine.System {
	sys := &ec2system.System{
		Username:        "unknown",
		InstanceType:    ec2.InstanceType,
		Dataspace:       ec2.Dataspace,
		Diskspace:       ec2.Rootsize,
		InstanceProfile: ec2.InstanceProfile,
		OnDemand:        ec2.OnDemand,
	}
	if u, err := user.Current(); err == nil {
		sys.Username = u.Username
	} else {
		log.Printf("tileflags: get current user: %v", err)
	}
	return sys
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a tileslice system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a completion explanation of the allowed SystemFlags values.
const SystemHelpLong = `A tileslice system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported instance types and their options are as follows:

internal: in-process execution; cluster experiments are not available.
local: same machine, separate process execution.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. c5.9xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "bench-ec2" can be configured as a synonym for
ec2:instance=c5.9xlarge,dataspace=200.
`

// SystemFlag represents a flag that can be used to specify a bigmachine
// instance.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a tileslice command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	Machines      int
	Procs         int
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// ExecOptions returns the session options given by the flags:
// parallelism and cluster shape. The executor itself follows from
// the system's bigmachine instance, started by tilecmd.Init. Sessions
// report to the provided status, which may be nil.
func (bf *Flags) ExecOptions(sessionStatus *status.Status) ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	var options []exec.Option
	if sessionStatus != nil {
		options = append(options, exec.Status(sessionStatus))
	}
	switch {
	case bf.Parallelism > 0:
		options = append(options, exec.Parallelism(bf.Parallelism))
	case bf.Machines > 0 && bf.Procs > 0:
		// Parallelism follows from the cluster shape.
	default:
		options = append(options, exec.Parallelism(bf.System.Provider.DefaultParallelism()))
	}
	if bf.Machines > 0 {
		options = append(options, exec.Machines(bf.Machines))
	}
	if bf.Procs > 0 {
		options = append(options, exec.Procs(bf.Procs))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	Machines      int
	Procs         int
}

// RegisterFlagsWithDefaults registers the tileslice command line flags with
// the supplied flag set and defaults. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("tileflags: invalid default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	_ = bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "number of chunks computed concurrently, 0 requests an appropriate default for the system")
	fs.IntVar(&bf.Machines, prefix+"machines", defaults.Machines, "number of cluster machines, 0 starts enough machines for the parallelism")
	fs.IntVar(&bf.Procs, prefix+"procs", defaults.Procs, "chunks computed concurrently on each cluster machine, 0 uses the machine's processors")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
