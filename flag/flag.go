package flag

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govfio/backend"
	"github.com/bobuhiro11/govfio/config"
	"github.com/bobuhiro11/govfio/container"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

// CLI is the govfio command line.
type CLI struct {
	Config   string `help:"configuration file" type:"path" placeholder:"FILE"`
	LogLevel string `name:"log-level" help:"log level, overrides the configuration file"`
	Metrics  bool   `help:"dump metrics in text exposition format at exit"`
	Profile  string `help:"write a CPU profile to this directory" type:"path" placeholder:"DIR"`

	Probe  ProbeCMD  `cmd:"" help:"report whether the host can assign devices through iommufd"`
	Attach AttachCMD `cmd:"" help:"attach VFIO devices to a scratch address space and detach them again"`
}

type ProbeCMD struct {
	SysRoot  string `name:"sysfs" default:"/sys" help:"sysfs mount point"`
	ProcRoot string `name:"procfs" default:"/proc" help:"procfs mount point"`
	KVM      string `default:"/dev/kvm" help:"KVM device to check, empty to skip"`
}

type AttachCMD struct {
	Device []string `short:"d" required:"" help:"sysfs path or bus name of a VFIO device, repeatable"`
	RAM    string   `default:"64M" help:"guest RAM size as number[gGmMkK], defaults to M"`
	Type1  bool     `name:"type1" help:"use legacy type1 containers instead of iommufd"`
	KVM    string   `default:"/dev/kvm" help:"KVM device to mirror descriptors into, empty to skip"`
	Report string   `type:"path" help:"write the dirty page report to this file" placeholder:"FILE"`
}

// Env is what subcommands run with. Nil drivers and kernels use the host.
type Env struct {
	Config   config.Config
	Log      *logrus.Logger
	Out      io.Writer
	Registry *prometheus.Registry

	Kernel  backend.Kernel
	Driver  container.DeviceDriver
	Legacy  container.LegacyDriver
	Tracker container.Tracker
}

func newParser(c *CLI) (*kong.Kong, error) {
	programName := "govfio"
	programDesc := "govfio manages host IOMMU mappings for VFIO device assignment"

	return kong.New(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}

// ParseArgs parses args without running anything.
func ParseArgs(args []string) (*CLI, *kong.Context, error) {
	c := &CLI{}

	parser, err := newParser(c)
	if err != nil {
		return nil, nil, err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return nil, nil, err
	}

	return c, ctx, nil
}

// NewEnv loads the configuration and sets up logging and metrics the way
// the global flags ask.
func (c *CLI) NewEnv(out io.Writer) (*Env, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}

	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}

	if c.Metrics {
		cfg.Metrics.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logrus.StandardLogger()
	if err := cfg.Log.Apply(log); err != nil {
		return nil, err
	}

	env := &Env{Config: cfg, Log: log, Out: out}

	if cfg.Metrics.Enabled {
		env.Registry = prometheus.NewRegistry()
		if err := container.RegisterMetrics(env.Registry); err != nil {
			return nil, err
		}
	}

	return env, nil
}

// DumpMetrics writes every gathered metric family to w. It does nothing
// when metrics are disabled.
func (e *Env) DumpMetrics(w io.Writer) error {
	if e.Registry == nil {
		return nil
	}

	mfs, err := e.Registry.Gather()
	if err != nil {
		return err
	}

	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}

// Parse runs the command line of the process.
func Parse() error {
	c, ctx, err := ParseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	if c.Profile != "" {
		defer profile.Start(profile.ProfilePath(c.Profile), profile.NoShutdownHook, profile.Quiet).Stop()
	}

	env, err := c.NewEnv(os.Stdout)
	if err != nil {
		return err
	}

	err = ctx.Run(env)

	if merr := env.DumpMetrics(os.Stdout); merr != nil && err == nil {
		err = merr
	}

	return err
}
