package flag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobuhiro11/govfio/backend"
	"github.com/bobuhiro11/govfio/config"
	"github.com/bobuhiro11/govfio/container"
	"github.com/bobuhiro11/govfio/kvm"
	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/migration"
	"github.com/bobuhiro11/govfio/probe"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func (e *Env) backend() *backend.Handle {
	c := e.Config.IOMMUFD
	opts := []backend.Option{
		backend.WithHugePages(c.HugePages),
		backend.WithLogger(e.Log.WithField("subsystem", "backend")),
	}

	if e.Kernel != nil {
		opts = append(opts, backend.WithKernel(e.Kernel))
	}

	if c.Owned() {
		return backend.New(append(opts, backend.WithPath(c.Path))...)
	}

	return backend.NewFromFD(c.FD, opts...)
}

func (d *ProbeCMD) Run(env *Env) error {
	r, err := probe.IOMMU(probe.Host{
		SysRoot:       d.SysRoot,
		ContainerPath: env.Config.VFIO.ContainerPath,
		DevicesDir:    env.Config.VFIO.DevicesDir,
		ProcRoot:      d.ProcRoot,
	}, env.backend())
	if err != nil {
		return err
	}

	r.Print(env.Out)

	if d.KVM == "" {
		return nil
	}

	k, err := probe.KVM(d.KVM)
	if err != nil {
		fmt.Fprintf(env.Out, "KVM: unavailable: %v\n", err)

		return nil
	}

	k.Print(env.Out)

	return nil
}

// tracker opens a VM to mirror descriptors into. Hosts without KVM still
// attach; only the coherency hints are lost.
func (a *AttachCMD) tracker(env *Env, log *logrus.Entry) (container.Tracker, func()) {
	if env.Tracker != nil {
		return env.Tracker, func() {}
	}

	if a.KVM == "" {
		return nil, func() {}
	}

	f, err := os.OpenFile(a.KVM, os.O_RDWR, 0)
	if err != nil {
		log.WithError(err).Warn("KVM unavailable, descriptors are not mirrored")

		return nil, func() {}
	}

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		f.Close()
		log.WithError(err).Warn("cannot create VM, descriptors are not mirrored")

		return nil, func() {}
	}

	v := kvm.NewVFIODevice(vmFd)

	return v, func() {
		if err := v.Close(); err != nil {
			log.WithError(err).Warn("closing kvm-vfio device")
		}

		unix.Close(int(vmFd))
		f.Close()
	}
}

func (a *AttachCMD) devices(env *Env, be container.Backend) ([]*container.Device, error) {
	devs := make([]*container.Device, 0, len(a.Device))

	for _, dev := range a.Device {
		sysfs := dev
		if !strings.ContainsRune(dev, '/') {
			sysfs = filepath.Join(env.Config.VFIO.SysfsDir, dev)
		}

		d := &container.Device{
			Name:     vfio.DeviceName(sysfs),
			SysfsDev: sysfs,
		}

		if a.Type1 {
			g, err := vfio.IOMMUGroup(sysfs)
			if err != nil {
				return nil, err
			}

			d.Group = g
		} else {
			d.Backend = be
		}

		devs = append(devs, d)
	}

	return devs, nil
}

func (a *AttachCMD) Run(env *Env) error {
	cfg := env.Config
	log := env.Log.WithField("subsystem", "attach")

	size, err := config.ParseSize(a.RAM, "m")
	if err != nil {
		return err
	}

	pageSize, err := cfg.Memory.PageSizeBytes()
	if err != nil {
		return err
	}

	ram, err := memory.NewRAM("pc.ram", uint64(size), 0)
	if err != nil {
		return err
	}
	defer ram.Free()

	system := memory.NewAddressSpace("memory")
	if err := system.AddRegion(ram, 0); err != nil {
		return err
	}

	driver := env.Driver
	if driver == nil {
		driver = &vfio.CdevDriver{DevicesDir: cfg.VFIO.DevicesDir}
	}

	legacy := env.Legacy
	if legacy == nil {
		legacy = &vfio.Type1Driver{ContainerPath: cfg.VFIO.ContainerPath, GroupDir: vfio.DefaultGroupDir}
	}

	opts := []container.Option{
		container.WithDeviceDriver(driver),
		container.WithLegacyDriver(legacy),
		container.WithMaxMemslots(cfg.Memory.MaxMemslots),
		container.WithLogger(env.Log.WithField("subsystem", "container")),
	}

	if pageSize != 0 {
		opts = append(opts, container.WithPageSize(pageSize))
	}

	tracker, closeTracker := a.tracker(env, log)
	defer closeTracker()

	if tracker != nil {
		opts = append(opts, container.WithTracker(tracker))
	}

	s := container.NewSession(system, opts...)

	devs, err := a.devices(env, env.backend())
	if err != nil {
		return err
	}

	g := new(errgroup.Group)

	for _, d := range devs {
		d := d

		g.Go(func() error {
			return s.Attach(system, d)
		})
	}

	defer func() {
		for _, d := range devs {
			if d.Container() == nil {
				continue
			}

			if err := s.Detach(d); err != nil {
				log.WithError(err).WithField("device", d.Name).Warn("detach")
			}
		}
	}()

	if err := g.Wait(); err != nil {
		return err
	}

	Report(env.Out, s)

	if err := dirtyCycle(env.Out, s, system); err != nil {
		return err
	}

	if a.Report == "" {
		return nil
	}

	return writeReport(a.Report, s)
}

// Report prints the containers of s with their windows and devices.
func Report(w io.Writer, s *container.Session) {
	for _, sp := range s.Spaces() {
		fmt.Fprintf(w, "address space %s\n", sp.AddressSpace().Name)

		for _, c := range sp.Containers() {
			fmt.Fprintf(w, "  container %d kind=%s pgsizes=%#x dirty=%t\n",
				c.ID, c.Kind(), c.PageSizes(), c.DirtyPagesSupported())

			for _, win := range c.Windows() {
				fmt.Fprintf(w, "    window %#x-%#x pgsizes=%#x\n", win.MinIOVA, win.MaxIOVA, win.PageSizes)
			}

			for _, d := range c.Devices() {
				if id, ok := d.HWPTID(); ok {
					fmt.Fprintf(w, "    device %s fd=%d devid=%d hwpt=%d\n", d.Name, d.FD(), d.DevID(), id)

					continue
				}

				fmt.Fprintf(w, "    device %s fd=%d\n", d.Name, d.FD())
			}
		}
	}

	if b := s.Migration().Blockers(); len(b) > 0 {
		fmt.Fprintf(w, "migration blockers:\n")

		for _, r := range b {
			fmt.Fprintf(w, "* %s\n", r)
		}
	}
}

// dirtyCycle runs one start, sync, stop round of dirty tracking the way a
// dirty rate measurement does.
func dirtyCycle(w io.Writer, s *container.Session, system *memory.AddressSpace) error {
	s.SetGlobalDirtyDevices(true)
	defer s.SetGlobalDirtyDevices(false)

	if err := system.StartLogging(); err != nil {
		return fmt.Errorf("start dirty tracking: %w", err)
	}

	system.Sync()
	system.StopLogging()

	fmt.Fprintf(w, "dirty pages: %d\n", s.DirtyLog().Count())

	return nil
}

// writeReport saves the dirty log and the migration blockers of s in the
// framed report format.
func writeReport(path string, s *container.Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	snd := migration.NewSender(f)

	for _, send := range []func() error{
		func() error { return snd.SendDirtyLog(s.DirtyLog()) },
		func() error { return snd.SendBlockers(s.Migration()) },
		snd.SendDone,
	} {
		if err := send(); err != nil {
			f.Close()

			return err
		}
	}

	return f.Close()
}
