package probe

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/prometheus/procfs"
)

// Modules are the kernel modules VFIO device assignment depends on.
var Modules = []string{"vfio", "vfio_pci", "vfio_iommu_type1", "iommufd"}

// IOMMUFD is the part of the iommufd backend the probe exercises.
type IOMMUFD interface {
	Connect() error
	Disconnect()
	FD() int
	AllocIOAS() (uint32, error)
	FreeID(id uint32)
	IOVARanges(ioas uint32) ([]iommufd.IOVARange, error)
}

// Host describes where the probe looks.
type Host struct {
	SysRoot       string
	ContainerPath string
	DevicesDir    string
	// ProcRoot is where procfs is mounted; empty skips the memlock
	// check.
	ProcRoot string
}

// Report is what the probe found.
type Report struct {
	IOMMUGroups   int
	Modules       map[string]bool
	ContainerNode bool
	Cdevs         []string
	IOMMUFDErr    error
	IOVARanges    []iommufd.IOVARange
	// LockedMemory is RLIMIT_MEMLOCK of this process, MaxUint64 when
	// unlimited and 0 when not checked.
	LockedMemory uint64
	LimitsErr    error
}

// Ready reports whether a device could be assigned through iommufd.
func (r Report) Ready() bool {
	return r.IOMMUGroups > 0 && r.IOMMUFDErr == nil
}

// IOMMU inspects the host. A missing iommufd is recorded in the report;
// only failures to read sysfs are returned.
func IOMMU(h Host, be IOMMUFD) (Report, error) {
	r := Report{Modules: map[string]bool{}}

	groups, err := os.ReadDir(filepath.Join(h.SysRoot, "kernel", "iommu_groups"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return r, err
	}

	r.IOMMUGroups = len(groups)

	for _, m := range Modules {
		_, err := os.Stat(filepath.Join(h.SysRoot, "module", m))
		r.Modules[m] = err == nil
	}

	if _, err := os.Stat(h.ContainerPath); err == nil {
		r.ContainerNode = true
	}

	if cdevs, err := os.ReadDir(h.DevicesDir); err == nil {
		for _, c := range cdevs {
			r.Cdevs = append(r.Cdevs, c.Name())
		}
	}

	r.IOVARanges, r.IOMMUFDErr = ioasRanges(be)

	if h.ProcRoot != "" {
		r.LockedMemory, r.LimitsErr = lockedMemory(h.ProcRoot)
	}

	return r, nil
}

// ioasRanges reports the IOVA ranges of a fresh IOAS.
func ioasRanges(be IOMMUFD) ([]iommufd.IOVARange, error) {
	if err := be.Connect(); err != nil {
		return nil, err
	}
	defer be.Disconnect()

	ioas, err := be.AllocIOAS()
	if err != nil {
		return nil, err
	}
	defer be.FreeID(ioas)

	return be.IOVARanges(ioas)
}

func lockedMemory(procRoot string) (uint64, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return 0, err
	}

	p, err := fs.Self()
	if err != nil {
		return 0, err
	}

	l, err := p.Limits()
	if err != nil {
		return 0, err
	}

	return l.LockedMemory, nil
}

// Print writes r in the form the probe command shows.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "IOMMU groups: %d\n", r.IOMMUGroups)

	fmt.Fprintf(w, "Modules:")

	for _, m := range Modules {
		state := "-"
		if r.Modules[m] {
			state = "+"
		}

		fmt.Fprintf(w, " %s%s", state, m)
	}

	fmt.Fprintf(w, "\nType1 container node: %t\n", r.ContainerNode)
	fmt.Fprintf(w, "VFIO cdevs: %d %v\n", len(r.Cdevs), r.Cdevs)

	if r.IOMMUFDErr != nil {
		fmt.Fprintf(w, "iommufd: unavailable: %v\n", r.IOMMUFDErr)
	} else {
		fmt.Fprintf(w, "iommufd: IOVA ranges of a new IOAS:\n")

		for _, rg := range r.IOVARanges {
			fmt.Fprintf(w, "* %#x-%#x\n", rg.Start, rg.Last)
		}
	}

	switch {
	case r.LimitsErr != nil:
		fmt.Fprintf(w, "RLIMIT_MEMLOCK: unknown: %v\n", r.LimitsErr)
	case r.LockedMemory == 0:
	case r.LockedMemory == math.MaxUint64:
		fmt.Fprintf(w, "RLIMIT_MEMLOCK: unlimited\n")
	default:
		fmt.Fprintf(w, "RLIMIT_MEMLOCK: %d bytes\n", r.LockedMemory)
	}
}
