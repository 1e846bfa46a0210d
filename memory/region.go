// Package memory models the guest memory topology VFIO containers listen
// to: regions, the sections they are mapped at, address spaces with
// listeners, RAM discard managers and emulated IOMMUs.
package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errEmptyRegion = errors.New("region size must be non-zero")

// RegionType tells listeners how a region is backed.
type RegionType uint8

const (
	RAM RegionType = 0 + iota
	ROM
	IO
	RAMDevice
	IOMMU
)

func (t RegionType) String() string {
	switch t {
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	case IO:
		return "io"
	case RAMDevice:
		return "ram-device"
	case IOMMU:
		return "iommu"
	}

	return fmt.Sprintf("RegionType(%d)", uint8(t))
}

// Region is a contiguous piece of guest visible memory.
type Region struct {
	Name string
	Type RegionType
	Size uint64

	// HostAddr is where RAM backed regions live in this process.
	HostAddr uintptr
	// RAMAddr locates the region in the global dirty log.
	RAMAddr uint64

	ReadOnly bool
	// Protected regions hold confidential guest memory the host cannot
	// hand to a device.
	Protected bool
	// Owner names the device model the region belongs to.
	Owner string

	// Discard is set when parts of the region may be unbacked at runtime.
	Discard DiscardManager
	// Translator is set for IOMMU regions.
	Translator *IOMMURegion

	refs atomic.Int32
	buf  []byte
}

// NewRAM allocates anonymous shared memory backing a RAM region.
func NewRAM(name string, size, ramAddr uint64) (*Region, error) {
	if size == 0 {
		return nil, errEmptyRegion
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}

	return &Region{
		Name:     name,
		Type:     RAM,
		Size:     size,
		HostAddr: uintptr(unsafe.Pointer(&buf[0])),
		RAMAddr:  ramAddr,
		buf:      buf,
	}, nil
}

// Bytes returns the memory of a region allocated by NewRAM.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Free releases memory allocated by NewRAM.
func (r *Region) Free() error {
	if r.buf == nil {
		return nil
	}

	err := unix.Munmap(r.buf)
	r.buf = nil
	r.HostAddr = 0

	return err
}

// IsRAM reports whether the region is backed by host memory.
func (r *Region) IsRAM() bool {
	return r.Type == RAM || r.Type == ROM || r.Type == RAMDevice
}

// IsRAMDevice reports whether the region is a device BAR mapped as RAM.
func (r *Region) IsRAMDevice() bool {
	return r.Type == RAMDevice
}

// IsIOMMU reports whether accesses go through an emulated IOMMU.
func (r *Region) IsIOMMU() bool {
	return r.Type == IOMMU
}

// HasDiscardManager reports whether parts of the region may be unbacked.
func (r *Region) HasDiscardManager() bool {
	return r.Discard != nil
}

// Ref takes a reference on behalf of a listener that keeps the region in
// its metadata.
func (r *Region) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference taken by Ref.
func (r *Region) Unref() {
	if r.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("region %s: reference count underflow", r.Name))
	}
}

// Refs returns the number of outstanding references.
func (r *Region) Refs() int32 {
	return r.refs.Load()
}
