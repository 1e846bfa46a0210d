package container

import (
	"fmt"

	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/bobuhiro11/govfio/vfio"
)

// Kind tells the two container flavours apart.
type Kind int

const (
	KindIOMMUFD Kind = iota
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindIOMMUFD:
		return "iommufd"
	case KindLegacy:
		return "legacy"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Feature is an optional container capability.
type Feature int

const (
	// FeatureLiveMigration means the container can report dirty pages.
	FeatureLiveMigration Feature = iota
	// FeatureDMACopy means mappings can be copied from a sibling container.
	FeatureDMACopy
)

// Ops is the kernel facing half of a container. Both flavours share the
// same contract and differ only in the calls they issue.
type Ops interface {
	Kind() Kind
	Map(iova, size uint64, vaddr uintptr, readOnly bool) error
	Unmap(iova, size uint64) error
	// Copy duplicates the mapping of [iova, iova+size) into dst.
	Copy(dst Ops, iova, size uint64, readOnly bool) error
	Supports(f Feature) bool
	SetDirtyTracking(start bool) error
	QueryDirtyBitmap(bitmap []uint64, iova, size, pageSize uint64) error
	// Detach removes d from the kernel objects of the container.
	Detach(d *Device) error
	// Empty reports whether no device uses the container any more.
	Empty() bool
	// Release frees the kernel objects of an empty container.
	Release() error
}

// Backend is the iommufd connection devices bind to. *backend.Handle
// implements it.
type Backend interface {
	Connect() error
	Disconnect()
	FD() int
	AllocIOAS() (uint32, error)
	FreeID(id uint32)
	IOVARanges(ioas uint32) ([]iommufd.IOVARange, error)
	Map(ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error
	Unmap(ioas uint32, iova, size uint64) error
	Copy(src, dst uint32, iova, size uint64, readOnly bool) error
	AllocHWPT(devID, ptID, flags uint32) (uint32, error)
	GetHWInfo(devID uint32) (iommufd.HWInfo, error)
	SetDirtyTracking(hwpt uint32, enable bool) error
	GetDirtyBitmap(hwpt uint32, iova, size, pageSize uint64, bitmap []uint64) error
}

// DeviceDriver issues per-device VFIO calls. *vfio.CdevDriver implements
// it.
type DeviceDriver interface {
	Open(sysfsDev string) (int, error)
	Close(fd int) error
	Bind(fd, iommufd int) (uint32, error)
	AttachPT(fd int, ptID uint32) error
	DetachPT(fd int) error
	Info(fd int) (vfio.DeviceInfo, error)
	Reset(fd int) error
	DMALoggingSupported(fd int) bool
	DMALoggingStart(fd int, pageSize uint64, ranges []vfio.DMALoggingRange) error
	DMALoggingStop(fd int) error
	DMALoggingReport(fd int, iova, size, pageSize uint64, bitmap []uint64) error
}

// LegacyDriver issues type1 group and container calls. *vfio.Type1Driver
// implements it.
type LegacyDriver interface {
	OpenContainer() (int, error)
	OpenGroup(group int) (int, error)
	Close(fd int) error
	GroupViable(groupFd int) (bool, error)
	SetContainer(groupFd, containerFd int) error
	UnsetContainer(groupFd, containerFd int) error
	CheckExtension(containerFd int, ext uint32) bool
	SetIOMMU(containerFd int, typ uint32) error
	IOMMUInfo(containerFd int) (vfio.IOMMUInfo, error)
	GroupDeviceFD(groupFd int, name string) (int, error)
	MapDMA(fd int, iova, size uint64, vaddr uintptr, readOnly bool) error
	UnmapDMA(fd int, iova, size uint64) error
	SetDirtyPages(fd int, start bool) error
	DirtyBitmap(fd int, iova, size, pageSize uint64, bitmap []uint64) error
}

// Tracker mirrors VFIO descriptors into the hypervisor. *kvm.VFIODevice
// implements it.
type Tracker interface {
	Add(fd int) error
	Del(fd int) error
}
