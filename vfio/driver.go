package vfio

import (
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// CdevDriver performs per-device calls on /dev/vfio/devices nodes.
type CdevDriver struct {
	DevicesDir string
}

// NewCdevDriver returns a driver rooted at the default devices directory.
func NewCdevDriver() *CdevDriver {
	return &CdevDriver{DevicesDir: DefaultDevicesDir}
}

func (d *CdevDriver) Open(sysfsDev string) (int, error) {
	return OpenCdev(sysfsDev, d.DevicesDir)
}

func (d *CdevDriver) Close(fd int) error {
	return unix.Close(fd)
}

func (d *CdevDriver) Bind(fd, iommufd int) (uint32, error) {
	return BindDevice(fd, iommufd)
}

func (d *CdevDriver) AttachPT(fd int, ptID uint32) error {
	return AttachPT(fd, ptID)
}

func (d *CdevDriver) DetachPT(fd int) error {
	return DetachPT(fd)
}

func (d *CdevDriver) Info(fd int) (DeviceInfo, error) {
	return GetDeviceInfo(fd)
}

func (d *CdevDriver) Reset(fd int) error {
	return ResetDevice(fd)
}

func (d *CdevDriver) DMALoggingSupported(fd int) bool {
	return ProbeFeature(fd, DeviceFeatureDMALoggingStart)
}

func (d *CdevDriver) DMALoggingStart(fd int, pageSize uint64, ranges []DMALoggingRange) error {
	return DMALoggingStart(fd, pageSize, ranges)
}

func (d *CdevDriver) DMALoggingStop(fd int) error {
	return DMALoggingStop(fd)
}

func (d *CdevDriver) DMALoggingReport(fd int, iova, size, pageSize uint64, bitmap []uint64) error {
	return DMALoggingReport(fd, iova, size, pageSize, bitmap)
}

// Type1Driver performs group and container calls of the legacy interface.
type Type1Driver struct {
	ContainerPath string
	GroupDir      string
}

// NewType1Driver returns a driver using the default device nodes.
func NewType1Driver() *Type1Driver {
	return &Type1Driver{ContainerPath: DefaultContainerPath, GroupDir: DefaultGroupDir}
}

func (d *Type1Driver) OpenContainer() (int, error) {
	fd, err := unix.Open(d.ContainerPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", d.ContainerPath, err)
	}

	if v, err := GetAPIVersion(fd); err != nil || v != APIVersion {
		unix.Close(fd)

		return -1, fmt.Errorf("%s: unsupported API version %d: %w", d.ContainerPath, v, err)
	}

	return fd, nil
}

func (d *Type1Driver) OpenGroup(group int) (int, error) {
	path := filepath.Join(d.GroupDir, strconv.Itoa(group))

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}

	return fd, nil
}

func (d *Type1Driver) Close(fd int) error {
	return unix.Close(fd)
}

func (d *Type1Driver) GroupViable(groupFd int) (bool, error) {
	return GroupViable(groupFd)
}

func (d *Type1Driver) SetContainer(groupFd, containerFd int) error {
	return GroupSetContainer(groupFd, containerFd)
}

func (d *Type1Driver) UnsetContainer(groupFd, containerFd int) error {
	return GroupUnsetContainer(groupFd, containerFd)
}

func (d *Type1Driver) CheckExtension(containerFd int, ext uint32) bool {
	return CheckExtension(containerFd, ext)
}

func (d *Type1Driver) SetIOMMU(containerFd int, typ uint32) error {
	return SetIOMMU(containerFd, typ)
}

func (d *Type1Driver) IOMMUInfo(containerFd int) (IOMMUInfo, error) {
	return GetIOMMUInfo(containerFd)
}

func (d *Type1Driver) GroupDeviceFD(groupFd int, name string) (int, error) {
	return GroupGetDeviceFD(groupFd, name)
}

func (d *Type1Driver) MapDMA(fd int, iova, size uint64, vaddr uintptr, readOnly bool) error {
	return MapDMA(fd, iova, size, vaddr, readOnly)
}

func (d *Type1Driver) UnmapDMA(fd int, iova, size uint64) error {
	return UnmapDMA(fd, iova, size)
}

func (d *Type1Driver) SetDirtyPages(fd int, start bool) error {
	return SetDirtyPages(fd, start)
}

func (d *Type1Driver) DirtyBitmap(fd int, iova, size, pageSize uint64, bitmap []uint64) error {
	return GetDirtyBitmap(fd, iova, size, pageSize, bitmap)
}
