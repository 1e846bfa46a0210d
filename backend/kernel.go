package backend

import "github.com/bobuhiro11/govfio/iommufd"

// Kernel is the iommufd command set a Handle issues. The default forwards
// to package iommufd.
type Kernel interface {
	Open(path string) (int, error)
	Close(fd int) error
	AllocIOAS(fd int) (uint32, error)
	DestroyID(fd int, id uint32) error
	SetOption(fd int, objectID, optionID uint32, val uint64) error
	IOVARanges(fd int, ioas uint32) ([]iommufd.IOVARange, uint64, error)
	MapIOAS(fd int, ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error
	UnmapIOAS(fd int, ioas uint32, iova, size uint64) error
	CopyIOAS(fd int, src, dst uint32, iova, size uint64, readOnly bool) error
	AllocHWPT(fd int, devID, ptID, flags, dataType uint32, data []byte) (uint32, error)
	SetDirtyTracking(fd int, hwpt uint32, enable bool) error
	GetDirtyBitmap(fd int, hwpt uint32, iova, size, pageSize uint64, bitmap []uint64) error
	Invalidate(fd int, hwpt, dataType, entryLen, entryNum uint32, entries []byte) (uint32, error)
	GetHWInfo(fd int, devID uint32) (iommufd.HWInfo, error)
}

type sysKernel struct{}

func (sysKernel) Open(path string) (int, error) { return iommufd.Open(path) }

func (sysKernel) Close(fd int) error { return closeFD(fd) }

func (sysKernel) AllocIOAS(fd int) (uint32, error) { return iommufd.AllocIOAS(fd) }

func (sysKernel) DestroyID(fd int, id uint32) error { return iommufd.DestroyID(fd, id) }

func (sysKernel) SetOption(fd int, objectID, optionID uint32, val uint64) error {
	return iommufd.SetOption(fd, objectID, optionID, val)
}

func (sysKernel) IOVARanges(fd int, ioas uint32) ([]iommufd.IOVARange, uint64, error) {
	return iommufd.IOVARanges(fd, ioas)
}

func (sysKernel) MapIOAS(fd int, ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error {
	return iommufd.MapIOAS(fd, ioas, iova, size, vaddr, readOnly)
}

func (sysKernel) UnmapIOAS(fd int, ioas uint32, iova, size uint64) error {
	return iommufd.UnmapIOAS(fd, ioas, iova, size)
}

func (sysKernel) CopyIOAS(fd int, src, dst uint32, iova, size uint64, readOnly bool) error {
	return iommufd.CopyIOAS(fd, src, dst, iova, size, readOnly)
}

func (sysKernel) AllocHWPT(fd int, devID, ptID, flags, dataType uint32, data []byte) (uint32, error) {
	return iommufd.AllocHWPT(fd, devID, ptID, flags, dataType, data)
}

func (sysKernel) SetDirtyTracking(fd int, hwpt uint32, enable bool) error {
	return iommufd.SetDirtyTracking(fd, hwpt, enable)
}

func (sysKernel) GetDirtyBitmap(fd int, hwpt uint32, iova, size, pageSize uint64, bitmap []uint64) error {
	return iommufd.GetDirtyBitmap(fd, hwpt, iova, size, pageSize, bitmap)
}

func (sysKernel) Invalidate(fd int, hwpt, dataType, entryLen, entryNum uint32, entries []byte) (uint32, error) {
	return iommufd.Invalidate(fd, hwpt, dataType, entryLen, entryNum, entries)
}

func (sysKernel) GetHWInfo(fd int, devID uint32) (iommufd.HWInfo, error) {
	return iommufd.GetHWInfo(fd, devID)
}
