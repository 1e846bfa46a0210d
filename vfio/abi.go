// Package vfio speaks the VFIO device and type1 container protocols.
package vfio

import "github.com/bobuhiro11/govfio/ioctl"

const (
	vfioType = ';'
	vfioBase = 100
)

var (
	vfioGetAPIVersion       = ioctl.IIO(vfioType, vfioBase+0)
	vfioCheckExtension      = ioctl.IIO(vfioType, vfioBase+1)
	vfioSetIOMMU            = ioctl.IIO(vfioType, vfioBase+2)
	vfioGroupGetStatus      = ioctl.IIO(vfioType, vfioBase+3)
	vfioGroupSetContainer   = ioctl.IIO(vfioType, vfioBase+4)
	vfioGroupUnsetContainer = ioctl.IIO(vfioType, vfioBase+5)
	vfioGroupGetDeviceFD    = ioctl.IIO(vfioType, vfioBase+6)
	vfioDeviceGetInfo       = ioctl.IIO(vfioType, vfioBase+7)
	vfioDeviceReset         = ioctl.IIO(vfioType, vfioBase+11)
	vfioIOMMUGetInfo        = ioctl.IIO(vfioType, vfioBase+12)
	vfioIOMMUMapDMA         = ioctl.IIO(vfioType, vfioBase+13)
	vfioIOMMUUnmapDMA       = ioctl.IIO(vfioType, vfioBase+14)
	vfioDeviceFeature       = ioctl.IIO(vfioType, vfioBase+17)
	vfioIOMMUDirtyPages     = ioctl.IIO(vfioType, vfioBase+17)
	vfioDeviceBindIOMMUFD   = ioctl.IIO(vfioType, vfioBase+18)
	vfioDeviceAttachPT      = ioctl.IIO(vfioType, vfioBase+19)
	vfioDeviceDetachPT      = ioctl.IIO(vfioType, vfioBase+20)
)

// APIVersion is the only VFIO API version the kernel has ever reported.
const APIVersion = 0

// Extensions and IOMMU types.
const (
	Type1IOMMU   = 1
	Type1v2IOMMU = 3
)

// GroupFlagsViable is set once every device in the group is bound to a
// VFIO driver.
const GroupFlagsViable = 1 << 0

// Device info flags.
const (
	DeviceFlagsReset = 1 << 0
	DeviceFlagsPCI   = 1 << 1
	DeviceFlagsCaps  = 1 << 7
	DeviceFlagsCdev  = 1 << 8
)

// Device feature flags and ids.
const (
	DeviceFeatureMask  = 0xffff
	DeviceFeatureGet   = 1 << 16
	DeviceFeatureSet   = 1 << 17
	DeviceFeatureProbe = 1 << 18

	DeviceFeatureDMALoggingStart  = 6
	DeviceFeatureDMALoggingStop   = 7
	DeviceFeatureDMALoggingReport = 8
)

// Type1 map flags.
const (
	DMAMapFlagRead  = 1 << 0
	DMAMapFlagWrite = 1 << 1
)

// Dirty pages flags.
const (
	DirtyPagesFlagStart     = 1 << 0
	DirtyPagesFlagStop      = 1 << 1
	DirtyPagesFlagGetBitmap = 1 << 2
)

// IOMMU info flags and capability ids.
const (
	IOMMUInfoPgsizes = 1 << 0
	IOMMUInfoCaps    = 1 << 1

	IOMMUCapIOVARange = 1
	IOMMUCapMigration = 2
	IOMMUCapDMAAvail  = 3
)

// DeviceInfo is struct vfio_device_info.
type DeviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
	CapOffset  uint32
	Pad        uint32
}

// BindIOMMUFD is struct vfio_device_bind_iommufd.
type BindIOMMUFD struct {
	Argsz    uint32
	Flags    uint32
	IOMMUFD  int32
	OutDevID uint32
}

// AttachIOMMUFDPT is struct vfio_device_attach_iommufd_pt.
type AttachIOMMUFDPT struct {
	Argsz uint32
	Flags uint32
	PtID  uint32
}

// DetachIOMMUFDPT is struct vfio_device_detach_iommufd_pt.
type DetachIOMMUFDPT struct {
	Argsz uint32
	Flags uint32
}

// DMALoggingControl is struct vfio_device_feature_dma_logging_control.
type DMALoggingControl struct {
	PageSize  uint64
	NumRanges uint32
	_         uint32
	Ranges    uint64
}

// DMALoggingRange is struct vfio_device_feature_dma_logging_range.
type DMALoggingRange struct {
	IOVA   uint64
	Length uint64
}

// DMALoggingReportReq is struct vfio_device_feature_dma_logging_report.
type DMALoggingReportReq struct {
	IOVA     uint64
	Length   uint64
	PageSize uint64
	Bitmap   uint64
}

// GroupStatus is struct vfio_group_status.
type GroupStatus struct {
	Argsz uint32
	Flags uint32
}

// IOMMUType1Info is the fixed head of struct vfio_iommu_type1_info.
type IOMMUType1Info struct {
	Argsz       uint32
	Flags       uint32
	IOVAPgsizes uint64
	CapOffset   uint32
	Pad         uint32
}

// Type1DMAMap is struct vfio_iommu_type1_dma_map.
type Type1DMAMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

// Type1DMAUnmap is struct vfio_iommu_type1_dma_unmap without a bitmap.
type Type1DMAUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

// Bitmap is struct vfio_bitmap.
type Bitmap struct {
	PageSize uint64
	Size     uint64
	Data     uint64
}

// DirtyBitmapGet is struct vfio_iommu_type1_dirty_bitmap_get.
type DirtyBitmapGet struct {
	IOVA   uint64
	Size   uint64
	Bitmap Bitmap
}

type deviceFeatureLoggingStart struct {
	Argsz   uint32
	Flags   uint32
	Control DMALoggingControl
}

type deviceFeatureLoggingReport struct {
	Argsz  uint32
	Flags  uint32
	Report DMALoggingReportReq
}

type deviceFeature struct {
	Argsz uint32
	Flags uint32
}

type dirtyBitmap struct {
	Argsz uint32
	Flags uint32
}

type dirtyBitmapGet struct {
	Argsz uint32
	Flags uint32
	Get   DirtyBitmapGet
}
