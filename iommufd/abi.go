// Package iommufd speaks the /dev/iommu control protocol.
//
// Every command is a fixed-layout struct whose first field is its own size.
// The kernel uses that size to accept older and newer callers, so reserved
// fields must stay zero.
package iommufd

import "github.com/bobuhiro11/govfio/ioctl"

const iommufdType = ';'

const (
	cmdDestroy = 0x80 + iota
	cmdIOASAlloc
	cmdIOASAllowIOVAs
	cmdIOASCopy
	cmdIOASIOVARanges
	cmdIOASMap
	cmdIOASUnmap
	cmdOption
	cmdVFIOIOAS
	cmdHWPTAlloc
	cmdGetHWInfo
	cmdHWPTSetDirtyTracking
	cmdHWPTGetDirtyBitmap
	cmdHWPTInvalidate
)

// request numbers, all of the _IO form.
var (
	iommuDestroy              = ioctl.IIO(iommufdType, cmdDestroy)
	iommuIOASAlloc            = ioctl.IIO(iommufdType, cmdIOASAlloc)
	iommuIOASCopy             = ioctl.IIO(iommufdType, cmdIOASCopy)
	iommuIOASIOVARanges       = ioctl.IIO(iommufdType, cmdIOASIOVARanges)
	iommuIOASMap              = ioctl.IIO(iommufdType, cmdIOASMap)
	iommuIOASUnmap            = ioctl.IIO(iommufdType, cmdIOASUnmap)
	iommuOption               = ioctl.IIO(iommufdType, cmdOption)
	iommuHWPTAlloc            = ioctl.IIO(iommufdType, cmdHWPTAlloc)
	iommuGetHWInfo            = ioctl.IIO(iommufdType, cmdGetHWInfo)
	iommuHWPTSetDirtyTracking = ioctl.IIO(iommufdType, cmdHWPTSetDirtyTracking)
	iommuHWPTGetDirtyBitmap   = ioctl.IIO(iommufdType, cmdHWPTGetDirtyBitmap)
	iommuHWPTInvalidate       = ioctl.IIO(iommufdType, cmdHWPTInvalidate)
)

// IOAS map flags.
const (
	MapFixedIOVA = 1 << 0
	MapWriteable = 1 << 1
	MapReadable  = 1 << 2
)

// Option ids and operations.
const (
	OptionRLimitMode = 0
	OptionHugePages  = 1

	OptionOpSet = 0
	OptionOpGet = 1
)

// HWPT allocation flags.
const (
	HWPTAllocNestParent    = 1 << 0
	HWPTAllocDirtyTracking = 1 << 1
)

// HWPTSetDirtyTrackingEnable turns dirty tracking on for a HWPT.
const HWPTSetDirtyTrackingEnable = 1 << 0

// HWInfoCapDirtyTracking is reported in HWInfo.Capabilities when the IOMMU
// behind a device can track DMA writes.
const HWInfoCapDirtyTracking = 1 << 0

// Destroy is struct iommu_destroy.
type Destroy struct {
	Size uint32
	ID   uint32
}

// IOASAlloc is struct iommu_ioas_alloc.
type IOASAlloc struct {
	Size      uint32
	Flags     uint32
	OutIOASID uint32
}

// IOASMap is struct iommu_ioas_map.
type IOASMap struct {
	Size   uint32
	Flags  uint32
	IOASID uint32
	_      uint32
	UserVA uint64
	Length uint64
	IOVA   uint64
}

// IOASUnmap is struct iommu_ioas_unmap.
type IOASUnmap struct {
	Size   uint32
	IOASID uint32
	IOVA   uint64
	Length uint64
}

// IOASCopy is struct iommu_ioas_copy.
type IOASCopy struct {
	Size      uint32
	Flags     uint32
	DstIOASID uint32
	SrcIOASID uint32
	Length    uint64
	DstIOVA   uint64
	SrcIOVA   uint64
}

// IOASIOVARanges is struct iommu_ioas_iova_ranges.
type IOASIOVARanges struct {
	Size             uint32
	IOASID           uint32
	NumIOVAs         uint32
	_                uint32
	AllowedIOVAs     uint64
	OutIOVAAlignment uint64
}

// IOVARange is struct iommu_iova_range. Last is inclusive.
type IOVARange struct {
	Start uint64
	Last  uint64
}

// Option is struct iommu_option.
type Option struct {
	Size     uint32
	OptionID uint32
	Op       uint16
	_        uint16
	ObjectID uint32
	Val64    uint64
}

// HWPTAlloc is struct iommu_hwpt_alloc.
type HWPTAlloc struct {
	Size      uint32
	Flags     uint32
	DevID     uint32
	PtID      uint32
	OutHWPTID uint32
	_         uint32
	DataType  uint32
	DataLen   uint32
	DataUptr  uint64
}

// HWPTSetDirtyTracking is struct iommu_hwpt_set_dirty_tracking.
type HWPTSetDirtyTracking struct {
	Size   uint32
	Flags  uint32
	HWPTID uint32
	_      uint32
}

// HWPTGetDirtyBitmap is struct iommu_hwpt_get_dirty_bitmap.
type HWPTGetDirtyBitmap struct {
	Size     uint32
	HWPTID   uint32
	Flags    uint32
	_        uint32
	IOVA     uint64
	Length   uint64
	PageSize uint64
	Data     uint64
}

// HWPTInvalidate is struct iommu_hwpt_invalidate.
type HWPTInvalidate struct {
	Size     uint32
	HWPTID   uint32
	DataUptr uint64
	DataType uint32
	EntryLen uint32
	EntryNum uint32
	_        uint32
}

// HWInfo is struct iommu_hw_info.
type HWInfo struct {
	Size            uint32
	Flags           uint32
	DevID           uint32
	DataLen         uint32
	DataUptr        uint64
	OutDataType     uint32
	_               uint32
	OutCapabilities uint64
}
