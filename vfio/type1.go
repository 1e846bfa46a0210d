package vfio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultContainerPath is the legacy container character device.
const DefaultContainerPath = "/dev/vfio/vfio"

var errTruncatedCap = errors.New("truncated iommu capability")

// Range is an inclusive IOVA range reported by the type1 IOMMU.
type Range struct {
	Start uint64
	End   uint64
}

// MigrationCap is VFIO_IOMMU_TYPE1_INFO_CAP_MIGRATION.
type MigrationCap struct {
	Flags              uint32
	PgsizeBitmap       uint64
	MaxDirtyBitmapSize uint64
}

// IOMMUInfo is the decoded VFIO_IOMMU_GET_INFO answer.
type IOMMUInfo struct {
	Flags       uint32
	IOVAPgsizes uint64
	Ranges      []Range
	Migration   *MigrationCap
	DMAAvail    uint32
	HasDMAAvail bool
}

// GetAPIVersion returns VFIO_GET_API_VERSION of a container.
func GetAPIVersion(fd int) (int, error) {
	res, err := do(fd, vfioGetAPIVersion, "VFIO_GET_API_VERSION", 0)

	return int(res), err
}

// CheckExtension reports whether the container supports ext.
func CheckExtension(fd int, ext uint32) bool {
	res, err := do(fd, vfioCheckExtension, "VFIO_CHECK_EXTENSION", uintptr(ext))

	return err == nil && res > 0
}

// SetIOMMU selects the IOMMU model of a container. At least one group must
// already be attached.
func SetIOMMU(fd int, typ uint32) error {
	_, err := do(fd, vfioSetIOMMU, "VFIO_SET_IOMMU", uintptr(typ))

	return err
}

// GroupViable reports whether every device of the group is bound to VFIO.
func GroupViable(groupFd int) (bool, error) {
	s := GroupStatus{}
	s.Argsz = uint32(unsafe.Sizeof(s))

	if _, err := do(groupFd, vfioGroupGetStatus, "VFIO_GROUP_GET_STATUS", uintptr(unsafe.Pointer(&s))); err != nil {
		return false, err
	}

	return s.Flags&GroupFlagsViable != 0, nil
}

// GroupSetContainer adds a group to a container.
func GroupSetContainer(groupFd, containerFd int) error {
	fd := int32(containerFd)
	_, err := do(groupFd, vfioGroupSetContainer, "VFIO_GROUP_SET_CONTAINER", uintptr(unsafe.Pointer(&fd)))

	return err
}

// GroupUnsetContainer removes a group from its container.
func GroupUnsetContainer(groupFd, containerFd int) error {
	fd := int32(containerFd)
	_, err := do(groupFd, vfioGroupUnsetContainer, "VFIO_GROUP_UNSET_CONTAINER", uintptr(unsafe.Pointer(&fd)))

	return err
}

// GroupGetDeviceFD opens the named device of a group.
func GroupGetDeviceFD(groupFd int, name string) (int, error) {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return -1, err
	}

	res, err := do(groupFd, vfioGroupGetDeviceFD, "VFIO_GROUP_GET_DEVICE_FD", uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)

	if err != nil {
		return -1, err
	}

	return int(res), nil
}

// GetIOMMUInfo reads the type1 IOMMU info including its capability chain.
func GetIOMMUInfo(fd int) (IOMMUInfo, error) {
	argsz := uint32(unsafe.Sizeof(IOMMUType1Info{}))

	for {
		buf := make([]uint64, (argsz+7)/8)
		head := (*IOMMUType1Info)(unsafe.Pointer(&buf[0]))
		head.Argsz = argsz

		if _, err := do(fd, vfioIOMMUGetInfo, "VFIO_IOMMU_GET_INFO", uintptr(unsafe.Pointer(&buf[0]))); err != nil {
			return IOMMUInfo{}, err
		}

		if head.Argsz > argsz {
			argsz = head.Argsz

			continue
		}

		raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), int(argsz))

		return ParseIOMMUInfo(append([]byte(nil), raw...))
	}
}

// ParseIOMMUInfo decodes a raw vfio_iommu_type1_info buffer.
func ParseIOMMUInfo(raw []byte) (IOMMUInfo, error) {
	if len(raw) < 24 {
		return IOMMUInfo{}, errTruncatedCap
	}

	le := binary.NativeEndian
	info := IOMMUInfo{
		Flags:       le.Uint32(raw[4:]),
		IOVAPgsizes: le.Uint64(raw[8:]),
	}

	if info.Flags&IOMMUInfoCaps == 0 {
		return info, nil
	}

	for off := le.Uint32(raw[16:]); off != 0; {
		if int(off)+8 > len(raw) {
			return info, fmt.Errorf("cap at %#x: %w", off, errTruncatedCap)
		}

		c := raw[off:]
		id := le.Uint16(c[0:])
		next := le.Uint32(c[4:])

		switch id {
		case IOMMUCapIOVARange:
			if len(c) < 16 {
				return info, errTruncatedCap
			}

			n := int(le.Uint32(c[8:]))
			if len(c) < 16+n*16 {
				return info, errTruncatedCap
			}

			for i := 0; i < n; i++ {
				r := c[16+i*16:]
				info.Ranges = append(info.Ranges, Range{Start: le.Uint64(r[0:]), End: le.Uint64(r[8:])})
			}
		case IOMMUCapMigration:
			if len(c) < 32 {
				return info, errTruncatedCap
			}

			info.Migration = &MigrationCap{
				Flags:              le.Uint32(c[8:]),
				PgsizeBitmap:       le.Uint64(c[16:]),
				MaxDirtyBitmapSize: le.Uint64(c[24:]),
			}
		case IOMMUCapDMAAvail:
			if len(c) < 12 {
				return info, errTruncatedCap
			}

			info.DMAAvail = le.Uint32(c[8:])
			info.HasDMAAvail = true
		}

		if next != 0 && next <= off {
			return info, fmt.Errorf("cap chain loops at %#x: %w", next, errTruncatedCap)
		}

		off = next
	}

	return info, nil
}

// MapDMA maps size bytes at vaddr to iova in a type1 container.
func MapDMA(fd int, iova, size uint64, vaddr uintptr, readOnly bool) error {
	m := Type1DMAMap{
		Flags: DMAMapFlagRead,
		Vaddr: uint64(vaddr),
		IOVA:  iova,
		Size:  size,
	}
	m.Argsz = uint32(unsafe.Sizeof(m))

	if !readOnly {
		m.Flags |= DMAMapFlagWrite
	}

	_, err := do(fd, vfioIOMMUMapDMA, "VFIO_IOMMU_MAP_DMA", uintptr(unsafe.Pointer(&m)))

	return err
}

// UnmapDMA unmaps [iova, iova+size) from a type1 container.
func UnmapDMA(fd int, iova, size uint64) error {
	u := Type1DMAUnmap{IOVA: iova, Size: size}
	u.Argsz = uint32(unsafe.Sizeof(u))

	_, err := do(fd, vfioIOMMUUnmapDMA, "VFIO_IOMMU_UNMAP_DMA", uintptr(unsafe.Pointer(&u)))

	return err
}

// SetDirtyPages starts or stops container wide dirty page tracking.
func SetDirtyPages(fd int, start bool) error {
	d := dirtyBitmap{Flags: DirtyPagesFlagStop}
	d.Argsz = uint32(unsafe.Sizeof(d))

	if start {
		d.Flags = DirtyPagesFlagStart
	}

	_, err := do(fd, vfioIOMMUDirtyPages, "VFIO_IOMMU_DIRTY_PAGES", uintptr(unsafe.Pointer(&d)))

	return err
}

// GetDirtyBitmap fetches the dirty bitmap of [iova, iova+size).
func GetDirtyBitmap(fd int, iova, size, pageSize uint64, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	d := dirtyBitmapGet{
		Flags: DirtyPagesFlagGetBitmap,
		Get: DirtyBitmapGet{
			IOVA: iova,
			Size: size,
			Bitmap: Bitmap{
				PageSize: pageSize,
				Size:     uint64(len(bitmap)) * 8,
				Data:     uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
			},
		},
	}
	d.Argsz = uint32(unsafe.Sizeof(d))

	_, err := do(fd, vfioIOMMUDirtyPages, "VFIO_IOMMU_DIRTY_PAGES", uintptr(unsafe.Pointer(&d)))
	runtime.KeepAlive(bitmap)

	return err
}
