package iommufd

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/govfio/ioctl"
	"golang.org/x/sys/unix"
)

// DefaultPath is the iommufd character device.
const DefaultPath = "/dev/iommu"

// Error is a failed iommufd command.
type Error struct {
	Op    string
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *Error) Unwrap() error {
	return e.Errno
}

// Code returns the failure as a negative errno.
func (e *Error) Code() int {
	return -int(e.Errno)
}

func do(fd int, op uintptr, name string, arg unsafe.Pointer) error {
	_, err := ioctl.Ioctl(uintptr(fd), op, uintptr(arg))
	if err == nil {
		return nil
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return &Error{Op: name, Errno: errno}
	}

	return fmt.Errorf("%s: %w", name, err)
}

// Open opens the iommufd character device at path.
func Open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}

	return fd, nil
}

// DestroyID releases any iommufd object, IOAS or HWPT alike.
func DestroyID(fd int, id uint32) error {
	d := Destroy{ID: id}
	d.Size = uint32(unsafe.Sizeof(d))

	return do(fd, iommuDestroy, "IOMMU_DESTROY", unsafe.Pointer(&d))
}

// AllocIOAS creates an empty IO address space.
func AllocIOAS(fd int) (uint32, error) {
	a := IOASAlloc{}
	a.Size = uint32(unsafe.Sizeof(a))

	if err := do(fd, iommuIOASAlloc, "IOMMU_IOAS_ALLOC", unsafe.Pointer(&a)); err != nil {
		return 0, err
	}

	return a.OutIOASID, nil
}

// SetOption sets an option on objectID, 0 meaning the whole context.
func SetOption(fd int, objectID, optionID uint32, val uint64) error {
	o := Option{
		OptionID: optionID,
		Op:       OptionOpSet,
		ObjectID: objectID,
		Val64:    val,
	}
	o.Size = uint32(unsafe.Sizeof(o))

	return do(fd, iommuOption, "IOMMU_OPTION", unsafe.Pointer(&o))
}

// IOVARanges returns the IOVA ranges an IOAS may map and the required
// IOVA alignment.
func IOVARanges(fd int, ioas uint32) ([]IOVARange, uint64, error) {
	r := IOASIOVARanges{IOASID: ioas}
	r.Size = uint32(unsafe.Sizeof(r))

	// The first call only learns the count; EMSGSIZE is expected when the
	// buffer is too small.
	err := do(fd, iommuIOASIOVARanges, "IOMMU_IOAS_IOVA_RANGES", unsafe.Pointer(&r))
	if err != nil && !errors.Is(err, unix.EMSGSIZE) {
		return nil, 0, err
	}

	if r.NumIOVAs == 0 {
		return nil, r.OutIOVAAlignment, nil
	}

	ranges := make([]IOVARange, r.NumIOVAs)
	r.AllowedIOVAs = uint64(uintptr(unsafe.Pointer(&ranges[0])))

	err = do(fd, iommuIOASIOVARanges, "IOMMU_IOAS_IOVA_RANGES", unsafe.Pointer(&r))
	runtime.KeepAlive(ranges)

	if err != nil {
		return nil, 0, err
	}

	return ranges[:r.NumIOVAs], r.OutIOVAAlignment, nil
}

// MapIOAS maps size bytes at vaddr to the fixed iova.
func MapIOAS(fd int, ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error {
	m := IOASMap{
		Flags:  MapFixedIOVA | MapReadable,
		IOASID: ioas,
		UserVA: uint64(vaddr),
		Length: size,
		IOVA:   iova,
	}
	m.Size = uint32(unsafe.Sizeof(m))

	if !readOnly {
		m.Flags |= MapWriteable
	}

	return do(fd, iommuIOASMap, "IOMMU_IOAS_MAP", unsafe.Pointer(&m))
}

// UnmapIOAS removes every mapping fully contained in [iova, iova+size).
func UnmapIOAS(fd int, ioas uint32, iova, size uint64) error {
	u := IOASUnmap{
		IOASID: ioas,
		IOVA:   iova,
		Length: size,
	}
	u.Size = uint32(unsafe.Sizeof(u))

	return do(fd, iommuIOASUnmap, "IOMMU_IOAS_UNMAP", unsafe.Pointer(&u))
}

// CopyIOAS duplicates the pinned pages behind [iova, iova+size) of src
// into dst at the same iova.
func CopyIOAS(fd int, src, dst uint32, iova, size uint64, readOnly bool) error {
	c := IOASCopy{
		Flags:     MapFixedIOVA | MapReadable,
		DstIOASID: dst,
		SrcIOASID: src,
		Length:    size,
		DstIOVA:   iova,
		SrcIOVA:   iova,
	}
	c.Size = uint32(unsafe.Sizeof(c))

	if !readOnly {
		c.Flags |= MapWriteable
	}

	return do(fd, iommuIOASCopy, "IOMMU_IOAS_COPY", unsafe.Pointer(&c))
}

// AllocHWPT allocates a hardware page table for devID under ptID, an IOAS
// or a nesting parent HWPT. data is passed through for nested tables.
func AllocHWPT(fd int, devID, ptID, flags, dataType uint32, data []byte) (uint32, error) {
	h := HWPTAlloc{
		Flags:    flags,
		DevID:    devID,
		PtID:     ptID,
		DataType: dataType,
		DataLen:  uint32(len(data)),
	}
	h.Size = uint32(unsafe.Sizeof(h))

	if len(data) > 0 {
		h.DataUptr = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	err := do(fd, iommuHWPTAlloc, "IOMMU_HWPT_ALLOC", unsafe.Pointer(&h))
	runtime.KeepAlive(data)

	if err != nil {
		return 0, err
	}

	return h.OutHWPTID, nil
}

// SetDirtyTracking starts or stops dirty tracking on a HWPT.
func SetDirtyTracking(fd int, hwpt uint32, enable bool) error {
	s := HWPTSetDirtyTracking{HWPTID: hwpt}
	s.Size = uint32(unsafe.Sizeof(s))

	if enable {
		s.Flags = HWPTSetDirtyTrackingEnable
	}

	return do(fd, iommuHWPTSetDirtyTracking, "IOMMU_HWPT_SET_DIRTY_TRACKING", unsafe.Pointer(&s))
}

// GetDirtyBitmap reads and clears the dirty bits of [iova, iova+size) into
// bitmap, one bit per pageSize page.
func GetDirtyBitmap(fd int, hwpt uint32, iova, size, pageSize uint64, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	g := HWPTGetDirtyBitmap{
		HWPTID:   hwpt,
		IOVA:     iova,
		Length:   size,
		PageSize: pageSize,
		Data:     uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	g.Size = uint32(unsafe.Sizeof(g))

	err := do(fd, iommuHWPTGetDirtyBitmap, "IOMMU_HWPT_GET_DIRTY_BITMAP", unsafe.Pointer(&g))
	runtime.KeepAlive(bitmap)

	return err
}

// Invalidate flushes cached translations of a nested HWPT. entries holds
// entryNum records of entryLen bytes. The number of records the kernel
// handled is returned even on failure.
func Invalidate(fd int, hwpt, dataType, entryLen, entryNum uint32, entries []byte) (uint32, error) {
	i := HWPTInvalidate{
		HWPTID:   hwpt,
		DataType: dataType,
		EntryLen: entryLen,
		EntryNum: entryNum,
	}
	i.Size = uint32(unsafe.Sizeof(i))

	if len(entries) > 0 {
		i.DataUptr = uint64(uintptr(unsafe.Pointer(&entries[0])))
	}

	err := do(fd, iommuHWPTInvalidate, "IOMMU_HWPT_INVALIDATE", unsafe.Pointer(&i))
	runtime.KeepAlive(entries)

	return i.EntryNum, err
}

// GetHWInfo reports the IOMMU capabilities behind a bound device.
func GetHWInfo(fd int, devID uint32) (HWInfo, error) {
	h := HWInfo{DevID: devID}
	h.Size = uint32(unsafe.Sizeof(h))

	if err := do(fd, iommuGetHWInfo, "IOMMU_GET_HW_INFO", unsafe.Pointer(&h)); err != nil {
		return HWInfo{}, err
	}

	return h, nil
}
