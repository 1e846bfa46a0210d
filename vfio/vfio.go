package vfio

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/govfio/ioctl"
	"golang.org/x/sys/unix"
)

// Error is a failed VFIO call.
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

func do(fd int, op uintptr, name string, arg uintptr) (uintptr, error) {
	res, err := ioctl.Ioctl(uintptr(fd), op, arg)
	if err == nil {
		return res, nil
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return res, &Error{Op: name, Errno: errno}
	}

	return res, fmt.Errorf("%s: %w", name, err)
}

// GetDeviceInfo returns the region and irq counts of a device.
func GetDeviceInfo(fd int) (DeviceInfo, error) {
	info := DeviceInfo{}
	info.Argsz = uint32(unsafe.Sizeof(info))

	if _, err := do(fd, vfioDeviceGetInfo, "VFIO_DEVICE_GET_INFO", uintptr(unsafe.Pointer(&info))); err != nil {
		return DeviceInfo{}, err
	}

	return info, nil
}

// ResetDevice issues a function level reset.
func ResetDevice(fd int) error {
	_, err := do(fd, vfioDeviceReset, "VFIO_DEVICE_RESET", 0)

	return err
}

// BindDevice binds a cdev device to an iommufd context and returns the
// device id iommufd knows it by.
func BindDevice(fd, iommufd int) (uint32, error) {
	b := BindIOMMUFD{IOMMUFD: int32(iommufd)}
	b.Argsz = uint32(unsafe.Sizeof(b))

	if _, err := do(fd, vfioDeviceBindIOMMUFD, "VFIO_DEVICE_BIND_IOMMUFD", uintptr(unsafe.Pointer(&b))); err != nil {
		return 0, err
	}

	return b.OutDevID, nil
}

// AttachPT attaches a bound device to an IOAS or HWPT.
func AttachPT(fd int, ptID uint32) error {
	a := AttachIOMMUFDPT{PtID: ptID}
	a.Argsz = uint32(unsafe.Sizeof(a))

	_, err := do(fd, vfioDeviceAttachPT, "VFIO_DEVICE_ATTACH_IOMMUFD_PT", uintptr(unsafe.Pointer(&a)))

	return err
}

// DetachPT detaches a bound device from its page table.
func DetachPT(fd int) error {
	d := DetachIOMMUFDPT{}
	d.Argsz = uint32(unsafe.Sizeof(d))

	_, err := do(fd, vfioDeviceDetachPT, "VFIO_DEVICE_DETACH_IOMMUFD_PT", uintptr(unsafe.Pointer(&d)))

	return err
}

// DMALoggingStart asks the device to log its own DMA writes within ranges.
func DMALoggingStart(fd int, pageSize uint64, ranges []DMALoggingRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("VFIO_DEVICE_FEATURE_DMA_LOGGING_START: %w", unix.EINVAL)
	}

	f := deviceFeatureLoggingStart{
		Flags: DeviceFeatureSet | DeviceFeatureDMALoggingStart,
		Control: DMALoggingControl{
			PageSize:  pageSize,
			NumRanges: uint32(len(ranges)),
			Ranges:    uint64(uintptr(unsafe.Pointer(&ranges[0]))),
		},
	}
	f.Argsz = uint32(unsafe.Sizeof(f))

	_, err := do(fd, vfioDeviceFeature, "VFIO_DEVICE_FEATURE_DMA_LOGGING_START", uintptr(unsafe.Pointer(&f)))
	runtime.KeepAlive(ranges)

	return err
}

// DMALoggingStop stops device DMA logging.
func DMALoggingStop(fd int) error {
	f := deviceFeature{Flags: DeviceFeatureSet | DeviceFeatureDMALoggingStop}
	f.Argsz = uint32(unsafe.Sizeof(f))

	_, err := do(fd, vfioDeviceFeature, "VFIO_DEVICE_FEATURE_DMA_LOGGING_STOP", uintptr(unsafe.Pointer(&f)))

	return err
}

// DMALoggingReport ORs the pages the device wrote in [iova, iova+size)
// into bitmap and clears them on the device.
func DMALoggingReport(fd int, iova, size, pageSize uint64, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	f := deviceFeatureLoggingReport{
		Flags: DeviceFeatureGet | DeviceFeatureDMALoggingReport,
		Report: DMALoggingReportReq{
			IOVA:     iova,
			Length:   size,
			PageSize: pageSize,
			Bitmap:   uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
		},
	}
	f.Argsz = uint32(unsafe.Sizeof(f))

	_, err := do(fd, vfioDeviceFeature, "VFIO_DEVICE_FEATURE_DMA_LOGGING_REPORT", uintptr(unsafe.Pointer(&f)))
	runtime.KeepAlive(bitmap)

	return err
}

// ProbeFeature reports whether the device implements feature.
func ProbeFeature(fd int, feature uint32) bool {
	f := deviceFeature{Flags: DeviceFeatureProbe | feature}
	f.Argsz = uint32(unsafe.Sizeof(f))

	_, err := do(fd, vfioDeviceFeature, "VFIO_DEVICE_FEATURE", uintptr(unsafe.Pointer(&f)))

	return err == nil
}
