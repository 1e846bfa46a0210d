// Package kvm wraps the few /dev/kvm calls needed to mirror VFIO devices
// into the in-kernel KVM-VFIO pseudo device.
package kvm

import (
	"unsafe"

	"github.com/bobuhiro11/govfio/ioctl"
)

const kvmIO = 0xAE

var (
	kvmGetAPIVersion  = ioctl.IIO(kvmIO, 0x00)
	kvmCreateVM       = ioctl.IIO(kvmIO, 0x01)
	kvmCheckExtension = ioctl.IIO(kvmIO, 0x03)
	kvmCreateDevice   = ioctl.IIOWR(kvmIO, 0xe0, unsafe.Sizeof(CreateDeviceArgs{}))
	kvmSetDeviceAttr  = ioctl.IIOW(kvmIO, 0xe1, unsafe.Sizeof(DeviceAttr{}))
)

// CapDeviceCtrl is KVM_CAP_DEVICE_CTRL.
const CapDeviceCtrl = 89

// GetAPIVersion returns KVM_GET_API_VERSION.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl.Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a VM and returns its descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl.Ioctl(kvmFd, kvmCreateVM, 0)
}

// CheckExtension returns the value of a capability, 0 when absent.
func CheckExtension(fd uintptr, cap uintptr) (int, error) {
	ret, err := ioctl.Ioctl(fd, kvmCheckExtension, cap)

	return int(ret), err
}

// CreateDeviceArgs is struct kvm_create_device.
type CreateDeviceArgs struct {
	Type  uint32
	FD    uint32
	Flags uint32
}

// DeviceAttr is struct kvm_device_attr.
type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// CreateDevice instantiates an in-kernel device of typ and returns its
// descriptor.
func CreateDevice(vmFd uintptr, typ uint32) (int, error) {
	args := CreateDeviceArgs{Type: typ}

	if _, err := ioctl.Ioctl(vmFd, kvmCreateDevice, uintptr(unsafe.Pointer(&args))); err != nil {
		return -1, err
	}

	return int(args.FD), nil
}

// SetDeviceAttr sets one attribute of an in-kernel device.
func SetDeviceAttr(devFd int, attr *DeviceAttr) error {
	_, err := ioctl.Ioctl(uintptr(devFd), kvmSetDeviceAttr, uintptr(unsafe.Pointer(attr)))

	return err
}
