package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM-VFIO device constants from include/uapi/linux/kvm.h.
const (
	DevTypeVFIO = 4

	devVFIOFile    = 1
	devVFIOFileAdd = 1
	devVFIOFileDel = 2
)

// VFIODevice mirrors VFIO descriptors into the VM's KVM-VFIO device so the
// kernel can coordinate coherency and interrupt bypass. The pseudo device
// is created on the first Add and reused afterwards.
type VFIODevice struct {
	mu     sync.Mutex
	vmFd   uintptr
	devFd  int
	create func(vmFd uintptr, typ uint32) (int, error)
	set    func(devFd int, attr *DeviceAttr) error
	files  map[int]struct{}
}

// NewVFIODevice returns a tracker for the VM behind vmFd.
func NewVFIODevice(vmFd uintptr) *VFIODevice {
	return &VFIODevice{
		vmFd:   vmFd,
		devFd:  -1,
		create: CreateDevice,
		set:    SetDeviceAttr,
		files:  map[int]struct{}{},
	}
}

func (v *VFIODevice) attr(op uint64, fd int) error {
	file := int32(fd)
	attr := DeviceAttr{
		Group: devVFIOFile,
		Attr:  op,
		Addr:  uint64(uintptr(unsafe.Pointer(&file))),
	}

	return v.set(v.devFd, &attr)
}

// Add registers a VFIO group or device descriptor with KVM.
func (v *VFIODevice) Add(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.devFd < 0 {
		devFd, err := v.create(v.vmFd, DevTypeVFIO)
		if err != nil {
			return fmt.Errorf("create kvm-vfio device: %w", err)
		}

		v.devFd = devFd
	}

	if err := v.attr(devVFIOFileAdd, fd); err != nil {
		return fmt.Errorf("KVM_DEV_VFIO_FILE_ADD fd %d: %w", fd, err)
	}

	v.files[fd] = struct{}{}

	return nil
}

// Del unregisters a descriptor previously passed to Add.
func (v *VFIODevice) Del(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.files[fd]; !ok || v.devFd < 0 {
		return fmt.Errorf("fd %d: %w", fd, ErrNotTracked)
	}

	delete(v.files, fd)

	if err := v.attr(devVFIOFileDel, fd); err != nil {
		return fmt.Errorf("KVM_DEV_VFIO_FILE_DEL fd %d: %w", fd, err)
	}

	return nil
}

// Close releases the pseudo device.
func (v *VFIODevice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.devFd < 0 {
		return nil
	}

	err := unix.Close(v.devFd)
	v.devFd = -1

	return err
}
