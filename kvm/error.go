package kvm

import "errors"

var (
	// ErrNoDeviceCtrl means the kernel cannot create in-kernel devices.
	ErrNoDeviceCtrl = errors.New("kvm lacks KVM_CAP_DEVICE_CTRL")

	// ErrNotTracked is returned when deleting a descriptor that was never added.
	ErrNotTracked = errors.New("descriptor not tracked by kvm-vfio device")
)
