// Package ioctl holds the multiplexed control call shared by the kvm, vfio
// and iommufd packages and the helpers used to encode request numbers.
package ioctl

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

// IIO encodes a request without a payload, like _IO in the kernel headers.
// VFIO and IOMMUFD use this form for every command and carry the payload
// size in an argsz or size field instead.
func IIO(typ, nr uintptr) uintptr {
	return dirNone<<dirShift | typ<<typeShift | nr<<nrShift
}

// IIOR encodes a request that reads size bytes back from the kernel.
func IIOR(typ, nr, size uintptr) uintptr {
	return dirRead<<dirShift | size<<sizeShift | typ<<typeShift | nr<<nrShift
}

// IIOW encodes a request that writes size bytes to the kernel.
func IIOW(typ, nr, size uintptr) uintptr {
	return dirWrite<<dirShift | size<<sizeShift | typ<<typeShift | nr<<nrShift
}

// IIOWR encodes a request that both writes and reads size bytes.
func IIOWR(typ, nr, size uintptr) uintptr {
	return (dirRead|dirWrite)<<dirShift | size<<sizeShift | typ<<typeShift | nr<<nrShift
}

// Ioctl issues the request and retries it while the call is interrupted
// by a signal. Any other errno is returned as a unix.Errno.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}
