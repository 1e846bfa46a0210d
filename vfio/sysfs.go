package vfio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Default locations of the per-device character devices and group nodes.
const (
	DefaultDevicesDir = "/dev/vfio/devices"
	DefaultGroupDir   = "/dev/vfio"
)

var (
	errNoCdev       = errors.New("no vfio-dev entry, is the device bound to vfio-pci with cdev support")
	errCdevMismatch = errors.New("character device does not match sysfs")
)

// CdevName returns the vfioX node name listed under <sysfsDev>/vfio-dev.
func CdevName(sysfsDev string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(sysfsDev, "vfio-dev"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", sysfsDev, err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vfio") {
			return e.Name(), nil
		}
	}

	return "", fmt.Errorf("%s: %w", sysfsDev, errNoCdev)
}

// CdevDevT returns the major and minor numbers recorded in sysfs for the
// cdev of sysfsDev.
func CdevDevT(sysfsDev string) (uint32, uint32, error) {
	name, err := CdevName(sysfsDev)
	if err != nil {
		return 0, 0, err
	}

	raw, err := os.ReadFile(filepath.Join(sysfsDev, "vfio-dev", name, "dev"))
	if err != nil {
		return 0, 0, err
	}

	var major, minor uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(raw)), "%d:%d", &major, &minor); err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", raw, err)
	}

	return major, minor, nil
}

// OpenCdev opens the cdev of sysfsDev below devicesDir and checks that the
// node really is the device sysfs describes.
func OpenCdev(sysfsDev, devicesDir string) (int, error) {
	name, err := CdevName(sysfsDev)
	if err != nil {
		return -1, err
	}

	major, minor, err := CdevDevT(sysfsDev)
	if err != nil {
		return -1, err
	}

	path := filepath.Join(devicesDir, name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)

		return -1, fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFCHR ||
		unix.Major(uint64(st.Rdev)) != major || unix.Minor(uint64(st.Rdev)) != minor {
		unix.Close(fd)

		return -1, fmt.Errorf("%s: %w", path, errCdevMismatch)
	}

	return fd, nil
}

// IOMMUGroup returns the IOMMU group number of sysfsDev.
func IOMMUGroup(sysfsDev string) (int, error) {
	link, err := os.Readlink(filepath.Join(sysfsDev, "iommu_group"))
	if err != nil {
		return -1, fmt.Errorf("%s: no iommu_group: %w", sysfsDev, err)
	}

	group, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return -1, fmt.Errorf("%s: bad iommu_group %q: %w", sysfsDev, link, err)
	}

	return group, nil
}

// DeviceName returns the bus name of sysfsDev, e.g. 0000:01:00.0.
func DeviceName(sysfsDev string) string {
	if real, err := filepath.EvalSymlinks(sysfsDev); err == nil {
		return filepath.Base(real)
	}

	return filepath.Base(sysfsDev)
}
