// Package backend manages the iommufd descriptor shared by every device and
// container of a VM.
package backend

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrResourceExhausted is returned by Connect once the user count can
	// no longer be incremented.
	ErrResourceExhausted = errors.New("iommufd backend user count exhausted")

	// ErrOpenFailed is returned by Connect when the control device cannot
	// be opened.
	ErrOpenFailed = errors.New("cannot open iommufd control device")
)

// Handle is a reference counted connection to /dev/iommu. An owned handle
// opens the device on the first Connect and closes it on the last
// Disconnect; a borrowed handle never opens or closes its descriptor.
type Handle struct {
	mu        sync.Mutex
	path      string
	fd        int
	owned     bool
	users     uint32
	hugepages bool
	kernel    Kernel
	log       *logrus.Entry
}

// Option configures a Handle.
type Option func(*Handle)

// WithPath sets the control device path of an owned handle.
func WithPath(path string) Option {
	return func(h *Handle) { h.path = path }
}

// WithHugePages keeps hugepage backed IOAS mappings enabled when true. The
// kernel default is enabled; disabling trades TLB reach for finer grained
// unmaps.
func WithHugePages(enable bool) Option {
	return func(h *Handle) { h.hugepages = enable }
}

// WithKernel replaces the iommufd command implementation.
func WithKernel(k Kernel) Option {
	return func(h *Handle) { h.kernel = k }
}

// WithLogger sets the logger entries are derived from.
func WithLogger(l *logrus.Entry) Option {
	return func(h *Handle) { h.log = l }
}

func newHandle(fd int, owned bool, opts []Option) *Handle {
	h := &Handle{
		path:      iommufd.DefaultPath,
		fd:        fd,
		owned:     owned,
		hugepages: true,
		kernel:    sysKernel{},
		log:       logrus.WithField("subsystem", "backend"),
	}

	for _, o := range opts {
		o(h)
	}

	return h
}

// New returns a handle that owns its descriptor.
func New(opts ...Option) *Handle {
	return newHandle(-1, true, opts)
}

// NewFromFD returns a handle borrowing an already open iommufd descriptor.
func NewFromFD(fd int, opts ...Option) *Handle {
	return newHandle(fd, false, opts)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

// Code returns the negative errno carried by err, or -EIO when err does
// not come from the kernel.
func Code(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code()
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	return -int(unix.EIO)
}

// Connect takes a reference, opening the control device if this is the
// first user of an owned handle.
func (h *Handle) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.users == math.MaxUint32 {
		return fmt.Errorf("%w: %d users", ErrResourceExhausted, h.users)
	}

	if h.owned && h.users == 0 {
		fd, err := h.kernel.Open(h.path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}

		h.fd = fd
	}

	h.users++

	h.log.WithFields(logrus.Fields{
		"fd":    h.fd,
		"owned": h.owned,
		"users": h.users,
	}).Debug("iommufd backend connected")

	return nil
}

// Disconnect drops a reference. The owned descriptor is closed when the
// last reference goes away.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.users == 0 {
		h.log.WithField("fd", h.fd).Warn("iommufd backend disconnected without users")

		return
	}

	h.users--

	if h.users == 0 && h.owned {
		if err := h.kernel.Close(h.fd); err != nil {
			h.log.WithError(err).WithField("fd", h.fd).Warn("closing iommufd")
		}

		h.fd = -1
	}

	h.log.WithFields(logrus.Fields{
		"fd":    h.fd,
		"owned": h.owned,
		"users": h.users,
	}).Debug("iommufd backend disconnected")
}

// FD returns the current descriptor, -1 for an unconnected owned handle.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.fd
}

// Users returns the number of outstanding Connect calls.
func (h *Handle) Users() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.users
}

// Owned reports whether the handle opened its descriptor itself.
func (h *Handle) Owned() bool {
	return h.owned
}

func (h *Handle) fail(err error, msg string, fields logrus.Fields) error {
	fields["errno"] = Code(err)
	h.log.WithFields(fields).WithError(err).Error(msg)

	return err
}

// AllocIOAS allocates an IO address space, disabling hugepage mappings in
// it when the handle was configured so.
func (h *Handle) AllocIOAS() (uint32, error) {
	fd := h.FD()

	ioas, err := h.kernel.AllocIOAS(fd)
	if err != nil {
		return 0, h.fail(err, "IOMMU_IOAS_ALLOC failed", logrus.Fields{"fd": fd})
	}

	if !h.hugepages {
		if err := h.kernel.SetOption(fd, ioas, iommufd.OptionHugePages, 0); err != nil {
			h.FreeID(ioas)

			return 0, h.fail(err, "IOMMU_OPTION huge pages failed", logrus.Fields{"fd": fd, "ioas": ioas})
		}
	}

	h.log.WithFields(logrus.Fields{"fd": fd, "ioas": ioas}).Debug("ioas allocated")

	return ioas, nil
}

// FreeID destroys an IOAS or HWPT. Failures are only logged.
func (h *Handle) FreeID(id uint32) {
	fd := h.FD()

	if err := h.kernel.DestroyID(fd, id); err != nil {
		h.log.WithFields(logrus.Fields{"fd": fd, "id": id}).WithError(err).Warn("IOMMU_DESTROY failed")

		return
	}

	h.log.WithFields(logrus.Fields{"fd": fd, "id": id}).Debug("object freed")
}

// IOVARanges lists the IOVA ranges an IOAS accepts.
func (h *Handle) IOVARanges(ioas uint32) ([]iommufd.IOVARange, error) {
	fd := h.FD()

	ranges, _, err := h.kernel.IOVARanges(fd, ioas)
	if err != nil {
		return nil, h.fail(err, "IOMMU_IOAS_IOVA_RANGES failed", logrus.Fields{"fd": fd, "ioas": ioas})
	}

	return ranges, nil
}

// Map maps size bytes at vaddr to iova in ioas.
func (h *Handle) Map(ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error {
	fd := h.FD()

	if err := h.kernel.MapIOAS(fd, ioas, iova, size, vaddr, readOnly); err != nil {
		return h.fail(err, "IOMMU_IOAS_MAP failed", logrus.Fields{
			"fd": fd, "ioas": ioas, "iova": fmt.Sprintf("%#x", iova),
			"size": fmt.Sprintf("%#x", size), "readonly": readOnly,
		})
	}

	return nil
}

// Unmap removes [iova, iova+size) from ioas. A range with no mapping is
// not an error: a speculative unmap can race with a guest discard.
func (h *Handle) Unmap(ioas uint32, iova, size uint64) error {
	fd := h.FD()

	err := h.kernel.UnmapIOAS(fd, ioas, iova, size)
	if errors.Is(err, unix.ENOENT) {
		h.log.WithFields(logrus.Fields{
			"ioas": ioas, "iova": fmt.Sprintf("%#x", iova), "size": fmt.Sprintf("%#x", size),
		}).Debug("unmap of absent range")

		return nil
	}

	if err != nil {
		return h.fail(err, "IOMMU_IOAS_UNMAP failed", logrus.Fields{
			"fd": fd, "ioas": ioas, "iova": fmt.Sprintf("%#x", iova), "size": fmt.Sprintf("%#x", size),
		})
	}

	return nil
}

// Copy duplicates the mapping of [iova, iova+size) from src into dst.
func (h *Handle) Copy(src, dst uint32, iova, size uint64, readOnly bool) error {
	fd := h.FD()

	if err := h.kernel.CopyIOAS(fd, src, dst, iova, size, readOnly); err != nil {
		return h.fail(err, "IOMMU_IOAS_COPY failed", logrus.Fields{
			"fd": fd, "src": src, "dst": dst, "iova": fmt.Sprintf("%#x", iova), "size": fmt.Sprintf("%#x", size),
		})
	}

	return nil
}

// AllocHWPT allocates a hardware page table for devID under ptID.
func (h *Handle) AllocHWPT(devID, ptID, flags uint32) (uint32, error) {
	fd := h.FD()

	id, err := h.kernel.AllocHWPT(fd, devID, ptID, flags, 0, nil)
	if err != nil {
		return 0, h.fail(err, "IOMMU_HWPT_ALLOC failed", logrus.Fields{
			"fd": fd, "dev": devID, "pt": ptID, "flags": flags,
		})
	}

	h.log.WithFields(logrus.Fields{"dev": devID, "pt": ptID, "hwpt": id, "flags": flags}).Debug("hwpt allocated")

	return id, nil
}

// GetHWInfo returns the IOMMU information of a bound device.
func (h *Handle) GetHWInfo(devID uint32) (iommufd.HWInfo, error) {
	fd := h.FD()

	info, err := h.kernel.GetHWInfo(fd, devID)
	if err != nil {
		return info, h.fail(err, "IOMMU_GET_HW_INFO failed", logrus.Fields{"fd": fd, "dev": devID})
	}

	return info, nil
}

// SetDirtyTracking enables or disables dirty tracking of a HWPT.
func (h *Handle) SetDirtyTracking(hwpt uint32, enable bool) error {
	fd := h.FD()

	if err := h.kernel.SetDirtyTracking(fd, hwpt, enable); err != nil {
		return h.fail(err, "IOMMU_HWPT_SET_DIRTY_TRACKING failed", logrus.Fields{
			"fd": fd, "hwpt": hwpt, "enable": enable,
		})
	}

	return nil
}

// GetDirtyBitmap reads the dirty bits of [iova, iova+size) into bitmap.
func (h *Handle) GetDirtyBitmap(hwpt uint32, iova, size, pageSize uint64, bitmap []uint64) error {
	fd := h.FD()

	if err := h.kernel.GetDirtyBitmap(fd, hwpt, iova, size, pageSize, bitmap); err != nil {
		return h.fail(err, "IOMMU_HWPT_GET_DIRTY_BITMAP failed", logrus.Fields{
			"fd": fd, "hwpt": hwpt, "iova": fmt.Sprintf("%#x", iova),
			"size": fmt.Sprintf("%#x", size), "pagesize": pageSize,
		})
	}

	return nil
}

// InvalidateCache flushes cached stage-1 translations of a nested HWPT and
// returns how many entries were handled.
func (h *Handle) InvalidateCache(hwpt, dataType, entryLen, entryNum uint32, entries []byte) (uint32, error) {
	fd := h.FD()

	done, err := h.kernel.Invalidate(fd, hwpt, dataType, entryLen, entryNum, entries)
	if err != nil {
		return done, h.fail(err, "IOMMU_HWPT_INVALIDATE failed", logrus.Fields{
			"fd": fd, "hwpt": hwpt, "type": dataType, "entries": entryNum, "done": done,
		})
	}

	return done, nil
}
