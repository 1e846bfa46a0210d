package container_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bobuhiro11/govfio/container"
	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"
)

const (
	pageSize = 0x1000
	hostBase = 0x7f00_0000_0000
)

// recorder collects the calls of every fake in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := r.events
	r.events = nil

	return ev
}

type mapping struct {
	IOVA     uint64
	Size     uint64
	VAddr    uintptr
	ReadOnly bool
}

type fakeBackend struct {
	rec *recorder

	fd          int
	connected   int
	nextID      uint32
	ioas        map[uint32]map[uint64]mapping
	ranges      []iommufd.IOVARange
	caps        uint64
	mapErr      func(iova, size uint64) error
	allocs      int
	copies      int
	dirtyOn     map[uint32]bool
	dirtyBitmap []uint64
}

func newFakeBackend(rec *recorder) *fakeBackend {
	return &fakeBackend{
		rec:     rec,
		fd:      50,
		ioas:    map[uint32]map[uint64]mapping{},
		dirtyOn: map[uint32]bool{},
	}
}

func (b *fakeBackend) Connect() error {
	b.connected++
	b.rec.add("connect")

	return nil
}

func (b *fakeBackend) Disconnect() {
	b.connected--
	b.rec.add("disconnect")
}

func (b *fakeBackend) FD() int { return b.fd }

func (b *fakeBackend) AllocIOAS() (uint32, error) {
	b.nextID++
	b.ioas[b.nextID] = map[uint64]mapping{}
	b.rec.add("alloc_ioas %d", b.nextID)

	return b.nextID, nil
}

func (b *fakeBackend) FreeID(id uint32) {
	delete(b.ioas, id)
	b.rec.add("free %d", id)
}

func (b *fakeBackend) IOVARanges(uint32) ([]iommufd.IOVARange, error) {
	return b.ranges, nil
}

func (b *fakeBackend) Map(ioas uint32, iova, size uint64, vaddr uintptr, readOnly bool) error {
	if b.mapErr != nil {
		if err := b.mapErr(iova, size); err != nil {
			b.rec.add("map_fail %d %#x %#x", ioas, iova, size)

			return err
		}
	}

	b.ioas[ioas][iova] = mapping{IOVA: iova, Size: size, VAddr: vaddr, ReadOnly: readOnly}
	b.rec.add("map %d %#x %#x", ioas, iova, size)

	return nil
}

func (b *fakeBackend) Unmap(ioas uint32, iova, size uint64) error {
	for k := range b.ioas[ioas] {
		if k >= iova && k-iova < size {
			delete(b.ioas[ioas], k)
		}
	}

	b.rec.add("unmap %d %#x %#x", ioas, iova, size)

	return nil
}

func (b *fakeBackend) Copy(src, dst uint32, iova, size uint64, readOnly bool) error {
	m, ok := b.ioas[src][iova]
	if !ok || m.Size != size {
		return unix.ENOENT
	}

	m.ReadOnly = readOnly
	b.ioas[dst][iova] = m
	b.copies++
	b.rec.add("copy %d %d %#x %#x", src, dst, iova, size)

	return nil
}

func (b *fakeBackend) AllocHWPT(devID, ptID, flags uint32) (uint32, error) {
	b.nextID++
	b.allocs++
	b.rec.add("alloc_hwpt %d dev=%d pt=%d flags=%d", b.nextID, devID, ptID, flags)

	return b.nextID, nil
}

func (b *fakeBackend) GetHWInfo(uint32) (iommufd.HWInfo, error) {
	return iommufd.HWInfo{OutCapabilities: b.caps}, nil
}

func (b *fakeBackend) SetDirtyTracking(hwpt uint32, enable bool) error {
	b.dirtyOn[hwpt] = enable
	b.rec.add("hwpt_dirty %d %t", hwpt, enable)

	return nil
}

func (b *fakeBackend) GetDirtyBitmap(_ uint32, _, _, _ uint64, bitmap []uint64) error {
	for i := range bitmap {
		if i < len(b.dirtyBitmap) {
			bitmap[i] |= b.dirtyBitmap[i]
		}
	}

	return nil
}

// mappings returns the mappings of an IOAS.
func (b *fakeBackend) mappings(ioas uint32) map[uint64]mapping {
	return b.ioas[ioas]
}

type fakeDriver struct {
	rec *recorder

	nextFD    int
	sysfs     map[int]string
	attachErr func(sysfs string, pt uint32) error
	infoErr   error
	flags     uint32
	resetErr  map[string]error

	logging   map[string]bool
	startErr  map[string]error
	tracking  map[int]bool
	reportErr error
	report    []uint64
}

func newFakeDriver(rec *recorder) *fakeDriver {
	return &fakeDriver{
		rec:      rec,
		nextFD:   10,
		sysfs:    map[int]string{},
		flags:    vfio.DeviceFlagsPCI | vfio.DeviceFlagsReset,
		resetErr: map[string]error{},
		logging:  map[string]bool{},
		startErr: map[string]error{},
		tracking: map[int]bool{},
	}
}

func (f *fakeDriver) Open(sysfsDev string) (int, error) {
	fd := f.nextFD
	f.nextFD++
	f.sysfs[fd] = sysfsDev
	f.rec.add("open %s", sysfsDev)

	return fd, nil
}

func (f *fakeDriver) Close(fd int) error {
	f.rec.add("close %d", fd)

	return nil
}

func (f *fakeDriver) Bind(fd, iommufd int) (uint32, error) {
	f.rec.add("bind %d %d", fd, iommufd)

	return uint32(fd), nil
}

func (f *fakeDriver) AttachPT(fd int, ptID uint32) error {
	if f.attachErr != nil {
		if err := f.attachErr(f.sysfs[fd], ptID); err != nil {
			return err
		}
	}

	f.rec.add("attach %d %d", fd, ptID)

	return nil
}

func (f *fakeDriver) DetachPT(fd int) error {
	f.rec.add("detach %d", fd)

	return nil
}

func (f *fakeDriver) Info(int) (vfio.DeviceInfo, error) {
	if f.infoErr != nil {
		return vfio.DeviceInfo{}, f.infoErr
	}

	return vfio.DeviceInfo{Flags: f.flags, NumRegions: 9, NumIRQs: 5}, nil
}

func (f *fakeDriver) Reset(fd int) error {
	f.rec.add("reset %d", fd)

	return f.resetErr[f.sysfs[fd]]
}

func (f *fakeDriver) DMALoggingSupported(fd int) bool {
	return f.logging[f.sysfs[fd]]
}

func (f *fakeDriver) DMALoggingStart(fd int, _ uint64, ranges []vfio.DMALoggingRange) error {
	if err := f.startErr[f.sysfs[fd]]; err != nil {
		return err
	}

	f.tracking[fd] = true
	f.rec.add("log_start %d ranges=%d", fd, len(ranges))

	return nil
}

func (f *fakeDriver) DMALoggingStop(fd int) error {
	f.tracking[fd] = false
	f.rec.add("log_stop %d", fd)

	return nil
}

func (f *fakeDriver) DMALoggingReport(_ int, _, _, _ uint64, bitmap []uint64) error {
	if f.reportErr != nil {
		return f.reportErr
	}

	for i := range bitmap {
		if i < len(f.report) {
			bitmap[i] |= f.report[i]
		}
	}

	return nil
}

func (f *fakeDriver) trackingCount() int {
	n := 0

	for _, on := range f.tracking {
		if on {
			n++
		}
	}

	return n
}

type fakeLegacy struct {
	rec *recorder

	nextFD    int
	notViable bool
	noType1   bool
	info      vfio.IOMMUInfo
	mapErr    func(iova, size uint64) error
	maps      map[int]map[uint64]mapping
	groups    map[int]int
	dirty     map[int]bool
	bitmap    []uint64
}

func newFakeLegacy(rec *recorder) *fakeLegacy {
	return &fakeLegacy{
		rec:    rec,
		nextFD: 100,
		maps:   map[int]map[uint64]mapping{},
		groups: map[int]int{},
		dirty:  map[int]bool{},
	}
}

func (l *fakeLegacy) fd() int {
	fd := l.nextFD
	l.nextFD++

	return fd
}

func (l *fakeLegacy) OpenContainer() (int, error) {
	fd := l.fd()
	l.maps[fd] = map[uint64]mapping{}
	l.rec.add("open_container %d", fd)

	return fd, nil
}

func (l *fakeLegacy) OpenGroup(group int) (int, error) {
	fd := l.fd()
	l.rec.add("open_group %d %d", group, fd)

	return fd, nil
}

func (l *fakeLegacy) Close(fd int) error {
	l.rec.add("close %d", fd)

	return nil
}

func (l *fakeLegacy) GroupViable(int) (bool, error) {
	return !l.notViable, nil
}

func (l *fakeLegacy) SetContainer(groupFd, containerFd int) error {
	l.groups[groupFd] = containerFd
	l.rec.add("set_container %d %d", groupFd, containerFd)

	return nil
}

func (l *fakeLegacy) UnsetContainer(groupFd, containerFd int) error {
	delete(l.groups, groupFd)
	l.rec.add("unset_container %d %d", groupFd, containerFd)

	return nil
}

func (l *fakeLegacy) CheckExtension(int, uint32) bool {
	return !l.noType1
}

func (l *fakeLegacy) SetIOMMU(int, uint32) error {
	return nil
}

func (l *fakeLegacy) IOMMUInfo(int) (vfio.IOMMUInfo, error) {
	return l.info, nil
}

func (l *fakeLegacy) GroupDeviceFD(groupFd int, name string) (int, error) {
	fd := l.fd()
	l.rec.add("device_fd %d %s %d", groupFd, name, fd)

	return fd, nil
}

func (l *fakeLegacy) MapDMA(fd int, iova, size uint64, vaddr uintptr, readOnly bool) error {
	if l.mapErr != nil {
		if err := l.mapErr(iova, size); err != nil {
			return err
		}
	}

	l.maps[fd][iova] = mapping{IOVA: iova, Size: size, VAddr: vaddr, ReadOnly: readOnly}
	l.rec.add("map_dma %d %#x %#x", fd, iova, size)

	return nil
}

func (l *fakeLegacy) UnmapDMA(fd int, iova, size uint64) error {
	for k := range l.maps[fd] {
		if k >= iova && k-iova < size {
			delete(l.maps[fd], k)
		}
	}

	l.rec.add("unmap_dma %d %#x %#x", fd, iova, size)

	return nil
}

func (l *fakeLegacy) SetDirtyPages(fd int, start bool) error {
	l.dirty[fd] = start

	return nil
}

func (l *fakeLegacy) DirtyBitmap(_ int, _, _, _ uint64, bitmap []uint64) error {
	copy(bitmap, l.bitmap)

	return nil
}

type fakeTracker struct {
	rec *recorder
	fds map[int]bool
}

func (t *fakeTracker) Add(fd int) error {
	t.fds[fd] = true
	t.rec.add("kvm_add %d", fd)

	return nil
}

func (t *fakeTracker) Del(fd int) error {
	delete(t.fds, fd)
	t.rec.add("kvm_del %d", fd)

	return nil
}

// env bundles a session with its fakes.
type env struct {
	rec      *recorder
	be       *fakeBackend
	drv      *fakeDriver
	legacy   *fakeLegacy
	tracker  *fakeTracker
	system   *memory.AddressSpace
	discard  *memory.DiscardCoordinator
	hook     *logtest.Hook
	hwErrors []error
	s        *container.Session
}

func newEnv(t *testing.T, opts ...container.Option) *env {
	t.Helper()

	rec := &recorder{}
	e := &env{
		rec:     rec,
		be:      newFakeBackend(rec),
		drv:     newFakeDriver(rec),
		legacy:  newFakeLegacy(rec),
		tracker: &fakeTracker{rec: rec, fds: map[int]bool{}},
		system:  memory.NewAddressSpace("memory"),
		discard: &memory.DiscardCoordinator{},
	}

	logger, hook := logtest.NewNullLogger()
	e.hook = hook

	base := []container.Option{
		container.WithDeviceDriver(e.drv),
		container.WithLegacyDriver(e.legacy),
		container.WithTracker(e.tracker),
		container.WithDiscardCoordinator(e.discard),
		container.WithPageSize(pageSize),
		container.WithLogger(logrus.NewEntry(logger)),
		container.WithHardwareErrorHandler(func(err error) {
			e.hwErrors = append(e.hwErrors, err)
		}),
	}

	e.s = container.NewSession(e.system, append(base, opts...)...)

	return e
}

func (e *env) device(name string) *container.Device {
	return &container.Device{
		Name:     name,
		SysfsDev: "/sys/bus/pci/devices/" + name,
		Backend:  e.be,
	}
}

func (e *env) legacyDevice(name string, group int) *container.Device {
	return &container.Device{
		Name:     name,
		SysfsDev: "/sys/bus/pci/devices/" + name,
		Group:    group,
	}
}

// ram returns a RAM region at a fake host address. Nothing touches its
// memory.
func ram(name string, size, ramAddr uint64) *memory.Region {
	return &memory.Region{
		Name:     name,
		Type:     memory.RAM,
		Size:     size,
		HostAddr: hostBase + uintptr(ramAddr),
		RAMAddr:  ramAddr,
	}
}
