// Package container keeps the host IOMMU in step with guest memory. A
// Session owns the address spaces devices are attached to, the containers
// mapping each of them, and the dirty tracking state live migration reads.
package container

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/migration"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const defaultMaxMemslots = 512

// Session is the VFIO state of one VM. Attach and Detach are serialized
// internally; memory topology changes of the attached address spaces must
// be serialized by the caller and must not race with Attach or Detach.
type Session struct {
	mu sync.Mutex

	system  *memory.AddressSpace
	spaces  []*Space
	devices []*Device

	driver  DeviceDriver
	legacy  LegacyDriver
	tracker Tracker

	migration *migration.State
	dirty     *migration.DirtyLog
	discard   *memory.DiscardCoordinator

	pageSize    uint64
	maxMemslots uint
	hwError     func(error)
	log         *logrus.Entry

	globalDirtyDevices atomic.Bool
	multiBlocker       *migration.Blocker
	giommuBlocker      *migration.Blocker

	xlatWarn sync.Once
	nextID   int
}

// Option configures a Session.
type Option func(*Session)

// WithDeviceDriver sets the driver used for per-device calls.
func WithDeviceDriver(d DeviceDriver) Option {
	return func(s *Session) { s.driver = d }
}

// WithLegacyDriver sets the driver of type1 containers, used by devices
// without a backend.
func WithLegacyDriver(d LegacyDriver) Option {
	return func(s *Session) { s.legacy = d }
}

// WithTracker mirrors device descriptors into the hypervisor.
func WithTracker(t Tracker) Option {
	return func(s *Session) { s.tracker = t }
}

// WithMigration shares a migration state with the session.
func WithMigration(m *migration.State) Option {
	return func(s *Session) { s.migration = m }
}

// WithDirtyLog sets the log dirty pages are merged into.
func WithDirtyLog(d *migration.DirtyLog) Option {
	return func(s *Session) { s.dirty = d }
}

// WithDiscardCoordinator shares the RAM discard arbiter.
func WithDiscardCoordinator(c *memory.DiscardCoordinator) Option {
	return func(s *Session) { s.discard = c }
}

// WithPageSize overrides the host page size.
func WithPageSize(size uint64) Option {
	return func(s *Session) { s.pageSize = size }
}

// WithMaxMemslots sets how many memory slots the hypervisor offers.
func WithMaxMemslots(n uint) Option {
	return func(s *Session) { s.maxMemslots = n }
}

// WithHardwareErrorHandler sets what happens when guest and host IOMMU
// state diverge at runtime. The default logs at fatal level and exits.
func WithHardwareErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.hwError = fn }
}

// WithLogger sets the logger entries are derived from.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// NewSession returns a session for a VM whose system memory is system.
func NewSession(system *memory.AddressSpace, opts ...Option) *Session {
	s := &Session{
		system:      system,
		migration:   migration.NewState(),
		discard:     &memory.DiscardCoordinator{},
		pageSize:    uint64(unix.Getpagesize()),
		maxMemslots: defaultMaxMemslots,
		log:         logrus.WithField("subsystem", "container"),
	}

	for _, o := range opts {
		o(s)
	}

	if s.driver == nil {
		s.driver = vfio.NewCdevDriver()
	}

	if s.legacy == nil {
		s.legacy = vfio.NewType1Driver()
	}

	if s.dirty == nil {
		s.dirty = migration.NewDirtyLog(s.pageSize)
	}

	if s.hwError == nil {
		log := s.log
		s.hwError = func(err error) {
			log.WithError(err).Fatal("vfio: unable to continue")
		}
	}

	return s
}

// System returns the system memory address space.
func (s *Session) System() *memory.AddressSpace {
	return s.system
}

// Migration returns the migration state the session reports into.
func (s *Session) Migration() *migration.State {
	return s.migration
}

// DirtyLog returns the log dirty pages are merged into.
func (s *Session) DirtyLog() *migration.DirtyLog {
	return s.dirty
}

// PageSize returns the host page size mappings are aligned to.
func (s *Session) PageSize() uint64 {
	return s.pageSize
}

// SetGlobalDirtyDevices asks for device dirty tracking even without a
// migration, as dirty rate measurement does.
func (s *Session) SetGlobalDirtyDevices(on bool) {
	s.globalDirtyDevices.Store(on)
}

// Spaces returns the address spaces devices are attached to.
func (s *Session) Spaces() []*Space {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Space(nil), s.spaces...)
}

// Devices returns the attached devices.
func (s *Session) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Device(nil), s.devices...)
}

func (s *Session) getSpace(as *memory.AddressSpace) *Space {
	for _, sp := range s.spaces {
		if sp.as == as {
			return sp
		}
	}

	sp := &Space{as: as, session: s}
	s.spaces = append(s.spaces, sp)

	s.log.WithField("as", as.Name).Debug("address space registered")

	return sp
}

func (s *Session) putSpace(sp *Space) {
	if len(sp.containers) != 0 {
		return
	}

	for i, x := range s.spaces {
		if x == sp {
			s.spaces = append(s.spaces[:i], s.spaces[i+1:]...)
			s.log.WithField("as", sp.as.Name).Debug("address space released")

			return
		}
	}
}

func (s *Session) viommuPresent() bool {
	for _, sp := range s.spaces {
		if sp.as != s.system {
			return true
		}
	}

	return false
}

func (s *Session) migratableDevices() int {
	n := 0

	for _, d := range s.devices {
		if d.Migratable {
			n++
		}
	}

	return n
}

// updateBlockers adds or removes the session wide migration blockers to
// match the attached devices.
func (s *Session) updateBlockers() error {
	if s.multiBlocker == nil && s.migratableDevices() > 1 {
		b, err := s.migration.AddBlocker("Migration is currently not supported with multiple VFIO devices")
		if err != nil {
			return err
		}

		s.multiBlocker = b
	} else if s.multiBlocker != nil && s.migratableDevices() <= 1 {
		s.migration.DelBlocker(s.multiBlocker)
		s.multiBlocker = nil
	}

	if s.giommuBlocker == nil && s.viommuPresent() {
		b, err := s.migration.AddBlocker("Migration is currently not supported with vIOMMU enabled")
		if err != nil {
			return err
		}

		s.giommuBlocker = b
	} else if s.giommuBlocker != nil && !s.viommuPresent() {
		s.migration.DelBlocker(s.giommuBlocker)
		s.giommuBlocker = nil
	}

	return nil
}

// MigrationActive reports whether every attached device can migrate.
func (s *Session) MigrationActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.migrationBlocker != nil {
			return false
		}
	}

	return true
}

// Reset resets every attached device that needs it. Needs are computed for
// all devices first so that a reset cannot change another device's answer.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		d.needsReset = d.computeNeedsReset()
	}

	var result *multierror.Error

	for _, d := range s.devices {
		if !d.needsReset {
			continue
		}

		if err := s.driver.Reset(d.fd); err != nil {
			s.log.WithError(err).WithField("device", d.Name).Warn("device reset failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.Name, err))

			continue
		}

		d.needsReset = false
	}

	return result.ErrorOrNil()
}
