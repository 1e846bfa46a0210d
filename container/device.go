package container

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/migration"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Device is a VFIO device as the container layer sees it. The exported
// fields describe the device and are set before Attach; the rest is
// attachment state.
type Device struct {
	Name string
	// SysfsDev is the sysfs directory of the device, used to find its
	// VFIO character device.
	SysfsDev string
	// Backend is the iommufd connection to bind to. Devices without one
	// use a type1 container through their IOMMU group.
	Backend Backend
	// Group is the IOMMU group of a device without a backend.
	Group int

	// DiscardAllowed is set by devices that cope with guest RAM being
	// discarded while they are attached.
	DiscardAllowed bool
	// Migratable is set by devices that implement VFIO migration.
	Migratable bool
	// DisablePreCopyDirtyTracking skips dirty tracking while the device
	// is still running.
	DisablePreCopyDirtyTracking bool
	// NeedsReset decides whether the device is reset by Session.Reset. By
	// default devices supporting reset are reset.
	NeedsReset func(d *Device) bool

	running atomic.Bool

	fd        int
	devID     uint32
	hwpt      *hwpt
	group     *group
	container *Container
	info      vfio.DeviceInfo
	// attaching is set under the session lock while Attach runs.
	attaching bool

	dirtyTracking       bool
	dirtyPagesSupported bool
	migrationBlocker    *migration.Blocker
	needsReset          bool
}

// FD returns the VFIO descriptor of an attached device.
func (d *Device) FD() int {
	return d.fd
}

// DevID returns the id the iommufd backend assigned when binding.
func (d *Device) DevID() uint32 {
	return d.devID
}

// HWPTID returns the hardware page table the device is attached to.
func (d *Device) HWPTID() (uint32, bool) {
	if d.hwpt == nil {
		return 0, false
	}

	return d.hwpt.id, true
}

// Container returns the container servicing the device, nil once
// detached.
func (d *Device) Container() *Container {
	return d.container
}

// Info returns what the kernel reported about the device.
func (d *Device) Info() vfio.DeviceInfo {
	return d.info
}

// DirtyTracking reports whether the device is logging its DMA.
func (d *Device) DirtyTracking() bool {
	return d.dirtyTracking
}

// DirtyPagesSupported reports whether the device can log its own DMA.
func (d *Device) DirtyPagesSupported() bool {
	return d.dirtyPagesSupported
}

// SetRunning records whether the device is in the running state.
func (d *Device) SetRunning(on bool) {
	d.running.Store(on)
}

// Running reports whether the device is in the running state.
func (d *Device) Running() bool {
	return d.running.Load()
}

func (d *Device) computeNeedsReset() bool {
	if d.NeedsReset != nil {
		return d.NeedsReset(d)
	}

	return d.info.Flags&vfio.DeviceFlagsReset != 0
}

func (d *Device) kind() Kind {
	if d.Backend != nil {
		return KindIOMMUFD
	}

	return KindLegacy
}

// Attach connects d to the host IOMMU and makes it see as. Devices with a
// backend share a container with other devices of the same backend in as
// when they can; other devices go through a type1 container.
func (s *Session) Attach(as *memory.AddressSpace, d *Device) error {
	if err := s.claim(d); err != nil {
		return err
	}
	defer s.unclaim(d)

	start := time.Now()

	var err error
	if d.Backend != nil {
		err = s.attachIOMMUFD(as, d)
	} else {
		err = s.attachLegacy(as, d)
	}

	if err != nil {
		s.log.WithError(err).WithField("device", d.Name).Error("attach failed")

		return err
	}

	attachDuration.WithLabelValues(d.kind().String()).Observe(time.Since(start).Seconds())

	return nil
}

// claim marks d as being attached. A device is attached at most once, even
// when Attach races with itself.
func (s *Session) claim(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.container != nil || d.attaching {
		return fmt.Errorf("%s: %w", d.Name, errAlreadyAttached)
	}

	d.attaching = true

	return nil
}

func (s *Session) unclaim(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.attaching = false
}

func (s *Session) trackerAdd(fd int) {
	if s.tracker == nil {
		return
	}

	if err := s.tracker.Add(fd); err != nil {
		s.log.WithError(err).WithField("fd", fd).Warn("failed to add descriptor to KVM VFIO device")
	}
}

func (s *Session) trackerDel(fd int) {
	if s.tracker == nil {
		return
	}

	if err := s.tracker.Del(fd); err != nil {
		s.log.WithError(err).WithField("fd", fd).Warn("failed to remove descriptor from KVM VFIO device")
	}
}

func (s *Session) disableDiscard(d *Device) error {
	if d.DiscardAllowed {
		return nil
	}

	if err := s.discard.DisableUncoordinated(true); err != nil {
		return fmt.Errorf("%s: cannot set discarding of RAM broken: %w", d.Name, err)
	}

	return nil
}

func (s *Session) enableDiscard(d *Device) {
	if !d.DiscardAllowed {
		_ = s.discard.DisableUncoordinated(false)
	}
}

// finishAttach publishes an attached device. Called with s.mu held.
// Containers created for d may list it already so that a late container
// joining a logging address space knows how to track.
func (s *Session) finishAttach(d *Device, c *Container, info vfio.DeviceInfo) error {
	d.info = info
	d.container = c
	d.dirtyPagesSupported = s.driver.DMALoggingSupported(d.fd)

	if !slices.Contains(c.devices, d) {
		c.devices = append(c.devices, d)
	}

	s.devices = append(s.devices, d)
	devicesGauge.Inc()

	if ops, ok := c.ops.(*iommufdOps); ok {
		c.dirtyPagesSupported = ops.dirtyCapable()
	}

	s.log.WithFields(logrus.Fields{
		"device":    d.Name,
		"fd":        d.fd,
		"container": c.ID,
		"regions":   info.NumRegions,
		"irqs":      info.NumIRQs,
		"flags":     fmt.Sprintf("%#x", info.Flags),
	}).Debug("device attached")

	if !d.Migratable {
		b, err := s.migration.AddBlocker(fmt.Sprintf("VFIO device %s doesn't support migration", d.Name))
		if err != nil {
			return err
		}

		d.migrationBlocker = b
	}

	return s.updateBlockers()
}

// Detach tears the attachment of d down in the reverse order of Attach.
// Teardown always completes; failures along the way are only logged.
func (s *Session) Detach(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.container == nil {
		return fmt.Errorf("%s: %w", d.Name, errNotAttached)
	}

	if err := s.detachLocked(d); err != nil {
		s.log.WithError(err).WithField("device", d.Name).Warn("errors during detach")
	}

	return nil
}

func (s *Session) detachLocked(d *Device) error {
	var result *multierror.Error

	c := d.container
	sp := c.space

	if d.dirtyTracking {
		if err := s.driver.DMALoggingStop(d.fd); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop DMA logging: %w", err))
		}

		d.dirtyTracking = false
	}

	c.devices = removeDevice(c.devices, d)
	s.devices = removeDevice(s.devices, d)
	d.container = nil
	devicesGauge.Dec()

	if d.migrationBlocker != nil {
		s.migration.DelBlocker(d.migrationBlocker)
		d.migrationBlocker = nil
	}

	s.enableDiscard(d)

	if err := c.ops.Detach(d); err != nil {
		result = multierror.Append(result, err)
	}

	if c.ops.Empty() {
		sp.delContainer(c)
		c.destroy()

		if err := c.ops.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	} else if ops, ok := c.ops.(*iommufdOps); ok {
		c.dirtyPagesSupported = ops.dirtyCapable()
	}

	s.putSpace(sp)

	if err := s.updateBlockers(); err != nil {
		result = multierror.Append(result, err)
	}

	if d.Backend != nil {
		s.unbindAndDisconnect(d)
	}

	if d.fd >= 0 {
		if err := s.driver.Close(d.fd); err != nil {
			result = multierror.Append(result, fmt.Errorf("close: %w", err))
		}

		d.fd = -1
	}

	s.log.WithField("device", d.Name).Debug("device detached")

	return result.ErrorOrNil()
}

func removeDevice(list []*Device, d *Device) []*Device {
	for i, x := range list {
		if x == d {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}
