package container

import (
	"fmt"
	"math"

	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/bobuhiro11/govfio/memory"
	"github.com/sirupsen/logrus"
)

// hwpt is a hardware page table allocated on top of an IOAS.
type hwpt struct {
	id      uint32
	flags   uint32
	devices []*Device
}

func (h *hwpt) dirtyTracking() bool {
	return h.flags&iommufd.HWPTAllocDirtyTracking != 0
}

// iommufdOps backs a container with an IOAS of an iommufd backend. Devices
// attach to page tables allocated on the IOAS; the newest page table is
// tried first.
type iommufdOps struct {
	be     Backend
	driver DeviceDriver
	ioas   uint32
	hwpts  []*hwpt
	log    *logrus.Entry
}

func (*iommufdOps) Kind() Kind {
	return KindIOMMUFD
}

func (o *iommufdOps) Map(iova, size uint64, vaddr uintptr, readOnly bool) error {
	return o.be.Map(o.ioas, iova, size, vaddr, readOnly)
}

func (o *iommufdOps) Unmap(iova, size uint64) error {
	return o.be.Unmap(o.ioas, iova, size)
}

func (o *iommufdOps) Copy(dst Ops, iova, size uint64, readOnly bool) error {
	d, ok := dst.(*iommufdOps)
	if !ok || d.be != o.be {
		return ErrIncompatibleContainer
	}

	return o.be.Copy(o.ioas, d.ioas, iova, size, readOnly)
}

func (o *iommufdOps) Supports(f Feature) bool {
	switch f {
	case FeatureDMACopy:
		return true
	case FeatureLiveMigration:
		return o.dirtyCapable()
	}

	return false
}

// dirtyCapable reports whether every page table of the container tracks
// dirty pages.
func (o *iommufdOps) dirtyCapable() bool {
	if len(o.hwpts) == 0 {
		return false
	}

	for _, h := range o.hwpts {
		if !h.dirtyTracking() {
			return false
		}
	}

	return true
}

func (o *iommufdOps) SetDirtyTracking(start bool) error {
	for i, h := range o.hwpts {
		if !h.dirtyTracking() {
			continue
		}

		if err := o.be.SetDirtyTracking(h.id, start); err != nil {
			for _, u := range o.hwpts[:i] {
				if u.dirtyTracking() {
					_ = o.be.SetDirtyTracking(u.id, !start)
				}
			}

			return err
		}
	}

	return nil
}

func (o *iommufdOps) QueryDirtyBitmap(bitmap []uint64, iova, size, pageSize uint64) error {
	for _, h := range o.hwpts {
		if !h.dirtyTracking() {
			continue
		}

		if err := o.be.GetDirtyBitmap(h.id, iova, size, pageSize, bitmap); err != nil {
			return err
		}
	}

	return nil
}

// attach puts d on an existing page table when the kernel accepts it and
// on a new one otherwise.
func (o *iommufdOps) attach(d *Device) error {
	for _, h := range o.hwpts {
		if err := o.driver.AttachPT(d.fd, h.id); err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"device": d.Name,
				"hwpt":   h.id,
			}).Debug("cannot attach to existing hwpt")

			continue
		}

		h.devices = append(h.devices, d)
		d.hwpt = h

		return nil
	}

	var flags uint32

	info, err := o.be.GetHWInfo(d.devID)
	if err == nil && info.OutCapabilities&iommufd.HWInfoCapDirtyTracking != 0 {
		flags |= iommufd.HWPTAllocDirtyTracking
	}

	id, err := o.be.AllocHWPT(d.devID, o.ioas, flags)
	if err != nil {
		return fmt.Errorf("%s: error alloc shadow hwpt: %w", d.Name, err)
	}

	if err := o.driver.AttachPT(d.fd, id); err != nil {
		o.be.FreeID(id)

		return fmt.Errorf("%s: attach to hwpt %d: %w", d.Name, id, err)
	}

	h := &hwpt{id: id, flags: flags, devices: []*Device{d}}
	o.hwpts = append([]*hwpt{h}, o.hwpts...)
	d.hwpt = h
	hwptsGauge.Inc()

	o.log.WithFields(logrus.Fields{
		"device": d.Name,
		"hwpt":   id,
		"dirty":  h.dirtyTracking(),
	}).Debug("hwpt allocated")

	return nil
}

func (o *iommufdOps) Detach(d *Device) error {
	h := d.hwpt
	if h == nil {
		return nil
	}

	var err error
	if e := o.driver.DetachPT(d.fd); e != nil {
		err = fmt.Errorf("%s: detach from hwpt %d: %w", d.Name, h.id, e)
	}

	h.devices = removeDevice(h.devices, d)
	d.hwpt = nil

	if len(h.devices) == 0 {
		for i, x := range o.hwpts {
			if x == h {
				o.hwpts = append(o.hwpts[:i], o.hwpts[i+1:]...)

				break
			}
		}

		o.be.FreeID(h.id)
		hwptsGauge.Dec()
	}

	return err
}

func (o *iommufdOps) Empty() bool {
	return len(o.hwpts) == 0
}

func (o *iommufdOps) Release() error {
	o.be.FreeID(o.ioas)

	return nil
}

func (s *Session) bind(d *Device) error {
	if err := d.Backend.Connect(); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}

	s.trackerAdd(d.fd)

	id, err := s.driver.Bind(d.fd, d.Backend.FD())
	if err != nil {
		s.trackerDel(d.fd)
		d.Backend.Disconnect()

		return fmt.Errorf("error bind device %s fd=%d to iommufd=%d: %w", d.Name, d.fd, d.Backend.FD(), err)
	}

	d.devID = id

	s.log.WithFields(logrus.Fields{
		"device":  d.Name,
		"fd":      d.fd,
		"iommufd": d.Backend.FD(),
		"devid":   id,
	}).Debug("device bound")

	return nil
}

func (s *Session) unbindAndDisconnect(d *Device) {
	s.trackerDel(d.fd)
	d.Backend.Disconnect()
}

func (s *Session) attachIOMMUFD(as *memory.AddressSpace, d *Device) error {
	fd, err := s.driver.Open(d.SysfsDev)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}

	d.fd = fd
	d.dirtyPagesSupported = s.driver.DMALoggingSupported(fd)

	if err := s.bind(d); err != nil {
		_ = s.driver.Close(fd)
		d.fd = -1

		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.getSpace(as)

	c, err := s.iommufdContainer(sp, d)
	if err != nil {
		s.putSpace(sp)
		s.unbindAndDisconnect(d)
		_ = s.driver.Close(fd)
		d.fd = -1

		return err
	}

	info, err := s.driver.Info(fd)
	if err != nil {
		// detachLocked expects a published device.
		d.container = c
		s.devices = append(s.devices, d)
		devicesGauge.Inc()
		_ = s.detachLocked(d)

		return fmt.Errorf("%s: get device info: %w", d.Name, err)
	}

	if err := s.finishAttach(d, c, info); err != nil {
		_ = s.detachLocked(d)

		return err
	}

	return nil
}

// iommufdContainer attaches d to a container of sp sharing its backend or
// to a new one.
func (s *Session) iommufdContainer(sp *Space, d *Device) (*Container, error) {
	for _, c := range sp.containers {
		o, ok := c.ops.(*iommufdOps)
		if !ok || o.be != d.Backend {
			continue
		}

		if err := o.attach(d); err != nil {
			c.log.WithError(err).WithField("device", d.Name).Debug("cannot attach to existing container")

			continue
		}

		if err := s.disableDiscard(d); err != nil {
			_ = o.Detach(d)

			return nil, err
		}

		c.devices = append(c.devices, d)

		return c, nil
	}

	ioas, err := d.Backend.AllocIOAS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	o := &iommufdOps{
		be:     d.Backend,
		driver: s.driver,
		ioas:   ioas,
		log:    s.log.WithField("ioas", ioas),
	}
	c := s.newContainer(sp, o)

	if err := o.attach(d); err != nil {
		_ = o.Release()

		return nil, err
	}

	if err := s.disableDiscard(d); err != nil {
		_ = o.Detach(d)
		_ = o.Release()

		return nil, err
	}

	if err := s.iommufdWindows(c, o); err != nil {
		s.enableDiscard(d)
		_ = o.Detach(d)
		_ = o.Release()

		return nil, err
	}

	c.dirtyPagesSupported = o.dirtyCapable()
	c.devices = append(c.devices, d)

	sp.addContainer(c)

	if c.err != nil {
		err := fmt.Errorf("memory listener initialization failed: %w", c.err)

		sp.delContainer(c)
		c.destroy()
		s.enableDiscard(d)
		_ = o.Detach(d)
		_ = o.Release()

		return nil, err
	}

	c.initialized = true

	c.log.WithFields(logrus.Fields{
		"as":     sp.as.Name,
		"device": d.Name,
	}).Info("iommufd container created")

	return c, nil
}

// iommufdWindows publishes the usable IOVA ranges of the IOAS. Without
// any report the whole 64-bit space is usable.
func (s *Session) iommufdWindows(c *Container, o *iommufdOps) error {
	ranges, err := o.be.IOVARanges(o.ioas)
	if err != nil || len(ranges) == 0 {
		if err != nil {
			c.log.WithError(err).Debug("no IOVA ranges reported, assuming full range")
		}

		return c.AddHostWindow(0, math.MaxUint64, s.pageSize)
	}

	for _, r := range ranges {
		if err := c.AddHostWindow(r.Start, r.Last, s.pageSize); err != nil {
			return err
		}
	}

	return nil
}
