package container

import (
	"errors"
	"fmt"
	"math"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// defaultDMAMaxMappings is what type1 allows when it does not say.
const defaultDMAMaxMappings = 65535

// group is an IOMMU group connected to a type1 container.
type group struct {
	id      int
	fd      int
	devices []*Device
}

// legacyOps backs a container with a type1 container descriptor. Groups
// are connected to it and own the descriptors of their devices.
type legacyOps struct {
	s      *Session
	drv    LegacyDriver
	fd     int
	groups map[int]*group
	dirty  bool
}

func (*legacyOps) Kind() Kind {
	return KindLegacy
}

// Map maps a range. A range the kernel reports busy is unmapped and
// mapped again, as happens when a guest remaps without unmapping first.
func (o *legacyOps) Map(iova, size uint64, vaddr uintptr, readOnly bool) error {
	err := o.drv.MapDMA(o.fd, iova, size, vaddr, readOnly)
	if errors.Is(err, unix.EBUSY) {
		if o.drv.UnmapDMA(o.fd, iova, size) == nil {
			err = o.drv.MapDMA(o.fd, iova, size, vaddr, readOnly)
		}
	}

	return err
}

func (o *legacyOps) Unmap(iova, size uint64) error {
	return o.drv.UnmapDMA(o.fd, iova, size)
}

func (*legacyOps) Copy(Ops, uint64, uint64, bool) error {
	return ErrIncompatibleContainer
}

func (o *legacyOps) Supports(f Feature) bool {
	return f == FeatureLiveMigration && o.dirty
}

func (o *legacyOps) SetDirtyTracking(start bool) error {
	if !o.dirty {
		return nil
	}

	return o.drv.SetDirtyPages(o.fd, start)
}

func (o *legacyOps) QueryDirtyBitmap(bitmap []uint64, iova, size, pageSize uint64) error {
	return o.drv.DirtyBitmap(o.fd, iova, size, pageSize, bitmap)
}

// Detach closes the descriptor of d and disconnects its group once the
// group has no devices left.
func (o *legacyOps) Detach(d *Device) error {
	g := d.group
	if g == nil {
		return nil
	}

	var err error

	if d.fd >= 0 {
		if e := o.drv.Close(d.fd); e != nil {
			err = fmt.Errorf("%s: close: %w", d.Name, e)
		}

		d.fd = -1
	}

	g.devices = removeDevice(g.devices, d)
	d.group = nil

	if len(g.devices) == 0 {
		o.putGroup(g)
	}

	return err
}

func (o *legacyOps) putGroup(g *group) {
	o.s.trackerDel(g.fd)

	if err := o.drv.UnsetContainer(g.fd, o.fd); err != nil {
		o.s.log.WithError(err).WithField("group", g.id).Error("error disconnecting group from container")
	}

	_ = o.drv.Close(g.fd)
	delete(o.groups, g.id)
}

func (o *legacyOps) Empty() bool {
	return len(o.groups) == 0
}

func (o *legacyOps) Release() error {
	return o.drv.Close(o.fd)
}

func (s *Session) attachLegacy(as *memory.AddressSpace, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.getSpace(as)

	c, g, err := s.legacyGroup(sp, d.Group)
	if err != nil {
		s.putSpace(sp)

		return fmt.Errorf("%s: %w", d.Name, err)
	}

	o := c.ops.(*legacyOps)

	for _, x := range g.devices {
		if x.Name == d.Name {
			s.releaseLegacy(c, g)

			return fmt.Errorf("%s: %w", d.Name, errAlreadyAttached)
		}
	}

	fd, err := s.legacy.GroupDeviceFD(g.fd, d.Name)
	if err != nil {
		s.releaseLegacy(c, g)

		return fmt.Errorf("%s: %w", d.Name, err)
	}

	d.fd = fd
	d.group = g
	g.devices = append(g.devices, d)

	if err := s.disableDiscard(d); err != nil {
		_ = o.Detach(d)
		s.releaseLegacy(c, g)

		return err
	}

	info, err := s.driver.Info(fd)
	if err != nil {
		d.container = c
		c.devices = append(c.devices, d)
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

// releaseLegacy undoes legacyGroup for a group that gained no device.
func (s *Session) releaseLegacy(c *Container, g *group) {
	o := c.ops.(*legacyOps)

	if len(g.devices) == 0 && o.groups[g.id] == g {
		o.putGroup(g)
	}

	if o.Empty() {
		c.space.delContainer(c)
		c.destroy()
		_ = o.Release()
	}

	s.putSpace(c.space)
}

// legacyGroup returns the group with the given id connected to a type1
// container of sp, opening and connecting it first if needed.
func (s *Session) legacyGroup(sp *Space, id int) (*Container, *group, error) {
	for _, x := range s.spaces {
		for _, c := range x.containers {
			o, ok := c.ops.(*legacyOps)
			if !ok {
				continue
			}

			if g, ok := o.groups[id]; ok {
				if x != sp {
					return nil, nil, fmt.Errorf("group %d used in multiple address spaces", id)
				}

				return c, g, nil
			}
		}
	}

	gfd, err := s.legacy.OpenGroup(id)
	if err != nil {
		return nil, nil, fmt.Errorf("group %d: %w", id, err)
	}

	viable, err := s.legacy.GroupViable(gfd)
	if err != nil || !viable {
		_ = s.legacy.Close(gfd)

		if err == nil {
			err = errGroupNotViable
		}

		return nil, nil, fmt.Errorf("group %d: %w", id, err)
	}

	g := &group{id: id, fd: gfd}

	for _, c := range sp.containers {
		o, ok := c.ops.(*legacyOps)
		if !ok {
			continue
		}

		if err := s.legacy.SetContainer(gfd, o.fd); err != nil {
			c.log.WithError(err).WithField("group", id).Debug("cannot share container")

			continue
		}

		o.groups[id] = g
		s.trackerAdd(gfd)

		return c, g, nil
	}

	c, err := s.newLegacyContainer(sp, g)
	if err != nil {
		_ = s.legacy.Close(gfd)

		return nil, nil, err
	}

	return c, g, nil
}

func (s *Session) newLegacyContainer(sp *Space, g *group) (*Container, error) {
	cfd, err := s.legacy.OpenContainer()
	if err != nil {
		return nil, err
	}

	if !s.legacy.CheckExtension(cfd, vfio.Type1v2IOMMU) {
		_ = s.legacy.Close(cfd)

		return nil, errNoType1
	}

	if err := s.legacy.SetContainer(g.fd, cfd); err != nil {
		_ = s.legacy.Close(cfd)

		return nil, fmt.Errorf("group %d: set container: %w", g.id, err)
	}

	o := &legacyOps{
		s:      s,
		drv:    s.legacy,
		fd:     cfd,
		groups: map[int]*group{g.id: g},
	}
	c := s.newContainer(sp, o)

	unwind := func() {
		_ = s.legacy.UnsetContainer(g.fd, cfd)
		_ = s.legacy.Close(cfd)
	}

	if err := s.legacy.SetIOMMU(cfd, vfio.Type1v2IOMMU); err != nil {
		unwind()

		return nil, fmt.Errorf("set type1v2 iommu: %w", err)
	}

	info, err := s.legacy.IOMMUInfo(cfd)
	if err != nil {
		unwind()

		return nil, fmt.Errorf("get iommu info: %w", err)
	}

	if err := s.applyIOMMUInfo(c, o, info); err != nil {
		unwind()

		return nil, err
	}

	s.trackerAdd(g.fd)
	sp.addContainer(c)

	if c.err != nil {
		err := fmt.Errorf("memory listener initialization failed: %w", c.err)

		sp.delContainer(c)
		c.destroy()
		s.trackerDel(g.fd)
		unwind()

		return nil, err
	}

	c.initialized = true

	c.log.WithFields(logrus.Fields{
		"as":    sp.as.Name,
		"group": g.id,
	}).Info("type1 container created")

	return c, nil
}

// applyIOMMUInfo sets up c from what the type1 IOMMU reports.
func (s *Session) applyIOMMUInfo(c *Container, o *legacyOps, info vfio.IOMMUInfo) error {
	c.pgsizes = s.pageSize
	if info.Flags&vfio.IOMMUInfoPgsizes != 0 && info.IOVAPgsizes != 0 {
		c.pgsizes = info.IOVAPgsizes
	}

	if len(info.Ranges) == 0 {
		if err := c.AddHostWindow(0, math.MaxUint64, c.pgsizes); err != nil {
			return err
		}
	}

	for _, r := range info.Ranges {
		if err := c.AddHostWindow(r.Start, r.End, c.pgsizes); err != nil {
			return err
		}
	}

	if m := info.Migration; m != nil && m.PgsizeBitmap&s.pageSize != 0 {
		o.dirty = true
		c.dirtyPagesSupported = true
		c.maxDirtyBitmapSize = m.MaxDirtyBitmapSize
	}

	c.dmaMaxMappings = defaultDMAMaxMappings
	if info.HasDMAAvail {
		c.dmaMaxMappings = info.DMAAvail
	}

	return nil
}
