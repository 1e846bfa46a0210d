package container

import (
	"fmt"
	"math/bits"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// knownSafeMisalignedOwner owns regions whose misalignment is expected and
// harmless.
const knownSafeMisalignedOwner = "tpm-crb"

type sectionKey struct {
	region   *memory.Region
	offsetMR uint64
	offsetAS uint64
	size     uint64
}

func keyOf(s memory.Section) sectionKey {
	return sectionKey{s.Region, s.OffsetWithinRegion, s.OffsetWithinAS, s.Size}
}

// sectionState is what a container did for a section it accepted.
type sectionState struct {
	mapped bool
	giommu *guestIOMMU
	rdl    *ramDiscardListener
}

// Container maps one guest address space into one host IOMMU address
// space. The kernel holds the mappings; the container keeps only the
// metadata needed to undo them.
type Container struct {
	ID int

	ops     Ops
	space   *Space
	session *Session
	log     *logrus.Entry

	windows  *btree.BTreeG[HostWindow]
	giommus  []*guestIOMMU
	rdls     []*ramDiscardListener
	devices  []*Device
	sections map[sectionKey]*sectionState

	pgsizes             uint64
	dirtyPagesSupported bool
	maxDirtyBitmapSize  uint64
	dmaMaxMappings      uint32

	initialized bool
	err         error
}

func (s *Session) newContainer(sp *Space, ops Ops) *Container {
	s.nextID++

	return &Container{
		ID:       s.nextID,
		ops:      ops,
		space:    sp,
		session:  s,
		log:      s.log.WithFields(logrus.Fields{"container": s.nextID, "kind": ops.Kind().String()}),
		windows:  newWindowTree(),
		sections: map[sectionKey]*sectionState{},
		pgsizes:  s.pageSize,
	}
}

// Kind returns the container flavour.
func (c *Container) Kind() Kind {
	return c.ops.Kind()
}

// Ops returns the kernel facing half of the container.
func (c *Container) Ops() Ops {
	return c.ops
}

// Space returns the address space the container services.
func (c *Container) Space() *Space {
	return c.space
}

// Devices returns the devices using the container.
func (c *Container) Devices() []*Device {
	return append([]*Device(nil), c.devices...)
}

// PageSizes returns the IOMMU page size mask of the container.
func (c *Container) PageSizes() uint64 {
	return c.pgsizes
}

// DirtyPagesSupported reports whether the IOMMU itself tracks dirty pages.
func (c *Container) DirtyPagesSupported() bool {
	return c.dirtyPagesSupported
}

// Initialized reports whether the container finished its setup. Mapping
// failures after that point are fatal.
func (c *Container) Initialized() bool {
	return c.initialized
}

// Err returns the first mapping error recorded during setup.
func (c *Container) Err() error {
	return c.err
}

// Map maps [iova, iova+size) to host memory at vaddr.
func (c *Container) Map(iova, size uint64, vaddr uintptr, readOnly bool) error {
	err := c.ops.Map(iova, size, vaddr, readOnly)
	dmaMapTotal.WithLabelValues(result(err)).Inc()

	return err
}

// Unmap removes [iova, iova+size). Unmapping an absent range succeeds.
func (c *Container) Unmap(iova, size uint64) error {
	err := c.ops.Unmap(iova, size)
	dmaUnmapTotal.WithLabelValues(result(err)).Inc()

	return err
}

func (c *Container) copyFrom(src *Container, iova, size uint64, readOnly bool) error {
	err := src.ops.Copy(c.ops, iova, size, readOnly)
	dmaMapTotal.WithLabelValues(result(err)).Inc()

	return err
}

// skipped reports whether sections like s are never given to the IOMMU:
// anything that is neither RAM nor behind a guest IOMMU, protected memory,
// and the upper half of the 64-bit space where sizing a 64-bit BAR causes
// spurious mappings beyond the address width of some IOMMUs.
func skipped(s memory.Section) bool {
	return (!s.Region.IsRAM() && !s.Region.IsIOMMU()) ||
		s.Region.Protected ||
		s.OffsetWithinAS&(1<<63) != 0
}

func (c *Container) validSection(s memory.Section, op string) bool {
	fields := logrus.Fields{
		"op":     op,
		"region": s.Region.Name,
		"iova":   fmt.Sprintf("%#x", s.OffsetWithinAS),
		"size":   fmt.Sprintf("%#x", s.Size),
	}

	if skipped(s) {
		c.log.WithFields(fields).Debug("section skipped")

		return false
	}

	mask := c.session.pageSize - 1
	if s.OffsetWithinAS&mask != s.OffsetWithinRegion&mask {
		fields["offset_within_region"] = fmt.Sprintf("%#x", s.OffsetWithinRegion)
		fields["page_size"] = c.session.pageSize

		if s.Region.Owner == knownSafeMisalignedOwner {
			c.log.WithFields(fields).Debug("known safe misaligned section")
		} else {
			c.log.WithFields(fields).Error("received unaligned region")
		}

		return false
	}

	return true
}

// iovaRange returns the host page aligned part of s as inclusive bounds.
// ok is false when no whole page remains.
func (c *Container) iovaRange(s memory.Section) (iova, end uint64, ok bool) {
	ps := c.session.pageSize

	iova, carry := bits.Add64(s.OffsetWithinAS, ps-1, 0)
	if carry != 0 {
		return 0, 0, false
	}

	iova &^= ps - 1

	llend, carry := bits.Add64(s.OffsetWithinAS, s.Size, 0)
	llend &^= ps - 1

	if carry != 0 {
		// The section runs to the top of the 64-bit space.
		if llend != 0 {
			return 0, 0, false
		}

		return iova, llend - 1, true
	}

	if iova >= llend {
		return 0, 0, false
	}

	return iova, llend - 1, true
}

func (c *Container) regionAdd(src **Container, s memory.Section) {
	if !c.validSection(s, "region_add") {
		return
	}

	iova, end, ok := c.iovaRange(s)
	if !ok {
		if s.Region.IsRAMDevice() {
			c.log.WithFields(logrus.Fields{
				"region": s.Region.Name,
				"iova":   fmt.Sprintf("%#x", s.OffsetWithinAS),
				"size":   fmt.Sprintf("%#x", s.Size),
			}).Debug("ram device section smaller than a page, not mapped")
		}

		return
	}

	key := keyOf(s)
	if _, dup := c.sections[key]; dup {
		return
	}

	win, ok := c.FindWindow(iova, end)
	if !ok {
		c.fail(s, fmt.Errorf("container %d can't map guest IOVA region %#x..%#x: %w",
			c.ID, iova, end, ErrNoWindow))

		return
	}

	st := &sectionState{}
	c.sections[key] = st
	s.Region.Ref()

	if s.Region.IsIOMMU() {
		c.log.WithFields(logrus.Fields{
			"iova": fmt.Sprintf("%#x", iova),
			"end":  fmt.Sprintf("%#x", end),
		}).Debug("region add iommu")

		g, err := c.addGuestIOMMU(s)
		if err != nil {
			c.fail(s, err)

			return
		}

		st.giommu = g

		return
	}

	if err := c.mapRAMSection(src, s, st, iova, end, win); err != nil {
		c.fail(s, err)
	}
}

func (c *Container) mapRAMSection(src **Container, s memory.Section, st *sectionState,
	iova, end uint64, win HostWindow,
) error {
	if s.Region.HasDiscardManager() {
		l, err := c.registerRAMDiscardListener(s)
		st.rdl = l

		return err
	}

	size := end - iova + 1
	vaddr := s.HostAddr() + uintptr(iova-s.OffsetWithinAS)

	if s.Region.IsRAMDevice() {
		pgmask := win.MinPageSize() - 1
		if iova&pgmask != 0 || size&pgmask != 0 {
			c.log.WithFields(logrus.Fields{
				"region":   s.Region.Name,
				"iova":     fmt.Sprintf("%#x", iova),
				"size":     fmt.Sprintf("%#x", size),
				"pagesize": pgmask + 1,
			}).Debug("ram device section not aligned to IOMMU page size, not mapped")

			return nil
		}
	}

	c.log.WithFields(logrus.Fields{
		"iova":  fmt.Sprintf("%#x", iova),
		"end":   fmt.Sprintf("%#x", end),
		"vaddr": fmt.Sprintf("%#x", vaddr),
	}).Debug("dma map ram")

	copySupported := c.ops.Supports(FeatureDMACopy) && *src != nil && *src != c
	if copySupported {
		err := c.copyFrom(*src, iova, size, s.ReadOnly)
		if err == nil {
			st.mapped = true

			return nil
		}

		c.log.WithError(err).WithField("src", (*src).ID).Info("IOAS copy failed, trying map")
	}

	if err := c.Map(iova, size, vaddr, s.ReadOnly); err != nil {
		err = fmt.Errorf("container %d: map %#x+%#x at %#x: %w", c.ID, iova, size, vaddr, err)
		if s.Region.IsRAMDevice() {
			c.log.WithError(err).Error("failed to map RAM device section, p2p may not work")

			return nil
		}

		return err
	}

	st.mapped = true

	if c.ops.Supports(FeatureDMACopy) && *src == nil {
		*src = c
	}

	return nil
}

// fail handles a region_add error. During setup the first error is kept
// for the attach path to report; afterwards the guest view and the host
// IOMMU can no longer be kept consistent.
func (c *Container) fail(s memory.Section, err error) {
	if s.Region.IsRAMDevice() {
		c.log.WithError(err).Error("failed to map RAM device section, p2p may not work")

		return
	}

	if !c.initialized {
		if c.err == nil {
			c.err = fmt.Errorf("region %s: %w", s.Region.Name, err)
		}

		return
	}

	c.log.WithError(err).WithField("region", s.Region.Name).Error("vfio: DMA mapping failed")
	c.session.hwError(fmt.Errorf("DMA mapping failed, unable to continue: %w", err))
}

func (c *Container) regionDel(s memory.Section) {
	if !c.validSection(s, "region_del") {
		return
	}

	key := keyOf(s)

	st, ok := c.sections[key]
	if !ok {
		return
	}

	delete(c.sections, key)

	if st.giommu != nil {
		c.removeGuestIOMMU(st.giommu)
		// Whatever the guest left mapped goes with the section.
		st.mapped = true
	}

	if st.rdl != nil {
		// Unregistering discards whatever is still populated.
		c.unregisterRAMDiscardListener(st.rdl)
	}

	if st.mapped {
		c.unmapSection(s)
	}

	s.Region.Unref()
}

func (c *Container) unmapSection(s memory.Section) {
	iova, end, ok := c.iovaRange(s)
	if !ok {
		return
	}

	c.log.WithFields(logrus.Fields{
		"iova": fmt.Sprintf("%#x", iova),
		"end":  fmt.Sprintf("%#x", end),
	}).Debug("dma unmap ram")

	size := end - iova + 1
	if size == 0 {
		// The unmap call does not take a full 64-bit span.
		half := uint64(1) << 63
		if err := c.Unmap(iova, half); err != nil {
			c.log.WithError(err).WithField("iova", fmt.Sprintf("%#x", iova)).Error("dma unmap failed")
		}

		iova += half
		size = half
	}

	if err := c.Unmap(iova, size); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"iova": fmt.Sprintf("%#x", iova),
			"size": fmt.Sprintf("%#x", size),
		}).Error("dma unmap failed")
	}
}

// destroy drops the listeners and windows of a container whose device
// list is empty.
func (c *Container) destroy() {
	for _, l := range append([]*ramDiscardListener(nil), c.rdls...) {
		c.unregisterRAMDiscardListener(l)
	}

	for _, g := range append([]*guestIOMMU(nil), c.giommus...) {
		c.removeGuestIOMMU(g)
	}

	c.windows.Clear(false)
}
