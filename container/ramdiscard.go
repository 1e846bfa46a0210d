package container

import (
	"fmt"
	"math/bits"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/sirupsen/logrus"
)

// ramDiscardListener maps the populated parts of a section owned by a
// discard manager, in chunks of the manager's granularity so any chunk can
// be unmapped on its own later.
type ramDiscardListener struct {
	c              *Container
	region         *memory.Region
	offsetWithinAS uint64
	size           uint64
	granularity    uint64
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// NotifyPopulate maps s. Either all of s ends up mapped or none of it.
func (l *ramDiscardListener) NotifyPopulate(s memory.Section) error {
	end := s.OffsetWithinRegion + s.Size

	for start, next := s.OffsetWithinRegion, uint64(0); start < end; start = next {
		next = min(alignUp(start+1, l.granularity), end)

		iova := start - s.OffsetWithinRegion + s.OffsetWithinAS
		vaddr := s.Region.HostAddr + uintptr(start)

		if err := l.c.Map(iova, next-start, vaddr, s.ReadOnly); err != nil {
			if done, ok := s.Sub(s.OffsetWithinRegion, start-s.OffsetWithinRegion); ok {
				l.NotifyDiscard(done)
			}

			return fmt.Errorf("populate %#x+%#x: %w", iova, next-start, err)
		}
	}

	return nil
}

// NotifyDiscard unmaps s with a single call.
func (l *ramDiscardListener) NotifyDiscard(s memory.Section) {
	if err := l.c.Unmap(s.OffsetWithinAS, s.Size); err != nil {
		l.c.log.WithError(err).WithFields(logrus.Fields{
			"iova": fmt.Sprintf("%#x", s.OffsetWithinAS),
			"size": fmt.Sprintf("%#x", s.Size),
		}).Error("ram discard unmap failed")
	}
}

func (c *Container) registerRAMDiscardListener(s memory.Section) (*ramDiscardListener, error) {
	dm := s.Region.Discard
	ps := c.session.pageSize

	if s.OffsetWithinRegion%ps != 0 || s.OffsetWithinAS%ps != 0 || s.Size%ps != 0 {
		panic(fmt.Sprintf("ram discard section %s [%#x, +%#x) not page aligned",
			s.Region.Name, s.OffsetWithinAS, s.Size))
	}

	gran := dm.MinGranularity(s.Region)
	if gran == 0 || gran&(gran-1) != 0 {
		panic(fmt.Sprintf("ram discard granularity %#x of %s is not a power of two", gran, s.Region.Name))
	}

	if c.pgsizes == 0 || gran < 1<<bits.TrailingZeros64(c.pgsizes) {
		panic(fmt.Sprintf("ram discard granularity %#x of %s below IOMMU page sizes %#x",
			gran, s.Region.Name, c.pgsizes))
	}

	l := &ramDiscardListener{
		c:              c,
		region:         s.Region,
		offsetWithinAS: s.OffsetWithinAS,
		size:           s.Size,
		granularity:    gran,
	}

	c.rdls = append(c.rdls, l)
	err := dm.RegisterListener(l, s)

	c.checkMappingBudget()

	return l, err
}

// checkMappingBudget warns when sections could one day need more DMA
// mappings than the IOMMU offers. Every discard managed section may need
// one mapping per granule; every other section is assumed to use one
// memory slot and one mapping.
func (c *Container) checkMappingBudget() {
	if c.dmaMaxMappings == 0 {
		return
	}

	var mappings, count uint64

	for _, l := range c.rdls {
		start := alignDown(l.offsetWithinAS, l.granularity)
		end := alignUp(l.offsetWithinAS+l.size, l.granularity)
		mappings += (end - start) / l.granularity
		count++
	}

	memslots := uint64(c.session.maxMemslots)
	if mappings+memslots-count > uint64(c.dmaMaxMappings) {
		c.log.WithFields(logrus.Fields{
			"max_mappings": c.dmaMaxMappings,
			"max_memslots": memslots,
		}).Warn("possibly running out of DMA mappings, e.g. try increasing the block-size of virtio-mem devices")
	}
}

func (c *Container) unregisterRAMDiscardListener(l *ramDiscardListener) {
	for i, x := range c.rdls {
		if x == l {
			l.region.Discard.UnregisterListener(l)
			c.rdls = append(c.rdls[:i], c.rdls[i+1:]...)

			return
		}
	}
}

func (c *Container) findRAMDiscardListener(s memory.Section) *ramDiscardListener {
	for _, l := range c.rdls {
		if l.region == s.Region && l.offsetWithinAS == s.OffsetWithinAS {
			return l
		}
	}

	return nil
}
