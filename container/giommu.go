package container

import (
	"fmt"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// guestIOMMU mirrors the translations of an emulated IOMMU region into
// the container.
type guestIOMMU struct {
	c      *Container
	region *memory.Region
	// offset converts an IOVA of the region into an IOVA of the container.
	offset uint64
	n      memory.IOMMUNotifier
}

func (c *Container) addGuestIOMMU(s memory.Section) (*guestIOMMU, error) {
	tr := s.Region.Translator

	g := &guestIOMMU{
		c:      c,
		region: s.Region,
		offset: s.OffsetWithinAS - s.OffsetWithinRegion,
	}

	if err := tr.SetPageSizeMask(c.pgsizes); err != nil {
		return nil, fmt.Errorf("iommu %s: %w", s.Region.Name, err)
	}

	g.n = memory.IOMMUNotifier{
		Notify: g.notify,
		Flags:  memory.NotifyAll,
		Start:  s.OffsetWithinRegion,
		End:    s.OffsetWithinRegion + s.Size - 1,
	}

	if err := tr.RegisterNotifier(&g.n); err != nil {
		return nil, fmt.Errorf("iommu %s: %w", s.Region.Name, err)
	}

	replay := tr.Replay(&g.n)
	for e, ok := replay.Next(); ok; e, ok = replay.Next() {
		g.notify(e)
	}

	c.giommus = append(c.giommus, g)

	return g, nil
}

func (c *Container) removeGuestIOMMU(g *guestIOMMU) {
	g.region.Translator.UnregisterNotifier(&g.n)

	for i, x := range c.giommus {
		if x == g {
			c.giommus = append(c.giommus[:i], c.giommus[i+1:]...)

			return
		}
	}
}

// translate resolves a translation to host memory. Memory owned by a
// discard manager must be populated.
func (s *Session) translate(e memory.IOTLBEntry) (memory.Translation, error) {
	size := e.AddrMask + 1

	tr, err := e.TargetAS.Translate(e.TranslatedAddr, size)
	if err != nil {
		return tr, err
	}

	if dm := tr.Region.Discard; dm != nil {
		s.xlatWarn.Do(func() {
			s.log.Warn("Using vfio with vIOMMUs and coordinated discarding of RAM (e.g., virtio-mem) works, " +
				"however, malicious guests can trigger pinning of more memory than intended via an IOMMU. " +
				"It's possible to mitigate by setting/adjusting RLIMIT_MEMLOCK.")
		})

		sec := memory.Section{
			Region:             tr.Region,
			OffsetWithinRegion: uint64(tr.HostAddr - tr.Region.HostAddr),
			Size:               size,
		}
		if !dm.IsPopulated(sec) {
			return tr, fmt.Errorf("cannot map discarded memory at %#x", e.TranslatedAddr)
		}
	}

	return tr, nil
}

func (g *guestIOMMU) checkTarget(e memory.IOTLBEntry) error {
	if e.TargetAS == g.c.session.system {
		return nil
	}

	name := "none"
	if e.TargetAS != nil {
		name = e.TargetAS.Name
	}

	return fmt.Errorf("wrong target AS %q: %w: %w", name, errWrongTarget, unix.EINVAL)
}

func (g *guestIOMMU) notify(e memory.IOTLBEntry) {
	c := g.c
	iova := e.IOVA + g.offset
	size := e.AddrMask + 1

	fields := logrus.Fields{
		"iova": fmt.Sprintf("%#x", iova),
		"size": fmt.Sprintf("%#x", size),
	}

	if err := g.checkTarget(e); err != nil {
		c.log.WithError(err).WithFields(fields).Error("iommu notification rejected")
		c.session.migration.SetError(err)

		return
	}

	if e.Perm&memory.PermRW != memory.PermNone {
		c.log.WithFields(fields).Debug("iommu map notify")

		tr, err := c.session.translate(e)
		if err != nil {
			c.log.WithError(err).WithFields(fields).Error("iommu translation failed")

			return
		}

		readOnly := e.Perm&memory.PermWO == 0 || tr.ReadOnly
		if err := c.Map(iova, size, tr.HostAddr, readOnly); err != nil {
			c.log.WithError(err).WithFields(fields).Error("iommu dma map failed")
		}

		return
	}

	c.log.WithFields(fields).Debug("iommu unmap notify")

	if err := c.Unmap(iova, size); err != nil {
		c.log.WithError(err).WithFields(fields).Error("iommu dma unmap failed")
		c.session.migration.SetError(err)
	}
}

// syncDirty replays the live translations of the section through a
// throwaway map-only notifier and queries the dirty pages of each.
func (g *guestIOMMU) syncDirty(s memory.Section) {
	c := g.c

	n := &memory.IOMMUNotifier{
		Flags: memory.NotifyMap,
		Start: s.OffsetWithinRegion,
		End:   s.OffsetWithinRegion + s.Size - 1,
	}

	replay := g.region.Translator.Replay(n)
	for e, ok := replay.Next(); ok; e, ok = replay.Next() {
		iova := e.IOVA + g.offset
		size := e.AddrMask + 1

		if err := g.checkTarget(e); err != nil {
			c.log.WithError(err).Error("iommu dirty sync rejected")
			c.session.migration.SetError(err)

			continue
		}

		tr, err := c.session.translate(e)
		if err != nil {
			c.log.WithError(err).Error("iommu dirty sync translation failed")
			c.session.migration.SetError(err)

			continue
		}

		if err := c.queryDirty(iova, size, tr.RAMAddr); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"iova": fmt.Sprintf("%#x", iova),
				"size": fmt.Sprintf("%#x", size),
			}).Error("iommu dirty sync failed")
			c.session.migration.SetError(err)
		}
	}
}
