package container

import (
	"fmt"
	"math"
	"sync"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DirtyRanges reduces an address space to two half-open IOVA ranges, one
// below 4GiB and one above, so devices track the large holes of real
// platforms as clean at the price of reporting nothing finer.
type DirtyRanges struct {
	Min32, Max32 uint64
	Min64, Max64 uint64
}

// LoggingRanges returns the non-empty ranges in the form devices take.
func (r DirtyRanges) LoggingRanges() []vfio.DMALoggingRange {
	var ranges []vfio.DMALoggingRange

	if r.Max32 != 0 {
		ranges = append(ranges, vfio.DMALoggingRange{IOVA: r.Min32, Length: r.Max32 - r.Min32})
	}

	if r.Max64 != 0 {
		ranges = append(ranges, vfio.DMALoggingRange{IOVA: r.Min64, Length: r.Max64 - r.Min64})
	}

	return ranges
}

// dirtyRangesListener is registered just long enough to see every section
// of the address space once.
type dirtyRangesListener struct {
	c *Container
	r DirtyRanges
}

func (l *dirtyRangesListener) RegionAdd(s memory.Section) {
	if !l.c.validSection(s, "tracking_update") {
		return
	}

	iova, end, ok := l.c.iovaRange(s)
	if !ok {
		return
	}

	limit := end + 1

	if limit <= 1<<32 {
		l.r.Min32 = min(l.r.Min32, iova)
		l.r.Max32 = max(l.r.Max32, limit)
	} else {
		l.r.Min64 = min(l.r.Min64, iova)
		l.r.Max64 = max(l.r.Max64, limit)
	}
}

func (*dirtyRangesListener) RegionDel(memory.Section) {}
func (*dirtyRangesListener) LogGlobalStart() error    { return nil }
func (*dirtyRangesListener) LogGlobalStop()           {}
func (*dirtyRangesListener) LogSync(memory.Section)   {}

// DirtyRanges computes the ranges devices of c are asked to track.
func (c *Container) DirtyRanges() DirtyRanges {
	l := &dirtyRangesListener{
		c: c,
		r: DirtyRanges{Min32: math.MaxUint32, Min64: math.MaxUint64},
	}

	c.space.as.RegisterListener(l)
	c.space.as.UnregisterListener(l)

	c.log.WithFields(logrus.Fields{
		"min32": fmt.Sprintf("%#x", l.r.Min32),
		"max32": fmt.Sprintf("%#x", l.r.Max32),
		"min64": fmt.Sprintf("%#x", l.r.Min64),
		"max64": fmt.Sprintf("%#x", l.r.Max64),
	}).Debug("dirty tracking ranges")

	return l.r
}

// allDeviceDirtyTracking reports whether every device logs its own DMA.
func (c *Container) allDeviceDirtyTracking() bool {
	for _, d := range c.devices {
		if !d.dirtyPagesSupported {
			return false
		}
	}

	return true
}

// DirtyTrackingPossible reports whether dirty pages of c can be reported
// right now.
func (c *Container) DirtyTrackingPossible() bool {
	s := c.session
	global := s.globalDirtyDevices.Load()

	if !s.migration.IsSetupOrActive() && !global {
		return false
	}

	for _, d := range c.devices {
		if !d.Migratable && d.Backend == nil {
			return false
		}

		if !global && d.Migratable && d.DisablePreCopyDirtyTracking && d.Running() {
			return false
		}

		if d.Backend != nil && !c.dirtyPagesSupported {
			return false
		}
	}

	return true
}

func (c *Container) devicesDMALoggingStart() error {
	ranges := c.DirtyRanges().LoggingRanges()
	drv := c.session.driver

	for _, d := range c.devices {
		if d.dirtyTracking {
			continue
		}

		if err := drv.DMALoggingStart(d.fd, c.session.pageSize, ranges); err != nil {
			err = fmt.Errorf("%s: failed to start DMA logging: %w", d.Name, err)
			c.log.WithError(err).WithField("device", d.Name).Error("dma logging start failed")
			c.devicesDMALoggingStop()

			return err
		}

		d.dirtyTracking = true
	}

	return nil
}

func (c *Container) devicesDMALoggingStop() {
	for _, d := range c.devices {
		if !d.dirtyTracking {
			continue
		}

		if err := c.session.driver.DMALoggingStop(d.fd); err != nil {
			c.log.WithError(err).WithField("device", d.Name).Warn("failed to stop DMA logging")
		}

		d.dirtyTracking = false
	}
}

// startDirtyTracking starts device DMA logging when every device supports
// it and IOMMU dirty tracking otherwise. Nothing is left logging on error.
func (c *Container) startDirtyTracking() error {
	if c.allDeviceDirtyTracking() {
		return c.devicesDMALoggingStart()
	}

	return c.ops.SetDirtyTracking(true)
}

func (c *Container) stopDirtyTracking() error {
	if c.allDeviceDirtyTracking() {
		c.devicesDMALoggingStop()

		return nil
	}

	return c.ops.SetDirtyTracking(false)
}

var bitmapPool = sync.Pool{
	New: func() any { return new([]uint64) },
}

func getBitmap(words uint64) *[]uint64 {
	bp := bitmapPool.Get().(*[]uint64)
	if uint64(cap(*bp)) < words {
		*bp = make([]uint64, words)
	}

	*bp = (*bp)[:words]
	clear(*bp)

	return bp
}

// queryDirty merges the dirty pages of [iova, iova+size) into the dirty
// log at ramAddr. Without any dirty tracking everything is dirty.
func (c *Container) queryDirty(iova, size, ramAddr uint64) error {
	allDevices := c.allDeviceDirtyTracking()
	log := c.session.dirty

	if !c.dirtyPagesSupported && !allDevices {
		log.SetDirtyRange(ramAddr, size)

		return nil
	}

	ps := c.session.pageSize
	pages := alignUp(size, ps) / ps

	bp := getBitmap((pages + 63) / 64)
	defer bitmapPool.Put(bp)

	if allDevices {
		for _, d := range c.devices {
			if err := c.session.driver.DMALoggingReport(d.fd, iova, size, ps, *bp); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"device": d.Name,
					"iova":   fmt.Sprintf("%#x", iova),
					"size":   fmt.Sprintf("%#x", size),
				}).Error("failed to get DMA logging report")

				return fmt.Errorf("%s: DMA logging report: %w", d.Name, err)
			}
		}
	} else {
		if limit := c.maxDirtyBitmapSize; limit != 0 && uint64(len(*bp))*8 > limit {
			return fmt.Errorf("container %d: dirty bitmap of %#x bytes for %#x+%#x exceeds %#x: %w",
				c.ID, len(*bp)*8, iova, size, limit, unix.E2BIG)
		}

		if err := c.ops.QueryDirtyBitmap(*bp, iova, size, ps); err != nil {
			return err
		}
	}

	dirty := log.SetDirtyBitmap(*bp, ramAddr, pages)
	dirtyPagesTotal.Add(float64(dirty))

	c.log.WithFields(logrus.Fields{
		"iova":    fmt.Sprintf("%#x", iova),
		"size":    fmt.Sprintf("%#x", size),
		"ramaddr": fmt.Sprintf("%#x", ramAddr),
		"dirty":   dirty,
	}).Debug("dirty bitmap")

	return nil
}

// syncDirtyBitmap queries the dirty pages of s. How the bytes of s map to
// tracked IOVAs depends on what backs it.
func (c *Container) syncDirtyBitmap(s memory.Section) error {
	switch {
	case s.Region.IsIOMMU():
		for _, g := range c.giommus {
			if g.region == s.Region && g.n.Start == s.OffsetWithinRegion {
				g.syncDirty(s)

				break
			}
		}

		return nil
	case s.Region.HasDiscardManager():
		if c.findRAMDiscardListener(s) == nil {
			c.session.hwError(errMissingListener)

			return nil
		}

		return s.Region.Discard.ReplayPopulated(s, func(sub memory.Section) error {
			return c.queryDirty(sub.OffsetWithinAS, sub.Size, sub.RAMAddr())
		})
	}

	return c.queryDirty(alignUp(s.OffsetWithinAS, c.session.pageSize), s.Size, s.RAMAddr())
}

func (c *Container) logSync(s memory.Section) {
	if skipped(s) || !c.DirtyTrackingPossible() {
		return
	}

	if err := c.syncDirtyBitmap(s); err != nil {
		c.log.WithError(err).Error("vfio: failed to sync dirty bitmap")
		c.session.migration.SetError(err)
	}
}
