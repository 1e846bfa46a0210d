package container

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
)

// HostWindow is an IOVA range the host IOMMU of a container can address,
// with the page sizes it maps in. Bounds are inclusive.
type HostWindow struct {
	MinIOVA   uint64
	MaxIOVA   uint64
	PageSizes uint64
}

// MinPageSize returns the smallest page size of the window.
func (w HostWindow) MinPageSize() uint64 {
	if w.PageSizes == 0 {
		return 0
	}

	return 1 << bits.TrailingZeros64(w.PageSizes)
}

func (w HostWindow) overlaps(o HostWindow) bool {
	return w.MinIOVA <= o.MaxIOVA && o.MinIOVA <= w.MaxIOVA
}

func newWindowTree() *btree.BTreeG[HostWindow] {
	return btree.NewG(4, func(a, b HostWindow) bool {
		return a.MinIOVA < b.MinIOVA
	})
}

// AddHostWindow adds [min, max] to the windows of c. Windows never overlap;
// a window overlapping an existing one is a configuration error and leaves
// the list untouched.
func (c *Container) AddHostWindow(min, max, pageSizes uint64) error {
	w := HostWindow{MinIOVA: min, MaxIOVA: max, PageSizes: pageSizes}
	if min > max {
		return fmt.Errorf("window [%#x, %#x]: %w", min, max, ErrInvalidWindow)
	}

	var conflict *HostWindow

	c.windows.DescendLessOrEqual(w, func(x HostWindow) bool {
		if x.overlaps(w) {
			conflict = &x
		}

		return false
	})

	if conflict == nil {
		c.windows.AscendGreaterOrEqual(w, func(x HostWindow) bool {
			if x.overlaps(w) {
				conflict = &x
			}

			return false
		})
	}

	if conflict != nil {
		return fmt.Errorf("window [%#x, %#x] overlaps [%#x, %#x]: %w",
			min, max, conflict.MinIOVA, conflict.MaxIOVA, ErrOverlappingWindow)
	}

	c.windows.ReplaceOrInsert(w)

	return nil
}

// RemoveHostWindow removes the window with exactly the bounds [min, max].
func (c *Container) RemoveHostWindow(min, max uint64) error {
	w, ok := c.windows.Get(HostWindow{MinIOVA: min})
	if !ok || w.MaxIOVA != max {
		return fmt.Errorf("window [%#x, %#x]: %w", min, max, ErrNotFound)
	}

	c.windows.Delete(w)

	return nil
}

// FindWindow returns the window holding all of [iova, end].
func (c *Container) FindWindow(iova, end uint64) (HostWindow, bool) {
	var (
		found HostWindow
		ok    bool
	)

	c.windows.DescendLessOrEqual(HostWindow{MinIOVA: iova}, func(x HostWindow) bool {
		if x.MinIOVA <= iova && end <= x.MaxIOVA {
			found, ok = x, true
		}

		return false
	})

	return found, ok
}

// Windows returns the host windows ordered by address.
func (c *Container) Windows() []HostWindow {
	ws := make([]HostWindow, 0, c.windows.Len())

	c.windows.Ascend(func(x HostWindow) bool {
		ws = append(ws, x)

		return true
	})

	return ws
}
