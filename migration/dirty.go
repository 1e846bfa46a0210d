package migration

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// DirtyLog records which pages of guest RAM were written, indexed by RAM
// address.
type DirtyLog struct {
	mu       sync.Mutex
	pageSize uint64
	bits     *bitset.BitSet
}

// NewDirtyLog returns an empty log with pageSize granularity.
func NewDirtyLog(pageSize uint64) *DirtyLog {
	return &DirtyLog{pageSize: pageSize, bits: bitset.New(0)}
}

// PageSize returns the log granularity.
func (d *DirtyLog) PageSize() uint64 {
	return d.pageSize
}

// SetDirtyRange marks every page touching [ramAddr, ramAddr+size).
func (d *DirtyLog) SetDirtyRange(ramAddr, size uint64) {
	if size == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	first := ramAddr / d.pageSize
	last := (ramAddr + size - 1) / d.pageSize

	for p := first; p <= last; p++ {
		d.bits.Set(uint(p))
	}
}

// SetDirtyBitmap merges a bitmap of pages pages starting at ramAddr, in the
// layout the kernel returns: bit n of word w is page w*64+n. It returns how
// many pages the bitmap marked dirty.
func (d *DirtyLog) SetDirtyBitmap(bitmap []uint64, ramAddr, pages uint64) uint64 {
	src := bitset.From(bitmap)
	base := uint(ramAddr / d.pageSize)

	d.mu.Lock()
	defer d.mu.Unlock()

	var count uint64

	for i, ok := src.NextSet(0); ok && uint64(i) < pages; i, ok = src.NextSet(i + 1) {
		d.bits.Set(base + i)
		count++
	}

	return count
}

// IsDirty reports whether the page holding ramAddr is dirty.
func (d *DirtyLog) IsDirty(ramAddr uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bits.Test(uint(ramAddr / d.pageSize))
}

// Count returns the number of dirty pages.
func (d *DirtyLog) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return uint64(d.bits.Count())
}

// TestAndClear clears the pages of [ramAddr, ramAddr+size) and returns how
// many of them were dirty.
func (d *DirtyLog) TestAndClear(ramAddr, size uint64) uint64 {
	if size == 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var count uint64

	first := ramAddr / d.pageSize
	last := (ramAddr + size - 1) / d.pageSize

	for p := first; p <= last; p++ {
		if d.bits.Test(uint(p)) {
			count++
			d.bits.Clear(uint(p))
		}
	}

	return count
}

// Words returns a copy of the log as 64-bit words.
func (d *DirtyLog) Words() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]uint64(nil), d.bits.Bytes()...)
}
