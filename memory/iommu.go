package memory

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

var errPageSizeMask = errors.New("page size mask not supported by iommu")

// Perm is the access a translation allows.
type Perm uint8

const (
	PermNone Perm = 0
	PermRO   Perm = 1 << 0
	PermWO   Perm = 1 << 1
	PermRW        = PermRO | PermWO
)

// IOTLBEntry is one translation of an emulated IOMMU. IOVA is relative to
// the IOMMU region, AddrMask+1 is the size of the translated page.
type IOTLBEntry struct {
	TargetAS       *AddressSpace
	IOVA           uint64
	TranslatedAddr uint64
	AddrMask       uint64
	Perm           Perm
}

// NotifierFlag selects which events a notifier receives.
type NotifierFlag uint8

const (
	NotifyMap NotifierFlag = 1 << iota
	NotifyUnmap

	NotifyAll = NotifyMap | NotifyUnmap
)

// IOMMUNotifier watches translations within [Start, End].
type IOMMUNotifier struct {
	Notify func(e IOTLBEntry)
	Flags  NotifierFlag
	Start  uint64
	End    uint64
}

func (n *IOMMUNotifier) covers(e IOTLBEntry) bool {
	return e.IOVA <= n.End && e.IOVA+e.AddrMask >= n.Start
}

// Replay is a one-shot iterator over the translations that existed when it
// was created. Once exhausted it stays exhausted.
type Replay struct {
	entries []IOTLBEntry
	pos     int
}

// Next returns the next translation, ok is false once all were returned.
func (r *Replay) Next() (IOTLBEntry, bool) {
	if r.pos >= len(r.entries) {
		r.entries = nil

		return IOTLBEntry{}, false
	}

	e := r.entries[r.pos]
	r.pos++

	return e, true
}

// IOMMURegion is an emulated IOMMU translating a device address space into
// a target address space, usually system memory.
type IOMMURegion struct {
	target       *AddressSpace
	supported    uint64
	pageSizeMask uint64
	entries      *btree.BTreeG[IOTLBEntry]
	notifiers    []*IOMMUNotifier
}

// NewIOMMU returns a region of size translating into target. supported is
// the page size mask the IOMMU can emulate.
func NewIOMMU(name string, size uint64, target *AddressSpace, supported uint64) *Region {
	return &Region{
		Name: name,
		Type: IOMMU,
		Size: size,
		Translator: &IOMMURegion{
			target:       target,
			supported:    supported,
			pageSizeMask: supported,
			entries: btree.NewG(8, func(a, b IOTLBEntry) bool {
				return a.IOVA < b.IOVA
			}),
		},
	}
}

// SetPageSizeMask restricts the page sizes the IOMMU hands out to those
// the host can map.
func (m *IOMMURegion) SetPageSizeMask(mask uint64) error {
	if mask&m.supported == 0 {
		return fmt.Errorf("%#x vs %#x: %w", mask, m.supported, errPageSizeMask)
	}

	m.pageSizeMask = mask & m.supported

	return nil
}

// PageSizeMask returns the effective page size mask.
func (m *IOMMURegion) PageSizeMask() uint64 {
	return m.pageSizeMask
}

// Target returns the address space translations point into.
func (m *IOMMURegion) Target() *AddressSpace {
	return m.target
}

// RegisterNotifier starts delivering events to n.
func (m *IOMMURegion) RegisterNotifier(n *IOMMUNotifier) error {
	if n.Flags == 0 || n.Start > n.End {
		return fmt.Errorf("notifier [%#x, %#x] flags %d: invalid", n.Start, n.End, n.Flags)
	}

	m.notifiers = append(m.notifiers, n)

	return nil
}

// UnregisterNotifier stops delivering events to n.
func (m *IOMMURegion) UnregisterNotifier(n *IOMMUNotifier) {
	for i, x := range m.notifiers {
		if x == n {
			m.notifiers = append(m.notifiers[:i], m.notifiers[i+1:]...)

			return
		}
	}
}

// Replay snapshots the translations n covers.
func (m *IOMMURegion) Replay(n *IOMMUNotifier) *Replay {
	r := &Replay{}

	m.entries.Ascend(func(e IOTLBEntry) bool {
		if n.covers(e) {
			r.entries = append(r.entries, e)
		}

		return true
	})

	return r
}

// Map installs a translation and notifies map listeners.
func (m *IOMMURegion) Map(e IOTLBEntry) {
	if e.TargetAS == nil {
		e.TargetAS = m.target
	}

	m.entries.ReplaceOrInsert(e)

	for _, n := range m.notifiers {
		if n.Flags&NotifyMap != 0 && n.covers(e) {
			n.Notify(e)
		}
	}
}

// Unmap drops the translation at iova and notifies unmap listeners.
func (m *IOMMURegion) Unmap(iova uint64) bool {
	e, ok := m.entries.Delete(IOTLBEntry{IOVA: iova})
	if !ok {
		return false
	}

	e.Perm = PermNone

	for _, n := range m.notifiers {
		if n.Flags&NotifyUnmap != 0 && n.covers(e) {
			n.Notify(e)
		}
	}

	return true
}

// Len returns the number of live translations.
func (m *IOMMURegion) Len() int {
	return m.entries.Len()
}
