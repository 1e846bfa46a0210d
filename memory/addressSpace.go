package memory

import (
	"errors"
	"fmt"
	"sort"
)

var (
	errAddrSpaceOccupied = errors.New("address space occupied")
	errSectionNotFound   = errors.New("unable to find section")
	errEmptySection      = errors.New("empty section")

	// ErrNotRAM is returned when a translation lands outside host memory.
	ErrNotRAM = errors.New("address is not backed by RAM")
)

// Listener receives topology changes of an AddressSpace. Callbacks run
// synchronously inside the change that triggers them.
type Listener interface {
	RegionAdd(s Section)
	RegionDel(s Section)
	LogGlobalStart() error
	LogGlobalStop()
	LogSync(s Section)
}

// AddressSpace is a flat, non-overlapping list of sections as seen by the
// guest or by a device behind an IOMMU. Callers serialize topology changes.
type AddressSpace struct {
	Name string

	sections  []Section
	listeners []Listener
	logging   bool
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace(name string) *AddressSpace {
	return &AddressSpace{Name: name}
}

// Sections returns the current sections ordered by address.
func (a *AddressSpace) Sections() []Section {
	return append([]Section(nil), a.sections...)
}

// Logging reports whether global dirty logging is on.
func (a *AddressSpace) Logging() bool {
	return a.logging
}

// AddSection inserts s and tells every listener about it.
func (a *AddressSpace) AddSection(s Section) error {
	if s.Size == 0 || s.Region == nil {
		return errEmptySection
	}

	i := sort.Search(len(a.sections), func(i int) bool {
		return a.sections[i].OffsetWithinAS >= s.OffsetWithinAS
	})

	if i < len(a.sections) && a.sections[i].OffsetWithinAS < s.End() {
		return fmt.Errorf("%s at %#x: %w", s.Region.Name, s.OffsetWithinAS, errAddrSpaceOccupied)
	}

	if i > 0 && a.sections[i-1].End() > s.OffsetWithinAS {
		return fmt.Errorf("%s at %#x: %w", s.Region.Name, s.OffsetWithinAS, errAddrSpaceOccupied)
	}

	a.sections = append(a.sections, Section{})
	copy(a.sections[i+1:], a.sections[i:])
	a.sections[i] = s

	for _, l := range a.listeners {
		l.RegionAdd(s)
	}

	return nil
}

// AddRegion maps a whole region at addr.
func (a *AddressSpace) AddRegion(r *Region, addr uint64) error {
	return a.AddSection(Section{
		Region:         r,
		OffsetWithinAS: addr,
		Size:           r.Size,
		ReadOnly:       r.ReadOnly || r.Type == ROM,
	})
}

// DelSection removes the section starting at addr. Listeners are told in
// reverse registration order.
func (a *AddressSpace) DelSection(addr uint64) error {
	for i, s := range a.sections {
		if s.OffsetWithinAS != addr {
			continue
		}

		a.sections = append(a.sections[:i], a.sections[i+1:]...)

		for j := len(a.listeners) - 1; j >= 0; j-- {
			a.listeners[j].RegionDel(s)
		}

		return nil
	}

	return fmt.Errorf("%#x: %w", addr, errSectionNotFound)
}

// RegisterListener adds l and replays every existing section to it.
func (a *AddressSpace) RegisterListener(l Listener) {
	a.listeners = append(a.listeners, l)

	if a.logging {
		if err := l.LogGlobalStart(); err != nil {
			log.WithError(err).WithField("as", a.Name).Warn("late listener failed to start logging")
		}
	}

	for _, s := range a.Sections() {
		l.RegionAdd(s)
	}
}

// UnregisterListener removes l after replaying the removal of every
// section to it.
func (a *AddressSpace) UnregisterListener(l Listener) {
	for i, x := range a.listeners {
		if x != l {
			continue
		}

		a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)

		for j := len(a.sections) - 1; j >= 0; j-- {
			l.RegionDel(a.sections[j])
		}

		return
	}
}

// StartLogging turns global dirty logging on. If a listener fails, the
// listeners already started are stopped again.
func (a *AddressSpace) StartLogging() error {
	if a.logging {
		return nil
	}

	for i, l := range a.listeners {
		if err := l.LogGlobalStart(); err != nil {
			for j := i - 1; j >= 0; j-- {
				a.listeners[j].LogGlobalStop()
			}

			return err
		}
	}

	a.logging = true

	return nil
}

// StopLogging turns global dirty logging off.
func (a *AddressSpace) StopLogging() {
	if !a.logging {
		return
	}

	a.logging = false

	for _, l := range a.listeners {
		l.LogGlobalStop()
	}
}

// Sync asks every listener to fold its dirty state into the dirty log.
func (a *AddressSpace) Sync() {
	for _, s := range a.Sections() {
		for _, l := range a.listeners {
			l.LogSync(s)
		}
	}
}

// Translation is where a guest address lives on the host.
type Translation struct {
	HostAddr uintptr
	RAMAddr  uint64
	ReadOnly bool
	Region   *Region
}

// Translate resolves [addr, addr+size) to host memory. The range must be
// inside one RAM section.
func (a *AddressSpace) Translate(addr, size uint64) (Translation, error) {
	i := sort.Search(len(a.sections), func(i int) bool {
		return a.sections[i].End() > addr
	})

	if i == len(a.sections) || a.sections[i].OffsetWithinAS > addr {
		return Translation{}, fmt.Errorf("%#x in %s: %w", addr, a.Name, ErrNotRAM)
	}

	s := a.sections[i]
	if !s.Region.IsRAM() || addr+size > s.End() {
		return Translation{}, fmt.Errorf("%#x+%#x in %s: %w", addr, size, a.Name, ErrNotRAM)
	}

	off := addr - s.OffsetWithinAS

	return Translation{
		HostAddr: s.HostAddr() + uintptr(off),
		RAMAddr:  s.RAMAddr() + off,
		ReadOnly: s.ReadOnly,
		Region:   s.Region,
	}, nil
}
