package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrDiscardRequired is returned when discard cannot be disabled
	// because a device relies on it, or the other way round.
	ErrDiscardRequired = errors.New("ram discard state conflict")

	errUnaligned = errors.New("range not aligned to block size")
	errOutside   = errors.New("range outside region")
)

// DiscardListener follows the populated parts of a region section.
type DiscardListener interface {
	NotifyPopulate(s Section) error
	NotifyDiscard(s Section)
}

// DiscardManager owns which parts of a region are backed by memory.
type DiscardManager interface {
	MinGranularity(r *Region) uint64
	IsPopulated(s Section) bool
	ReplayPopulated(s Section, fn func(Section) error) error
	RegisterListener(l DiscardListener, s Section) error
	UnregisterListener(l DiscardListener)
}

type discardRegistration struct {
	l DiscardListener
	s Section
}

// BlockDiscardManager plugs and unplugs a region in fixed size blocks, the
// way virtio-mem does.
type BlockDiscardManager struct {
	region    *Region
	blockSize uint64
	plugged   *bitset.BitSet
	listeners []discardRegistration
}

// NewBlockDiscardManager attaches a manager to r. Every block starts
// unplugged.
func NewBlockDiscardManager(r *Region, blockSize uint64) *BlockDiscardManager {
	m := &BlockDiscardManager{
		region:    r,
		blockSize: blockSize,
		plugged:   bitset.New(uint((r.Size + blockSize - 1) / blockSize)),
	}
	r.Discard = m

	return m
}

func (m *BlockDiscardManager) MinGranularity(*Region) uint64 {
	return m.blockSize
}

func (m *BlockDiscardManager) check(offset, size uint64) error {
	if offset%m.blockSize != 0 || size%m.blockSize != 0 || size == 0 {
		return fmt.Errorf("[%#x, +%#x): %w", offset, size, errUnaligned)
	}

	if offset+size > m.region.Size || offset+size < offset {
		return fmt.Errorf("[%#x, +%#x): %w", offset, size, errOutside)
	}

	return nil
}

// forEachRun calls fn with every maximal run of blocks in [offset,
// offset+size) whose plugged state equals want.
func (m *BlockDiscardManager) forEachRun(offset, size uint64, want bool, fn func(off, sz uint64) error) error {
	first := offset / m.blockSize
	last := (offset + size + m.blockSize - 1) / m.blockSize

	for b := first; b < last; {
		if m.plugged.Test(uint(b)) != want {
			b++

			continue
		}

		e := b
		for e < last && m.plugged.Test(uint(e)) == want {
			e++
		}

		start := max(b*m.blockSize, offset)
		end := min(e*m.blockSize, offset+size)

		if err := fn(start, end-start); err != nil {
			return err
		}

		b = e
	}

	return nil
}

func (m *BlockDiscardManager) IsPopulated(s Section) bool {
	populated := true

	_ = m.forEachRun(s.OffsetWithinRegion, s.Size, false, func(uint64, uint64) error {
		populated = false

		return nil
	})

	return populated
}

func (m *BlockDiscardManager) ReplayPopulated(s Section, fn func(Section) error) error {
	return m.forEachRun(s.OffsetWithinRegion, s.Size, true, func(off, sz uint64) error {
		sub, ok := s.Sub(off, sz)
		if !ok {
			return nil
		}

		return fn(sub)
	})
}

// RegisterListener starts notifying l about s and replays the populated
// parts of s to it.
func (m *BlockDiscardManager) RegisterListener(l DiscardListener, s Section) error {
	m.listeners = append(m.listeners, discardRegistration{l: l, s: s})

	if err := m.ReplayPopulated(s, l.NotifyPopulate); err != nil {
		log.WithError(err).WithField("region", m.region.Name).Error("replaying populated blocks failed")

		return err
	}

	return nil
}

// UnregisterListener stops notifying l. If anything in its section is
// populated, l sees one discard covering the whole section.
func (m *BlockDiscardManager) UnregisterListener(l DiscardListener) {
	for i, reg := range m.listeners {
		if reg.l != l {
			continue
		}

		plugged := false

		_ = m.forEachRun(reg.s.OffsetWithinRegion, reg.s.Size, true, func(uint64, uint64) error {
			plugged = true

			return nil
		})

		if plugged {
			l.NotifyDiscard(reg.s)
		}

		m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)

		return
	}
}

// Populate plugs [offset, offset+size) of the region. Listeners that
// already accepted the range are told to discard it again if a later one
// fails.
func (m *BlockDiscardManager) Populate(offset, size uint64) error {
	if err := m.check(offset, size); err != nil {
		return err
	}

	for i, reg := range m.listeners {
		sub, ok := reg.s.Sub(offset, size)
		if !ok {
			continue
		}

		if err := reg.l.NotifyPopulate(sub); err != nil {
			for j := i - 1; j >= 0; j-- {
				if prev, ok := m.listeners[j].s.Sub(offset, size); ok {
					m.listeners[j].l.NotifyDiscard(prev)
				}
			}

			return err
		}
	}

	for b := offset / m.blockSize; b < (offset+size)/m.blockSize; b++ {
		m.plugged.Set(uint(b))
	}

	return nil
}

// Discard unplugs [offset, offset+size) of the region.
func (m *BlockDiscardManager) Discard(offset, size uint64) error {
	if err := m.check(offset, size); err != nil {
		return err
	}

	for _, reg := range m.listeners {
		if sub, ok := reg.s.Sub(offset, size); ok {
			reg.l.NotifyDiscard(sub)
		}
	}

	for b := offset / m.blockSize; b < (offset+size)/m.blockSize; b++ {
		m.plugged.Clear(uint(b))
	}

	return nil
}

// PluggedSize returns the number of populated bytes.
func (m *BlockDiscardManager) PluggedSize() uint64 {
	return uint64(m.plugged.Count()) * m.blockSize
}

// DiscardCoordinator arbitrates between devices that cannot tolerate RAM
// being discarded underneath them and users that need discard to work.
type DiscardCoordinator struct {
	mu       sync.Mutex
	disabled int
	required int
}

// DisableUncoordinated takes (disable true) or drops a request that RAM
// not managed by a DiscardManager must not be discarded.
func (c *DiscardCoordinator) DisableUncoordinated(disable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !disable {
		if c.disabled > 0 {
			c.disabled--
		}

		return nil
	}

	if c.required > 0 {
		return fmt.Errorf("disable discard: %w", ErrDiscardRequired)
	}

	c.disabled++

	return nil
}

// Require takes or drops a request that discard keeps working.
func (c *DiscardCoordinator) Require(require bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !require {
		if c.required > 0 {
			c.required--
		}

		return nil
	}

	if c.disabled > 0 {
		return fmt.Errorf("require discard: %w", ErrDiscardRequired)
	}

	c.required++

	return nil
}

// Disabled reports whether any user disabled discard.
func (c *DiscardCoordinator) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disabled > 0
}
