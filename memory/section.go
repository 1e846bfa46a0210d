package memory

// Section is the part of a Region visible in an AddressSpace.
type Section struct {
	Region             *Region
	OffsetWithinRegion uint64
	OffsetWithinAS     uint64
	Size               uint64
	ReadOnly           bool
}

// End returns the first address past the section.
func (s Section) End() uint64 {
	return s.OffsetWithinAS + s.Size
}

// HostAddr returns the host address backing the first byte of s.
func (s Section) HostAddr() uintptr {
	return s.Region.HostAddr + uintptr(s.OffsetWithinRegion)
}

// RAMAddr returns the dirty log address of the first byte of s.
func (s Section) RAMAddr() uint64 {
	return s.Region.RAMAddr + s.OffsetWithinRegion
}

// Sub narrows s to the region range [offset, offset+size). ok is false
// when the two do not intersect.
func (s Section) Sub(offset, size uint64) (Section, bool) {
	start := max(offset, s.OffsetWithinRegion)
	end := min(offset+size, s.OffsetWithinRegion+s.Size)

	if start >= end {
		return Section{}, false
	}

	return Section{
		Region:             s.Region,
		OffsetWithinRegion: start,
		OffsetWithinAS:     s.OffsetWithinAS + (start - s.OffsetWithinRegion),
		Size:               end - start,
		ReadOnly:           s.ReadOnly,
	}, true
}

// Equal reports whether both sections cover the same part of one region.
func (s Section) Equal(o Section) bool {
	return s.Region == o.Region && s.OffsetWithinRegion == o.OffsetWithinRegion &&
		s.OffsetWithinAS == o.OffsetWithinAS && s.Size == o.Size
}
