package container

import "errors"

var (
	// ErrOverlappingWindow is returned when a host window overlaps one
	// already present in the container.
	ErrOverlappingWindow = errors.New("overlapping host DMA window")

	// ErrInvalidWindow is returned for a host window whose lower bound
	// lies above its upper bound.
	ErrInvalidWindow = errors.New("invalid host DMA window")

	// ErrNotFound is returned when removing a host window that does not
	// exist with exactly the given bounds.
	ErrNotFound = errors.New("host DMA window not found")

	// ErrNoWindow is returned when no host window covers a range the
	// container has to map.
	ErrNoWindow = errors.New("no host DMA window covers range")

	// ErrIncompatibleContainer is returned when copying mappings between
	// containers that do not share an IOMMU backend.
	ErrIncompatibleContainer = errors.New("incompatible container")

	errNotAttached     = errors.New("device is not attached")
	errAlreadyAttached = errors.New("device is already attached")
	errGroupNotViable  = errors.New("group is not viable")
	errNoType1         = errors.New("type1v2 IOMMU not supported")
	errMissingListener = errors.New("trying to sync missing RAM discard listener")
	errWrongTarget     = errors.New("only system memory is allowed as IOMMU target")
)
