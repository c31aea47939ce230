package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocationRequest describes a region a device needs placed in the
// physical address map.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a placed region.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// Region returns the allocation as an MMIORegion.
func (a MMIOAllocation) Region() MMIORegion {
	return MMIORegion{Address: a.Base, Size: a.Size}
}

// AddressSpace manages physical address allocation for a VM.
// It tracks the RAM window and places MMIO regions above it.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	regions []MMIOAllocation
}

// NewAddressSpace creates a new physical address allocator for a VM.
// MMIO allocations will start above ramBase+ramSize.
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate places an MMIO region above RAM and any previous allocation.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	for {
		base := alignUp(a.nextMMIO, alignment)
		size := alignUp(req.Size, alignment)
		if base+size < base {
			return MMIOAllocation{}, fmt.Errorf("address_space: no room for %s (size 0x%x)", req.Name, req.Size)
		}
		if clash, ok := a.overlapping(base, size); ok {
			a.nextMMIO = clash.Base + clash.Size
			continue
		}
		alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
		a.regions = append(a.regions, alloc)
		a.nextMMIO = base + size
		return alloc, nil
	}
}

// RegisterFixed records a region at a caller-chosen address. It fails when the
// region overlaps RAM or another registered region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	end := base + size
	if end < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s at 0x%x overflows", name, base)
	}
	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && end > a.ramBase {
		return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, end, a.ramBase, ramEnd)
	}
	if clash, ok := a.overlapping(base, size); ok {
		return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s",
			name, base, end, clash.Name)
	}

	alloc := MMIOAllocation{Name: name, Base: base, Size: size}
	a.regions = append(a.regions, alloc)
	return alloc, nil
}

// Regions returns a copy of every placed region.
func (a *AddressSpace) Regions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.regions))
	copy(result, a.regions)
	return result
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

func (a *AddressSpace) overlapping(base, size uint64) (MMIOAllocation, bool) {
	for _, r := range a.regions {
		if base < r.Base+r.Size && r.Base < base+size {
			return r, true
		}
	}
	return MMIOAllocation{}, false
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
