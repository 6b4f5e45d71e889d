// Package mm defines the address and frame types shared by the physical and
// virtual memory managers.
package mm

import (
	"math"

	"github.com/smnshah/os/kernel"
)

// Frame describes a physical memory page index (PFN).
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PhysAddr is a physical memory address. Physical addresses cannot be
// dereferenced directly; they must first be translated into their HHDM alias.
type PhysAddr uintptr

// Frame returns the frame that contains this address.
func (pa PhysAddr) Frame() Frame {
	return FrameFromAddress(pa)
}

// IsPageAligned returns true if the address lies on a page boundary.
func (pa PhysAddr) IsPageAligned() bool {
	return uintptr(pa)&(PageSize-1) == 0
}

// HHDM is the offset of the higher-half direct map. Every physical address
// pa is accessible at virtual address pa + HHDM.
type HHDM uintptr

// ToVirtual returns the direct-map alias of a physical address. The
// translation is a plain wrapping addition and is defined for any input.
func (h HHDM) ToVirtual(pa PhysAddr) uintptr {
	return uintptr(pa) + uintptr(h)
}

// ToPhysical is the inverse of ToVirtual.
func (h HHDM) ToPhysical(virtAddr uintptr) PhysAddr {
	return PhysAddr(virtAddr - uintptr(h))
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator that AllocFrame delegates
// to.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}
