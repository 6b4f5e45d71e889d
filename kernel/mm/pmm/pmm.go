// Package pmm manages physical memory frame allocations.
package pmm

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/mm"
)

var (
	// bitmapAllocator is the allocator instance used by the kernel once
	// Init has been called.
	bitmapAllocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map and HHDM offset reported by the bootloader, and registers the
// allocator with mm.SetFrameAllocator. It returns the initialized allocator.
func Init(regions []mm.Region, hhdm mm.HHDM) (*BitmapAllocator, *kernel.Error) {
	if err := bitmapAllocator.Init(regions, hhdm); err != nil {
		return nil, err
	}

	mm.SetFrameAllocator(bitmapAllocFrame)
	return &bitmapAllocator, nil
}

// bitmapAllocFrame is registered with mm.SetFrameAllocator instead of the
// bitmapAllocator.AllocFrame method value, which would escape to the heap.
func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}
