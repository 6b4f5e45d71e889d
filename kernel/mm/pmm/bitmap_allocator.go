package pmm

import (
	"reflect"
	"unsafe"

	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/kfmt"
	"github.com/smnshah/os/kernel/mm"
	"github.com/smnshah/os/kernel/sync"
)

var (
	// bitmapOverlayFn returns a byte slice backed by the memory at the
	// supplied virtual address. It is used by tests to redirect bitmap
	// accesses when the HHDM alias is not addressable. When compiling the
	// kernel this function will be automatically inlined.
	bitmapOverlayFn = func(virtAddr, size uintptr) []byte {
		return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  int(size),
			Cap:  int(size),
			Data: virtAddr,
		}))
	}

	ErrNotInitialized     = &kernel.Error{Module: "pmm", Message: "frame allocator is not initialized"}
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator is already initialized"}
	ErrNoUsableRegion     = &kernel.Error{Module: "pmm", Message: "memory map does not contain a usable region"}
	ErrBitmapTooLarge     = &kernel.Error{Module: "pmm", Message: "frame bitmap does not fit in the first usable region"}
	ErrOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	ErrFrameOutOfRange    = &kernel.Error{Module: "pmm", Message: "frame is beyond the highest physical frame"}
	ErrReservedFrame      = &kernel.Error{Module: "pmm", Message: "frame holds allocator metadata"}
	ErrDoubleFree         = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

// BitmapAllocator implements a physical frame allocator that tracks every
// frame reported by the bootloader using one bit per frame: a set bit marks
// the frame as allocated, a clear bit marks it as free.
//
// The bitmap lives at the start of the first usable memory region and is
// accessed through its HHDM alias. The frames backing the bitmap are never
// handed out.
type BitmapAllocator struct {
	lock sync.Spinlock

	initialized bool

	// maxFrame is one past the highest frame covered by any region.
	maxFrame mm.Frame

	// freeCount tracks the number of frames currently available.
	freeCount uint64

	// bitmapStart and bitmapSize describe the physical range occupied
	// by the bitmap.
	bitmapStart mm.PhysAddr
	bitmapSize  uintptr

	// bitmap overlays the HHDM alias of the bitmap's physical range.
	bitmap []byte
}

// Init sets up the allocator state using the memory map reported by the
// bootloader. It must be invoked exactly once before any other method.
//
// Init sizes the bitmap so that it can describe every frame covered by the
// memory map, regardless of the region kind, places it at the base of the
// first usable region and then releases every frame of every usable region
// except for the ones that hold the bitmap itself.
func (alloc *BitmapAllocator) Init(regions []mm.Region, hhdm mm.HHDM) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.initialized {
		return ErrAlreadyInitialized
	}

	firstUsable, ok := firstUsableRegion(regions)
	if !ok {
		return ErrNoUsableRegion
	}

	maxFrame := frameLimit(regions)
	bitmapSize := (uintptr(maxFrame) + 7) >> 3
	if uint64(bitmapSize) > firstUsable.Length {
		return ErrBitmapTooLarge
	}

	alloc.maxFrame = maxFrame
	alloc.bitmapStart = mm.PhysAddr(firstUsable.Base)
	alloc.bitmapSize = bitmapSize
	alloc.bitmap = bitmapOverlayFn(hhdm.ToVirtual(alloc.bitmapStart), bitmapSize)
	alloc.freeCount = 0

	// Start with everything reserved and then release the usable frames
	// that do not overlap the bitmap.
	kernel.Memset(uintptr(unsafe.Pointer(&alloc.bitmap[0])), 0xff, bitmapSize)

	for _, region := range regions {
		if region.Kind != mm.RegionUsable || region.Empty() {
			continue
		}

		for frame, lastFrame := region.StartFrame(), region.EndFrame(); frame <= lastFrame && frame < alloc.maxFrame; frame++ {
			if alloc.holdsBitmap(frame) || alloc.isFree(frame) {
				continue
			}

			alloc.markFree(frame)
			alloc.freeCount++
		}
	}

	alloc.initialized = true
	alloc.printStats(regions)
	return nil
}

// AllocFrame reserves the lowest-numbered free frame. If no free frame
// exists, AllocFrame returns mm.InvalidFrame and ErrOutOfMemory; callers may
// treat this as recoverable.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized {
		return mm.InvalidFrame, ErrNotInitialized
	}

	for byteIndex, block := range alloc.bitmap {
		// Skip fully allocated blocks of 8 frames
		if block == 0xff {
			continue
		}

		for bit := uint8(0); bit < 8; bit++ {
			frame := mm.Frame(byteIndex<<3) + mm.Frame(bit)
			if frame >= alloc.maxFrame {
				break
			}

			if block&(1<<bit) == 0 {
				alloc.markAllocated(frame)
				alloc.freeCount--
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a previously allocated frame to the allocator. Frames
// beyond the highest reported frame, frames holding the bitmap and frames
// that are already free are rejected and leave the allocator state
// untouched.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	switch {
	case !alloc.initialized:
		return ErrNotInitialized
	case frame >= alloc.maxFrame:
		return ErrFrameOutOfRange
	case alloc.holdsBitmap(frame):
		return ErrReservedFrame
	case alloc.isFree(frame):
		return ErrDoubleFree
	}

	alloc.markFree(frame)
	alloc.freeCount++
	return nil
}

// Free releases the frame that contains the supplied physical address.
func (alloc *BitmapAllocator) Free(physAddr mm.PhysAddr) *kernel.Error {
	return alloc.FreeFrame(physAddr.Frame())
}

// FreeFrames returns the number of frames that are currently available.
func (alloc *BitmapAllocator) FreeFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.freeCount
}

// TotalFrames returns the number of frames tracked by the bitmap. This is
// one past the highest frame covered by the memory map.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return uint64(alloc.maxFrame)
}

// BitmapRange returns the physical address range [start, end) occupied by
// the allocator bitmap.
func (alloc *BitmapAllocator) BitmapRange() (mm.PhysAddr, mm.PhysAddr) {
	return alloc.bitmapStart, alloc.bitmapStart + mm.PhysAddr(alloc.bitmapSize)
}

// holdsBitmap returns true if the frame overlaps any byte of the bitmap.
func (alloc *BitmapAllocator) holdsBitmap(frame mm.Frame) bool {
	first := alloc.bitmapStart.Frame()
	last := (alloc.bitmapStart + mm.PhysAddr(alloc.bitmapSize-1)).Frame()
	return frame >= first && frame <= last
}

// isFree reports whether the frame is available. Frames that fall outside
// the bitmap are always reported as allocated.
func (alloc *BitmapAllocator) isFree(frame mm.Frame) bool {
	byteIndex := uintptr(frame >> 3)
	if byteIndex >= uintptr(len(alloc.bitmap)) {
		return false
	}
	return alloc.bitmap[byteIndex]&(1<<(frame&7)) == 0
}

func (alloc *BitmapAllocator) markFree(frame mm.Frame) {
	if byteIndex := uintptr(frame >> 3); byteIndex < uintptr(len(alloc.bitmap)) {
		alloc.bitmap[byteIndex] &^= 1 << (frame & 7)
	}
}

func (alloc *BitmapAllocator) markAllocated(frame mm.Frame) {
	if byteIndex := uintptr(frame >> 3); byteIndex < uintptr(len(alloc.bitmap)) {
		alloc.bitmap[byteIndex] |= 1 << (frame & 7)
	}
}

// printStats outputs the system memory map and the bitmap placement.
func (alloc *BitmapAllocator) printStats(regions []mm.Region) {
	var totalUsable mm.Size

	kfmt.Printf("[pmm] system memory map:\n")
	for _, region := range regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.Base+region.Length, region.Length, region.Kind.String())
		if region.Kind == mm.RegionUsable {
			totalUsable += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalUsable/mm.Kb))
	kfmt.Printf("[pmm] frame bitmap: %d bytes at 0x%x, tracking %d frames (%d free)\n",
		uint64(alloc.bitmapSize),
		uintptr(alloc.bitmapStart),
		uint64(alloc.maxFrame),
		alloc.freeCount,
	)
}

// firstUsableRegion returns the first non-empty usable region.
func firstUsableRegion(regions []mm.Region) (mm.Region, bool) {
	for _, region := range regions {
		if region.Kind == mm.RegionUsable && !region.Empty() {
			return region, true
		}
	}
	return mm.Region{}, false
}

// frameLimit returns one past the highest frame covered by any region.
func frameLimit(regions []mm.Region) mm.Frame {
	var limit mm.Frame
	for _, region := range regions {
		if region.Empty() {
			continue
		}

		if end := region.EndFrame() + 1; end > limit {
			limit = end
		}
	}
	return limit
}
