// Package kstack builds guarded kernel stacks. Each stack occupies a window
// of StackPages+1 virtual pages: the lowest page of the window is a guard
// page that is never mapped so that a stack overflow faults instead of
// silently corrupting adjacent memory.
package kstack

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/kfmt"
	"github.com/smnshah/os/kernel/mm"
	"github.com/smnshah/os/kernel/mm/vmm"
	"github.com/smnshah/os/kernel/sync"
)

const (
	// KernelStackBase is the virtual address of the first stack window.
	KernelStackBase = uintptr(0xffffffff90000000)

	// KernelStackRegionSize is the size of the virtual region reserved for
	// kernel stack windows.
	KernelStackRegionSize = uintptr(256 * mm.Mb)

	// StackPages is the number of mapped pages in each stack.
	StackPages = 4

	// windowSize is the virtual size of a stack including its guard page.
	windowSize = (StackPages + 1) * mm.PageSize
)

var (
	// ErrOutOfFrames is returned when a frame for a stack page cannot be
	// allocated.
	ErrOutOfFrames = &kernel.Error{Module: "kstack", Message: "out of physical frames for kernel stack"}

	// ErrMapFailed is returned when a stack page cannot be mapped or the
	// guard page of the window is unexpectedly mapped.
	ErrMapFailed = &kernel.Error{Module: "kstack", Message: "unable to map kernel stack"}

	// ErrWindowExhausted is returned when the kernel stack region has no
	// room for another stack.
	ErrWindowExhausted = &kernel.Error{Module: "kstack", Message: "kernel stack region exhausted"}

	// ErrInvalidStack is returned by Release for stacks that were not
	// returned by Allocate.
	ErrInvalidStack = &kernel.Error{Module: "kstack", Message: "invalid kernel stack"}
)

// PageMapper is implemented by address spaces that stacks can be mapped into.
type PageMapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page mm.Page) *kernel.Error
	Translate(virtAddr uintptr) (mm.PhysAddr, *kernel.Error)
}

// FrameAllocator is implemented by physical frame allocators that back
// stack pages.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(frame mm.Frame) *kernel.Error
}

// Stack describes an allocated kernel stack.
type Stack struct {
	// Base is the address of the guard page at the bottom of the window.
	Base uintptr

	// Top is the initial stack pointer value. The stack grows down from
	// Top towards Base.
	Top uintptr
}

// GuardPage returns the page that must never be mapped.
func (s Stack) GuardPage() mm.Page {
	return mm.PageFromAddress(s.Base)
}

// Bottom returns the lowest usable address of the stack.
func (s Stack) Bottom() uintptr {
	return s.Base + mm.PageSize
}

// Builder hands out guarded kernel stacks from consecutive windows of the
// kernel stack region.
type Builder struct {
	lock sync.Spinlock

	mapper PageMapper
	frames FrameAllocator

	// nextBase points to the window that the next Allocate call will use.
	nextBase uintptr
}

// NewBuilder returns a Builder that maps stacks into mapper using frames
// obtained from frames.
func NewBuilder(mapper PageMapper, frames FrameAllocator) *Builder {
	return &Builder{
		mapper:   mapper,
		frames:   frames,
		nextBase: KernelStackBase,
	}
}

// Allocate reserves the next stack window, verifies that its guard page is
// not mapped and maps StackPages fresh frames above the guard page as
// present and writable.
//
// If any step fails, the pages mapped by this call are unmapped, their frames
// are released and the window is returned to the builder.
func (b *Builder) Allocate() (Stack, *kernel.Error) {
	b.lock.Acquire()
	defer b.lock.Release()

	base := b.nextBase
	if base+windowSize > KernelStackBase+KernelStackRegionSize {
		return Stack{}, ErrWindowExhausted
	}

	if _, err := b.mapper.Translate(base); err == nil {
		kfmt.Printf("[kstack] guard page at 0x%x is already mapped\n", base)
		return Stack{}, ErrMapFailed
	}

	var frames [StackPages]mm.Frame
	for index := 0; index < StackPages; index++ {
		pageAddr := base + uintptr(index+1)*mm.PageSize

		frame, err := b.frames.AllocFrame()
		if err != nil {
			b.rollback(base, frames[:index])
			return Stack{}, ErrOutOfFrames
		}

		if err = b.mapper.Map(mm.PageFromAddress(pageAddr), frame, vmm.FlagRW); err != nil {
			kfmt.Printf("[kstack] unable to map stack page 0x%x: %s\n", pageAddr, err.Message)
			_ = b.frames.FreeFrame(frame)
			b.rollback(base, frames[:index])
			return Stack{}, ErrMapFailed
		}

		frames[index] = frame
	}

	b.nextBase += windowSize

	stack := Stack{Base: base, Top: base + windowSize}
	kfmt.Printf("[kstack] allocated stack [0x%x - 0x%x], guard page: 0x%x\n", stack.Bottom(), stack.Top, stack.Base)
	return stack, nil
}

// rollback unmaps the stack pages of the window at base that are backed by
// the supplied frames and releases the frames.
func (b *Builder) rollback(base uintptr, frames []mm.Frame) {
	for index, frame := range frames {
		page := mm.PageFromAddress(base + uintptr(index+1)*mm.PageSize)
		if err := b.mapper.Unmap(page); err != nil {
			kfmt.Printf("[kstack] rollback: unable to unmap page 0x%x: %s\n", page.Address(), err.Message)
		}

		if err := b.frames.FreeFrame(frame); err != nil {
			kfmt.Printf("[kstack] rollback: unable to free frame 0x%x: %s\n", uintptr(frame.Address()), err.Message)
		}
	}
}

// Release unmaps the pages of a stack returned by Allocate and releases the
// backing frames. The virtual window is not reused.
func (b *Builder) Release(stack Stack) *kernel.Error {
	if stack.Base < KernelStackBase ||
		stack.Base >= b.windowLimit() ||
		(stack.Base-KernelStackBase)%windowSize != 0 ||
		stack.Top != stack.Base+windowSize {
		return ErrInvalidStack
	}

	b.lock.Acquire()
	defer b.lock.Release()

	var firstErr *kernel.Error
	for pageAddr := stack.Bottom(); pageAddr < stack.Top; pageAddr += mm.PageSize {
		physAddr, err := b.mapper.Translate(pageAddr)
		if err == nil {
			err = b.mapper.Unmap(mm.PageFromAddress(pageAddr))
		}

		if err == nil {
			err = b.frames.FreeFrame(physAddr.Frame())
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// IsGuardPage returns true if virtAddr falls inside the guard page of a
// window handed out by this builder. Page fault handlers use it to report
// kernel stack overflows.
func (b *Builder) IsGuardPage(virtAddr uintptr) bool {
	if virtAddr < KernelStackBase || virtAddr >= b.windowLimit() {
		return false
	}

	return (virtAddr-KernelStackBase)%windowSize < mm.PageSize
}

func (b *Builder) windowLimit() uintptr {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.nextBase
}

// AllocateKernelStack builds a single guarded kernel stack at KernelStackBase
// and returns its top address.
func AllocateKernelStack(mapper PageMapper, frames FrameAllocator) (uintptr, *kernel.Error) {
	stack, err := NewBuilder(mapper, frames).Allocate()
	if err != nil {
		return 0, err
	}

	return stack.Top, nil
}
