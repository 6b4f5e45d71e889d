package kmain

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/kfmt"
	"github.com/smnshah/os/kernel/mm"
	"github.com/smnshah/os/kernel/mm/kstack"
	"github.com/smnshah/os/kernel/mm/pmm"
	"github.com/smnshah/os/kernel/mm/vmm"
)

var (
	// The following functions are used by tests to mock calls to the
	// memory subsystem which would fault when running in user-mode.
	pmmInitFn         = pmm.Init
	newAddressSpaceFn = vmm.NewAddressSpace
	newStackBuilderFn = kstack.NewBuilder

	// panicFn is used by tests to prevent kfmt.Panic from halting the CPU.
	panicFn = kfmt.Panic

	// kernelStacks hands out guarded kernel stacks once Kmain has set up
	// the memory subsystem.
	kernelStacks *kstack.Builder

	errKmainNoStack = &kernel.Error{Module: "kmain", Message: "no kernel stack available"}
)

// Kmain is invoked by the boot code once the bootloader has handed over the
// physical memory map and the offset of the higher-half direct map.
//
// Kmain initializes the physical frame allocator, adopts the page tables set
// up by the bootloader and builds a guarded kernel stack. It returns the top
// of the new stack so that the caller can switch to it. Any error during
// initialization is fatal and causes the kernel to panic.
//
//go:noinline
func Kmain(regions []mm.Region, hhdm mm.HHDM) uintptr {
	kfmt.Printf("[kmain] initializing memory subsystem (HHDM offset: 0x%x)\n", uintptr(hhdm))

	frameAlloc, err := pmmInitFn(regions, hhdm)
	if err != nil {
		panicFn(err)
		return 0
	}

	addrSpace := newAddressSpaceFn(hhdm, frameAlloc.AllocFrame)
	kfmt.Printf("[kmain] active page table root: 0x%x\n", uintptr(addrSpace.Root().Address()))

	kernelStacks = newStackBuilderFn(addrSpace, frameAlloc)
	stack, err := kernelStacks.Allocate()
	if err != nil {
		panicFn(err)
		return 0
	}

	kfmt.Printf("[kmain] kernel stack top: 0x%x, free frames: %d\n", stack.Top, frameAlloc.FreeFrames())
	return stack.Top
}

// MustKmain behaves like Kmain but panics if no stack was built. It is the
// entrypoint used by the boot stub.
func MustKmain(regions []mm.Region, hhdm mm.HHDM) uintptr {
	stackTop := Kmain(regions, hhdm)
	if stackTop == 0 {
		panicFn(errKmainNoStack)
	}
	return stackTop
}

// HandlePageFault is invoked by the page fault exception stub. Faults that
// hit a kernel stack guard page are reported as stack overflows.
func HandlePageFault(errorCode uint64) {
	kernelStacks.HandlePageFault(errorCode)
}
