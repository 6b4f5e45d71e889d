package kstack

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/cpu"
	"github.com/smnshah/os/kernel/kfmt"
	"github.com/smnshah/os/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	faultPresent          = 1 << 0
	faultWrite            = 1 << 1
	faultUser             = 1 << 2
	faultReservedBit      = 1 << 3
	faultInstructionFetch = 1 << 4
)

var (
	// readCR2Fn is used by tests to override calls to ReadCR2 which
	// will cause a fault if called in user-mode.
	readCR2Fn = cpu.ReadCR2

	// panicFn is used by tests to prevent kfmt.Panic from halting the CPU.
	panicFn = kfmt.Panic

	// ErrStackOverflow is reported when a page fault hits the guard page
	// of a kernel stack.
	ErrStackOverflow = &kernel.Error{Module: "kstack", Message: "kernel stack overflow"}

	errUnrecoverableFault = &kernel.Error{Module: "kstack", Message: "page fault"}
)

// HandlePageFault is invoked by the page fault exception stub with the error
// code pushed by the CPU. It reports the faulting address and panics; faults
// that hit a guard page handed out by b are reported as stack overflows. A
// nil Builder reports every fault as unrecoverable.
func (b *Builder) HandlePageFault(errorCode uint64) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode&faultReservedBit != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&faultInstructionFetch != 0:
		kfmt.Printf("instruction fetch")
	case errorCode&(faultPresent|faultWrite) == 0:
		kfmt.Printf("read from non-present page")
	case errorCode&(faultPresent|faultWrite) == faultPresent:
		kfmt.Printf("page protection violation (read)")
	case errorCode&(faultPresent|faultWrite) == faultWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}

	if errorCode&faultUser != 0 {
		kfmt.Printf(" in user-mode")
	}
	kfmt.Printf("\n")

	if b != nil && b.IsGuardPage(faultAddress) {
		windowBase := KernelStackBase + ((faultAddress-KernelStackBase)/windowSize)*windowSize
		kfmt.Printf("address belongs to the guard page of the kernel stack at [0x%x - 0x%x]\n", windowBase+mm.PageSize, windowBase+windowSize)
		panicFn(ErrStackOverflow)
		return
	}

	panicFn(errUnrecoverableFault)
}
