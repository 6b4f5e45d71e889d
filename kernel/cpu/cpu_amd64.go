// Package cpu exposes the handful of privileged x86-64 instructions that the
// memory subsystem depends on. All functions are implemented in assembly and
// fault if invoked outside ring 0, so callers keep them behind overridable
// function variables.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry invalidates the TLB entry of the local CPU for a particular
// virtual address (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active top-level
// page table (CR3 with the flag bits masked out).
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register which holds the last
// faulting virtual address.
func ReadCR2() uint64
