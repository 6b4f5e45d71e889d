// Package vmm manages the 4-level amd64 page table hierarchy. Page tables are
// accessed through the higher-half direct map (HHDM) which exposes all of
// physical memory at a fixed virtual offset.
package vmm

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/cpu"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrNotMapped is returned when a virtual address is not backed by a
	// mapping at some page level.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when attempting to map a page whose
	// entry is already present. Mappings must be removed before they can
	// be replaced.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrHugePage is returned when an operation needs to descend through a
	// huge page entry.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "virtual address is covered by a huge page"}

	// ErrOutOfMemory is returned when a frame for a new page table cannot
	// be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory while allocating page table"}

	// ErrMisaligned is returned by MapHuge when the virtual or physical
	// address is not aligned to the requested page size.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address is not aligned to the page size"}

	// ErrInvalidPageSize is returned by MapHuge for unsupported page sizes.
	ErrInvalidPageSize = &kernel.Error{Module: "vmm", Message: "unsupported huge page size"}
)
