package vmm

import "github.com/smnshah/os/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The meaning of an entry
// depends on the page level that it occupies.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Address returns the physical address encoded in bits 12-51 of the entry.
func (pte pageTableEntry) Address() mm.PhysAddr {
	return mm.PhysAddr(uintptr(pte) & ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return pte.Address().Frame()
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	pte.SetAddress(frame.Address())
}

// SetAddress updates the physical address bits of the entry. Bits of addr
// outside the address mask are discarded.
func (pte *pageTableEntry) SetAddress(addr mm.PhysAddr) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | (uintptr(addr) & ptePhysPageMask))
}
