package vmm

import (
	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/mm"
	"github.com/smnshah/os/kernel/sync"
)

// AddressSpace describes a page table hierarchy rooted at a PML4 frame. All
// table accesses go through the HHDM alias of the table frames so the
// hierarchy does not need to be active to be modified.
type AddressSpace struct {
	lock sync.Spinlock

	root    mm.Frame
	hhdm    mm.HHDM
	allocFn mm.FrameAllocatorFn
}

// NewAddressSpace returns an AddressSpace for the page table hierarchy that
// is currently loaded in CR3. New page tables are allocated using allocFn;
// if allocFn is nil, mm.AllocFrame is used instead.
func NewAddressSpace(hhdm mm.HHDM, allocFn mm.FrameAllocatorFn) *AddressSpace {
	return NewAddressSpaceAt(mm.FrameFromAddress(mm.PhysAddr(activePDTFn())), hhdm, allocFn)
}

// NewAddressSpaceAt returns an AddressSpace for the page table hierarchy
// whose top-most table is stored at the root frame.
func NewAddressSpaceAt(root mm.Frame, hhdm mm.HHDM, allocFn mm.FrameAllocatorFn) *AddressSpace {
	if allocFn == nil {
		allocFn = mm.AllocFrame
	}

	return &AddressSpace{
		root:    root,
		hhdm:    hhdm,
		allocFn: allocFn,
	}
}

// Root returns the frame that holds the top-most page table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not correspond
// to a mapped physical address. Huge page entries at the PDPT and PD levels
// terminate the walk.
func (as *AddressSpace) Translate(virtAddr uintptr) (mm.PhysAddr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	var (
		physAddr mm.PhysAddr
		err      = ErrNotMapped
	)

	walk(as.root, as.hhdm, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		var offsetMask uintptr
		switch {
		case pteLevel == pageLevels-1:
			offsetMask = PageOffset(^uintptr(0))
		case pte.HasFlags(FlagHugePage) && pteLevel == 1:
			offsetMask = HugePage1G.offsetMask()
		case pte.HasFlags(FlagHugePage) && pteLevel == 2:
			offsetMask = HugePage2M.offsetMask()
		default:
			return true
		}

		physAddr = pte.Address() | mm.PhysAddr(virtAddr&offsetMask)
		err = nil
		return false
	})

	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are allocated, cleared and
// installed as present and writable. The leaf entry receives the supplied
// flags combined with FlagPresent.
//
// Map never replaces an existing mapping; if the leaf entry is present Map
// returns ErrAlreadyMapped. If a page table cannot be allocated Map returns
// ErrOutOfMemory; any tables installed before the failure are kept and will
// be reused by subsequent calls.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.mapLocked(page.Address(), frame.Address(), flags, pageLevels-1)
}

// MapHuge installs a huge page mapping of the requested size. Both addresses
// must be aligned to the page size.
func (as *AddressSpace) MapHuge(virtAddr uintptr, physAddr mm.PhysAddr, size HugePageSize, flags PageTableEntryFlag) *kernel.Error {
	leafLevel, ok := size.leafLevel()
	if !ok {
		return ErrInvalidPageSize
	}

	if virtAddr&size.offsetMask() != 0 || uintptr(physAddr)&size.offsetMask() != 0 {
		return ErrMisaligned
	}

	as.lock.Acquire()
	defer as.lock.Release()

	return as.mapLocked(virtAddr, physAddr, flags|FlagHugePage, leafLevel)
}

// MapRegion maps pageCount consecutive pages starting at page to the
// consecutive frames starting at frame. It stops at the first failure and
// returns its error; pages mapped before the failure stay mapped.
func (as *AddressSpace) MapRegion(page mm.Page, frame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := as.Map(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// mapLocked walks the hierarchy down to leafLevel, allocating any missing
// tables on the way, and installs a leaf entry for physAddr.
func (as *AddressSpace) mapLocked(virtAddr uintptr, physAddr mm.PhysAddr, flags PageTableEntryFlag, leafLevel uint8) *kernel.Error {
	var err *kernel.Error

	walk(as.root, as.hhdm, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the leaf level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == leafLevel {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetAddress(physAddr)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(virtAddr)
			return false
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrHugePage
				return false
			}
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		newTableFrame, allocErr := as.allocFn()
		if allocErr != nil || !newTableFrame.Valid() {
			err = ErrOutOfMemory
			return false
		}

		kernel.Memset(as.hhdm.ToVirtual(newTableFrame.Address()), 0, mm.PageSize)

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(FlagPresent | FlagRW)
		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map. The leaf
// entry is cleared and the TLB entry for the page is flushed. Page tables
// that become empty are not released.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	err := ErrNotMapped

	walk(as.root, as.hhdm, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			err = nil
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		return true
	})

	return err
}
