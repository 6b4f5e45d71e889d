package mm

// RegionKind classifies a physical memory region reported by the bootloader.
type RegionKind uint8

const (
	// RegionUnknown is used for memory types the kernel does not recognize.
	// Such regions are never handed out.
	RegionUnknown RegionKind = iota

	// RegionUsable is free RAM.
	RegionUsable

	// RegionReserved covers firmware, MMIO, bad memory, framebuffers and
	// the loaded kernel image.
	RegionReserved

	// RegionACPIReclaimable holds ACPI tables that may be reclaimed once
	// parsed.
	RegionACPIReclaimable

	// RegionBootloaderReclaimable holds bootloader data structures that may
	// be reclaimed once the kernel no longer needs them.
	RegionBootloaderReclaimable
)

var regionKindNames = [...]string{
	RegionUnknown:               "unknown",
	RegionUsable:                "usable",
	RegionReserved:              "reserved",
	RegionACPIReclaimable:       "ACPI reclaimable",
	RegionBootloaderReclaimable: "bootloader reclaimable",
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	if int(k) >= len(regionKindNames) {
		return regionKindNames[RegionUnknown]
	}
	return regionKindNames[k]
}

// Region describes a contiguous range of physical memory. Regions are
// immutable inputs owned by the boot code.
type Region struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

// Empty returns true if the region does not cover any bytes.
func (r Region) Empty() bool {
	return r.Length == 0
}

// StartFrame returns the frame containing the first byte of the region.
func (r Region) StartFrame() Frame {
	return FrameFromAddress(PhysAddr(r.Base))
}

// EndFrame returns the frame containing the last byte of the region. The
// result is meaningless for empty regions.
func (r Region) EndFrame() Frame {
	return FrameFromAddress(PhysAddr(r.Base + r.Length - 1))
}
