package vmm

// PTE is a single 64-bit page-table entry, shared by all four levels
// (PML4, PDPT, PD, PT) per the spec's data model: present, writable,
// user, write-through, cache-disable, accessed, dirty, huge, global,
// no-execute, and a 40-bit physical frame field.
//
// Hand-rolled bit constants rather than the bitfield package: this is
// the hottest path in the whole kernel (every memory access walks
// through it), so it gets the same direct shift-and-mask treatment a
// C-derived kernel would use, not a reflection-based pack/unpack.
type PTE uint64

const (
	FlagPresent  PTE = 1 << 0
	FlagWritable PTE = 1 << 1
	FlagUser     PTE = 1 << 2
	FlagWriteThrough PTE = 1 << 3
	FlagCacheDisable PTE = 1 << 4
	FlagAccessed PTE = 1 << 5
	FlagDirty    PTE = 1 << 6
	FlagHuge     PTE = 1 << 7
	FlagGlobal   PTE = 1 << 8
	FlagNoExecute PTE = 1 << 63

	frameMask PTE = 0x000F_FFFF_FFFF_F000 // bits 12..51
)

// NewPTE builds an entry pointing at the given physical frame address
// (must be 4 KiB aligned) with the given flag bits OR'd in.
func NewPTE(physAddr uint64, flags PTE) PTE {
	return PTE(physAddr) & frameMask | flags
}

// Addr returns the physical frame address this entry points at.
func (e PTE) Addr() uint64 { return uint64(e & frameMask) }

func (e PTE) Present() bool  { return e&FlagPresent != 0 }
func (e PTE) Writable() bool { return e&FlagWritable != 0 }
func (e PTE) User() bool     { return e&FlagUser != 0 }
func (e PTE) Huge() bool     { return e&FlagHuge != 0 }

// WithFlags returns a copy of e with flags OR'd in (frame unchanged).
func (e PTE) WithFlags(flags PTE) PTE { return e | flags }

// WithoutFlags returns a copy of e with flags cleared (frame unchanged).
func (e PTE) WithoutFlags(flags PTE) PTE { return e &^ flags }

const (
	pageOffsetBits = 12
	indexBits      = 9
	indexMask      = (1 << indexBits) - 1

	entriesPerTable = 512
)

// vaIndices extracts the four 9-bit table indices and the 12-bit page
// offset out of a canonical 64-bit virtual address.
type vaIndices struct {
	pml4 uint64
	pdpt uint64
	pd   uint64
	pt   uint64
	off  uint64
}

func splitAddr(virt uint64) vaIndices {
	return vaIndices{
		pml4: (virt >> 39) & indexMask,
		pdpt: (virt >> 30) & indexMask,
		pd:   (virt >> 21) & indexMask,
		pt:   (virt >> 12) & indexMask,
		off:  virt & (1<<pageOffsetBits - 1),
	}
}
