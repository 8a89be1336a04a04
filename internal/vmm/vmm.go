// Package vmm is the four-level paging manager (component B): it
// walks and creates PML4/PDPT/PD/PT tables, maps and unmaps 4 KiB
// pages, splits 2 MiB huge pages on demand, and creates/clones/destroys
// per-process address spaces.
//
// Grounded on the free-list/flags bookkeeping style of the teacher's
// page.go (allocPage/freePage, bzero over unsafe.Pointer), generalized
// from a single flat page array to a real multi-level walk, because the
// spec's paging model has four levels the teacher's single-level ARM
// toy allocator does not.
package vmm

import (
	"unsafe"

	"github.com/iansmith/nucleus/internal/arch"
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/pmm"
)

const (
	PageSize    = pmm.PageSize
	HugePageSize = 2 << 20 // 2 MiB, PD-level huge page

	// RecursiveSlot is the fixed PML4 index carrying the self-mapping
	// that makes intermediate tables reachable as ordinary virtual
	// addresses once paging is fully live.
	RecursiveSlot = 510

	// UserKernelSplitIndex is the PML4 index boundary: entries below it
	// belong to the bottom (user) half of the address space, entries at
	// or above it belong to the top (kernel) half.
	UserKernelSplitIndex = 256

	// UserSplitAddr is UserKernelSplitIndex expressed as a virtual
	// address rather than a PML4 index: the first address no user
	// pointer may reach or cross, used by the syscall layer's pointer
	// validation.
	UserSplitAddr = uint64(UserKernelSplitIndex) << 39

	// KernelFlags are applied to every table frame the VMM allocates
	// for itself (present+writable, supervisor-only).
	KernelFlags = FlagPresent | FlagWritable
)

// Root identifies an address space by the physical address of its PML4.
type Root uint64

var (
	kernelRoot Root
	inited     bool
)

func table(phys uint64) *[entriesPerTable]PTE {
	return (*[entriesPerTable]PTE)(unsafe.Pointer(&physmem.Bytes(phys, PageSize)[0]))
}

func allocTable() (uint64, bool) {
	f, ok := pmm.AllocOne()
	if !ok {
		return 0, false
	}
	physmem.Zero(f.Addr(), PageSize)
	return f.Addr(), true
}

// Init establishes the kernel address space: it allocates a fresh PML4,
// copies the boot root's upper 256 entries and its low identity entry
// (the kernel image still lives in the low half at this point in boot),
// installs the recursive self-mapping, and switches CR3 to the new root.
func Init(bootRootPhys uint64) Root {
	newRoot, ok := allocTable()
	if !ok {
		panic("vmm: out of frames initializing kernel address space")
	}

	if bootRootPhys != 0 && physmem.Contains(bootRootPhys, PageSize) {
		boot := table(bootRootPhys)
		nt := table(newRoot)
		for i := UserKernelSplitIndex; i < entriesPerTable; i++ {
			nt[i] = boot[i]
		}
		// Preserve the low identity mapping (PML4[0]) used while the
		// kernel image still lives in the low half during boot.
		nt[0] = boot[0]
	}

	nt := table(newRoot)
	nt[RecursiveSlot] = NewPTE(newRoot, FlagPresent|FlagWritable)

	kernelRoot = Root(newRoot)
	arch.LoadCR3(newRoot)
	inited = true
	return kernelRoot
}

// KernelRoot returns the address space every kernel-mode PCB shares.
func KernelRoot() Root { return kernelRoot }

// entryLevel records one table slot a walk passed through: the physical
// address of the table and the entry index within it.
type entryLevel struct {
	tablePhys uint64
	index     uint64
}

// walk descends from root to the PT-level entry for virt, creating
// missing intermediate tables (with create=true) or failing (ok=false)
// if an intermediate level is absent and create=false. requireUser, if
// set, forces every newly-created intermediate table along the path to
// carry the user-accessible bit, and re-homes any cloned-from-kernel
// table that lacks it onto a fresh user-accessible copy.
//
// fatal is set when the walk hit a 1 GiB (PDPT-level) huge page: the
// spec treats splitting those as an unsupported, fatal design error
// rather than something the mapper silently handles, unlike the
// PD-level 2 MiB case which is splittable.
func walk(root Root, virt uint64, create bool, requireUser bool) (levels []entryLevel, leafIdx uint64, leafTable uint64, ok bool, fatal bool) {
	idx := splitAddr(virt)
	indices := []uint64{idx.pml4, idx.pdpt, idx.pd}

	// created lists only the slots this walk filled with a freshly
	// allocated table, so a failed walk never frees a pre-existing one.
	var created []entryLevel
	cur := uint64(root)
	for depth, i := range indices {
		t := table(cur)
		e := t[i]

		if e.Present() && e.Huge() {
			if depth == 1 {
				// 1 GiB huge page at the PDPT level: mapping a 4 KiB
				// page underneath it is a fatal design error.
				return nil, 0, 0, false, true
			}
			// 2 MiB huge page at the PD level: caller must split it.
			levels = append(levels, entryLevel{tablePhys: cur, index: i})
			return levels, idx.pt, 0, true, false
		}

		if !e.Present() {
			if !create {
				return nil, 0, 0, false, false
			}
			childPhys, allocOK := allocTable()
			if !allocOK {
				rollback(created)
				return nil, 0, 0, false, false
			}
			flags := KernelFlags
			if requireUser {
				flags |= FlagUser
			}
			t[i] = NewPTE(childPhys, flags)
			created = append(created, entryLevel{tablePhys: cur, index: i})
			e = t[i]
		} else if requireUser && !e.User() {
			// Cloned from the kernel address space without the user
			// bit: copy it so user code cannot reach arbitrary kernel
			// mappings through a shared intermediate table.
			childPhys, allocOK := allocTable()
			if !allocOK {
				rollback(created)
				return nil, 0, 0, false, false
			}
			copy(physmem.Bytes(childPhys, PageSize), physmem.Bytes(e.Addr(), PageSize))
			t[i] = NewPTE(childPhys, (e&^frameMask)|FlagUser)
			e = t[i]
		}

		levels = append(levels, entryLevel{tablePhys: cur, index: i})
		cur = e.Addr()
	}

	return levels, idx.pt, cur, true, false
}

func rollback(levels []entryLevel) {
	// Intermediate tables allocated during a failed walk are frames the
	// caller never sees; free them so a retry doesn't leak.
	for _, lv := range levels {
		t := table(lv.tablePhys)
		e := t[lv.index]
		if e.Present() && !e.Huge() {
			pmm.FreeOne(pmm.FromAddr(e.Addr()))
		}
		t[lv.index] = 0
	}
}

func splitHuge(parentTablePhys uint64, index uint64, pdEntry PTE, markUser bool) (PTE, bool) {
	newTablePhys, ok := allocTable()
	if !ok {
		return 0, false
	}
	baseFrame := pdEntry.Addr()
	flags := (pdEntry &^ frameMask) &^ FlagHuge
	if markUser {
		flags |= FlagUser
	}
	nt := table(newTablePhys)
	for i := uint64(0); i < entriesPerTable; i++ {
		nt[i] = NewPTE(baseFrame+i*PageSize, flags)
	}
	newParentEntry := NewPTE(newTablePhys, KernelFlags|(flags&FlagUser))
	pt := table(parentTablePhys)
	pt[index] = newParentEntry
	arch.FlushTLB()
	return newParentEntry, true
}

var mappedPages uint64

// Map installs a present mapping virt -> phys in the kernel address
// space. If the leaf is already present this is an update; otherwise
// the mapped-page counter is incremented.
func Map(virt, phys uint64, flags PTE) bool {
	return mapIn(kernelRoot, virt, phys, flags, false)
}

// MapUser is Map for a specific process address space: it enforces that
// virt lies in the user half and forces the user-accessible bit onto the
// leaf (and, transitively, onto any kernel-cloned intermediate table
// along the walk).
func MapUser(root Root, virt, phys uint64, flags PTE) bool {
	if (virt>>39)&indexMask >= UserKernelSplitIndex {
		return false
	}
	return mapIn(root, virt, phys, flags|FlagUser, true)
}

func mapIn(root Root, virt, phys uint64, flags PTE, user bool) bool {
	levels, ptIndex, leafTablePhys, ok, fatal := walk(root, virt, true, user)
	if fatal {
		return false
	}
	if !ok {
		return false
	}

	if leafTablePhys == 0 {
		// walk stopped at a huge parent: split it first.
		last := levels[len(levels)-1]
		pt := table(last.tablePhys)
		parentEntry := pt[last.index]
		newEntry, splitOK := splitHuge(last.tablePhys, last.index, parentEntry, user)
		if !splitOK {
			return false
		}
		leafTablePhys = newEntry.Addr()
	}

	leaf := table(leafTablePhys)
	if leaf[ptIndex].Present() {
		leaf[ptIndex] = NewPTE(phys, flags)
	} else {
		leaf[ptIndex] = NewPTE(phys, flags)
		mappedPages++
	}
	arch.InvalidatePage(virt)
	return true
}

// Unmap clears the mapping for virt in the kernel address space,
// returning false if it was never mapped.
func Unmap(virt uint64) bool { return unmapIn(kernelRoot, virt) }

func unmapIn(root Root, virt uint64) bool {
	levels, ptIndex, leafTablePhys, ok, _ := walk(root, virt, false, false)
	_ = levels
	if !ok || leafTablePhys == 0 {
		return false
	}
	leaf := table(leafTablePhys)
	if !leaf[ptIndex].Present() {
		return false
	}
	leaf[ptIndex] = 0
	if mappedPages > 0 {
		mappedPages--
	}
	arch.InvalidatePage(virt)
	return true
}

// Translate returns the physical address virt is mapped to, or 0 if it
// is not present.
func Translate(virt uint64) uint64 { return translateIn(kernelRoot, virt) }

// TranslateIn is Translate against an arbitrary address space, the form
// the syscall layer needs to resolve a user pointer through the
// current process's own root rather than the kernel's.
func TranslateIn(root Root, virt uint64) uint64 { return translateIn(root, virt) }

func translateIn(root Root, virt uint64) uint64 {
	levels, ptIndex, leafTablePhys, ok, _ := walk(root, virt, false, false)
	if !ok {
		return 0
	}
	if leafTablePhys == 0 {
		// Stopped at a huge (PD-level) leaf.
		last := levels[len(levels)-1]
		pt := table(last.tablePhys)
		e := pt[last.index]
		if !e.Present() {
			return 0
		}
		off := virt & (HugePageSize - 1)
		return e.Addr() + off
	}
	leaf := table(leafTablePhys)
	e := leaf[ptIndex]
	if !e.Present() {
		return 0
	}
	idx := splitAddr(virt)
	return e.Addr() + idx.off
}

// MapRange maps size bytes of phys starting at phys to virt, rolling
// back any pages it mapped if it fails partway through.
func MapRange(virt, phys, size uint64, flags PTE) bool {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	var mapped uint64
	for off := uint64(0); off < size; off += PageSize {
		if !Map(virt+off, phys+off, flags) {
			for back := uint64(0); back < mapped; back += PageSize {
				Unmap(virt + back)
			}
			return false
		}
		mapped += PageSize
	}
	return true
}

// UnmapRange unmaps size bytes starting at virt.
func UnmapRange(virt, size uint64) {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	for off := uint64(0); off < size; off += PageSize {
		Unmap(virt + off)
	}
}

func FlushOne(virt uint64) { arch.InvalidatePage(virt) }
func FlushAll()            { arch.FlushTLB() }

// CreateAddressSpace allocates a fresh root for a new process: zeroed,
// then the kernel-half entries and the low identity entry are cloned in
// so kernel code and data remain visible in every context.
func CreateAddressSpace() (Root, bool) {
	phys, ok := allocTable()
	if !ok {
		return 0, false
	}
	nt := table(phys)
	kt := table(uint64(kernelRoot))
	for i := UserKernelSplitIndex; i < entriesPerTable; i++ {
		nt[i] = kt[i]
	}
	nt[0] = kt[0]
	return Root(phys), true
}

// DestroyAddressSpace frees every PDPT/PD/PT frame reachable from the
// lower 256 PML4 entries, skipping huge leaves (their data frames are
// not owned by the VMM) and finally frees the root itself. The caller
// remains responsible for freeing the process's own data frames.
func DestroyAddressSpace(root Root) {
	rt := table(uint64(root))
	for i := uint64(0); i < UserKernelSplitIndex; i++ {
		pml4e := rt[i]
		if !pml4e.Present() {
			continue
		}
		freeSubtree(pml4e.Addr(), 2) // PDPT
	}
	pmm.FreeOne(pmm.FromAddr(uint64(root)))
}

// freeSubtree recursively frees intermediate tables down to (not
// including) the leaf data frames. depth counts levels still to
// descend: 2 = PDPT, 1 = PD, 0 = PT (whose entries are leaves).
func freeSubtree(phys uint64, depth int) {
	t := table(phys)
	if depth > 0 {
		for i := 0; i < entriesPerTable; i++ {
			e := t[i]
			if !e.Present() || e.Huge() {
				continue
			}
			freeSubtree(e.Addr(), depth-1)
		}
	}
	pmm.FreeOne(pmm.FromAddr(phys))
}
