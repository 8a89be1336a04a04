// Package kheap is the kernel heap (component C): a first-fit byte
// allocator with a coalescing doubly-linked free list, backed by a
// growable virtual window mapped through vmm/pmm.
//
// Directly grounded on the teacher's heap.go (heapSegment header with
// next/prev/isAllocated/segmentSize, kmalloc/kfree walking that list,
// coalescing on free) generalized per the spec: magic-cookie corruption
// detection, alignment, realloc, and bounded expansion the teacher's
// fixed 1 MiB ARM heap never needed.
package kheap

import (
	"fmt"
	"unsafe"

	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/pmm"
	"github.com/iansmith/nucleus/internal/vmm"
)

const (
	magic = 0xB16B00B5

	// MinPayload is the smallest payload a block may hold; smaller
	// requests are rounded up so a freed block can always be split
	// without leaving an unusable sliver.
	MinPayload = 32

	// headerAlign pads the header to a 16-byte multiple so payloads
	// start aligned.
	headerAlign = 16

	// ExpandIncrement is how much the heap grows by default when no
	// free block fits a request.
	ExpandIncrement = 64 * 1024

	// MaxWindowSize bounds how large the heap's virtual window may
	// grow.
	MaxWindowSize = 16 * 1024 * 1024
)

type block struct {
	magic   uint32
	used    uint32 // 0 = free, 1 = used
	size    uint32 // payload size, excluding header
	_       uint32 // padding to keep the header a 16-byte multiple
	next    uint64 // virtual address of next block, 0 if none
	prev    uint64 // virtual address of previous block, 0 if none
}

var headerSize = uint64((unsafe.Sizeof(block{}) + headerAlign - 1) &^ (headerAlign - 1))

var (
	windowBase uint64
	windowSize uint64
	headAddr   uint64
)

// at resolves a heap virtual address to its backing physical memory on
// every access, exactly as a real CPU would re-walk (or TLB-hit) the
// page tables. This is what lets the heap's virtual window be stitched
// together from separate physical runs across expansions without ever
// assuming a fixed virt-to-phys offset.
func at(addr uint64) *block {
	phys := vmm.Translate(addr)
	return (*block)(physmem.Ptr(phys))
}

// bytesAt is the payload-copy equivalent of at: it resolves addr once
// and hands back a slice of the physical backing, valid because each
// heap window is mapped from one contiguous physical run (see
// mapWindow), so a virtual range within a single window translates to a
// contiguous physical range.
func bytesAt(addr uint64, size uint64) []byte {
	phys := vmm.Translate(addr)
	return physmem.Bytes(phys, size)
}

// Init maps the initial heap window starting at base and installs one
// giant free block spanning it.
func Init(base uint64, initialSize uint64) bool {
	initialSize = (initialSize + pmm.PageSize - 1) &^ (pmm.PageSize - 1)
	if !mapWindow(base, initialSize) {
		return false
	}
	windowBase = base
	windowSize = initialSize
	headAddr = base

	h := at(headAddr)
	*h = block{magic: magic, used: 0, size: uint32(initialSize - headerSize)}
	return true
}

// mapWindow backs [virt, virt+size) with one contiguous physical run.
// Heap windows are not page-by-page mapped from scattered frames: a
// single contiguous run lets a block's payload -- which may span several
// pages -- be read or copied as one physmem slice instead of walking
// the page tables byte by byte.
func mapWindow(virt uint64, size uint64) bool {
	pages := size / pmm.PageSize
	run, ok := pmm.AllocContiguous(pages)
	if !ok {
		return false
	}
	if !vmm.MapRange(virt, run.Addr(), size, vmm.KernelFlags) {
		pmm.FreeContiguous(run, pages)
		return false
	}
	return true
}

func align(size, alignment uint64) uint64 {
	return (size + alignment - 1) &^ (alignment - 1)
}

// Alloc allocates size bytes, returning 0 if the heap is exhausted
// (including after attempting to expand). Alloc(0) returns 0.
func Alloc(size uint64) uint64 { return AllocAligned(size, headerAlign) }

// AllocZeroed is Alloc followed by zeroing the payload.
func AllocZeroed(size uint64) uint64 {
	p := Alloc(size)
	if p == 0 {
		return 0
	}
	zeroAt(p, size)
	return p
}

// zeroAt zeroes size bytes at the heap virtual address addr, translating
// through the owning window's physical run (see bytesAt).
func zeroAt(addr uint64, size uint64) {
	phys := vmm.Translate(addr)
	physmem.Zero(phys, size)
}

// AllocAligned allocates size bytes aligned to alignment. Alignment
// requests at or below the header alignment short-circuit to a plain
// first-fit allocation; larger alignments over-allocate and stash the
// true block pointer immediately before the aligned result so Free can
// still recover the header.
func AllocAligned(size uint64, alignment uint64) uint64 {
	if size == 0 {
		return 0
	}
	if alignment <= headerAlign {
		return allocPlain(align(size, headerAlign))
	}

	extra := alignment + 8
	raw := allocPlain(size + extra)
	if raw == 0 {
		return 0
	}
	aligned := align(raw+8, alignment)
	stash := (*uint64)(physmem.Ptr(vmm.Translate(aligned - 8)))
	*stash = raw - headerSize
	return aligned
}

func allocPlain(size uint64) uint64 {
	if size < MinPayload {
		size = MinPayload
	}
	total := size + headerSize
	total = align(total, headerAlign)

	var found uint64
	var foundDiff int64 = -1
	for cur := headAddr; cur != 0; {
		b := at(cur)
		if b.used == 0 {
			diff := int64(b.size) - int64(total-headerSize)
			if diff >= 0 {
				found = cur
				foundDiff = diff
				break
			}
		}
		cur = b.next
	}

	if found == 0 {
		grown := expand(total)
		if !grown {
			return 0
		}
		return allocPlain(size)
	}

	b := at(found)
	minSplit := headerSize + MinPayload
	if uint64(foundDiff) >= minSplit {
		newAddr := found + total
		nb := at(newAddr)
		*nb = block{
			magic: magic,
			used:  0,
			size:  b.size - uint32(total),
			next:  b.next,
			prev:  found,
		}
		if nb.next != 0 {
			at(nb.next).prev = newAddr
		}
		b.next = newAddr
		b.size = uint32(total - headerSize)
	}

	b.used = 1
	return found + headerSize
}

// expand grows the heap window by max(rounded request, ExpandIncrement),
// capped at MaxWindowSize, and merges the new block into a trailing free
// block if one exists.
func expand(minBytes uint64) bool {
	grow := minBytes
	if grow < ExpandIncrement {
		grow = ExpandIncrement
	}
	grow = align(grow, pmm.PageSize)
	if windowSize+grow > MaxWindowSize {
		grow = MaxWindowSize - windowSize
		if grow < minBytes {
			return false
		}
		grow = align(grow, pmm.PageSize)
	}
	if grow == 0 {
		return false
	}

	newBase := windowBase + windowSize
	if !mapWindow(newBase, grow) {
		return false
	}
	windowSize += grow

	// Find the tail block.
	tail := headAddr
	for at(tail).next != 0 {
		tail = at(tail).next
	}
	tb := at(tail)
	if tb.used == 0 {
		tb.size += uint32(grow)
		return true
	}

	nb := at(newBase)
	*nb = block{magic: magic, used: 0, size: uint32(grow - headerSize), prev: tail}
	tb.next = newBase
	return true
}

// Free validates the block's magic cookie and used flag. A double-free
// or corrupted header is logged and is a no-op, never fatal.
//
// ptr ordinarily sits exactly headerSize past its block's header (the
// plain-allocation layout). An over-aligned AllocAligned result does
// not: it stashes the true header address 8 bytes before ptr instead,
// so when the plain-layout guess doesn't find a valid magic, Free falls
// back to that stash before giving up.
func Free(ptr uint64) {
	if ptr == 0 {
		return
	}
	addr := ptr - headerSize
	b := at(addr)
	if b.magic != magic {
		if stashed := *(*uint64)(physmem.Ptr(vmm.Translate(ptr - 8))); stashed != 0 {
			if sb := at(stashed); sb.magic == magic {
				addr = stashed
				b = sb
			}
		}
	}
	if b.magic != magic {
		fmt.Printf("kheap: WARNING corrupt block at 0x%x (bad magic)\n", addr)
		return
	}
	if b.used == 0 {
		fmt.Printf("kheap: WARNING double-free at 0x%x\n", addr)
		return
	}
	b.used = 0

	if b.next != 0 && at(b.next).used == 0 {
		mergeNext(addr)
	}
	if b.prev != 0 && at(b.prev).used == 0 {
		mergeNext(b.prev)
	}
}

func mergeNext(addr uint64) {
	b := at(addr)
	n := at(b.next)
	b.size += uint32(headerSize) + n.size
	b.next = n.next
	if b.next != 0 {
		at(b.next).prev = addr
	}
}

// Realloc resizes ptr's allocation to newSize, preserving its payload.
func Realloc(ptr uint64, newSize uint64) uint64 {
	if ptr == 0 {
		return Alloc(newSize)
	}
	if newSize == 0 {
		Free(ptr)
		return 0
	}

	addr := ptr - headerSize
	b := at(addr)
	want := align(newSize, headerAlign)
	if uint64(b.size) >= want {
		return ptr
	}

	if b.next != 0 && at(b.next).used == 0 {
		n := at(b.next)
		combined := uint64(b.size) + headerSize + uint64(n.size)
		if combined >= want {
			mergeNext(addr)
			minSplit := headerSize + MinPayload
			remainder := uint64(b.size) - want
			if remainder >= minSplit {
				newAddr := addr + headerSize + want
				nb := at(newAddr)
				*nb = block{magic: magic, used: 0, size: uint32(remainder - headerSize), next: b.next, prev: addr}
				if nb.next != 0 {
					at(nb.next).prev = newAddr
				}
				b.next = newAddr
				b.size = uint32(want)
			}
			return ptr
		}
	}

	newPtr := Alloc(newSize)
	if newPtr == 0 {
		return 0
	}
	copy(bytesAt(newPtr, uint64(b.size)), bytesAt(ptr, uint64(b.size)))
	Free(ptr)
	return newPtr
}

type Stats struct {
	WindowSize uint64
	FreeBytes  uint64
	UsedBytes  uint64
	BlockCount uint64
}

func GetStats() Stats {
	var s Stats
	s.WindowSize = windowSize
	for cur := headAddr; cur != 0; {
		b := at(cur)
		s.BlockCount++
		if b.used == 0 {
			s.FreeBytes += uint64(b.size)
		} else {
			s.UsedBytes += uint64(b.size)
		}
		cur = b.next
	}
	return s
}

// Validate walks the free list checking magic cookies, neighbor
// consistency, and that no two adjacent blocks are both free. It is a
// diagnostic, never called on the allocation fast path.
func Validate() error {
	var prev uint64
	for cur := headAddr; cur != 0; {
		b := at(cur)
		if b.magic != magic {
			return fmt.Errorf("kheap: corrupt magic at 0x%x", cur)
		}
		if b.prev != prev {
			return fmt.Errorf("kheap: broken prev link at 0x%x", cur)
		}
		if prev != 0 {
			pb := at(prev)
			if pb.used == 0 && b.used == 0 {
				return fmt.Errorf("kheap: adjacent free blocks at 0x%x and 0x%x", prev, cur)
			}
		}
		prev = cur
		cur = b.next
	}
	return nil
}
