// Package physmem is the kernel's stand-in for addressable physical RAM.
//
// On real hardware the kernel dereferences physical addresses directly
// (early boot) or through an identity/high-half mapping once paging is
// live. Hosted inside a Go test binary there is no such address space to
// dereference, so physmem backs it with one flat byte slice and lets the
// PMM/VMM/heap code keep exactly the unsafe-pointer arithmetic it would
// use on real hardware (see internal/vmm and internal/kheap). Everything
// above this package still thinks in frames and physical addresses; only
// this file knows the addresses are offsets into a Go slice.
package physmem

import (
	"fmt"
	"sync"
	"unsafe"
)

var (
	mu  sync.Mutex
	ram []byte
)

// Init (re)allocates the simulated RAM arena. size is rounded up to a
// page boundary. Must be called once before any other kernel subsystem
// touches physical memory.
func Init(size uint64) {
	mu.Lock()
	defer mu.Unlock()
	size = (size + 0xFFF) &^ 0xFFF
	ram = make([]byte, size)
}

// Size returns the size in bytes of the backing arena.
func Size() uint64 {
	mu.Lock()
	defer mu.Unlock()
	return uint64(len(ram))
}

// Contains reports whether [addr, addr+length) lies within the arena.
func Contains(addr uint64, length uint64) bool {
	mu.Lock()
	defer mu.Unlock()
	if addr+length < addr {
		return false
	}
	return addr+length <= uint64(len(ram))
}

// Bytes returns a slice view of [addr, addr+length) in the backing arena.
// Panics if the range is out of bounds -- callers (pmm/vmm) are expected
// to have validated the frame against the allocator bitmap first.
func Bytes(addr uint64, length uint64) []byte {
	mu.Lock()
	defer mu.Unlock()
	if addr+length < addr || addr+length > uint64(len(ram)) {
		panic(fmt.Sprintf("physmem: access [0x%x, 0x%x) out of bounds (size 0x%x)", addr, addr+length, len(ram)))
	}
	return ram[addr : addr+length]
}

// Ptr returns an unsafe.Pointer at addr, for code that reinterprets a
// physical frame as a typed struct (page tables, heap headers, inodes).
func Ptr(addr uint64) unsafe.Pointer {
	b := Bytes(addr, 1)
	return unsafe.Pointer(&b[0])
}

// Zero clears length bytes starting at addr.
func Zero(addr uint64, length uint64) {
	b := Bytes(addr, length)
	for i := range b {
		b[i] = 0
	}
}
