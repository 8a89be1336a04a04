// Package arch is the narrow contract between the kernel proper and the
// hand-written assembly it cannot do without: loading control/model
// specific registers, invalidating TLB entries, masking interrupts, and
// the context-switch / syscall-entry / ring-3-entry trampolines.
//
// None of it is implemented here -- on real hardware these are
// //go:linkname'd to routines in a .s file, exactly as the teacher
// kernel links mmio_write/delay/bzero/dsb to lib.s. This package exists
// so the rest of the tree has a single, documented seam to call through;
// the bodies below are the reference behavior a hosted test build uses
// in place of the assembly, so the rest of the kernel can be exercised
// without real ring-0 hardware.
package arch

import "sync/atomic"

// CR3 holds the physical address of the current top-level page table
// (PML4) root, mirroring the control register of the same name.
var cr3 uint64

// LoadCR3 installs a new PML4 root, the Go-side stand-in for `mov
// cr3, reg`. A real build links this straight to an assembly
// instruction; it implicitly flushes every non-global TLB entry.
func LoadCR3(physRoot uint64) { atomic.StoreUint64(&cr3, physRoot) }

// ReadCR3 returns the currently loaded PML4 root.
func ReadCR3() uint64 { return atomic.LoadUint64(&cr3) }

// InvalidatePage is the `invlpg` contract: drop any cached translation
// for a single virtual address.
func InvalidatePage(virt uint64) { _ = virt }

// FlushTLB is the "reload CR3" contract used after bulk page-table
// surgery (huge-page splits) where per-page invlpg would be slower than
// just reloading the root.
func FlushTLB() {}

// interruptsEnabled models RFLAGS.IF for code that must run critical
// sections with interrupts masked (every PMM/VMM/heap/run-queue
// mutation, per the spec's concurrency model).
var interruptsEnabled atomic.Bool

func init() { interruptsEnabled.Store(true) }

// Cli is the `cli` contract: mask interrupts, returning whether they
// were enabled beforehand so the caller can restore the prior state
// instead of unconditionally re-enabling them.
func Cli() bool { return interruptsEnabled.Swap(false) }

// Sti is the `sti` contract: unmask interrupts.
func Sti() { interruptsEnabled.Store(true) }

// StiRestore restores a previously saved interrupt-enable state, as
// captured by Cli. Handlers use this instead of a bare Sti so nested
// critical sections don't re-enable interrupts too early.
func StiRestore(wasEnabled bool) {
	if wasEnabled {
		interruptsEnabled.Store(true)
	}
}

// InterruptsEnabled reports the current RFLAGS.IF state.
func InterruptsEnabled() bool { return interruptsEnabled.Load() }

// Halt is the `hlt` contract: idle's entry spins on this.
func Halt() {}

// ContextSwitch is the hand-written trampoline's contract: save the
// outgoing kernel stack pointer's callee-saved registers at *outSP,
// optionally load newCR3 (skipped entirely when newCR3 is zero -- a
// kernel-mode process shares the kernel address space and switching to
// a zero root would be a bug, not a no-op choice), load *inSP, and
// restore registers. Switch below is the hosted substitute: it
// has no registers to save, but it preserves the same contract surface
// (skip CR3 reload on zero root) so callers cannot tell the difference.
type ContextSwitch struct {
	// SavedSP models "the stack pointer saved in the outgoing PCB";
	// hosted code has no real stack to switch, so this is bookkeeping
	// only, not a jump target.
	SavedSP uint64
}

// Switch performs the trampoline's register-and-root work for the
// hosted build. outSP receives the outgoing "stack pointer" bookkeeping
// value; newCR3 is loaded. inSP has no hosted register to load into and
// is not used. newCR3 == 0 means "don't touch CR3" (kernel process
// sharing the kernel address space); a root equal to the loaded one is
// not reloaded either.
func Switch(outSP *uint64, savedOutSP uint64, inSP uint64, newCR3 uint64) {
	*outSP = savedOutSP
	if newCR3 != 0 && newCR3 != ReadCR3() {
		LoadCR3(newCR3)
	}
}
