// Package interrupt is the descriptor table and trap dispatch
// framework (component D): a 256-vector gate table, the built-in CPU
// exception handlers, and the IRQ framework with spurious filtering
// and end-of-interrupt delivery.
//
// Per the spec, the trampolines that actually push register state and
// call into this package (the IDT stubs, the double-fault IST switch)
// are out of scope as code -- only their contract matters. on_exception
// and on_irq below are that contract's only two entry points; gate
// installation is bookkeeping, since this tree never encodes a literal
// IDT byte layout.
//
// Informed by justanotherdot-biscuit's retrieved trapstub/tfdump shape
// (a synthetic register-dump struct populated by a trap trampoline) and
// its irq_unmask/irq_eoi helpers, though that file is reference
// material rather than a copied source.
package interrupt

import (
	"github.com/iansmith/nucleus/internal/arch"
	"github.com/iansmith/nucleus/internal/klog"
)

const (
	VecDivideError       = 0
	VecInvalidOpcode     = 6
	VecDoubleFault       = 8
	VecGeneralProtection = 13
	VecPageFault         = 14

	// IRQBase is the vector the first IRQ (timer, vector 32) is remapped
	// to, per the spec's descriptor layout.
	IRQBase = 32
	NumIRQs = 16

	NumVectors = 256
)

// Registers is the trap frame the (out-of-scope) trampolines
// materialize on the kernel stack: general-purpose registers, the
// vector and synthetic/real error code, and the five CPU-pushed words.
type Registers struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	Vector    uint64
	ErrorCode uint64

	// ScanCode is populated by the keyboard IRQ trampoline only
	// (vector IRQBase+1); every other vector leaves it zero.
	ScanCode uint64

	RIP, CS, RFLAGS, RSP, SS uint64
}

type ExceptionHandler func(regs *Registers)
type IRQHandler func(regs *Registers)

var (
	exceptionHandlers    [NumVectors]ExceptionHandler
	irqHandlers          [NumIRQs]IRQHandler
	descriptorsInstalled bool

	// cr2 is the hosted stand-in for the page-fault linear address the
	// CPU leaves in CR2; SetFaultAddress is what a real page-fault
	// trampoline would do before calling OnException.
	cr2 uint64
)

// InstallDescriptors sets up the 256-gate table. Vectors 0-31 are CPU
// exceptions, 32-47 are IRQs, 48-255 fall through to the default
// handler -- all of which is bookkeeping here since the gate table
// itself is the dispatch mechanism in this tree, not a real IDT byte
// layout pointed at assembly stubs.
func InstallDescriptors() {
	descriptorsInstalled = true
}

func DescriptorsInstalled() bool { return descriptorsInstalled }

// RegisterExceptionHandler installs a user handler for a CPU exception
// vector (0-31), overriding the corresponding built-in.
func RegisterExceptionHandler(vector int, h ExceptionHandler) {
	if vector < 0 || vector >= NumVectors {
		return
	}
	exceptionHandlers[vector] = h
}

// RegisterIRQHandler installs a handler for IRQ 0-15.
func RegisterIRQHandler(irq int, h IRQHandler) {
	if irq < 0 || irq >= NumIRQs {
		return
	}
	irqHandlers[irq] = h
}

// UnregisterIRQHandler removes irq's handler.
func UnregisterIRQHandler(irq int) {
	if irq < 0 || irq >= NumIRQs {
		return
	}
	irqHandlers[irq] = nil
}

// SetFaultAddress is the hosted stand-in for the CPU latching CR2
// before a page-fault trampoline calls OnException.
func SetFaultAddress(addr uint64) { cr2 = addr }

// FaultAddress returns the last latched page-fault address.
func FaultAddress() uint64 { return cr2 }

// OnException is the common entry every exception trampoline calls. A
// user-registered handler for the vector takes priority; otherwise the
// built-ins for page fault, double fault, GP, divide-error, and
// invalid-opcode log a diagnostic and halt with interrupts disabled,
// matching the spec's "any non-fatal vector with no handler prints a
// diagnostic and halts" for every other vector too.
func OnException(regs *Registers) {
	if h := exceptionHandlers[regs.Vector]; h != nil {
		h(regs)
		return
	}

	switch regs.Vector {
	case VecPageFault:
		klog.Panic("page fault at " + klog.Hex64(cr2) + " rip=" + klog.Hex64(regs.RIP))
	case VecDoubleFault:
		klog.Panic("double fault rip=" + klog.Hex64(regs.RIP))
	case VecGeneralProtection:
		klog.Panic("general protection fault selector=" + klog.Hex64(regs.ErrorCode) + " rip=" + klog.Hex64(regs.RIP))
	case VecDivideError:
		klog.Panic("divide error rip=" + klog.Hex64(regs.RIP))
	case VecInvalidOpcode:
		klog.Panic("invalid opcode rip=" + klog.Hex64(regs.RIP))
	default:
		klog.Panic("unhandled exception vector " + klog.Dec(regs.Vector) + " rip=" + klog.Hex64(regs.RIP))
	}
	haltLoop()
}

// haltLoop masks interrupts and halts. On real hardware hlt with IF=0
// never returns; arch.Halt is itself documented as a no-op hosted
// stand-in, so there is nothing to actually spin on here -- calling it
// once represents the same terminal effect without hanging a hosted
// test process.
func haltLoop() {
	arch.Cli()
	arch.Halt()
}

// OnIRQ is the common entry every IRQ trampoline calls. It computes the
// IRQ number from the vector, filters spurious interrupts by querying
// the legacy controller's in-service register, dispatches to the
// registered handler if any, and sends end-of-interrupt.
func OnIRQ(regs *Registers) {
	irq := int(regs.Vector) - IRQBase
	if irq < 0 || irq >= NumIRQs {
		return
	}

	if !picInService(irq) {
		switch irq {
		case 7:
			klog.Warn("interrupt: spurious IRQ7 (master)")
			return // no EOI: the master never actually raised this one.
		case 15:
			klog.Warn("interrupt: spurious IRQ15 (slave)")
			// The cascade line on the master still needs acknowledging
			// even though the slave's own interrupt was spurious.
			picEOIMasterCascade()
			return
		}
	}

	if h := irqHandlers[irq]; h != nil {
		h(regs)
	}
	picEOI(irq)
}

// RaiseIRQ simulates the legacy controller asserting irq's line: it
// marks the controller's in-service bit(s) and invokes OnIRQ with a
// synthetic vector, the hosted substitute for "the trampoline for
// vector IRQBase+irq ran." Production code (timer tick source, keyboard
// driver) calls this; tests do too, to drive the dispatch path
// end-to-end.
func RaiseIRQ(irq int, scanCode uint64) {
	if irq < 0 || irq >= NumIRQs {
		return
	}
	picSetInService(irq)
	OnIRQ(&Registers{Vector: uint64(IRQBase + irq), ScanCode: scanCode})
}
