// Command kernel is the entry point: KernelMain runs the component
// A-H init sequence spec.md §2 orders (PMM, VMM, heap, interrupts,
// scheduler, syscalls, RAM filesystem, VFS), registers the timer and
// keyboard IRQ handlers, and starts the scheduler. main builds a
// synthetic boot handoff record and calls KernelMain, since this tree
// is hosted rather than booted by real firmware -- the same stand-in
// internal/arch and internal/interrupt already document for the pieces
// that would otherwise be assembly.
package main

import (
	"github.com/iansmith/nucleus/internal/arch"
	"github.com/iansmith/nucleus/internal/bootinfo"
	"github.com/iansmith/nucleus/internal/config"
	"github.com/iansmith/nucleus/internal/console"
	"github.com/iansmith/nucleus/internal/interrupt"
	"github.com/iansmith/nucleus/internal/kheap"
	"github.com/iansmith/nucleus/internal/klog"
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/pmm"
	"github.com/iansmith/nucleus/internal/proc"
	"github.com/iansmith/nucleus/internal/ramfs"
	"github.com/iansmith/nucleus/internal/syscall"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

// physMemSize is the size of the simulated RAM backing this hosted
// build runs against; a real boot would instead size internal/physmem
// from the highest usable region in the E820 map.
const physMemSize = 64 * 1024 * 1024

// tickCount is the hosted stand-in for the free-running counter a real
// PIT/APIC timer interrupt would drive; it only exists here because
// nothing in this tree generates the interrupt itself.
var tickCount uint64

func onTimerIRQ(regs *interrupt.Registers) {
	tickCount++
	proc.Tick(tickCount)
}

func onKeyboardIRQ(regs *interrupt.Registers) {
	console.PushScancode(byte(regs.ScanCode))
}

// haltWith logs a fatal diagnostic and halts, the pattern every init
// step that cannot proceed uses -- klog.Panic itself never stops
// execution, so callers pair it with an explicit halt loop.
func haltWith(msg string) {
	klog.Panic(msg)
	for {
		arch.Halt()
	}
}

// KernelMain runs the full init sequence against a boot handoff record
// and returns once the scheduler has started. On real hardware Start
// never returns; here it returns after one Schedule call, so KernelMain
// returning is this build's analogue of "control has passed to ring 3".
func KernelMain(info *bootinfo.Info) {
	klog.Info("nucleus kernel starting")

	physmem.Init(physMemSize)
	pmm.Init(info.Map(), nil)
	klog.Info("pmm initialized")

	vmm.Init(0)
	klog.Info("vmm initialized")

	if !kheap.Init(config.HeapBase, config.HeapInitialSize) {
		haltWith("kheap: initial window mapping failed")
		return
	}
	klog.Info("kheap initialized")

	interrupt.InstallDescriptors()
	interrupt.RegisterIRQHandler(0, onTimerIRQ)
	interrupt.RegisterIRQHandler(1, onKeyboardIRQ)
	klog.Info("interrupts installed")

	proc.Init()
	klog.Info("scheduler initialized")

	syscall.Init()
	klog.Info("syscall entry installed")

	root, ok := ramfs.Init(config.RAMDiskBase)
	if !ok {
		haltWith("ramfs: format failed")
		return
	}
	vfs.Init(root)
	klog.Info("ram filesystem mounted")

	proc.Start()
	klog.Info("scheduler started")
}

func main() {
	info := &bootinfo.Info{
		EntryCount: 1,
		Entries: [bootinfo.MaxEntries]bootinfo.Region{
			{Base: 0x100000, Length: physMemSize - 0x100000, Type: bootinfo.RegionUsable},
		},
	}
	KernelMain(info)
}
