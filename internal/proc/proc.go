// Package proc is the process model and round-robin scheduler
// (component E): a fixed PCB table, a FIFO run queue, preemption driven
// by the timer tick, and the state machine spec'd for Unused -> Ready
// -> Running -> {Blocked, Terminated} transitions.
//
// Grounded on the teacher's own global-singleton-plus-package-function
// style (internal/pmm, internal/vmm already follow it for this tree);
// the PCB table itself follows the spec's design note (§9): an
// arena+index structure, with next/prev expressed as optional indices
// into the same fixed array rather than raw pointers.
//
// The context-switch trampoline that actually transfers control between
// two kernel stacks is, per the spec, a contract rather than code
// (arch.Switch is its hosted stand-in, already documented as doing the
// bookkeeping -- CR3 reload, saved-SP update -- without a real jump,
// since there is no second hosted call stack to switch to). Schedule
// below calls arch.Switch for exactly that bookkeeping and otherwise
// implements every state-machine effect the spec names; invoking a
// process's entry function on its own stack is that same out-of-scope
// trampoline's job, not this package's.
package proc

import (
	"fmt"

	"github.com/iansmith/nucleus/internal/arch"
	"github.com/iansmith/nucleus/internal/bitfield"
	"github.com/iansmith/nucleus/internal/config"
	"github.com/iansmith/nucleus/internal/klog"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

type State int

const (
	Unused State = iota
	Ready
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Unused:
		return "Unused"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Terminated:
		return "Terminated"
	default:
		return "?"
	}
}

// flags packs a PCB's kernel/idle/user tags into a single word via the
// teacher's reflection-based bitfield packer, the same tool the teacher
// uses for its own PageFlags word.
type flags struct {
	Kernel bool `bitfield:",1"`
	Idle   bool `bitfield:",1"`
	User   bool `bitfield:",1"`
}

func packFlags(f flags) uint64 {
	packed, err := bitfield.Pack(f, &bitfield.Config{NumBits: 3})
	if err != nil {
		panic("proc: flags pack: " + err.Error())
	}
	return packed
}

func unpackFlags(word uint64) flags {
	var f flags
	if err := bitfield.Unpack(word, &f); err != nil {
		panic("proc: flags unpack: " + err.Error())
	}
	return f
}

// EntryFunc is a process's entry point, invoked (by the out-of-scope
// trampoline) with its seed argument the first time it runs.
type EntryFunc func(arg uint64)

// noNeighbor marks a PCB not currently linked into the run queue.
const noNeighbor = -1

// PCB is a process control block. Fields mirror the spec's data model
// exactly; Next/Prev are indices into the same table, not pointers,
// per the arena+index design note.
type PCB struct {
	PID   uint64
	Name  string
	State State
	flags uint64

	StackBase uint64
	StackTop  uint64
	SavedSP   uint64

	Entry EntryFunc
	Arg   uint64

	SliceRemaining int
	TotalTicks     uint64

	ParentPID uint64
	ExitCode  int64
	WakeTick  uint64

	AddrSpace vmm.Root

	UserStackTop uint64
	UserRSP      uint64
	UserCodeBase uint64
	UserCodeSize uint64

	FDs *vfs.FDTable

	next int
	prev int

	inUse bool
}

func (p *PCB) IsKernel() bool { return unpackFlags(p.flags).Kernel }
func (p *PCB) IsIdle() bool   { return unpackFlags(p.flags).Idle }
func (p *PCB) IsUser() bool   { return unpackFlags(p.flags).User }

var (
	table      [config.MaxProcesses]PCB
	nextPID    uint64
	currentIdx int

	readyHead int
	readyTail int

	tickCount    uint64
	reschedFlag  bool
	initialized  bool
)

// Init resets the table and creates idle at PID 0. Idle has a
// permanent Ready state but is never enqueued; PickNext falls back to
// it only when the run queue is empty.
func Init() {
	for i := range table {
		table[i] = PCB{next: noNeighbor, prev: noNeighbor}
	}
	readyHead, readyTail = noNeighbor, noNeighbor
	nextPID = 1
	tickCount = 0
	reschedFlag = false

	idle := &table[0]
	idle.PID = 0
	idle.Name = "idle"
	idle.State = Ready
	idle.flags = packFlags(flags{Idle: true, Kernel: true})
	idle.StackTop = config.HeapBase // placeholder; real boot assigns a dedicated stack
	idle.SliceRemaining = config.TimeSliceTicks
	idle.next, idle.prev = noNeighbor, noNeighbor
	idle.inUse = true

	currentIdx = 0
	initialized = true
}

func findFreeSlot() int {
	for i := 1; i < len(table); i++ {
		if !table[i].inUse || table[i].State == Terminated {
			return i
		}
	}
	return -1
}

// Create allocates a PCB, seeds its initial kernel-stack frame, and
// enqueues it Ready. Returns the new pid, or 0 if the table is full.
func Create(name string, entry EntryFunc, arg uint64) uint64 {
	idx := findFreeSlot()
	if idx < 0 {
		klog.Warn("proc: PCB table exhausted, " + debugDump())
		return 0
	}

	pcb := &table[idx]
	*pcb = PCB{
		PID:            nextPID,
		Name:           name,
		State:          Ready,
		flags:          packFlags(flags{Kernel: true}),
		Entry:          entry,
		Arg:            arg,
		SliceRemaining: config.TimeSliceTicks,
		ParentPID:      table[currentIdx].PID,
		next:           noNeighbor,
		prev:           noNeighbor,
		inUse:          true,
	}
	nextPID++

	pcb.StackBase, pcb.StackTop = seedInitialStack(idx)

	enqueue(idx)
	return pcb.PID
}

// seedInitialStack models the spec's initial-frame layout: the top of
// the stack holds the wrapper entry address, with six zeroed slots
// below it for the callee-saved registers arch.Switch's trampoline
// contract expects to restore. There is no real stack memory behind
// this in the hosted build (see the package doc); the addresses are
// bookkeeping values consistent with what a real implementation would
// compute from a kernel-stack allocation.
func seedInitialStack(idx int) (base, top uint64) {
	base = config.HeapBase + uint64(idx+1)*config.KernelStackSize
	top = base + config.KernelStackSize
	return base, top
}

func indexByPID(pid uint64) int {
	for i := range table {
		if table[i].inUse && table[i].PID == pid {
			return i
		}
	}
	return -1
}

// Lookup returns the PCB for pid, or nil.
func Lookup(pid uint64) *PCB {
	idx := indexByPID(pid)
	if idx < 0 {
		return nil
	}
	return &table[idx]
}

// Current returns the running PCB.
func Current() *PCB { return &table[currentIdx] }

// enqueue appends idx to the tail of the FIFO run queue. Idle (index 0)
// must never be enqueued.
func enqueue(idx int) {
	if idx == 0 {
		return
	}
	table[idx].next = noNeighbor
	table[idx].prev = readyTail
	if readyTail == noNeighbor {
		readyHead = idx
	} else {
		table[readyTail].next = idx
	}
	readyTail = idx
}

// dequeue unlinks idx from the run queue, wherever it currently sits.
func dequeue(idx int) {
	p := &table[idx]
	if p.prev != noNeighbor {
		table[p.prev].next = p.next
	} else if readyHead == idx {
		readyHead = p.next
	}
	if p.next != noNeighbor {
		table[p.next].prev = p.prev
	} else if readyTail == idx {
		readyTail = p.prev
	}
	p.next, p.prev = noNeighbor, noNeighbor
}

// pickNext pops the run queue's head, or returns idle if it is empty.
func pickNext() int {
	if readyHead == noNeighbor {
		return 0
	}
	idx := readyHead
	dequeue(idx)
	return idx
}

// ReadyCount returns how many processes are currently on the run queue
// (idle is never counted, since it is never enqueued).
func ReadyCount() int {
	n := 0
	for i := readyHead; i != noNeighbor; i = table[i].next {
		n++
	}
	return n
}

// CountIn returns how many PCBs (including idle) currently sit in the
// given state.
func CountIn(s State) int {
	n := 0
	for i := range table {
		if table[i].inUse && table[i].State == s {
			n++
		}
	}
	return n
}

// RequestResched sets the reschedule flag, consulted by the caller of
// Tick after it returns.
func RequestResched() { reschedFlag = true }

// Schedule picks the next PCB and performs the switch. If the incoming
// PCB is already current, or the run queue is empty and the current PCB
// is still Running, this only refills its slice. Otherwise: the
// outgoing PCB, if still Running, is demoted to Ready, its slice
// refilled, and it is re-enqueued; the incoming PCB is promoted to
// Running, its slice refilled, and the context-switch bookkeeping is
// performed.
func Schedule() {
	reschedFlag = false
	nextIdx := pickNext()
	if nextIdx == 0 && table[currentIdx].State == Running {
		// Nothing else is ready: the running process keeps the CPU.
		nextIdx = currentIdx
	}
	if nextIdx == currentIdx {
		table[currentIdx].SliceRemaining = config.TimeSliceTicks
		return
	}

	out := &table[currentIdx]
	outIdx := currentIdx
	if out.State == Running {
		out.State = Ready
		out.SliceRemaining = config.TimeSliceTicks
		enqueue(outIdx)
	}

	in := &table[nextIdx]
	in.State = Running
	in.SliceRemaining = config.TimeSliceTicks
	currentIdx = nextIdx

	arch.Switch(&out.SavedSP, out.SavedSP, in.SavedSP, uint64(in.AddrSpace))
}

// Yield gives up the remainder of the current slice voluntarily.
func Yield() { Schedule() }

// Block transitions the current process to Blocked and reschedules.
func Block() {
	table[currentIdx].State = Blocked
	Schedule()
}

// Unblock transitions pid from Blocked to Ready and enqueues it.
func Unblock(pid uint64) {
	idx := indexByPID(pid)
	if idx < 0 || table[idx].State != Blocked {
		return
	}
	table[idx].State = Ready
	enqueue(idx)
}

// Exit terminates the current process and reschedules. Its slot's
// stack is not reclaimed until Create reuses the slot -- Schedule must
// finish running on this stack first.
func Exit(code int64) {
	cur := &table[currentIdx]
	cur.State = Terminated
	cur.ExitCode = code
	Schedule()
}

// Sleep marks the current process Blocked with a wake-tick timestamp
// and reschedules; WakeSleeping transitions it back to Ready once the
// tick source reaches that timestamp.
func Sleep(untilTick uint64) {
	cur := &table[currentIdx]
	if untilTick == 0 {
		// A zero WakeTick means "not sleeping" to WakeSleeping.
		untilTick = 1
	}
	cur.WakeTick = untilTick
	Block()
}

// WakeSleeping transitions every Blocked process whose wake-tick has
// passed back to Ready. Wake order among processes whose wake-tick
// passed in the same tick is unspecified, per the spec.
func WakeSleeping(now uint64) {
	for i := 1; i < len(table); i++ {
		p := &table[i]
		if p.inUse && p.State == Blocked && p.WakeTick != 0 && p.WakeTick <= now {
			p.WakeTick = 0
			p.State = Ready
			enqueue(i)
		}
	}
}

// Tick is called from the timer IRQ handler. It wakes sleepers, bumps
// the current process's tick counters, and requests a reschedule if its
// slice has expired (never preempting into idle when the queue is
// empty -- the current process simply keeps its slice refilled).
func Tick(now uint64) {
	tickCount = now
	WakeSleeping(now)

	cur := &table[currentIdx]
	cur.TotalTicks++
	cur.SliceRemaining--
	if cur.SliceRemaining <= 0 {
		if ReadyCount() > 0 || currentIdx != 0 {
			RequestResched()
		} else {
			cur.SliceRemaining = config.TimeSliceTicks
		}
	}
	if reschedFlag {
		Schedule()
	}
}

// Start bootstraps the scheduler. On real hardware this never returns
// (the CPU is now always inside some process's context); the hosted
// build calls Schedule once and returns, consistent with arch.Halt's
// own documented no-op stand-in for a contract that has no real
// terminal effect to honor outside ring 0.
func Start() {
	if !initialized {
		panic("proc: Start called before Init")
	}
	Schedule()
}

// Initialized reports whether Init has run.
func Initialized() bool { return initialized }

// CurrentTick returns the tick count as of the last call to Tick, for
// callers (the sleep syscall) that need to compute a wake-tick
// timestamp relative to "now".
func CurrentTick() uint64 { return tickCount }

// debugDump summarizes scheduler state for diagnostic logging.
func debugDump() string {
	return fmt.Sprintf("current=%d ready_head=%d ready_tail=%d", currentIdx, readyHead, readyTail)
}
