// Package syscall is the syscall layer (component F): fast-call entry
// setup (a hosted stand-in, since there is no real MSR to program),
// user-pointer/string validation against the user/kernel address-space
// split, a fixed dispatch table, and the core syscall set spec.md §4.F
// names.
//
// Grounded on spec.md §4.F's argument convention (numeric syscall in
// one register, five arguments, dispatch to a fixed table, negative
// return codes for errors) and the boundary validation rules of §8;
// the package-level-state, no-interfaces style matches the rest of
// this tree (internal/pmm, internal/proc).
package syscall

import (
	"context"
	"errors"

	"github.com/iansmith/nucleus/internal/config"
	"github.com/iansmith/nucleus/internal/proc"
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

// Syscall numbers, fixed per spec.md §4.F's core set.
const (
	SysExit = iota + 1
	SysWrite
	SysRead
	SysYield
	SysGetpid
	SysSleep
	SysOpen
	SysClose
	SysLseek
	SysStat
	SysFstat
	SysReaddir
	SysGetcwd
	SysChdir
)

// Negative error codes returned to ring 3. Only a fixed, small set is
// needed: callers distinguish failure from success by sign, not by
// which specific code came back, so these are not meant to enumerate
// every vfs sentinel 1:1.
const (
	errGeneric  = -1
	errNoSys    = -2
	errFault    = -3
	errBadFD    = -4
	errNotFound = -5
	errExists   = -6
	errNotDir   = -7
	errIsDir    = -8
	errNoSpace  = -9
	errInvalid  = -10
	errNameLong = -11
)

func errnoFor(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return errNotFound
	case errors.Is(err, vfs.ErrExists):
		return errExists
	case errors.Is(err, vfs.ErrNotDir):
		return errNotDir
	case errors.Is(err, vfs.ErrIsDir):
		return errIsDir
	case errors.Is(err, vfs.ErrDirNotEmpty):
		return errGeneric
	case errors.Is(err, vfs.ErrNoSpace):
		return errNoSpace
	case errors.Is(err, vfs.ErrBadFD):
		return errBadFD
	case errors.Is(err, vfs.ErrInvalid):
		return errInvalid
	case errors.Is(err, vfs.ErrNameTooLong):
		return errNameLong
	default:
		return errGeneric
	}
}

var installed bool

// Init programs the fast-system-call entry point. On real hardware
// this writes the STAR/LSTAR/SFMASK MSRs so `syscall` lands in the
// kernel trampoline with a known code/data segment pair and interrupts
// masked; there is no MSR here, so Init only records that the call
// site is ready, matching internal/interrupt.InstallDescriptors's own
// flag-only hosted stand-in for a contract with no assembly behind it.
func Init() { installed = true }

// Installed reports whether Init has run.
func Installed() bool { return installed }

// maxUserString bounds how many bytes a string-validating argument may
// walk before being rejected as unterminated.
const maxUserString = 4096

// validateUserRange rejects null, any range touching or crossing the
// user/kernel split, and any addr+len wraparound -- the three checks
// spec.md §8 requires of every user pointer before the kernel touches
// it.
func validateUserRange(addr, length uint64) bool {
	if addr == 0 {
		return false
	}
	end := addr + length
	if end < addr {
		return false
	}
	return end <= vmm.UserSplitAddr
}

// readUserBytes copies length bytes from the given address space's
// user pointer into a fresh kernel-side slice. Reads proceed one page
// at a time through TranslateIn, since two adjacent user pages are not
// guaranteed (and in general are not) physically contiguous.
func readUserBytes(root vmm.Root, addr uint64, length uint64) ([]byte, bool) {
	if !validateUserRange(addr, length) {
		return nil, false
	}
	out := make([]byte, length)
	var off uint64
	for off < length {
		phys := vmm.TranslateIn(root, addr+off)
		if phys == 0 {
			return nil, false
		}
		pageRemain := vmm.PageSize - (addr+off)%vmm.PageSize
		n := length - off
		if n > pageRemain {
			n = pageRemain
		}
		copy(out[off:off+n], physmem.Bytes(phys, n))
		off += n
	}
	return out, true
}

// writeUserBytes is readUserBytes's mirror: copies data into the
// user address space, page at a time.
func writeUserBytes(root vmm.Root, addr uint64, data []byte) bool {
	if !validateUserRange(addr, uint64(len(data))) {
		return false
	}
	var off uint64
	for off < uint64(len(data)) {
		phys := vmm.TranslateIn(root, addr+off)
		if phys == 0 {
			return false
		}
		pageRemain := vmm.PageSize - (addr+off)%vmm.PageSize
		n := uint64(len(data)) - off
		if n > pageRemain {
			n = pageRemain
		}
		copy(physmem.Bytes(phys, n), data[off:off+n])
		off += n
	}
	return true
}

// readUserString walks up to maxUserString bytes looking for a NUL
// terminator, rejecting the string if none is found in range.
func readUserString(root vmm.Root, addr uint64) (string, bool) {
	if addr == 0 || addr >= vmm.UserSplitAddr {
		return "", false
	}
	buf := make([]byte, 0, 64)
	for i := uint64(0); i < maxUserString; i++ {
		if addr+i >= vmm.UserSplitAddr {
			return "", false
		}
		phys := vmm.TranslateIn(root, addr+i)
		if phys == 0 {
			return "", false
		}
		b := physmem.Bytes(phys, 1)[0]
		if b == 0 {
			return string(buf), true
		}
		buf = append(buf, b)
	}
	return "", false
}

// cwd tracks each process's current working directory by pid. It is
// not a PCB field -- spec.md's process data model does not list one --
// so it is kept here, alongside the syscalls that are its only reader
// and writer.
var cwd = map[uint64]string{}

func resolvePath(pid uint64, path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path
	}
	base, ok := cwd[pid]
	if !ok || base == "" {
		base = "/"
	}
	if base == "/" {
		return "/" + path
	}
	return base + "/" + path
}

// Dispatch is the common entry every trampoline lands in after
// programming the fast-call MSRs (or, here, after Init's stand-in).
// num identifies the call; a1..a5 are its arguments in the platform's
// fixed ABI order. Unknown numbers return errNoSys.
func Dispatch(num int64, a1, a2, a3, a4, a5 uint64) int64 {
	cur := proc.Current()
	pid := cur.PID
	root := cur.AddrSpace
	fds := cur.FDs

	switch num {
	case SysExit:
		proc.Exit(int64(a1))
		return 0

	case SysWrite:
		fd, length := int(a1), a3
		buf, ok := readUserBytes(root, a2, length)
		if !ok {
			return errFault
		}
		n, err := vfs.Write(fds, fd, buf)
		if err != nil {
			return errnoFor(err)
		}
		return int64(n)

	case SysRead:
		fd, length := int(a1), a3
		buf := make([]byte, length)
		n, err := vfs.Read(context.Background(), fds, fd, buf)
		if err != nil {
			return errnoFor(err)
		}
		if !writeUserBytes(root, a2, buf[:n]) {
			return errFault
		}
		return int64(n)

	case SysYield:
		proc.Yield()
		return 0

	case SysGetpid:
		return int64(pid)

	case SysSleep:
		ticks := (a1 * config.TickRateHz) / 1000
		proc.Sleep(proc.CurrentTick() + ticks)
		return 0

	case SysOpen:
		path, ok := readUserString(root, a1)
		if !ok {
			return errFault
		}
		fd, err := vfs.Open(fds, resolvePath(pid, path), int(a2))
		if err != nil {
			return errnoFor(err)
		}
		return int64(fd)

	case SysClose:
		if err := vfs.Close(fds, int(a1)); err != nil {
			return errnoFor(err)
		}
		return 0

	case SysLseek:
		off, err := vfs.Lseek(fds, int(a1), int64(a2), int(a3))
		if err != nil {
			return errnoFor(err)
		}
		return off

	case SysStat:
		path, ok := readUserString(root, a1)
		if !ok {
			return errFault
		}
		st, err := vfs.Stat(resolvePath(pid, path))
		if err != nil {
			return errnoFor(err)
		}
		if !writeUserBytes(root, a2, encodeStat(st)) {
			return errFault
		}
		return 0

	case SysFstat:
		st, err := vfs.Fstat(fds, int(a1))
		if err != nil {
			return errnoFor(err)
		}
		if !writeUserBytes(root, a2, encodeStat(st)) {
			return errFault
		}
		return 0

	case SysReaddir:
		entry, ok, err := vfs.ReaddirFD(fds, int(a1), int(a3))
		if err != nil {
			return errnoFor(err)
		}
		if !ok {
			return errNotFound
		}
		if !writeUserBytes(root, a2, encodeDirEntry(entry)) {
			return errFault
		}
		return 0

	case SysGetcwd:
		dir, ok := cwd[pid]
		if !ok || dir == "" {
			dir = "/"
		}
		buf := append([]byte(dir), 0)
		if uint64(len(buf)) > a2 {
			return errInvalid
		}
		if !writeUserBytes(root, a1, buf) {
			return errFault
		}
		return int64(len(dir))

	case SysChdir:
		path, ok := readUserString(root, a1)
		if !ok {
			return errFault
		}
		resolved := resolvePath(pid, path)
		vn, err := vfs.Lookup(resolved)
		if err != nil {
			return errnoFor(err)
		}
		if vn.Type() != vfs.VDir {
			return errNotDir
		}
		cwd[pid] = resolved
		return 0

	default:
		return errNoSys
	}
}
