package vfs

import (
	"context"

	"github.com/iansmith/nucleus/internal/config"
	"github.com/iansmith/nucleus/internal/console"
)

// openFlags mirror the subset of POSIX open(2) flags the spec names.
const (
	ORdonly = 0x0
	OWronly = 0x1
	ORdwr   = 0x2
	OCreat  = 0x0100
	OTrunc  = 0x0200
	OAppend = 0x0400
)

const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// File is a system-wide open-file entry: the thing a process's FD slots
// point at, shared across fork-like duplication (Clone). It lives in a
// fixed array so its address is stable for the lifetime of the kernel,
// following the same arena-over-pointer-graph shape as the vnode cache
// and the PCB table.
type File struct {
	inUse    bool
	refcount int
	flags    int
	offset   int64
	vn       *vnodeEntry
	ftype    VType
}

var fileTable [config.MaxOpenFiles]File

// stdin/stdout/stderr are permanent console files, installed once and
// never freed; unrefFile recognizes them by address identity and
// refuses to tear them down.
var (
	stdinFile  *File
	stdoutFile *File
	stderrFile *File
)

func init() {
	stdinFile = installConsoleFile(ORdonly)
	stdoutFile = installConsoleFile(OWronly)
	stderrFile = installConsoleFile(OWronly)
}

func installConsoleFile(flags int) *File {
	for i := range fileTable {
		if !fileTable[i].inUse {
			fileTable[i] = File{inUse: true, refcount: 1, flags: flags, ftype: VConsole}
			return &fileTable[i]
		}
	}
	panic("vfs: file table too small for stdio")
}

func allocFile(vn *vnodeEntry, ftype VType, flags int) (*File, error) {
	for i := range fileTable {
		if !fileTable[i].inUse {
			fileTable[i] = File{inUse: true, refcount: 1, flags: flags, vn: vn, ftype: ftype}
			return &fileTable[i], nil
		}
	}
	return nil, ErrNoSpace
}

func refFile(f *File) { f.refcount++ }

func unrefFile(f *File) {
	if f == stdinFile || f == stdoutFile || f == stderrFile {
		return
	}
	f.refcount--
	if f.refcount <= 0 {
		if f.vn != nil {
			vnodeUnref(f.vn)
		}
		*f = File{}
	}
}

// FDTable is a process's fixed-size file-descriptor table, per the
// spec's "fixed array, not a map" sizing note (config.MaxFDsPerProcess).
type FDTable struct {
	slots [config.MaxFDsPerProcess]*File
}

// NewFDTable builds a fresh table with fd 0/1/2 pre-wired to the
// console's stdio files.
func NewFDTable() *FDTable {
	t := &FDTable{}
	t.slots[0] = stdinFile
	t.slots[1] = stdoutFile
	t.slots[2] = stderrFile
	refFile(stdinFile)
	refFile(stdoutFile)
	refFile(stderrFile)
	return t
}

// Alloc installs f at the lowest free descriptor, or returns ErrNoSpace
// if the table is full.
func (t *FDTable) Alloc(f *File) (int, error) {
	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[i] = f
			return i, nil
		}
	}
	return -1, ErrNoSpace
}

// Get returns the File behind fd, or ErrBadFD.
func (t *FDTable) Get(fd int) (*File, error) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, ErrBadFD
	}
	return t.slots[fd], nil
}

// Close drops fd from the table, unref'ing its backing File.
func (t *FDTable) Close(fd int) error {
	f, err := t.Get(fd)
	if err != nil {
		return err
	}
	unrefFile(f)
	t.slots[fd] = nil
	return nil
}

// Clone produces a child table sharing every open File (bumping
// refcounts), as a forked process's FD table would.
func (t *FDTable) Clone() *FDTable {
	c := &FDTable{}
	for i, f := range t.slots {
		if f != nil {
			refFile(f)
			c.slots[i] = f
		}
	}
	return c
}

// Destroy closes every live descriptor in the table, for process exit.
func (t *FDTable) Destroy() {
	for i := range t.slots {
		if t.slots[i] != nil {
			unrefFile(t.slots[i])
			t.slots[i] = nil
		}
	}
}

// readConsole/writeConsole let vfs.Read/Write dispatch FD operations on
// a console File without vfs needing to know console's blocking details
// beyond the context it is handed.
func readConsole(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	b, err := console.ReadByte(ctx)
	if err != nil {
		return 0, err
	}
	buf[0] = b
	return 1, nil
}

func writeConsole(buf []byte) (int, error) {
	console.Write(string(buf))
	return len(buf), nil
}
