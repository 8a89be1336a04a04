// Package vfs is the virtual filesystem layer (component G): vnode
// dispatch over a pluggable backend, a system-wide open-file table, and
// per-process file-descriptor tables. It never imports a concrete
// backend; ramfs implements Vnode and is wired in by cmd/kernel through
// Init, keeping the dependency one-way the way the teacher keeps
// internal/vmm ignorant of internal/kheap despite kheap sitting on top
// of it.
package vfs

import (
	"context"
	"strings"
)

var root Vnode

// Init installs the filesystem root, normally a ramfs root directory.
func Init(r Vnode) { root = r }

// normalize turns an arbitrary path (absolute or relative-to-root,
// since the kernel has no working-directory concept below the process
// level yet) into a clean, absolute, slash-separated form: "." and ".."
// segments resolved, duplicate separators collapsed, and the trailing
// separator stripped except for the root itself.
func normalize(path string) string {
	if path == "" {
		path = "/"
	}
	parts := strings.Split(path, "/")
	var out []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, p)
		}
	}
	return "/" + strings.Join(out, "/")
}

func split(path string) (dir, base string) {
	clean := normalize(path)
	if clean == "/" {
		return "/", ""
	}
	idx := strings.LastIndex(clean, "/")
	if idx == 0 {
		return "/", clean[1:]
	}
	return clean[:idx], clean[idx+1:]
}

// Lookup resolves an absolute path to its vnode.
func Lookup(path string) (Vnode, error) {
	clean := normalize(path)
	if clean == "/" {
		return root, nil
	}
	cur := root
	for _, seg := range strings.Split(clean[1:], "/") {
		if len(seg) > 60 {
			return nil, ErrNameTooLong
		}
		next, err := cur.Lookup(seg)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// LookupParent resolves path's containing directory plus its final
// component, without requiring the final component to exist -- the
// shape Create/Unlink/Mkdir need.
func LookupParent(path string) (Vnode, string, error) {
	dir, base := split(path)
	parent, err := Lookup(dir)
	if err != nil {
		return nil, "", err
	}
	if parent.Type() != VDir {
		return nil, "", ErrNotDir
	}
	return parent, base, nil
}

// Open resolves path per flags (OCreat/OTrunc/OAppend honored) and
// installs it as a new descriptor in fds, returning the fd number.
func Open(fds *FDTable, path string, flags int) (int, error) {
	vn, err := Lookup(path)
	if err == ErrNotFound && flags&OCreat != 0 {
		parent, name, perr := LookupParent(path)
		if perr != nil {
			return -1, perr
		}
		vn, err = parent.Create(name, VRegular)
	}
	if err != nil {
		return -1, err
	}
	if vn.Type() == VDir && (flags&(OWronly|ORdwr) != 0) {
		return -1, ErrIsDir
	}
	if flags&OTrunc != 0 && vn.Type() == VRegular {
		if err := vn.Truncate(0); err != nil {
			return -1, err
		}
	}

	ve, err := vnodeGet(vn)
	if err != nil {
		return -1, err
	}
	f, err := allocFile(ve, vn.Type(), flags)
	if err != nil {
		vnodeUnref(ve)
		return -1, err
	}
	if flags&OAppend != 0 {
		f.offset = vn.Stat().Size
	}

	fd, err := fds.Alloc(f)
	if err != nil {
		unrefFile(f)
		return -1, err
	}
	return fd, nil
}

// OpenConsole installs a raw console file (used internally for stdio
// wiring and tests; regular callers reach the console through fd 0-2
// already pre-wired by NewFDTable).
func OpenConsole(fds *FDTable, flags int) (int, error) {
	f, err := allocFile(nil, VConsole, flags)
	if err != nil {
		return -1, err
	}
	fd, err := fds.Alloc(f)
	if err != nil {
		unrefFile(f)
		return -1, err
	}
	return fd, nil
}

// Close releases fd.
func Close(fds *FDTable, fd int) error {
	return fds.Close(fd)
}

// Read reads into buf from fd's current offset, advancing it. Console
// reads block on ctx via the keyboard ring buffer; console fds ignore
// offset entirely, per the spec's "console is a byte stream, not a
// seekable file" note.
func Read(ctx context.Context, fds *FDTable, fd int, buf []byte) (int, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.flags&(OWronly) != 0 {
		return 0, ErrInvalid
	}
	if f.ftype == VConsole {
		return readConsole(ctx, buf)
	}
	n, err := f.vn.backing.Read(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes buf to fd at its current offset, advancing it.
func Write(fds *FDTable, fd int, buf []byte) (int, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.flags&(ORdonly) != 0 && f.flags&(OWronly|ORdwr) == 0 {
		return 0, ErrInvalid
	}
	if f.ftype == VConsole {
		return writeConsole(buf)
	}
	if f.flags&OAppend != 0 {
		f.offset = f.vn.backing.Stat().Size
	}
	n, err := f.vn.backing.Write(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// Lseek repositions fd's offset. Console fds reject seeking.
func Lseek(fds *FDTable, fd int, offset int64, whence int) (int64, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.ftype == VConsole {
		return 0, ErrInvalid
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = f.vn.backing.Stat().Size
	default:
		return 0, ErrInvalid
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, ErrInvalid
	}
	f.offset = newOff
	return newOff, nil
}

// Stat resolves path and returns its metadata.
func Stat(path string) (Stat, error) {
	vn, err := Lookup(path)
	if err != nil {
		return Stat{}, err
	}
	return vn.Stat(), nil
}

// Fstat returns the metadata of an already-open fd.
func Fstat(fds *FDTable, fd int) (Stat, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return Stat{}, err
	}
	if f.ftype == VConsole {
		return Stat{Type: VConsole}, nil
	}
	return f.vn.backing.Stat(), nil
}

// ReaddirFD is Readdir for an already-open directory fd, the form the
// readdir syscall uses (it takes an fd, not a path). It synthesizes the
// "." entry at index 0 exactly as the path-based form does.
func ReaddirFD(fds *FDTable, fd int, idx int) (DirEntry, bool, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return DirEntry{}, false, err
	}
	if f.ftype != VDir {
		return DirEntry{}, false, ErrNotDir
	}
	if idx == 0 {
		return DirEntry{Ino: f.vn.backing.Ino(), Name: ".", Type: VDir}, true, nil
	}
	return f.vn.backing.Readdir(idx - 1)
}

// Mkdir creates an empty directory at path.
func Mkdir(path string) error {
	parent, name, err := LookupParent(path)
	if err != nil {
		return err
	}
	_, err = parent.Create(name, VDir)
	return err
}

// Create creates a regular file at path without opening it.
func Create(path string) error {
	parent, name, err := LookupParent(path)
	if err != nil {
		return err
	}
	_, err = parent.Create(name, VRegular)
	return err
}

// Unlink removes the directory entry at path.
func Unlink(path string) error {
	parent, name, err := LookupParent(path)
	if err != nil {
		return err
	}
	return parent.Unlink(name)
}

// Readdir resolves path as a directory and returns its idx'th entry,
// including the synthesized "." entry at index 0 (per the design note:
// ramfs does not special-case "." in its own directory blocks, vfs
// supplies it uniformly for every directory it dispatches through).
func Readdir(path string, idx int) (DirEntry, bool, error) {
	vn, err := Lookup(path)
	if err != nil {
		return DirEntry{}, false, err
	}
	if vn.Type() != VDir {
		return DirEntry{}, false, ErrNotDir
	}
	if idx == 0 {
		return DirEntry{Ino: vn.Ino(), Name: ".", Type: VDir}, true, nil
	}
	return vn.Readdir(idx - 1)
}

// MaxNameLength is the longest directory-entry name the backend
// supports, surfaced so callers (and tests) can validate before
// attempting a Create/Mkdir that would otherwise fail deep in ramfs.
const MaxNameLength = 60
