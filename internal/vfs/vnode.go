package vfs

import "github.com/iansmith/nucleus/internal/config"

type VType int

const (
	VRegular VType = iota
	VDir
	VConsole
)

// Stat is the metadata vfs.Stat/Fstat hand back to a caller.
type Stat struct {
	Ino    uint64
	Type   VType
	Size   int64
	Perm   uint32
	Links  uint32
	Ctime  uint64
	Mtime  uint64
	Atime  uint64
}

// DirEntry is one directory listing row, independent of the on-disk
// directory-entry layout a backend happens to use.
type DirEntry struct {
	Ino  uint64
	Name string
	Type VType
}

// Vnode is the capability set a filesystem backend provides. It is the
// vtable the spec's design notes call for: vfs dispatches through this
// interface and never knows it is, in the core, always talking to the
// RAM filesystem.
type Vnode interface {
	Ino() uint64
	Type() VType
	Read(buf []byte, offset int64) (int, error)
	Write(buf []byte, offset int64) (int, error)
	Lookup(name string) (Vnode, error)
	Create(name string, vtype VType) (Vnode, error)
	Unlink(name string) error
	Readdir(idx int) (DirEntry, bool, error)
	Stat() Stat
	Truncate(size int64) error
}

// vnodeEntry is the cache wrapper around a backend Vnode: refcounted,
// reused by inode number. Per the spec's design note this is an
// arena+index structure (a fixed array, linear-scanned by inode
// number) rather than a pointer graph or a map.
type vnodeEntry struct {
	ino      uint64
	refcount int
	backing  Vnode
}

var vnodeTable [config.MaxVnodes]vnodeEntry

// vnodeGet returns the cached entry for backing's inode number, bumping
// its refcount, or installs backing into a fresh slot with refcount 1
// if no live entry exists yet for that inode.
func vnodeGet(backing Vnode) (*vnodeEntry, error) {
	ino := backing.Ino()
	for i := range vnodeTable {
		if vnodeTable[i].refcount > 0 && vnodeTable[i].ino == ino {
			vnodeTable[i].refcount++
			return &vnodeTable[i], nil
		}
	}
	for i := range vnodeTable {
		if vnodeTable[i].refcount == 0 {
			vnodeTable[i] = vnodeEntry{ino: ino, refcount: 1, backing: backing}
			return &vnodeTable[i], nil
		}
	}
	return nil, ErrNoVnodes
}

func vnodeUnref(e *vnodeEntry) {
	if e == nil {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		*e = vnodeEntry{}
	}
}

// VnodeCacheStats reports live/total vnode cache occupancy, for tests
// and diagnostics.
func VnodeCacheStats() (live, total int) {
	total = len(vnodeTable)
	for i := range vnodeTable {
		if vnodeTable[i].refcount > 0 {
			live++
		}
	}
	return live, total
}
