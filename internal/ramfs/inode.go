package ramfs

import (
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/vmm"
)

const (
	typeFree = 0
	typeFile = 1
	typeDir  = 2

	// permFile/permDir are the fixed permission bits new inodes are
	// stamped with, since there is no chmod syscall in scope to change
	// them afterward.
	permFile = 0o644
	permDir  = 0o755
)

// onDiskInode is the 128-byte on-disk record: spec.md §3's inode field
// list (type, permission bits, owner/group, size, three timestamps,
// link count, block count, twelve direct block pointers, parent-inode
// hint). Field order keeps the 8-byte-aligned fields (Size and the
// three timestamps) first so the struct's natural layout lands every
// later field on its own aligned offset with no implicit padding
// inserted before it; the trailing pad array is sized so the whole
// record comes out to exactly inodeSize, the same fixed-stride trick
// internal/kheap's block header uses.
type onDiskInode struct {
	Size       uint64
	Ctime      uint64
	Mtime      uint64
	Atime      uint64
	Direct     [DirectPointers]uint32
	Ino        uint32
	Type       uint32
	LinkCount  uint32
	Perm       uint32
	Owner      uint32
	Group      uint32
	BlockCount uint32
	ParentIno  uint32
	pad        [16]byte
}

func permForType(vtype uint8) uint32 {
	if vtype == typeDir {
		return permDir
	}
	return permFile
}

func inodeAddr(ino uint32) uint64 {
	block := inodeTableStart + uint64(ino)/inodesPerBlock
	slot := uint64(ino) % inodesPerBlock
	return blockAddr(block) + slot*inodeSize
}

func inodePtr(ino uint32) *onDiskInode {
	return (*onDiskInode)(physmem.Ptr(vmm.Translate(inodeAddr(ino))))
}

func readInode(ino uint32) onDiskInode { return *inodePtr(ino) }

func writeInode(ino uint32, rec onDiskInode) {
	rec.Ino = ino
	*inodePtr(ino) = rec
}
