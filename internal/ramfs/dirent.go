package ramfs

import (
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

// dirEntry is the 64-byte fixed directory entry: a 16-bit inode number
// (256 inodes never need more), an entry type tag, the name's actual
// length, and a 60-byte name field.
type dirEntry struct {
	Ino     uint16
	Type    uint8
	NameLen uint8
	Name    [maxNameLength]byte
}

func entryAddr(block uint64, slot uint64) uint64 {
	return blockAddr(block) + slot*dirEntrySize
}

func entryPtr(block uint64, slot uint64) *dirEntry {
	return (*dirEntry)(physmem.Ptr(vmm.Translate(entryAddr(block, slot))))
}

// forEachEntry walks every occupied slot across rec's direct blocks,
// calling fn(block, slot, entry) until fn returns false or the blocks
// run out. Free (Ino == 0) slots are skipped.
func forEachEntry(rec *onDiskInode, fn func(block, slot uint64, e *dirEntry) bool) {
	for _, blk := range rec.Direct {
		if blk == 0 {
			continue
		}
		for slot := uint64(0); slot < entriesPerBlock; slot++ {
			e := entryPtr(uint64(blk), slot)
			if e.Ino == 0 {
				continue
			}
			if !fn(uint64(blk), slot, e) {
				return
			}
		}
	}
}

// dirLookup returns the inode number of name within rec, or (0, false).
func dirLookup(rec *onDiskInode, name string) (uint32, uint8, bool) {
	var found uint32
	var ftype uint8
	var ok bool
	forEachEntry(rec, func(block, slot uint64, e *dirEntry) bool {
		if entryName(e) == name {
			found, ftype, ok = uint32(e.Ino), e.Type, true
			return false
		}
		return true
	})
	return found, ftype, ok
}

func entryName(e *dirEntry) string {
	return string(e.Name[:e.NameLen])
}

// dirAddEntry installs a new (name -> ino) mapping in rec, growing rec
// with a fresh data block if every existing one is full. The directory
// rec must already have been verified not to contain name.
func dirAddEntry(ino uint32, rec *onDiskInode, name string, childIno uint32, childType uint8) error {
	if len(name) > maxNameLength {
		return vfs.ErrNameTooLong
	}
	for _, blk := range rec.Direct {
		if blk == 0 {
			continue
		}
		for slot := uint64(0); slot < entriesPerBlock; slot++ {
			e := entryPtr(uint64(blk), slot)
			if e.Ino == 0 {
				installEntry(e, childIno, childType, name)
				rec.Size += dirEntrySize
				writeInode(ino, *rec)
				return nil
			}
		}
	}
	// No existing block had room; allocate a new one.
	newBlk, ok := allocBlockLocked()
	if !ok {
		return vfs.ErrNoSpace
	}
	idx := -1
	for i, blk := range rec.Direct {
		if blk == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		freeBlockLocked(newBlk)
		return vfs.ErrNoSpace
	}
	rec.Direct[idx] = uint32(newBlk)
	rec.BlockCount++
	e := entryPtr(newBlk, 0)
	installEntry(e, childIno, childType, name)
	rec.Size += dirEntrySize
	writeInode(ino, *rec)
	return nil
}

func installEntry(e *dirEntry, ino uint32, etype uint8, name string) {
	*e = dirEntry{Ino: uint16(ino), Type: etype, NameLen: uint8(len(name))}
	copy(e.Name[:], name)
}

// dirRemoveEntry clears name's slot in rec, if present, and decrements
// rec's size by one entry record; the caller persists rec.
func dirRemoveEntry(rec *onDiskInode, name string) bool {
	removed := false
	forEachEntry(rec, func(block, slot uint64, e *dirEntry) bool {
		if entryName(e) == name {
			*e = dirEntry{}
			removed = true
			return false
		}
		return true
	})
	if removed && rec.Size >= dirEntrySize {
		rec.Size -= dirEntrySize
	}
	return removed
}

// dirIsEmpty reports whether rec (a directory) has no entries at all.
func dirIsEmpty(rec *onDiskInode) bool {
	empty := true
	forEachEntry(rec, func(block, slot uint64, e *dirEntry) bool {
		empty = false
		return false
	})
	return empty
}

// dirEntryAt returns the idx'th occupied entry in directory order
// (block order, then slot order), or ok=false if idx is past the end.
func dirEntryAt(rec *onDiskInode, idx int) (dirEntry, bool) {
	var result dirEntry
	var found bool
	n := 0
	forEachEntry(rec, func(block, slot uint64, e *dirEntry) bool {
		if n == idx {
			result = *e
			found = true
			return false
		}
		n++
		return true
	})
	return result, found
}
