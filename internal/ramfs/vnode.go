package ramfs

import (
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/proc"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

// vnode is ramfs's implementation of vfs.Vnode: a thin handle carrying
// only an inode number, since every other field lives in the on-disk
// record and is re-read on each call rather than cached.
type vnode struct {
	ino uint32
}

func toVType(t uint8) vfs.VType {
	if t == typeDir {
		return vfs.VDir
	}
	return vfs.VRegular
}

func fromVType(t vfs.VType) uint8 {
	if t == vfs.VDir {
		return typeDir
	}
	return typeFile
}

func (v *vnode) Ino() uint64 { return uint64(v.ino) }

func (v *vnode) Type() vfs.VType {
	rec := readInode(v.ino)
	return toVType(rec.Type)
}

func (v *vnode) Stat() vfs.Stat {
	rec := readInode(v.ino)
	return vfs.Stat{
		Ino:   uint64(v.ino),
		Type:  toVType(rec.Type),
		Size:  int64(rec.Size),
		Perm:  rec.Perm,
		Links: rec.LinkCount,
		Ctime: rec.Ctime,
		Mtime: rec.Mtime,
		Atime: rec.Atime,
	}
}

// Read copies into buf from offset, returning 0 bytes past end-of-file
// per the sparse-read convention most simple filesystems use, rather
// than an error.
func (v *vnode) Read(buf []byte, offset int64) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeFile {
		return 0, vfs.ErrIsDir
	}
	rec.Atime = proc.CurrentTick()
	defer func() { writeInode(v.ino, rec) }()
	if offset < 0 || offset >= int64(rec.Size) {
		return 0, nil
	}
	remaining := int64(rec.Size) - offset
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	total := 0
	for len(buf) > 0 {
		blkIdx := uint64(offset) / BlockSize
		blkOff := uint64(offset) % BlockSize
		if blkIdx >= DirectPointers {
			break
		}
		var n int
		if rec.Direct[blkIdx] == 0 {
			// A block never written within the file's size reads as zeros.
			n = int(BlockSize - blkOff)
			if n > len(buf) {
				n = len(buf)
			}
			clear(buf[:n])
		} else {
			n = copy(buf, blockBytes(uint64(rec.Direct[blkIdx]))[blkOff:])
		}
		buf = buf[n:]
		offset += int64(n)
		total += n
	}
	return total, nil
}

func blockBytes(b uint64) []byte {
	return physmem.Bytes(vmm.Translate(blockAddr(b)), BlockSize)
}

// Write writes buf at offset, allocating new direct blocks as needed.
// Files are capped at MaxFileSize (DirectPointers blocks); a write that
// would exceed it is truncated to what fits, consistent with the
// filesystem having no indirect-block addressing mode.
func (v *vnode) Write(buf []byte, offset int64) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeFile {
		return 0, vfs.ErrIsDir
	}
	if offset < 0 {
		return 0, vfs.ErrInvalid
	}
	if offset >= MaxFileSize {
		return 0, vfs.ErrNoSpace
	}
	if offset+int64(len(buf)) > MaxFileSize {
		buf = buf[:MaxFileSize-offset]
	}

	total := 0
	for len(buf) > 0 {
		blkIdx := uint64(offset) / BlockSize
		blkOff := uint64(offset) % BlockSize
		if rec.Direct[blkIdx] == 0 {
			nb, ok := allocBlockLocked()
			if !ok {
				break
			}
			rec.Direct[blkIdx] = uint32(nb)
			rec.BlockCount++
		}
		n := copy(blockBytes(uint64(rec.Direct[blkIdx]))[blkOff:], buf)
		buf = buf[n:]
		offset += int64(n)
		total += n
	}
	now := proc.CurrentTick()
	rec.Mtime = now
	rec.Atime = now
	if uint64(offset) > rec.Size {
		rec.Size = uint64(offset)
	}
	writeInode(v.ino, rec)
	if total == 0 && len(buf) > 0 {
		return 0, vfs.ErrNoSpace
	}
	return total, nil
}

// Truncate sets the file's size, freeing any direct blocks past the
// new size (growth zero-fills by simply advancing Size; blocks within
// the new size that were never allocated read back as zero through
// Read, and allocBlockLocked zeroes blocks at allocation time).
func (v *vnode) Truncate(size int64) error {
	mu.Lock()
	defer mu.Unlock()
	if size < 0 || size > MaxFileSize {
		return vfs.ErrInvalid
	}
	rec := readInode(v.ino)
	if rec.Type != typeFile {
		return vfs.ErrIsDir
	}
	newBlocks := (uint64(size) + BlockSize - 1) / BlockSize
	for i := newBlocks; i < DirectPointers; i++ {
		if rec.Direct[i] != 0 {
			freeBlockLocked(uint64(rec.Direct[i]))
			rec.Direct[i] = 0
			rec.BlockCount--
		}
	}
	rec.Size = uint64(size)
	rec.Mtime = proc.CurrentTick()
	writeInode(v.ino, rec)
	return nil
}

func (v *vnode) Lookup(name string) (vfs.Vnode, error) {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeDir {
		return nil, vfs.ErrNotDir
	}
	ino, _, ok := dirLookup(&rec, name)
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return &vnode{ino: ino}, nil
}

func (v *vnode) Create(name string, vtype vfs.VType) (vfs.Vnode, error) {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeDir {
		return nil, vfs.ErrNotDir
	}
	if len(name) > maxNameLength {
		return nil, vfs.ErrNameTooLong
	}
	if _, _, exists := dirLookup(&rec, name); exists {
		return nil, vfs.ErrExists
	}

	childIno, ok := allocInodeLocked(fromVType(vtype), v.ino)
	if !ok {
		return nil, vfs.ErrNoSpace
	}

	if err := dirAddEntry(v.ino, &rec, name, childIno, fromVType(vtype)); err != nil {
		freeInodeLocked(childIno)
		return nil, err
	}
	// allocInodeLocked already stamped the child's own link count (2 for
	// a directory -- its entry in this directory plus its own "."; 1 for
	// a file); per the
	// open-question decision this package also owns the parent's link-
	// count bump for the child's ".." back-reference, and only for a
	// directory child (a regular file never bumps its parent's link
	// count).
	if vtype == vfs.VDir {
		parent := readInode(v.ino)
		parent.LinkCount++
		writeInode(v.ino, parent)
	}
	return &vnode{ino: childIno}, nil
}

func (v *vnode) Unlink(name string) error {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeDir {
		return vfs.ErrNotDir
	}
	childIno, childType, ok := dirLookup(&rec, name)
	if !ok {
		return vfs.ErrNotFound
	}
	if childType == typeDir {
		childRec := readInode(childIno)
		if !dirIsEmpty(&childRec) {
			return vfs.ErrDirNotEmpty
		}
	}
	if !dirRemoveEntry(&rec, name) {
		return vfs.ErrNotFound
	}
	writeInode(v.ino, rec)
	freeInodeLocked(childIno)
	if childType == typeDir {
		parent := readInode(v.ino)
		if parent.LinkCount > 0 {
			parent.LinkCount--
		}
		writeInode(v.ino, parent)
	}
	return nil
}

func (v *vnode) Readdir(idx int) (vfs.DirEntry, bool, error) {
	mu.Lock()
	defer mu.Unlock()
	rec := readInode(v.ino)
	if rec.Type != typeDir {
		return vfs.DirEntry{}, false, vfs.ErrNotDir
	}
	e, ok := dirEntryAt(&rec, idx)
	if !ok {
		return vfs.DirEntry{}, false, nil
	}
	return vfs.DirEntry{Ino: uint64(e.Ino), Name: entryName(&e), Type: toVType(e.Type)}, true, nil
}
