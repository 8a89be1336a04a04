// Package ramfs is the in-memory RAM filesystem (component H): a
// single contiguous physical region formatted with a superblock,
// fixed-size inode table, and data blocks, implementing vfs.Vnode so
// internal/vfs can dispatch through it without knowing it is the only
// backend this kernel has.
//
// Grounded on spec.md §4.H's layout description (superblock at block 0,
// fixed inode table, direct-block-pointer files, fixed-size directory
// entries) transcribed directly, since no pack repo implements an
// on-disk filesystem; the struct-overlay-onto-memory technique
// (onDiskInode/dirEntry cast through unsafe.Pointer at a computed
// block offset) follows internal/kheap's own block-header style, the
// teacher's idiom for anything that must be read back byte-for-byte
// from a simulated memory region.
package ramfs

import (
	"sync"
	"unsafe"

	"github.com/iansmith/nucleus/internal/config"
	"github.com/iansmith/nucleus/internal/physmem"
	"github.com/iansmith/nucleus/internal/pmm"
	"github.com/iansmith/nucleus/internal/proc"
	"github.com/iansmith/nucleus/internal/vfs"
	"github.com/iansmith/nucleus/internal/vmm"
)

const (
	// BlockSize is the RAM disk's block granularity.
	BlockSize = 4096

	superBlockNum = 0

	inodeTableStart  = 1
	inodeTableBlocks = 8
	inodesPerBlock   = BlockSize / inodeSize
	inodeSize        = 128
	// MaxInodes bounds how many files+directories the filesystem can
	// hold at once.
	MaxInodes = inodeTableBlocks * inodesPerBlock

	dataBlockStart = inodeTableStart + inodeTableBlocks

	// DirectPointers is how many data blocks an inode addresses
	// directly -- the only addressing mode this filesystem has.
	DirectPointers = 12
	// MaxFileSize is the largest a single file may grow.
	MaxFileSize = DirectPointers * BlockSize

	dirEntrySize    = 64
	maxNameLength   = 60
	entriesPerBlock = BlockSize / dirEntrySize
)

// superblock occupies block 0 in its entirety. Its two bitmaps are
// sized for the whole filesystem's worst case (every inode, every
// block) regardless of the configured disk size, which is always
// <= their bit capacity (config.RAMDiskBlocks is validated against
// len(blockBitmap)*8 in Init).
type superblock struct {
	Magic           [4]byte
	TotalBlocks     uint32
	TotalInodes     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	RootIno         uint32
	_               uint32
	InodeBitmap     [MaxInodes / 8]byte
	BlockBitmap     [4096 / 8]byte
}

var sbMagic = [4]byte{'R', 'A', 'M', 'F'}

var (
	mu          sync.Mutex
	virtBase    uint64
	totalBlocks uint64
	initialized bool
)

func blockAddr(n uint64) uint64 { return virtBase + n*BlockSize }

func blockPtr(n uint64) unsafe.Pointer {
	return physmem.Ptr(vmm.Translate(blockAddr(n)))
}

func sb() *superblock { return (*superblock)(blockPtr(superBlockNum)) }

// mapDisk backs [virt, virt+size) with one contiguous physical run, the
// same technique internal/kheap's mapWindow uses for its heap windows,
// so the whole disk is one physically contiguous region and each
// block's physmem.Bytes slice is valid.
func mapDisk(virt, size uint64) bool {
	pages := size / pmm.PageSize
	run, ok := pmm.AllocContiguous(pages)
	if !ok {
		return false
	}
	if !vmm.MapRange(virt, run.Addr(), size, vmm.KernelFlags) {
		pmm.FreeContiguous(run, pages)
		return false
	}
	physmem.Zero(run.Addr(), size)
	return true
}

// Init formats a fresh RAM filesystem at the given kernel virtual
// address and returns its root directory vnode. Called once at boot by
// cmd/kernel, before internal/vfs.Init wires the root in.
func Init(virt uint64) (vfs.Vnode, bool) {
	mu.Lock()
	defer mu.Unlock()

	size := uint64(config.RAMDiskBlocks) * BlockSize
	if config.RAMDiskBlocks > len(superblock{}.BlockBitmap)*8 {
		return nil, false
	}
	if !mapDisk(virt, size) {
		return nil, false
	}
	virtBase = virt
	totalBlocks = uint64(config.RAMDiskBlocks)

	s := sb()
	*s = superblock{
		Magic:           sbMagic,
		TotalBlocks:     uint32(totalBlocks),
		TotalInodes:     uint32(MaxInodes),
		FreeBlocksCount: uint32(totalBlocks) - dataBlockStart,
		FreeInodesCount: uint32(MaxInodes),
	}
	// Blocks [0, dataBlockStart) hold the superblock and inode table and
	// are permanently reserved.
	for b := uint64(0); b < dataBlockStart; b++ {
		setBit(s.BlockBitmap[:], uint32(b))
	}

	rootIno, ok := allocInodeLocked(typeDir, 0)
	if !ok {
		initialized = false
		return nil, false
	}
	root := readInode(rootIno)
	root.LinkCount = 2
	root.ParentIno = rootIno
	writeInode(rootIno, root)
	s.RootIno = rootIno

	initialized = true
	return &vnode{ino: rootIno}, true
}

func bitSet(bitmap []byte, bit uint32) bool {
	return bitmap[bit/8]&(1<<(bit%8)) != 0
}

func setBit(bitmap []byte, bit uint32) { bitmap[bit/8] |= 1 << (bit % 8) }

func clearBit(bitmap []byte, bit uint32) { bitmap[bit/8] &^= 1 << (bit % 8) }

// allocBlockLocked finds a free data block, marks it used, and returns
// its block number. Caller holds mu.
func allocBlockLocked() (uint64, bool) {
	s := sb()
	for b := uint32(dataBlockStart); b < uint32(totalBlocks); b++ {
		if !bitSet(s.BlockBitmap[:], b) {
			setBit(s.BlockBitmap[:], b)
			s.FreeBlocksCount--
			physmem.Zero(vmm.Translate(blockAddr(uint64(b))), BlockSize)
			return uint64(b), true
		}
	}
	return 0, false
}

func freeBlockLocked(b uint64) {
	s := sb()
	if b < dataBlockStart || b >= totalBlocks {
		return
	}
	if !bitSet(s.BlockBitmap[:], uint32(b)) {
		return
	}
	clearBit(s.BlockBitmap[:], uint32(b))
	s.FreeBlocksCount++
}

// allocInodeLocked finds a free inode slot, marks it used, and
// initializes its on-disk record: type, permissions based on type,
// timestamps from the tick source, link count (2 for a directory --
// its own "." plus the entry its parent will hold; 1 for a file), and
// the parent-inode hint. Caller holds mu.
func allocInodeLocked(vtype uint8, parentIno uint32) (uint32, bool) {
	s := sb()
	for i := uint32(0); i < uint32(MaxInodes); i++ {
		if !bitSet(s.InodeBitmap[:], i) {
			setBit(s.InodeBitmap[:], i)
			s.FreeInodesCount--
			linkCount := uint32(1)
			if vtype == typeDir {
				linkCount = 2
			}
			now := proc.CurrentTick()
			writeInode(i, onDiskInode{
				Type:      uint32(vtype),
				Perm:      permForType(vtype),
				LinkCount: linkCount,
				ParentIno: parentIno,
				Ctime:     now,
				Mtime:     now,
				Atime:     now,
			})
			return i, true
		}
	}
	return 0, false
}

func freeInodeLocked(ino uint32) {
	s := sb()
	if !bitSet(s.InodeBitmap[:], ino) {
		return
	}
	rec := readInode(ino)
	for _, blk := range rec.Direct {
		if blk != 0 {
			freeBlockLocked(uint64(blk))
		}
	}
	writeInode(ino, onDiskInode{})
	clearBit(s.InodeBitmap[:], ino)
	s.FreeInodesCount++
}

// Initialized reports whether Init has formatted a filesystem.
func Initialized() bool { return initialized }

// Stats is a diagnostic snapshot of filesystem occupancy.
type Stats struct {
	TotalBlocks, FreeBlocks int
	TotalInodes, FreeInodes int
}

func GetStats() Stats {
	mu.Lock()
	defer mu.Unlock()
	s := sb()
	return Stats{
		TotalBlocks: int(s.TotalBlocks),
		FreeBlocks:  int(s.FreeBlocksCount),
		TotalInodes: int(s.TotalInodes),
		FreeInodes:  int(s.FreeInodesCount),
	}
}
