package pmm

import (
	"testing"

	"github.com/iansmith/nucleus/internal/bootinfo"
)

func initTestArena(t *testing.T) {
	t.Helper()
	Init([]bootinfo.Region{
		{Base: 0x100000, Length: 0x08000000, Type: bootinfo.RegionUsable}, // 128 MiB at 1 MiB
	}, []bootinfo.Reserved{
		{Base: 0, End: 0x100000}, // BIOS low memory
	})
}

func TestInitAccountsUsableMemory(t *testing.T) {
	initTestArena(t)
	st := GetStats()
	wantFrames := uint64(0x08000000 / PageSize)
	if st.TotalFrames != wantFrames {
		t.Errorf("TotalFrames = %d, want %d", st.TotalFrames, wantFrames)
	}
	if st.FreeFrames != wantFrames {
		t.Errorf("FreeFrames = %d, want %d (nothing allocated yet)", st.FreeFrames, wantFrames)
	}
}

func TestLowMemoryNeverAllocated(t *testing.T) {
	initTestArena(t)
	if IsFree(FromAddr(0)) {
		t.Error("frame 0 (BIOS region) must never be free")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	initTestArena(t)
	before := GetStats().FreeFrames

	f, ok := AllocOne()
	if !ok {
		t.Fatal("AllocOne failed on fresh arena")
	}
	if IsFree(f) {
		t.Error("allocated frame reported free")
	}
	FreeOne(f)
	if !IsFree(f) {
		t.Error("freed frame still reported used")
	}
	if GetStats().FreeFrames != before {
		t.Errorf("FreeFrames after round trip = %d, want %d", GetStats().FreeFrames, before)
	}
}

func TestDoubleFreeIsRejectedNotFatal(t *testing.T) {
	initTestArena(t)
	f, _ := AllocOne()
	FreeOne(f)
	FreeOne(f) // must not panic
	if !IsFree(f) {
		t.Error("frame should remain free after a rejected double-free")
	}
}

func TestReserveIsIdempotent(t *testing.T) {
	initTestArena(t)
	f, _ := AllocOne()
	Reserve(f, 1)
	Reserve(f, 1)
	FreeOne(f)
	if !IsFree(f) {
		t.Error("frame should be free after a single free following idempotent reserve")
	}
}

func TestAllocContiguous(t *testing.T) {
	initTestArena(t)
	run, ok := AllocContiguous(8)
	if !ok {
		t.Fatal("AllocContiguous(8) failed")
	}
	for i := Frame(0); i < 8; i++ {
		if IsFree(run + i) {
			t.Errorf("frame %d in run reported free", run+i)
		}
	}
	FreeContiguous(run, 8)
	for i := Frame(0); i < 8; i++ {
		if !IsFree(run + i) {
			t.Errorf("frame %d in run still used after FreeContiguous", run+i)
		}
	}
}

func TestExhaustionReturnsFalseNotPanic(t *testing.T) {
	Init([]bootinfo.Region{
		{Base: 0x100000, Length: PageSize, Type: bootinfo.RegionUsable},
	}, nil)

	f, ok := AllocOne()
	if !ok {
		t.Fatal("first alloc should succeed")
	}
	if _, ok := AllocOne(); ok {
		t.Fatal("second alloc should fail: arena has exactly one usable frame")
	}
	FreeOne(f)
}

func TestHintMovesBackwardOnLowFree(t *testing.T) {
	initTestArena(t)
	a, _ := AllocOne()
	b, _ := AllocOne()
	FreeOne(b)
	FreeOne(a)
	// After freeing the lowest allocated frame, the next alloc should
	// reuse it rather than scan past it.
	c, _ := AllocOne()
	if c != a {
		t.Errorf("expected hint to rewind to %d, got %d", a, c)
	}
}
