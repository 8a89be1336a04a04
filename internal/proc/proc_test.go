package proc

import "testing"

func noop(arg uint64) {}

func TestInitCreatesIdleAtIndexZero(t *testing.T) {
	Init()
	if table[0].PID != 0 {
		t.Errorf("idle PID = %d, want 0", table[0].PID)
	}
	if !table[0].IsIdle() || !table[0].IsKernel() {
		t.Error("idle PCB missing Idle/Kernel flags")
	}
	if table[0].State != Ready {
		t.Errorf("idle state = %v, want Ready", table[0].State)
	}
	if ReadyCount() != 0 {
		t.Errorf("ReadyCount() = %d, want 0 (idle never enqueued)", ReadyCount())
	}
}

func TestCreateAssignsIncreasingPIDsAndEnqueues(t *testing.T) {
	Init()
	p1 := Create("a", noop, 0)
	p2 := Create("b", noop, 0)
	if p1 == 0 || p2 == 0 {
		t.Fatal("Create returned 0 pid")
	}
	if p2 != p1+1 {
		t.Errorf("pids not increasing: %d then %d", p1, p2)
	}
	if ReadyCount() != 2 {
		t.Errorf("ReadyCount() = %d, want 2", ReadyCount())
	}
}

func TestLookupFindsByPID(t *testing.T) {
	Init()
	pid := Create("x", noop, 0)
	pcb := Lookup(pid)
	if pcb == nil || pcb.Name != "x" {
		t.Fatalf("Lookup(%d) = %+v", pid, pcb)
	}
	if Lookup(9999) != nil {
		t.Error("Lookup of unknown pid should return nil")
	}
}

func TestRunQueueIsFIFO(t *testing.T) {
	Init()
	p1 := Create("first", noop, 0)
	p2 := Create("second", noop, 0)
	p3 := Create("third", noop, 0)

	Schedule() // idle -> first
	if Current().PID != p1 {
		t.Fatalf("after first schedule, current = %d, want %d", Current().PID, p1)
	}
	Schedule() // first -> second (first re-enqueued behind third)
	if Current().PID != p2 {
		t.Fatalf("after second schedule, current = %d, want %d", Current().PID, p2)
	}
	Schedule() // second -> third
	if Current().PID != p3 {
		t.Fatalf("after third schedule, current = %d, want %d", Current().PID, p3)
	}
	Schedule() // third -> first (wrapped back around)
	if Current().PID != p1 {
		t.Fatalf("after fourth schedule, current = %d, want %d (wraparound)", Current().PID, p1)
	}
}

func TestScheduleToSelfOnlyRefillsSlice(t *testing.T) {
	Init()
	Create("solo", noop, 0)
	Schedule()
	solo := Current()
	solo.SliceRemaining = 1

	Schedule() // only solo is ready; should pick itself back up
	if Current().PID != solo.PID {
		t.Fatalf("current changed unexpectedly: %d", Current().PID)
	}
	if Current().SliceRemaining != TimeSliceTicksForTest() {
		t.Errorf("SliceRemaining = %d, want refilled", Current().SliceRemaining)
	}
}

// TimeSliceTicksForTest exposes the configured slice length to this
// test file without importing internal/config twice for one constant.
func TimeSliceTicksForTest() int { return table[0].SliceRemaining }

func TestBlockAndUnblock(t *testing.T) {
	Init()
	pid := Create("blocker", noop, 0)
	Schedule() // idle -> blocker
	if Current().PID != pid {
		t.Fatalf("setup: current = %d, want %d", Current().PID, pid)
	}

	Block()
	if Lookup(pid).State != Blocked {
		t.Fatalf("state after Block = %v, want Blocked", Lookup(pid).State)
	}
	if ReadyCount() != 0 {
		t.Errorf("ReadyCount() after Block = %d, want 0", ReadyCount())
	}

	Unblock(pid)
	if Lookup(pid).State != Ready {
		t.Errorf("state after Unblock = %v, want Ready", Lookup(pid).State)
	}
	if ReadyCount() != 1 {
		t.Errorf("ReadyCount() after Unblock = %d, want 1", ReadyCount())
	}
}

func TestSleepAndWakeSleeping(t *testing.T) {
	Init()
	pid := Create("sleeper", noop, 0)
	Schedule()
	Sleep(100)

	if Lookup(pid).State != Blocked {
		t.Fatalf("state after Sleep = %v, want Blocked", Lookup(pid).State)
	}

	WakeSleeping(50)
	if Lookup(pid).State != Blocked {
		t.Fatalf("woke too early: state = %v", Lookup(pid).State)
	}

	WakeSleeping(100)
	if Lookup(pid).State != Ready {
		t.Errorf("state after wake-tick reached = %v, want Ready", Lookup(pid).State)
	}
}

func TestExitTerminatesAndSlotIsReused(t *testing.T) {
	Init()
	pid := Create("doomed", noop, 0)
	doomedIdx := indexByPID(pid)
	Schedule()
	Exit(7)

	doomed := Lookup(pid)
	if doomed.State != Terminated {
		t.Fatalf("state after Exit = %v, want Terminated", doomed.State)
	}
	if doomed.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", doomed.ExitCode)
	}

	newPid := Create("reuser", noop, 0)
	idx := indexByPID(newPid)
	if idx != doomedIdx {
		t.Errorf("Create used slot %d, want terminated slot %d", idx, doomedIdx)
	}
	if table[idx].Name != "reuser" {
		t.Errorf("slot not reused cleanly: %+v", table[idx])
	}
}

func TestTickPreemptsAfterSliceExpires(t *testing.T) {
	Init()
	p1 := Create("a", noop, 0)
	Create("b", noop, 0)
	Schedule() // idle -> a
	if Current().PID != p1 {
		t.Fatalf("setup: current = %d, want %d", Current().PID, p1)
	}

	for i := 0; i < TimeSliceTicksForTest()-1; i++ {
		Tick(uint64(i + 1))
		if Current().PID != p1 {
			t.Fatalf("preempted early at tick %d", i+1)
		}
	}
	Tick(uint64(TimeSliceTicksForTest()))
	if Current().PID == p1 {
		t.Error("did not preempt after slice expired")
	}
}

func TestTickNeverPreemptsIntoIdleWhenQueueEmpty(t *testing.T) {
	Init()
	Create("solo", noop, 0)
	Schedule()
	solo := Current().PID

	for i := 0; i < TimeSliceTicksForTest()*3; i++ {
		Tick(uint64(i + 1))
	}
	if Current().PID != solo {
		t.Errorf("current = %d, want %d (only ready process)", Current().PID, solo)
	}
}
