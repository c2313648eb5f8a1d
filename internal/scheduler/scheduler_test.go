package scheduler

import (
	"testing"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/proc"
)

// fakeArch is a minimal archiface.Arch recording calls relevant to
// scheduler behavior; the MMU-facing operations are unused by this package
// and panic if ever called, so a mistaken wiring shows up immediately.
type fakeArch struct {
	beforeRuns   int
	afterRan     int
	fpuEnabled   int
	fpuDisabled  int
	fpuInited    int
	fpuSaved     []*archiface.FPUContext
	fpuRestored  []*archiface.FPUContext
	swaps        [][2]*archiface.Context
}

func (f *fakeArch) ContextSave(*archiface.Context) bool        { return false }
func (f *fakeArch) ContextRestore(*archiface.Context)          {}
func (f *fakeArch) ContextSwap(from, to *archiface.Context) {
	f.swaps = append(f.swaps, [2]*archiface.Context{from, to})
}
func (f *fakeArch) FPUContextSave(c *archiface.FPUContext)    { f.fpuSaved = append(f.fpuSaved, c) }
func (f *fakeArch) FPUContextRestore(c *archiface.FPUContext) { f.fpuRestored = append(f.fpuRestored, c) }
func (f *fakeArch) FPUInit()                                  { f.fpuInited++ }
func (f *fakeArch) FPUEnable()                                { f.fpuEnabled++ }
func (f *fakeArch) FPUDisable()                               { f.fpuDisabled++ }
func (f *fakeArch) ASInstallArch(uintptr, archiface.ASID)     {}
func (f *fakeArch) BeforeThreadRunsArch()                     { f.beforeRuns++ }
func (f *fakeArch) AfterThreadRanArch()                       { f.afterRan++ }
func (f *fakeArch) TLBInvalidatePage(archiface.ASID, uintptr) {}
func (f *fakeArch) TLBInvalidateASID(archiface.ASID)          {}
func (f *fakeArch) TLBInvalidateAll()                         {}
func (f *fakeArch) PTInsert(uintptr, uintptr, uintptr, uint32) error {
	panic("not used by scheduler tests")
}
func (f *fakeArch) PTRemove(uintptr, uintptr) error { panic("not used by scheduler tests") }
func (f *fakeArch) PTFind(uintptr, uintptr) (archiface.PTE, bool) {
	panic("not used by scheduler tests")
}
func (f *fakeArch) PTUpdate(uintptr, uintptr, archiface.PTE) error {
	panic("not used by scheduler tests")
}
func (f *fakeArch) NewPTRoot() uintptr    { panic("not used by scheduler tests") }
func (f *fakeArch) FreePTRoot(uintptr)    {}

// Scenario 2 (preemption demotes priority): a thread running at priority 3
// is preempted (Enter with newState=Ready) with another thread of equal
// priority ready to run; the preempted thread is requeued at priority 4.
func TestPreemptionDemotesPriority(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]

	running := proc.NewThread(nil, 0, 0)
	running.SetState(proc.Running)
	running.Priority.Store(3)
	cpu.SetCurrent(running)

	contender := proc.NewThread(nil, 0, 0)
	cpu.RQ.Enqueue(contender, cpu, 3)

	s.Enter(cpu, proc.Ready)

	if cpu.Current() != contender {
		t.Fatalf("Enter should have switched to the contender")
	}
	if got := running.Priority.Load(); got != 4 {
		t.Fatalf("preempted thread priority = %d, want 4", got)
	}
	if running.State() != proc.Ready {
		t.Fatalf("preempted thread state = %v, want Ready", running.State())
	}
	if n := cpu.RQ.Len(4); n != 1 {
		t.Fatalf("rq[4].n = %d, want 1 (preempted thread requeued)", n)
	}
}

func TestPreemptionAtMaxPriorityDoesNotOverflow(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]
	last := int32(cpu.RQ.Count() - 1)

	running := proc.NewThread(nil, 0, 0)
	running.SetState(proc.Running)
	running.Priority.Store(last)
	cpu.SetCurrent(running)

	contender := proc.NewThread(nil, 0, 0)
	cpu.RQ.Enqueue(contender, cpu, last)

	s.Enter(cpu, proc.Ready)

	if got := running.Priority.Load(); got != last {
		t.Fatalf("priority at max must not overflow: got %d, want %d", got, last)
	}
}

func TestEnterWithNoContenderAndRunningIsNoOp(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]
	running := proc.NewThread(nil, 0, 0)
	running.SetState(proc.Running)
	cpu.SetCurrent(running)

	s.Enter(cpu, proc.Running)

	if cpu.Current() != running {
		t.Fatalf("Enter with no contender should leave the running thread in place")
	}
	if len(arch.swaps) != 0 {
		t.Fatalf("no-op Enter should not touch ContextSwap")
	}
}

func TestExitingThreadClosesJoinQueueAndDrops(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]

	exiting := proc.NewThread(nil, 0, 0)
	exiting.SetState(proc.Running)
	cpu.SetCurrent(exiting)

	next := proc.NewThread(nil, 0, 0)
	cpu.RQ.Enqueue(next, cpu, 0)

	destroyed := false
	exiting.OnDestroy(func(*proc.Thread) { destroyed = true })

	s.Enter(cpu, proc.Exiting)

	if !exiting.JoinWQ.IsClosed() {
		t.Fatalf("exiting thread's join queue should be closed")
	}
	if !destroyed {
		t.Fatalf("exiting thread's last reference should have been dropped")
	}
}

// A thread flagged by Task.Kill must be driven to Exiting by cleanup the
// next time it is switched away from, instead of being requeued as a
// normal preemption would.
func TestKilledThreadExitsInsteadOfRequeueing(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]

	killed := proc.NewThread(nil, 0, 0)
	killed.SetState(proc.Running)
	killed.MarkKilled()
	cpu.SetCurrent(killed)

	next := proc.NewThread(nil, 0, 0)
	cpu.RQ.Enqueue(next, cpu, 0)

	destroyed := false
	killed.OnDestroy(func(*proc.Thread) { destroyed = true })

	s.Enter(cpu, proc.Ready)

	if killed.State() != proc.Exiting {
		t.Fatalf("killed thread state = %v, want Exiting", killed.State())
	}
	if !killed.JoinWQ.IsClosed() {
		t.Fatalf("killed thread's join queue should be closed")
	}
	if !destroyed {
		t.Fatalf("killed thread's last reference should have been dropped")
	}
	if n := cpu.RQ.Len(1); n != 0 {
		t.Fatalf("killed thread must not be requeued, rq[1].n = %d", n)
	}
}

func TestSleepingThreadWithRaceIsRequeuedImmediately(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]

	sleeper := proc.NewThread(nil, 0, 0)
	sleeper.SetState(proc.Running)
	cpu.SetCurrent(sleeper)

	next := proc.NewThread(nil, 0, 0)
	cpu.RQ.Enqueue(next, cpu, 0)

	// Simulate a waker firing between the sleeper committing to sleep and
	// scheduler cleanup observing it.
	sleeper.SetSleepStatePad(proc.SleepWoke)

	s.Enter(cpu, proc.Sleeping)

	if n := cpu.RQ.Len(0); n != 1 {
		t.Fatalf("sleeper with a pending wakeup should be requeued at priority 0, rq[0].n=%d", n)
	}
}

func TestFPULazyRequestTransfersOwnership(t *testing.T) {
	arch := &fakeArch{}
	s := New(arch, DefaultConfig())

	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]

	owner := proc.NewThread(nil, 0, 0)
	owner.SetFPUContextExists(true)
	cpu.SetFPUOwner(owner)

	requester := proc.NewThread(nil, 0, 0)
	s.FPULazyRequest(cpu, requester)

	if cpu.FPUOwner() != requester {
		t.Fatalf("FPU ownership should transfer to the requester")
	}
	if len(arch.fpuSaved) != 1 {
		t.Fatalf("previous owner's FPU context should be saved exactly once, got %d", len(arch.fpuSaved))
	}
	if !requester.FPUContextExists() {
		t.Fatalf("requester should have a valid FPU context after the request")
	}
	if arch.fpuInited != 1 {
		t.Fatalf("a requester with no prior FPU context should be FPUInit'd")
	}
}
