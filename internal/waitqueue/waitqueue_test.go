package waitqueue

import (
	"testing"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/proc"
	"github.com/iansmith/corekernel/internal/scheduler"
)

// noopArch is an archiface.Arch whose methods only need to not panic; the
// tests in this package exercise wait-queue bookkeeping, not architecture
// back-end behavior.
type noopArch struct{}

func (noopArch) ContextSave(*archiface.Context) bool                   { return false }
func (noopArch) ContextRestore(*archiface.Context)                     {}
func (noopArch) ContextSwap(*archiface.Context, *archiface.Context)    {}
func (noopArch) FPUContextSave(*archiface.FPUContext)                  {}
func (noopArch) FPUContextRestore(*archiface.FPUContext)               {}
func (noopArch) FPUInit()                                              {}
func (noopArch) FPUEnable()                                            {}
func (noopArch) FPUDisable()                                           {}
func (noopArch) ASInstallArch(uintptr, archiface.ASID)                 {}
func (noopArch) BeforeThreadRunsArch()                                 {}
func (noopArch) AfterThreadRanArch()                                   {}
func (noopArch) TLBInvalidatePage(archiface.ASID, uintptr)             {}
func (noopArch) TLBInvalidateASID(archiface.ASID)                      {}
func (noopArch) TLBInvalidateAll()                                     {}
func (noopArch) PTInsert(uintptr, uintptr, uintptr, uint32) error       { return nil }
func (noopArch) PTRemove(uintptr, uintptr) error                       { return nil }
func (noopArch) PTFind(uintptr, uintptr) (archiface.PTE, bool)         { return archiface.PTE{}, false }
func (noopArch) PTUpdate(uintptr, uintptr, archiface.PTE) error        { return nil }
func (noopArch) NewPTRoot() uintptr                                    { return 0 }
func (noopArch) FreePTRoot(uintptr)                                    {}

func newFixture(t *testing.T) (*proc.CPU, *WaitQueue) {
	t.Helper()
	sys := proc.NewSystem(1, proc.DefaultRQCount)
	sch := scheduler.New(noopArch{}, scheduler.DefaultConfig())
	return sys.CPUs[0], New(sch)
}

// Scenario 3, ordering (a): the sleeper commits first (its sleep-state pad
// is CASed Initial->Asleep by scheduler cleanup), and only afterward does a
// waker arrive; the waker must observe Asleep and requeue the thread itself.
func TestSleepWakeRaceWakerArrivesAfterCommit(t *testing.T) {
	cpu, q := newFixture(t)

	self := proc.NewThread(nil, 0, 0)
	self.SetState(proc.Running)
	cpu.SetCurrent(self)

	if err := q.Sleep(cpu, self); err != nil {
		t.Fatalf("Sleep returned error: %v", err)
	}
	if self.SleepStatePad() != proc.SleepAsleep {
		t.Fatalf("sleeper's pad should be SleepAsleep after committing, got %v", self.SleepStatePad())
	}
	if q.Len() != 1 {
		t.Fatalf("sleeper should still be linked into the wait queue, Len=%d", q.Len())
	}

	woken := q.Wakeup(cpu, WakeOne)
	if woken != 1 {
		t.Fatalf("Wakeup should report 1 thread woken, got %d", woken)
	}
	if self.State() != proc.Ready {
		t.Fatalf("requeued thread should be Ready, got %v", self.State())
	}
	if n := cpu.RQ.Len(0); n != 1 {
		t.Fatalf("requeue-sleeping always uses priority 0, rq[0].n=%d", n)
	}
}

// Scenario 3, ordering (b): the waker arrives first, while the sleeper is
// still linked but has not yet reached scheduler cleanup; the waker's CAS
// from SleepInitial succeeds directly to SleepWoke, and scheduler cleanup
// for a Sleeping thread must notice SleepWoke and requeue it without
// needing another waker.
func TestSleepWakeRaceWakerArrivesBeforeCommit(t *testing.T) {
	cpu, q := newFixture(t)

	self := proc.NewThread(nil, 0, 0)
	self.SetState(proc.Running)
	cpu.SetCurrent(self)

	self.SetSleepStatePad(proc.SleepInitial)
	q.data.Link(self)

	woken := q.Wakeup(cpu, WakeOne)
	if woken != 1 {
		t.Fatalf("Wakeup should report 1, got %d", woken)
	}
	if self.SleepStatePad() != proc.SleepWoke {
		t.Fatalf("early waker should set pad to SleepWoke, got %v", self.SleepStatePad())
	}

	// The thread now reaches scheduler cleanup as if it had called
	// scheduler.Enter(cpu, Sleeping) itself.
	cpu.SetCurrent(self)
	self.SetState(proc.Sleeping)
	sch := scheduler.New(noopArch{}, scheduler.DefaultConfig())
	sch.Enter(cpu, proc.Sleeping)

	if self.State() != proc.Ready {
		t.Fatalf("thread should be requeued Ready after observing SleepWoke in cleanup, got %v", self.State())
	}
	if n := cpu.RQ.Len(0); n != 1 {
		t.Fatalf("expected requeue at priority 0, rq[0].n=%d", n)
	}
}

func TestWakeupOnEmptyQueueRecordsMissed(t *testing.T) {
	cpu, q := newFixture(t)
	if woken := q.Wakeup(cpu, WakeOne); woken != 0 {
		t.Fatalf("Wakeup on empty queue should wake 0, got %d", woken)
	}
	if n := q.data.MissedWakeups(); n != 1 {
		t.Fatalf("Wakeup on empty queue should record 1 missed wakeup, got %d", n)
	}
}

func TestCloseWakesEveryoneAndRejectsFurtherSleeps(t *testing.T) {
	cpu, q := newFixture(t)

	a := proc.NewThread(nil, 0, 0)
	a.SetState(proc.Running)
	cpu.SetCurrent(a)
	if err := q.Sleep(cpu, a); err != nil {
		t.Fatalf("Sleep(a): %v", err)
	}

	woken := q.Close(cpu)
	if woken != 1 {
		t.Fatalf("Close should wake every sleeper, got %d", woken)
	}

	b := proc.NewThread(nil, 0, 0)
	b.SetState(proc.Running)
	cpu.SetCurrent(b)
	if err := q.Sleep(cpu, b); err == nil {
		t.Fatalf("Sleep on a closed queue should fail")
	}
}

func TestWakeAllWakesEverySleeper(t *testing.T) {
	cpu, q := newFixture(t)

	threads := make([]*proc.Thread, 3)
	for i := range threads {
		th := proc.NewThread(nil, 0, 0)
		th.SetState(proc.Running)
		cpu.SetCurrent(th)
		if err := q.Sleep(cpu, th); err != nil {
			t.Fatalf("Sleep: %v", err)
		}
		threads[i] = th
	}

	if woken := q.Wakeup(cpu, WakeAll); woken != 3 {
		t.Fatalf("WakeAll should wake all 3, got %d", woken)
	}
	if n := cpu.RQ.Len(0); n != 3 {
		t.Fatalf("all 3 threads should be requeued at priority 0, rq[0].n=%d", n)
	}
}
