package loadbalancer

import (
	"testing"

	"github.com/iansmith/corekernel/internal/proc"
)

// Scenario 4 (steal respects FPU affinity): a CPU with two ready threads at
// the same priority, one of which is this CPU's current FPU owner, only
// ever gives up the non-owner.
func TestStealSkipsFPUOwner(t *testing.T) {
	sys := proc.NewSystem(2, proc.DefaultRQCount)
	src, dest := sys.CPUs[0], sys.CPUs[1]

	fpuThread := proc.NewThread(nil, 0, 0)
	plainThread := proc.NewThread(nil, 0, 0)
	src.RQ.Enqueue(fpuThread, src, 5)
	src.RQ.Enqueue(plainThread, src, 5)
	src.SetFPUOwner(fpuThread)

	stolen, ok := StealOneFrom(src, dest)
	if !ok {
		t.Fatalf("expected a steal to succeed")
	}
	if stolen != plainThread {
		t.Fatalf("steal should have skipped the FPU owner, got tid %v", stolen.ID)
	}
	if !stolen.Stolen.Load() {
		t.Fatalf("stolen thread should be marked Stolen")
	}
	if stolen.LastCPU != dest {
		t.Fatalf("stolen thread's LastCPU should be updated to dest")
	}
}

func TestStealSkipsNoMigrateAndAlreadyStolen(t *testing.T) {
	sys := proc.NewSystem(2, proc.DefaultRQCount)
	src, dest := sys.CPUs[0], sys.CPUs[1]

	pinned := proc.NewThread(nil, 0, 0)
	pinned.NoMigrate.Store(1)
	alreadyStolen := proc.NewThread(nil, 0, 0)
	alreadyStolen.Stolen.Store(true)
	movable := proc.NewThread(nil, 0, 0)

	src.RQ.Enqueue(pinned, src, 2)
	src.RQ.Enqueue(alreadyStolen, src, 2)
	src.RQ.Enqueue(movable, src, 2)

	stolen, ok := StealOneFrom(src, dest)
	if !ok || stolen != movable {
		t.Fatalf("expected only the movable thread to be eligible, got %v ok=%v", stolen, ok)
	}
}

func TestStealReturnsFalseWhenNothingEligible(t *testing.T) {
	sys := proc.NewSystem(2, proc.DefaultRQCount)
	src, dest := sys.CPUs[0], sys.CPUs[1]

	pinned := proc.NewThread(nil, 0, 0)
	pinned.NoMigrate.Store(1)
	src.RQ.Enqueue(pinned, src, 0)

	if _, ok := StealOneFrom(src, dest); ok {
		t.Fatalf("expected no eligible thread to steal")
	}
}

func TestBalancePullsUpToAverage(t *testing.T) {
	sys := proc.NewSystem(2, proc.DefaultRQCount)
	busy, idle := sys.CPUs[0], sys.CPUs[1]

	for i := 0; i < 4; i++ {
		busy.RQ.Enqueue(proc.NewThread(nil, 0, 0), busy, 7)
	}

	b := New(sys, DefaultConfig())
	b.Balance(idle)

	if idle.NRdy.Load() == 0 {
		t.Fatalf("idle CPU should have pulled at least one thread")
	}
	if busy.NRdy.Load()+idle.NRdy.Load() != 4 {
		t.Fatalf("total ready threads should be conserved across the steal")
	}
}

func TestBalanceSingleCPUIsNoOp(t *testing.T) {
	sys := proc.NewSystem(1, proc.DefaultRQCount)
	cpu := sys.CPUs[0]
	b := New(sys, DefaultConfig())
	b.Balance(cpu) // must not panic indexing into an empty "other CPUs" set
}
