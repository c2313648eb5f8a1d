package proc

import (
	"sync"
	"sync/atomic"

	"github.com/iansmith/corekernel/internal/archiface"
)

// CPU is the per-CPU singleton of spec §3, component C1. It is created at
// boot and never destroyed.
type CPU struct {
	ID  int
	sys *System

	active atomic.Bool
	idle   atomic.Bool

	current atomic.Pointer[Thread] // currently-running thread

	fpuOwner atomic.Pointer[Thread] // nullable, atomic (spec's lazy FPU ownership)
	fpuMu    sync.Mutex             // per-CPU FPU lock (spec §5)

	// SchedulerContext is the saved context of this CPU's dedicated
	// scheduler loop (spec §3's "pointer to scheduler stack and scheduler
	// saved context"); in this host simulation the scheduler loop is a
	// goroutine rather than a dedicated machine stack, so this field exists
	// for archiface.Arch implementations that do real context switches.
	SchedulerContext archiface.Context

	NRdy             atomic.Int64
	CurrentClockTick atomic.Uint64
	RelinkDeadline   atomic.Uint64
	PreemptDeadline  atomic.Uint64

	ipl       atomic.Int32
	localData atomic.Pointer[any]

	RQ *RunQueue
}

func newCPU(id int, sys *System, rqCount int) *CPU {
	c := &CPU{ID: id, sys: sys, RQ: NewRunQueue(rqCount)}
	c.active.Store(true)
	return c
}

// IPL is the opaque interrupt-priority-level token interrupts_disable()
// returns and interrupts_restore(prev) consumes (spec §3 line 48).
type IPL int32

const (
	IPLEnabled IPL = iota
	IPLDisabled
)

// InterruptsDisable disables this CPU's interrupts and returns the level
// that was in effect before the call. The contract is idempotent via the
// returned token rather than a depth counter: nested
// InterruptsDisable/InterruptsRestore pairs compose correctly because each
// InterruptsRestore puts the level back to the exact value its matching
// InterruptsDisable observed, however many levels deep that was.
func (c *CPU) InterruptsDisable() IPL {
	return IPL(c.ipl.Swap(int32(IPLDisabled)))
}

// InterruptsRestore sets this CPU's interrupt level back to prev, a token
// previously obtained from InterruptsDisable.
func (c *CPU) InterruptsRestore(prev IPL) {
	c.ipl.Store(int32(prev))
}

// InterruptsEnabled reports this CPU's current interrupt level.
func (c *CPU) InterruptsEnabled() bool {
	return IPL(c.ipl.Load()) == IPLEnabled
}

// LocalData returns this CPU's local-data slot (cpu_local_data()):
// caller-defined scratch state scoped to one CPU, analogous to the
// reference's per-CPU data block. Nil until SetLocalData is called.
func (c *CPU) LocalData() any {
	p := c.localData.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetLocalData stores v in this CPU's local-data slot.
func (c *CPU) SetLocalData(v any) {
	c.localData.Store(&v)
}

// Active reports whether this CPU participates in scheduling/load balancing.
func (c *CPU) Active() bool { return c.active.Load() }

// SetActive marks the CPU active or inactive (e.g. for hotplug/offline
// simulation in tests).
func (c *CPU) SetActive(v bool) { c.active.Store(v) }

// Idle reports whether the CPU is currently parked with nothing to run.
func (c *CPU) Idle() bool { return c.idle.Load() }

// SetIdle updates the idle flag.
func (c *CPU) SetIdle(v bool) { c.idle.Store(v) }

// Current returns the thread currently running on this CPU, or nil.
func (c *CPU) Current() *Thread { return c.current.Load() }

// SetCurrent sets the currently-running thread.
func (c *CPU) SetCurrent(t *Thread) { c.current.Store(t) }

// FPUOwner returns the thread that currently owns this CPU's FPU state, or
// nil.
func (c *CPU) FPUOwner() *Thread { return c.fpuOwner.Load() }

// SetFPUOwner unconditionally sets the FPU owner.
func (c *CPU) SetFPUOwner(t *Thread) { c.fpuOwner.Store(t) }

// CASFPUOwner atomically transitions the FPU owner from old to new.
func (c *CPU) CASFPUOwner(old, new *Thread) bool { return c.fpuOwner.CompareAndSwap(old, new) }

// LockFPU/UnlockFPU bracket the brief per-CPU FPU lock spec §5 describes
// coherence being provided by ("the per-CPU FPU lock taken briefly by
// scheduler_fpu_lazy_request and by the thread destructor").
func (c *CPU) LockFPU()   { c.fpuMu.Lock() }
func (c *CPU) UnlockFPU() { c.fpuMu.Unlock() }

// Tick advances the CPU's clock tick counter by one (driven by the
// simulated timer interrupt in cmd/kernsim or a test).
func (c *CPU) Tick() uint64 { return c.CurrentClockTick.Add(1) }

// System aggregates every CPU in the simulated machine and the global ready
// counter spec §8 invariant 2 refers to ("Global nrdy == sum over active
// CPUs of c.nrdy").
type System struct {
	CPUs []*CPU

	globalNRdy atomic.Int64
}

// NewSystem builds a System with ncpu CPUs, each with an rqCount-level run
// queue.
func NewSystem(ncpu, rqCount int) *System {
	s := &System{}
	s.CPUs = make([]*CPU, ncpu)
	for i := range s.CPUs {
		s.CPUs[i] = newCPU(i, s, rqCount)
	}
	return s
}

// GlobalNRdy returns the system-wide ready count kept by RunQueue's enqueue,
// dequeue and remove operations. It counts threads on every CPU, including
// CPUs marked inactive.
func (s *System) GlobalNRdy() int64 { return s.globalNRdy.Load() }

// ActiveCPUs returns the subset of CPUs currently marked active.
func (s *System) ActiveCPUs() []*CPU {
	var out []*CPU
	for _, c := range s.CPUs {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out
}
