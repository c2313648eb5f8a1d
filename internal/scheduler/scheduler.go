// Package scheduler implements the per-CPU scheduling loop and FPU lazy
// switching of spec.md §4.7 (component C7), built directly on top of
// internal/proc's CPU/Thread/Task/RunQueue data model and driven through an
// internal/archiface.Arch back-end. The control flow is a line-by-line port
// of the reference scheduler.c's try_find_thread/prepare_to_run_thread/
// cleanup_after_thread/scheduler_enter/scheduler_run, adapted from a
// dedicated-stack kernel (context_swap between raw machine stacks) to a
// host-process simulation where each CPU is driven by one goroutine and
// "idle" means waiting on a channel instead of halting.
package scheduler

import (
	"time"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/klog"
	"github.com/iansmith/corekernel/internal/proc"
)

// Config mirrors the compile-time knobs spec §6 lists for the scheduler:
// whether FPU state exists at all, whether it is lazily switched, how many
// ticks elapse between anti-starvation relink sweeps, and the per-priority
// time slice unit.
type Config struct {
	FPU            bool
	FPULazy        bool
	NeedsRelinkMax uint64
	TimeSliceUnit  time.Duration
}

// DefaultConfig returns the values spec §6 documents as defaults: FPU and
// lazy FPU switching on, and a 10ms time-slice unit.
func DefaultConfig() Config {
	return Config{
		FPU:            true,
		FPULazy:        true,
		NeedsRelinkMax: 4,
		TimeSliceUnit:  10 * time.Millisecond,
	}
}

// Scheduler is the generic, architecture-independent scheduling core. One
// instance is shared by every CPU in a proc.System.
type Scheduler struct {
	arch archiface.Arch
	cfg  Config
}

// New builds a Scheduler driving arch with cfg.
func New(arch archiface.Arch, cfg Config) *Scheduler {
	return &Scheduler{arch: arch, cfg: cfg}
}

// IdleWaiter is consulted by Run when a CPU's run queue is empty; a real
// back-end blocks until an interrupt or IPI arrives, so this package never
// busy-spins on its own (reference scheduler.c's cpu_interruptible_sleep).
type IdleWaiter interface {
	WaitForWork(cpu *proc.CPU)
}

// tryFindThread is the non-blocking scan of try_find_thread: the first
// non-empty priority list, lowest index first, or nil if the CPU has
// nothing ready.
func (s *Scheduler) tryFindThread(cpu *proc.CPU) (*proc.Thread, int) {
	if cpu.NRdy.Load() == 0 {
		return nil, -1
	}
	return cpu.RQ.DequeueBestIndexed(cpu)
}

// findBestThread blocks, via waiter, until a thread is available
// (find_best_thread).
func (s *Scheduler) findBestThread(cpu *proc.CPU, waiter IdleWaiter) (*proc.Thread, int) {
	for {
		if t, idx := s.tryFindThread(cpu); t != nil {
			cpu.SetIdle(false)
			return t, idx
		}
		cpu.SetIdle(true)
		if waiter != nil {
			waiter.WaitForWork(cpu)
		}
	}
}

// switchTask implements switch_task: address-space switch plus task
// reference hand-off, skipped entirely if the incoming thread shares its
// predecessor's task.
func (s *Scheduler) switchTask(cpu *proc.CPU, oldTask, newTask *proc.Task) {
	if oldTask == newTask {
		return
	}

	if newTask != nil && newTask.AS != nil {
		if oldTask == nil || oldTask.AS == nil || oldTask.AS != newTask.AS {
			newTask.AS.Install()
		}
	}

	if oldTask != nil {
		oldTask.Release()
	}
	if newTask != nil {
		newTask.Hold()
	}
}

// relink runs the anti-starvation sweep on cpu's run queue at most once
// every NeedsRelinkMax ticks (relink_rq's deadline check), always relative
// to the priority level the next thread is about to run at.
func (s *Scheduler) relink(cpu *proc.CPU, startPrio int) {
	tick := cpu.CurrentClockTick.Load()
	if tick < cpu.RelinkDeadline.Load() {
		return
	}
	cpu.RelinkDeadline.Store(tick + s.cfg.NeedsRelinkMax)
	cpu.RQ.Relink(startPrio)
}

// fpuCleanup saves the outgoing thread's FPU state eagerly when FPU state
// exists but lazy switching is disabled; under lazy switching the state
// stays in the hardware until something else needs the FPU.
func (s *Scheduler) fpuCleanup(thread *proc.Thread) {
	if s.cfg.FPU && !s.cfg.FPULazy {
		s.arch.FPUContextSave(&thread.FPUContext)
	}
}

// fpuRestore sets up FPU availability for the incoming thread (fpu_restore).
func (s *Scheduler) fpuRestore(cpu *proc.CPU, thread *proc.Thread) {
	switch {
	case s.cfg.FPU && s.cfg.FPULazy:
		if cpu.FPUOwner() == thread {
			s.arch.FPUEnable()
		} else {
			s.arch.FPUDisable()
		}
	case s.cfg.FPU:
		s.arch.FPUEnable()
		if thread.FPUContextExists() {
			s.arch.FPUContextRestore(&thread.FPUContext)
		} else {
			s.arch.FPUInit()
			thread.SetFPUContextExists(true)
		}
	}
}

// FPULazyRequest is scheduler_fpu_lazy_request: invoked from a simulated
// "FPU instruction" trap when lazy switching is enabled and the running
// thread does not currently own the CPU's FPU.
func (s *Scheduler) FPULazyRequest(cpu *proc.CPU, thread *proc.Thread) {
	s.arch.FPUEnable()

	cpu.LockFPU()
	if owner := cpu.FPUOwner(); owner != nil {
		s.arch.FPUContextSave(&owner.FPUContext)
		cpu.SetFPUOwner(nil)
	}
	cpu.UnlockFPU()

	if thread.FPUContextExists() {
		s.arch.FPUContextRestore(&thread.FPUContext)
	} else {
		s.arch.FPUInit()
		thread.SetFPUContextExists(true)
	}
	cpu.SetFPUOwner(thread)
}

// prepareToRunThread is prepare_to_run_thread: relink, task switch, state
// and priority bookkeeping, the stolen-flag clear, the architecture
// before-run hook, FPU restore and the preemption deadline for this slice.
func (s *Scheduler) prepareToRunThread(cpu *proc.CPU, thread *proc.Thread, rqIndex int) {
	s.relink(cpu, rqIndex)

	var oldTask *proc.Task
	if prev := cpu.Current(); prev != nil {
		oldTask = prev.Task
	}
	s.switchTask(cpu, oldTask, thread.Task)

	thread.LastCPU = cpu
	thread.SetState(proc.Running)
	thread.Priority.Store(int32(rqIndex)) // correct rq index, post-relink

	thread.Stolen.Store(false)

	s.arch.BeforeThreadRunsArch()
	s.fpuRestore(cpu, thread)

	timeToRun := time.Duration(rqIndex+1) * s.cfg.TimeSliceUnit
	cpu.PreemptDeadline.Store(cpu.CurrentClockTick.Load() + uint64(timeToRun/s.cfg.TimeSliceUnit))

	thread.LastCycle.Store(uint64(time.Now().UnixNano()))

	klog.Sched.Debug().
		Int("cpu", cpu.ID).
		Uint64("tid", thread.ID).
		Int("priority", rqIndex).
		Int64("nrdy", cpu.NRdy.Load()).
		Msg("prepare to run thread")
}

// requeuePreempted is thread_requeue_preempted: a thread that ran out its
// slice is demoted one priority level (never past RQCount-1) and re-queued.
func (s *Scheduler) requeuePreempted(cpu *proc.CPU, thread *proc.Thread) {
	prio := thread.Priority.Load()
	if int(prio) < cpu.RQ.Count()-1 {
		prio++
	}
	cpu.RQ.Enqueue(thread, cpu, prio)
}

// RequeueSleeping is thread_requeue_sleeping: a thread waking from a sleep
// (or entering its first run) goes back in at priority 0, preferring the
// CPU it last ran on.
func (s *Scheduler) RequeueSleeping(thread *proc.Thread, fallback *proc.CPU) {
	cpu := thread.LastCPU
	if cpu == nil {
		cpu = fallback
		thread.LastCPU = fallback
	}
	cpu.RQ.Enqueue(thread, cpu, 0)
}

// cleanupAfterThread is cleanup_after_thread: dispatches on the state the
// outgoing thread landed in after being switched away from.
func (s *Scheduler) cleanupAfterThread(cpu *proc.CPU, thread *proc.Thread) {
	if thread.Killed() && thread.State() != proc.Exiting {
		thread.SetState(proc.Exiting)
	}

	switch thread.State() {
	case proc.Running, proc.Ready:
		thread.SetState(proc.Ready)
		s.requeuePreempted(cpu, thread)

	case proc.Exiting:
		thread.JoinWQ.Close()
		thread.Put()

	case proc.Sleeping:
		if !thread.CASSleepStatePad(proc.SleepInitial, proc.SleepAsleep) {
			// A waker already fired (SleepWoke); this sleep never
			// actually happened, requeue right away.
			s.RequeueSleeping(thread, cpu)
		}

	default:
		panic("scheduler: unexpected thread state in cleanup: " + thread.State().String())
	}
}

// TryAdvance opportunistically picks a ready thread onto an idle CPU
// without blocking, for drivers that tick every CPU cooperatively rather
// than dedicating one goroutine per CPU to Run's blocking loop. Returns
// (nil, false) if cpu is already running something or nothing is ready.
func (s *Scheduler) TryAdvance(cpu *proc.CPU) (*proc.Thread, bool) {
	if cpu.Current() != nil {
		return nil, false
	}
	t, idx := s.tryFindThread(cpu)
	if t == nil {
		cpu.SetIdle(true)
		return nil, false
	}
	cpu.SetIdle(false)
	cpu.SetCurrent(t)
	s.prepareToRunThread(cpu, t, idx)
	return t, true
}

// Enter is scheduler_enter: voluntarily give up the CPU, entering newState,
// switching to the best available thread if one exists. If none does and
// newState is Running, this is a no-op (there is nothing better to do than
// keep running the caller).
func (s *Scheduler) Enter(cpu *proc.CPU, newState proc.ThreadState) {
	newThread, rqIndex := s.tryFindThread(cpu)
	if newThread == nil && newState == proc.Running {
		return
	}

	old := cpu.Current()
	old.SetState(newState)

	now := uint64(time.Now().UnixNano())
	old.KCycles.Add(now - old.LastCycle.Load())

	s.fpuCleanup(old)
	s.arch.AfterThreadRanArch()

	if newThread != nil {
		cpu.SetCurrent(newThread)
		s.prepareToRunThread(cpu, newThread, rqIndex)
		s.arch.ContextSwap(&old.Context, &newThread.Context)
	} else {
		cpu.SetCurrent(nil)
		s.arch.ContextSwap(&old.Context, &cpu.SchedulerContext)
	}

	// Whatever thread we just switched away from needs its post-switch
	// state handled (requeued, exited, or committed to sleep) regardless
	// of whether a contender was immediately available to replace it.
	s.cleanupAfterThread(cpu, old)
}

// Run is scheduler_run: the CPU's dedicated scheduler loop. It never
// returns; call it from the goroutine that owns cpu.
func (s *Scheduler) Run(cpu *proc.CPU, waiter IdleWaiter) {
	for {
		thread, rqIndex := s.findBestThread(cpu, waiter)
		cpu.SetCurrent(thread)
		s.prepareToRunThread(cpu, thread, rqIndex)

		s.arch.ContextSwap(&cpu.SchedulerContext, &thread.Context)

		s.cleanupAfterThread(cpu, thread)
		cpu.SetCurrent(nil)
	}
}

// ShouldPreempt reports whether cpu's current time slice has elapsed,
// per the preempt_deadline spec §4.7/§6 assigns to each run.
func ShouldPreempt(cpu *proc.CPU) bool {
	return cpu.CurrentClockTick.Load() >= cpu.PreemptDeadline.Load()
}

// CPUStats is a point-in-time snapshot for diagnostics (spec §4.11).
type CPUStats struct {
	CPUID  int
	NRdy   int64
	Idle   bool
	Active bool
}

// Stats snapshots every CPU in sys.
func Stats(sys *proc.System) []CPUStats {
	out := make([]CPUStats, len(sys.CPUs))
	for i, cpu := range sys.CPUs {
		out[i] = CPUStats{
			CPUID:  cpu.ID,
			NRdy:   cpu.NRdy.Load(),
			Idle:   cpu.Idle(),
			Active: cpu.Active(),
		}
	}
	return out
}
