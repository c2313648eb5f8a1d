// Package proc holds the execution core's four mutually-referential kernel
// records — CPU (C1), Thread (C4), Task (C5) and per-CPU run queues (C6) —
// together in one package, the same way the reference boot image's
// runtime_types.go keeps runtimeG/runtimeM/runtimeP in a single package
// rather than forcing a three-way Go import cycle apart: a CPU holds a
// pointer to its current Thread, a Thread holds a pointer to its owning Task
// and its last-running CPU, a Task holds its Thread set, and a run queue
// holds Thread nodes on an intrusive list embedded in Thread itself.
package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/iansmith/corekernel/internal/archiface"
)

// ThreadState is the thread state machine of spec.md §3/§4.4.
type ThreadState int32

const (
	Entering ThreadState = iota
	Ready
	Running
	Sleeping
	Exiting
)

func (s ThreadState) String() string {
	switch s {
	case Entering:
		return "Entering"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Exiting:
		return "Exiting"
	default:
		return "Unknown"
	}
}

// SleepState is the one-shot per-thread sleep/wake pad (glossary:
// "Sleep-state pad") used to resolve the sleep/wake race of spec §4.4/§4.9.
type SleepState int32

const (
	SleepInitial SleepState = iota
	SleepAsleep
	SleepWoke
)

// DefaultRQCount is RQ_COUNT's default (spec §6).
const DefaultRQCount = 16

// Thread is the execution core's per-thread record (spec §3 Thread). Fields
// that participate in cross-CPU races are atomics; fields only ever touched
// by the CPU currently running the thread, or under a queue's lock, are
// plain.
type Thread struct {
	ID uint64

	// Context is the opaque saved CPU context an archiface.Arch
	// understands (stack pointer plus callee-saved registers).
	Context archiface.Context

	// FPUContext is the optional FPU context slot; FPUContextExists tracks
	// whether it currently holds valid state (spec §3, §4.4's FPU lazy
	// switching).
	FPUContext      archiface.FPUContext
	fpuContextExists atomic.Bool

	Task    *Task
	LastCPU *CPU

	state      atomic.Int32
	Priority   atomic.Int32
	sleepState atomic.Int32

	Stolen    atomic.Bool
	NoMigrate atomic.Int32

	KCycles   atomic.Uint64
	UCycles   atomic.Uint64
	LastCycle atomic.Uint64

	refs atomic.Int32

	// JoinWQ is closed (woken) when the thread exits (spec §4.4's "join
	// wait-queue is closed").
	JoinWQ *WaitQueue

	// InterruptOnSignal marks a thread that observes a wake during a
	// cancellable wait and should return Interrupted rather than resuming
	// normally (spec §4.9's cancellation note).
	InterruptOnSignal atomic.Bool

	// killed records a pending task_kill: set by Task.Kill, consulted by
	// the scheduler's cleanup dispatch so a Running or Sleeping thread is
	// driven to Exiting the next time it is touched rather than requeued.
	killed atomic.Bool

	// intrusive run-queue link, guarded by the owning rqList's mutex
	rqNext, rqPrev *Thread

	// intrusive wait-queue link, guarded by the owning WaitQueue's mutex
	wqNext, wqPrev *Thread

	onDestroy func(*Thread)
}

var nextThreadID atomic.Uint64

// NewThread allocates a thread owned by task, with its saved context's PC
// and first argument register pre-seeded from entry/arg (spec's
// thread_create). It starts in state Entering with one reference held by
// the caller.
func NewThread(task *Task, entry uintptr, arg uintptr) *Thread {
	t := &Thread{
		ID:     nextThreadID.Add(1),
		Task:   task,
		JoinWQ: NewWaitQueue(),
	}
	t.state.Store(int32(Entering))
	t.sleepState.Store(int32(SleepInitial))
	t.refs.Store(1)
	t.Context.PC = entry
	t.Context.Regs[0] = arg
	return t
}

// Start is thread_start: transitions a freshly created thread from Entering
// to Ready and enqueues it on cpu's run queue at priority 0, the same
// initial placement RequeueSleeping gives a thread waking for the first
// time. A no-op if the thread has already been started.
func (t *Thread) Start(cpu *CPU) {
	if !t.CASState(Entering, Ready) {
		return
	}
	t.LastCPU = cpu
	cpu.RQ.Enqueue(t, cpu, 0)
}

// Rescheduler is the capability a Thread needs to voluntarily give up its
// CPU (Yield). It is satisfied by *scheduler.Scheduler; declaring it here
// rather than importing that package keeps Thread free of a dependency on
// the package that depends on it.
type Rescheduler interface {
	Enter(cpu *CPU, newState ThreadState)
}

// Yield is thread_yield: the calling thread voluntarily gives up its CPU,
// returning to Ready, via the scheduler's normal Enter dispatch (which
// requeues it one priority level down, same as a timed-out preemption).
func (t *Thread) Yield(s Rescheduler, cpu *CPU) {
	s.Enter(cpu, Ready)
}

// MarkKilled flags the thread for termination (Task.Kill's per-thread
// effect); it does not itself change State.
func (t *Thread) MarkKilled() { t.killed.Store(true) }

// Killed reports whether MarkKilled has been called.
func (t *Thread) Killed() bool { return t.killed.Load() }

// Join is thread_join: block until this thread reaches Exiting and the
// scheduler's cleanup closes its JoinWQ, or until ctx is cancelled first.
func (t *Thread) Join(ctx context.Context) error {
	select {
	case <-t.JoinWQ.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the thread's current state.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

// SetState sets the thread's state.
func (t *Thread) SetState(s ThreadState) { t.state.Store(int32(s)) }

// CASState atomically transitions the thread from old to new, returning
// whether it succeeded.
func (t *Thread) CASState(old, new ThreadState) bool {
	return t.state.CompareAndSwap(int32(old), int32(new))
}

// SleepStatePad returns the current value of the sleep-state pad.
func (t *Thread) SleepStatePad() SleepState { return SleepState(t.sleepState.Load()) }

// SetSleepStatePad sets the sleep-state pad unconditionally (used when a
// thread begins a new sleep episode, resetting the pad to SleepInitial).
func (t *Thread) SetSleepStatePad(s SleepState) { t.sleepState.Store(int32(s)) }

// CASSleepStatePad is the CAS primitive spec §4.4/§4.9 build the sleep/wake
// race resolution on top of.
func (t *Thread) CASSleepStatePad(old, new SleepState) bool {
	return t.sleepState.CompareAndSwap(int32(old), int32(new))
}

// FPUContextExists reports whether FPUContext currently holds valid state.
func (t *Thread) FPUContextExists() bool { return t.fpuContextExists.Load() }

// SetFPUContextExists updates the FPU-context-valid flag.
func (t *Thread) SetFPUContextExists(v bool) { t.fpuContextExists.Store(v) }

// Hold increments the thread's reference count (spec's thread_hold).
func (t *Thread) Hold() { t.refs.Add(1) }

// Put decrements the thread's reference count (spec's thread_put), invoking
// the destroy hook registered via OnDestroy exactly once when the count
// reaches zero, and reporting whether this call did so.
func (t *Thread) Put() bool {
	if t.refs.Add(-1) != 0 {
		return false
	}
	if t.onDestroy != nil {
		t.onDestroy(t)
	}
	return true
}

// OnDestroy registers fn to run exactly once, the moment the reference count
// reaches zero. Used by task/scheduler wiring to release the thread's task
// reference and FPU ownership (spec §4.4's "owners that are destroyed must
// atomically relinquish ownership").
func (t *Thread) OnDestroy(fn func(*Thread)) { t.onDestroy = fn }

// rqList is one per-CPU, per-priority ready list: an intrusive doubly
// linked list of *Thread guarded by its own lock, the same free-list-style
// linkage the reference boot image's page/heap allocators use for their own
// segment lists.
type rqList struct {
	mu         sync.Mutex
	head, tail *Thread
	n          int
}

// RunQueue is a per-CPU array of DefaultRQCount (or caller-supplied) ready
// lists plus a size counter per list (spec §3/§4.6, component C6).
type RunQueue struct {
	lists []rqList
}

// NewRunQueue builds a run queue with count priority levels.
func NewRunQueue(count int) *RunQueue {
	if count <= 0 {
		count = DefaultRQCount
	}
	return &RunQueue{lists: make([]rqList, count)}
}

// Count returns the number of priority levels (RQ_COUNT).
func (rq *RunQueue) Count() int { return len(rq.lists) }

// Len returns the number of threads currently queued at prio.
func (rq *RunQueue) Len(prio int) int {
	l := &rq.lists[prio]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Enqueue appends t to the list at prio (FIFO within a priority, spec §4.6),
// sets its priority, Ready state and LastCPU, and adjusts cpu.NRdy plus the
// owning system's global nrdy.
func (rq *RunQueue) Enqueue(t *Thread, cpu *CPU, prio int32) {
	t.Priority.Store(prio)
	t.SetState(Ready)
	t.LastCPU = cpu

	l := &rq.lists[prio]
	l.mu.Lock()
	t.rqNext = nil
	t.rqPrev = l.tail
	if l.tail != nil {
		l.tail.rqNext = t
	} else {
		l.head = t
	}
	l.tail = t
	l.n++
	l.mu.Unlock()

	cpu.NRdy.Add(1)
	if cpu.sys != nil {
		cpu.sys.globalNRdy.Add(1)
	}
}

// DequeueBest scans priority 0..Count()-1 and returns the first thread found
// (spec's rq_dequeue_best), adjusting nrdy counters symmetrically with
// Enqueue. Returns nil if every list is empty.
func (rq *RunQueue) DequeueBest(cpu *CPU) *Thread {
	t, _ := rq.DequeueBestIndexed(cpu)
	return t
}

// DequeueBestIndexed is DequeueBest plus the priority-list index the thread
// was actually found at. A Relink sweep can move a thread to a different
// list than the one its Priority field still records, so the scheduler uses
// this index, not the stale field, as the thread's corrected priority
// (reference scheduler.c's prepare_to_run_thread comment: "Correct rq
// index").
func (rq *RunQueue) DequeueBestIndexed(cpu *CPU) (*Thread, int) {
	for i := range rq.lists {
		if t := rq.dequeueAt(i); t != nil {
			cpu.NRdy.Add(-1)
			if cpu.sys != nil {
				cpu.sys.globalNRdy.Add(-1)
			}
			return t, i
		}
	}
	return nil, -1
}

func (rq *RunQueue) dequeueAt(prio int) *Thread {
	l := &rq.lists[prio]
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.head
	if t == nil {
		return nil
	}
	l.head = t.rqNext
	if l.head != nil {
		l.head.rqPrev = nil
	} else {
		l.tail = nil
	}
	t.rqNext, t.rqPrev = nil, nil
	l.n--
	return t
}

// Remove unlinks t from whichever priority list it currently occupies
// (determined from t.Priority), reporting whether it was found there. Used
// by Task.Kill to drop a still-Ready thread out of scheduling immediately
// rather than waiting for it to be dequeued and run.
func (rq *RunQueue) Remove(t *Thread, cpu *CPU) bool {
	prio := int(t.Priority.Load())
	if prio < 0 || prio >= len(rq.lists) {
		return false
	}
	l := &rq.lists[prio]
	l.mu.Lock()
	if t.rqPrev == nil && t.rqNext == nil && l.head != t {
		l.mu.Unlock()
		return false
	}
	if t.rqPrev != nil {
		t.rqPrev.rqNext = t.rqNext
	} else if l.head == t {
		l.head = t.rqNext
	}
	if t.rqNext != nil {
		t.rqNext.rqPrev = t.rqPrev
	} else if l.tail == t {
		l.tail = t.rqPrev
	}
	t.rqNext, t.rqPrev = nil, nil
	l.n--
	l.mu.Unlock()

	cpu.NRdy.Add(-1)
	if cpu.sys != nil {
		cpu.sys.globalNRdy.Add(-1)
	}
	return true
}

// StealAt scans the list at prio from the tail (least-recently-enqueued
// end first, mirroring reference scheduler.c's steal_thread_from scanning
// "from the back") for the first thread skip reports false for, unlinks it,
// and returns it. Returns nil if every thread at this priority is
// ineligible. Callers are responsible for adjusting nrdy counters and
// re-enqueuing the thread on its new CPU.
func (rq *RunQueue) StealAt(prio int, skip func(*Thread) bool) *Thread {
	l := &rq.lists[prio]
	l.mu.Lock()
	defer l.mu.Unlock()

	for t := l.tail; t != nil; t = t.rqPrev {
		if skip(t) {
			continue
		}
		if t.rqPrev != nil {
			t.rqPrev.rqNext = t.rqNext
		} else {
			l.head = t.rqNext
		}
		if t.rqNext != nil {
			t.rqNext.rqPrev = t.rqPrev
		} else {
			l.tail = t.rqPrev
		}
		t.rqNext, t.rqPrev = nil, nil
		l.n--
		return t
	}
	return nil
}

// PlaceStolen appends a thread removed via StealAt onto this run queue at
// prio, adjusting only this CPU's NRdy: the global ready counter is
// unaffected because a steal moves a thread between CPUs rather than
// changing the system-wide ready count.
func (rq *RunQueue) PlaceStolen(t *Thread, cpu *CPU, prio int32) {
	t.Priority.Store(prio)

	l := &rq.lists[prio]
	l.mu.Lock()
	t.rqNext = nil
	t.rqPrev = l.tail
	if l.tail != nil {
		l.tail.rqNext = t
	} else {
		l.head = t
	}
	l.tail = t
	l.n++
	l.mu.Unlock()

	cpu.NRdy.Add(1)
}

// Relink implements the anti-starvation sweep of spec §4.6 exactly as the
// reference scheduler.c's relink_rq does it: every list at priority > start
// is cascaded one level toward higher priority by repeated single-list
// swaps (never holding two list locks at once), and the content that was at
// start+1 is appended — not overwritten — onto start. A no-op when start is
// already the lowest priority level (RQ_COUNT-1).
func (rq *RunQueue) Relink(start int) {
	if start >= len(rq.lists)-1 {
		return
	}

	var carryHead, carryTail *Thread
	var carryN int

	for i := len(rq.lists) - 1; i > start; i-- {
		l := &rq.lists[i]
		l.mu.Lock()
		oldHead, oldTail, oldN := l.head, l.tail, l.n
		l.head, l.tail, l.n = carryHead, carryTail, carryN
		l.mu.Unlock()
		carryHead, carryTail, carryN = oldHead, oldTail, oldN
	}

	if carryN == 0 {
		return
	}

	l := &rq.lists[start]
	l.mu.Lock()
	if l.tail != nil {
		l.tail.rqNext = carryHead
		carryHead.rqPrev = l.tail
	} else {
		l.head = carryHead
	}
	l.tail = carryTail
	l.n += carryN
	l.mu.Unlock()
}
