package proc

import (
	"sync"
	"sync/atomic"

	"github.com/iansmith/corekernel/internal/addrspace"
)

// Task is the owning container of threads (spec §3, component C5): it
// references exactly one address space and carries an optional per-arch I/O
// bitmap.
type Task struct {
	ID uint64

	AS       *addrspace.AddressSpace
	IOBitmap *IOBitmap // nil if this task has none

	refs atomic.Int32

	mu      sync.Mutex
	threads map[uint64]*Thread
}

var nextTaskID atomic.Uint64

// NewTask creates a task owning as, with one reference held by the caller
// (spec's task_create). as.Hold() is the caller's responsibility before
// handing it to NewTask if the address space is shared.
func NewTask(as *addrspace.AddressSpace) *Task {
	tk := &Task{
		ID:      nextTaskID.Add(1),
		AS:      as,
		threads: make(map[uint64]*Thread),
	}
	tk.refs.Store(1)
	return tk
}

// Hold increments the task's reference count (spec's task_hold). Holding
// the kernel task is documented as a no-op by spec §4.5; callers identify
// the kernel task by convention (e.g. ID 0) and may skip calling Hold/
// Release for it entirely.
func (tk *Task) Hold() { tk.refs.Add(1) }

// Release decrements the reference count (spec's task_release), releasing
// the address space and reporting whether this call destroyed the task.
func (tk *Task) Release() bool {
	if tk.refs.Add(-1) != 0 {
		return false
	}
	if tk.AS != nil {
		tk.AS.Release()
	}
	return true
}

// AddThread registers t as belonging to this task.
func (tk *Task) AddThread(t *Thread) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.threads[t.ID] = t
}

// RemoveThread unregisters t from this task (called once t fully exits).
func (tk *Task) RemoveThread(t *Thread) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	delete(tk.threads, t.ID)
}

// Kill is task_kill: marks every thread owned by the task for termination.
// A thread still sitting Ready in a run queue is dequeued and finalized
// immediately; a thread that is currently Running or Sleeping is instead
// flagged via MarkKilled, so the scheduler's cleanup dispatch drives it to
// Exiting the next time it is switched away from (for a thread already
// asleep, that is after it is woken and runs again), rather than being
// ripped off a CPU mid-flight.
func (tk *Task) Kill() {
	for _, t := range tk.Threads() {
		t.MarkKilled()

		if t.State() != Ready {
			continue
		}
		cpu := t.LastCPU
		if cpu == nil || !cpu.RQ.Remove(t, cpu) {
			continue
		}
		t.SetState(Exiting)
		t.JoinWQ.Close()
		t.Put()
	}
}

// Threads returns a snapshot slice of the task's current threads.
func (tk *Task) Threads() []*Thread {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	out := make([]*Thread, 0, len(tk.threads))
	for _, t := range tk.threads {
		out = append(out, t)
	}
	return out
}

// IOBitmap is a simple per-port permission bitmap (spec §3's "per-arch I/O
// bitmap"); it implements addrspace.IOBitmapChecker so
// AddressSpace.PageFault can consult it without addrspace importing proc.
type IOBitmap struct {
	mu   sync.RWMutex
	bits []byte
}

// NewIOBitmap allocates a bitmap covering nports ports, all initially
// disallowed.
func NewIOBitmap(nports int) *IOBitmap {
	return &IOBitmap{bits: make([]byte, (nports+7)/8)}
}

// Allow grants access to port.
func (b *IOBitmap) Allow(port uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := int(port / 8)
	if idx >= len(b.bits) {
		return
	}
	b.bits[idx] |= 1 << (port % 8)
}

// Deny revokes access to port.
func (b *IOBitmap) Deny(port uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := int(port / 8)
	if idx >= len(b.bits) {
		return
	}
	b.bits[idx] &^= 1 << (port % 8)
}

// Allowed reports whether port is permitted (addrspace.IOBitmapChecker).
func (b *IOBitmap) Allowed(port uint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := int(port / 8)
	if idx >= len(b.bits) {
		return false
	}
	return b.bits[idx]&(1<<(port%8)) != 0
}
