// Package waitqueue implements the sleep/wake operations of spec.md §4.9
// (component C9): wq_sleep, wq_sleep_timeout, wq_wakeup and wq_close, built
// on proc.WaitQueue's intrusive list and the thread sleep-state pad, driven
// through a scheduler.Scheduler the same way the reference kernel's
// synch/waitq.c calls back into scheduler_enter and thread_requeue_sleeping.
package waitqueue

import (
	"context"
	"time"

	"github.com/iansmith/corekernel/internal/kerrors"
	"github.com/iansmith/corekernel/internal/klog"
	"github.com/iansmith/corekernel/internal/proc"
	"github.com/iansmith/corekernel/internal/scheduler"
)

// WakeMode selects how many sleepers wq_wakeup disturbs.
type WakeMode int

const (
	WakeOne WakeMode = iota
	WakeAll
)

// WaitQueue pairs a proc.WaitQueue with the scheduler operations needed to
// actually put a thread to sleep and wake it back up.
type WaitQueue struct {
	data *proc.WaitQueue
	sch  *scheduler.Scheduler
}

// New wraps wq with the scheduler used to block/wake threads.
func New(sch *scheduler.Scheduler) *WaitQueue {
	return &WaitQueue{data: proc.NewWaitQueue(), sch: sch}
}

// Len reports the number of currently sleeping threads.
func (q *WaitQueue) Len() int { return q.data.Len() }

// Sleep is wq_sleep: the calling thread commits to sleeping on q. Returns
// ErrResourceExhausted without sleeping if q has been closed, ErrInterrupted
// if the thread's InterruptOnSignal flag is set once Enter returns, and nil
// otherwise.
//
// Steps (spec §4.9):
//  1. set the sleep-state pad to SleepInitial,
//  2. link the thread into q.sleepers,
//  3. call scheduler.Enter(cpu, Sleeping), which itself CASes the pad
//     Initial->Asleep in its cleanup path and requeues immediately on a
//     lost race.
func (q *WaitQueue) Sleep(cpu *proc.CPU, self *proc.Thread) error {
	if q.data.IsClosed() {
		return kerrors.ErrResourceExhausted
	}

	self.SetSleepStatePad(proc.SleepInitial)
	q.data.Link(self)

	q.sch.Enter(cpu, proc.Sleeping)

	if self.InterruptOnSignal.Load() {
		self.InterruptOnSignal.Store(false)
		return kerrors.ErrInterrupted
	}
	return nil
}

// SleepTimeout is wq_sleep_timeout: identical to Sleep, but a single
// background timer races the deadline against ctx's cancellation; whichever
// fires first unlinks the thread (if it is still linked — Wakeup may have
// already claimed it) and forces it awake exactly like a normal waker
// would. ctx may be nil to mean "no cancellation, only the deadline."
func (q *WaitQueue) SleepTimeout(ctx context.Context, cpu *proc.CPU, self *proc.Thread, deadline time.Duration) error {
	if q.data.IsClosed() {
		return kerrors.ErrResourceExhausted
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	go func() {
		select {
		case <-timer.C:
		case <-done:
		}
		if q.data.Unlink(self) {
			q.wake(self, cpu)
		}
	}()

	return q.Sleep(cpu, self)
}

// Wakeup is wq_wakeup: wakes one or all sleepers (spec §4.9 step 3). A
// waker CASes the sleep-state pad from SleepInitial to SleepWoke (the
// common case, the sleeper hasn't committed yet) and, if that CAS instead
// observes SleepAsleep (the sleeper already committed), requeues the
// thread itself via scheduler.RequeueSleeping.
func (q *WaitQueue) Wakeup(fallback *proc.CPU, mode WakeMode) int {
	var woken int
	switch mode {
	case WakeOne:
		if t := q.data.PopFront(); t != nil {
			q.wake(t, fallback)
			woken = 1
		} else {
			q.data.RecordMissedWakeup()
		}
	case WakeAll:
		sleepers := q.data.PopAll()
		if len(sleepers) == 0 {
			q.data.RecordMissedWakeup()
		}
		for _, t := range sleepers {
			q.wake(t, fallback)
			woken++
		}
	}
	return woken
}

func (q *WaitQueue) wake(t *proc.Thread, fallback *proc.CPU) {
	if t.CASSleepStatePad(proc.SleepInitial, proc.SleepWoke) {
		// The sleeper has not yet reached scheduler cleanup; its own CAS
		// there will observe SleepWoke and requeue itself.
		return
	}
	// The sleeper already committed (pad is SleepAsleep); it is off every
	// queue and only the waker can put it back on a run queue.
	q.sch.RequeueSleeping(t, fallback)
	klog.Sched.Debug().Uint64("tid", t.ID).Msg("woke sleeping thread")
}

// Close is wq_close: wakes every sleeper and marks the queue so further
// Sleep calls fail immediately (spec §4.9/§9.2's "EHANGUP" case is the
// caller's concern, not this package's — Close only reports
// ErrResourceExhausted to new sleepers).
func (q *WaitQueue) Close(fallback *proc.CPU) int {
	q.data.Close()
	return q.Wakeup(fallback, WakeAll)
}
