// Package loadbalancer implements the SMP load-balancing pass of spec.md
// §4.8 (component C8), a direct adaptation of the reference scheduler.c's
// kcpulb/steal_thread_from: a periodic sweep that moves ready threads from
// over-supplied CPUs to under-supplied ones, never disturbing FPU affinity,
// already-stolen or migration-disabled (NoMigrate) threads. There is no
// separate CPU-wired flag; NoMigrate is the only pinning the balancer honors.
package loadbalancer

import (
	"time"

	"github.com/iansmith/corekernel/internal/klog"
	"github.com/iansmith/corekernel/internal/proc"
)

// Config controls the balancer's cadence.
type Config struct {
	// Interval between balancing passes (kcpulb's "work in 1s intervals").
	Interval time.Duration
}

// DefaultConfig returns the reference 1-second balancing interval.
func DefaultConfig() Config { return Config{Interval: time.Second} }

// Balancer runs one balancing pass at a time against a proc.System.
type Balancer struct {
	sys *proc.System
	cfg Config
}

// New builds a Balancer over sys.
func New(sys *proc.System, cfg Config) *Balancer {
	return &Balancer{sys: sys, cfg: cfg}
}

// eligible reports whether t may be stolen onto dest: not already stolen
// this epoch, migration not pinned, and not the source CPU's current FPU
// owner (stealing it would force an immediate FPU context save/restore on
// the source).
func eligible(t *proc.Thread, srcFPUOwner *proc.Thread) bool {
	if t.Stolen.Load() {
		return false
	}
	if t.NoMigrate.Load() > 0 {
		return false
	}
	if t == srcFPUOwner {
		return false
	}
	return true
}

// StealOneFrom attempts to steal a single eligible thread from src onto
// dest, scanning src's priority lists from the lowest priority (highest
// index) to the highest, and returns the thread moved and true, or nil and
// false if no list held an eligible thread.
func StealOneFrom(src, dest *proc.CPU) (*proc.Thread, bool) {
	for prio := src.RQ.Count() - 1; prio >= 0; prio-- {
		owner := src.FPUOwner()
		t := src.RQ.StealAt(prio, func(cand *proc.Thread) bool {
			return !eligible(cand, owner)
		})
		if t == nil {
			continue
		}

		t.Stolen.Store(true)
		t.LastCPU = dest
		src.NRdy.Add(-1)
		dest.RQ.PlaceStolen(t, dest, int32(prio))

		klog.Balancer.Debug().
			Int("from_cpu", src.ID).
			Int("to_cpu", dest.ID).
			Uint64("tid", t.ID).
			Int64("dest_nrdy", dest.NRdy.Load()).
			Msg("stole thread")
		return t, true
	}
	return nil, false
}

// Balance runs one pass of the algorithm for "me": compute the target
// average, then pull threads from every CPU above that average, searching
// lowest-priority queues first across all CPUs before moving to
// higher-priority ones (reference scheduler.c's nested rq-then-cpu loop
// order), until "me" reaches the average or no further steal succeeds.
func (b *Balancer) Balance(me *proc.CPU) {
	active := b.sys.ActiveCPUs()
	if len(active) <= 1 {
		return
	}

	for {
		average := b.sys.GlobalNRdy()/int64(len(active)) + 1
		rdy := me.NRdy.Load()
		if average <= rdy {
			return
		}
		need := average - rdy

		stoleAny := false
		for prio := me.RQ.Count() - 1; prio >= 0 && need > 0; prio-- {
			for _, cpu := range active {
				if cpu == me || need == 0 {
					continue
				}
				if cpu.NRdy.Load() <= average {
					continue
				}
				owner := cpu.FPUOwner()
				t := cpu.RQ.StealAt(prio, func(cand *proc.Thread) bool {
					return !eligible(cand, owner)
				})
				if t == nil {
					continue
				}
				t.Stolen.Store(true)
				t.LastCPU = me
				cpu.NRdy.Add(-1)
				me.RQ.PlaceStolen(t, me, int32(prio))
				need--
				stoleAny = true

				klog.Balancer.Debug().
					Int("from_cpu", cpu.ID).
					Int("to_cpu", me.ID).
					Uint64("tid", t.ID).
					Int64("avg", average).
					Msg("balancer stole thread")
			}
		}

		if !stoleAny {
			return
		}
	}
}

// Run loops Balance(me) every cfg.Interval until stop is closed. Intended to
// be driven by one goroutine per CPU, mirroring kcpulb being one kernel
// thread per CPU.
func (b *Balancer) Run(me *proc.CPU, stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Balance(me)
		}
	}
}
