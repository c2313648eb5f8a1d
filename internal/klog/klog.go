// Package klog supplies the structured, leveled loggers used across the
// execution core. The reference boot image narrates its own bootstrap and
// scheduling milestones by writing raw strings straight to a UART
// (uartPuts/uartPutHex64Direct) because nothing underneath it can host a
// logging library. Hosted atop a normal process, the same narration points
// (bootstrap, scheduler enter/cleanup, load-balancer rounds, page-fault
// resolution) go through zerolog instead, so the fields are queryable rather
// than scraped out of a text stream.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	out     io.Writer = os.Stderr
	base              = zerolog.New(out).With().Timestamp().Logger()

	// CPU logs per-CPU lifecycle events: activation, idle entry/exit,
	// interrupt mask changes.
	CPU = base.With().Str("component", "cpu").Logger()

	// Sched logs scheduler_enter/scheduler_run/cleanup_after_thread
	// transitions.
	Sched = base.With().Str("component", "scheduler").Logger()

	// MMU logs PTE install/remove, TLB flush, ASID allocation, and
	// page-fault resolution.
	MMU = base.With().Str("component", "mmu").Logger()

	// Balancer logs load-balancer rounds and steal attempts.
	Balancer = base.With().Str("component", "loadbalancer").Logger()
)

// SetOutput redirects all of the package's loggers to w, re-deriving each
// named logger so existing field context (component=...) is preserved.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	base = zerolog.New(out).With().Timestamp().Logger()
	CPU = base.With().Str("component", "cpu").Logger()
	Sched = base.With().Str("component", "scheduler").Logger()
	MMU = base.With().Str("component", "mmu").Logger()
	Balancer = base.With().Str("component", "loadbalancer").Logger()
}
