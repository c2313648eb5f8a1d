// Package archiface defines the capability set an architecture back-end must
// provide (spec §6). The generic execution core is parameterized over this
// interface the same way the reference boot image keeps its portable
// bookkeeping (heap, page free-list, goroutine scheduling primitives)
// separate from the handful of files locked to "qemuvirt && aarch64" that
// touch real registers — here that seam is an explicit Go interface instead
// of a build tag, so the core can be driven by a software reference
// implementation (internal/simarch) under test.
package archiface

import "fmt"

// Context is the opaque saved-register slot an architecture spills
// callee-saved registers, the stack pointer and the return PC into. The
// abstract layer never inspects these fields directly; only a concrete Arch
// implementation interprets them.
type Context struct {
	SP   uintptr
	PC   uintptr
	Regs [16]uintptr
}

// FPUContext is the opaque FPU/vector register spill area.
type FPUContext struct {
	Regs [64]uint64
}

// ASID is a short address-space identifier tag attached to TLB entries.
type ASID uint32

// KernelASID is never handed to a user address space (spec §8 invariant 6).
const KernelASID ASID = 0

// PTE is a page-table entry as seen by the abstract layer: a physical frame
// and a packed access/attribute word (see internal/bitfield.PTEFlags).
type PTE struct {
	PAddr uintptr
	Flags uint32
}

// String renders a PTE for diagnostics/log fields.
func (p PTE) String() string {
	return fmt.Sprintf("PTE{paddr=%#x flags=%#08x}", p.PAddr, p.Flags)
}

// Arch is the full capability set spec.md §6 requires of an architecture
// back-end: context switch primitives, FPU spill/fill, address-space
// installation, per-thread run hooks, TLB invalidation, and the raw
// page-table operations §4.2 attributes to "each architecture."
type Arch interface {
	// ContextSave saves the caller's context into ctx and returns false the
	// first time it is called for a given ctx; a later ContextRestore/
	// ContextSwap that resumes ctx makes this same call site return true,
	// mirroring setjmp/longjmp semantics.
	ContextSave(ctx *Context) bool
	// ContextRestore resumes ctx as if the matching ContextSave had just
	// returned true. It never returns to its caller.
	ContextRestore(ctx *Context)
	// ContextSwap atomically saves the current context into from and
	// resumes to. Returns once something swaps back into from.
	ContextSwap(from, to *Context)

	FPUContextSave(fctx *FPUContext)
	FPUContextRestore(fctx *FPUContext)
	FPUInit()
	FPUEnable()
	FPUDisable()

	// ASInstallArch installs root/asid as the current address space on this
	// CPU (spec §4.3's as_install, architecture half).
	ASInstallArch(root uintptr, asid ASID)

	// BeforeThreadRunsArch/AfterThreadRanArch are hooks for architecture
	// bookkeeping around a thread's run, e.g. late identity-mapping of a
	// kernel stack (spec §4.7 step 2).
	BeforeThreadRunsArch()
	AfterThreadRanArch()

	TLBInvalidatePage(asid ASID, vaddr uintptr)
	TLBInvalidateASID(asid ASID)
	TLBInvalidateAll()

	PTInsert(root uintptr, vaddr, paddr uintptr, flags uint32) error
	PTRemove(root uintptr, vaddr uintptr) error
	PTFind(root uintptr, vaddr uintptr) (PTE, bool)
	PTUpdate(root uintptr, vaddr uintptr, pte PTE) error

	// NewPTRoot/FreePTRoot allocate and release the opaque page-table root
	// handle stored in an address space (spec §3's "page-table root, opaque
	// to the abstract layer").
	NewPTRoot() uintptr
	FreePTRoot(root uintptr)
}

// PageSize and PageWidth are the architecture-neutral page geometry assumed
// by the bulk TLB flush heuristic (spec §4.2). A real back-end with a
// different page size would need its own mmu.Config.
const (
	PageWidth = 12 // log2(PageSize)
	PageSize  = 1 << PageWidth
)
