// Package simarch is a complete, pure-Go archiface.Arch implementation: a
// software page table keyed by (root, vaddr), software TLB-shootout
// counters instead of real invalidation, and no-op context switch
// primitives in place of machine register spills. It exists so
// cmd/kernsim and integration tests can drive the generic execution core
// (internal/proc, internal/mmu, internal/addrspace, internal/scheduler)
// without any real hardware or assembly, the same way the reference boot
// image's mazboot/golang tree keeps a pure software fallback path alongside
// its qemuvirt/aarch64-only assembly.
package simarch

import (
	"sync"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/kerrors"
)

// Arch is the simulated architecture back-end. The zero value is not
// usable; construct with New.
type Arch struct {
	mu       sync.Mutex
	tables   map[uintptr]map[uintptr]archiface.PTE
	nextRoot uintptr

	fpuEnabled bool

	// TLBFlushes counts invalidation calls by kind, for diagnostics and
	// tests that want to assert on flush volume without caring about
	// identity.
	TLBFlushes struct {
		Page, ASID, All int
	}
}

// New returns a ready-to-use simulated architecture.
func New() *Arch {
	return &Arch{tables: make(map[uintptr]map[uintptr]archiface.PTE), nextRoot: 1}
}

// ContextSave/ContextRestore/ContextSwap have no real machine register
// content to move in a host-process simulation; a goroutine IS the
// execution context, so "switching" is simply a matter of the generic
// scheduler's bookkeeping, and these hooks are no-ops that exist solely to
// satisfy the Arch contract for back-ends that would need them.
func (a *Arch) ContextSave(ctx *archiface.Context) bool     { return false }
func (a *Arch) ContextRestore(ctx *archiface.Context)       {}
func (a *Arch) ContextSwap(from, to *archiface.Context)     {}

// FPUContextSave/FPUContextRestore/FPUInit are no-ops: simarch has no real
// FPU, so the blob is left untouched and keeps whatever the caller last
// wrote into it.
func (a *Arch) FPUContextSave(fctx *archiface.FPUContext)    {}
func (a *Arch) FPUContextRestore(fctx *archiface.FPUContext) {}
func (a *Arch) FPUInit()                                     {}

func (a *Arch) FPUEnable() {
	a.mu.Lock()
	a.fpuEnabled = true
	a.mu.Unlock()
}

func (a *Arch) FPUDisable() {
	a.mu.Lock()
	a.fpuEnabled = false
	a.mu.Unlock()
}

// FPUEnabled reports whether the simulated FPU is currently enabled, for
// tests asserting on lazy-switch behavior.
func (a *Arch) FPUEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fpuEnabled
}

// ASInstallArch would reprogram a real page-table-base register; there is
// none to reprogram here, since PTFind/PTInsert already address tables by
// root directly.
func (a *Arch) ASInstallArch(root uintptr, asid archiface.ASID) {}

func (a *Arch) BeforeThreadRunsArch() {}
func (a *Arch) AfterThreadRanArch()   {}

func (a *Arch) TLBInvalidatePage(asid archiface.ASID, vaddr uintptr) {
	a.mu.Lock()
	a.TLBFlushes.Page++
	a.mu.Unlock()
}

func (a *Arch) TLBInvalidateASID(asid archiface.ASID) {
	a.mu.Lock()
	a.TLBFlushes.ASID++
	a.mu.Unlock()
}

func (a *Arch) TLBInvalidateAll() {
	a.mu.Lock()
	a.TLBFlushes.All++
	a.mu.Unlock()
}

func (a *Arch) PTInsert(root, vaddr, paddr uintptr, flags uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tbl, ok := a.tables[root]
	if !ok {
		return kerrors.ErrNotFound
	}
	tbl[vaddr] = archiface.PTE{PAddr: paddr, Flags: flags}
	return nil
}

func (a *Arch) PTRemove(root, vaddr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tbl, ok := a.tables[root]
	if !ok {
		return kerrors.ErrNotFound
	}
	delete(tbl, vaddr)
	return nil
}

func (a *Arch) PTFind(root, vaddr uintptr) (archiface.PTE, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tbl, ok := a.tables[root]
	if !ok {
		return archiface.PTE{}, false
	}
	pte, ok := tbl[vaddr]
	return pte, ok
}

func (a *Arch) PTUpdate(root, vaddr uintptr, pte archiface.PTE) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tbl, ok := a.tables[root]
	if !ok {
		return kerrors.ErrNotFound
	}
	if _, ok := tbl[vaddr]; !ok {
		return kerrors.ErrNotFound
	}
	tbl[vaddr] = pte
	return nil
}

func (a *Arch) NewPTRoot() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.nextRoot
	a.nextRoot++
	a.tables[r] = make(map[uintptr]archiface.PTE)
	return r
}

func (a *Arch) FreePTRoot(root uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, root)
}
