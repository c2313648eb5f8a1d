// Package mmu implements the MMU abstraction (spec.md §4.2, component C2):
// PTE install/remove/lookup/update, TLB invalidation (single page / ASID /
// all) with the numeric bulk-flush heuristic, ASID allocation with recycling,
// and an optional VHPT (virtual hash page table) mirror.
//
// The package never touches hardware itself; all of that is delegated to an
// archiface.Arch implementation. mmu.MMU is the policy layer the reference
// boot image's mmu.go folds directly into its page-table/frame-allocator
// code; here the policy (stride heuristic, ASID recycling, VHPT bookkeeping)
// is kept separate from the mechanism (Arch) so it can be unit tested without
// a real page table.
package mmu

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/klog"
)

// maxStrideWidth bounds how large a single TLB-invalidate stride the bulk
// flush heuristic will attempt before giving up and falling back to a whole
// ASID (or global) flush — the "beyond the stride table" case in spec §4.2.
const maxStrideWidth = archiface.PageWidth + 16

// Config carries the compile-time knobs spec §6 enumerates for the MMU.
type Config struct {
	// MaxASID bounds the pool of non-kernel ASIDs available for recycling.
	MaxASID archiface.ASID
	// VHPT enables the virtual hash page table mirror (CONFIG_VHPT).
	VHPT bool
}

// MMU is the per-system MMU abstraction instance. One MMU is shared by every
// CPU; concurrent callers serialize through its own locks, never through a
// caller-held address-space lock (deadlock order: address space -> page
// table -> run queue, spec §5, TLB ops never take a higher lock).
type MMU struct {
	arch archiface.Arch
	cfg  Config

	asidMu    sync.Mutex
	nextASID  archiface.ASID
	freeASIDs []archiface.ASID

	vhptMu sync.RWMutex
	vhpt   map[vhptKey]archiface.PTE // present only when cfg.VHPT
}

type vhptKey struct {
	asid  archiface.ASID
	vaddr uintptr
}

// New builds an MMU instance bound to arch. A zero MaxASID selects the
// default pool size of 1024.
func New(arch archiface.Arch, cfg Config) *MMU {
	if cfg.MaxASID == 0 {
		cfg.MaxASID = 1024
	}
	m := &MMU{
		arch:     arch,
		cfg:      cfg,
		nextASID: archiface.KernelASID + 1,
	}
	if cfg.VHPT {
		m.vhpt = make(map[vhptKey]archiface.PTE)
	}
	return m
}

// NewRoot allocates a fresh opaque page-table root for a new address space.
func (m *MMU) NewRoot() uintptr { return m.arch.NewPTRoot() }

// FreeRoot releases a page-table root previously returned by NewRoot.
func (m *MMU) FreeRoot(root uintptr) { m.arch.FreePTRoot(root) }

// Insert installs vaddr->paddr with the given flags (spec's pt_insert),
// mirroring into the VHPT when enabled.
func (m *MMU) Insert(root uintptr, asid archiface.ASID, vaddr, paddr uintptr, flags uint32) error {
	if err := m.arch.PTInsert(root, vaddr, paddr, flags); err != nil {
		return fmt.Errorf("mmu: insert %#x -> %#x: %w", vaddr, paddr, err)
	}
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		m.vhpt[vhptKey{asid, vaddr}] = archiface.PTE{PAddr: paddr, Flags: flags}
		m.vhptMu.Unlock()
	}
	klog.MMU.Debug().Uint32("asid", uint32(asid)).Uintptr("vaddr", vaddr).Uintptr("paddr", paddr).Msg("pt_insert")
	return nil
}

// Remove tears down any mapping for vaddr (spec's pt_remove).
func (m *MMU) Remove(root uintptr, asid archiface.ASID, vaddr uintptr) error {
	if err := m.arch.PTRemove(root, vaddr); err != nil {
		return fmt.Errorf("mmu: remove %#x: %w", vaddr, err)
	}
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		delete(m.vhpt, vhptKey{asid, vaddr})
		m.vhptMu.Unlock()
	}
	return nil
}

// Find looks up vaddr's PTE (spec's pt_find). lockOk mirrors the source
// parameter of the same name: when false, the caller promises the relevant
// lock is already held and Find must not attempt to reacquire anything that
// would deadlock (Find reads only the architecture page table and takes no
// lock of its own, so this is purely advisory and kept for interface
// fidelity with spec §4.2).
func (m *MMU) Find(root uintptr, asid archiface.ASID, vaddr uintptr, lockOk bool) (archiface.PTE, bool) {
	_ = lockOk
	return m.arch.PTFind(root, vaddr)
}

// Update replaces the PTE at vaddr (spec's pt_update), used for access/dirty
// bit updates on a soft fault (spec §4.3).
func (m *MMU) Update(root uintptr, asid archiface.ASID, vaddr uintptr, pte archiface.PTE) error {
	if err := m.arch.PTUpdate(root, vaddr, pte); err != nil {
		return fmt.Errorf("mmu: update %#x: %w", vaddr, err)
	}
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		m.vhpt[vhptKey{asid, vaddr}] = pte
		m.vhptMu.Unlock()
	}
	return nil
}

// InstallAddressSpace makes root/asid current on this CPU (spec's as_install,
// §4.2's as_install_arch half).
func (m *MMU) InstallAddressSpace(root uintptr, asid archiface.ASID) {
	m.arch.ASInstallArch(root, asid)
}

// BeginTLBUpdate/EndTLBUpdate name the two halves of the
// serialize-instruction/serialize-data fence pair around a rewrite of a live
// region-register or page-table root. Both have empty bodies: archiface.Arch
// has no fence operation for them to call, and no code in this module
// (Insert, Update, Remove or internal/addrspace) calls them.
func (m *MMU) BeginTLBUpdate() {}

// EndTLBUpdate is the second half of the pair; like BeginTLBUpdate it does
// nothing.
func (m *MMU) EndTLBUpdate() {}

// InvalidatePage flushes a single page's translation.
func (m *MMU) InvalidatePage(asid archiface.ASID, vaddr uintptr) {
	m.arch.TLBInvalidatePage(asid, vaddr)
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		delete(m.vhpt, vhptKey{asid, vaddr})
		m.vhptMu.Unlock()
	}
}

// InvalidateASID flushes every translation tagged with asid.
func (m *MMU) InvalidateASID(asid archiface.ASID) {
	m.arch.TLBInvalidateASID(asid)
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		for k := range m.vhpt {
			if k.asid == asid {
				delete(m.vhpt, k)
			}
		}
		m.vhptMu.Unlock()
	}
}

// InvalidateAll flushes the entire TLB.
func (m *MMU) InvalidateAll() {
	m.arch.TLBInvalidateAll()
	if m.cfg.VHPT {
		m.vhptMu.Lock()
		m.vhpt = make(map[vhptKey]archiface.PTE)
		m.vhptMu.Unlock()
	}
}

// FlushRange is the bulk TLB flush described numerically in spec §4.2: given
// (asid, page, count), it flushes a range covering count pages by selecting
// a power-of-two page-stride ps = PAGE_WIDTH + 2*k where k = floor(log2(count))/2,
// then invalidates va = page &^ ((1<<ps)-1) stepping by 1<<ps until
// page + count*PageSize is covered. count < 4 uses a single-page stride;
// beyond maxStrideWidth it falls back to InvalidateASID (or InvalidateAll if
// asid is the kernel ASID, since a stride that wide usually means "most of
// the address space").
func (m *MMU) FlushRange(asid archiface.ASID, page uintptr, count uint) {
	if count == 0 {
		return
	}
	if count < 4 {
		for i := uint(0); i < count; i++ {
			m.InvalidatePage(asid, page+uintptr(i)*archiface.PageSize)
		}
		return
	}

	k := (bits.Len(count) - 1) / 2
	ps := archiface.PageWidth + 2*uint(k)

	if ps >= maxStrideWidth {
		if asid == archiface.KernelASID {
			m.InvalidateAll()
		} else {
			m.InvalidateASID(asid)
		}
		return
	}

	stride := uintptr(1) << ps
	va := page &^ (stride - 1)
	end := page + uintptr(count)*archiface.PageSize
	for v := va; v < end; v += stride {
		m.InvalidatePage(asid, v)
	}
}

// AllocASID returns a non-kernel ASID, reusing recycled ones (with the TLB
// flush already performed at FreeASID time, per §8's round-trip law: "asid_get();
// asid_put(a) followed by asid_get() may reuse a only after an appropriate
// TLB flush").
func (m *MMU) AllocASID() (archiface.ASID, error) {
	m.asidMu.Lock()
	defer m.asidMu.Unlock()

	if n := len(m.freeASIDs); n > 0 {
		a := m.freeASIDs[n-1]
		m.freeASIDs = m.freeASIDs[:n-1]
		return a, nil
	}
	if m.nextASID > m.cfg.MaxASID {
		return 0, fmt.Errorf("mmu: no ASIDs available: %w", ErrResourceExhausted)
	}
	a := m.nextASID
	m.nextASID++
	return a, nil
}

// FreeASID releases asid back to the pool after flushing every translation
// tagged with it, so a subsequent AllocASID reuse never observes a stale
// entry.
func (m *MMU) FreeASID(asid archiface.ASID) {
	if asid == archiface.KernelASID {
		panic("mmu: attempted to free the kernel ASID")
	}
	m.InvalidateASID(asid)
	m.asidMu.Lock()
	m.freeASIDs = append(m.freeASIDs, asid)
	m.asidMu.Unlock()
}
