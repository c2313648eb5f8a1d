// Package addrspace implements the address space abstraction (spec.md §4.3,
// component C3): a page-table root, an ordered set of virtual regions, and
// page-fault resolution. It is the policy layer above internal/mmu the same
// way the reference boot image's mmu.go folds page-fault handling
// (HandlePageFault) directly on top of its own page-table/frame-allocator
// bookkeeping; here the two concerns are split so each can be tested in
// isolation.
package addrspace

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/kerrors"
	"github.com/iansmith/corekernel/internal/klog"
	"github.com/iansmith/corekernel/internal/mmu"
)

// AccessKind classifies the kind of access that faulted.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// FaultResult is the outcome of PageFault (spec's {resolved, fault}).
type FaultResult int

const (
	Resolved FaultResult = iota
	Fault
)

// IOBitmapChecker lets PageFault consult "the current task's I/O bitmap"
// (spec §4.3) without addrspace importing the task package — the caller
// supplies whatever implements it (internal/proc.Task does).
type IOBitmapChecker interface {
	Allowed(port uint) bool
}

// AddressSpace owns a page-table root and an ordered set of virtual regions
// (spec §3). Two sentinel instances exist in a running system: the kernel
// address space (shared, never freed — construct it with KernelASID and
// never call Release enough times to reach zero) and one per-task user
// address space.
type AddressSpace struct {
	mu   sync.Mutex
	mmu  *mmu.MMU
	root uintptr
	asid archiface.ASID

	regions []*Region // ordered by Base, non-overlapping

	refs atomic.Int32

	// IdentityBase/IdentityEnd delimit the kernel identity-map window
	// (spec §4.3 step 1 exception, and the "Identity-map kernel fault"
	// scenario in spec §8).
	IdentityBase, IdentityEnd uintptr

	// IOWindowBase/IOWindowEnd delimit the memory-mapped legacy I/O window
	// special-cased in spec §4.3's last paragraph.
	IOWindowBase, IOWindowEnd uintptr
}

// New creates an address space with a freshly allocated page-table root and
// the given ASID (spec's as_create). Use archiface.KernelASID for the kernel
// address space.
func New(m *mmu.MMU, asid archiface.ASID, identityBase, identityEnd, ioBase, ioEnd uintptr) *AddressSpace {
	as := &AddressSpace{
		mmu:          m,
		root:         m.NewRoot(),
		asid:         asid,
		IdentityBase: identityBase,
		IdentityEnd:  identityEnd,
		IOWindowBase: ioBase,
		IOWindowEnd:  ioEnd,
	}
	as.refs.Store(1)
	return as
}

// Root returns the opaque page-table root handle, e.g. for as_install.
func (as *AddressSpace) Root() uintptr { return as.root }

// ASID returns this address space's ASID.
func (as *AddressSpace) ASID() archiface.ASID { return as.asid }

// Hold increments the reference count (one per referencing task/thread).
func (as *AddressSpace) Hold() { as.refs.Add(1) }

// Release decrements the reference count and destroys the address space
// (freeing its page-table root and ASID) when it reaches zero, returning
// whether this call did the destroying.
func (as *AddressSpace) Release() bool {
	if as.refs.Add(-1) != 0 {
		return false
	}
	as.mmu.FreeRoot(as.root)
	if as.asid != archiface.KernelASID {
		as.mmu.FreeASID(as.asid)
	}
	return true
}

// Install makes this address space current (spec's as_install) by handing
// its root and ASID to the MMU, which forwards them to
// archiface.Arch.ASInstallArch.
func (as *AddressSpace) Install() {
	as.mmu.InstallAddressSpace(as.root, as.asid)
}

// CreateArea adds a new region [base, base+size) with the given access
// flags and backing (spec's as_area_create). Overlap with an existing region
// is rejected.
func (as *AddressSpace) CreateArea(base, size uintptr, flags uint32, backing Backing) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("addrspace: zero-size area: %w", kerrors.ErrResourceExhausted)
	}
	r := &Region{Base: base, Size: size, Flags: flags, Backing: backing}

	as.mu.Lock()
	defer as.mu.Unlock()

	idx, overlap := as.locate(base, size)
	if overlap {
		return nil, fmt.Errorf("addrspace: area [%#x,%#x) overlaps an existing area", base, base+size)
	}
	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r
	return r, nil
}

// ResizeArea changes r's size in place (spec's as_area_resize), rejecting a
// resize that would overlap a neighboring region.
func (as *AddressSpace) ResizeArea(r *Region, newSize uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for i, cur := range as.regions {
		if cur != r {
			continue
		}
		if i+1 < len(as.regions) && r.Base+newSize > as.regions[i+1].Base {
			return fmt.Errorf("addrspace: resize would overlap next area")
		}
		r.Size = newSize
		return nil
	}
	return fmt.Errorf("addrspace: resize: %w", kerrors.ErrNotFound)
}

// DestroyArea removes r from the region set (spec's as_area_destroy). It
// does not by itself unmap installed PTEs; callers that need that invoke
// mmu.Remove for each page before calling DestroyArea.
func (as *AddressSpace) DestroyArea(r *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, cur := range as.regions {
		if cur == r {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("addrspace: destroy: %w", kerrors.ErrNotFound)
}

// locate returns the insertion index for a new [base,base+size) region and
// whether it overlaps an existing one. Caller must hold as.mu.
func (as *AddressSpace) locate(base, size uintptr) (idx int, overlap bool) {
	end := base + size
	for i, r := range as.regions {
		if end <= r.Base {
			return i, false
		}
		if base < r.Base+r.Size {
			return i, true
		}
	}
	return len(as.regions), false
}

// findArea returns the region containing va, or nil. Caller must hold as.mu.
func (as *AddressSpace) findArea(va uintptr) *Region {
	for _, r := range as.regions {
		if r.Contains(va) {
			return r
		}
	}
	return nil
}

func pageAlign(va uintptr) uintptr {
	return va &^ (archiface.PageSize - 1)
}

// PageFault resolves a fault at va (spec's as_page_fault, algorithm in
// §4.3):
//  1. locate the area containing va; if none, allow the kernel identity
//     window or the legacy I/O window as special cases, else NotFound.
//  2. ask the backing for a frame.
//  3. install the PTE, marking accessed/dirty per access kind.
//  4. return Resolved.
func (as *AddressSpace) PageFault(va uintptr, kind AccessKind, io IOBitmapChecker) (FaultResult, error) {
	as.mu.Lock()
	region := as.findArea(va)
	as.mu.Unlock()

	if region == nil {
		if va >= as.IdentityBase && va < as.IdentityEnd {
			paddr := va // identity: virtual == physical within this window
			flags, _ := identityFlags()
			if err := as.mmu.Insert(as.root, as.asid, pageAlign(va), pageAlign(paddr), flags); err != nil {
				return Fault, err
			}
			klog.MMU.Debug().Uintptr("va", va).Msg("identity window fault resolved")
			return Resolved, nil
		}
		if va >= as.IOWindowBase && va < as.IOWindowEnd {
			port := uint((va - as.IOWindowBase) / archiface.PageSize)
			if io == nil || !io.Allowed(port) {
				return Fault, fmt.Errorf("addrspace: I/O port %d not permitted: %w", port, kerrors.ErrPermission)
			}
			flags, _ := ioWindowFlags()
			if err := as.mmu.Insert(as.root, as.asid, pageAlign(va), pageAlign(va), flags); err != nil {
				return Fault, err
			}
			return Resolved, nil
		}
		return Fault, fmt.Errorf("addrspace: no area contains %#x: %w", va, kerrors.ErrNotFound)
	}

	if kind == AccessWrite && region.Flags&flagWritable == 0 {
		return Fault, fmt.Errorf("addrspace: write to read-only area at %#x: %w", va, kerrors.ErrPermission)
	}
	if kind == AccessExecute && region.Flags&flagExecutable == 0 {
		return Fault, fmt.Errorf("addrspace: execute of non-executable area at %#x: %w", va, kerrors.ErrPermission)
	}

	aligned := pageAlign(va)
	if existing, ok := as.mmu.Find(as.root, as.asid, aligned, true); ok {
		// Already mapped: this is purely an access/dirty-bit fault.
		updated := existing
		updated.Flags |= flagAccessed
		if kind == AccessWrite {
			updated.Flags |= flagDirty
		}
		if err := as.mmu.Update(as.root, as.asid, aligned, updated); err != nil {
			return Fault, err
		}
		return Resolved, nil
	}

	paddr, flags, err := region.Backing.Fault(va, kind)
	if err != nil {
		return Fault, fmt.Errorf("addrspace: backing fault at %#x: %w", va, err)
	}
	flags |= region.Flags | flagAccessed
	if kind == AccessWrite {
		flags |= flagDirty
	}
	if err := as.mmu.Insert(as.root, as.asid, aligned, paddr, flags); err != nil {
		return Fault, err
	}
	return Resolved, nil
}

// Bit positions within the packed PTE flags word; mirrors
// internal/bitfield.PTEFlags' layout (Present,Writable,Executable,User,
// Accessed,Dirty,Cacheable,Global, declared in that field order).
const (
	flagPresent    = 1 << 0
	flagWritable   = 1 << 1
	flagExecutable = 1 << 2
	flagUser       = 1 << 3
	flagAccessed   = 1 << 4
	flagDirty      = 1 << 5
	flagCacheable  = 1 << 6
	flagGlobal     = 1 << 7
)

func identityFlags() (uint32, error) {
	return flagPresent | flagWritable | flagGlobal | flagCacheable, nil
}

func ioWindowFlags() (uint32, error) {
	return flagPresent | flagWritable | flagUser, nil // deliberately not flagCacheable: uncacheable MMIO mapping
}
