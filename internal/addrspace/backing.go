package addrspace

import (
	"fmt"
	"sync"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/kerrors"
)

// Backing resolves a page fault within the region that owns it, returning
// the physical frame to map and any additional flags beyond the region's
// own access flags (spec §4.3 step 2: "the backing may be anonymous
// (allocate zero-filled), ELF-image (copy or share a segment page),
// phys-map (map a fixed physical frame)").
type Backing interface {
	Fault(va uintptr, kind AccessKind) (paddr uintptr, extraFlags uint32, err error)
}

// FrameAllocator is the external collaborator spec.md §1 explicitly places
// out of scope ("Frame allocator... provides alloc_frame, free_frame");
// AnonymousBacking and ELFImageBacking depend on one being supplied rather
// than allocating frames themselves.
type FrameAllocator interface {
	AllocFrame() (uintptr, error)
}

// AnonymousBacking hands out zero-filled frames from a FrameAllocator,
// caching the mapping per page so repeated faults on the same page (e.g. an
// access-bit fault before the real mapping lands) are idempotent.
type AnonymousBacking struct {
	Frames FrameAllocator

	mu     sync.Mutex
	mapped map[uintptr]uintptr // page -> paddr
}

func NewAnonymousBacking(frames FrameAllocator) *AnonymousBacking {
	return &AnonymousBacking{Frames: frames, mapped: make(map[uintptr]uintptr)}
}

func (b *AnonymousBacking) Fault(va uintptr, _ AccessKind) (uintptr, uint32, error) {
	page := pageAlign(va)
	b.mu.Lock()
	defer b.mu.Unlock()
	if paddr, ok := b.mapped[page]; ok {
		return paddr, 0, nil
	}
	paddr, err := b.Frames.AllocFrame()
	if err != nil {
		return 0, 0, fmt.Errorf("anonymous backing: %w: %w", kerrors.ErrResourceExhausted, err)
	}
	b.mapped[page] = paddr
	return paddr, 0, nil
}

// ELFImageSegment describes one program-header-like segment of an ELF image
// backing (spec §4.3's "copy or share a segment page").
type ELFImageSegment struct {
	VAddr  uintptr
	Data   []byte // segment contents, page-aligned length
	Shared bool   // true: map the image page directly (shared); false: copy-on-fault
}

// ELFImageBacking resolves faults against one ELF segment, copying its
// contents into a freshly allocated frame (or sharing a single backing frame
// across all faults when Segment.Shared is set).
type ELFImageBacking struct {
	Segment ELFImageSegment
	Frames  FrameAllocator
	Write   func(paddr uintptr, data []byte) error

	mu        sync.Mutex
	sharedPA  uintptr
	haveShared bool
}

func NewELFImageBacking(seg ELFImageSegment, frames FrameAllocator, write func(uintptr, []byte) error) *ELFImageBacking {
	return &ELFImageBacking{Segment: seg, Frames: frames, Write: write}
}

func (b *ELFImageBacking) Fault(va uintptr, _ AccessKind) (uintptr, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Segment.Shared && b.haveShared {
		return b.sharedPA, 0, nil
	}

	paddr, err := b.Frames.AllocFrame()
	if err != nil {
		return 0, 0, fmt.Errorf("elf image backing: %w: %w", kerrors.ErrResourceExhausted, err)
	}

	off := va - b.Segment.VAddr
	pageStart := off &^ (archiface.PageSize - 1)
	end := pageStart + archiface.PageSize
	if end > uintptr(len(b.Segment.Data)) {
		end = uintptr(len(b.Segment.Data))
	}
	var chunk []byte
	if pageStart < uintptr(len(b.Segment.Data)) {
		chunk = b.Segment.Data[pageStart:end]
	}
	if b.Write != nil {
		if err := b.Write(paddr, chunk); err != nil {
			return 0, 0, fmt.Errorf("elf image backing: writing segment page: %w", err)
		}
	}

	if b.Segment.Shared {
		b.sharedPA = paddr
		b.haveShared = true
	}
	return paddr, 0, nil
}

// PhysMapBacking maps a fixed, pre-existing physical frame regardless of
// which virtual page within the region faults (spec §4.3's "phys-map" kind;
// typically used for MMIO regions mapped 1:1 onto device memory).
type PhysMapBacking struct {
	PAddr uintptr
	Flags uint32
}

func (b *PhysMapBacking) Fault(uintptr, AccessKind) (uintptr, uint32, error) {
	return b.PAddr, b.Flags, nil
}
