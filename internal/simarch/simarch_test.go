package simarch

import (
	"errors"
	"testing"

	"github.com/iansmith/corekernel/internal/archiface"
	"github.com/iansmith/corekernel/internal/kerrors"
)

func TestPageTableRoundTrip(t *testing.T) {
	a := New()
	root := a.NewPTRoot()

	if err := a.PTInsert(root, 0x1000, 0x2000, 0xF); err != nil {
		t.Fatalf("PTInsert: %v", err)
	}
	pte, ok := a.PTFind(root, 0x1000)
	if !ok || pte.PAddr != 0x2000 || pte.Flags != 0xF {
		t.Fatalf("PTFind = %+v, %v", pte, ok)
	}

	if err := a.PTUpdate(root, 0x1000, archiface.PTE{PAddr: 0x2000, Flags: 0x3}); err != nil {
		t.Fatalf("PTUpdate: %v", err)
	}
	pte, _ = a.PTFind(root, 0x1000)
	if pte.Flags != 0x3 {
		t.Fatalf("PTUpdate did not take effect, got flags %#x", pte.Flags)
	}

	if err := a.PTRemove(root, 0x1000); err != nil {
		t.Fatalf("PTRemove: %v", err)
	}
	if _, ok := a.PTFind(root, 0x1000); ok {
		t.Fatalf("expected miss after PTRemove")
	}
}

func TestPTOperationsOnUnknownRootFail(t *testing.T) {
	a := New()
	if err := a.PTInsert(999, 0, 0, 0); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown root, got %v", err)
	}
	if err := a.PTUpdate(999, 0, archiface.PTE{}); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown root, got %v", err)
	}
}

func TestUpdateOnMissingMappingFails(t *testing.T) {
	a := New()
	root := a.NewPTRoot()
	if err := a.PTUpdate(root, 0x5000, archiface.PTE{}); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unmapped vaddr, got %v", err)
	}
}

func TestFreePTRootDropsTable(t *testing.T) {
	a := New()
	root := a.NewPTRoot()
	a.PTInsert(root, 0x1000, 0x2000, 0x1)
	a.FreePTRoot(root)
	if err := a.PTInsert(root, 0x1000, 0x2000, 0x1); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after freeing root, got %v", err)
	}
}

func TestFPUEnableDisableTracksState(t *testing.T) {
	a := New()
	if a.FPUEnabled() {
		t.Fatalf("FPU should start disabled")
	}
	a.FPUEnable()
	if !a.FPUEnabled() {
		t.Fatalf("FPU should be enabled after FPUEnable")
	}
	a.FPUDisable()
	if a.FPUEnabled() {
		t.Fatalf("FPU should be disabled after FPUDisable")
	}
}

func TestTLBFlushCounters(t *testing.T) {
	a := New()
	a.TLBInvalidatePage(1, 0x1000)
	a.TLBInvalidatePage(1, 0x2000)
	a.TLBInvalidateASID(1)
	a.TLBInvalidateAll()

	if a.TLBFlushes.Page != 2 || a.TLBFlushes.ASID != 1 || a.TLBFlushes.All != 1 {
		t.Fatalf("unexpected flush counts: %+v", a.TLBFlushes)
	}
}
