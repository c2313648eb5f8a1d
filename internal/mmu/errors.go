package mmu

import "github.com/iansmith/corekernel/internal/kerrors"

// ErrResourceExhausted is returned when the ASID pool is empty (spec §7).
var ErrResourceExhausted = kerrors.ErrResourceExhausted
