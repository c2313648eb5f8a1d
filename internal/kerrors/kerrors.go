// Package kerrors defines the error kinds shared across the execution core
// (spec.md §7). Every package wraps one of these with fmt.Errorf's %w so
// callers can errors.Is against a single stable sentinel regardless of which
// component raised it.
package kerrors

import "errors"

var (
	// ErrResourceExhausted covers out of frames, out of ASIDs, out of
	// thread slots.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound means no region contains the faulting address, or no
	// entry matched a lookup.
	ErrNotFound = errors.New("not found")

	// ErrPermission means the access type was forbidden: write to
	// read-only, execute non-executable, user access to kernel memory.
	ErrPermission = errors.New("permission denied")

	// ErrInterrupted means a wait was cancelled.
	ErrInterrupted = errors.New("interrupted")

	// ErrTimeout means a deadline elapsed before a wait was satisfied.
	ErrTimeout = errors.New("timeout")
)
