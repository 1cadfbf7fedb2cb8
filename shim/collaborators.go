package shim

import (
	"github.com/reduxos/linuxshim/internal/fbbridge"
	"github.com/reduxos/linuxshim/internal/procmodel"
)

// RegisterContext is the saved register file one slice hands back for
// the host's privilege-transfer primitive to resume into, or a clone to
// duplicate — re-exported so callers never need internal/procmodel.
type RegisterContext = procmodel.RegisterContext

// PrivilegeContext is the one opaque host call usermode.rs's design
// models: hand the CPU to a guest thread at (entry, stack, tls) and run
// until it traps on a syscall or the call budget is exhausted. This
// package never calls it — it is the contract a freestanding kernel's
// own CPU-mode switch satisfies; the demo binary's default
// implementation is a stand-in, since this repo does not itself execute
// guest machine code.
type PrivilegeContext interface {
	RunGuest(entry, stack, tls uint64, callBudget uint64) (trapSysno uint64, trapArgs [6]uint64, resumed RegisterContext, err error)
}

// TimerSource is the tick source futex deadlines and the watchdog are
// measured against. The personality core never reads a host clock
// directly — every tick value arrives as a RunSlice argument.
type TimerSource interface {
	NowTicks() uint64
}

// Allocator is host-side memory outside the guest's own address space —
// used by a default implementation to back the framebuffer's pixel
// buffer or other host-owned scratch space, never by the personality's
// own guest-memory bookkeeping (that stays in internal/guestmem and
// internal/memory, which never call through this interface).
type Allocator interface {
	Alloc(length uint64) ([]byte, error)
	Free([]byte) error
}

// Presenter is fbbridge's own host-hardware-framebuffer contract,
// re-exported here so a caller importing only shim can implement it.
type Presenter = fbbridge.Presenter

// SliceSummary and SliceReason are procmodel's own quantum report,
// re-exported for the same reason as RegisterContext.
type SliceSummary = procmodel.SliceSummary
type SliceReason = procmodel.SliceReason

const (
	SliceBudgetExhausted  = procmodel.SliceBudgetExhausted
	SliceYielded          = procmodel.SliceYielded
	SliceNoRunnableThread = procmodel.SliceNoRunnableThread
	SliceWatchdogTripped  = procmodel.SliceWatchdogTripped
)
