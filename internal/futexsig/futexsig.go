// Package futexsig is the futex and signal core: the atomic
// check-and-sleep wait/wake family (including the PI subset) and the
// per-thread signal mask/pending/sigaction dispatch described in §4.14.
// It sits directly atop internal/procmodel — no inversion is needed here
// since procmodel never needs to call back into futexsig except through
// the WakeFunc seam CleanupRobustList already exposes.
package futexsig

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/guestmem"
	"github.com/reduxos/linuxshim/internal/procmodel"
)

// Futex operation numbers, masked out of the syscall's op argument by
// FutexCmdMask (the low 7 bits; FUTEX_PRIVATE_FLAG/FUTEX_CLOCK_REALTIME
// ride in the high bits alongside it).
const (
	FutexWait          = 0
	FutexWake          = 1
	FutexFD            = 2
	FutexRequeue       = 3
	FutexCmpRequeue    = 4
	FutexWakeOp        = 5
	FutexLockPI        = 6
	FutexUnlockPI      = 7
	FutexTrylockPI     = 8
	FutexWaitBitset    = 9
	FutexWakeBitset    = 10
	FutexWaitRequeuePI = 11
	FutexCmpRequeuePI  = 12
	FutexLockPI2       = 13

	FutexPrivateFlag   = 128
	FutexClockRealtime = 256
	FutexCmdMask       = 0x7f
)

// Futex word bit layout shared with internal/procmodel's robust list
// cleanup.
const (
	FutexWaitersBit     = 0x80000000
	FutexOwnerDiedBit   = 0x40000000
	FutexTidMask        = 0x3fffffff
	FutexBitsetMatchAny = 0xffffffff

	MaxWaitv = 128
)

var (
	ErrEAGAIN   = fmt.Errorf("futexsig: futex value mismatch")
	ErrEDEADLK  = fmt.Errorf("futexsig: thread already owns this futex")
	ErrEINVAL   = fmt.Errorf("futexsig: invalid futex argument")
	ErrESRCH    = fmt.Errorf("futexsig: no such thread")
)

// Core holds no state of its own beyond the scheduler and guest memory it
// operates on — every futex wait/wake/PI/signal field lives on
// procmodel.Thread, mutated through Scheduler.MutateThread.
type Core struct {
	sched *procmodel.Scheduler
	mem   *guestmem.Space

	// actions holds each process's sigaction table, lazily allocated —
	// disposition is a futexsig-owned concern, not procmodel's.
	actions map[int]*[SignalTableSize]SigactionEntry
}

// New builds a futex/signal core over an already-running scheduler and
// the guest's memory space.
func New(sched *procmodel.Scheduler, mem *guestmem.Space) *Core {
	return &Core{sched: sched, mem: mem}
}

// WakeFunc adapts Wake to procmodel.WakeFunc's single-address-wake
// signature, for wiring into CleanupRobustList.
func (c *Core) WakeFunc() procmodel.WakeFunc {
	return func(addr uint64) { c.Wake(addr, FutexBitsetMatchAny, 1) }
}

func clearFutexWait(t *procmodel.Thread) {
	t.State = procmodel.Runnable
	t.FutexWaitAddr = 0
	t.FutexWaitAddrs = nil
	t.FutexMask = 0
	t.FutexDeadline = 0
}

func matchesAddr(th procmodel.Thread, uaddr uint64) bool {
	if th.FutexWaitAddr == uaddr {
		return true
	}
	for _, a := range th.FutexWaitAddrs {
		if a == uaddr {
			return true
		}
	}
	return false
}

// Wait implements FUTEX_WAIT/FUTEX_WAIT_BITSET: it reads the user word,
// and if it still matches expected, blocks tid with the given wake mask
// and absolute tick deadline (0 = no timeout) and requests a scheduler
// switch. A mismatch returns ErrEAGAIN without blocking.
func (c *Core) Wait(tid int, uaddr uint64, expected uint32, mask uint32, deadline uint64) error {
	word, err := c.mem.Uint32At(uaddr)
	if err != nil {
		return err
	}
	if word != expected {
		return ErrEAGAIN
	}
	if mask == 0 {
		mask = FutexBitsetMatchAny
	}
	if err := c.sched.MutateThread(tid, func(t *procmodel.Thread) {
		t.State = procmodel.BlockedFutex
		t.FutexWaitAddr = uaddr
		t.FutexMask = mask
		t.FutexDeadline = deadline
	}); err != nil {
		return err
	}
	c.sched.RequestSwitch(0)
	return nil
}

// WaitvEntry is one address/value/mask triple from a FUTEX_WAITV array.
type WaitvEntry struct {
	Addr uint64
	Val  uint32
	Mask uint32
}

// WaitV implements FUTEX_WAITV across up to MaxWaitv addresses: every
// address's current value must match before the thread blocks on the
// whole set.
func (c *Core) WaitV(tid int, entries []WaitvEntry, deadline uint64) error {
	if len(entries) == 0 || len(entries) > MaxWaitv {
		return ErrEINVAL
	}
	addrs := make([]uint64, len(entries))
	for i, e := range entries {
		word, err := c.mem.Uint32At(e.Addr)
		if err != nil {
			return err
		}
		if word != e.Val {
			return ErrEAGAIN
		}
		addrs[i] = e.Addr
	}
	if err := c.sched.MutateThread(tid, func(t *procmodel.Thread) {
		t.State = procmodel.BlockedFutex
		t.FutexWaitAddrs = addrs
		t.FutexDeadline = deadline
	}); err != nil {
		return err
	}
	c.sched.RequestSwitch(0)
	return nil
}

// WaitVIndex reports which index of tid's last WaitV set was the one
// woken, by matching the saved address list against addr. Returns -1 if
// tid was not waiting on a WAITV set or addr isn't in it — called right
// before the wait fields are cleared by a wake.
func (c *Core) WaitVIndex(tid int, addr uint64) int {
	th, ok := c.sched.Thread(tid)
	if !ok {
		return -1
	}
	for i, a := range th.FutexWaitAddrs {
		if a == addr {
			return i
		}
	}
	return -1
}

// Wake implements FUTEX_WAKE/FUTEX_WAKE_BITSET: it unblocks up to count
// threads blocked (directly or via a waitv set) on uaddr whose wake mask
// intersects mask, and reports how many it woke.
func (c *Core) Wake(uaddr uint64, mask uint32, count int) int {
	if mask == 0 {
		mask = FutexBitsetMatchAny
	}
	woken := 0
	for _, tid := range c.sched.ThreadIDs() {
		if woken >= count {
			break
		}
		th, ok := c.sched.Thread(tid)
		if !ok || th.State != procmodel.BlockedFutex {
			continue
		}
		if !matchesAddr(th, uaddr) {
			continue
		}
		if th.FutexMask != 0 && th.FutexMask&mask == 0 {
			continue
		}
		_ = c.sched.MutateThread(tid, clearFutexWait)
		woken++
	}
	return woken
}

// Requeue implements FUTEX_REQUEUE/FUTEX_CMP_REQUEUE: wake up to
// wakeCount waiters on uaddr, then move up to requeueCount of the
// remaining waiters to uaddr2 (they stay blocked, now on the new
// address). cmpExpected/hasCmp implement CMP_REQUEUE's required prior
// equality check on the user word at uaddr.
func (c *Core) Requeue(uaddr, uaddr2 uint64, wakeCount, requeueCount int, hasCmp bool, cmpExpected uint32) (int, error) {
	if hasCmp {
		word, err := c.mem.Uint32At(uaddr)
		if err != nil {
			return 0, err
		}
		if word != cmpExpected {
			return 0, ErrEAGAIN
		}
	}
	woken := c.Wake(uaddr, FutexBitsetMatchAny, wakeCount)
	requeued := 0
	for _, tid := range c.sched.ThreadIDs() {
		if requeued >= requeueCount {
			break
		}
		th, ok := c.sched.Thread(tid)
		if !ok || th.State != procmodel.BlockedFutex {
			continue
		}
		if !matchesAddr(th, uaddr) {
			continue
		}
		_ = c.sched.MutateThread(tid, func(t *procmodel.Thread) { t.FutexWaitAddr = uaddr2 })
		requeued++
	}
	return woken, nil
}

// WakeOp implements FUTEX_WAKE_OP: it evaluates op against the word at
// uaddr2, atomically stores the computed value, wakes val waiters at
// uaddr, and — only if the (cmp, cmparg) comparison against the word's
// *original* value succeeds — also wakes val2 waiters at uaddr2.
func (c *Core) WakeOp(uaddr, uaddr2 uint64, val, val2 int, op, oparg, cmp, cmparg int32) (int, error) {
	orig, err := c.mem.Uint32At(uaddr2)
	if err != nil {
		return 0, err
	}
	newVal, err := applyWakeOp(op, int32(orig), oparg)
	if err != nil {
		return 0, err
	}
	if err := c.mem.PutUint32At(uaddr2, uint32(newVal)); err != nil {
		return 0, err
	}
	total := c.Wake(uaddr, FutexBitsetMatchAny, val)
	if evalWakeOpCmp(cmp, int32(orig), cmparg) {
		total += c.Wake(uaddr2, FutexBitsetMatchAny, val2)
	}
	return total, nil
}

// applyWakeOp implements FUTEX_WAKE_OP's five arithmetic/bitwise ops
// (SET/ADD/OR/ANDN/XOR packed into op's low 4 bits; bit 3 selects the
// FUTEX_OP_ARG_SHIFT variant where oparg is shifted first).
func applyWakeOp(op int32, orig, oparg int32) (int32, error) {
	shift := op&8 != 0
	arg := oparg
	if shift {
		arg = 1 << uint(oparg&31)
	}
	switch op & 7 {
	case 0: // FUTEX_OP_SET
		return arg, nil
	case 1: // FUTEX_OP_ADD
		return orig + arg, nil
	case 2: // FUTEX_OP_OR
		return orig | arg, nil
	case 3: // FUTEX_OP_ANDN
		return orig &^ arg, nil
	case 4: // FUTEX_OP_XOR
		return orig ^ arg, nil
	default:
		return 0, ErrEINVAL
	}
}

// evalWakeOpCmp implements FUTEX_WAKE_OP's comparison selector against
// the futex word's value as it stood before the op was applied.
func evalWakeOpCmp(cmp int32, orig, cmparg int32) bool {
	switch cmp {
	case 0: // FUTEX_OP_CMP_EQ
		return orig == cmparg
	case 1: // FUTEX_OP_CMP_NE
		return orig != cmparg
	case 2: // FUTEX_OP_CMP_LT
		return orig < cmparg
	case 3: // FUTEX_OP_CMP_LE
		return orig <= cmparg
	case 4: // FUTEX_OP_CMP_GT
		return orig > cmparg
	case 5: // FUTEX_OP_CMP_GE
		return orig >= cmparg
	default:
		return false
	}
}
