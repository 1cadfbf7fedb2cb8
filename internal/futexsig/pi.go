package futexsig

import "github.com/reduxos/linuxshim/internal/procmodel"

// LockPI implements FUTEX_LOCK_PI/FUTEX_LOCK_PI2: it CASes the calling
// thread's TID into the futex word when unowned, detects self-deadlock,
// and otherwise promotes FUTEX_WAITERS and blocks the caller. trylock
// selects FUTEX_TRYLOCK_PI's non-blocking variant.
func (c *Core) LockPI(tid int, uaddr uint64, trylock bool) error {
	word, err := c.mem.Uint32At(uaddr)
	if err != nil {
		return err
	}
	owner := int(word & FutexTidMask)
	if owner == 0 {
		return c.mem.PutUint32At(uaddr, uint32(tid))
	}
	if owner == tid {
		return ErrEDEADLK
	}
	if trylock {
		return ErrEAGAIN
	}
	if err := c.mem.PutUint32At(uaddr, word|FutexWaitersBit); err != nil {
		return err
	}
	if err := c.sched.MutateThread(tid, func(t *procmodel.Thread) {
		t.State = procmodel.BlockedFutex
		t.FutexWaitAddr = uaddr
		t.FutexMask = FutexBitsetMatchAny
	}); err != nil {
		return err
	}
	c.sched.RequestSwitch(0)
	return nil
}

// UnlockPI implements FUTEX_UNLOCK_PI: the caller must be the recorded
// owner; ownership transfers to the first FIFO waiter (by TID order
// among those blocked on uaddr), preserving FUTEX_WAITERS if others
// remain, or the word is cleared entirely when no waiter is promoted.
func (c *Core) UnlockPI(tid int, uaddr uint64) error {
	word, err := c.mem.Uint32At(uaddr)
	if err != nil {
		return err
	}
	if int(word&FutexTidMask) != tid {
		return ErrEINVAL
	}

	waiters := c.waitersOn(uaddr)
	if len(waiters) == 0 {
		return c.mem.PutUint32At(uaddr, 0)
	}

	next := waiters[0]
	newWord := uint32(next)
	if len(waiters) > 1 {
		newWord |= FutexWaitersBit
	}
	if err := c.mem.PutUint32At(uaddr, newWord); err != nil {
		return err
	}
	return c.sched.MutateThread(next, clearFutexWait)
}

// waitersOn returns the TIDs blocked on uaddr in ascending TID order —
// the FIFO-ish promotion order a single-core cooperative scheduler can
// offer without a real per-futex wait queue.
func (c *Core) waitersOn(uaddr uint64) []int {
	var out []int
	for _, tid := range c.sched.ThreadIDs() {
		th, ok := c.sched.Thread(tid)
		if ok && th.State == procmodel.BlockedFutex && th.FutexWaitAddr == uaddr {
			out = append(out, tid)
		}
	}
	return out
}

// WaitRequeuePI implements FUTEX_WAIT_REQUEUE_PI's wait half: it blocks
// tid on uaddr exactly like Wait, deferring the PI requeue to whichever
// CmpRequeuePI call later moves it to uaddr2.
func (c *Core) WaitRequeuePI(tid int, uaddr uint64, expected uint32, deadline uint64) error {
	return c.Wait(tid, uaddr, expected, FutexBitsetMatchAny, deadline)
}

// CmpRequeuePI implements FUTEX_CMP_REQUEUE_PI: after the CMP check on
// uaddr, it wakes up to wakeCount ordinary waiters there, then requeues
// up to requeueCount of the rest onto the PI lock at uaddr2 — the first
// one requeued is granted ownership (its TID is written into uaddr2's
// word and it is made Runnable directly, skipping a second block/wake
// round-trip), the remainder stay blocked on uaddr2 as PI waiters.
func (c *Core) CmpRequeuePI(uaddr, uaddr2 uint64, wakeCount, requeueCount int, cmpExpected uint32) (int, error) {
	word, err := c.mem.Uint32At(uaddr)
	if err != nil {
		return 0, err
	}
	if word != cmpExpected {
		return 0, ErrEAGAIN
	}

	woken := c.Wake(uaddr, FutexBitsetMatchAny, wakeCount)

	remaining := c.waitersOn(uaddr)
	moved := 0
	for i, tid := range remaining {
		if moved >= requeueCount {
			break
		}
		if i == 0 {
			if err := c.mem.PutUint32At(uaddr2, uint32(tid)); err != nil {
				return woken, err
			}
			_ = c.sched.MutateThread(tid, clearFutexWait)
		} else {
			_ = c.sched.MutateThread(tid, func(t *procmodel.Thread) { t.FutexWaitAddr = uaddr2 })
		}
		moved++
	}
	return woken, nil
}
