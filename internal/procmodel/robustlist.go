package procmodel

import "github.com/reduxos/linuxshim/internal/guestmem"

// robustFutexOwnerDied is FUTEX_OWNER_DIED, OR'd into a robust futex
// word (bit 30) when its owning thread exits while still holding it.
const robustFutexOwnerDied = 0x40000000

// robustTidMask isolates the owner TID packed into a futex word's low
// bits (the remaining bits are FUTEX_WAITERS/FUTEX_OWNER_DIED).
const robustTidMask = 0x3fffffff

// WakeFunc is called once per cleared robust node to wake a single
// waiter on the futex word at addr — wired to internal/futexsig's wake
// path so procmodel never needs to import it.
type WakeFunc func(addr uint64)

// CleanupRobustList walks the exiting thread's robust futex list,
// bounded by RobustListMaxNodes, clearing ownership and setting
// FUTEX_OWNER_DIED on any futex word this thread still owned, then
// waking one waiter per cleared word. futexOffset is the per-node
// offset to the futex word (robust_list_head's own futex_offset field).
func (s *Scheduler) CleanupRobustList(mem *guestmem.Space, tid int, futexOffset uint64, wake WakeFunc) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	head := t.RobustHead
	s.mu.Unlock()

	if head == 0 || mem == nil {
		return nil
	}

	node := head
	for i := 0; i < RobustListMaxNodes; i++ {
		next, err := mem.Uint64At(node)
		if err != nil {
			return nil // unmapped/corrupt list: stop silently, no partial mutation beyond what's already cleared
		}
		futexAddr := node + futexOffset
		word, err := mem.Uint32At(futexAddr)
		if err == nil && int(word&robustTidMask) == tid {
			newWord := (word &^ robustTidMask) | robustFutexOwnerDied
			_ = mem.PutUint32At(futexAddr, newWord)
			if wake != nil {
				wake(futexAddr)
			}
		}
		if next == 0 || next == head {
			break
		}
		node = next
	}
	return nil
}
