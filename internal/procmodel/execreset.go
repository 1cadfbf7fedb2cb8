package procmodel

import "fmt"

// ResetForExec collapses pid down to the single surviving thread tid and
// reinitializes its image bookkeeping for a successful execve, per
// §4.15: every other thread in the process is discarded without a child
// event (execve's thread-group collapse is not a wait4-visible exit),
// the survivor keeps its TID/PID/ParentTID but loses its futex/signal
// wait state, and the process's brk/mmap cursor resets to the freshly
// planned image's placement.
func (s *Scheduler) ResetForExec(pid, tid int, brkBase, brkLimit, mmapCursor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.processes[pid]
	if !ok {
		return fmt.Errorf("procmodel: no such process %d", pid)
	}
	t, ok := s.threads[tid]
	if !ok || t.ProcessPID != pid {
		return fmt.Errorf("procmodel: thread %d is not a member of process %d", tid, pid)
	}

	for id, th := range s.threads {
		if th.ProcessPID == pid && id != tid {
			delete(s.threads, id)
			s.removeFromOrder(id)
			delete(s.contexts, id)
		}
	}

	proc.BrkBase, proc.BrkCurrent, proc.BrkLimit = brkBase, brkBase, brkLimit
	proc.MmapCursor = mmapCursor
	proc.LiveThreads = 1

	t.State = Runnable
	t.Pending = 0
	t.FutexWaitAddr = 0
	t.FutexWaitAddrs = nil
	t.FutexMask = 0
	t.FutexDeadline = 0
	t.RobustHead = 0
	t.RobustLen = 0
	t.TidAddr = 0
	t.CloneFlags = 0
	return nil
}
