package procmodel

import "fmt"

// Stop transitions tid to Stopped and notifies its process's parent with
// a CHILD_EVENT_STOPPED, per §4.14's stop-signal dispatch rule. The
// caller (internal/futexsig) is responsible for requesting a scheduler
// switch afterward.
func (s *Scheduler) Stop(tid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return fmt.Errorf("procmodel: no such thread %d", tid)
	}
	t.State = Stopped
	if proc, ok := s.processes[t.ProcessPID]; ok && proc.ParentPID != 0 {
		s.pushChildEvent(ChildEvent{ParentPID: proc.ParentPID, ChildPID: t.ProcessPID, Kind: EventStopped})
	}
	return nil
}

// Continue transitions every Stopped thread of pid back to Runnable and
// notifies the parent with a CHILD_EVENT_CONTINUED.
func (s *Scheduler) Continue(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[pid]
	if !ok {
		return fmt.Errorf("procmodel: no such process %d", pid)
	}
	for _, t := range s.threads {
		if t.ProcessPID == pid && t.State == Stopped {
			t.State = Runnable
		}
	}
	if proc.ParentPID != 0 {
		s.pushChildEvent(ChildEvent{ParentPID: proc.ParentPID, ChildPID: pid, Kind: EventContinued})
	}
	return nil
}

// ThreadIDs returns a snapshot of every live TID in round-robin order —
// the enumeration internal/futexsig needs to scan for blocked waiters.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// ThreadsInProcess returns the TIDs belonging to pid.
func (s *Scheduler) ThreadsInProcess(pid int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for tid, t := range s.threads {
		if t.ProcessPID == pid {
			out = append(out, tid)
		}
	}
	return out
}
