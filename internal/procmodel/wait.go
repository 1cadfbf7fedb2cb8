package procmodel

import "fmt"

// waitid flags the design names; values match the real ABI.
const (
	WExited   = 0x00000004
	WStopped  = 0x00000002
	WContinued = 0x00000008
	WNowait   = 0x01000000
)

var ErrECHILD = fmt.Errorf("procmodel: no matching children")

// Exit ends a single thread. When it is the last live thread of its
// process, the process tears down: mmaps are the memory manager's
// responsibility (the caller releases them before or after calling
// Exit — procmodel only owns the thread/process tables), children are
// reparented to PID 1, and the parent receives an Exited child event
// plus the thread's exit_signal if nonzero.
func (s *Scheduler) Exit(tid int, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitLocked(tid, exitCode)
}

func (s *Scheduler) exitLocked(tid int, exitCode int) error {
	t, ok := s.threads[tid]
	if !ok {
		return fmt.Errorf("procmodel: no such thread %d", tid)
	}
	t.ExitCode = exitCode
	pid := t.ProcessPID
	delete(s.threads, tid)
	s.removeFromOrder(tid)
	delete(s.contexts, tid)

	proc, ok := s.processes[pid]
	if !ok {
		return nil
	}
	proc.LiveThreads--
	if proc.LiveThreads > 0 {
		return nil
	}

	delete(s.processes, pid)
	for _, child := range s.processes {
		if child.ParentPID == pid {
			child.ParentPID = 1
		}
	}
	if proc.ParentPID != 0 {
		s.pushChildEvent(ChildEvent{ParentPID: proc.ParentPID, ChildPID: pid, Status: (exitCode & 0xFF) << 8, Kind: EventExited})
		if t.ExitSignal > 0 && t.ExitSignal < 64 {
			if parent, ok := s.processes[proc.ParentPID]; ok {
				if leader, ok := s.threads[parent.LeaderTID]; ok {
					leader.Pending |= 1 << uint(t.ExitSignal)
				}
			}
		}
	}
	return nil
}

// ExitGroup tears down every thread in tid's process — the guest's
// exit_group(2).
func (s *Scheduler) ExitGroup(tid int, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return fmt.Errorf("procmodel: no such thread %d", tid)
	}
	pid := t.ProcessPID
	var members []int
	for id, th := range s.threads {
		if th.ProcessPID == pid {
			members = append(members, id)
		}
	}
	for _, id := range members {
		if id == tid {
			continue
		}
		delete(s.threads, id)
		s.removeFromOrder(id)
		delete(s.contexts, id)
	}
	if proc, ok := s.processes[pid]; ok {
		proc.LiveThreads = 1
	}
	return s.exitLocked(tid, exitCode)
}

func (s *Scheduler) removeFromOrder(tid int) {
	for i, id := range s.order {
		if id == tid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) pushChildEvent(ev ChildEvent) {
	if len(s.childEvents) >= MaxChildEvents {
		s.childEvents = s.childEvents[1:] // drop oldest rather than lose the newest arrival silently
	}
	s.childEvents = append(s.childEvents, ev)
}

// hasChildren reports whether parentPID currently owns any live process
// or has ever had one (best-effort: procmodel only tracks live
// processes plus undrained events, matching the cooperative, non-
// blocking semantics the design calls for).
func (s *Scheduler) hasChildren(parentPID int) bool {
	for _, p := range s.processes {
		if p.ParentPID == parentPID {
			return true
		}
	}
	for _, ev := range s.childEvents {
		if ev.ParentPID == parentPID {
			return true
		}
	}
	return false
}

// Wait4 drains the oldest Exited event matching pidFilter from
// parentPID's child-event FIFO. pidFilter follows wait4(2): -1 matches
// any child, >0 matches exactly that PID, 0 and <-1 (process-group
// forms) are treated as "any child" since this shim has no process
// groups. Returns ErrEAGAIN if matching children exist but none have
// exited yet, ErrECHILD if parentPID has no such children at all.
func (s *Scheduler) Wait4(parentPID int, pidFilter int) (ChildEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.childEvents {
		if ev.ParentPID != parentPID || ev.Kind != EventExited {
			continue
		}
		if pidFilter > 0 && ev.ChildPID != pidFilter {
			continue
		}
		s.childEvents = append(s.childEvents[:i], s.childEvents[i+1:]...)
		return ev, nil
	}
	if !s.hasChildren(parentPID) {
		return ChildEvent{}, ErrECHILD
	}
	return ChildEvent{}, ErrEAGAIN
}

// Waitid is Wait4 generalized over WEXITED/WSTOPPED/WCONTINUED, with an
// optional WNOWAIT peek that leaves the event in the FIFO.
func (s *Scheduler) Waitid(parentPID int, pidFilter int, flags uint32) (ChildEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.childEvents {
		if ev.ParentPID != parentPID {
			continue
		}
		if pidFilter > 0 && ev.ChildPID != pidFilter {
			continue
		}
		switch ev.Kind {
		case EventExited:
			if flags&WExited == 0 {
				continue
			}
		case EventStopped:
			if flags&WStopped == 0 {
				continue
			}
		case EventContinued:
			if flags&WContinued == 0 {
				continue
			}
		}
		if flags&WNowait == 0 {
			s.childEvents = append(s.childEvents[:i], s.childEvents[i+1:]...)
		}
		return ev, nil
	}
	if !s.hasChildren(parentPID) {
		return ChildEvent{}, ErrECHILD
	}
	return ChildEvent{}, ErrEAGAIN
}
