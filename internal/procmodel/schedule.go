package procmodel

// Watchdog thresholds named directly in the design's budget section.
const (
	WatchdogSyscallLimit = 200000
	WatchdogTickLimit    = 12000
)

// SliceReason explains why RunRealSlice returned control to the host.
type SliceReason int

const (
	SliceBudgetExhausted SliceReason = iota
	SliceYielded
	SliceNoRunnableThread
	SliceWatchdogTripped
)

// SliceSummary is what linux_shim_run_real_slice reports back to the
// host after one quantum.
type SliceSummary struct {
	TID    int
	Reason SliceReason
	Ticks  uint64
}

// RequestSwitch queues a switch away from the current thread before the
// slice would otherwise end — used after a blocking futex wait or a
// stop signal. A zero tid clears any pending request.
func (s *Scheduler) RequestSwitch(tid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSwitchTID = tid
}

// IncSyscallCount advances the watchdog's syscall counter; callers
// invoke this once per dispatched syscall.
func (s *Scheduler) IncSyscallCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syscallCount++
	if s.syscallCount >= WatchdogSyscallLimit {
		s.watchdogTrip = true
	}
}

// WatchdogTripped reports whether the personality should tear itself
// down with ETIMEDOUT.
func (s *Scheduler) WatchdogTripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchdogTrip
}

// selectRunnable picks the next Runnable thread by round-robin starting
// just after the current TID, preferring the current thread if it is
// the only runnable one. Caller must hold s.mu.
func (s *Scheduler) selectRunnable() int {
	if len(s.order) == 0 {
		return 0
	}
	startIdx := 0
	for i, tid := range s.order {
		if tid == s.currentTID {
			startIdx = i
			break
		}
	}
	for step := 1; step <= len(s.order); step++ {
		idx := (startIdx + step) % len(s.order)
		tid := s.order[idx]
		if t, ok := s.threads[tid]; ok && t.State == Runnable {
			return tid
		}
	}
	if t, ok := s.threads[s.currentTID]; ok && t.State == Runnable {
		return s.currentTID
	}
	return 0
}

// unblockExpiredFutexes transitions any BlockedFutex thread whose
// deadline has passed back to Runnable with RAX set to -ETIMEDOUT by
// the caller (procmodel reports which TIDs expired; the errno
// conversion belongs to the syscall layer). Caller must hold s.mu.
func (s *Scheduler) unblockExpiredFutexes() []int {
	var expired []int
	for tid, t := range s.threads {
		if t.State != BlockedFutex || t.FutexDeadline == 0 {
			continue
		}
		if s.tick >= t.FutexDeadline {
			t.State = Runnable
			t.FutexDeadline = 0
			t.FutexWaitAddr = 0
			t.FutexWaitAddrs = nil
			expired = append(expired, tid)
		}
	}
	return expired
}

// RunRealSlice advances the scheduler by one quantum: it resolves any
// pending switch or futex timeout, selects the next runnable thread by
// round-robin, advances the tick counter by ticksElapsed (the host's
// measure of how long the quantum actually ran), and reports why the
// slice ended. It does not execute guest instructions itself — that is
// the host's privilege-transfer primitive, fed by Context(tid).
func (s *Scheduler) RunRealSlice(ticksElapsed uint64) ([]int, SliceSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick += ticksElapsed
	expired := s.unblockExpiredFutexes()

	if s.watchdogTrip || s.tick > WatchdogTickLimit {
		s.watchdogTrip = true
		return expired, SliceSummary{TID: s.currentTID, Reason: SliceWatchdogTripped, Ticks: s.tick}
	}

	reason := SliceBudgetExhausted
	if s.pendingSwitchTID != 0 {
		reason = SliceYielded
	}

	next := s.pendingSwitchTID
	if next == 0 {
		next = s.selectRunnable()
	}
	s.pendingSwitchTID = 0

	if next == 0 {
		return expired, SliceSummary{TID: s.currentTID, Reason: SliceNoRunnableThread, Ticks: s.tick}
	}
	s.currentTID = next
	return expired, SliceSummary{TID: next, Reason: reason, Ticks: s.tick}
}
