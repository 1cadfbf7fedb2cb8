package futexsig

import "github.com/reduxos/linuxshim/internal/procmodel"

// SignalTableSize is the sigaction table's entry count — indices
// 1..SignalTableSize-1 are live, index 0 is unused padding matching the
// 1-based signal numbering so SIGKILL stays SIGKILL.
const SignalTableSize = 65

// Linux x86_64 signal numbers the dispatch rule in §4.14 names directly;
// the rest (up to SignalTableSize-1, plus the 32..64 real-time range) are
// valid sigaction targets but carry no special dispatch rule here.
const (
	SIGHUP    = 1
	SIGINT    = 2
	SIGQUIT   = 3
	SIGILL    = 4
	SIGTRAP   = 5
	SIGABRT   = 6
	SIGBUS    = 7
	SIGFPE    = 8
	SIGKILL   = 9
	SIGUSR1   = 10
	SIGSEGV   = 11
	SIGUSR2   = 12
	SIGPIPE   = 13
	SIGALRM   = 14
	SIGTERM   = 15
	SIGSTKFLT = 16
	SIGCHLD   = 17
	SIGCONT   = 18
	SIGSTOP   = 19
	SIGTSTP   = 20
	SIGTTIN   = 21
	SIGTTOU   = 22
	SIGURG    = 23
	SIGXCPU   = 24
	SIGXFSZ   = 25
	SIGVTALRM = 26
	SIGPROF   = 27
	SIGWINCH  = 28
	SIGIO     = 29
	SIGPWR    = 30
	SIGSYS    = 31
)

// SigDFL/SigIGN are the two reserved sigaction handler sentinels; any
// other Handler value is a guest code address.
const (
	SigDFL uint64 = 0
	SigIGN uint64 = 1
)

// SigactionEntry is one sigaction table slot — shared process-wide,
// since POSIX disposition (as opposed to mask) is per-process.
type SigactionEntry struct {
	Handler  uint64
	Flags    uint64
	Mask     uint64
	Restorer uint64
}

// SignalAction classifies what DispatchPending decided for a pending
// signal.
type SignalAction int

const (
	ActionNone SignalAction = iota
	ActionEINTR
	ActionFatalExit
	ActionStopped
	ActionContinued
	ActionIgnored
)

// SignalResult is DispatchPending's report to the syscall dispatcher.
type SignalResult struct {
	Action   SignalAction
	Signal   int
	ExitCode int
}

// SetAction installs pid's disposition for sig (1-based).
func (c *Core) SetAction(pid, sig int, entry SigactionEntry) error {
	if sig <= 0 || sig >= SignalTableSize {
		return ErrEINVAL
	}
	c.ensureActions(pid)
	c.actions[pid][sig] = entry
	return nil
}

// GetAction reads pid's current disposition for sig.
func (c *Core) GetAction(pid, sig int) (SigactionEntry, error) {
	if sig <= 0 || sig >= SignalTableSize {
		return SigactionEntry{}, ErrEINVAL
	}
	c.ensureActions(pid)
	return c.actions[pid][sig], nil
}

func (c *Core) ensureActions(pid int) {
	if c.actions == nil {
		c.actions = make(map[int]*[SignalTableSize]SigactionEntry)
	}
	if c.actions[pid] == nil {
		c.actions[pid] = &[SignalTableSize]SigactionEntry{}
	}
}

// Raise sets sig pending on tid — rt_sigqueueinfo/tgkill land here, as
// does a pending signal inherited across clone/exec where the design
// calls for it.
func (c *Core) Raise(tid, sig int) error {
	if sig <= 0 || sig >= SignalTableSize {
		return ErrEINVAL
	}
	return c.sched.MutateThread(tid, func(t *procmodel.Thread) {
		t.Pending |= 1 << uint(sig)
	})
}

// SetMask replaces tid's signal mask — sigprocmask's SIG_SETMASK form;
// callers implement SIG_BLOCK/SIG_UNBLOCK by reading Thread.SignalMask
// first via the scheduler and combining it themselves.
func (c *Core) SetMask(tid int, mask uint64) error {
	return c.sched.MutateThread(tid, func(t *procmodel.Thread) { t.SignalMask = mask })
}

func isFatalSignal(sig int) bool {
	return sig == SIGKILL || sig == SIGTERM
}

func isStopSignal(sig int) bool {
	switch sig {
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return true
	}
	return false
}

// lowestPendingUnmasked returns the lowest-numbered signal that is
// pending and not masked, or 0 if none.
func lowestPendingUnmasked(pending, mask uint64) int {
	live := pending &^ mask
	for sig := 1; sig < SignalTableSize; sig++ {
		if live&(1<<uint(sig)) != 0 {
			return sig
		}
	}
	return 0
}

// DispatchPending implements §4.14's between-syscalls dispatch rule: if
// any pending signal is unmasked, take the lowest-numbered one and apply
// exactly one of the five outcomes (fatal exit, stop, continue, ignored,
// or EINTR for guest-handled/default-otherwise signals).
func (c *Core) DispatchPending(tid int) (SignalResult, error) {
	th, ok := c.sched.Thread(tid)
	if !ok {
		return SignalResult{}, ErrESRCH
	}
	sig := lowestPendingUnmasked(th.Pending, th.SignalMask)
	if sig == 0 {
		return SignalResult{Action: ActionNone}, nil
	}

	_ = c.sched.MutateThread(tid, func(t *procmodel.Thread) { t.Pending &^= 1 << uint(sig) })

	switch {
	case isFatalSignal(sig):
		exitCode := 128 + sig
		_ = c.sched.ExitGroup(tid, exitCode)
		return SignalResult{Action: ActionFatalExit, Signal: sig, ExitCode: exitCode}, nil
	case isStopSignal(sig):
		_ = c.sched.Stop(tid)
		c.sched.RequestSwitch(0)
		return SignalResult{Action: ActionStopped, Signal: sig}, nil
	case sig == SIGCONT:
		_ = c.sched.Continue(th.ProcessPID)
		return SignalResult{Action: ActionContinued, Signal: sig}, nil
	}

	entry, _ := c.GetAction(th.ProcessPID, sig)
	if entry.Handler == SigIGN {
		return SignalResult{Action: ActionIgnored, Signal: sig}, nil
	}
	return SignalResult{Action: ActionEINTR, Signal: sig}, nil
}
