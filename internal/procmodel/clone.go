package procmodel

import "fmt"

// Linux clone(2) flag bits the design names; values match the real ABI.
const (
	CloneVM            = 0x00000100
	CloneFS            = 0x00000200
	CloneFiles         = 0x00000400
	CloneSighand       = 0x00000800
	ClonePidfd         = 0x00001000
	CloneVfork         = 0x00004000
	CloneParent        = 0x00008000
	CloneThread        = 0x00010000
	CloneNewns         = 0x00020000
	CloneSysvsem       = 0x00040000
	CloneSettls        = 0x00080000
	CloneParentSettid  = 0x00100000
	CloneChildCleartid = 0x00200000
	CloneChildSettid   = 0x01000000
	CloneNewcgroup     = 0x02000000
	CloneNewuts        = 0x04000000
	CloneNewipc        = 0x08000000
	CloneNewuser       = 0x10000000
	CloneNewpid        = 0x20000000
	CloneNewnet        = 0x40000000
)

// namespaceFlags are the unsupported isolation flags this shim answers
// ENOSYS for — it has exactly one flat guest address space and one
// process namespace.
const namespaceFlags = CloneNewns | CloneNewcgroup | CloneNewuts | CloneNewipc | CloneNewuser | CloneNewpid | CloneNewnet

// ErrENOSYS and friends are sentinel errors the personality's syscall
// dispatch maps onto negative errno values; procmodel stays agnostic of
// the actual errno encoding.
var (
	ErrENOSYS  = fmt.Errorf("procmodel: unsupported clone flags")
	ErrEINVAL  = fmt.Errorf("procmodel: invalid clone flag combination")
	ErrEAGAIN  = fmt.Errorf("procmodel: resource limit reached")
)

// CloneRequest is the flag/argument bundle a syscall dispatcher builds
// from clone/clone3/fork/vfork's raw arguments before calling Clone.
type CloneRequest struct {
	Flags         uint64
	ChildStack    uint64 // 0 if the child should keep the parent's RSP (fork semantics)
	ParentTidPtr  uint64
	ChildTidPtr   uint64
	TLS           uint64
	ExitSignal    int
	SetTID        []int // clone3's set_tid array, honored when unambiguous (len == 1)
}

// validateFlags implements the design's exact validation rules.
func validateFlags(flags uint64) error {
	if flags&namespaceFlags != 0 {
		return ErrENOSYS
	}
	if flags&CloneThread != 0 && flags&(CloneVM|CloneSighand) != CloneVM|CloneSighand {
		return ErrEINVAL
	}
	if flags&CloneSighand != 0 && flags&CloneVM == 0 {
		return ErrEINVAL
	}
	if flags&ClonePidfd != 0 && flags&CloneThread != 0 {
		return ErrEINVAL
	}
	return nil
}

// Clone spawns a new thread (CLONE_VM set — shares the parent's PID) or
// a new thread-group leader in a fresh process (CLONE_VM absent), per
// §4.13. callerTID is the thread issuing the clone; its saved context is
// duplicated into the child with RAX forced to 0 (the child's return
// value) and RSP overridden when req.ChildStack is nonzero.
func (s *Scheduler) Clone(callerTID int, req CloneRequest) (childTID int, childPID int, err error) {
	if err := validateFlags(req.Flags); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.threads[callerTID]
	if !ok {
		return 0, 0, fmt.Errorf("procmodel: no such thread %d", callerTID)
	}
	if len(s.threads) >= MaxThreads {
		return 0, 0, ErrEAGAIN
	}

	tid := s.pickChildTID(req)
	var pid int
	if req.Flags&CloneVM != 0 {
		pid = parent.ProcessPID
		if proc, ok := s.processes[pid]; ok {
			proc.LiveThreads++
		}
	} else {
		if len(s.processes) >= MaxProcesses {
			return 0, 0, ErrEAGAIN
		}
		pid = s.allocPID()
		parentProc := s.processes[parent.ProcessPID]
		s.processes[pid] = &Process{
			PID: pid, ParentPID: parent.ProcessPID, LeaderTID: tid,
			BrkBase: parentProc.BrkBase, BrkCurrent: parentProc.BrkCurrent, BrkLimit: parentProc.BrkLimit,
			MmapCursor: parentProc.MmapCursor, LiveThreads: 1,
		}
	}

	fsBase := parent.FSBase
	if req.Flags&CloneSettls != 0 {
		fsBase = req.TLS
	}

	child := &Thread{
		TID: tid, ProcessPID: pid, ParentTID: callerTID,
		ExitSignal: req.ExitSignal, State: Runnable, FSBase: fsBase,
		CloneFlags: req.Flags,
	}
	if req.Flags&CloneChildCleartid != 0 {
		child.TidAddr = req.ChildTidPtr
	}
	s.threads[tid] = child
	s.order = append(s.order, tid)

	parentCtx := s.contexts[callerTID]
	childCtx := parentCtx
	childCtx.RAX = 0
	if req.ChildStack != 0 {
		childCtx.RSP = req.ChildStack
	}
	s.contexts[tid] = childCtx

	return tid, pid, nil
}

// pickChildTID honors clone3's set_tid array when it names exactly one
// TID and that TID is free; otherwise it allocates the next free TID.
// Caller must hold s.mu.
func (s *Scheduler) pickChildTID(req CloneRequest) int {
	if len(req.SetTID) == 1 {
		want := req.SetTID[0]
		if _, used := s.threads[want]; !used && want > 0 {
			if want >= s.nextTID {
				s.nextTID = want + 1
			}
			return want
		}
	}
	return s.allocTID()
}
