// Package procmodel is the guest thread/process model: fixed slot tables
// for threads and processes, the child-event FIFO wait4/waitid drains,
// the clone family's spawn primitive, exit/exit_group teardown with
// reparenting, robust-futex-list cleanup, and the single-core cooperative
// scheduler (run_real_slice) that round-robins among runnable threads.
package procmodel

import (
	"fmt"
	"sync"
)

// Table capacities named directly in the design's data model.
const (
	MaxThreads         = 32
	MaxProcesses       = 32
	MaxChildEvents     = 32
	RobustListMaxNodes = 128
)

// ThreadState is one of the three states a guest thread can occupy.
type ThreadState int

const (
	Runnable ThreadState = iota
	BlockedFutex
	Stopped
)

// RegisterContext is the saved register file a slice restores into the
// host's privilege-transfer primitive and a clone duplicates into a
// child. The actual x86_64 transfer (wrmsr FS_BASE, load RSP, jump) is
// the host launcher's job (internal/auxstack.Frame feeds its first
// instance); this struct is what gets saved and swapped between slices.
type RegisterContext struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                            uint64
}

// Thread is one guest thread's scheduling and signal state.
type Thread struct {
	TID         int
	ProcessPID  int
	ParentTID   int
	ExitSignal  int
	State       ThreadState
	FSBase      uint64
	TidAddr     uint64 // CLONE_CHILD_CLEARTID target, 0 if none
	RobustHead  uint64
	RobustLen   uint64
	CloneFlags  uint64
	SignalMask  uint64
	Pending     uint64 // pending-signal bitset
	ExitCode    int

	// Futex wait state — mutated directly by internal/futexsig, which
	// depends on procmodel (no cycle: futexsig is a higher layer).
	FutexWaitAddr  uint64
	FutexWaitAddrs []uint64 // FUTEX_WAITV set, nil outside a multi-wait
	FutexMask      uint32
	FutexDeadline  uint64 // absolute tick deadline, 0 = no timeout
}

// Process is one guest process's address-space bookkeeping.
type Process struct {
	PID         int
	ParentPID   int
	LeaderTID   int
	BrkBase     uint64
	BrkCurrent  uint64
	BrkLimit    uint64
	MmapCursor  uint64
	MmapCount   int
	LiveThreads int
}

// ChildEventKind classifies a FIFO entry for wait4/waitid.
type ChildEventKind int

const (
	EventExited ChildEventKind = iota
	EventStopped
	EventContinued
)

// ChildEvent is one entry in the 32-deep child-event FIFO.
type ChildEvent struct {
	ParentPID int
	ChildPID  int
	Status    int
	Kind      ChildEventKind
}

// Scheduler owns every thread/process slot and the single-core
// cooperative round-robin over runnable threads.
type Scheduler struct {
	mu sync.Mutex

	threads   map[int]*Thread
	processes map[int]*Process
	contexts  map[int]RegisterContext
	order     []int // TID insertion order, for deterministic round-robin

	childEvents []ChildEvent

	currentTID       int
	pendingSwitchTID int // 0 = none requested
	nextTID          int
	nextPID          int

	tick         uint64
	syscallCount uint64
	watchdogTrip bool
}

// New returns an empty scheduler with no threads or processes — callers
// start a session with Begin.
func New() *Scheduler {
	return &Scheduler{
		threads:   make(map[int]*Thread),
		processes: make(map[int]*Process),
		contexts:  make(map[int]RegisterContext),
		nextTID:   1,
		nextPID:   1,
	}
}

// Begin seeds the first process/thread pair (PID=TID=1) from a launch
// frame, per linux_shim_begin. brkBase/brkLimit come from the memory
// manager's heap placement.
func (s *Scheduler) Begin(entry, stackPtr, tlsTCB, brkBase, brkLimit uint64) (pid, tid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid = s.allocPID()
	tid = s.allocTID()
	s.processes[pid] = &Process{PID: pid, ParentPID: 0, LeaderTID: tid, BrkBase: brkBase, BrkCurrent: brkBase, BrkLimit: brkLimit, LiveThreads: 1}
	s.threads[tid] = &Thread{TID: tid, ProcessPID: pid, State: Runnable, FSBase: tlsTCB}
	s.order = append(s.order, tid)
	s.contexts[tid] = RegisterContext{RIP: entry, RSP: stackPtr}
	s.currentTID = tid
	return pid, tid
}

func (s *Scheduler) allocTID() int {
	for {
		tid := s.nextTID
		s.nextTID++
		if _, used := s.threads[tid]; !used {
			return tid
		}
	}
}

func (s *Scheduler) allocPID() int {
	for {
		pid := s.nextPID
		s.nextPID++
		if _, used := s.processes[pid]; !used {
			return pid
		}
	}
}

// Thread returns a copy of the named thread's state.
func (s *Scheduler) Thread(tid int) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// Process returns a copy of the named process's state.
func (s *Scheduler) Process(pid int) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

// CurrentTID is the thread the scheduler most recently selected.
func (s *Scheduler) CurrentTID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTID
}

// MutateThread applies fn to the live thread record under the scheduler
// lock — the seam futexsig and syscall handlers use to adjust state
// (signal mask, pending bits, futex wait fields) without a data race.
func (s *Scheduler) MutateThread(tid int, fn func(*Thread)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return fmt.Errorf("procmodel: no such thread %d", tid)
	}
	fn(t)
	return nil
}

// SaveContext records tid's register file, e.g. at a slice boundary.
func (s *Scheduler) SaveContext(tid int, ctx RegisterContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[tid] = ctx
}

// Context returns tid's last-saved register file.
func (s *Scheduler) Context(tid int) (RegisterContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[tid]
	return ctx, ok
}

// Ticks returns the scheduler's elapsed-tick counter, consulted by
// futex deadline checks.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}
