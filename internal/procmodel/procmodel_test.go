package procmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reduxos/linuxshim/internal/guestmem"
)

func TestBeginSeedsSingleThreadAndProcess(t *testing.T) {
	s := New()
	pid, tid := s.Begin(0x401000, 0x7fff0000, 0, 0x600000, 0x640000)
	require.Equal(t, 1, pid)
	require.Equal(t, 1, tid)

	th, ok := s.Thread(tid)
	require.True(t, ok)
	require.Equal(t, Runnable, th.State)

	proc, ok := s.Process(pid)
	require.True(t, ok)
	require.Equal(t, 1, proc.LiveThreads)
}

func TestCloneThreadSharesProcessAndZeroesChildRAX(t *testing.T) {
	s := New()
	pid, tid := s.Begin(0x1000, 0x2000, 0, 0, 0)
	s.SaveContext(tid, RegisterContext{RAX: 99, RSP: 0x2000})

	childTID, childPID, err := s.Clone(tid, CloneRequest{
		Flags:      CloneVM | CloneThread | CloneSighand,
		ChildStack: 0x5000,
		ExitSignal: 0,
	})
	require.NoError(t, err)
	require.Equal(t, pid, childPID)
	require.NotEqual(t, tid, childTID)

	ctx, ok := s.Context(childTID)
	require.True(t, ok)
	require.EqualValues(t, 0, ctx.RAX)
	require.EqualValues(t, 0x5000, ctx.RSP)

	proc, _ := s.Process(pid)
	require.Equal(t, 2, proc.LiveThreads)
}

func TestCloneWithoutVMAllocatesNewProcess(t *testing.T) {
	s := New()
	_, tid := s.Begin(0x1000, 0x2000, 0, 0, 0)

	childTID, childPID, err := s.Clone(tid, CloneRequest{})
	require.NoError(t, err)
	require.NotEqual(t, 1, childPID)

	th, _ := s.Thread(childTID)
	require.Equal(t, childPID, th.ProcessPID)
}

func TestCloneThreadWithoutVMOrSighandIsEINVAL(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	_, _, err := s.Clone(tid, CloneRequest{Flags: CloneThread})
	require.ErrorIs(t, err, ErrEINVAL)
}

func TestCloneSighandWithoutVMIsEINVAL(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	_, _, err := s.Clone(tid, CloneRequest{Flags: CloneSighand})
	require.ErrorIs(t, err, ErrEINVAL)
}

func TestClonePidfdWithThreadIsEINVAL(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	_, _, err := s.Clone(tid, CloneRequest{Flags: CloneVM | CloneThread | CloneSighand | ClonePidfd})
	require.ErrorIs(t, err, ErrEINVAL)
}

func TestCloneNamespaceFlagIsENOSYS(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	_, _, err := s.Clone(tid, CloneRequest{Flags: CloneNewpid})
	require.ErrorIs(t, err, ErrENOSYS)
}

func TestCloneHonorsSetTIDWhenUnambiguous(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	childTID, _, err := s.Clone(tid, CloneRequest{SetTID: []int{77}})
	require.NoError(t, err)
	require.Equal(t, 77, childTID)
}

func TestExitNotifiesParentWithExitStatus(t *testing.T) {
	s := New()
	_, parentTID := s.Begin(0, 0, 0, 0, 0)
	_, childPID, err := s.Clone(parentTID, CloneRequest{})
	require.NoError(t, err)

	childTID := -1
	for id, th := range s.threads {
		if th.ProcessPID == childPID {
			childTID = id
		}
	}
	require.NotEqual(t, -1, childTID)

	require.NoError(t, s.Exit(childTID, 7))

	ev, err := s.Wait4(1, -1)
	require.NoError(t, err)
	require.Equal(t, childPID, ev.ChildPID)
	require.Equal(t, 7<<8, ev.Status)
}

func TestWait4ReturnsEAGAINWhenChildrenExistButNoneExited(t *testing.T) {
	s := New()
	_, parentTID := s.Begin(0, 0, 0, 0, 0)
	_, _, err := s.Clone(parentTID, CloneRequest{})
	require.NoError(t, err)

	_, err = s.Wait4(1, -1)
	require.ErrorIs(t, err, ErrEAGAIN)
}

func TestWait4ReturnsECHILDWithNoChildren(t *testing.T) {
	s := New()
	s.Begin(0, 0, 0, 0, 0)
	_, err := s.Wait4(1, -1)
	require.ErrorIs(t, err, ErrECHILD)
}

func TestWaitidWnowaitLeavesEventQueued(t *testing.T) {
	s := New()
	_, parentTID := s.Begin(0, 0, 0, 0, 0)
	_, childPID, _ := s.Clone(parentTID, CloneRequest{})
	var childTID int
	for id, th := range s.threads {
		if th.ProcessPID == childPID {
			childTID = id
		}
	}
	require.NoError(t, s.Exit(childTID, 3))

	ev, err := s.Waitid(1, -1, WExited|WNowait)
	require.NoError(t, err)
	require.Equal(t, childPID, ev.ChildPID)

	ev2, err := s.Waitid(1, -1, WExited)
	require.NoError(t, err)
	require.Equal(t, childPID, ev2.ChildPID)
}

func TestExitGroupTearsDownEveryThreadInProcess(t *testing.T) {
	s := New()
	pid, leaderTID := s.Begin(0, 0, 0, 0, 0)
	childTID, _, err := s.Clone(leaderTID, CloneRequest{Flags: CloneVM | CloneThread | CloneSighand})
	require.NoError(t, err)

	require.NoError(t, s.ExitGroup(leaderTID, 9))

	_, ok := s.Thread(childTID)
	require.False(t, ok)
	_, ok = s.Process(pid)
	require.False(t, ok)
}

func TestCleanupRobustListClearsOwnerAndWakesOnce(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)

	mem := guestmem.New()
	buf := make([]byte, 32)
	_, err := mem.Map(0x8000, buf)
	require.NoError(t, err)

	require.NoError(t, mem.PutUint64At(0x8000, 0)) // next = NULL (single-node list)
	require.NoError(t, mem.PutUint32At(0x8008, uint32(tid)))

	require.NoError(t, s.MutateThread(tid, func(th *Thread) { th.RobustHead = 0x8000 }))

	var woken []uint64
	require.NoError(t, s.CleanupRobustList(mem, tid, 8, func(addr uint64) { woken = append(woken, addr) }))

	word, err := mem.Uint32At(0x8008)
	require.NoError(t, err)
	require.Equal(t, uint32(robustFutexOwnerDied), word&robustFutexOwnerDied)
	require.Len(t, woken, 1)
	require.Equal(t, uint64(0x8008), woken[0])
}

func TestRunRealSliceRoundRobinsBetweenTwoRunnableThreads(t *testing.T) {
	s := New()
	_, tid1 := s.Begin(0, 0, 0, 0, 0)
	tid2, _, err := s.Clone(tid1, CloneRequest{Flags: CloneVM | CloneThread | CloneSighand})
	require.NoError(t, err)

	_, summary := s.RunRealSlice(10)
	require.Equal(t, tid2, summary.TID)

	_, summary2 := s.RunRealSlice(10)
	require.Equal(t, tid1, summary2.TID)
}

func TestRunRealSliceHonorsPendingSwitch(t *testing.T) {
	s := New()
	_, tid1 := s.Begin(0, 0, 0, 0, 0)
	tid2, _, err := s.Clone(tid1, CloneRequest{Flags: CloneVM | CloneThread | CloneSighand})
	require.NoError(t, err)

	s.RequestSwitch(tid2)
	_, summary := s.RunRealSlice(5)
	require.Equal(t, tid2, summary.TID)
	require.Equal(t, SliceYielded, summary.Reason)
}

func TestRunRealSliceUnblocksExpiredFutexWait(t *testing.T) {
	s := New()
	_, tid := s.Begin(0, 0, 0, 0, 0)
	require.NoError(t, s.MutateThread(tid, func(th *Thread) {
		th.State = BlockedFutex
		th.FutexWaitAddr = 0x9000
		th.FutexDeadline = 5
	}))

	expired, _ := s.RunRealSlice(10)
	require.Contains(t, expired, tid)

	th, _ := s.Thread(tid)
	require.Equal(t, Runnable, th.State)
}

func TestWatchdogTripsOnSyscallLimit(t *testing.T) {
	s := New()
	s.Begin(0, 0, 0, 0, 0)
	for i := 0; i < WatchdogSyscallLimit; i++ {
		s.IncSyscallCount()
	}
	require.True(t, s.WatchdogTripped())
}
