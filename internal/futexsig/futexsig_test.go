package futexsig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reduxos/linuxshim/internal/guestmem"
	"github.com/reduxos/linuxshim/internal/procmodel"
)

func newTestCore(t *testing.T) (*Core, *procmodel.Scheduler, *guestmem.Space) {
	t.Helper()
	sched := procmodel.New()
	mem := guestmem.New()
	_, err := mem.Map(0x10000, make([]byte, 4096))
	require.NoError(t, err)
	return New(sched, mem), sched, mem
}

func TestWaitBlocksWhenWordMatchesExpected(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, mem.PutUint32At(0x10000, 42))

	require.NoError(t, c.Wait(tid, 0x10000, 42, 0, 0))

	th, _ := sched.Thread(tid)
	require.Equal(t, procmodel.BlockedFutex, th.State)
	require.Equal(t, uint32(FutexBitsetMatchAny), th.FutexMask)
}

func TestWaitReturnsEAGAINOnMismatch(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, mem.PutUint32At(0x10000, 1))

	err := c.Wait(tid, 0x10000, 99, 0, 0)
	require.ErrorIs(t, err, ErrEAGAIN)

	th, _ := sched.Thread(tid)
	require.Equal(t, procmodel.Runnable, th.State)
}

func TestWakeUnblocksUpToCount(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid1 := sched.Begin(0, 0, 0, 0, 0)
	tid2, _, err := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})
	require.NoError(t, err)
	tid3, _, err := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})
	require.NoError(t, err)

	require.NoError(t, mem.PutUint32At(0x10000, 0))
	require.NoError(t, c.Wait(tid2, 0x10000, 0, 0, 0))
	require.NoError(t, c.Wait(tid3, 0x10000, 0, 0, 0))

	woken := c.Wake(0x10000, FutexBitsetMatchAny, 1)
	require.Equal(t, 1, woken)

	th2, _ := sched.Thread(tid2)
	th3, _ := sched.Thread(tid3)
	runnableCount := 0
	if th2.State == procmodel.Runnable {
		runnableCount++
	}
	if th3.State == procmodel.Runnable {
		runnableCount++
	}
	require.Equal(t, 1, runnableCount)
}

func TestWakeRespectsBitsetMask(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, mem.PutUint32At(0x10000, 0))
	require.NoError(t, c.Wait(tid, 0x10000, 0, 0x1, 0))

	woken := c.Wake(0x10000, 0x2, 1)
	require.Equal(t, 0, woken)

	woken = c.Wake(0x10000, 0x1, 1)
	require.Equal(t, 1, woken)
}

func TestRequeueMovesRemainingWaitersToNewAddress(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid1 := sched.Begin(0, 0, 0, 0, 0)
	tid2, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})
	tid3, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})

	require.NoError(t, mem.PutUint32At(0x10000, 0))
	require.NoError(t, c.Wait(tid2, 0x10000, 0, 0, 0))
	require.NoError(t, c.Wait(tid3, 0x10000, 0, 0, 0))

	woken, err := c.Requeue(0x10000, 0x10004, 1, 1, false, 0)
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	moved := 0
	for _, tid := range []int{tid2, tid3} {
		th, _ := sched.Thread(tid)
		if th.State == procmodel.BlockedFutex && th.FutexWaitAddr == 0x10004 {
			moved++
		}
	}
	require.Equal(t, 1, moved)
}

func TestWakeOpAppliesAddAndConditionallyWakesSecond(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid1 := sched.Begin(0, 0, 0, 0, 0)
	tid2, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})

	require.NoError(t, mem.PutUint32At(0x10000, 0))
	require.NoError(t, mem.PutUint32At(0x10004, 5))
	require.NoError(t, c.Wait(tid2, 0x10004, 5, 0, 0))

	woken, err := c.WakeOp(0x10000, 0x10004, 0, 1, 1 /*ADD*/, 1, 0 /*CMP_EQ*/, 5)
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	newVal, err := mem.Uint32At(0x10004)
	require.NoError(t, err)
	require.Equal(t, uint32(6), newVal)
}

func TestLockPIGrantsUncontendedLock(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, mem.PutUint32At(0x10000, 0))

	require.NoError(t, c.LockPI(tid, 0x10000, false))

	word, err := mem.Uint32At(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint32(tid), word)
}

func TestLockPISelfDeadlock(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, mem.PutUint32At(0x10000, uint32(tid)))

	err := c.LockPI(tid, 0x10000, false)
	require.ErrorIs(t, err, ErrEDEADLK)
}

func TestTrylockPIReturnsEAGAINOnContention(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid1 := sched.Begin(0, 0, 0, 0, 0)
	tid2, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})
	require.NoError(t, mem.PutUint32At(0x10000, uint32(tid1)))

	err := c.LockPI(tid2, 0x10000, true)
	require.ErrorIs(t, err, ErrEAGAIN)
}

func TestUnlockPIPromotesWaiterAndPreservesWaitersBit(t *testing.T) {
	c, sched, mem := newTestCore(t)
	_, tid1 := sched.Begin(0, 0, 0, 0, 0)
	tid2, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})
	tid3, _, _ := sched.Clone(tid1, procmodel.CloneRequest{Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand})

	require.NoError(t, mem.PutUint32At(0x10000, uint32(tid1)))
	require.NoError(t, c.LockPI(tid2, 0x10000, false))
	require.NoError(t, c.LockPI(tid3, 0x10000, false))

	require.NoError(t, c.UnlockPI(tid1, 0x10000))

	word, err := mem.Uint32At(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint32(tid2)|FutexWaitersBit, word)

	th2, _ := sched.Thread(tid2)
	require.Equal(t, procmodel.Runnable, th2.State)
}

func TestSignalRaiseFatalTearsDownProcess(t *testing.T) {
	c, sched, _ := newTestCore(t)
	pid, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, c.Raise(tid, SIGTERM))

	res, err := c.DispatchPending(tid)
	require.NoError(t, err)
	require.Equal(t, ActionFatalExit, res.Action)
	require.Equal(t, 128+SIGTERM, res.ExitCode)

	_, ok := sched.Process(pid)
	require.False(t, ok)
}

func TestSignalStopEmitsChildEventAndStopsThread(t *testing.T) {
	c, sched, _ := newTestCore(t)
	_, parentTID := sched.Begin(0, 0, 0, 0, 0)
	childTID, childPID, err := sched.Clone(parentTID, procmodel.CloneRequest{})
	require.NoError(t, err)

	require.NoError(t, c.Raise(childTID, SIGSTOP))
	res, err := c.DispatchPending(childTID)
	require.NoError(t, err)
	require.Equal(t, ActionStopped, res.Action)

	th, _ := sched.Thread(childTID)
	require.Equal(t, procmodel.Stopped, th.State)

	ev, err := sched.Waitid(1, childPID, procmodel.WStopped)
	require.NoError(t, err)
	require.Equal(t, childPID, ev.ChildPID)
}

func TestSignalIgnoredHandlerIsConsumedSilently(t *testing.T) {
	c, sched, _ := newTestCore(t)
	pid, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, c.SetAction(pid, SIGUSR1, SigactionEntry{Handler: SigIGN}))
	require.NoError(t, c.Raise(tid, SIGUSR1))

	res, err := c.DispatchPending(tid)
	require.NoError(t, err)
	require.Equal(t, ActionIgnored, res.Action)
}

func TestSignalDefaultOtherwiseReturnsEINTR(t *testing.T) {
	c, sched, _ := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, c.Raise(tid, SIGUSR1))

	res, err := c.DispatchPending(tid)
	require.NoError(t, err)
	require.Equal(t, ActionEINTR, res.Action)
}

func TestSignalMaskSuppressesDispatch(t *testing.T) {
	c, sched, _ := newTestCore(t)
	_, tid := sched.Begin(0, 0, 0, 0, 0)
	require.NoError(t, c.SetMask(tid, 1<<uint(SIGUSR1)))
	require.NoError(t, c.Raise(tid, SIGUSR1))

	res, err := c.DispatchPending(tid)
	require.NoError(t, err)
	require.Equal(t, ActionNone, res.Action)
}
