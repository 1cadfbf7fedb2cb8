package personality

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reduxos/linuxshim/internal/fdtable"
	"github.com/reduxos/linuxshim/internal/procmodel"
)

func newTestPersonality(t *testing.T) *Personality {
	t.Helper()
	p, err := New(64, 48)
	require.NoError(t, err)
	p.pid, p.tid = p.Proc.Begin(0, 0, 0, p.Alloc.Brk(0), p.Alloc.Brk(0))
	return p
}

func TestNewReservesStdioFds(t *testing.T) {
	p := newTestPersonality(t)
	for fd := 0; fd < 3; fd++ {
		slot, ok := p.FDs.Get(fd)
		require.True(t, ok, "fd %d should be preopened", fd)
		require.Equal(t, fdtable.KindStdioDup, slot.Kind)
	}
}

func TestDispatchWriteToStdoutIsNoopSuccess(t *testing.T) {
	p := newTestPersonality(t)
	n := p.Dispatch(p.tid, sysWrite, Args{1, 0, 5})
	require.Equal(t, int64(5), n)
}

func TestDispatchBrkQueryAndGrow(t *testing.T) {
	p := newTestPersonality(t)
	cur := p.Dispatch(p.tid, sysBrk, Args{0})
	require.Positive(t, cur)
	grown := p.Dispatch(p.tid, sysBrk, Args{uint64(cur) + 4096})
	require.Equal(t, uint64(cur)+4096, uint64(grown))
}

func TestDispatchUnknownSyscallIsENOSYS(t *testing.T) {
	p := newTestPersonality(t)
	rax := p.Dispatch(p.tid, 999999, Args{})
	require.Equal(t, -int64(ENOSYS), rax)
}

func TestPipe2RoundTrip(t *testing.T) {
	p := newTestPersonality(t)
	const arrAddr = 0x20000
	_, err := p.Mem.Map(0x20000, make([]byte, 4096))
	require.NoError(t, err)

	rax := p.Dispatch(p.tid, sysPipe2, Args{arrAddr})
	require.Zero(t, rax)

	readFd, err := p.Mem.Uint32At(arrAddr)
	require.NoError(t, err)
	writeFd, err := p.Mem.Uint32At(arrAddr + 4)
	require.NoError(t, err)

	const bufAddr = 0x21000
	_, err = p.Mem.Map(bufAddr, make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, p.Mem.WriteAt(bufAddr, []byte("hello")))

	wn := p.Dispatch(p.tid, sysWrite, Args{uint64(writeFd), bufAddr, 5})
	require.Equal(t, int64(5), wn)

	const outAddr = 0x22000
	_, err = p.Mem.Map(outAddr, make([]byte, 4096))
	require.NoError(t, err)
	rn := p.Dispatch(p.tid, sysRead, Args{uint64(readFd), outAddr, 5})
	require.Equal(t, int64(5), rn)

	got, err := p.Mem.ReadAt(outAddr, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestSysUnameFillsFields(t *testing.T) {
	p := newTestPersonality(t)
	const bufAddr = 0x30000
	_, err := p.Mem.Map(bufAddr, make([]byte, 6*65))
	require.NoError(t, err)

	rax := p.Dispatch(p.tid, sysUname, Args{bufAddr})
	require.Zero(t, rax)

	sysname, err := p.Mem.ReadCString(bufAddr, 65)
	require.NoError(t, err)
	require.Equal(t, "Linux", sysname)
}

func TestFutexWaitThenWake(t *testing.T) {
	p := newTestPersonality(t)
	const uaddr = 0x40000
	_, err := p.Mem.Map(uaddr, make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, p.Mem.PutUint32At(uaddr, 7))

	childTID, _, err := p.Proc.Clone(p.tid, procmodel.CloneRequest{
		Flags: procmodel.CloneVM | procmodel.CloneThread | procmodel.CloneSighand,
	})
	require.NoError(t, err)

	rax := p.Dispatch(childTID, sysFutex, Args{uaddr, 0 /* FUTEX_WAIT */, 7, 0, 0, 0})
	require.Zero(t, rax)

	th, ok := p.Proc.Thread(childTID)
	require.True(t, ok)
	require.Equal(t, procmodel.BlockedFutex, th.State)

	woken := p.Dispatch(p.tid, sysFutex, Args{uaddr, 1 /* FUTEX_WAKE */, 1, 0, 0, 0})
	require.Equal(t, int64(1), woken)
}

func TestSysKillRaisesSignal(t *testing.T) {
	p := newTestPersonality(t)
	rax := p.sysKill(p.pid, 15)
	require.Zero(t, rax)

	th, ok := p.Proc.Thread(p.tid)
	require.True(t, ok)
	require.NotZero(t, th.Pending)
}

func TestExecveRejectsMissingPath(t *testing.T) {
	p := newTestPersonality(t)
	const pathAddr = 0x50000
	_, err := p.Mem.Map(pathAddr, make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, p.Mem.WriteAt(pathAddr, append([]byte("/bin/nope"), 0)))

	rax := p.Dispatch(p.tid, sysExecve, Args{pathAddr, 0, 0})
	require.Equal(t, -int64(ENOENT), rax)
	require.False(t, p.execPending)
}
