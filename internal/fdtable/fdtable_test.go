package fdtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	closedKinds []Kind
	released    bool
}

func (f *fakeObject) Closed(kind Kind) { f.closedKinds = append(f.closedKinds, kind) }
func (f *fakeObject) Release()         { f.released = true }

func TestOpenNewAllocatesFromThree(t *testing.T) {
	tb := New()
	fd, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, fd)

	fd2, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 4, fd2)
}

func TestCloseReleasesObjectWhenLastReference(t *testing.T) {
	tb := New()
	obj := &fakeObject{}
	fd, err := tb.OpenNew(KindSocket, obj, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tb.Close(fd))
	require.True(t, obj.released)
	require.Equal(t, []Kind{KindSocket}, obj.closedKinds)

	_, ok := tb.Get(fd)
	require.False(t, ok)
}

func TestDupSharesObjectUntilLastClose(t *testing.T) {
	tb := New()
	obj := &fakeObject{}
	fd, err := tb.OpenNew(KindPipeRead, obj, 0, 0)
	require.NoError(t, err)

	dupFd, err := tb.Dup(fd)
	require.NoError(t, err)
	require.NotEqual(t, fd, dupFd)

	require.NoError(t, tb.Close(fd))
	require.False(t, obj.released, "object must survive while dup is open")

	require.NoError(t, tb.Close(dupFd))
	require.True(t, obj.released)
}

func TestDup2NoOpSameFd(t *testing.T) {
	tb := New()
	fd, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.NoError(t, err)

	got, err := tb.Dup2(fd, fd)
	require.NoError(t, err)
	require.Equal(t, fd, got)
}

func TestDup2ClosesExistingTarget(t *testing.T) {
	tb := New()
	objA := &fakeObject{}
	objB := &fakeObject{}
	fdA, _ := tb.OpenNew(KindRuntime, objA, 0, 0)
	fdB, _ := tb.OpenNew(KindRuntime, objB, 0, 0)

	got, err := tb.Dup2(fdA, fdB)
	require.NoError(t, err)
	require.Equal(t, fdB, got)
	require.True(t, objB.released, "old object at target fd must be released")

	slot, ok := tb.Get(fdB)
	require.True(t, ok)
	require.Equal(t, KindRuntime, slot.Kind)
}

func TestDup3RejectsEqualFds(t *testing.T) {
	tb := New()
	fd, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	_, err := tb.Dup3(fd, fd, false)
	require.Error(t, err)
}

func TestDup3SetsCloexecOnCopyOnly(t *testing.T) {
	tb := New()
	fd, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	newFd := fd + 5

	got, err := tb.Dup3(fd, newFd, true)
	require.NoError(t, err)
	require.Equal(t, newFd, got)

	orig, _ := tb.Get(fd)
	copySlot, _ := tb.Get(newFd)
	require.Zero(t, orig.Flags&FlagCloexec)
	require.NotZero(t, copySlot.Flags&FlagCloexec)
}

func TestFcntlDupFDHonorsMinimum(t *testing.T) {
	tb := New()
	fd, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	got, err := tb.FcntlDupFD(fd, 100, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got, 100)
}

func TestCloseRangeCloexecOnlyMarksFlags(t *testing.T) {
	tb := New()
	fd1, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	fd2, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)

	require.NoError(t, tb.CloseRange(fd1, fd2, CloseRangeCloexec))
	s1, ok := tb.Get(fd1)
	require.True(t, ok)
	require.NotZero(t, s1.Flags&FlagCloexec)
	s2, ok := tb.Get(fd2)
	require.True(t, ok)
	require.NotZero(t, s2.Flags&FlagCloexec)
}

func TestCloseRangeWithoutCloexecClosesFds(t *testing.T) {
	tb := New()
	obj1 := &fakeObject{}
	obj2 := &fakeObject{}
	fd1, _ := tb.OpenNew(KindRuntime, obj1, 0, 0)
	fd2, _ := tb.OpenNew(KindRuntime, obj2, 0, 0)

	require.NoError(t, tb.CloseRange(fd1, fd2, 0))
	require.True(t, obj1.released)
	require.True(t, obj2.released)
	_, ok := tb.Get(fd1)
	require.False(t, ok)
}

func TestCloseCloexecOnExecve(t *testing.T) {
	tb := New()
	keep := &fakeObject{}
	drop := &fakeObject{}
	fdKeep, _ := tb.OpenNew(KindRuntime, keep, 0, 0)
	fdDrop, _ := tb.OpenNew(KindRuntime, drop, FlagCloexec, 0)

	tb.CloseCloexec()

	_, ok := tb.Get(fdKeep)
	require.True(t, ok)
	_, ok = tb.Get(fdDrop)
	require.False(t, ok)
	require.True(t, drop.released)
	require.False(t, keep.released)
}

func TestAllocateSkipsGapBelowNextFd(t *testing.T) {
	tb := New()
	fd3, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	fd4, _ := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.NoError(t, tb.Close(fd3))

	fd5, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.NoError(t, err)
	require.Greater(t, fd5, fd4)
}

func TestTableFullReturnsError(t *testing.T) {
	tb := New()
	for i := 0; i < MaxSlots; i++ {
		_, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
		require.NoError(t, err)
	}
	_, err := tb.OpenNew(KindRuntime, &fakeObject{}, 0, 0)
	require.Error(t, err)
}
