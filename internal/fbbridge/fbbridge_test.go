package fbbridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsOversizedBuffer(t *testing.T) {
	_, err := New(MaxWidth+1, 100)
	require.Error(t, err)
}

func TestSetPixelMarksDirtyAndAdvancesFrameSeq(t *testing.T) {
	b, err := New(64, 48)
	require.NoError(t, err)

	_, _, seq0 := b.CopyFrame(make([]byte, 64*48*3))
	b.SetPixel(1, 1, 255, 0, 0)
	_, _, seq1 := b.CopyFrame(make([]byte, 64*48*3))
	require.Greater(t, seq1, seq0)
}

func TestCopyFrameRoundTrip(t *testing.T) {
	b, err := New(4, 2)
	require.NoError(t, err)
	b.SetPixel(0, 0, 10, 20, 30)

	dst := make([]byte, 4*2*3)
	w, h, _ := b.CopyFrame(dst)
	require.Equal(t, 4, w)
	require.Equal(t, 2, h)
	require.Equal(t, []byte{10, 20, 30}, dst[0:3])
}

func TestInputRingFIFOAndDropCounting(t *testing.T) {
	b, err := New(64, 48)
	require.NoError(t, err)

	for i := 0; i < InputRingCap+5; i++ {
		b.PushPointerEvent(i, i, false, false)
	}
	require.EqualValues(t, 5, b.Dropped())

	ev, ok := b.PopEvent()
	require.True(t, ok)
	require.Equal(t, 5, ev.X) // first 5 were dropped
}

func TestPopEventEmpty(t *testing.T) {
	b, err := New(64, 48)
	require.NoError(t, err)
	_, ok := b.PopEvent()
	require.False(t, ok)
}

type fakePresenter struct {
	calls int
	w, h  int
}

func (f *fakePresenter) Size() (int, int) { return f.w, f.h }
func (f *fakePresenter) Present(offsetX, offsetY int, pixels []byte, width, height int, banner string) error {
	f.calls++
	return nil
}

func TestTickThrottlesAndClearsDirty(t *testing.T) {
	b, err := New(64, 48)
	require.NoError(t, err)
	b.SetDirectPresent(true)
	b.SetPixel(0, 0, 1, 2, 3)

	presenter := &fakePresenter{w: 640, h: 360}
	require.NoError(t, b.Tick(0, presenter))
	require.Equal(t, 1, presenter.calls)

	// Not dirty anymore, and not past the throttle period: no more calls.
	require.NoError(t, b.Tick(1, presenter))
	require.Equal(t, 1, presenter.calls)
}

func TestTickNoopWithoutDirectPresent(t *testing.T) {
	b, err := New(64, 48)
	require.NoError(t, err)
	b.SetPixel(0, 0, 1, 2, 3)

	presenter := &fakePresenter{w: 640, h: 360}
	require.NoError(t, b.Tick(100, presenter))
	require.Zero(t, presenter.calls)
}
