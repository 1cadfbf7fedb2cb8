package guestmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapReadWriteRoundTrip(t *testing.T) {
	s := New()
	_, err := s.Map(0x1000, make([]byte, 0x1000))
	require.NoError(t, err)

	require.NoError(t, s.PutUint32At(0x1004, 0xdeadbeef))
	v, err := s.Uint32At(0x1004)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)

	require.NoError(t, s.PutUint64At(0x1010, 0x0102030405060708))
	v64, err := s.Uint64At(0x1010)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)
}

func TestMapRejectsOverlap(t *testing.T) {
	s := New()
	_, err := s.Map(0x1000, make([]byte, 0x1000))
	require.NoError(t, err)
	_, err = s.Map(0x1800, make([]byte, 0x1000))
	require.Error(t, err)
}

func TestUnmapThenAccessFails(t *testing.T) {
	s := New()
	_, err := s.Map(0x2000, make([]byte, 0x100))
	require.NoError(t, err)
	s.Unmap(0x2000)
	_, err = s.ReadAt(0x2000, 4)
	require.Error(t, err)
}

func TestReadCStringStopsAtNUL(t *testing.T) {
	s := New()
	data := make([]byte, 64)
	copy(data[8:], []byte("hello\x00garbage"))
	_, err := s.Map(0x3000, data)
	require.NoError(t, err)

	str, err := s.ReadCString(0x3008, 32)
	require.NoError(t, err)
	require.Equal(t, "hello", str)
}

func TestReadCStringUnterminatedWithinBoundErrors(t *testing.T) {
	s := New()
	data := make([]byte, 16)
	for i := range data {
		data[i] = 'a'
	}
	_, err := s.Map(0x4000, data)
	require.NoError(t, err)

	_, err = s.ReadCString(0x4000, 16)
	require.Error(t, err)
}

func TestWriteAtOutOfBoundsErrors(t *testing.T) {
	s := New()
	_, err := s.Map(0x5000, make([]byte, 8))
	require.NoError(t, err)
	err = s.WriteAt(0x5004, []byte{1, 2, 3, 4, 5})
	require.Error(t, err)
}
