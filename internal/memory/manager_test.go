package memory

import (
	"testing"

	"github.com/reduxos/linuxshim/internal/guestmem"
	"github.com/stretchr/testify/require"
)

type stubFiles map[string][]byte

func (s stubFiles) ReadAt(name string, offset, length uint64) ([]byte, error) {
	data := s[name]
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}

func TestBrkClampAndAlignment(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)

	base := m.Brk(0)
	require.Equal(t, m.brkBase, base)

	got := m.Brk(base + 100)
	require.Equal(t, base+alignUp(100, 16), got)

	require.Equal(t, got, m.Brk(0))

	// Requesting past brkLimit clamps.
	clamped := m.Brk(m.brkLimit + 0x10000)
	require.Equal(t, m.brkLimit, clamped)
}

func TestMmapAnonymousThenMunmapExact(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)

	addr, err := m.Mmap(0, 100, 0x3, MapPrivate|MapAnonymous, "", 0)
	require.NoError(t, err)
	require.Zero(t, addr%PageSize)

	require.NoError(t, m.Munmap(addr, 100))
	require.Len(t, m.Slots(), 0)
}

func TestMmapFileBacked(t *testing.T) {
	files := stubFiles{"libc.so": []byte("hello world, this is file data")}
	m, err := New(guestmem.New(), files)
	require.NoError(t, err)

	addr, err := m.Mmap(0, 16, 0x1, MapPrivate, "libc.so", 0)
	require.NoError(t, err)

	region, ok := m.space.Region(addr)
	require.True(t, ok)
	require.Equal(t, []byte("hello world, thi"), region.Data[:16])
}

func TestMunmapHeadTrim(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)

	addr, err := m.Mmap(0, 3*PageSize, 0x3, MapPrivate|MapAnonymous, "", 0)
	require.NoError(t, err)

	require.NoError(t, m.Munmap(addr, PageSize))
	slots := m.Slots()
	require.Len(t, slots, 1)
	require.Equal(t, addr+PageSize, slots[0].Addr)
	require.EqualValues(t, 2*PageSize, slots[0].Len)
}

func TestMremapGrowWithMayMove(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)

	addr, err := m.Mmap(0, PageSize, 0x3, MapPrivate|MapAnonymous, "", 0)
	require.NoError(t, err)
	require.NoError(t, m.space.WriteAt(addr, []byte{1, 2, 3, 4}))

	newAddr, err := m.Mremap(addr, PageSize, 3*PageSize, MremapMayMove)
	require.NoError(t, err)
	require.NotEqual(t, addr, newAddr)

	got, err := m.space.ReadAt(newAddr, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestMremapGrowWithoutMayMoveFails(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)
	addr, err := m.Mmap(0, PageSize, 0x3, MapPrivate|MapAnonymous, "", 0)
	require.NoError(t, err)

	_, err = m.Mremap(addr, PageSize, 3*PageSize, 0)
	require.Error(t, err)
}

func TestMprotectUpdatesRecordedProt(t *testing.T) {
	m, err := New(guestmem.New(), nil)
	require.NoError(t, err)
	addr, err := m.Mmap(0, PageSize, 0x1, MapPrivate|MapAnonymous, "", 0)
	require.NoError(t, err)

	require.NoError(t, m.Mprotect(addr, PageSize, 0x3))
	slots := m.Slots()
	require.EqualValues(t, 0x3, slots[0].Prot)
}
