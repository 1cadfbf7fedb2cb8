// Package memory is the guest process's address-space bookkeeping: the brk
// heap, the mmap slot table, and the advisory calls (mprotect, mincore,
// madvise, msync, mlock family) that accompany them. It owns no enforcement
// — prot bits are recorded, never checked — matching the design's explicit
// non-goal of per-segment protection.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/reduxos/linuxshim/internal/guestmem"
)

const (
	PageSize = 4096

	MmapBase  = 0x700000000
	HeapSize  = 64 << 20
	MmapLimit = 65536

	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20

	MremapMayMove = 0x1
)

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// FileSource is the runtime-file backing store mmap reads from. The VFS
// shim implements this; tests can supply an in-memory stand-in.
type FileSource interface {
	ReadAt(name string, offset, length uint64) ([]byte, error)
}

// Slot is one mapping the guest currently owns — brk's heap region is not
// itself a Slot (it's a single preallocated region the Manager tracks
// separately).
type Slot struct {
	Addr       uint64
	Len        uint64
	Prot       uint32
	Flags      uint32
	FileBacked bool
	SourceName string
}

// Manager is one process's address-space state.
type Manager struct {
	mu    sync.Mutex
	space *guestmem.Space
	files FileSource

	brkBase, brkLimit, brkCurrent uint64
	mmapCursor                    uint64
	slots                         map[uint64]*Slot
}

// New preallocates the brk heap (64 MiB immediately below MmapBase) and
// starts the mmap bump allocator at MmapBase.
func New(space *guestmem.Space, files FileSource) (*Manager, error) {
	brkBase := alignDown(MmapBase-HeapSize, PageSize)
	if _, err := space.Map(brkBase, make([]byte, HeapSize)); err != nil {
		return nil, fmt.Errorf("memory: reserving heap: %w", err)
	}
	return &Manager{
		space:      space,
		files:      files,
		brkBase:    brkBase,
		brkLimit:   MmapBase,
		brkCurrent: brkBase,
		mmapCursor: MmapBase,
		slots:      make(map[uint64]*Slot),
	}, nil
}

// Brk implements brk(2): brk(0) reads the pointer, brk(x) moves it,
// clamped to [brkBase, brkLimit], rounded up to 16 bytes.
func (m *Manager) Brk(x uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x == 0 {
		return m.brkCurrent
	}
	target := alignUp(x, 16)
	if target < m.brkBase {
		target = m.brkBase
	}
	if target > m.brkLimit {
		target = m.brkLimit
	}
	m.brkCurrent = target
	return m.brkCurrent
}

func (m *Manager) bump(n uint64) uint64 {
	base := m.mmapCursor
	m.mmapCursor += n
	return base
}

// Mmap implements the mmap(2) subset described in the design: MAP_FIXED
// in-place re-initialization of an exactly-matching slot, otherwise a
// fresh bump-allocated, zero-filled, optionally file-backed block.
func (m *Manager) Mmap(addr, length uint64, prot, flags uint32, fileName string, offset uint64) (uint64, error) {
	if flags&(MapShared|MapPrivate) == 0 {
		return 0, fmt.Errorf("memory: mmap requires MAP_SHARED or MAP_PRIVATE")
	}
	if length == 0 {
		return 0, fmt.Errorf("memory: mmap length must be nonzero")
	}
	if offset%PageSize != 0 {
		return 0, fmt.Errorf("memory: mmap offset must be page-aligned")
	}
	alignedLen := alignUp(length, PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if flags&MapFixed != 0 {
		if slot, ok := m.slots[addr]; ok && slot.Len == alignedLen {
			region, ok := m.space.Region(addr)
			if !ok {
				return 0, fmt.Errorf("memory: fixed slot %#x has no backing region", addr)
			}
			for i := range region.Data {
				region.Data[i] = 0
			}
			if fileName != "" {
				m.copyFileBacked(region.Data, fileName, offset, alignedLen)
			}
			slot.Prot, slot.Flags = prot, flags
			slot.FileBacked = fileName != ""
			slot.SourceName = fileName
			return addr, nil
		}
	}

	if len(m.slots) >= MmapLimit {
		return 0, fmt.Errorf("memory: ENOMEM: mmap slot limit reached")
	}

	base := addr
	if flags&MapFixed == 0 {
		base = m.bump(alignedLen)
	}
	buf := make([]byte, alignedLen)
	if fileName != "" {
		m.copyFileBacked(buf, fileName, offset, alignedLen)
	}
	if _, err := m.space.Map(base, buf); err != nil {
		return 0, fmt.Errorf("memory: %w", err)
	}
	m.slots[base] = &Slot{Addr: base, Len: alignedLen, Prot: prot, Flags: flags, FileBacked: fileName != "", SourceName: fileName}
	return base, nil
}

func (m *Manager) copyFileBacked(dst []byte, name string, offset, length uint64) {
	if m.files == nil {
		return
	}
	data, err := m.files.ReadAt(name, offset, length)
	if err != nil {
		return
	}
	copy(dst, data)
}

// Mprotect updates the recorded prot bits for the enclosing slot. No
// enforcement follows from this — reads/writes are never checked against it.
func (m *Manager) Mprotect(addr, length uint64, prot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.findEnclosing(addr, length)
	if slot == nil {
		return fmt.Errorf("memory: mprotect: no mapping covers [%#x,+%#x)", addr, length)
	}
	slot.Prot = prot
	return nil
}

func (m *Manager) findEnclosing(addr, length uint64) *Slot {
	for _, s := range m.slots {
		if addr >= s.Addr && addr+length <= s.Addr+s.Len {
			return s
		}
	}
	return nil
}

// Munmap releases an exact-match slot, trims a head/tail partial overlap,
// or no-ops on an interior hole (the design explicitly accepts this to
// preserve guest progress rather than model hole-splitting).
func (m *Manager) Munmap(addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	aligned := alignUp(length, PageSize)

	if slot, ok := m.slots[addr]; ok && slot.Len == aligned {
		m.space.Unmap(addr)
		delete(m.slots, addr)
		return nil
	}

	for base, slot := range m.slots {
		end := slot.Addr + slot.Len
		reqEnd := addr + aligned

		if addr == slot.Addr && aligned < slot.Len {
			region, _ := m.space.Region(base)
			kept := append([]byte(nil), region.Data[aligned:]...)
			newBase := slot.Addr + aligned
			m.space.Unmap(base)
			delete(m.slots, base)
			m.space.Map(newBase, kept)
			m.slots[newBase] = &Slot{Addr: newBase, Len: slot.Len - aligned, Prot: slot.Prot, Flags: slot.Flags, FileBacked: slot.FileBacked, SourceName: slot.SourceName}
			return nil
		}
		if reqEnd == end && addr > slot.Addr && addr < end {
			region, _ := m.space.Region(base)
			kept := append([]byte(nil), region.Data[:addr-slot.Addr]...)
			m.space.Unmap(base)
			delete(m.slots, base)
			m.space.Map(slot.Addr, kept)
			m.slots[slot.Addr] = &Slot{Addr: slot.Addr, Len: addr - slot.Addr, Prot: slot.Prot, Flags: slot.Flags, FileBacked: slot.FileBacked, SourceName: slot.SourceName}
			return nil
		}
	}
	return nil // interior hole: accepted no-op
}

// Mremap shrinks in place, or — with MREMAP_MAYMOVE — grows by allocating a
// fresh block, copying, and releasing the old one.
func (m *Manager) Mremap(oldAddr, oldLen, newLen uint64, flags uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[oldAddr]
	if !ok {
		return 0, fmt.Errorf("memory: mremap: no mapping at %#x", oldAddr)
	}
	alignedNew := alignUp(newLen, PageSize)
	if alignedNew <= slot.Len {
		slot.Len = alignedNew
		return oldAddr, nil
	}
	if flags&MremapMayMove == 0 {
		return 0, fmt.Errorf("memory: ENOMEM: mremap grow without MREMAP_MAYMOVE")
	}
	region, ok := m.space.Region(oldAddr)
	if !ok {
		return 0, fmt.Errorf("memory: mremap: missing backing region")
	}
	newBuf := make([]byte, alignedNew)
	copy(newBuf, region.Data)
	newBase := m.bump(alignedNew)
	m.space.Unmap(oldAddr)
	delete(m.slots, oldAddr)
	if _, err := m.space.Map(newBase, newBuf); err != nil {
		return 0, err
	}
	m.slots[newBase] = &Slot{Addr: newBase, Len: alignedNew, Prot: slot.Prot, Flags: slot.Flags, FileBacked: slot.FileBacked, SourceName: slot.SourceName}
	return newBase, nil
}

// Mincore reports every page as resident — there is no paging model to
// report partial residency against.
func (m *Manager) Mincore(length uint64) []byte {
	n := alignUp(length, PageSize) / PageSize
	out := make([]byte, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Msync, Madvise, and the mlock family are accepted as advisory — recorded
// nowhere, always succeeding.
func (m *Manager) Msync(addr, length uint64, flags uint32) error       { return nil }
func (m *Manager) Madvise(addr, length uint64, advice int32) error     { return nil }
func (m *Manager) Mlock(addr, length uint64) error                     { return nil }
func (m *Manager) Munlock(addr, length uint64) error                   { return nil }
func (m *Manager) MlockAll(flags uint32) error                         { return nil }
func (m *Manager) MunlockAll() error                                   { return nil }

// Slots returns a snapshot of active mappings sorted by address, for
// diagnostics.
func (m *Manager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
