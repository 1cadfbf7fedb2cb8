// Package elfimage parses ELF64 little-endian AMD64 executables into an
// inspection report: load segments, the interpreter path, the TLS
// descriptor, and the page-aligned virtual span the image needs once
// staged. It never mutates the input bytes.
package elfimage

import (
	"encoding/binary"
	"fmt"
)

const (
	PageSize    = 4096
	MaxFileSize = 256 << 20
	MaxSpan     = 256 << 20

	ET_EXEC = 2
	ET_DYN  = 3

	EM_X86_64 = 62

	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3
	PT_TLS     = 7
)

// LoadSegment is one PT_LOAD entry, positions relative to the file and to
// the (not yet biased) virtual address space.
type LoadSegment struct {
	FileOffset uint64
	FileSize   uint64
	VAddr      uint64
	MemSize    uint64
	Flags      uint32
}

// TLSDescriptor describes the PT_TLS segment, if any.
type TLSDescriptor struct {
	VAddr      uint64
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
	Align      uint64
}

// Report is the immutable result of Inspect.
type Report struct {
	Raw []byte

	EType   uint16
	Machine uint16
	Entry   uint64

	PhOff     uint64
	PhEntSize uint16
	PhNum     int

	Segments []LoadSegment

	FileBytes uint64
	MemBytes  uint64

	SpanStart uint64
	SpanEnd   uint64

	Interp string

	HasDynamic  bool
	DynOffset   uint64
	DynFileSize uint64
	DynVAddr    uint64

	TLS *TLSDescriptor

	// SyscallPairCount is a diagnostic-only count of "0F 05" byte pairs
	// (the raw `syscall` instruction encoding) found anywhere in the file.
	SyscallPairCount int
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

// Inspect validates and parses raw ELF64 bytes into a Report. All failures
// are returned as short errors; no partial report escapes a failed call.
func Inspect(raw []byte) (*Report, error) {
	if len(raw) > MaxFileSize {
		return nil, fmt.Errorf("elfimage: file too large (%d bytes)", len(raw))
	}
	if len(raw) < 64 {
		return nil, fmt.Errorf("elfimage: file too short for an ELF64 header")
	}
	if raw[0] != 0x7f || raw[1] != 'E' || raw[2] != 'L' || raw[3] != 'F' {
		return nil, fmt.Errorf("elfimage: bad magic")
	}
	if raw[4] != 2 {
		return nil, fmt.Errorf("elfimage: not ELFCLASS64")
	}
	if raw[5] != 1 {
		return nil, fmt.Errorf("elfimage: not little-endian")
	}
	if raw[6] != 1 {
		return nil, fmt.Errorf("elfimage: bad EI_VERSION")
	}
	if binary.LittleEndian.Uint32(raw[20:24]) != 1 {
		return nil, fmt.Errorf("elfimage: bad e_version")
	}

	r := &Report{Raw: raw}
	r.EType = binary.LittleEndian.Uint16(raw[16:18])
	r.Machine = binary.LittleEndian.Uint16(raw[18:20])
	r.Entry = binary.LittleEndian.Uint64(raw[24:32])
	r.PhOff = binary.LittleEndian.Uint64(raw[32:40])
	r.PhEntSize = binary.LittleEndian.Uint16(raw[54:56])
	r.PhNum = int(binary.LittleEndian.Uint16(raw[56:58]))

	if r.Machine != EM_X86_64 {
		return nil, fmt.Errorf("elfimage: unsupported machine %d", r.Machine)
	}
	if r.PhNum <= 0 {
		return nil, fmt.Errorf("elfimage: e_phnum must be > 0")
	}
	if r.PhEntSize < 56 {
		return nil, fmt.Errorf("elfimage: e_phentsize too small (%d)", r.PhEntSize)
	}
	phTableEnd := r.PhOff + uint64(r.PhNum)*uint64(r.PhEntSize)
	if phTableEnd > uint64(len(raw)) || phTableEnd < r.PhOff {
		return nil, fmt.Errorf("elfimage: program header table out of range")
	}

	var minVAddr uint64 = ^uint64(0)
	var maxVAddr uint64
	sawLoad := false

	for i := 0; i < r.PhNum; i++ {
		ph := raw[r.PhOff+uint64(i)*uint64(r.PhEntSize):]
		pType := binary.LittleEndian.Uint32(ph[0:4])
		pFlags := binary.LittleEndian.Uint32(ph[4:8])
		pOffset := binary.LittleEndian.Uint64(ph[8:16])
		pVAddr := binary.LittleEndian.Uint64(ph[16:24])
		pFileSz := binary.LittleEndian.Uint64(ph[32:40])
		pMemSz := binary.LittleEndian.Uint64(ph[40:48])
		pAlign := binary.LittleEndian.Uint64(ph[56:64])

		switch pType {
		case PT_LOAD:
			if pFileSz > pMemSz {
				return nil, fmt.Errorf("elfimage: PT_LOAD[%d] filesz > memsz", i)
			}
			if pOffset+pFileSz > uint64(len(raw)) || pOffset+pFileSz < pOffset {
				return nil, fmt.Errorf("elfimage: PT_LOAD[%d] file range out of bounds", i)
			}
			end := pVAddr + pMemSz
			if end < pVAddr {
				return nil, fmt.Errorf("elfimage: PT_LOAD[%d] vaddr+memsz overflows", i)
			}
			r.Segments = append(r.Segments, LoadSegment{
				FileOffset: pOffset,
				FileSize:   pFileSz,
				VAddr:      pVAddr,
				MemSize:    pMemSz,
				Flags:      pFlags,
			})
			r.FileBytes += pFileSz
			r.MemBytes += pMemSz
			if pVAddr < minVAddr {
				minVAddr = pVAddr
			}
			if end > maxVAddr {
				maxVAddr = end
			}
			sawLoad = true
		case PT_INTERP:
			if pOffset+pFileSz > uint64(len(raw)) {
				return nil, fmt.Errorf("elfimage: PT_INTERP out of bounds")
			}
			r.Interp = cstring(raw[pOffset : pOffset+pFileSz])
		case PT_DYNAMIC:
			r.HasDynamic = true
			r.DynOffset = pOffset
			r.DynFileSize = pFileSz
			r.DynVAddr = pVAddr
		case PT_TLS:
			r.TLS = &TLSDescriptor{
				VAddr:      pVAddr,
				FileOffset: pOffset,
				FileSize:   pFileSz,
				MemSize:    pMemSz,
				Align:      pAlign,
			}
		}
	}

	if !sawLoad {
		return nil, fmt.Errorf("elfimage: no PT_LOAD segments")
	}

	r.SpanStart = alignDown(minVAddr, PageSize)
	r.SpanEnd = alignUp(maxVAddr, PageSize)
	if r.SpanEnd <= r.SpanStart {
		return nil, fmt.Errorf("elfimage: zero-length span")
	}
	if r.SpanEnd-r.SpanStart > MaxSpan {
		return nil, fmt.Errorf("elfimage: span exceeds %d bytes", MaxSpan)
	}

	for i := range raw {
		if i+1 < len(raw) && raw[i] == 0x0f && raw[i+1] == 0x05 {
			r.SyscallPairCount++
		}
	}

	return r, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// FileOffsetForVAddr maps a virtual address to a file offset through the
// enclosing PT_LOAD segment's file-backed region. Returns false if the
// address isn't covered by any segment's file image (e.g. it's in bss).
func (r *Report) FileOffsetForVAddr(vaddr uint64) (uint64, bool) {
	for _, seg := range r.Segments {
		if vaddr >= seg.VAddr && vaddr < seg.VAddr+seg.FileSize {
			return seg.FileOffset + (vaddr - seg.VAddr), true
		}
	}
	return 0, false
}

// CheckStaticCompatibility enforces the phase-1 policy: a plain ET_EXEC
// image with no interpreter, no dynamic table, no TLS, entry inside the
// load span.
func (r *Report) CheckStaticCompatibility() error {
	if r.EType != ET_EXEC {
		return fmt.Errorf("elfimage: phase-1 requires ET_EXEC")
	}
	if r.Interp != "" {
		return fmt.Errorf("elfimage: phase-1 forbids PT_INTERP")
	}
	if r.HasDynamic {
		return fmt.Errorf("elfimage: phase-1 forbids PT_DYNAMIC")
	}
	if r.TLS != nil {
		return fmt.Errorf("elfimage: phase-1 forbids PT_TLS")
	}
	if r.Entry < r.SpanStart || r.Entry >= r.SpanEnd {
		return fmt.Errorf("elfimage: entry point outside load span")
	}
	return nil
}

// CheckDynamicCompatibility enforces the phase-2 policy: ET_DYN, a dynamic
// table, and a non-empty interpreter path. TLS is permitted.
func (r *Report) CheckDynamicCompatibility() error {
	if r.EType != ET_DYN {
		return fmt.Errorf("elfimage: phase-2 requires ET_DYN")
	}
	if !r.HasDynamic {
		return fmt.Errorf("elfimage: phase-2 requires PT_DYNAMIC")
	}
	if r.Interp == "" {
		return fmt.Errorf("elfimage: phase-2 requires a non-empty PT_INTERP path")
	}
	return nil
}
