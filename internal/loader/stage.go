// Package loader stages a validated ELF image into a host buffer, applies
// relocations across a set of images sharing one global symbol table, and
// builds the Variant-II TLS block. It is the hard algorithmic core of the
// personality: C3 (image stager), C4 (relocator), and C5 (TLS builder) from
// the design.
//
// The section-layout arithmetic here (page alignment, computing a runtime
// address by finding the enclosing PT_LOAD segment, the "patch absolute
// addresses once the layout is known" two-step) follows the same shape as
// the teacher's std/compiler/elf_x64.go buildELF64, run in reverse: that
// code places sections and then backfills addresses into already-emitted
// bytes; this one reads an existing layout and backfills bias-relocated
// addresses into a staged copy of it.
package loader

import (
	"fmt"
	"hash/fnv"

	"github.com/reduxos/linuxshim/internal/elfimage"
)

// RelocStats matches the spec's per-image reloc counters: applied +
// unsupported + errors == total.
type RelocStats struct {
	Total       int
	Applied     int
	Unsupported int
	Errors      int
}

func (s *RelocStats) merge(o RelocStats) {
	s.Total += o.Total
	s.Applied += o.Applied
	s.Unsupported += o.Unsupported
	s.Errors += o.Errors
}

// StagedImage is the runtime dynamic image the loader owns after staging:
// the copied-and-bias-relocated bytes, the program-header blob, and the
// bookkeeping needed to place this image's symbols into the global table
// and compute the launch frame.
type StagedImage struct {
	Label  string
	Report *elfimage.Report
	Dyn    *elfimage.DynInfo // nil for a static, non-dynamic image

	Bytes      []byte
	ImageStart uint64
	LoadBias   uint64
	EntryVirt  uint64

	PhBlob []byte
	PhAddr uint64
	PhEnt  uint16
	PhNum  int

	Stats      RelocStats
	SampleHash uint64
}

// Stage allocates a zero-filled span buffer, copies every PT_LOAD's file
// bytes into it (bss is left zero), and computes the bias-adjusted entry
// and program-header addresses. imageBase is the host-chosen guest address
// the span is placed at.
func Stage(label string, rep *elfimage.Report, dyn *elfimage.DynInfo, imageBase uint64) (*StagedImage, error) {
	spanLen := rep.SpanEnd - rep.SpanStart
	buf := make([]byte, spanLen)
	for _, seg := range rep.Segments {
		dstOff := seg.VAddr - rep.SpanStart
		if dstOff+seg.FileSize > spanLen {
			return nil, fmt.Errorf("loader: segment overruns span in %q", label)
		}
		copy(buf[dstOff:dstOff+seg.FileSize], rep.Raw[seg.FileOffset:seg.FileOffset+seg.FileSize])
	}

	img := &StagedImage{
		Label:      label,
		Report:     rep,
		Dyn:        dyn,
		Bytes:      buf,
		ImageStart: imageBase,
		LoadBias:   imageBase - rep.SpanStart,
		PhEnt:      rep.PhEntSize,
		PhNum:      rep.PhNum,
	}
	img.EntryVirt = rep.Entry + img.LoadBias

	if enclOff, ok := rep.FileOffsetForVAddr(rep.PhOff); ok {
		_ = enclOff
		// Program headers live inside a PT_LOAD's file image; find the
		// enclosing segment to compute the runtime address in place
		// rather than copying a second blob.
		for _, seg := range rep.Segments {
			if rep.PhOff >= seg.FileOffset && rep.PhOff < seg.FileOffset+seg.FileSize {
				img.PhAddr = img.LoadBias + seg.VAddr + (rep.PhOff - seg.FileOffset)
				break
			}
		}
	}
	if img.PhAddr == 0 {
		// Not enclosed by any PT_LOAD (rare/synthetic input): fall back to
		// a standalone copy the caller can map wherever it likes.
		end := rep.PhOff + uint64(rep.PhNum)*uint64(rep.PhEntSize)
		if end <= uint64(len(rep.Raw)) {
			img.PhBlob = append([]byte(nil), rep.Raw[rep.PhOff:end]...)
		}
	}

	img.SampleHash = sampleHash(buf, img.EntryVirt-img.ImageStart)
	return img, nil
}

// sampleHash hashes up to 256 bytes starting at the entry point, purely as
// a diagnostic fingerprint (used to seed the stack's random-looking AT_RANDOM
// bytes, never for anything security-sensitive).
func sampleHash(buf []byte, entryOff uint64) uint64 {
	h := fnv.New64a()
	end := entryOff + 256
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	if entryOff < end {
		h.Write(buf[entryOff:end])
	}
	return h.Sum64()
}

// SlotOffset converts a link-time (pre-bias) virtual address into this image's
// byte-buffer offset, bounds-checked against the span.
func (img *StagedImage) SlotOffset(vaddr uint64, width int) (uint64, error) {
	off := vaddr - img.Report.SpanStart
	if vaddr < img.Report.SpanStart || off+uint64(width) > uint64(len(img.Bytes)) {
		return 0, fmt.Errorf("loader: slot %#x width %d outside %q's span", vaddr, width, img.Label)
	}
	return off, nil
}
