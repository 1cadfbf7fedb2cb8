package loader

import (
	"encoding/binary"
	"testing"

	"github.com/reduxos/linuxshim/internal/elfimage"
)

// testSym/testRela describe the fixture's dynamic symbol table and
// relocation entries in source terms; buildDynELF encodes them.
type testSym struct {
	name  string
	value uint64
	size  uint64
	shndx uint16
	bind  uint8
}

type testRela struct {
	offset uint64
	symIdx uint32
	typ    uint32
	addend int64
}

// buildDynELF constructs a minimal ET_DYN image with one PT_LOAD spanning
// the whole file (vaddr == file offset, so FileOffsetForVAddr is the
// identity within range), a PT_DYNAMIC pointing at a DT_STRTAB/DT_SYMTAB/
// DT_RELA dynamic table, and the given symbols/relocations encoded at
// fixed, known offsets. entry is the raw e_entry value.
func buildDynELF(t *testing.T, entry uint64, syms []testSym, relas []testRela, needed []string, soname string) []byte {
	t.Helper()
	return buildDynELFWithInterp(t, entry, syms, relas, needed, soname, "")
}

// buildDynELFWithInterp is buildDynELF plus an optional PT_INTERP segment,
// used by the Plan tests that need a full main+interp+dependency closure.
func buildDynELFWithInterp(t *testing.T, entry uint64, syms []testSym, relas []testRela, needed []string, soname, interp string) []byte {
	t.Helper()

	const phOff = 64
	const phEntSize = 56
	nPhdrs := 2
	if interp != "" {
		nPhdrs = 3
	}
	dynOff := uint64(phOff + nPhdrs*phEntSize)

	// Dynamic table tags, sized below once string/sym/rela offsets are
	// known — reserve the slot count now: STRTAB, STRSZ, SYMTAB, SYMENT,
	// (RELA, RELASZ, RELAENT if relas present), one DT_NEEDED per dep,
	// (SONAME if set), NULL.
	nTags := 4
	if len(relas) > 0 {
		nTags += 3
	}
	nTags += len(needed)
	if soname != "" {
		nTags++
	}
	nTags++ // DT_NULL
	dynSize := uint64(nTags * 16)

	symOff := dynOff + dynSize
	symSize := uint64(24 * (len(syms) + 1)) // +1 for the null symbol at index 0

	// String table: leading NUL, then each symbol/needed/soname name in
	// turn (names may repeat the same bytes; offsets are tracked per use).
	strBuf := []byte{0}
	nameOff := func(s string) uint64 {
		if s == "" {
			return 0
		}
		off := uint64(len(strBuf))
		strBuf = append(strBuf, []byte(s)...)
		strBuf = append(strBuf, 0)
		return off
	}
	symNameOffs := make([]uint64, len(syms))
	for i, s := range syms {
		symNameOffs[i] = nameOff(s.name)
	}
	neededOffs := make([]uint64, len(needed))
	for i, n := range needed {
		neededOffs[i] = nameOff(n)
	}
	var sonameOff uint64
	if soname != "" {
		sonameOff = nameOff(soname)
	}

	strOff := symOff + symSize
	strSize := uint64(len(strBuf))

	relaOff := strOff + strSize
	relaSize := uint64(24 * len(relas))

	interpOff := relaOff + relaSize
	interpSize := uint64(0)
	if interp != "" {
		interpSize = uint64(len(interp) + 1)
	}

	fileLen := interpOff + interpSize
	buf := make([]byte, fileLen)

	// ELF header.
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], elfimage.ET_DYN)
	binary.LittleEndian.PutUint16(buf[18:], elfimage.EM_X86_64)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], phOff)
	binary.LittleEndian.PutUint16(buf[54:], phEntSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(nPhdrs))

	// PT_LOAD covering the whole file, identity-mapped.
	ph0 := buf[phOff : phOff+phEntSize]
	binary.LittleEndian.PutUint32(ph0[0:], elfimage.PT_LOAD)
	binary.LittleEndian.PutUint32(ph0[4:], 7) // RWX
	binary.LittleEndian.PutUint64(ph0[8:], 0)
	binary.LittleEndian.PutUint64(ph0[16:], 0)
	binary.LittleEndian.PutUint64(ph0[24:], 0)
	binary.LittleEndian.PutUint64(ph0[32:], fileLen)
	// Always leave at least one page of zero-filled bss past the file
	// image so relocation fixtures have writable room to target.
	memLen := ((fileLen + 4096) + 4095) &^ 4095
	binary.LittleEndian.PutUint64(ph0[40:], memLen)
	binary.LittleEndian.PutUint64(ph0[56:], 0x1000)

	// PT_DYNAMIC.
	ph1 := buf[phOff+phEntSize : phOff+2*phEntSize]
	binary.LittleEndian.PutUint32(ph1[0:], elfimage.PT_DYNAMIC)
	binary.LittleEndian.PutUint64(ph1[8:], dynOff)
	binary.LittleEndian.PutUint64(ph1[16:], dynOff)
	binary.LittleEndian.PutUint64(ph1[32:], dynSize)
	binary.LittleEndian.PutUint64(ph1[40:], dynSize)

	if interp != "" {
		ph2 := buf[phOff+2*phEntSize : phOff+3*phEntSize]
		binary.LittleEndian.PutUint32(ph2[0:], elfimage.PT_INTERP)
		binary.LittleEndian.PutUint64(ph2[8:], interpOff)
		binary.LittleEndian.PutUint64(ph2[16:], interpOff)
		binary.LittleEndian.PutUint64(ph2[32:], interpSize)
		binary.LittleEndian.PutUint64(ph2[40:], interpSize)
		copy(buf[interpOff:interpOff+interpSize], append([]byte(interp), 0))
	}

	// Dynamic table.
	p := dynOff
	putTag := func(tag, val uint64) {
		binary.LittleEndian.PutUint64(buf[p:p+8], tag)
		binary.LittleEndian.PutUint64(buf[p+8:p+16], val)
		p += 16
	}
	putTag(5, strOff)   // DT_STRTAB
	putTag(10, strSize) // DT_STRSZ
	putTag(6, symOff)   // DT_SYMTAB
	putTag(11, 24)      // DT_SYMENT
	if len(relas) > 0 {
		putTag(7, relaOff)  // DT_RELA
		putTag(8, relaSize) // DT_RELASZ
		putTag(9, 24)       // DT_RELAENT
	}
	for _, off := range neededOffs {
		putTag(1, off) // DT_NEEDED
	}
	if soname != "" {
		putTag(14, sonameOff) // DT_SONAME
	}
	putTag(0, 0) // DT_NULL

	// Symbol table: index 0 is the mandatory null symbol.
	symBase := symOff + 24
	for i, s := range syms {
		e := buf[symBase+uint64(i)*24:]
		binary.LittleEndian.PutUint32(e[0:], uint32(symNameOffs[i]))
		e[4] = s.bind << 4
		binary.LittleEndian.PutUint16(e[6:], s.shndx)
		binary.LittleEndian.PutUint64(e[8:], s.value)
		binary.LittleEndian.PutUint64(e[16:], s.size)
	}

	// String table.
	copy(buf[strOff:strOff+strSize], strBuf)

	// Relocations (symIdx is 1-based against syms since index 0 is null).
	for i, r := range relas {
		e := buf[relaOff+uint64(i)*24:]
		binary.LittleEndian.PutUint64(e[0:], r.offset)
		info := (uint64(r.symIdx) << 32) | uint64(r.typ)
		binary.LittleEndian.PutUint64(e[8:], info)
		binary.LittleEndian.PutUint64(e[16:], uint64(r.addend))
	}

	return buf
}
