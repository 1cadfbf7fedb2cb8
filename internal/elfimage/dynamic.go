package elfimage

import (
	"encoding/binary"
	"fmt"
)

// DT_* tags used by this subset.
const (
	dtNull     = 0
	dtNeeded   = 1
	dtPltRelSz = 2
	dtHash     = 4
	dtStrTab   = 5
	dtSymTab   = 6
	dtRela     = 7
	dtRelaSz   = 8
	dtRelaEnt  = 9
	dtStrSz    = 10
	dtSymEnt   = 11
	dtSoname   = 14
	dtRpath    = 15
	dtRel      = 17
	dtRelSz    = 18
	dtRelEnt   = 19
	dtPltRel   = 20
	dtJmpRel   = 23
	dtRunpath  = 29

	// DT_PLTREL values.
	PltRelKindRela = 7
	PltRelKindRel  = 17
)

// DynInfo is the result of walking PT_DYNAMIC: addresses/sizes of the
// string table, symbol table, and the three relocation tables, plus the
// DT_NEEDED string offsets (resolved lazily by the caller via Strings()).
type DynInfo struct {
	StrTabAddr uint64
	StrTabSize uint64

	HashAddr uint64

	SymTabAddr uint64
	SymEnt     uint64

	RelaAddr uint64
	RelaSize uint64
	RelaEnt  uint64

	RelAddr uint64
	RelSize uint64
	RelEnt  uint64

	JmpRelAddr   uint64
	PltRelSize   uint64
	PltRelKind   uint64 // 0 if absent
	neededOffs   []uint64
	sonameOffset uint64
	hasSoname    bool
	rpathOffset  uint64
	hasRpath     bool
}

// ReadDynamic walks PT_DYNAMIC (16-byte tag/value pairs, terminated by
// DT_NULL) and extracts the entries this shim cares about.
func ReadDynamic(r *Report) (*DynInfo, error) {
	if !r.HasDynamic {
		return nil, fmt.Errorf("elfimage: no PT_DYNAMIC segment")
	}
	raw := r.Raw
	off := r.DynOffset
	end := off + r.DynFileSize
	if end > uint64(len(raw)) {
		return nil, fmt.Errorf("elfimage: PT_DYNAMIC out of bounds")
	}

	d := &DynInfo{}
	for p := off; p+16 <= end; p += 16 {
		tag := int64(binary.LittleEndian.Uint64(raw[p : p+8]))
		val := binary.LittleEndian.Uint64(raw[p+8 : p+16])
		if tag == dtNull {
			break
		}
		switch tag {
		case dtStrTab:
			d.StrTabAddr = val
		case dtStrSz:
			d.StrTabSize = val
		case dtHash:
			d.HashAddr = val
		case dtSymTab:
			d.SymTabAddr = val
		case dtSymEnt:
			d.SymEnt = val
		case dtRela:
			d.RelaAddr = val
		case dtRelaSz:
			d.RelaSize = val
		case dtRelaEnt:
			d.RelaEnt = val
		case dtRel:
			d.RelAddr = val
		case dtRelSz:
			d.RelSize = val
		case dtRelEnt:
			d.RelEnt = val
		case dtJmpRel:
			d.JmpRelAddr = val
		case dtPltRelSz:
			d.PltRelSize = val
		case dtPltRel:
			d.PltRelKind = val
		case dtNeeded:
			d.neededOffs = append(d.neededOffs, val)
		case dtSoname:
			d.sonameOffset, d.hasSoname = val, true
		case dtRpath, dtRunpath:
			d.rpathOffset, d.hasRpath = val, true
		}
	}

	if d.SymEnt == 0 {
		d.SymEnt = 24
	}
	if d.RelaEnt == 0 {
		d.RelaEnt = 24
	}
	if d.RelEnt == 0 {
		d.RelEnt = 16
	}
	if d.StrTabSize == 0 || d.SymTabAddr == 0 {
		return nil, fmt.Errorf("elfimage: dynamic table missing strtab or symtab")
	}
	if d.SymTabAddr >= d.StrTabAddr {
		return nil, fmt.Errorf("elfimage: invariant violated: symtab must precede strtab")
	}
	return d, nil
}

// string resolves a DT_STRTAB-relative string at virtual address
// d.StrTabAddr+off, scanning up to the table size for a NUL terminator.
func (d *DynInfo) string(r *Report, off uint64) (string, error) {
	vaddr := d.StrTabAddr + off
	fileOff, ok := r.FileOffsetForVAddr(vaddr)
	if !ok {
		return "", fmt.Errorf("elfimage: string offset %d not mapped", off)
	}
	limit := d.StrTabSize - off
	raw := r.Raw
	end := fileOff + limit
	if end > uint64(len(raw)) {
		end = uint64(len(raw))
	}
	return cstring(raw[fileOff:end]), nil
}

// Needed resolves every DT_NEEDED entry to its SONAME-style string.
func (d *DynInfo) Needed(r *Report) ([]string, error) {
	out := make([]string, 0, len(d.neededOffs))
	for _, off := range d.neededOffs {
		s, err := d.string(r, off)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Soname resolves DT_SONAME, if present.
func (d *DynInfo) Soname(r *Report) (string, bool, error) {
	if !d.hasSoname {
		return "", false, nil
	}
	s, err := d.string(r, d.sonameOffset)
	return s, true, err
}

// RPath resolves DT_RPATH/DT_RUNPATH, if present.
func (d *DynInfo) RPath(r *Report) (string, bool, error) {
	if !d.hasRpath {
		return "", false, nil
	}
	s, err := d.string(r, d.rpathOffset)
	return s, true, err
}

// DynSymbol is one entry decoded from DT_SYMTAB.
type DynSymbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Shndx   uint16
	Binding uint8
	Defined bool // Shndx != 0 (SHN_UNDEF)
}

// Symbols enumerates the dynamic symbol table. The entry count isn't
// recorded anywhere explicit in ELF's dynamic section, so it's bounded the
// way the spec's data model prescribes: DT_HASH's nchain when available,
// else (strtab-symtab)/syment, capped at 2^18, falling back to 4096.
func (d *DynInfo) Symbols(r *Report) ([]DynSymbol, error) {
	count, err := d.symbolCountEstimate(r)
	if err != nil {
		return nil, err
	}
	out := make([]DynSymbol, 0, count)
	for i := 0; i < count; i++ {
		sym, ok, err := d.symbolAt(r, i)
		if err != nil {
			break
		}
		if !ok {
			continue
		}
		out = append(out, sym)
	}
	return out, nil
}

// SymbolAt decodes the dynsym entry at raw table index idx, used by the
// relocator to resolve a r_info symbol index directly rather than through
// the filtered, count-estimated Symbols() slice.
func (d *DynInfo) SymbolAt(r *Report, idx int) (DynSymbol, error) {
	sym, ok, err := d.symbolAt(r, idx)
	if err != nil {
		return DynSymbol{}, err
	}
	if !ok {
		return DynSymbol{}, fmt.Errorf("elfimage: symbol name at index %d not resolvable", idx)
	}
	return sym, nil
}

func (d *DynInfo) symbolAt(r *Report, idx int) (DynSymbol, bool, error) {
	symOff, ok := r.FileOffsetForVAddr(d.SymTabAddr)
	if !ok {
		return DynSymbol{}, false, fmt.Errorf("elfimage: symtab vaddr not mapped")
	}
	raw := r.Raw
	entOff := symOff + uint64(idx)*d.SymEnt
	if entOff+24 > uint64(len(raw)) {
		return DynSymbol{}, false, fmt.Errorf("elfimage: symbol index %d out of range", idx)
	}
	nameOff := binary.LittleEndian.Uint32(raw[entOff : entOff+4])
	info := raw[entOff+4]
	shndx := binary.LittleEndian.Uint16(raw[entOff+6 : entOff+8])
	value := binary.LittleEndian.Uint64(raw[entOff+8 : entOff+16])
	size := binary.LittleEndian.Uint64(raw[entOff+16 : entOff+24])
	name, err := d.string(r, uint64(nameOff))
	if err != nil {
		if nameOff == 0 {
			name = ""
		} else {
			return DynSymbol{}, false, nil
		}
	}
	return DynSymbol{
		Name:    name,
		Value:   value,
		Size:    size,
		Shndx:   shndx,
		Binding: info >> 4,
		Defined: shndx != 0,
	}, true, nil
}

func (d *DynInfo) symbolCountEstimate(r *Report) (int, error) {
	if d.HashAddr != 0 {
		hoff, ok := r.FileOffsetForVAddr(d.HashAddr)
		if ok && hoff+8 <= uint64(len(r.Raw)) {
			nchain := binary.LittleEndian.Uint32(r.Raw[hoff+4 : hoff+8])
			if nchain > 0 && nchain < 1<<18 {
				return int(nchain), nil
			}
		}
	}
	if d.StrTabAddr > d.SymTabAddr && d.SymEnt > 0 {
		n := (d.StrTabAddr - d.SymTabAddr) / d.SymEnt
		if n == 0 {
			n = 4096
		}
		if n > 1<<18 {
			n = 1 << 18
		}
		return int(n), nil
	}
	return 4096, nil
}
