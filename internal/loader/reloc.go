package loader

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/elfimage"
)

// x86_64 relocation types this shim understands.
const (
	RX8664_64       = 1
	RX8664Copy      = 5
	RX8664GlobDat   = 6
	RX8664JumpSlot  = 7
	RX8664Relative  = 8
)

const TraceCap = 4096

// Trace is one resolved cross-image symbolic relocation.
type Trace struct {
	Requestor string
	Symbol    string
	Provider  string
	Kind      uint32
	SlotAddr  uint64
	ValueAddr uint64
}

type relocEntry struct {
	Offset    uint64 // vaddr of the slot, pre-bias
	SymIdx    uint32
	Type      uint32
	Addend    int64
	HasAddend bool
}

// pendingEntry is a relocation pass A could not resolve on its own: either
// it names a symbol undefined in this image (64/GLOB_DAT/JUMP_SLOT), or
// it's a COPY (always resolved in pass B, even against a defined symbol).
type pendingEntry struct {
	img   *StagedImage
	entry relocEntry
}

// Result bundles everything the relocator produces for one Relocate call
// across a set of images.
type Result struct {
	Stats  map[string]*RelocStats
	Traces []Trace
	// TraceDropped counts trace records that would have been appended past
	// TraceCap — the relocations themselves still apply; only the audit
	// trail is bounded.
	TraceDropped int
}

// Relocate runs both passes across images in dependency order (main,
// interp, then each DT_NEEDED dependency) and returns per-image statistics
// plus the symbol-resolution trace.
func Relocate(images []*StagedImage) (*Result, error) {
	res := &Result{Stats: make(map[string]*RelocStats)}

	var pending []pendingEntry
	for _, img := range images {
		stats := &RelocStats{}
		res.Stats[img.Label] = stats
		if img.Dyn == nil {
			continue
		}
		p, err := classifyImage(img, stats)
		if err != nil {
			return nil, fmt.Errorf("loader: pass A on %q: %w", img.Label, err)
		}
		pending = append(pending, p...)
	}

	globals := NewGlobalSymtab()
	for _, img := range images {
		if err := globals.AddFromImage(img); err != nil {
			return nil, fmt.Errorf("loader: building global symtab from %q: %w", img.Label, err)
		}
	}

	for _, p := range pending {
		resolvePending(p, globals, res)
	}

	return res, nil
}

// classifyImage is pass A: fully resolves RELATIVE and intra-image defined
// direct relocations, flags unknown types as unsupported immediately, and
// defers everything that needs the global symbol table.
func classifyImage(img *StagedImage, stats *RelocStats) ([]pendingEntry, error) {
	var pending []pendingEntry

	tables, err := relocTables(img)
	if err != nil {
		return nil, err
	}

	for _, t := range tables {
		entries, err := readRelocTable(img.Report, t.addr, t.size, t.ent, t.isRela)
		if err != nil {
			// An address that doesn't resolve to a file offset is a
			// geometry problem for every entry we can't even read.
			continue
		}
		for _, e := range entries {
			stats.Total++
			switch e.Type {
			case RX8664Relative:
				var newVal uint64
				if e.HasAddend {
					newVal = img.LoadBias + uint64(e.Addend)
				} else {
					cur, err := img.slotRead(e.Offset)
					if err != nil {
						stats.Errors++
						continue
					}
					newVal = img.LoadBias + cur
				}
				if err := img.slotWrite(e.Offset, newVal); err != nil {
					stats.Errors++
				} else {
					stats.Applied++
				}

			case RX8664_64, RX8664GlobDat, RX8664JumpSlot:
				sym, err := img.Dyn.SymbolAt(img.Report, int(e.SymIdx))
				if err != nil {
					stats.Unsupported++
					continue
				}
				if sym.Defined {
					var newVal uint64
					if e.HasAddend {
						newVal = img.LoadBias + sym.Value + uint64(e.Addend)
					} else {
						cur, err := img.slotRead(e.Offset)
						if err != nil {
							stats.Errors++
							continue
						}
						newVal = img.LoadBias + sym.Value + cur
					}
					if err := img.slotWrite(e.Offset, newVal); err != nil {
						stats.Errors++
					} else {
						stats.Applied++
					}
					continue
				}
				pending = append(pending, pendingEntry{img: img, entry: e})

			case RX8664Copy:
				pending = append(pending, pendingEntry{img: img, entry: e})

			default:
				stats.Unsupported++
			}
		}
	}
	return pending, nil
}

// resolvePending is pass B for one deferred entry: cross-image symbolic
// resolution against the merged global table.
func resolvePending(p pendingEntry, globals *GlobalSymtab, res *Result) {
	img, e := p.img, p.entry
	stats := res.Stats[img.Label]

	sym, err := img.Dyn.SymbolAt(img.Report, int(e.SymIdx))
	if err != nil {
		stats.Unsupported++
		return
	}

	provider, ok := globals.Lookup(sym.Name)
	if !ok {
		stats.Unsupported++
		return
	}

	switch e.Type {
	case RX8664_64, RX8664GlobDat, RX8664JumpSlot:
		var newVal uint64
		if e.HasAddend {
			newVal = provider.Value + uint64(e.Addend)
		} else {
			cur, err := img.slotRead(e.Offset)
			if err != nil {
				stats.Errors++
				return
			}
			newVal = provider.Value + cur
		}
		if err := img.slotWrite(e.Offset, newVal); err != nil {
			stats.Errors++
			return
		}
		stats.Applied++
		addTrace(res, Trace{
			Requestor: img.Label,
			Symbol:    sym.Name,
			Provider:  provider.Provider,
			Kind:      e.Type,
			SlotAddr:  img.LoadBias + e.Offset,
			ValueAddr: newVal,
		})

	case RX8664Copy:
		if sym.Size > 0 {
			providerBytes, err := copySourceBytes(provider, sym.Size)
			if err != nil {
				stats.Errors++
				return
			}
			if err := img.copyIn(e.Offset, providerBytes); err != nil {
				stats.Errors++
				return
			}
		}
		stats.Applied++
		addTrace(res, Trace{
			Requestor: img.Label,
			Symbol:    sym.Name,
			Provider:  provider.Provider,
			Kind:      e.Type,
			SlotAddr:  img.LoadBias + e.Offset,
			ValueAddr: provider.Value,
		})
	}
}

func addTrace(res *Result, t Trace) {
	if len(res.Traces) >= TraceCap {
		res.TraceDropped++
		return
	}
	res.Traces = append(res.Traces, t)
}

func copySourceBytes(sym SymbolEntry, size uint64) ([]byte, error) {
	if sym.image == nil {
		return nil, fmt.Errorf("loader: COPY provider %q has no backing image", sym.Provider)
	}
	// sym.Value already has the provider's load_bias applied (see
	// GlobalSymtab.AddFromImage); undo both the bias and the span-start
	// shift to land back on a byte offset into sym.image.Bytes.
	off, err := sym.image.SlotOffset(sym.Value-sym.image.LoadBias, int(size))
	if err != nil {
		return nil, err
	}
	return sym.image.Bytes[off : off+size], nil
}

type relocTableSpec struct {
	addr, size, ent uint64
	isRela          bool
}

func relocTables(img *StagedImage) ([]relocTableSpec, error) {
	d := img.Dyn
	tables := []relocTableSpec{
		{d.RelaAddr, d.RelaSize, d.RelaEnt, true},
		{d.RelAddr, d.RelSize, d.RelEnt, false},
	}
	if d.JmpRelAddr != 0 {
		isRela := d.PltRelKind != elfimage.PltRelKindRel
		ent := d.RelaEnt
		if !isRela {
			ent = d.RelEnt
		}
		tables = append(tables, relocTableSpec{d.JmpRelAddr, d.PltRelSize, ent, isRela})
	}
	return tables, nil
}

func readRelocTable(rep *elfimage.Report, addr, size, entsize uint64, isRela bool) ([]relocEntry, error) {
	if addr == 0 || size == 0 || entsize == 0 {
		return nil, nil
	}
	fileOff, ok := rep.FileOffsetForVAddr(addr)
	if !ok {
		return nil, fmt.Errorf("reloc table vaddr %#x not mapped", addr)
	}
	raw := rep.Raw
	count := size / entsize
	out := make([]relocEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		entOff := fileOff + i*entsize
		if entOff+16 > uint64(len(raw)) {
			break
		}
		offset := getU64(raw, entOff)
		info := getU64(raw, entOff+8)
		e := relocEntry{
			Offset: offset,
			SymIdx: uint32(info >> 32),
			Type:   uint32(info),
		}
		if isRela {
			if entOff+24 > uint64(len(raw)) {
				break
			}
			e.Addend = int64(getU64(raw, entOff+16))
			e.HasAddend = true
		}
		out = append(out, e)
	}
	return out, nil
}

func getU64(b []byte, off uint64) uint64 {
	var v uint64
	for i := uint64(7); ; i-- {
		v = v<<8 | uint64(b[off+i])
		if i == 0 {
			break
		}
	}
	return v
}

// slotRead/slotWrite/copyIn operate directly on the staged byte buffer
// (not through guestmem — the relocator runs before the image is mapped
// into any process's address space).
func (img *StagedImage) slotRead(vaddr uint64) (uint64, error) {
	off, err := img.SlotOffset(vaddr, 8)
	if err != nil {
		return 0, err
	}
	return getU64(img.Bytes, off), nil
}

func (img *StagedImage) slotWrite(vaddr uint64, val uint64) error {
	off, err := img.SlotOffset(vaddr, 8)
	if err != nil {
		return err
	}
	b := img.Bytes[off : off+8]
	for i := 0; i < 8; i++ {
		b[i] = byte(val)
		val >>= 8
	}
	return nil
}

func (img *StagedImage) copyIn(vaddr uint64, src []byte) error {
	off, err := img.SlotOffset(vaddr, len(src))
	if err != nil {
		return err
	}
	copy(img.Bytes[off:off+uint64(len(src))], src)
	return nil
}
