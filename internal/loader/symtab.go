package loader

// SymbolEntry is one row of the global symbol table: append-only, first
// writer wins on a name collision.
type SymbolEntry struct {
	Name     string
	Value    uint64 // absolute guest address (image's own load_bias already applied)
	Provider string
	image    *StagedImage // kept to let R_X86_64_COPY read the provider's bytes
}

// GlobalSymtab is the merged symbol table pass B resolves cross-image
// relocations against. Populated by scanning each image's dynsym in
// main/interp/dependency order.
type GlobalSymtab struct {
	byName map[string]SymbolEntry
}

func NewGlobalSymtab() *GlobalSymtab {
	return &GlobalSymtab{byName: make(map[string]SymbolEntry)}
}

// AddFromImage scans img's dynsym for defined, non-local symbols and adds
// each one not already present (first writer wins).
func (g *GlobalSymtab) AddFromImage(img *StagedImage) error {
	if img.Dyn == nil {
		return nil
	}
	syms, err := img.Dyn.Symbols(img.Report)
	if err != nil {
		return err
	}
	for _, s := range syms {
		if !s.Defined || s.Binding == 0 /* STB_LOCAL */ || s.Name == "" {
			continue
		}
		if _, exists := g.byName[s.Name]; exists {
			continue
		}
		g.byName[s.Name] = SymbolEntry{
			Name:     s.Name,
			Value:    s.Value + img.LoadBias,
			Provider: img.Label,
			image:    img,
		}
	}
	return nil
}

func (g *GlobalSymtab) Lookup(name string) (SymbolEntry, bool) {
	e, ok := g.byName[name]
	return e, ok
}
