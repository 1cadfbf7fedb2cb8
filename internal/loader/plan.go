package loader

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/elfimage"
)

// LibraryResolver locates a DT_NEEDED/PT_INTERP dependency by its SONAME or
// interpreter path and returns its raw file bytes. The VFS-backed resolver
// used at runtime tries the name as given, then a fixed list of default
// library directories; DT_RPATH/DT_RUNPATH are not consulted. Tests supply
// an in-memory map.
type LibraryResolver interface {
	Resolve(name string) ([]byte, error)
}

// LaunchPlan is everything C6 (the stack/launch builder) needs: every
// staged image in load order, the TLS block built from the main image's
// PT_TLS, and the combined relocation outcome.
type LaunchPlan struct {
	Main   *StagedImage
	Interp *StagedImage
	Deps   []*StagedImage
	All    []*StagedImage // Main, Interp (if any), Deps... — relocation/link order

	TLS   *TLSBlock
	Reloc *Result
}

// AddressAllocator hands out a guest base address for a span of the given
// length. The memory manager owns the real policy (mmap-style upward bump
// placement); tests can supply a simple bump allocator.
type AddressAllocator func(spanLen uint64) uint64

// Plan runs C1 (inspect) through C5 (TLS) for one execve: validates the
// main image, resolves and stages the interpreter and its transitive
// DT_NEEDED closure, relocates the whole set against one global symbol
// table, and builds the main image's TLS block.
func Plan(mainRaw []byte, resolver LibraryResolver, alloc AddressAllocator) (*LaunchPlan, error) {
	mainRep, err := elfimage.Inspect(mainRaw)
	if err != nil {
		return nil, fmt.Errorf("loader: inspecting main image: %w", err)
	}

	plan := &LaunchPlan{}

	if !mainRep.HasDynamic {
		if err := mainRep.CheckStaticCompatibility(); err != nil {
			return nil, err
		}
		base := alloc(mainRep.SpanEnd - mainRep.SpanStart)
		img, err := Stage("main", mainRep, nil, base)
		if err != nil {
			return nil, err
		}
		plan.Main = img
		plan.All = []*StagedImage{img}
		tls, err := BuildTLS(mainRep, alloc(4096))
		if err != nil {
			return nil, err
		}
		plan.TLS = tls
		plan.Reloc = &Result{Stats: map[string]*RelocStats{"main": {}}}
		return plan, nil
	}

	if err := mainRep.CheckDynamicCompatibility(); err != nil {
		return nil, err
	}
	mainDyn, err := elfimage.ReadDynamic(mainRep)
	if err != nil {
		return nil, fmt.Errorf("loader: reading main PT_DYNAMIC: %w", err)
	}
	mainBase := alloc(mainRep.SpanEnd - mainRep.SpanStart)
	mainImg, err := Stage("main", mainRep, mainDyn, mainBase)
	if err != nil {
		return nil, err
	}
	plan.Main = mainImg
	plan.All = append(plan.All, mainImg)

	interpRaw, err := resolver.Resolve(mainRep.Interp)
	if err != nil {
		return nil, fmt.Errorf("loader: resolving interpreter %q: %w", mainRep.Interp, err)
	}
	interpRep, err := elfimage.Inspect(interpRaw)
	if err != nil {
		return nil, fmt.Errorf("loader: inspecting interpreter %q: %w", mainRep.Interp, err)
	}
	if !interpRep.HasDynamic {
		return nil, fmt.Errorf("loader: interpreter %q has no PT_DYNAMIC", mainRep.Interp)
	}
	interpDyn, err := elfimage.ReadDynamic(interpRep)
	if err != nil {
		return nil, fmt.Errorf("loader: reading interpreter PT_DYNAMIC: %w", err)
	}
	interpBase := alloc(interpRep.SpanEnd - interpRep.SpanStart)
	interpImg, err := Stage(mainRep.Interp, interpRep, interpDyn, interpBase)
	if err != nil {
		return nil, err
	}
	plan.Interp = interpImg
	plan.All = append(plan.All, interpImg)

	seen := map[string]bool{mainRep.Interp: true}
	queue, err := mainDyn.Needed(mainRep)
	if err != nil {
		return nil, fmt.Errorf("loader: reading main DT_NEEDED: %w", err)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		raw, err := resolver.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("loader: resolving dependency %q: %w", name, err)
		}
		rep, err := elfimage.Inspect(raw)
		if err != nil {
			return nil, fmt.Errorf("loader: inspecting dependency %q: %w", name, err)
		}
		var dyn *elfimage.DynInfo
		if rep.HasDynamic {
			dyn, err = elfimage.ReadDynamic(rep)
			if err != nil {
				return nil, fmt.Errorf("loader: reading PT_DYNAMIC of %q: %w", name, err)
			}
			more, err := dyn.Needed(rep)
			if err != nil {
				return nil, fmt.Errorf("loader: reading DT_NEEDED of %q: %w", name, err)
			}
			queue = append(queue, more...)
		}
		base := alloc(rep.SpanEnd - rep.SpanStart)
		img, err := Stage(name, rep, dyn, base)
		if err != nil {
			return nil, fmt.Errorf("loader: staging dependency %q: %w", name, err)
		}
		plan.Deps = append(plan.Deps, img)
		plan.All = append(plan.All, img)
	}

	reloc, err := Relocate(plan.All)
	if err != nil {
		return nil, fmt.Errorf("loader: relocation: %w", err)
	}
	plan.Reloc = reloc

	tls, err := BuildTLS(mainRep, alloc(4096))
	if err != nil {
		return nil, fmt.Errorf("loader: building TLS: %w", err)
	}
	plan.TLS = tls

	return plan, nil
}
