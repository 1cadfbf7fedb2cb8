package loader

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/reduxos/linuxshim/internal/elfimage"
	"github.com/stretchr/testify/require"
)

// bumpAllocator hands out page-aligned, non-overlapping guest addresses —
// enough to exercise Plan without a real memory manager.
func bumpAllocator(start uint64) AddressAllocator {
	next := start
	return func(spanLen uint64) uint64 {
		base := next
		aligned := (spanLen + 0xfff) &^ 0xfff
		if aligned == 0 {
			aligned = 0x1000
		}
		next += aligned + 0x1000 // gap between images
		return base
	}
}

type mapResolver map[string][]byte

func (m mapResolver) Resolve(name string) ([]byte, error) {
	raw, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("fixture: no such library %q", name)
	}
	return raw, nil
}

func buildStaticELFFixture(t *testing.T) []byte {
	t.Helper()
	const size = 4096
	buf := make([]byte, size)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], elfimage.ET_EXEC)
	binary.LittleEndian.PutUint16(buf[18:], elfimage.EM_X86_64)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], 0x400100)
	binary.LittleEndian.PutUint64(buf[32:], 64)
	binary.LittleEndian.PutUint16(buf[54:], 56)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	ph := buf[64:120]
	binary.LittleEndian.PutUint32(ph[0:], elfimage.PT_LOAD)
	binary.LittleEndian.PutUint32(ph[4:], 5)
	binary.LittleEndian.PutUint64(ph[16:], 0x400000)
	binary.LittleEndian.PutUint64(ph[24:], 0x400000)
	binary.LittleEndian.PutUint64(ph[32:], 0x1000)
	binary.LittleEndian.PutUint64(ph[40:], 0x1000)
	binary.LittleEndian.PutUint64(ph[56:], 0x1000)
	return buf
}

func TestPlanStaticImage(t *testing.T) {
	raw := buildStaticELFFixture(t)
	plan, err := Plan(raw, nil, bumpAllocator(0x500000))
	require.NoError(t, err)
	require.NotNil(t, plan.Main)
	require.Nil(t, plan.Interp)
	require.Len(t, plan.All, 1)
	require.NotNil(t, plan.TLS)
}

func TestPlanDynamicWithInterpAndDependency(t *testing.T) {
	mainRaw := buildDynELFWithInterp(t, 0x1000,
		[]testSym{{name: "libcall", bind: 1}},
		[]testRela{{offset: 0x1000, symIdx: 1, typ: RX8664GlobDat}},
		[]string{"libfoo.so"}, "", "/lib/ld-reduxos.so",
	)
	interpRaw := buildDynELF(t, 0x3000, nil, nil, nil, "ld-reduxos.so")
	libRaw := buildDynELF(t, 0x2000,
		[]testSym{{name: "libcall", value: 0x50, shndx: 1, bind: 1}},
		nil, nil, "libfoo.so",
	)

	resolver := mapResolver{
		"/lib/ld-reduxos.so": interpRaw,
		"libfoo.so":          libRaw,
	}

	plan, err := Plan(mainRaw, resolver, bumpAllocator(0x500000))
	require.NoError(t, err)
	require.NotNil(t, plan.Main)
	require.NotNil(t, plan.Interp)
	require.Len(t, plan.Deps, 1)
	require.Len(t, plan.All, 3)
	require.Equal(t, "libfoo.so", plan.Deps[0].Label)

	require.NotNil(t, plan.Reloc)
	require.Equal(t, 1, plan.Reloc.Stats["main"].Applied)
	require.Len(t, plan.Reloc.Traces, 1)
	require.Equal(t, "libcall", plan.Reloc.Traces[0].Symbol)
}

func TestPlanMissingInterpreterFails(t *testing.T) {
	mainRaw := buildDynELFWithInterp(t, 0x1000, nil, nil, nil, "", "/lib/ld-reduxos.so")
	_, err := Plan(mainRaw, mapResolver{}, bumpAllocator(0x500000))
	require.Error(t, err)
}
