package elfimage

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildStaticELF constructs the scenario-1 fixture from the spec: a 4 KiB
// ET_EXEC with one PT_LOAD at vaddr 0x400000, filesz=memsz=0x1000, entry
// 0x400100.
func buildStaticELF(t *testing.T) []byte {
	t.Helper()
	const size = 4096
	buf := make([]byte, size)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	buf[6] = 1 // EI_VERSION
	binary.LittleEndian.PutUint16(buf[16:], ET_EXEC)
	binary.LittleEndian.PutUint16(buf[18:], EM_X86_64)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], 0x400100)
	binary.LittleEndian.PutUint64(buf[32:], 64) // e_phoff
	binary.LittleEndian.PutUint16(buf[54:], 56) // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:], 1)  // e_phnum

	ph := buf[64:120]
	binary.LittleEndian.PutUint32(ph[0:], PT_LOAD)
	binary.LittleEndian.PutUint32(ph[4:], 5) // R+X
	binary.LittleEndian.PutUint64(ph[8:], 0)
	binary.LittleEndian.PutUint64(ph[16:], 0x400000)
	binary.LittleEndian.PutUint64(ph[24:], 0x400000)
	binary.LittleEndian.PutUint64(ph[32:], 0x1000)
	binary.LittleEndian.PutUint64(ph[40:], 0x1000)
	binary.LittleEndian.PutUint64(ph[56:], 0x1000)

	// Plant a `syscall` instruction (0F 05) at the entry offset so the
	// diagnostic counter has something to find.
	buf[0x100] = 0x0f
	buf[0x101] = 0x05
	return buf
}

func TestInspectStaticScenario(t *testing.T) {
	raw := buildStaticELF(t)
	rep, err := Inspect(raw)
	require.NoError(t, err)
	require.NoError(t, rep.CheckStaticCompatibility())

	require.Len(t, rep.Segments, 1)
	require.EqualValues(t, 0x400000, rep.SpanStart)
	require.EqualValues(t, 0x401000, rep.SpanEnd)
	require.EqualValues(t, 0x100, rep.Entry-rep.SpanStart)
	require.EqualValues(t, 4096, rep.FileBytes)
	require.GreaterOrEqual(t, rep.SyscallPairCount, 1)
}

func TestInspectRejectsBadMagic(t *testing.T) {
	raw := buildStaticELF(t)
	raw[0] = 0
	_, err := Inspect(raw)
	require.Error(t, err)
}

func TestInspectRejectsOversizeSpan(t *testing.T) {
	raw := buildStaticELF(t)
	ph := raw[64:120]
	binary.LittleEndian.PutUint64(ph[40:], MaxSpan+PageSize) // memsz
	_, err := Inspect(raw)
	require.Error(t, err)
}

func TestStaticCompatibilityRejectsDynamic(t *testing.T) {
	raw := buildStaticELF(t)
	binary.LittleEndian.PutUint16(raw[16:], ET_DYN)
	rep, err := Inspect(raw)
	require.NoError(t, err)
	require.Error(t, rep.CheckStaticCompatibility())
}
