package loader

import (
	"testing"

	"github.com/reduxos/linuxshim/internal/elfimage"
	"github.com/stretchr/testify/require"
)

func TestBuildTLSLayout(t *testing.T) {
	raw := make([]byte, 256)
	initData := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	copy(raw[100:], initData)

	rep := &elfimage.Report{
		Raw: raw,
		TLS: &elfimage.TLSDescriptor{
			FileOffset: 100,
			FileSize:   uint64(len(initData)),
			MemSize:    32,
			Align:      16,
		},
	}

	const guestBase = 0x700000000
	blk, err := BuildTLS(rep, guestBase)
	require.NoError(t, err)

	// dataRegion = align_up(32, 16) = 32; total = 40.
	require.Len(t, blk.Bytes, 40)
	require.Equal(t, uint64(guestBase+32), blk.TCBAddr)

	// Init data is right-aligned to end exactly at the TCB.
	require.Equal(t, initData, blk.Bytes[24:32])
	// Everything before the init data (the implicit bss) is zero.
	for _, b := range blk.Bytes[0:24] {
		require.Zero(t, b)
	}

	// TCB's self-pointer is its own guest address.
	got := getU64(blk.Bytes, 32)
	require.Equal(t, blk.TCBAddr, got)
}

func TestBuildTLSWithoutSegment(t *testing.T) {
	rep := &elfimage.Report{Raw: []byte{}}
	blk, err := BuildTLS(rep, 0x900000000)
	require.NoError(t, err)
	require.Len(t, blk.Bytes, 8)
	require.Equal(t, uint64(0x900000000), blk.TCBAddr)
}
