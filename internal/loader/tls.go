package loader

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/elfimage"
)

// TLSBlock is one thread's Variant-II TLS allocation: initialized data
// immediately followed by the thread control block, whose first eight bytes
// are a pointer to itself. FS_BASE is set to TCBAddr; negative offsets from
// FS_BASE index backward into the data region.
type TLSBlock struct {
	Base    uint64
	TCBAddr uint64
	Bytes   []byte
}

// BuildTLS allocates and initializes one TLS block for the given image's
// PT_TLS descriptor (guestBase is where the host places the block in guest
// memory). An image with no PT_TLS still gets a minimal TCB-only block —
// the startup path always sets FS_BASE, whether or not the binary has
// thread-local storage.
func BuildTLS(rep *elfimage.Report, guestBase uint64) (*TLSBlock, error) {
	var memsz, filesz, fileOff, align uint64 = 0, 0, 0, 8
	if rep.TLS != nil {
		memsz = rep.TLS.MemSize
		filesz = rep.TLS.FileSize
		fileOff = rep.TLS.FileOffset
		if rep.TLS.Align > align {
			align = rep.TLS.Align
		}
		if filesz > memsz {
			return nil, fmt.Errorf("loader: TLS filesz > memsz")
		}
	}

	dataRegion := alignUp(memsz, align)
	total := dataRegion + 8
	block := make([]byte, total)

	tcbOff := dataRegion
	dataEnd := tcbOff
	dataStart := dataEnd - filesz
	if filesz > 0 {
		if fileOff+filesz > uint64(len(rep.Raw)) {
			return nil, fmt.Errorf("loader: TLS init data out of file bounds")
		}
		copy(block[dataStart:dataEnd], rep.Raw[fileOff:fileOff+filesz])
	}

	tcbAddr := guestBase + tcbOff
	putLeUint64Local(block[tcbOff:tcbOff+8], tcbAddr)

	return &TLSBlock{Base: guestBase, TCBAddr: tcbAddr, Bytes: block}, nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		align = 8
	}
	return (v + align - 1) &^ (align - 1)
}

func putLeUint64Local(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
