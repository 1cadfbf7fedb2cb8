// Package auxstack builds the System-V AMD64 initial process image the
// interpreter (or, for a static binary, the main image itself) expects on
// entry: a 128 KiB stack holding the C-string pool, a 16-byte random seed,
// argv/envp/auxv, and the 16-byte-aligned transfer frame. The package has
// no launch primitive: it does not write FS_BASE or jump to the entry
// point; that transfer is done by the host's privilege-transfer primitive.
//
// The top-down cursor bookkeeping here mirrors the teacher's
// std/compiler/backend_linux_x64.go _start prologue read in reverse: that
// code reads argc/argv/envp/auxv off an incoming stack built this way by
// the real kernel; this package is the one building it, for a guest.
package auxstack

import (
	"github.com/reduxos/linuxshim/internal/loader"
)

const (
	StackSize = 128 * 1024

	atNull    = 0
	atPhdr    = 3
	atPhent   = 4
	atPhnum   = 5
	atPagesz  = 6
	atBase    = 7
	atFlags   = 8
	atEntry   = 9
	atUid     = 11
	atEuid    = 12
	atGid     = 13
	atEgid    = 14
	atSecure  = 23
	atRandom  = 25
	atExecfn  = 31
	pageSize  = 4096
)

// DefaultEnv is the fixed baseline environment every launch starts from —
// one representative variable per category the spec names (locale,
// terminal, path, the personality's own marker, and the X11/GTK/Qt/SDL/
// winit/Mozilla/Wayland toolkit hints a GUI client consults at startup).
func DefaultEnv() []string {
	return []string{
		"LANG=en_US.UTF-8",
		"TERM=xterm-256color",
		"PATH=/usr/bin:/bin",
		"REDUXOS=1",
		"DISPLAY=:0",
		"XDG_RUNTIME_DIR=/run/reduxos",
		"GDK_BACKEND=x11",
		"QT_QPA_PLATFORM=xcb",
		"SDL_VIDEODRIVER=x11",
		"WINIT_UNIX_BACKEND=x11",
		"MOZ_ENABLE_WAYLAND=0",
		"WAYLAND_DISPLAY=",
	}
}

// Image is the built stack: a host buffer representing
// [Base, Base+StackSize) and the final aligned StackPtr ready to become
// RSP at transfer.
type Image struct {
	Base      uint64
	Bytes     []byte
	StackPtr  uint64
	ArgvCount int
	EnvCount  int
	AuxPairs  int
}

// Build lays out the stack per spec §4.6: C-strings, then the random seed,
// then the auxiliary vector, then the argc/argv/envp/auxv words array
// rounded down to 16-byte alignment. extraEnv is appended after
// DefaultEnv(). If argv is empty, main's image label stands in as execfn.
func Build(main, interp *loader.StagedImage, argv, extraEnv []string, stackBase uint64) (*Image, error) {
	env := append(append([]string(nil), DefaultEnv()...), extraEnv...)

	execfn := main.Label
	if len(argv) > 0 {
		execfn = argv[0]
	}

	buf := make([]byte, StackSize)
	cursor := StackSize // byte offset from stackBase; decreases as we push

	writeCString := func(s string) uint64 {
		data := make([]byte, len(s)+1)
		copy(data, s)
		cursor -= len(data)
		copy(buf[cursor:], data)
		return stackBase + uint64(cursor)
	}

	execfnAddr := writeCString(execfn)

	envAddrs := make([]uint64, len(env))
	for i, e := range env {
		envAddrs[i] = writeCString(e)
	}

	argvAddrs := make([]uint64, len(argv))
	for i, a := range argv {
		argvAddrs[i] = writeCString(a)
	}

	// 16-byte random seed, address itself 16-byte aligned.
	cursor -= 16
	cursor &^= 15
	randomSeed := mixSampleHashes(main, interp)
	copy(buf[cursor:cursor+16], randomSeed[:])
	randomAddr := stackBase + uint64(cursor)

	var interpLoadBias uint64
	if interp != nil {
		interpLoadBias = interp.LoadBias
	}

	auxPairs := [][2]uint64{
		{atPhdr, main.PhAddr},
		{atPhent, uint64(main.PhEnt)},
		{atPhnum, uint64(main.PhNum)},
		{atPagesz, pageSize},
		{atBase, interpLoadBias},
		{atFlags, 0},
		{atEntry, main.EntryVirt},
		{atUid, 0},
		{atEuid, 0},
		{atGid, 0},
		{atEgid, 0},
		{atSecure, 0},
		{atRandom, randomAddr},
		{atExecfn, execfnAddr},
	}

	wordCount := 1 + (len(argvAddrs) + 1) + (len(envAddrs) + 1) + len(auxPairs)*2 + 2
	byteLen := wordCount * 8
	target := (cursor - byteLen) &^ 15
	cursor = target

	words := make([]uint64, 0, wordCount)
	words = append(words, uint64(len(argvAddrs)))
	words = append(words, argvAddrs...)
	words = append(words, 0)
	words = append(words, envAddrs...)
	words = append(words, 0)
	for _, p := range auxPairs {
		words = append(words, p[0], p[1])
	}
	words = append(words, atNull, 0)

	off := cursor
	for _, w := range words {
		putU64(buf[off:off+8], w)
		off += 8
	}

	return &Image{
		Base:      stackBase,
		Bytes:     buf,
		StackPtr:  stackBase + uint64(cursor),
		ArgvCount: len(argvAddrs),
		EnvCount:  len(envAddrs),
		AuxPairs:  len(auxPairs),
	}, nil
}

// mixSampleHashes folds the main and (if present) interpreter sample hashes
// into a 16-byte AT_RANDOM value. Not a cryptographic RNG — the spec only
// asks for "a mixed hash of the two image sample hashes".
func mixSampleHashes(main, interp *loader.StagedImage) [16]byte {
	a := main.SampleHash
	var b uint64
	if interp != nil {
		b = interp.SampleHash
	}
	a ^= b*0x9E3779B97F4A7C15 + 1
	b ^= a*0xC2B2AE3D27D4EB4F + 1

	var out [16]byte
	putU64(out[0:8], a)
	putU64(out[8:16], b)
	return out
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
