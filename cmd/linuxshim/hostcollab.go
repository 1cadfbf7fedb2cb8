package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostAllocator is the default shim.Allocator: anonymous, private host
// memory via mmap/munmap. The personality core never calls this — it
// exists only for a demo binary that wants host-backed scratch space
// (e.g. the framebuffer's own pixel buffer, if a Presenter wants it
// off-heap) without importing golang.org/x/sys/unix itself.
type hostAllocator struct{}

func (hostAllocator) Alloc(length uint64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostAllocator: mmap %d bytes: %w", length, err)
	}
	return b, nil
}

func (hostAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// hostTimerSource is the default shim.TimerSource: 1ms ticks derived
// from CLOCK_MONOTONIC, matching §5's "ticks, 1 ms granularity" deadline
// model.
type hostTimerSource struct{}

func (hostTimerSource) NowTicks() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1_000_000
}
