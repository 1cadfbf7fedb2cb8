// Package fbbridge is the off-screen framebuffer the X11 server draws
// into and the host UI presents: a ≤640×360 24-bit pixel buffer, a
// status line, a dirty flag and frame sequence counter, and a 64-entry
// dropping input ring fed by the host's pointer/key events.
package fbbridge

import "fmt"

const (
	MaxWidth     = 640
	MaxHeight    = 360
	BytesPerPx   = 3
	InputRingCap = 64
)

// InputKind distinguishes the two event shapes the host can push.
type InputKind int

const (
	InputPointer InputKind = iota
	InputKey
)

// InputEvent is one host-pushed event, queued for the X11 event pump.
type InputEvent struct {
	Kind    InputKind
	X, Y    int
	Left    bool
	Right   bool
	Ch      rune
	KeyDown bool
}

// Presenter is the host's hardware framebuffer. Present is called only
// when direct-present is enabled and the tick throttle allows it.
type Presenter interface {
	Size() (width, height int)
	Present(offsetX, offsetY int, pixels []byte, width, height int, banner string) error
}

// Bridge is the off-screen buffer plus its bookkeeping.
type Bridge struct {
	Width, Height int
	pixels        []byte

	status   string
	dirty    bool
	frameSeq uint64

	ring      [InputRingCap]InputEvent
	ringHead  int
	ringCount int
	dropped   uint64

	direct        bool
	presented     bool
	lastPresent   uint64
	presentPeriod uint64
}

// New allocates a width×height off-screen buffer, each ≤ MaxWidth/MaxHeight.
func New(width, height int) (*Bridge, error) {
	if width <= 0 || height <= 0 || width > MaxWidth || height > MaxHeight {
		return nil, fmt.Errorf("fbbridge: invalid dimensions %dx%d", width, height)
	}
	return &Bridge{
		Width:         width,
		Height:        height,
		pixels:        make([]byte, width*height*BytesPerPx),
		presentPeriod: 16, // ~60Hz in 1ms ticks
	}, nil
}

// SetDirectPresent toggles whether Tick ever calls through to a Presenter.
func (b *Bridge) SetDirectPresent(on bool) { b.direct = on }

// SetStatus updates the status line shown in the presented banner.
func (b *Bridge) SetStatus(s string) { b.status = s }

func (b *Bridge) offset(x, y int) int { return (y*b.Width + x) * BytesPerPx }

// SetPixel writes one RGB pixel and marks the buffer dirty.
func (b *Bridge) SetPixel(x, y int, r, g, bl byte) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	o := b.offset(x, y)
	b.pixels[o], b.pixels[o+1], b.pixels[o+2] = r, g, bl
	b.MarkDirty()
}

// Blit copies a w×h RGB block into the buffer at (x,y), clipping to
// bounds, and marks the buffer dirty.
func (b *Bridge) Blit(x, y, w, h int, pix []byte) {
	for row := 0; row < h; row++ {
		dy := y + row
		if dy < 0 || dy >= b.Height {
			continue
		}
		for col := 0; col < w; col++ {
			dx := x + col
			if dx < 0 || dx >= b.Width {
				continue
			}
			si := (row*w + col) * BytesPerPx
			if si+2 >= len(pix) {
				continue
			}
			o := b.offset(dx, dy)
			b.pixels[o], b.pixels[o+1], b.pixels[o+2] = pix[si], pix[si+1], pix[si+2]
		}
	}
	b.MarkDirty()
}

// MarkDirty flags the buffer and advances the frame sequence — per the
// design, every dirty window bumps frame_seq once.
func (b *Bridge) MarkDirty() {
	b.dirty = true
	b.frameSeq++
}

// PushPointerEvent and PushKeyEvent are the host's ingress calls. The
// ring drops the oldest entry and counts the drop when full.
func (b *Bridge) PushPointerEvent(x, y int, left, right bool) {
	b.push(InputEvent{Kind: InputPointer, X: x, Y: y, Left: left, Right: right})
}

func (b *Bridge) PushKeyEvent(ch rune, down bool) {
	b.push(InputEvent{Kind: InputKey, Ch: ch, KeyDown: down})
}

func (b *Bridge) push(ev InputEvent) {
	if b.ringCount == InputRingCap {
		// Drop the oldest entry to make room, counting the drop.
		b.ringHead = (b.ringHead + 1) % InputRingCap
		b.ringCount--
		b.dropped++
	}
	tail := (b.ringHead + b.ringCount) % InputRingCap
	b.ring[tail] = ev
	b.ringCount++
}

// PopEvent drains the oldest queued input event, FIFO.
func (b *Bridge) PopEvent() (InputEvent, bool) {
	if b.ringCount == 0 {
		return InputEvent{}, false
	}
	ev := b.ring[b.ringHead]
	b.ringHead = (b.ringHead + 1) % InputRingCap
	b.ringCount--
	return ev, true
}

// Dropped reports how many input events were discarded for ring overflow.
func (b *Bridge) Dropped() uint64 { return b.dropped }

// CopyFrame copies the current buffer into dst (which must be at least
// Width*Height*3 bytes) and returns width, height, and the frame
// sequence number — the backing for linux_gfx_bridge_copy_frame.
func (b *Bridge) CopyFrame(dst []byte) (width, height int, seq uint64) {
	copy(dst, b.pixels)
	return b.Width, b.Height, b.frameSeq
}

// Tick drives direct presentation: if enabled, the tick throttle
// permits it, and the buffer is dirty, centers the off-screen buffer on
// the hardware framebuffer with a banner drawn from the status line.
func (b *Bridge) Tick(tick uint64, presenter Presenter) error {
	if !b.direct || presenter == nil {
		return nil
	}
	if b.presented && tick-b.lastPresent < b.presentPeriod {
		return nil
	}
	if !b.dirty {
		return nil
	}
	b.presented = true
	b.lastPresent = tick
	hwW, hwH := presenter.Size()
	offX := (hwW - b.Width) / 2
	offY := (hwH - b.Height) / 2
	if offX < 0 {
		offX = 0
	}
	if offY < 0 {
		offY = 0
	}
	if err := presenter.Present(offX, offY, b.pixels, b.Width, b.Height, b.status); err != nil {
		return fmt.Errorf("fbbridge: present: %w", err)
	}
	b.dirty = false
	return nil
}
