package x11

// dispatchDrawOrMisc handles every opcode not covered directly in
// dispatch's switch — the GC/pixmap lifecycle, drawing primitives, and
// the remaining input/color/keyboard/font/extension surface.
func (s *Server) dispatchDrawOrMisc(c *Client, op uint8, req []byte) []byte {
	switch op {
	case opCreatePixmap:
		return s.handleCreatePixmap(req)
	case opFreePixmap:
		return s.handleFreePixmap(req)
	case opCreateGC:
		return s.handleCreateGC(req)
	case opChangeGC:
		return s.handleChangeGC(req)
	case opCopyGC:
		return s.handleCopyGC(req)
	case opFreeGC:
		return s.handleFreeGC(req)
	case opClearArea:
		return s.handleClearArea(req)
	case opCopyArea:
		return s.handleCopyArea(req)
	case opCopyPlane:
		return s.handleCopyArea(req) // single-plane depth: behaves like CopyArea here
	case opPolyPoint:
		return s.handlePolyPoint(req)
	case opPolyLine:
		return s.handlePolyLine(req)
	case opPolySegment:
		return s.handlePolySegment(req)
	case opPolyRectangle:
		return s.handlePolyRectangle(req, false)
	case opPolyFillRectangle:
		return s.handlePolyRectangle(req, true)
	case opPolyArc, opPolyFillArc:
		return nil // arc rasterization is out of scope; accepted as a no-op draw
	case opFillPoly:
		return s.handlePolyRectangle(req, true) // bounding-box fill approximation
	case opPutImage:
		return s.handlePutImage(req)
	case opGetImage:
		return s.handleGetImage(c, req)
	case extMajorBigRequests:
		return s.handleBigReqEnable(c)
	case extMajorMitShm:
		return s.handleShmRequest(c, req)
	default:
		return s.dispatchMisc(c, op, req)
	}
}

// handleBigReqEnable answers the BIG-REQUESTS extension's sole request
// (minor opcode 0, BigReqEnable): switch the client into 32-bit
// extended-length request framing and report the new maximum.
func (s *Server) handleBigReqEnable(c *Client) []byte {
	c.BigRequests = true
	fixed := make([]byte, 24)
	putU32(fixed[0:], 0x000fffff)
	return s.simpleReply(c, fixed)
}

func (s *Server) handleCreatePixmap(req []byte) []byte {
	if len(req) < 16 {
		return nil
	}
	id := getU32(req[4:])
	w := getU16(req[12:])
	h := getU16(req[14:])
	if w > ScreenWidth {
		w = ScreenWidth
	}
	if h > ScreenHeight {
		h = ScreenHeight
	}
	s.pixmaps[id] = &Pixmap{ID: id, W: w, H: h, Depth: req[1], Pixels: make([]byte, int(w)*int(h)*3)}
	return nil
}

func (s *Server) handleFreePixmap(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	delete(s.pixmaps, getU32(req[4:]))
	return nil
}

func (s *Server) handleCreateGC(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	gc := &GC{ID: getU32(req[4:]), Drawable: getU32(req[8:]), Foreground: 0x000000, Background: 0xffffff, LineWidth: 0}
	s.applyGCValues(gc, req)
	s.gcs[gc.ID] = gc
	return nil
}

func (s *Server) handleChangeGC(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	gc, ok := s.gcs[getU32(req[4:])]
	if !ok {
		return nil
	}
	s.applyGCValues(gc, req)
	return nil
}

func (s *Server) applyGCValues(gc *GC, req []byte) {
	if len(req) < 16 {
		return
	}
	mask := getU32(req[8:])
	vals := req[16:]
	idx := 0
	next := func() uint32 {
		if idx*4+4 > len(vals) {
			return 0
		}
		v := getU32(vals[idx*4:])
		idx++
		return v
	}
	if mask&0x00000004 != 0 {
		gc.Foreground = next()
	}
	if mask&0x00000008 != 0 {
		gc.Background = next()
	}
	if mask&0x00000010 != 0 {
		gc.LineWidth = uint16(next())
	}
}

func (s *Server) handleCopyGC(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	src, ok := s.gcs[getU32(req[4:])]
	if !ok {
		return nil
	}
	dst, ok := s.gcs[getU32(req[8:])]
	if !ok {
		return nil
	}
	dst.Foreground, dst.Background, dst.LineWidth = src.Foreground, src.Background, src.LineWidth
	return nil
}

func (s *Server) handleFreeGC(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	delete(s.gcs, getU32(req[4:]))
	return nil
}

// rgbOf splits a 24-bit GC foreground/background pixel into components.
func rgbOf(pixel uint32) (r, g, b byte) {
	return byte(pixel >> 16), byte(pixel >> 8), byte(pixel)
}

// setPixel writes one pixel into the drawable with the given ID:
// a window (translated to absolute framebuffer coordinates via its
// parent-chain offset) or a pixmap (drawn into its own backing buffer).
func (s *Server) setPixel(drawableID uint32, x, y int, pixel uint32) {
	r, g, b := rgbOf(pixel)
	if pm, ok := s.pixmaps[drawableID]; ok {
		if x < 0 || y < 0 || x >= int(pm.W) || y >= int(pm.H) {
			return
		}
		o := (y*int(pm.W) + x) * 3
		pm.Pixels[o], pm.Pixels[o+1], pm.Pixels[o+2] = r, g, b
		return
	}
	if w, ok := s.windows[drawableID]; ok {
		ax, ay := s.absoluteOffset(w)
		s.fb.SetPixel(ax+x, ay+y, r, g, b)
	}
}

// absoluteOffset walks the parent chain to translate a window's local
// origin into framebuffer coordinates.
func (s *Server) absoluteOffset(w *Window) (int, int) {
	x, y := int(w.X), int(w.Y)
	cur := w
	for cur.Parent != 0 && cur.Parent != RootWindow {
		parent, ok := s.windows[cur.Parent]
		if !ok {
			break
		}
		x += int(parent.X)
		y += int(parent.Y)
		cur = parent
	}
	return x, y
}

func (s *Server) handleClearArea(req []byte) []byte {
	if len(req) < 16 {
		return nil
	}
	window := getU32(req[4:])
	x, y := int16(getU16(req[8:])), int16(getU16(req[10:]))
	w, h := getU16(req[12:]), getU16(req[14:])
	for dy := 0; dy < int(h); dy++ {
		for dx := 0; dx < int(w); dx++ {
			s.setPixel(window, int(x)+dx, int(y)+dy, 0xffffff)
		}
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handleCopyArea(req []byte) []byte {
	if len(req) < 28 {
		return nil
	}
	src := getU32(req[4:])
	dst := getU32(req[8:])
	srcX, srcY := int16(getU16(req[16:])), int16(getU16(req[18:]))
	dstX, dstY := int16(getU16(req[20:])), int16(getU16(req[22:]))
	w, h := getU16(req[24:]), getU16(req[26:])
	for dy := 0; dy < int(h); dy++ {
		for dx := 0; dx < int(w); dx++ {
			pixel := s.readPixel(src, int(srcX)+dx, int(srcY)+dy)
			s.setPixel(dst, int(dstX)+dx, int(dstY)+dy, pixel)
		}
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) readPixel(drawableID uint32, x, y int) uint32 {
	if pm, ok := s.pixmaps[drawableID]; ok {
		if x < 0 || y < 0 || x >= int(pm.W) || y >= int(pm.H) {
			return 0
		}
		o := (y*int(pm.W) + x) * 3
		return uint32(pm.Pixels[o])<<16 | uint32(pm.Pixels[o+1])<<8 | uint32(pm.Pixels[o+2])
	}
	return 0
}

func (s *Server) handlePolyPoint(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	drawable := getU32(req[4:])
	gc := s.gcs[getU32(req[8:])]
	pts := req[12:]
	for i := 0; i+4 <= len(pts); i += 4 {
		x, y := int16(getU16(pts[i:])), int16(getU16(pts[i+2:]))
		s.setPixel(drawable, int(x), int(y), fgOf(gc))
	}
	s.fb.MarkDirty()
	return nil
}

func fgOf(gc *GC) uint32 {
	if gc == nil {
		return 0
	}
	return gc.Foreground
}

// handlePolyLine draws each consecutive point pair with Bresenham's
// algorithm, per the design's explicit call-out.
func (s *Server) handlePolyLine(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	drawable := getU32(req[4:])
	gc := s.gcs[getU32(req[8:])]
	coordMode := req[1] // 0 = Origin (absolute), 1 = Previous (relative)
	pts := req[12:]
	var prevX, prevY int
	first := true
	for i := 0; i+4 <= len(pts); i += 4 {
		x, y := int(int16(getU16(pts[i:]))), int(int16(getU16(pts[i+2:])))
		if coordMode == 1 && !first {
			x += prevX
			y += prevY
		}
		if !first {
			bresenhamLine(prevX, prevY, x, y, func(px, py int) {
				s.setPixel(drawable, px, py, fgOf(gc))
			})
		}
		prevX, prevY = x, y
		first = false
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handlePolySegment(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	drawable := getU32(req[4:])
	gc := s.gcs[getU32(req[8:])]
	segs := req[12:]
	for i := 0; i+8 <= len(segs); i += 8 {
		x1, y1 := int(int16(getU16(segs[i:]))), int(int16(getU16(segs[i+2:])))
		x2, y2 := int(int16(getU16(segs[i+4:]))), int(int16(getU16(segs[i+6:])))
		bresenhamLine(x1, y1, x2, y2, func(px, py int) { s.setPixel(drawable, px, py, fgOf(gc)) })
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handlePolyRectangle(req []byte, fill bool) []byte {
	if len(req) < 12 {
		return nil
	}
	drawable := getU32(req[4:])
	gc := s.gcs[getU32(req[8:])]
	rects := req[12:]
	for i := 0; i+8 <= len(rects); i += 8 {
		x, y := int(int16(getU16(rects[i:]))), int(int16(getU16(rects[i+2:])))
		w, h := int(getU16(rects[i+4:])), int(getU16(rects[i+6:]))
		if fill {
			for dy := 0; dy < h; dy++ {
				for dx := 0; dx < w; dx++ {
					s.setPixel(drawable, x+dx, y+dy, fgOf(gc))
				}
			}
		} else {
			bresenhamLine(x, y, x+w, y, func(px, py int) { s.setPixel(drawable, px, py, fgOf(gc)) })
			bresenhamLine(x, y+h, x+w, y+h, func(px, py int) { s.setPixel(drawable, px, py, fgOf(gc)) })
			bresenhamLine(x, y, x, y+h, func(px, py int) { s.setPixel(drawable, px, py, fgOf(gc)) })
			bresenhamLine(x+w, y, x+w, y+h, func(px, py int) { s.setPixel(drawable, px, py, fgOf(gc)) })
		}
	}
	s.fb.MarkDirty()
	return nil
}

// handlePutImage implements the 32-bpp/depth>=24 fast path: the image
// bytes are copied pixel-for-pixel, ignoring the left-pad/plane-mask
// options the slower depths need.
func (s *Server) handlePutImage(req []byte) []byte {
	if len(req) < 24 {
		return nil
	}
	drawable := getU32(req[4:])
	w, h := getU16(req[12:]), getU16(req[14:])
	dstX, dstY := int16(getU16(req[16:])), int16(getU16(req[18:]))
	depth := req[21]
	pixels := req[24:]
	stride := 4
	if depth < 24 {
		stride = 3
	}
	for row := 0; row < int(h); row++ {
		for col := 0; col < int(w); col++ {
			off := (row*int(w) + col) * stride
			if off+2 >= len(pixels) {
				continue
			}
			pixel := uint32(pixels[off+2])<<16 | uint32(pixels[off+1])<<8 | uint32(pixels[off])
			s.setPixel(drawable, int(dstX)+col, int(dstY)+row, pixel)
		}
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handleGetImage(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	var extra []byte
	if len(req) >= 16 {
		drawable := getU32(req[4:])
		x, y := int16(getU16(req[8:])), int16(getU16(req[10:]))
		w, h := getU16(req[12:]), getU16(req[14:])
		fixed[0] = ScreenDepth
		extra = make([]byte, int(w)*int(h)*4)
		for row := 0; row < int(h); row++ {
			for col := 0; col < int(w); col++ {
				pixel := s.readPixel(drawable, int(x)+col, int(y)+row)
				off := (row*int(w) + col) * 4
				extra[off] = byte(pixel)
				extra[off+1] = byte(pixel >> 8)
				extra[off+2] = byte(pixel >> 16)
			}
		}
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

// bresenhamLine plots every pixel of the line from (x0,y0) to (x1,y1).
func bresenhamLine(x0, y0, x1, y1 int, plot func(x, y int)) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 >= x1 {
		sx = -1
	}
	if y0 >= y1 {
		sy = -1
	}
	err := dx + dy
	x, y := x0, y0
	for {
		plot(x, y)
		if x == x1 && y == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
