package x11

// dispatchMisc covers the remaining behavior-level subset: fonts/text
// stubs, colormaps/colors, and keyboard/pointer control (extension
// discovery is handled in dispatch). Every reply has the correct shape
// even where the body is a placeholder.
func (s *Server) dispatchMisc(c *Client, op uint8, req []byte) []byte {
	switch op {
	case opOpenFont:
		return nil
	case opListFonts:
		return s.handleListFonts(c)
	case opGetFontPath:
		return s.handleGetFontPath(c)
	case opQueryFont:
		return s.handleQueryFont(c)
	case opQueryTextExtents:
		return s.handleQueryTextExtents(c, req)
	case opImageText8, opImageText16:
		return s.handleImageText(req, op == opImageText16)
	case opListInstalledColormaps:
		return s.handleListInstalledColormaps(c)
	case opAllocColor:
		return s.handleAllocColor(c, req)
	case opQueryColors:
		return s.handleQueryColors(c, req)
	case opLookupColor:
		return s.handleLookupColor(c, req)
	case opGetKeyboardMapping:
		return s.handleGetKeyboardMapping(c, req)
	case opGetKeyboardControl:
		return s.handleGetKeyboardControl(c)
	case opBell:
		return nil
	case opGetPointerMapping:
		return s.handleGetPointerMapping(c)
	case opGetModifierMapping:
		return s.handleGetModifierMapping(c)
	default:
		return nil // unhandled opcode: silently accepted, no reply generated
	}
}

func (s *Server) handleGrabResult(c *Client) []byte {
	fixed := make([]byte, 24)
	fixed[0] = 0 // GrabSuccess
	return s.simpleReply(c, fixed)
}

func (s *Server) handleQueryPointer(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	fixed[0] = 1 // same-screen
	putU32(fixed[0:], RootWindow)
	putU32(fixed[4:], RootWindow)
	putU16(fixed[8:], uint16(s.pointerX))
	putU16(fixed[10:], uint16(s.pointerY))
	putU16(fixed[12:], uint16(s.pointerX))
	putU16(fixed[14:], uint16(s.pointerY))
	return s.simpleReply(c, fixed)
}

func (s *Server) handleSetInputFocus(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	s.focus = getU32(req[4:])
	return nil
}

func (s *Server) handleGetInputFocus(c *Client) []byte {
	fixed := make([]byte, 24)
	putU32(fixed[0:], s.focus)
	return s.simpleReply(c, fixed)
}

func (s *Server) handleQueryKeymap(c *Client) []byte {
	fixed := make([]byte, 24)
	out := s.simpleReply(c, fixed)
	return append(out, make([]byte, 32)...) // no keys down
}

// handleQueryExtension answers the discoverable extension surface the
// design names: MIT-SHM, BIG-REQUESTS, RANDR, RENDER, XFIXES, SHAPE,
// SYNC, XTEST, XInput. Unknown names report present=false.
func (s *Server) handleQueryExtension(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) >= 8 {
		nameLen := int(getU16(req[4:]))
		if 8+nameLen <= len(req) {
			name := string(req[8 : 8+nameLen])
			if major, ok := knownExtensions[name]; ok {
				fixed[0] = 1 // present
				fixed[1] = major
				fixed[2] = 0 // first-event
				fixed[3] = 0 // first-error
			}
		}
	}
	return s.simpleReply(c, fixed)
}

var knownExtensions = map[string]uint8{
	"MIT-SHM":         extMajorMitShm,
	"BIG-REQUESTS":    extMajorBigRequests,
	"RANDR":           130,
	"RENDER":          131,
	"XFIXES":          132,
	"SHAPE":           133,
	"SYNC":            134,
	"XTEST":           135,
	"XInputExtension": 136,
}

func (s *Server) handleListFonts(c *Client) []byte {
	fixed := make([]byte, 24)
	return s.simpleReply(c, fixed) // no fonts registered
}

func (s *Server) handleGetFontPath(c *Client) []byte {
	fixed := make([]byte, 24)
	return s.simpleReply(c, fixed)
}

// handleQueryFont answers with a fixed-width placeholder metric set:
// every glyph is an 8x13 cell, matching the default server font shape
// closely enough for callers that only check extents.
func (s *Server) handleQueryFont(c *Client) []byte {
	fixed := make([]byte, 60)
	// MIN-BOUNDS/MAX-BOUNDS CHARINFO (12 bytes each), then font metrics.
	setCharInfo := func(off int) {
		putU16(fixed[off:], 0)  // left-side-bearing
		putU16(fixed[off+2:], 8) // right-side-bearing
		putU16(fixed[off+4:], 8) // character-width
		putU16(fixed[off+6:], 0) // ascent
		putU16(fixed[off+8:], 13) // descent
	}
	setCharInfo(0)
	setCharInfo(12)
	putU16(fixed[40:], 0)  // min-char-or-byte2
	putU16(fixed[42:], 255)
	putU16(fixed[44:], 32)
	putU16(fixed[46:], 126)
	fixed[48] = 0 // draw-direction
	fixed[49] = 0
	fixed[50] = 13 // font-ascent
	fixed[51] = 0
	return s.simpleReply(c, fixed)
}

func (s *Server) handleQueryTextExtents(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	chars := 0
	if len(req) > 8 {
		chars = (len(req) - 8) / 2
	}
	putU16(fixed[4:], 13) // font-ascent
	putU16(fixed[6:], 0)  // font-descent
	putU32(fixed[8:], uint32(chars*8)) // overall-width
	return s.simpleReply(c, fixed)
}

// handleImageText draws a placeholder glyph bar (a one-pixel-wide,
// 10-pixel-tall stroke at the start of each 8-pixel character cell)
// rather than rendering real glyphs.
func (s *Server) handleImageText(req []byte, wide bool) []byte {
	if len(req) < 16 {
		return nil
	}
	n := int(req[1])
	drawable := getU32(req[4:])
	gc := getU32(req[8:])
	x, y := int16(getU16(req[12:])), int16(getU16(req[14:]))
	fg := fgOf(s.gcs[gc])
	for i := 0; i < n; i++ {
		for dy := 0; dy < 10; dy++ {
			s.setPixel(drawable, int(x)+i*8, int(y)-10+dy, fg)
		}
	}
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handleListInstalledColormaps(c *Client) []byte {
	fixed := make([]byte, 24)
	out := s.simpleReply(c, fixed)
	return out
}

func (s *Server) handleAllocColor(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) >= 16 {
		r, g, b := getU16(req[8:]), getU16(req[10:]), getU16(req[12:])
		putU16(fixed[0:], r)
		putU16(fixed[2:], g)
		putU16(fixed[4:], b)
		pixel := uint32(r>>8)<<16 | uint32(g>>8)<<8 | uint32(b>>8)
		putU32(fixed[8:], pixel)
	}
	return s.simpleReply(c, fixed)
}

func (s *Server) handleQueryColors(c *Client, req []byte) []byte {
	n := 0
	if len(req) > 8 {
		n = (len(req) - 8) / 4
	}
	fixed := make([]byte, 24)
	putU16(fixed[0:], uint16(n))
	extra := make([]byte, n*8)
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

func (s *Server) handleLookupColor(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	putU16(fixed[0:], 0xffff)
	putU16(fixed[2:], 0xffff)
	putU16(fixed[4:], 0xffff)
	putU16(fixed[6:], 0xffff)
	putU16(fixed[8:], 0xffff)
	putU16(fixed[10:], 0xffff)
	return s.simpleReply(c, fixed)
}

// handleGetKeyboardMapping reports one keysym per keycode equal to the
// keycode itself, a trivial but correctly-shaped identity map.
func (s *Server) handleGetKeyboardMapping(c *Client, req []byte) []byte {
	count := 0
	firstCode := uint8(0)
	if len(req) >= 6 {
		firstCode = req[4]
		count = int(req[5])
	}
	fixed := make([]byte, 24)
	fixed[0] = 1 // keysyms-per-keycode
	extra := make([]byte, count*4)
	for i := 0; i < count; i++ {
		putU32(extra[i*4:], uint32(firstCode)+uint32(i))
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

func (s *Server) handleGetKeyboardControl(c *Client) []byte {
	fixed := make([]byte, 24)
	fixed[0] = 0 // global-auto-repeat: off
	putU32(fixed[4:], 0)
	fixed[8] = 0 // led-mapping
	fixed[9] = 0 // key-click-percent
	fixed[10] = 0 // bell-percent
	return s.simpleReply(c, fixed)
}

func (s *Server) handleGetPointerMapping(c *Client) []byte {
	fixed := make([]byte, 24)
	fixed[0] = 3 // map-length
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+4)/4))
	return append(out, 1, 2, 3, 0)
}

func (s *Server) handleGetModifierMapping(c *Client) []byte {
	fixed := make([]byte, 24)
	fixed[0] = 2 // keycodes-per-modifier
	out := s.simpleReply(c, fixed)
	extra := make([]byte, 16) // 8 modifiers * 2 keycodes, all zero/unbound
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}
