package x11

// processRequests walks one or more wire requests packed into data,
// dispatching each and delivering any reply/event it produces.
func (s *Server) processRequests(socketID int, c *Client, data []byte) {
	buf := data
	for len(buf) >= 4 {
		op := buf[0]
		lenWords := uint32(getU16(buf[2:4]))
		header := 4
		if lenWords == 0 && c.BigRequests && len(buf) >= 8 {
			lenWords = getU32(buf[4:8])
			header = 8
		}
		total := int(lenWords) * 4
		if total < header || total > len(buf) {
			break
		}
		req := buf[:total]
		c.Seq++
		if reply := s.dispatch(socketID, c, op, req); len(reply) > 0 {
			s.deliver(socketID, reply)
		}
		buf = buf[total:]
	}
}

func (s *Server) simpleReply(c *Client, fixed []byte) []byte {
	out := make([]byte, 8+len(fixed))
	out[0] = 1
	putU16(out[2:], c.Seq)
	putU32(out[4:], uint32(len(fixed)/4))
	copy(out[8:], fixed)
	return out
}

func (s *Server) dispatch(socketID int, c *Client, op uint8, req []byte) []byte {
	switch op {
	case opCreateWindow:
		return s.handleCreateWindow(req)
	case opChangeWindowAttributes:
		return s.handleChangeWindowAttributes(req)
	case opGetWindowAttributes:
		return s.handleGetWindowAttributes(c, req)
	case opDestroyWindow:
		return s.handleDestroyWindow(req)
	case opReparentWindow:
		return s.handleReparentWindow(req)
	case opMapWindow:
		return s.handleMapWindow(req)
	case opUnmapWindow:
		return s.handleUnmapWindow(req)
	case opConfigureWindow:
		return s.handleConfigureWindow(req)
	case opGetGeometry:
		return s.handleGetGeometry(c, req)
	case opQueryTree:
		return s.handleQueryTree(c, req)
	case opInternAtom:
		return s.handleInternAtom(c, req)
	case opGetAtomName:
		return s.handleGetAtomName(c, req)
	case opChangeProperty:
		return s.handleChangeProperty(req)
	case opDeleteProperty:
		return s.handleDeleteProperty(req)
	case opGetProperty:
		return s.handleGetProperty(c, req)
	case opListProperties:
		return s.handleListProperties(c, req)
	case opSetSelectionOwner:
		return s.handleSetSelectionOwner(req)
	case opGetSelectionOwner:
		return s.handleGetSelectionOwner(c, req)
	case opConvertSelection:
		return s.handleConvertSelection(socketID, req)
	case opGrabPointer:
		return s.handleGrabResult(c)
	case opGrabKeyboard:
		return s.handleGrabResult(c)
	case opUngrabPointer, opUngrabKeyboard, opGrabButton, opUngrabButton,
		opAllowEvents, opGrabServer, opUngrabServer, opSendEvent:
		return nil
	case opQueryPointer:
		return s.handleQueryPointer(c, req)
	case opWarpPointer:
		return nil
	case opSetInputFocus:
		return s.handleSetInputFocus(req)
	case opGetInputFocus:
		return s.handleGetInputFocus(c)
	case opQueryKeymap:
		return s.handleQueryKeymap(c)
	case opNoOperation:
		return nil
	case opQueryExtension:
		return s.handleQueryExtension(c, req)
	default:
		return s.dispatchDrawOrMisc(c, op, req)
	}
}

func (s *Server) handleCreateWindow(req []byte) []byte {
	if len(req) < 32 {
		return nil
	}
	id := getU32(req[4:])
	parent := getU32(req[8:])
	w := &Window{
		ID:          id,
		Parent:      parent,
		X:           int16(getU16(req[12:])),
		Y:           int16(getU16(req[14:])),
		W:           getU16(req[16:]),
		H:           getU16(req[18:]),
		BorderWidth: getU16(req[20:]),
	}
	s.windows[id] = w
	if p, ok := s.windows[parent]; ok {
		p.Children = append(p.Children, id)
	}
	return nil
}

func (s *Server) handleChangeWindowAttributes(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	id := getU32(req[4:])
	w, ok := s.windows[id]
	if !ok || len(req) < 12 {
		return nil
	}
	w.EventMask = getU32(req[8:])
	return nil
}

func (s *Server) handleGetWindowAttributes(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) >= 8 {
		if w, ok := s.windows[getU32(req[4:])]; ok {
			mapState := byte(0)
			if w.Mapped {
				mapState = 2
			}
			fixed[16] = mapState
			putU32(fixed[20:], w.EventMask)
		}
	}
	return s.simpleReply(c, fixed)
}

func (s *Server) handleDestroyWindow(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	id := getU32(req[4:])
	if w, ok := s.windows[id]; ok {
		w.Destroyed = true
		s.notifyDestroy(w)
		delete(s.windows, id)
	}
	delete(s.properties, id)
	return nil
}

func (s *Server) handleReparentWindow(req []byte) []byte {
	if len(req) < 16 {
		return nil
	}
	id := getU32(req[4:])
	newParent := getU32(req[8:])
	if w, ok := s.windows[id]; ok {
		w.Parent = newParent
		w.X = int16(getU16(req[12:]))
		w.Y = int16(getU16(req[14:]))
	}
	return nil
}

func (s *Server) handleMapWindow(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	if w, ok := s.windows[getU32(req[4:])]; ok {
		w.Mapped = true
		s.notifyMapUnmap(w, true)
		s.notifyExpose(w)
		s.fb.MarkDirty()
	}
	return nil
}

func (s *Server) handleUnmapWindow(req []byte) []byte {
	if len(req) < 8 {
		return nil
	}
	if w, ok := s.windows[getU32(req[4:])]; ok {
		w.Mapped = false
		s.notifyMapUnmap(w, false)
		s.fb.MarkDirty()
	}
	return nil
}

func (s *Server) handleConfigureWindow(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	id := getU32(req[4:])
	w, ok := s.windows[id]
	if !ok {
		return nil
	}
	mask := getU16(req[8:])
	vals := req[12:]
	idx := 0
	next := func() uint32 {
		if idx*4+4 > len(vals) {
			return 0
		}
		v := getU32(vals[idx*4:])
		idx++
		return v
	}
	if mask&0x0001 != 0 {
		w.X = int16(next())
	}
	if mask&0x0002 != 0 {
		w.Y = int16(next())
	}
	if mask&0x0004 != 0 {
		w.W = uint16(next())
	}
	if mask&0x0008 != 0 {
		w.H = uint16(next())
	}
	if mask&0x0010 != 0 {
		w.BorderWidth = uint16(next())
	}
	s.notifyConfigure(w)
	s.fb.MarkDirty()
	return nil
}

func (s *Server) handleGetGeometry(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) >= 8 {
		if w, ok := s.windows[getU32(req[4:])]; ok {
			fixed[0] = ScreenDepth
			putU32(fixed[4:], RootWindow)
			putU16(fixed[8:], uint16(w.X))
			putU16(fixed[10:], uint16(w.Y))
			putU16(fixed[12:], w.W)
			putU16(fixed[14:], w.H)
			putU16(fixed[16:], w.BorderWidth)
		}
	}
	return s.simpleReply(c, fixed)
}

func (s *Server) handleQueryTree(c *Client, req []byte) []byte {
	var children []uint32
	if len(req) >= 8 {
		if w, ok := s.windows[getU32(req[4:])]; ok {
			children = w.Children
		}
	}
	fixed := make([]byte, 24)
	putU32(fixed[4:], RootWindow)
	putU16(fixed[16:], uint16(len(children)))
	extra := make([]byte, len(children)*4)
	for i, ch := range children {
		putU32(extra[i*4:], ch)
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}
