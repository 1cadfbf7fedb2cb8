package x11

func (s *Server) handleInternAtom(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) < 8 {
		return s.simpleReply(c, fixed)
	}
	nameLen := int(getU16(req[4:]))
	onlyIfExists := req[1] != 0
	if 8+nameLen > len(req) {
		return s.simpleReply(c, fixed)
	}
	name := string(req[8 : 8+nameLen])
	var id uint32
	if onlyIfExists {
		id = s.atomIDs[name]
	} else {
		id = s.internAtomLocked(name)
	}
	putU32(fixed[0:], id)
	return s.simpleReply(c, fixed)
}

func (s *Server) handleGetAtomName(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	var extra []byte
	if len(req) >= 8 {
		id := getU32(req[4:])
		name, ok := s.atomNames[id]
		if !ok {
			name = hashedAtomFallback(id)
		}
		putU16(fixed[0:], uint16(len(name)))
		extra = []byte(name)
		pad := padTo4(len(extra)) - len(extra)
		extra = append(extra, make([]byte, pad)...)
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

func hashedAtomFallback(id uint32) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	h := id
	buf := make([]byte, 0, 8)
	buf = append(buf, "ATOM_"...)
	for i := 0; i < 6; i++ {
		buf = append(buf, letters[h%26])
		h /= 26
	}
	return string(buf)
}

func (s *Server) handleChangeProperty(req []byte) []byte {
	if len(req) < 24 {
		return nil
	}
	window := getU32(req[4:])
	property := getU32(req[8:])
	typ := getU32(req[12:])
	format := req[16]
	dataLen := int(getU32(req[20:]))
	unitSize := 1
	switch format {
	case 16:
		unitSize = 2
	case 32:
		unitSize = 4
	}
	byteLen := dataLen * unitSize
	if 24+byteLen > len(req) {
		return nil
	}
	data := append([]byte(nil), req[24:24+byteLen]...)
	props, ok := s.properties[window]
	if !ok {
		props = make(map[uint32]*Property)
		s.properties[window] = props
	}
	props[property] = &Property{Type: typ, Format: format, Data: data}
	s.notifyPropertyChange(window, property, false)
	return nil
}

func (s *Server) handleDeleteProperty(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	window := getU32(req[4:])
	property := getU32(req[8:])
	if props, ok := s.properties[window]; ok {
		delete(props, property)
		s.notifyPropertyChange(window, property, true)
	}
	return nil
}

// handleGetProperty implements delete-on-full-read: if delete was
// requested and the full property value was returned, the property is
// removed from the window.
func (s *Server) handleGetProperty(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) < 24 {
		return s.simpleReply(c, fixed)
	}
	deleteFlag := req[1] != 0
	window := getU32(req[4:])
	property := getU32(req[8:])
	reqType := getU32(req[12:])
	longOffset := getU32(req[16:])
	longLength := getU32(req[20:])

	props := s.properties[window]
	prop, ok := props[property]
	if !ok {
		putU32(fixed[0:], 0) // type None
		return s.simpleReply(c, fixed)
	}
	if reqType != 0 && reqType != prop.Type {
		putU32(fixed[0:], prop.Type)
		fixed[4] = prop.Format
		return s.simpleReply(c, fixed)
	}
	unitSize := uint32(1)
	switch prop.Format {
	case 16:
		unitSize = 2
	case 32:
		unitSize = 4
	}
	start := longOffset * 4
	if start > uint32(len(prop.Data)) {
		start = uint32(len(prop.Data))
	}
	end := start + longLength*4
	if end > uint32(len(prop.Data)) {
		end = uint32(len(prop.Data))
	}
	chunk := prop.Data[start:end]

	putU32(fixed[0:], prop.Type)
	fixed[4] = prop.Format
	putU32(fixed[8:], uint32(len(prop.Data))/unitSize-(start/unitSize))
	extra := append([]byte(nil), chunk...)
	extra = append(extra, make([]byte, padTo4(len(extra))-len(extra))...)

	if deleteFlag && end >= uint32(len(prop.Data)) {
		delete(props, property)
		s.notifyPropertyChange(window, property, true)
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

func (s *Server) handleListProperties(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	var names []uint32
	if len(req) >= 8 {
		for atom := range s.properties[getU32(req[4:])] {
			names = append(names, atom)
		}
	}
	putU16(fixed[0:], uint16(len(names)))
	extra := make([]byte, len(names)*4)
	for i, n := range names {
		putU32(extra[i*4:], n)
	}
	out := s.simpleReply(c, fixed)
	putU32(out[4:], uint32((len(fixed)+len(extra))/4))
	return append(out, extra...)
}

func (s *Server) handleSetSelectionOwner(req []byte) []byte {
	if len(req) < 12 {
		return nil
	}
	owner := getU32(req[4:])
	selection := getU32(req[8:])
	s.selections[selection] = owner
	return nil
}

func (s *Server) handleGetSelectionOwner(c *Client, req []byte) []byte {
	fixed := make([]byte, 24)
	if len(req) >= 8 {
		putU32(fixed[0:], s.selections[getU32(req[4:])])
	}
	return s.simpleReply(c, fixed)
}

// handleConvertSelection fabricates TARGETS/UTF8_STRING payloads and
// delivers a SelectionNotify event directly (ConvertSelection has no
// reply of its own).
func (s *Server) handleConvertSelection(socketID int, req []byte) []byte {
	if len(req) < 20 {
		return nil
	}
	requestor := getU32(req[4:])
	selection := getU32(req[8:])
	target := getU32(req[12:])
	timestamp := getU32(req[16:])

	owner := s.selections[selection]
	var property uint32
	if owner != 0 {
		switch target {
		case s.atomIDs["TARGETS"]:
			property = s.internAtomLocked("TARGETS")
			buf := make([]byte, 8)
			putU32(buf[0:], s.atomIDs["UTF8_STRING"])
			putU32(buf[4:], s.atomIDs["TARGETS"])
			s.setPropertySilently(requestor, property, s.atomIDs["ATOM"], 32, buf)
		case s.atomIDs["UTF8_STRING"]:
			property = s.atomIDs["UTF8_STRING"]
			s.setPropertySilently(requestor, property, property, 8, []byte("ReduxOS"))
		}
	}
	ev := make([]byte, 32)
	ev[0] = 31 // SelectionNotify
	putU16(ev[2:], 0)
	putU32(ev[4:], timestamp)
	putU32(ev[8:], requestor)
	putU32(ev[12:], selection)
	putU32(ev[16:], target)
	putU32(ev[20:], property)
	s.deliver(socketID, ev)
	return nil
}

func (s *Server) setPropertySilently(window, atom, typ uint32, format uint8, data []byte) {
	props, ok := s.properties[window]
	if !ok {
		props = make(map[uint32]*Property)
		s.properties[window] = props
	}
	props[atom] = &Property{Type: typ, Format: format, Data: data}
}
