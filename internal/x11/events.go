package x11

import "github.com/reduxos/linuxshim/internal/fbbridge"

// Event mask bits this server understands, per the core protocol.
const (
	maskKeyPress      = 0x00000001
	maskKeyRelease    = 0x00000002
	maskButtonPress   = 0x00000004
	maskButtonRelease = 0x00000008
	maskPointerMotion = 0x00000040
	maskExposure      = 0x00008000
	maskStructure     = 0x00020000
	maskPropertyChange = 0x00400000
)

// PumpEvents drains every pending fbbridge input event, translates it
// into the matching X11 wire event, and delivers it to every connected,
// handshaked client whose focused window has opted into that event
// type via its event mask.
func (s *Server) PumpEvents(bridge *fbbridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		ev, ok := bridge.PopEvent()
		if !ok {
			return
		}
		switch ev.Kind {
		case fbbridge.InputPointer:
			s.pointerX, s.pointerY = ev.X, ev.Y
			s.buttonMask = 0
			if ev.Left {
				s.buttonMask |= 1
			}
			if ev.Right {
				s.buttonMask |= 4
			}
			s.emitPointerEvent(ev)
		case fbbridge.InputKey:
			s.emitKeyEvent(ev)
		}
	}
}

func (s *Server) focusedMask() uint32 {
	if w, ok := s.windows[s.focus]; ok {
		return w.EventMask
	}
	return 0
}

func (s *Server) emitPointerEvent(ev fbbridge.InputEvent) {
	mask := s.focusedMask()
	opcode := byte(6) // MotionNotify
	want := uint32(maskPointerMotion)
	if ev.Left || ev.Right {
		opcode = 4 // ButtonPress
		want = maskButtonPress
	}
	if mask&want == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = opcode
	putU16(wire[2:], 0)
	putU32(wire[4:], 0) // time
	putU32(wire[8:], RootWindow)  // root
	putU32(wire[12:], s.focus)    // event window
	putU32(wire[16:], s.focus)    // child
	putU16(wire[20:], uint16(ev.X))
	putU16(wire[22:], uint16(ev.Y))
	putU16(wire[24:], uint16(ev.X))
	putU16(wire[26:], uint16(ev.Y))
	putU16(wire[28:], s.buttonMask)
	wire[30] = 1 // same-screen
	s.broadcast(wire)
}

func (s *Server) emitKeyEvent(ev fbbridge.InputEvent) {
	mask := s.focusedMask()
	opcode := byte(3) // KeyRelease
	want := uint32(maskKeyRelease)
	if ev.KeyDown {
		opcode = 2 // KeyPress
		want = maskKeyPress
	}
	if mask&want == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = opcode
	wire[1] = keycodeFor(ev.Ch)
	putU32(wire[4:], 0)
	putU32(wire[8:], RootWindow)
	putU32(wire[12:], s.focus)
	putU32(wire[16:], s.focus)
	putU16(wire[20:], uint16(s.pointerX))
	putU16(wire[22:], uint16(s.pointerY))
	wire[30] = 1
	s.broadcast(wire)
}

// keycodeFor maps a rune onto a keycode in the conventional 8-255
// range; printable ASCII maps to code+8 the way a real keymap offsets
// from keysym space.
func keycodeFor(ch rune) byte {
	if ch >= 0 && ch < 248 {
		return byte(ch) + 8
	}
	return 0
}

func (s *Server) broadcast(wire []byte) {
	for socketID, c := range s.clients {
		if !c.Handshaked {
			continue
		}
		s.deliver(socketID, wire)
	}
}

// notifyExpose emits an Expose event for a newly-mapped or uncovered
// window, if its owner asked for ExposureMask.
func (s *Server) notifyExpose(w *Window) {
	if w.EventMask&maskExposure == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = 12 // Expose
	putU32(wire[4:], w.ID)
	putU16(wire[8:], 0)
	putU16(wire[10:], 0)
	putU16(wire[12:], w.W)
	putU16(wire[14:], w.H)
	putU16(wire[16:], 0) // count
	s.broadcast(wire)
}

// notifyConfigure emits a ConfigureNotify for listeners with
// StructureNotifyMask set on the reconfigured window.
func (s *Server) notifyConfigure(w *Window) {
	if w.EventMask&maskStructure == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = 22 // ConfigureNotify
	putU32(wire[4:], w.ID)
	putU32(wire[8:], w.ID)
	putU32(wire[12:], 0)
	putU16(wire[16:], uint16(w.X))
	putU16(wire[18:], uint16(w.Y))
	putU16(wire[20:], w.W)
	putU16(wire[22:], w.H)
	putU16(wire[24:], w.BorderWidth)
	s.broadcast(wire)
}

// notifyPropertyChange emits PropertyNotify for a window's observers.
func (s *Server) notifyPropertyChange(window, atom uint32, deleted bool) {
	w, ok := s.windows[window]
	if !ok || w.EventMask&maskPropertyChange == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = 28 // PropertyNotify
	putU32(wire[4:], window)
	putU32(wire[8:], atom)
	putU32(wire[12:], 0) // time
	if deleted {
		wire[16] = 1
	}
	s.broadcast(wire)
}

// notifyDestroy emits DestroyNotify for a torn-down window.
func (s *Server) notifyDestroy(w *Window) {
	if w.EventMask&maskStructure == 0 {
		return
	}
	wire := make([]byte, 32)
	wire[0] = 17 // DestroyNotify
	putU32(wire[4:], w.ID)
	putU32(wire[8:], w.ID)
	s.broadcast(wire)
}

// notifyMapUnmap emits MapNotify/UnmapNotify for a window's toggled
// mapped state.
func (s *Server) notifyMapUnmap(w *Window, mapped bool) {
	if w.EventMask&maskStructure == 0 {
		return
	}
	wire := make([]byte, 32)
	if mapped {
		wire[0] = 19 // MapNotify
	} else {
		wire[0] = 18 // UnmapNotify
	}
	putU32(wire[4:], w.ID)
	putU32(wire[8:], w.ID)
	s.broadcast(wire)
}
