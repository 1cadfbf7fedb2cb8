// Package x11 is the request interpreter behind every AF_UNIX/AF_INET
// socket that internal/sockets routes to the X11 endpoint: handshake,
// the core opcode surface (subset, behavior-level), extension discovery,
// and the event pump that drains internal/fbbridge's input ring between
// requests.
package x11

import (
	"sync"

	"github.com/reduxos/linuxshim/internal/fbbridge"
)

// ReplySink delivers reply/event bytes back to the socket that produced
// the request — satisfied structurally by *sockets.Manager, with no
// import of internal/sockets needed here.
type ReplySink interface {
	DeliverReply(socketID int, data []byte) error
}

// Window is a managed window or the root.
type Window struct {
	ID          uint32
	Parent      uint32
	X, Y        int16
	W, H        uint16
	BorderWidth uint16
	Mapped      bool
	EventMask   uint32
	Children    []uint32
	Destroyed   bool
}

// GC is a managed graphics context.
type GC struct {
	ID         uint32
	Drawable   uint32
	Foreground uint32
	Background uint32
	LineWidth  uint16
}

// Pixmap is a managed 640×360-bounded off-screen drawable.
type Pixmap struct {
	ID     uint32
	W, H   uint16
	Depth  uint8
	Pixels []byte // W*H*3, RGB
}

// Client is the per-socket connection state.
type Client struct {
	Handshaked  bool
	Seq         uint16
	BigRequests bool
}

// Server is the shared X11 display state, driven by writes arriving on
// any number of connected sockets.
type Server struct {
	mu sync.Mutex

	fb *fbbridge.Bridge
	sink ReplySink

	clients map[int]*Client

	windows    map[uint32]*Window
	gcs        map[uint32]*GC
	pixmaps    map[uint32]*Pixmap
	properties map[uint32]map[uint32]*Property
	selections map[uint32]uint32 // selection atom -> owner window

	atomNames map[uint32]string
	atomIDs   map[string]uint32
	nextAtom  uint32

	nextResourceID uint32
	focus          uint32

	pointerX, pointerY int
	buttonMask         uint16

	shm         ShmSource
	shmSegments map[uint32]*shmSegment
}

// ShmSource resolves an MIT-SHM segment ID to its backing bytes.
// internal/personality wires the concrete resolver in at startup; that
// resolver treats the segment ID as a literal guest address and does not
// look up MAP_SHARED slots.
type ShmSource interface {
	Read(segmentID uint32, offset, length uint32) ([]byte, error)
}

// SetShmSource installs the MIT-SHM segment resolver.
func (s *Server) SetShmSource(src ShmSource) { s.shm = src }

// Property is one ChangeProperty-set value on a window.
type Property struct {
	Type   uint32
	Format uint8
	Data   []byte
}

var seedAtoms = []string{
	"PRIMARY", "SECONDARY", "ARC", "ATOM", "BITMAP", "CARDINAL", "COLORMAP",
	"CURSOR", "CUT_BUFFER0", "DRAWABLE", "FONT", "INTEGER", "PIXMAP", "POINT",
	"RECTANGLE", "RESOURCE_MANAGER", "RGB_COLOR_MAP", "RGB_BEST_MAP",
	"RGB_BLUE_MAP", "RGB_DEFAULT_MAP", "RGB_GRAY_MAP", "RGB_GREEN_MAP",
	"RGB_RED_MAP", "STRING", "VISUALID", "WINDOW", "WM_COMMAND", "WM_HINTS",
	"WM_CLIENT_MACHINE", "WM_ICON_NAME", "WM_ICON_SIZE", "WM_NAME",
	"WM_NORMAL_HINTS", "WM_SIZE_HINTS", "WM_ZOOM_HINTS", "MIN_SPACE",
	"NORM_SPACE", "MAX_SPACE", "END_SPACE", "SUPERSCRIPT_X", "SUPERSCRIPT_Y",
	"SUBSCRIPT_X", "SUBSCRIPT_Y", "UNDERLINE_POSITION", "UNDERLINE_THICKNESS",
	"STRIKEOUT_ASCENT", "STRIKEOUT_DESCENT", "ITALIC_ANGLE", "X_HEIGHT",
	"QUAD_WIDTH", "WEIGHT", "POINT_SIZE", "RESOLUTION", "COPYRIGHT", "NOTICE",
	"FONT_NAME", "FAMILY_NAME", "FULL_NAME", "CAP_HEIGHT", "WM_CLASS",
	"WM_TRANSIENT_FOR", "UTF8_STRING", "TARGETS",
	"_NET_SUPPORTED", "_NET_SUPPORTING_WM_CHECK", "_NET_ACTIVE_WINDOW",
	"_NET_NUMBER_OF_DESKTOPS", "_NET_CURRENT_DESKTOP", "_NET_DESKTOP_NAMES",
	"_NET_CLIENT_LIST",
}

// New builds a server with a fresh 640×360 root window and the EWMH
// atom/property seed described in the design.
func New(fb *fbbridge.Bridge) *Server {
	s := &Server{
		fb:             fb,
		clients:        make(map[int]*Client),
		windows:        make(map[uint32]*Window),
		gcs:            make(map[uint32]*GC),
		pixmaps:        make(map[uint32]*Pixmap),
		properties:     make(map[uint32]map[uint32]*Property),
		selections:     make(map[uint32]uint32),
		atomNames:      make(map[uint32]string),
		atomIDs:        make(map[string]uint32),
		nextAtom:       1,
		nextResourceID: RootWindow + 1,
		focus:          RootWindow,
		shmSegments:    make(map[uint32]*shmSegment),
	}
	for _, name := range seedAtoms {
		s.internAtomLocked(name)
	}
	s.windows[RootWindow] = &Window{ID: RootWindow, W: ScreenWidth, H: ScreenHeight, Mapped: true}
	s.seedEWMH()
	return s
}

func (s *Server) SetReplySink(sink ReplySink) { s.sink = sink }

func (s *Server) internAtomLocked(name string) uint32 {
	if id, ok := s.atomIDs[name]; ok {
		return id
	}
	id := s.nextAtom
	s.nextAtom++
	s.atomIDs[name] = id
	s.atomNames[id] = name
	return id
}

func (s *Server) seedEWMH() {
	props := s.properties[RootWindow]
	if props == nil {
		props = make(map[uint32]*Property)
		s.properties[RootWindow] = props
	}
	setCard := func(name string, v uint32) {
		buf := make([]byte, 4)
		putU32(buf, v)
		props[s.internAtomLocked(name)] = &Property{Type: s.atomIDs["CARDINAL"], Format: 32, Data: buf}
	}
	setCard("_NET_NUMBER_OF_DESKTOPS", 1)
	setCard("_NET_CURRENT_DESKTOP", 0)
	props[s.internAtomLocked("_NET_DESKTOP_NAMES")] = &Property{Type: s.atomIDs["UTF8_STRING"], Format: 8, Data: []byte("ReduxOS\x00")}
	props[s.internAtomLocked("_NET_CLIENT_LIST")] = &Property{Type: s.atomIDs["WINDOW"], Format: 32, Data: nil}
	props[s.internAtomLocked("_NET_ACTIVE_WINDOW")] = &Property{Type: s.atomIDs["WINDOW"], Format: 32, Data: make([]byte, 4)}

	names := make([]string, 0, len(seedAtoms))
	for _, n := range seedAtoms {
		if len(n) >= 5 && n[:5] == "_NET_" {
			names = append(names, n)
		}
	}
	var supported []byte
	for _, n := range names {
		buf := make([]byte, 4)
		putU32(buf, s.atomIDs[n])
		supported = append(supported, buf...)
	}
	props[s.internAtomLocked("_NET_SUPPORTED")] = &Property{Type: s.atomIDs["ATOM"], Format: 32, Data: supported}
	props[s.internAtomLocked("_NET_SUPPORTING_WM_CHECK")] = &Property{Type: s.atomIDs["WINDOW"], Format: 32, Data: func() []byte {
		b := make([]byte, 4)
		putU32(b, RootWindow)
		return b
	}()}
}

// HandleWrite implements sockets.X11Interpreter.
func (s *Server) HandleWrite(socketID int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[socketID]
	if !ok {
		c = &Client{}
		s.clients[socketID] = c
	}
	if !c.Handshaked {
		reply := s.handshake(data)
		c.Handshaked = true
		s.deliver(socketID, reply)
		return
	}
	s.processRequests(socketID, c, data)
}

func (s *Server) deliver(socketID int, data []byte) {
	if s.sink == nil || len(data) == 0 {
		return
	}
	s.sink.DeliverReply(socketID, data)
}

// handshake builds the 12-byte-setup-request → Success reply described
// in the design: root window 0x100, TrueColor visual 0x21, one
// 640×360 screen, 24-depth format, vendor "ReduxOS".
func (s *Server) handshake(req []byte) []byte {
	vendor := []byte(Vendor)
	vendorPad := padTo4(len(vendor)) - len(vendor)

	rest := make([]byte, 0, 32+len(vendor)+vendorPad+64)
	releaseNumber := make([]byte, 4)
	resourceIDBase := make([]byte, 4)
	resourceIDMask := make([]byte, 4)
	motionBufSize := make([]byte, 4)
	putU32(resourceIDBase, RootWindow)
	putU32(resourceIDMask, 0x001fffff)
	putU32(motionBufSize, 256)
	rest = append(rest, releaseNumber...)
	rest = append(rest, resourceIDBase...)
	rest = append(rest, resourceIDMask...)
	rest = append(rest, motionBufSize...)

	vendorLen := make([]byte, 2)
	putU16(vendorLen, uint16(len(vendor)))
	maxReqLen := make([]byte, 2)
	putU16(maxReqLen, 65535)
	rest = append(rest, vendorLen...)
	rest = append(rest, maxReqLen...)
	rest = append(rest, 1, 1) // num-screens, num-formats
	rest = append(rest, 0, 0, 32, 32) // image byte order, bit order, scanline unit, scanline pad
	rest = append(rest, 0, 255) // min-keycode, max-keycode
	rest = append(rest, 0, 0, 0, 0) // pad4

	rest = append(rest, vendor...)
	rest = append(rest, make([]byte, vendorPad)...)

	// PIXMAP-FORMAT: depth, bits-per-pixel, scanline-pad, pad(5)
	rest = append(rest, ScreenDepth, 32, 32, 0, 0, 0, 0, 0)

	// SCREEN: root(4) default-colormap(4) white-pixel(4) black-pixel(4)
	// current-input-masks(4) width-px(2) height-px(2) width-mm(2)
	// height-mm(2) min-installed-maps(2) max-installed-maps(2)
	// root-visual(4) backing-stores(1) save-unders(1) root-depth(1)
	// num-depths(1), followed by one DEPTH struct.
	screen := make([]byte, 0, 40)
	root := make([]byte, 4)
	putU32(root, RootWindow)
	colormap := make([]byte, 4)
	whitePx := make([]byte, 4)
	putU32(whitePx, 0x00ffffff)
	blackPx := make([]byte, 4)
	inputMasks := make([]byte, 4)
	screen = append(screen, root...)
	screen = append(screen, colormap...)
	screen = append(screen, whitePx...)
	screen = append(screen, blackPx...)
	screen = append(screen, inputMasks...)
	wpx, hpx := make([]byte, 2), make([]byte, 2)
	putU16(wpx, ScreenWidth)
	putU16(hpx, ScreenHeight)
	screen = append(screen, wpx...)
	screen = append(screen, hpx...)
	wmm, hmm := make([]byte, 2), make([]byte, 2)
	putU16(wmm, ScreenWidth/4)
	putU16(hmm, ScreenHeight/4)
	screen = append(screen, wmm...)
	screen = append(screen, hmm...)
	minMaps, maxMaps := make([]byte, 2), make([]byte, 2)
	putU16(minMaps, 1)
	putU16(maxMaps, 1)
	screen = append(screen, minMaps...)
	screen = append(screen, maxMaps...)
	rootVisual := make([]byte, 4)
	putU32(rootVisual, TrueColorVis)
	screen = append(screen, rootVisual...)
	screen = append(screen, 0, 0, ScreenDepth, 1) // backing-stores, save-unders, root-depth, num-depths

	// DEPTH: depth(1) pad(1) num-visuals(2) pad(4), then one VISUALTYPE.
	screen = append(screen, ScreenDepth, 0, 1, 0, 0, 0, 0, 0)
	// VISUALTYPE: visual-id(4) class(1) bits-per-rgb(1) colormap-entries(2)
	// red-mask(4) green-mask(4) blue-mask(4) pad(4)
	screen = append(screen, rootVisual...)
	screen = append(screen, 4 /* TrueColor */, 8, 0, 0)
	redMask, greenMask, blueMask := make([]byte, 4), make([]byte, 4), make([]byte, 4)
	putU32(redMask, 0xff0000)
	putU32(greenMask, 0x00ff00)
	putU32(blueMask, 0x0000ff)
	screen = append(screen, redMask...)
	screen = append(screen, greenMask...)
	screen = append(screen, blueMask...)
	screen = append(screen, 0, 0, 0, 0)

	rest = append(rest, screen...)

	out := make([]byte, 8)
	out[0] = 1 // success
	putU16(out[2:], 11) // protocol-major-version
	putU16(out[4:], 0)  // protocol-minor-version
	putU16(out[6:], uint16(len(rest)/4))
	return append(out, rest...)
}

func (s *Server) nextID() uint32 {
	s.nextResourceID++
	return s.nextResourceID
}
