package x11

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reduxos/linuxshim/internal/fbbridge"
)

type fakeSink struct {
	deliveries map[int][][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{deliveries: make(map[int][][]byte)} }

func (f *fakeSink) DeliverReply(socketID int, data []byte) error {
	cp := append([]byte(nil), data...)
	f.deliveries[socketID] = append(f.deliveries[socketID], cp)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeSink) {
	t.Helper()
	fb, err := fbbridge.New(fbbridge.MaxWidth, fbbridge.MaxHeight)
	require.NoError(t, err)
	s := New(fb)
	sink := newFakeSink()
	s.SetReplySink(sink)
	return s, sink
}

func TestHandshakeProducesSuccessWithRootWindowAndVendor(t *testing.T) {
	s, sink := newTestServer(t)
	s.HandleWrite(1, make([]byte, 12))

	replies := sink.deliveries[1]
	require.Len(t, replies, 1)
	reply := replies[0]
	require.Equal(t, byte(1), reply[0]) // success
	require.Equal(t, uint16(11), getU16(reply[2:]))

	rest := reply[8:]
	require.Equal(t, uint32(RootWindow), getU32(rest[4:]))   // resource-id-base
	vendorLen := getU16(rest[16:])
	require.Equal(t, len(Vendor), int(vendorLen))
}

func TestSecondWriteIsTreatedAsRequestNotHandshake(t *testing.T) {
	s, sink := newTestServer(t)
	s.HandleWrite(1, make([]byte, 12))

	createWindow := make([]byte, 32)
	createWindow[0] = opCreateWindow
	putU16(createWindow[2:], uint16(len(createWindow)/4))
	putU32(createWindow[4:], 0x200)
	putU32(createWindow[8:], RootWindow)
	s.HandleWrite(1, createWindow)

	_, ok := s.windows[0x200]
	require.True(t, ok)
	require.Len(t, sink.deliveries[1], 1) // CreateWindow has no reply
}

func TestMapWindowMarksFramebufferDirty(t *testing.T) {
	s, _ := newTestServer(t)
	s.windows[0x300] = &Window{ID: 0x300, Parent: RootWindow, W: 10, H: 10}

	req := make([]byte, 8)
	req[0] = opMapWindow
	putU16(req[2:], 2)
	putU32(req[4:], 0x300)
	c := &Client{Handshaked: true}
	s.dispatch(1, c, opMapWindow, req)

	require.True(t, s.windows[0x300].Mapped)
}

func TestInternAtomReturnsStableIDAndGetAtomNameRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)
	c := &Client{Handshaked: true}

	req := make([]byte, 8+8)
	putU16(req[4:], 6)
	copy(req[8:], "MYATOM")
	reply := s.handleInternAtom(c, req)
	id := getU32(reply[8:])
	require.NotZero(t, id)

	nameReq := make([]byte, 8)
	putU32(nameReq[4:], id)
	nameReply := s.handleGetAtomName(c, nameReq)
	nameLen := getU16(nameReply[8:])
	name := string(nameReply[32 : 32+nameLen])
	require.Equal(t, "MYATOM", name)
}

func TestChangeAndGetPropertyRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	c := &Client{Handshaked: true}
	typeAtom := s.internAtomLocked("STRING")
	propAtom := s.internAtomLocked("WM_NAME")

	req := make([]byte, 24+8)
	putU32(req[4:], RootWindow)
	putU32(req[8:], propAtom)
	putU32(req[12:], typeAtom)
	req[16] = 8
	putU32(req[20:], 8)
	copy(req[24:], "hithere!")
	s.handleChangeProperty(req)

	getReq := make([]byte, 24)
	putU32(getReq[4:], RootWindow)
	putU32(getReq[8:], propAtom)
	putU32(getReq[16:], 0)
	putU32(getReq[20:], 2)
	reply := s.handleGetProperty(c, getReq)
	require.Equal(t, typeAtom, getU32(reply[8:]))
	format := reply[12]
	require.Equal(t, uint8(8), format)
}

func TestQueryExtensionReportsKnownAndUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	c := &Client{Handshaked: true}

	req := make([]byte, 8+8)
	putU16(req[4:], 7)
	copy(req[8:], "MIT-SHM")
	reply := s.handleQueryExtension(c, req)
	require.Equal(t, byte(1), reply[8])

	req2 := make([]byte, 8+8)
	putU16(req2[4:], 7)
	copy(req2[8:], "UNKNOWN")
	reply2 := s.handleQueryExtension(c, req2)
	require.Equal(t, byte(0), reply2[8])
}

func TestBigReqEnableSwitchesClientFraming(t *testing.T) {
	s, _ := newTestServer(t)
	c := &Client{Handshaked: true}
	require.False(t, c.BigRequests)
	s.dispatch(1, c, extMajorBigRequests, make([]byte, 8))
	require.True(t, c.BigRequests)
}

func TestPolyLineDrawsBresenhamIntoPixmap(t *testing.T) {
	s, _ := newTestServer(t)
	s.pixmaps[0x400] = &Pixmap{ID: 0x400, W: 16, H: 16, Depth: 24, Pixels: make([]byte, 16*16*3)}
	s.gcs[0x401] = &GC{ID: 0x401, Foreground: 0xff0000}

	req := make([]byte, 12+8)
	putU32(req[4:], 0x400)
	putU32(req[8:], 0x401)
	putU16(req[12:], 0)
	putU16(req[14:], 0)
	putU16(req[16:], 5)
	putU16(req[18:], 0)
	s.handlePolyLine(req)

	pm := s.pixmaps[0x400]
	for x := 0; x <= 5; x++ {
		off := x * 3
		require.Equal(t, byte(0xff), pm.Pixels[off], "x=%d should be red", x)
	}
}

func TestPumpEventsDeliversMotionWhenMaskSet(t *testing.T) {
	s, sink := newTestServer(t)
	s.clients[1] = &Client{Handshaked: true}
	s.windows[RootWindow].EventMask = maskPointerMotion
	s.focus = RootWindow

	s.fb.PushPointerEvent(5, 7, false, false)
	s.PumpEvents(s.fb)

	replies := sink.deliveries[1]
	require.Len(t, replies, 1)
	require.Equal(t, byte(6), replies[0][0]) // MotionNotify
}

func TestPumpEventsSkipsWhenMaskNotSet(t *testing.T) {
	s, sink := newTestServer(t)
	s.clients[1] = &Client{Handshaked: true}

	s.fb.PushPointerEvent(1, 1, false, false)
	s.PumpEvents(s.fb)

	require.Empty(t, sink.deliveries[1])
}

func TestQueryTreeListsChildren(t *testing.T) {
	s, _ := newTestServer(t)
	c := &Client{Handshaked: true}
	s.windows[0x500] = &Window{ID: 0x500, Parent: RootWindow, Children: []uint32{0x501, 0x502}}

	req := make([]byte, 8)
	putU32(req[4:], 0x500)
	reply := s.handleQueryTree(c, req)
	numChildren := getU16(reply[24:])
	require.Equal(t, uint16(2), numChildren)
}
