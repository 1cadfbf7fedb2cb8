package sockets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketPairLinksPeers(t *testing.T) {
	m := New()
	a, b, err := m.SocketPair(AFUnix, SockStream)
	require.NoError(t, err)

	n, err := m.Write(a, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	got, err := m.Read(b, 16)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestBindRejectsDuplicatePath(t *testing.T) {
	m := New()
	a := m.Socket(AFUnix, SockStream)
	b := m.Socket(AFUnix, SockStream)

	require.NoError(t, m.Bind(a, "/tmp/app.sock"))
	require.Error(t, m.Bind(b, "/tmp/app.sock"))
}

func TestListenConnectAccept(t *testing.T) {
	m := New()
	listener := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Bind(listener, "/tmp/app.sock"))
	require.NoError(t, m.Listen(listener))

	client := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Connect(client, "/tmp/app.sock"))

	serverPeer, err := m.Accept(listener)
	require.NoError(t, err)
	require.NotZero(t, serverPeer)

	_, err = m.Write(client, []byte("ping"))
	require.NoError(t, err)
	got, err := m.Read(serverPeer, 16)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}

func TestAcceptWithoutPendingConnectionIsEAGAIN(t *testing.T) {
	m := New()
	listener := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Bind(listener, "/tmp/app.sock"))
	require.NoError(t, m.Listen(listener))

	_, err := m.Accept(listener)
	require.Error(t, err)
}

func TestConnectUnixPathX11(t *testing.T) {
	m := New()
	client := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Connect(client, "/tmp/.X11-unix/X0"))

	s, ok := m.Get(client)
	require.True(t, ok)
	require.Equal(t, EndpointX11, s.Endpoint)
}

func TestConnectInetX11Port(t *testing.T) {
	m := New()
	client := m.Socket(AFInet, SockStream)
	require.NoError(t, m.ConnectInet(client, 6002))

	s, ok := m.Get(client)
	require.True(t, ok)
	require.Equal(t, EndpointX11, s.Endpoint)
}

func TestConnectInetRejectsOtherPorts(t *testing.T) {
	m := New()
	client := m.Socket(AFInet, SockStream)
	require.Error(t, m.ConnectInet(client, 80))
}

func TestWriteToX11RoutesThroughInterpreter(t *testing.T) {
	m := New()
	fake := &fakeX11{}
	m.SetX11Interpreter(fake)
	client := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Connect(client, "/tmp/.X11-unix/X0"))

	_, err := m.Write(client, []byte("setup-request"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("setup-request")}, fake.received)

	require.NoError(t, m.DeliverReply(client, []byte("reply")))
	got, err := m.Read(client, 16)
	require.NoError(t, err)
	require.Equal(t, "reply", string(got))
}

type fakeX11 struct {
	received [][]byte
}

func (f *fakeX11) HandleWrite(socketID int, data []byte) {
	f.received = append(f.received, append([]byte(nil), data...))
}

func TestDBusAuthHandshake(t *testing.T) {
	m := New()
	client := m.Socket(AFUnix, SockStream)
	require.NoError(t, m.Connect(client, "/run/dbus/system_bus_socket"))

	_, err := m.Write(client, []byte("AUTH EXTERNAL 31303030\r\n"))
	require.NoError(t, err)
	got, err := m.Read(client, 64)
	require.NoError(t, err)
	require.True(t, len(got) > 0)
	require.Contains(t, string(got), "OK ")

	_, err = m.Write(client, []byte("NEGOTIATE_UNIX_FD\r\n"))
	require.NoError(t, err)
	got, err = m.Read(client, 64)
	require.NoError(t, err)
	require.Equal(t, "AGREE_UNIX_FD\r\n", string(got))

	_, err = m.Write(client, []byte("BEGIN\r\n"))
	require.NoError(t, err)
	_, err = m.Read(client, 64)
	require.Error(t, err) // no reply to BEGIN; ring stays empty
}

func TestCloseClearsPeerRelationship(t *testing.T) {
	m := New()
	a, b, err := m.SocketPair(AFUnix, SockStream)
	require.NoError(t, err)

	require.NoError(t, m.Close(a))
	sb, ok := m.Get(b)
	require.True(t, ok)
	require.Zero(t, sb.PeerID)
	require.Equal(t, EndpointNone, sb.Endpoint)
}

func TestRingCompactionOnRead(t *testing.T) {
	r := newRing()
	r.Write([]byte("abcdef"))
	require.Equal(t, []byte("abc"), r.Read(3))
	require.Equal(t, 3, r.Len())
	require.Equal(t, []byte("def"), r.Read(10))
	require.Equal(t, 0, r.Len())
}
