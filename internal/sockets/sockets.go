// Package sockets is the AF_UNIX/AF_INET socket engine: socket/
// socketpair/bind/listen/connect/accept, per-socket 32 KiB RX rings, and
// the two virtual services every guest socket can land on — the X11
// display server (by path or by TCP port 6000+N) and the D-Bus ASCII
// auth preamble.
package sockets

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Sentinel errors callers translate into errno values without parsing
// message text — mirrors internal/procmodel and internal/futexsig's own
// ErrE* exports.
var (
	ErrEBADF        = fmt.Errorf("sockets: bad descriptor")
	ErrEINVAL       = fmt.Errorf("sockets: invalid argument")
	ErrEADDRINUSE   = fmt.Errorf("sockets: address in use")
	ErrECONNREFUSED = fmt.Errorf("sockets: connection refused")
	ErrEAGAIN       = fmt.Errorf("sockets: operation would block")
	ErrENOTCONN     = fmt.Errorf("sockets: not connected")
)

// Linux socket family/type constants this engine recognizes.
const (
	AFUnix  = 1
	AFInet  = 2
	AFInet6 = 10

	SockStream = 1
	SockDgram  = 2
)

// Endpoint classifies what a connected socket talks to.
type Endpoint int

const (
	EndpointNone Endpoint = iota
	EndpointListening
	EndpointPair
	EndpointX11
	EndpointDBus
)

// X11Interpreter is implemented by internal/x11.Server and injected via
// SetX11Interpreter — sockets never imports the x11 package, avoiding a
// cycle (x11 imports sockets to deliver replies back through it).
type X11Interpreter interface {
	HandleWrite(socketID int, data []byte)
}

// Socket is one allocated descriptor-backing object.
type Socket struct {
	ID            int
	Family        int
	Type          int
	BoundPath     string
	Listening     bool
	PendingAccept int // socket ID awaiting accept(); 0 = none (queue depth 1)
	PeerID        int // 0 = unconnected
	Endpoint      Endpoint
	rx            *ring
	dbus          *dbusAuth
}

// Manager owns every live socket for one personality session.
type Manager struct {
	mu         sync.Mutex
	sockets    map[int]*Socket
	nextID     int
	boundPaths map[string]int
	x11        X11Interpreter
}

func New() *Manager {
	return &Manager{
		sockets:    make(map[int]*Socket),
		boundPaths: make(map[string]int),
	}
}

func (m *Manager) SetX11Interpreter(x X11Interpreter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x11 = x
}

// Socket implements socket(2): allocates a slot with no peer yet.
func (m *Manager) Socket(family, typ int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.sockets[id] = &Socket{ID: id, Family: family, Type: typ, rx: newRing()}
	return id
}

// SocketPair implements socketpair(AF_UNIX, ...): two slots cross-linked
// via PeerID, both already connected as a Pair.
func (m *Manager) SocketPair(family, typ int) (int, int, error) {
	if family != AFUnix {
		return 0, 0, fmt.Errorf("sockets: %w: socketpair only supports AF_UNIX", ErrEINVAL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a := m.nextID
	m.nextID++
	b := m.nextID
	m.sockets[a] = &Socket{ID: a, Family: family, Type: typ, rx: newRing(), PeerID: b, Endpoint: EndpointPair}
	m.sockets[b] = &Socket{ID: b, Family: family, Type: typ, rx: newRing(), PeerID: a, Endpoint: EndpointPair}
	return a, b, nil
}

func (m *Manager) get(id int) (*Socket, error) {
	s, ok := m.sockets[id]
	if !ok {
		return nil, fmt.Errorf("sockets: %w: no socket %d", ErrEBADF, id)
	}
	return s, nil
}

// Bind implements bind(2) for AF_UNIX: the path must be unique among
// currently bound AF_UNIX sockets.
func (m *Manager) Bind(id int, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.Family != AFUnix {
		return fmt.Errorf("sockets: %w: bind only supports AF_UNIX paths", ErrEINVAL)
	}
	if _, taken := m.boundPaths[path]; taken {
		return fmt.Errorf("sockets: %w: %q", ErrEADDRINUSE, path)
	}
	s.BoundPath = path
	m.boundPaths[path] = id
	return nil
}

// Listen implements listen(2): marks a bound stream socket as listening.
func (m *Manager) Listen(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.BoundPath == "" {
		return fmt.Errorf("sockets: %w: listen: socket %d is not bound", ErrEINVAL, id)
	}
	s.Listening = true
	s.Endpoint = EndpointListening
	return nil
}

func isX11SocketPath(path string) (int, bool) {
	norm := strings.ToLower(path)
	const prefix = "/tmp/.x11-unix/x"
	if !strings.HasPrefix(norm, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(norm[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isDBusSocketPath(path string) bool {
	switch strings.ToLower(path) {
	case "/run/dbus/system_bus_socket", "/var/run/dbus/system_bus_socket":
		return true
	}
	return false
}

// Connect implements connect(2) for AF_UNIX path targets: X11 display
// sockets, D-Bus bus sockets, and ordinary bound listeners.
func (m *Manager) Connect(id int, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if _, isX11 := isX11SocketPath(target); isX11 {
		s.Endpoint = EndpointX11
		return nil
	}
	if isDBusSocketPath(target) {
		s.Endpoint = EndpointDBus
		s.dbus = newDbusAuth()
		return nil
	}
	listenerID, ok := m.boundPaths[target]
	if !ok {
		return fmt.Errorf("sockets: %w: no listener at %q", ErrECONNREFUSED, target)
	}
	return m.connectToListener(s, listenerID)
}

// ConnectInet implements connect(2) for AF_INET/AF_INET6: port 6000+N is
// X11 display N, identical in effect to the path form.
func (m *Manager) ConnectInet(id int, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if port < 6000 || port > 6063 {
		return fmt.Errorf("sockets: %w: no service on port %d", ErrECONNREFUSED, port)
	}
	s.Endpoint = EndpointX11
	return nil
}

func (m *Manager) connectToListener(s *Socket, listenerID int) error {
	listener, err := m.get(listenerID)
	if err != nil {
		return err
	}
	if !listener.Listening {
		return fmt.Errorf("sockets: %w: %d is not listening", ErrECONNREFUSED, listenerID)
	}
	if listener.PendingAccept != 0 {
		return fmt.Errorf("sockets: %w: accept queue full (depth 1)", ErrECONNREFUSED)
	}
	m.nextID++
	serverPeer := m.nextID
	m.sockets[serverPeer] = &Socket{ID: serverPeer, Family: listener.Family, Type: listener.Type, rx: newRing(), PeerID: s.ID, Endpoint: EndpointPair}
	s.PeerID = serverPeer
	s.Endpoint = EndpointPair
	listener.PendingAccept = serverPeer
	return nil
}

// Accept implements accept(2): pops the listener's single pending-accept
// slot.
func (m *Manager) Accept(listenerID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listener, err := m.get(listenerID)
	if err != nil {
		return 0, err
	}
	if listener.PendingAccept == 0 {
		return 0, fmt.Errorf("sockets: %w: no pending connection on %d", ErrEAGAIN, listenerID)
	}
	accepted := listener.PendingAccept
	listener.PendingAccept = 0
	return accepted, nil
}

// Write routes data per the socket's Endpoint: into the peer's RX ring
// for a Pair, into the X11 interpreter, or through the D-Bus auth state
// machine (whose replies land in the writer's own RX ring, since the
// ASCII preamble is a request/response exchange on one socket).
func (m *Manager) Write(id int, data []byte) (int, error) {
	m.mu.Lock()
	s, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	switch s.Endpoint {
	case EndpointPair:
		peer, err := m.get(s.PeerID)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		n := peer.rx.Write(data)
		m.mu.Unlock()
		return n, nil
	case EndpointDBus:
		reply := s.dbus.feed(data)
		if len(reply) > 0 {
			s.rx.Write(reply)
		}
		m.mu.Unlock()
		return len(data), nil
	case EndpointX11:
		x11 := m.x11
		m.mu.Unlock()
		if x11 != nil {
			x11.HandleWrite(id, data)
		}
		return len(data), nil
	default:
		m.mu.Unlock()
		return 0, fmt.Errorf("sockets: %w: socket %d has no endpoint", ErrENOTCONN, id)
	}
}

// Read drains up to max bytes from id's own RX ring.
func (m *Manager) Read(id int, max int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.rx.Len() == 0 {
		return nil, fmt.Errorf("sockets: %w: nothing to read on %d", ErrEAGAIN, id)
	}
	return s.rx.Read(max), nil
}

// DeliverReply lets an X11Interpreter push reply/event bytes back into a
// socket's own RX ring, for the guest's next read().
func (m *Manager) DeliverReply(socketID int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(socketID)
	if err != nil {
		return err
	}
	s.rx.Write(data)
	return nil
}

// Close releases socket id: clears peer/listener relationships so a
// connected counterpart doesn't keep writing into a dangling ring.
func (m *Manager) Close(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[id]
	if !ok {
		return fmt.Errorf("sockets: %w: no socket %d", ErrEBADF, id)
	}
	if s.BoundPath != "" {
		delete(m.boundPaths, s.BoundPath)
	}
	if s.PeerID != 0 {
		if peer, ok := m.sockets[s.PeerID]; ok {
			peer.PeerID = 0
			peer.Endpoint = EndpointNone
		}
	}
	delete(m.sockets, id)
	return nil
}

// Get returns a snapshot of socket id's state.
func (m *Manager) Get(id int) (Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[id]
	if !ok {
		return Socket{}, false
	}
	return *s, true
}
