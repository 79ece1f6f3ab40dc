package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	// SessionPath is the HTTP path upgraded to a websocket session
	SessionPath = "/session"
	// TokenHeader carries the pre-authorization token on the upgrade request
	TokenHeader = "X-Lanlink-Token"
	// IdentityHeader carries the client's self-reported identity
	IdentityHeader = "X-Lanlink-Identity"

	// MaxDatagramSize is the largest unconnected payload read from the wire (stay under MTU)
	MaxDatagramSize = 1024
	// MaxMessageSize bounds a single reliable message
	MaxMessageSize = 64 * 1024

	// DefaultHandshakeTimeout bounds dialing and upgrading a session
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultDecisionTimeout is how long an inbound request waits for PollEvents to decide it
	DefaultDecisionTimeout = 5 * time.Second
	// DefaultPeerTimeout is how long a silent peer is kept before it is dropped
	DefaultPeerTimeout = 15 * time.Second

	writeTimeout = 5 * time.Second

	// maxQueuedEvents bounds the event queue between pumps; excess datagrams are dropped
	maxQueuedEvents = 4096
)

// Protocol selects how reliable sessions are carried over TCP
type Protocol string

const (
	// ProtocolWebsocket upgrades an HTTP request on SessionPath. It is the default.
	ProtocolWebsocket Protocol = "websocket"
	// ProtocolGRPC opens a bidirectional stream on SessionMethod
	ProtocolGRPC Protocol = "grpc"
)

// ParseProtocol maps a configuration value to a Protocol. Empty means websocket.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case "", ProtocolWebsocket:
		return ProtocolWebsocket, nil
	case ProtocolGRPC:
		return ProtocolGRPC, nil
	}
	return "", fmt.Errorf("unknown session transport %q (want websocket or grpc)", s)
}

// Options configures a NetManager
type Options struct {
	// Unconnected binds a UDP socket for connectionless datagrams
	Unconnected bool
	// AcceptConnections serves inbound session requests on a TCP socket
	AcceptConnections bool
	// Identity is presented to servers on Connect
	Identity string
	// Protocol carries sessions; both ends must agree
	Protocol Protocol

	HandshakeTimeout time.Duration
	DecisionTimeout  time.Duration
	PeerTimeout      time.Duration

	Logger *zap.Logger
}

type eventKind int

const (
	eventPeerConnected eventKind = iota
	eventPeerDisconnected
	eventReceive
	eventReceiveUnconnected
	eventNetworkError
	eventConnectionRequest
)

type event struct {
	kind    eventKind
	peer    *peer
	info    DisconnectInfo
	addr    net.Addr
	udpAddr *net.UDPAddr
	payload []byte
	err     error
	req     *connRequest
}

// NetManager implements Manager with a UDP socket for unconnected traffic and
// websocket connections or gRPC streams over TCP for reliable ordered sessions.
type NetManager struct {
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	running bool
	gen     uint64
	done    chan struct{}
	events  []event
	peers   map[string]*peer

	udp        *net.UDPConn
	tcp        net.Listener
	httpServer *http.Server
	grpcServer *grpc.Server

	wg sync.WaitGroup
}

var _ Manager = (*NetManager)(nil)

// NewNetManager creates a stopped manager
func NewNetManager(opts Options) *NetManager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetManager{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		peers: make(map[string]*peer),
	}
}

// Start binds the sockets selected in Options
func (m *NetManager) Start(bindIP net.IP, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("transport already running")
	}

	var udp *net.UDPConn
	if m.opts.Unconnected {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: port})
		if err != nil {
			return fmt.Errorf("failed to bind UDP port %d: %w", port, err)
		}
		if err := conn.SetReadBuffer(MaxDatagramSize * 10); err != nil {
			m.logger.Warn("failed to set read buffer", zap.Error(err))
		}
		udp = conn
	}

	var tcp net.Listener
	if m.opts.AcceptConnections {
		ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: bindIP, Port: port})
		if err != nil {
			if udp != nil {
				udp.Close()
			}
			return fmt.Errorf("failed to bind TCP port %d: %w", port, err)
		}
		tcp = ln
	}

	m.gen++
	m.running = true
	m.done = make(chan struct{})
	m.events = nil
	m.udp = udp
	m.tcp = tcp
	gen := m.gen

	if udp != nil {
		m.wg.Add(1)
		go m.readUnconnected(gen, udp)
	}
	if tcp != nil {
		m.wg.Add(1)
		switch m.opts.Protocol {
		case ProtocolGRPC:
			m.grpcServer = m.newGRPCServer()
			go m.serveGRPC(m.grpcServer, tcp)
		default:
			mux := http.NewServeMux()
			mux.HandleFunc(SessionPath, m.handleSession)
			m.httpServer = &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: m.opts.HandshakeTimeout,
				ErrorLog:          zap.NewStdLog(m.logger),
			}
			go m.serveHTTP(m.httpServer, tcp)
		}
	}

	m.logger.Debug("transport started", zap.Int("port", m.localPortLocked()))
	return nil
}

// Stop closes every socket and connection and drops queued events
func (m *NetManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.gen++
	m.events = nil
	close(m.done)

	udp, httpServer, grpcServer := m.udp, m.httpServer, m.grpcServer
	m.udp, m.tcp, m.httpServer, m.grpcServer = nil, nil, nil, nil
	peers := make([]*peer, 0, len(m.peers))
	for id, p := range m.peers {
		peers = append(peers, p)
		delete(m.peers, id)
	}
	m.mu.Unlock()

	// Peers go first so stream handlers return before the gRPC server stops.
	for _, p := range peers {
		p.close(DisconnectReasonManagerStopped, nil)
	}
	var err error
	if udp != nil {
		err = multierr.Append(err, udp.Close())
	}
	if httpServer != nil {
		err = multierr.Append(err, httpServer.Close())
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	m.wg.Wait()

	m.logger.Debug("transport stopped")
	if err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	return nil
}

// Running reports whether the manager is started
func (m *NetManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LocalPort returns the TCP port when accepting connections, otherwise the UDP port
func (m *NetManager) LocalPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localPortLocked()
}

func (m *NetManager) localPortLocked() int {
	if m.tcp != nil {
		return m.tcp.Addr().(*net.TCPAddr).Port
	}
	if m.udp != nil {
		return m.udp.LocalAddr().(*net.UDPAddr).Port
	}
	return 0
}

// PollEvents dispatches every queued event to l. Dispatch stops early if the
// manager is stopped or restarted from within a callback.
func (m *NetManager) PollEvents(l Listener) {
	m.mu.Lock()
	gen := m.gen
	events := m.events
	m.events = nil
	m.mu.Unlock()

	for _, ev := range events {
		if !m.current(gen) {
			return
		}
		switch ev.kind {
		case eventPeerConnected:
			l.OnPeerConnected(ev.peer)
		case eventPeerDisconnected:
			l.OnPeerDisconnected(ev.peer, ev.info)
		case eventReceive:
			l.OnNetworkReceive(ev.peer, ev.payload)
		case eventReceiveUnconnected:
			l.OnNetworkReceiveUnconnected(ev.udpAddr, ev.payload)
		case eventNetworkError:
			l.OnNetworkError(ev.addr, ev.err)
		case eventConnectionRequest:
			l.OnConnectionRequest(ev.req)
			// Requests the listener leaves undecided are refused.
			ev.req.settle()
		}
	}
}

func (m *NetManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.gen == gen
}

// push queues ev if it belongs to the current run
func (m *NetManager) push(gen uint64, ev event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.gen != gen {
		return false
	}
	if len(m.events) >= maxQueuedEvents && ev.kind == eventReceiveUnconnected {
		m.logger.Warn("event queue full, dropping datagram", zap.Stringer("from", ev.udpAddr))
		return false
	}
	m.events = append(m.events, ev)
	return true
}

func (m *NetManager) removePeer(p *peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
}
