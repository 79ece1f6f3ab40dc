// Package transporttest provides an in-memory transport.Manager for exercising the
// discovery and session state machines without sockets.
package transporttest

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"

	"github.com/lanlink/lanlink/internal/transport"
)

// Datagram is an unconnected payload sent through the fake
type Datagram struct {
	Addr    *net.UDPAddr
	Payload string
}

// Dial records a Connect call
type Dial struct {
	Addr  string
	Token string
	Peer  *Peer
}

// Manager is a scripted transport.Manager. Tests queue events with the Deliver
// methods; they are dispatched on the next PollEvents, like the real manager.
type Manager struct {
	// StartErr, when set, is returned by every Start call
	StartErr error
	// ConnectErr, when set, is returned by every Connect call
	ConnectErr error
	// SendErr, when set, is returned by SendUnconnected and Broadcast
	SendErr error
	// StopErr, when set, is returned by Stop after the manager has stopped
	StopErr error

	Starts int
	Stops  int
	BindIP net.IP
	Port   int

	Broadcasts  []Datagram
	Unconnected []Datagram
	Dials       []Dial

	running bool
	gen     int
	events  []func(transport.Listener)
}

var _ transport.Manager = (*Manager)(nil)

// New returns a stopped fake manager
func New() *Manager {
	return &Manager{}
}

func (m *Manager) Start(bindIP net.IP, port int) error {
	if m.StartErr != nil {
		return m.StartErr
	}
	if m.running {
		return fmt.Errorf("transport already running")
	}
	m.Starts++
	m.running = true
	m.gen++
	m.BindIP = bindIP
	m.Port = port
	return nil
}

func (m *Manager) Stop() error {
	if m.running {
		m.Stops++
	}
	m.running = false
	m.gen++
	m.events = nil
	return m.StopErr
}

func (m *Manager) Running() bool { return m.running }

func (m *Manager) LocalPort() int {
	if !m.running {
		return 0
	}
	return m.Port
}

func (m *Manager) Connect(addr string, token string) (transport.Peer, error) {
	if !m.running {
		return nil, transport.ErrNotRunning
	}
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	p := NewPeer(addr)
	m.Dials = append(m.Dials, Dial{Addr: addr, Token: token, Peer: p})
	return p, nil
}

func (m *Manager) SendUnconnected(addr *net.UDPAddr, payload []byte) error {
	if !m.running {
		return transport.ErrNotRunning
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Unconnected = append(m.Unconnected, Datagram{Addr: addr, Payload: string(payload)})
	return nil
}

func (m *Manager) Broadcast(port int, payload []byte) error {
	if !m.running {
		return transport.ErrNotRunning
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	m.Broadcasts = append(m.Broadcasts, Datagram{Addr: addr, Payload: string(payload)})
	return nil
}

// PollEvents dispatches the events queued before the call
func (m *Manager) PollEvents(l transport.Listener) {
	gen := m.gen
	events := m.events
	m.events = nil
	for _, dispatch := range events {
		if !m.running || m.gen != gen {
			return
		}
		dispatch(l)
	}
}

// Pending returns the number of queued events
func (m *Manager) Pending() int {
	return len(m.events)
}

func (m *Manager) queue(f func(transport.Listener)) {
	if !m.running {
		return
	}
	m.events = append(m.events, f)
}

// DeliverUnconnected queues an inbound datagram from addr ("ip:port")
func (m *Manager) DeliverUnconnected(addr string, payload string) {
	from := net.UDPAddrFromAddrPort(netip.MustParseAddrPort(addr))
	m.queue(func(l transport.Listener) {
		l.OnNetworkReceiveUnconnected(from, []byte(payload))
	})
}

// DeliverConnected queues a connection-established event for p
func (m *Manager) DeliverConnected(p *Peer) {
	m.queue(func(l transport.Listener) {
		p.connected = true
		l.OnPeerConnected(p)
	})
}

// DeliverDisconnected queues a disconnect event for p
func (m *Manager) DeliverDisconnected(p *Peer, reason transport.DisconnectReason) {
	m.queue(func(l transport.Listener) {
		p.connected = false
		l.OnPeerDisconnected(p, transport.DisconnectInfo{Reason: reason})
	})
}

// DeliverMessage queues an inbound reliable message from p
func (m *Manager) DeliverMessage(p *Peer, payload string) {
	m.queue(func(l transport.Listener) {
		l.OnNetworkReceive(p, []byte(payload))
	})
}

// DeliverError queues a network error
func (m *Manager) DeliverError(addr net.Addr, err error) {
	m.queue(func(l transport.Listener) {
		l.OnNetworkError(addr, err)
	})
}

// RequestConnection queues an inbound connection request
func (m *Manager) RequestConnection(remote, token, identity string) *Request {
	req := &Request{remote: parseAddr(remote), token: token, identity: identity}
	m.queue(func(l transport.Listener) {
		l.OnConnectionRequest(req)
		if !req.Accepted && !req.Rejected {
			req.Rejected = true
		}
	})
	return req
}

// Peer is a fake connection that records what is sent on it
type Peer struct {
	// SendErr, when set, is returned by Send
	SendErr error

	Sent         []string
	Disconnected bool

	id        string
	remote    net.Addr
	identity  string
	connected bool
}

var _ transport.Peer = (*Peer)(nil)

// NewPeer creates a peer whose remote address is addr ("ip:port")
func NewPeer(addr string) *Peer {
	return &Peer{id: uuid.New().String(), remote: parseAddr(addr)}
}

func (p *Peer) ID() string           { return p.id }
func (p *Peer) RemoteAddr() net.Addr { return p.remote }
func (p *Peer) Identity() string     { return p.identity }

func (p *Peer) Send(payload []byte) error {
	if p.SendErr != nil {
		return p.SendErr
	}
	p.Sent = append(p.Sent, string(payload))
	return nil
}

func (p *Peer) Disconnect() error {
	p.Disconnected = true
	return nil
}

// Request is a fake connection request that records the decision
type Request struct {
	Accepted bool
	Rejected bool
	// Peer is set once the request is accepted
	Peer *Peer

	remote   net.Addr
	token    string
	identity string
}

var _ transport.ConnectionRequest = (*Request)(nil)

func (r *Request) RemoteAddr() net.Addr { return r.remote }
func (r *Request) Token() string        { return r.token }
func (r *Request) Identity() string     { return r.identity }

func (r *Request) Accept() (transport.Peer, error) {
	if r.Accepted || r.Rejected {
		return nil, transport.ErrAlreadyDecided
	}
	r.Accepted = true
	r.Peer = &Peer{id: uuid.New().String(), remote: r.remote, identity: r.identity}
	return r.Peer, nil
}

func (r *Request) Reject() error {
	if r.Accepted || r.Rejected {
		return transport.ErrAlreadyDecided
	}
	r.Rejected = true
	return nil
}

func parseAddr(s string) net.Addr {
	return net.TCPAddrFromAddrPort(netip.MustParseAddrPort(s))
}
