package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errRejected marks a dial the remote refused after reading the token
var errRejected = errors.New("connection rejected by remote")

// hostAddr is a net.Addr for endpoints known only by their dial string
type hostAddr string

func (a hostAddr) Network() string { return "tcp" }
func (a hostAddr) String() string  { return string(a) }

func parseAddr(s string) net.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return net.TCPAddrFromAddrPort(ap)
	}
	return hostAddr(s)
}

// sessionConn is an established session channel carrying whole messages
type sessionConn interface {
	// Send writes one message. Calls are serialized by the peer.
	Send(payload []byte) error
	// Recv blocks for the next message
	Recv() ([]byte, error)
	// Close tears the channel down. graceful tells the remote the close was
	// deliberate.
	Close(graceful bool) error
	RemoteAddr() net.Addr
}

// peer is one session. It exists before the connection is established so
// callers get a handle immediately from Connect and Accept.
type peer struct {
	m        *NetManager
	gen      uint64
	id       string
	remote   net.Addr
	identity string

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     sessionConn
	closing  bool
	reason   DisconnectReason
	cause    error
	finished bool
}

func (m *NetManager) newPeer(gen uint64, remote net.Addr, identity string) *peer {
	return &peer{
		m:        m,
		gen:      gen,
		id:       uuid.New().String(),
		remote:   remote,
		identity: identity,
	}
}

func (p *peer) ID() string { return p.id }

func (p *peer) RemoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn.RemoteAddr()
	}
	return p.remote
}

func (p *peer) Identity() string { return p.identity }

func (p *peer) String() string {
	return fmt.Sprintf("%s (%s)", p.RemoteAddr(), p.id[:8])
}

// Send writes payload as a single message
func (p *peer) Send(payload []byte) error {
	p.mu.Lock()
	conn, closing := p.conn, p.closing
	p.mu.Unlock()
	if conn == nil || closing {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := conn.Send(payload); err != nil {
		// A failed write poisons the connection; report it and let the read
		// loop deliver the disconnect.
		p.m.push(p.gen, event{kind: eventNetworkError, addr: p.RemoteAddr(), err: err})
		p.close(DisconnectReasonNetworkError, err)
		return fmt.Errorf("failed to send to %s: %w", p.remote, err)
	}
	return nil
}

// Disconnect closes the session gracefully
func (p *peer) Disconnect() error {
	p.close(DisconnectReasonDisconnectPeerCalled, nil)
	return nil
}

// close marks the peer as closing for reason and tears down the connection if
// there is one. The disconnect event is delivered by the read loop, or by attach
// when the connection is still being set up.
func (p *peer) close(reason DisconnectReason, cause error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.reason = reason
	p.cause = cause
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.Close(reason == DisconnectReasonDisconnectPeerCalled)
	}
}

// attach binds an established connection. It returns false when the peer was
// closed while the connection was being set up.
func (p *peer) attach(conn sessionConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		conn.Close(false)
		return false
	}
	p.conn = conn
	return true
}

// finish delivers the disconnect event exactly once
func (p *peer) finish(info DisconnectInfo) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	if p.closing {
		info = DisconnectInfo{Reason: p.reason, Err: p.cause}
	}
	p.closing = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.Close(false)
	}
	p.m.removePeer(p)
	p.m.push(p.gen, event{kind: eventPeerDisconnected, peer: p, info: info})
}

func (p *peer) closedInfo() DisconnectInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DisconnectInfo{Reason: p.reason, Err: p.cause}
}

// establish attaches conn, reports the peer connected and pumps inbound
// messages until the connection fails
func (p *peer) establish(conn sessionConn) {
	if !p.attach(conn) {
		p.finish(p.closedInfo())
		return
	}
	p.m.push(p.gen, event{kind: eventPeerConnected, peer: p})

	for {
		data, err := conn.Recv()
		if err != nil {
			p.finish(classify(err))
			return
		}
		p.m.push(p.gen, event{kind: eventReceive, peer: p, payload: data})
	}
}

func classify(err error) DisconnectInfo {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return DisconnectInfo{Reason: DisconnectReasonRemoteConnectionClose}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DisconnectInfo{Reason: DisconnectReasonTimeout, Err: err}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return DisconnectInfo{Reason: DisconnectReasonRemoteConnectionClose, Err: err}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Canceled:
			return DisconnectInfo{Reason: DisconnectReasonRemoteConnectionClose, Err: err}
		case codes.DeadlineExceeded:
			return DisconnectInfo{Reason: DisconnectReasonTimeout, Err: err}
		}
	}
	return DisconnectInfo{Reason: DisconnectReasonNetworkError, Err: err}
}

// Connect dials addr in the background and returns the pending peer
func (m *NetManager) Connect(addr string, token string) (Peer, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	gen, done := m.gen, m.done
	p := m.newPeer(gen, parseAddr(addr), "")
	m.peers[p.id] = p
	m.wg.Add(1)
	m.mu.Unlock()

	go m.dial(p, done, addr, token)
	return p, nil
}

func (m *NetManager) dial(p *peer, done <-chan struct{}, addr, token string) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn sessionConn
	var err error
	switch m.opts.Protocol {
	case ProtocolGRPC:
		conn, err = m.dialStream(ctx, addr, token)
	default:
		conn, err = m.dialWebsocket(ctx, addr, token)
	}
	if err != nil {
		info := DisconnectInfo{Reason: DisconnectReasonConnectionFailed, Err: err}
		if errors.Is(err, errRejected) {
			info.Reason = DisconnectReasonConnectionRejected
		}
		m.logger.Debug("dial failed", zap.String("addr", addr), zap.Stringer("reason", info.Reason), zap.Error(err))
		p.finish(info)
		return
	}
	p.establish(conn)
}

// admit queues a connection request and blocks until the poller decides it,
// the decision timeout passes or the manager stops. It returns the accepted
// peer, or nil when the request was refused.
func (m *NetManager) admit(remote net.Addr, token, identity string) (*peer, error) {
	m.mu.Lock()
	running, gen, done := m.running, m.gen, m.done
	m.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	req := &connRequest{
		m:        m,
		gen:      gen,
		remote:   remote,
		token:    token,
		identity: identity,
		decided:  make(chan struct{}),
	}
	if !m.push(gen, event{kind: eventConnectionRequest, req: req}) {
		return nil, ErrNotRunning
	}

	timer := time.NewTimer(m.opts.DecisionTimeout)
	defer timer.Stop()
	select {
	case <-req.decided:
	case <-timer.C:
	case <-done:
	}
	return req.settle(), nil
}

type connRequest struct {
	m        *NetManager
	gen      uint64
	remote   net.Addr
	token    string
	identity string

	mu      sync.Mutex
	done    bool
	peer    *peer
	decided chan struct{}
}

func (r *connRequest) RemoteAddr() net.Addr { return r.remote }
func (r *connRequest) Token() string        { return r.token }
func (r *connRequest) Identity() string     { return r.identity }

// Accept admits the request; the peer is connected once the handshake completes
func (r *connRequest) Accept() (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, ErrAlreadyDecided
	}

	m := r.m
	m.mu.Lock()
	if !m.running || m.gen != r.gen {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	p := m.newPeer(r.gen, r.remote, r.identity)
	m.peers[p.id] = p
	m.mu.Unlock()

	r.done = true
	r.peer = p
	close(r.decided)
	return p, nil
}

// Reject refuses the request. Websocket sessions answer HTTP 403 and gRPC
// streams end with PermissionDenied.
func (r *connRequest) Reject() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrAlreadyDecided
	}
	r.done = true
	close(r.decided)
	return nil
}

// settle rejects the request if it is still pending and returns the accepted peer, if any
func (r *connRequest) settle() *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		r.done = true
		close(r.decided)
	}
	return r.peer
}
