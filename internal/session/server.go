package session

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lanlink/lanlink/internal/metrics"
	"github.com/lanlink/lanlink/internal/netutil"
	"github.com/lanlink/lanlink/internal/protocol"
	"github.com/lanlink/lanlink/internal/transport"
)

// Responder answers discovery probes next to the Server. *discovery.Server implements it.
type Responder interface {
	Start(port int, advertised netip.AddrPort) error
	Stop() error
	Poll()
}

// ServerHandler receives application messages from admitted sessions
type ServerHandler interface {
	OnMessage(peer *PeerSession, text string)
}

// ServerHandlerFunc adapts a function to ServerHandler
type ServerHandlerFunc func(peer *PeerSession, text string)

func (f ServerHandlerFunc) OnMessage(peer *PeerSession, text string) { f(peer, text) }

// PeerObserver may be implemented by a ServerHandler to follow session membership
type PeerObserver interface {
	OnPeerConnected(peer *PeerSession)
	OnPeerDisconnected(peer *PeerSession, info transport.DisconnectInfo)
}

// ServerOptions configures a Server
type ServerOptions struct {
	// Token must be presented by clients to be admitted
	Token string
	// MaxPeers caps the number of concurrent sessions
	MaxPeers int
	// AdvertiseAddr picks the address sent to clients when listening on all
	// interfaces. Defaults to netutil.AdvertiseAddr.
	AdvertiseAddr func() (netip.Addr, error)

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Stats counts admission decisions
type Stats struct {
	Accepted         uint64
	RejectedCapacity uint64
	RejectedToken    uint64
	Active           int
}

// Server admits a bounded number of token-gated sessions, answers heartbeats,
// and relays everything else to its handler.
type Server struct {
	tr        transport.Manager
	responder Responder
	handler   ServerHandler
	opts      ServerOptions
	logger    *zap.Logger

	running    bool
	advertised netip.AddrPort
	peers      *peerSet
	stats      Stats
}

var _ transport.Listener = (*Server)(nil)

// NewServer creates a Server accepting sessions on tr, with responder answering discovery
func NewServer(tr transport.Manager, responder Responder, handler ServerHandler, opts ServerOptions) (*Server, error) {
	if opts.MaxPeers < 1 {
		return nil, fmt.Errorf("max peers must be at least 1, got %d", opts.MaxPeers)
	}
	if handler == nil {
		handler = ServerHandlerFunc(func(*PeerSession, string) {})
	}
	if opts.AdvertiseAddr == nil {
		opts.AdvertiseAddr = netutil.AdvertiseAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		tr:        tr,
		responder: responder,
		handler:   handler,
		opts:      opts,
		logger:    logger,
		peers:     newPeerSet(),
	}, nil
}

// Start listens for sessions on bindAddress:sessionPort and answers discovery
// probes on discoveryPort. An empty or unspecified bindAddress listens on all
// interfaces and advertises the first usable IPv4 address.
func (s *Server) Start(bindAddress string, sessionPort, discoveryPort int) error {
	var bindIP net.IP
	if bindAddress != "" {
		bindIP = net.ParseIP(bindAddress)
		if bindIP == nil || bindIP.To4() == nil {
			return fmt.Errorf("bind address %q is not an IPv4 address", bindAddress)
		}
	}

	if err := s.tr.Start(bindIP, sessionPort); err != nil {
		return fmt.Errorf("failed to start session listener on port %d: %w", sessionPort, err)
	}

	var ip netip.Addr
	if bindIP == nil || bindIP.IsUnspecified() {
		addr, err := s.opts.AdvertiseAddr()
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to determine advertised address: %w", err), s.tr.Stop())
		}
		ip = addr
	} else {
		ip, _ = netip.AddrFromSlice(bindIP.To4())
	}
	s.advertised = netip.AddrPortFrom(ip, uint16(s.tr.LocalPort()))

	if err := s.responder.Start(discoveryPort, s.advertised); err != nil {
		return multierr.Append(err, s.tr.Stop())
	}

	s.running = true
	s.logger.Info("session server started",
		zap.Stringer("advertised", s.advertised),
		zap.Int("discovery_port", discoveryPort),
		zap.Int("max_peers", s.opts.MaxPeers))
	return nil
}

// Stop disconnects every session and closes both listeners
func (s *Server) Stop() error {
	for _, sess := range s.peers.drain() {
		sess.Peer.Disconnect()
	}
	s.opts.Metrics.SetSessions(0)
	s.running = false
	return multierr.Combine(s.tr.Stop(), s.responder.Stop())
}

// Poll dispatches session events and answers discovery probes
func (s *Server) Poll() {
	if !s.running {
		return
	}
	s.peers.tick()
	s.tr.PollEvents(s)
	s.responder.Poll()
}

// SendTo delivers message to one session
func (s *Server) SendTo(peer *PeerSession, message string) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	if !s.peers.contains(peer) {
		return ErrUnknownPeer
	}
	if err := peer.Peer.Send([]byte(message)); err != nil {
		s.opts.Metrics.MessageSent(metrics.SideServer, metrics.ResultFailed)
		return fmt.Errorf("failed to send to %s: %w", peer, err)
	}
	s.opts.Metrics.MessageSent(metrics.SideServer, metrics.ResultSent)
	return nil
}

// SendToAll delivers message to every connected session. Failures on individual
// sessions are combined into the returned error.
func (s *Server) SendToAll(message string) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	var errs error
	for _, sess := range s.peers.list() {
		if !sess.Connected() {
			continue
		}
		errs = multierr.Append(errs, s.SendTo(sess, message))
	}
	return errs
}

// Peers returns the admitted sessions in admission order
func (s *Server) Peers() []*PeerSession {
	return s.peers.list()
}

// Stats returns admission counters
func (s *Server) Stats() Stats {
	stats := s.stats
	stats.Active = s.peers.count()
	return stats
}

// Advertised is the address sent to discovering clients
func (s *Server) Advertised() netip.AddrPort {
	return s.advertised
}

// OnConnectionRequest admits the request if there is room and the token matches.
// Capacity is checked first, so a full server rejects every request.
func (s *Server) OnConnectionRequest(req transport.ConnectionRequest) {
	if s.peers.count() >= s.opts.MaxPeers {
		req.Reject()
		s.stats.RejectedCapacity++
		s.opts.Metrics.ConnectionRequest(metrics.ResultCapacity)
		s.logger.Info("rejected connection, server full",
			zap.Stringer("from", req.RemoteAddr()), zap.Int("max_peers", s.opts.MaxPeers))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Token()), []byte(s.opts.Token)) != 1 {
		req.Reject()
		s.stats.RejectedToken++
		s.opts.Metrics.ConnectionRequest(metrics.ResultToken)
		s.logger.Info("rejected connection, bad token", zap.Stringer("from", req.RemoteAddr()))
		return
	}

	p, err := req.Accept()
	if err != nil {
		s.logger.Warn("failed to accept connection", zap.Stringer("from", req.RemoteAddr()), zap.Error(err))
		return
	}
	sess := &PeerSession{
		ID:         uuid.New().String(),
		Identity:   req.Identity(),
		RemoteAddr: req.RemoteAddr(),
		Peer:       p,
		AcceptedAt: time.Now(),
	}
	s.peers.add(sess)
	s.stats.Accepted++
	s.opts.Metrics.ConnectionRequest(metrics.ResultAccepted)
	s.opts.Metrics.SetSessions(s.peers.count())
	s.logger.Info("accepted connection",
		zap.Stringer("peer", sess), zap.String("identity", sess.Identity), zap.Int("sessions", s.peers.count()))
}

func (s *Server) OnPeerConnected(p transport.Peer) {
	sess := s.peers.get(p)
	if sess == nil {
		s.logger.Warn("dropping connection that was never admitted", zap.Stringer("from", p.RemoteAddr()))
		p.Disconnect()
		return
	}
	sess.ConnectedAt = time.Now()
	sess.RemoteAddr = p.RemoteAddr()
	s.logger.Info("peer connected", zap.Stringer("peer", sess))
	if obs, ok := s.handler.(PeerObserver); ok {
		obs.OnPeerConnected(sess)
	}
}

func (s *Server) OnPeerDisconnected(p transport.Peer, info transport.DisconnectInfo) {
	sess := s.peers.remove(p)
	if sess == nil {
		return
	}
	s.opts.Metrics.SetSessions(s.peers.count())
	s.opts.Metrics.Disconnect(metrics.SideServer, info.Reason.String())
	s.logger.Info("peer disconnected", zap.Stringer("peer", sess), zap.Stringer("reason", info))
	if obs, ok := s.handler.(PeerObserver); ok {
		obs.OnPeerDisconnected(sess, info)
	}
}

func (s *Server) OnNetworkReceive(p transport.Peer, payload []byte) {
	sess := s.peers.get(p)
	if sess == nil {
		s.logger.Debug("dropping message from unknown peer", zap.String("peer", p.ID()))
		return
	}
	sess.idleTicks = 0

	text := string(payload)
	if text == protocol.Ping {
		if err := p.Send([]byte(protocol.Pong)); err != nil {
			s.logger.Warn("failed to answer heartbeat", zap.Stringer("peer", sess), zap.Error(err))
			return
		}
		s.opts.Metrics.Heartbeat(metrics.SideServer)
		s.logger.Debug("answered heartbeat", zap.Stringer("peer", sess))
		return
	}
	if protocol.IsHeartbeat(text) {
		s.logger.Debug("dropping stray heartbeat", zap.Stringer("peer", sess), zap.String("payload", text))
		return
	}

	s.opts.Metrics.MessageReceived(metrics.SideServer)
	s.handler.OnMessage(sess, text)
}

// OnNetworkError is logged only; the transport follows up with a disconnect for
// the affected peer.
func (s *Server) OnNetworkError(addr net.Addr, err error) {
	s.logger.Warn("session network error", zap.Stringer("addr", addr), zap.Error(err))
}

func (s *Server) OnNetworkReceiveUnconnected(*net.UDPAddr, []byte) {}
