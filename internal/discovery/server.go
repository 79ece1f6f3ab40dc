package discovery

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/lanlink/lanlink/internal/metrics"
	"github.com/lanlink/lanlink/internal/protocol"
	"github.com/lanlink/lanlink/internal/transport"
)

// ServerOptions configures a Server
type ServerOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Server answers discovery probes with the advertised session address
type Server struct {
	tr     transport.Manager
	opts   ServerOptions
	logger *zap.Logger

	advertised netip.AddrPort
	ack        []byte

	packetsSent     uint64
	packetsReceived uint64
}

var _ transport.Listener = (*Server)(nil)

// NewServer creates a Server listening over tr. tr must support unconnected traffic.
func NewServer(tr transport.Manager, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		tr:     tr,
		opts:   opts,
		logger: logger,
	}
}

// Start listens for probes on port and answers them with advertised. The socket
// is bound to all interfaces so broadcasts are received.
func (s *Server) Start(port int, advertised netip.AddrPort) error {
	if !advertised.Addr().Is4() || advertised.Port() == 0 {
		return fmt.Errorf("advertised address %s is not a connectable IPv4 endpoint", advertised)
	}
	if err := s.tr.Start(nil, port); err != nil {
		return fmt.Errorf("failed to start discovery listener on port %d: %w", port, err)
	}
	s.advertised = advertised
	s.ack = []byte(protocol.FormatAck(advertised))
	s.logger.Info("discovery server started", zap.Int("port", port), zap.Stringer("advertised", advertised))
	return nil
}

// Stop closes the listener
func (s *Server) Stop() error {
	return s.tr.Stop()
}

// Poll answers every probe received since the last call
func (s *Server) Poll() {
	if s.tr.Running() {
		s.tr.PollEvents(s)
	}
}

// Advertised is the session address sent in acknowledgments
func (s *Server) Advertised() netip.AddrPort {
	return s.advertised
}

// PacketsSent is the number of acknowledgments sent
func (s *Server) PacketsSent() uint64 {
	return s.packetsSent
}

// PacketsReceived is the number of datagrams received
func (s *Server) PacketsReceived() uint64 {
	return s.packetsReceived
}

func (s *Server) OnNetworkReceiveUnconnected(addr *net.UDPAddr, payload []byte) {
	s.packetsReceived++
	if !protocol.IsProbe(string(payload)) {
		s.logger.Debug("dropping datagram without probe marker", zap.Stringer("from", addr))
		s.opts.Metrics.ProbeReceived(metrics.ResultDropped)
		return
	}
	s.opts.Metrics.ProbeReceived(metrics.ResultReplied)

	if err := s.tr.SendUnconnected(addr, s.ack); err != nil {
		s.logger.Warn("failed to answer discovery probe", zap.Stringer("to", addr), zap.Error(err))
		s.opts.Metrics.AckSent(metrics.ResultFailed)
		return
	}
	s.packetsSent++
	s.opts.Metrics.AckSent(metrics.ResultSent)
	s.logger.Debug("answered discovery probe", zap.Stringer("to", addr), zap.Stringer("advertised", s.advertised))
}

func (s *Server) OnConnectionRequest(req transport.ConnectionRequest) {
	s.logger.Debug("rejecting connection on discovery listener", zap.Stringer("from", req.RemoteAddr()))
	req.Reject()
}

func (s *Server) OnNetworkError(addr net.Addr, err error) {
	s.logger.Warn("discovery network error", zap.Stringer("addr", addr), zap.Error(err))
}

func (s *Server) OnPeerConnected(p transport.Peer) {
	s.logger.Debug("unexpected peer on discovery listener", zap.String("peer", p.ID()))
	p.Disconnect()
}

func (s *Server) OnPeerDisconnected(transport.Peer, transport.DisconnectInfo) {}

func (s *Server) OnNetworkReceive(transport.Peer, []byte) {}
