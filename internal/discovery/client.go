// Package discovery locates a session server on the local network. A Client
// broadcasts probes until a Server acknowledges with the address clients should
// connect to. Both are driven by Poll and never block.
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

// State is the search state of a Client
type State int

const (
	// StateSearching broadcasts probes until a server answers
	StateSearching State = iota
	// StateFound holds the address of the server that answered
	StateFound
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler is notified when a search cycle finds a server
type Handler interface {
	OnServerFound(addr netip.AddrPort)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(addr netip.AddrPort)

func (f HandlerFunc) OnServerFound(addr netip.AddrPort) { f(addr) }

// ClientOptions configures a Client
type ClientOptions struct {
	// Port is the discovery port probes are broadcast to
	Port int
	// RetryTicks is the number of polls between probes
	RetryTicks int

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Client searches for a server by broadcasting probes
type Client struct {
	tr      transport.Manager
	opts    ClientOptions
	logger  *zap.Logger
	handler Handler

	started    bool
	state      State
	retryTicks int
	server     netip.AddrPort

	packetsSent     uint64
	packetsReceived uint64
}

var _ transport.Listener = (*Client)(nil)

// NewClient creates a Client broadcasting over tr. tr must support unconnected traffic.
func NewClient(tr transport.Manager, opts ClientOptions) (*Client, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid discovery port %d", opts.Port)
	}
	if opts.RetryTicks < 1 {
		return nil, fmt.Errorf("retry ticks must be at least 1, got %d", opts.RetryTicks)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		tr:     tr,
		opts:   opts,
		logger: logger,
	}, nil
}

// SetHandler sets the receiver of OnServerFound
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Start opens the broadcast socket and begins searching
func (c *Client) Start() error {
	if err := c.open(); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("discovery client started", zap.Int("discovery_port", c.opts.Port))
	return nil
}

func (c *Client) open() error {
	if c.tr.Running() {
		return nil
	}
	if err := c.tr.Start(nil, 0); err != nil {
		return fmt.Errorf("failed to open discovery socket: %w", err)
	}
	return nil
}

// Stop releases the socket; Poll does nothing until Start is called again
func (c *Client) Stop() error {
	c.started = false
	return c.tr.Stop()
}

// Poll drains network events and, while searching, advances the retry timer,
// broadcasting a probe every RetryTicks polls.
func (c *Client) Poll() {
	if !c.started {
		return
	}
	if c.tr.Running() {
		c.tr.PollEvents(c)
	}
	if c.state != StateSearching {
		return
	}

	c.retryTicks++
	if c.retryTicks < c.opts.RetryTicks {
		return
	}
	c.retryTicks = 0

	// The socket is closed while a server is found; a failed reopen on Reset is
	// retried here.
	if err := c.open(); err != nil {
		c.logger.Warn("discovery socket unavailable", zap.Error(err))
		return
	}
	c.sendProbe()
}

func (c *Client) sendProbe() {
	if err := c.tr.Broadcast(c.opts.Port, []byte(protocol.DiscoveryProbe)); err != nil {
		c.logger.Warn("failed to broadcast discovery probe", zap.Error(err))
		return
	}
	c.packetsSent++
	c.opts.Metrics.ProbeSent()
	c.logger.Debug("sent discovery probe", zap.Int("port", c.opts.Port), zap.Uint64("sent", c.packetsSent))
}

// Reset abandons the found server and restarts the search from zero
func (c *Client) Reset() {
	prev := c.state
	c.state = StateSearching
	c.server = netip.AddrPort{}
	c.retryTicks = 0

	if prev == StateFound {
		c.logger.Info("searching for server again")
	}
	if !c.started {
		return
	}
	if err := c.open(); err != nil {
		c.logger.Error("failed to reopen discovery socket", zap.Error(err))
	}
}

// State returns the current search state
func (c *Client) State() State {
	return c.state
}

// ServerAddress returns the found server, if any
func (c *Client) ServerAddress() (netip.AddrPort, bool) {
	return c.server, c.state == StateFound
}

// PacketsSent is the number of probes broadcast
func (c *Client) PacketsSent() uint64 {
	return c.packetsSent
}

// PacketsReceived is the number of acknowledgments that found a server
func (c *Client) PacketsReceived() uint64 {
	return c.packetsReceived
}

func (c *Client) OnNetworkReceiveUnconnected(addr *net.UDPAddr, payload []byte) {
	text := string(payload)
	if !protocol.IsAck(text) {
		c.logger.Debug("ignoring unexpected datagram", zap.Stringer("from", addr))
		c.opts.Metrics.AckReceived(metrics.ResultIgnored)
		return
	}
	if c.state == StateFound {
		c.logger.Debug("ignoring acknowledgment, server already found", zap.Stringer("from", addr))
		c.opts.Metrics.AckReceived(metrics.ResultIgnored)
		return
	}

	server, err := protocol.ParseAck(text)
	if err != nil {
		c.logger.Debug("discarding acknowledgment", zap.Stringer("from", addr), zap.Error(err))
		c.opts.Metrics.AckReceived(metrics.ResultMalformed)
		return
	}
	// A server bound to all interfaces may advertise the unspecified address;
	// the datagram source is the best guess for where it can be reached.
	if server.Addr().IsUnspecified() && addr != nil {
		if src, ok := netip.AddrFromSlice(addr.IP.To4()); ok {
			server = netip.AddrPortFrom(src, server.Port())
		}
	}

	c.found(server)
}

func (c *Client) found(server netip.AddrPort) {
	c.state = StateFound
	c.server = server
	c.retryTicks = 0
	c.packetsReceived++
	c.opts.Metrics.AckReceived(metrics.ResultAccepted)
	c.logger.Info("found server, stopping broadcast", zap.Stringer("server", server))

	if err := c.tr.Stop(); err != nil {
		c.logger.Warn("failed to close discovery socket", zap.Error(err))
	}
	if c.handler != nil {
		c.handler.OnServerFound(server)
	}
}

func (c *Client) OnConnectionRequest(req transport.ConnectionRequest) {
	// The discovery socket never carries sessions.
	req.Reject()
}

func (c *Client) OnNetworkError(addr net.Addr, err error) {
	c.logger.Warn("discovery network error", zap.Stringer("addr", addr), zap.Error(err))
}

func (c *Client) OnPeerConnected(transport.Peer) {}

func (c *Client) OnPeerDisconnected(transport.Peer, transport.DisconnectInfo) {}

func (c *Client) OnNetworkReceive(transport.Peer, []byte) {}
