// Package session maintains reliable sessions between a client and a server once
// discovery has found one. Both sides are polled state machines: every transport
// callback and handler runs inside Poll on the caller's goroutine.
package session

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lanlink/lanlink/internal/discovery"
	"github.com/lanlink/lanlink/internal/metrics"
	"github.com/lanlink/lanlink/internal/protocol"
	"github.com/lanlink/lanlink/internal/transport"
)

// ClientState is the connection state of a Client
type ClientState int

const (
	StateIdle ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// Discoverer finds the server a Client connects to. *discovery.Client implements it.
type Discoverer interface {
	SetHandler(h discovery.Handler)
	Start() error
	Stop() error
	Poll()
	Reset()
}

// ClientHandler receives session events from a Client
type ClientHandler interface {
	OnConnected()
	OnDisconnected(info transport.DisconnectInfo)
	OnMessage(text string)
}

// ClientHandlerFuncs adapts optional functions to ClientHandler
type ClientHandlerFuncs struct {
	Connected    func()
	Disconnected func(info transport.DisconnectInfo)
	Message      func(text string)
}

func (h ClientHandlerFuncs) OnConnected() {
	if h.Connected != nil {
		h.Connected()
	}
}

func (h ClientHandlerFuncs) OnDisconnected(info transport.DisconnectInfo) {
	if h.Disconnected != nil {
		h.Disconnected(info)
	}
}

func (h ClientHandlerFuncs) OnMessage(text string) {
	if h.Message != nil {
		h.Message(text)
	}
}

// ClientOptions configures a Client
type ClientOptions struct {
	// Token is presented to the server when connecting
	Token string
	// HeartbeatTicks is the number of polls between pings while connected
	HeartbeatTicks int

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Client connects to the server found by its Discoverer, heartbeats while
// connected, and restarts discovery whenever the session ends.
type Client struct {
	tr      transport.Manager
	disc    Discoverer
	handler ClientHandler
	opts    ClientOptions
	logger  *zap.Logger

	started    bool
	state      ClientState
	peer       transport.Peer
	server     netip.AddrPort
	heartTicks int
}

var (
	_ transport.Listener = (*Client)(nil)
	_ discovery.Handler  = (*Client)(nil)
)

// NewClient creates a Client that dials over tr. It registers itself as the
// discoverer's handler.
func NewClient(tr transport.Manager, disc Discoverer, handler ClientHandler, opts ClientOptions) (*Client, error) {
	if opts.HeartbeatTicks < 1 {
		return nil, fmt.Errorf("heartbeat ticks must be at least 1, got %d", opts.HeartbeatTicks)
	}
	if handler == nil {
		handler = ClientHandlerFuncs{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		tr:      tr,
		disc:    disc,
		handler: handler,
		opts:    opts,
		logger:  logger,
	}
	disc.SetHandler(c)
	return c, nil
}

// Start prepares the transport and begins discovery
func (c *Client) Start() error {
	if err := c.tr.Start(nil, 0); err != nil {
		return fmt.Errorf("failed to start session transport: %w", err)
	}
	if err := c.disc.Start(); err != nil {
		return multierr.Append(fmt.Errorf("failed to start discovery: %w", err), c.tr.Stop())
	}
	c.started = true
	return nil
}

// Stop closes the session and discovery without searching again
func (c *Client) Stop() error {
	if c.peer != nil {
		c.peer.Disconnect()
	}
	c.peer = nil
	c.state = StateIdle
	c.server = netip.AddrPort{}
	c.heartTicks = 0
	c.started = false
	return multierr.Combine(c.tr.Stop(), c.disc.Stop())
}

// Poll advances discovery, dispatches session events and sends heartbeats
func (c *Client) Poll() {
	if !c.started {
		return
	}

	// Discovery only does work while no server is found.
	c.disc.Poll()

	if c.tr.Running() {
		c.tr.PollEvents(c)
	}
	if c.state != StateConnected {
		return
	}

	c.heartTicks++
	if c.heartTicks < c.opts.HeartbeatTicks {
		return
	}
	c.heartTicks = 0
	c.sendHeartbeat()
}

func (c *Client) sendHeartbeat() {
	if err := c.peer.Send([]byte(protocol.Ping)); err != nil {
		// The transport reports the failure as an error event.
		c.logger.Warn("failed to send heartbeat", zap.Error(err))
		return
	}
	c.opts.Metrics.Heartbeat(metrics.SideClient)
	c.logger.Debug("sent heartbeat", zap.String("payload", protocol.Ping))
}

// Send delivers message to the server. Without a session, or for an empty or
// reserved message, it logs a warning and returns an error without sending.
func (c *Client) Send(message string) error {
	if err := validateMessage(message); err != nil {
		c.logger.Warn("message skipped", zap.Error(err))
		return err
	}
	if c.state != StateConnected || c.peer == nil {
		c.logger.Warn("attempted to send without a session", zap.Stringer("state", c.state))
		return ErrNotConnected
	}

	if err := c.peer.Send([]byte(message)); err != nil {
		c.logger.Warn("failed to send message", zap.Error(err))
		c.opts.Metrics.MessageSent(metrics.SideClient, metrics.ResultFailed)
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.opts.Metrics.MessageSent(metrics.SideClient, metrics.ResultSent)
	return nil
}

// Disconnect ends the current session; discovery restarts
func (c *Client) Disconnect() {
	if c.state == StateIdle {
		return
	}
	if c.peer != nil {
		c.peer.Disconnect()
	}
	c.teardown(transport.DisconnectInfo{Reason: transport.DisconnectReasonDisconnectPeerCalled})
}

// teardown returns to Idle and restarts discovery. It runs at most once per
// session: later notifications for the same session find the client Idle.
func (c *Client) teardown(info transport.DisconnectInfo) {
	if c.state == StateIdle {
		return
	}

	c.logger.Info("disconnected from server", zap.Stringer("server", c.server), zap.Stringer("reason", info))
	c.state = StateIdle
	c.peer = nil
	c.server = netip.AddrPort{}
	c.heartTicks = 0
	c.opts.Metrics.Disconnect(metrics.SideClient, info.Reason.String())

	c.handler.OnDisconnected(info)
	c.disc.Reset()
}

// State returns the connection state
func (c *Client) State() ClientState {
	return c.state
}

// Connected reports whether a session is established
func (c *Client) Connected() bool {
	return c.state == StateConnected
}

// ServerAddress returns the server being connected to or connected with
func (c *Client) ServerAddress() (netip.AddrPort, bool) {
	return c.server, c.state != StateIdle
}

// OnServerFound starts connecting to addr
func (c *Client) OnServerFound(addr netip.AddrPort) {
	if c.state != StateIdle {
		c.logger.Warn("ignoring discovered server", zap.Stringer("server", addr), zap.Stringer("state", c.state))
		return
	}

	if !c.tr.Running() {
		if err := c.tr.Start(nil, 0); err != nil {
			c.logger.Error("failed to start session transport", zap.Error(err))
			c.disc.Reset()
			return
		}
	}

	c.logger.Info("connecting to server", zap.Stringer("server", addr))
	p, err := c.tr.Connect(addr.String(), c.opts.Token)
	if err != nil {
		c.logger.Error("failed to connect to server", zap.Stringer("server", addr), zap.Error(err))
		c.disc.Reset()
		return
	}
	c.peer = p
	c.server = addr
	c.state = StateConnecting
}

func (c *Client) current(p transport.Peer) bool {
	return c.peer != nil && p != nil && p.ID() == c.peer.ID()
}

func (c *Client) OnPeerConnected(p transport.Peer) {
	if !c.current(p) {
		c.logger.Debug("ignoring stale connection", zap.String("peer", p.ID()))
		p.Disconnect()
		return
	}
	c.state = StateConnected
	c.heartTicks = 0
	c.logger.Info("connected to server", zap.Stringer("server", c.server))
	c.handler.OnConnected()
}

func (c *Client) OnPeerDisconnected(p transport.Peer, info transport.DisconnectInfo) {
	if !c.current(p) {
		return
	}
	c.teardown(info)
}

func (c *Client) OnNetworkReceive(p transport.Peer, payload []byte) {
	if !c.current(p) {
		return
	}

	text := string(payload)
	if protocol.IsHeartbeat(text) {
		c.logger.Debug("got heartbeat", zap.String("payload", text))
		return
	}
	c.opts.Metrics.MessageReceived(metrics.SideClient)
	c.handler.OnMessage(text)
}

// OnNetworkError tears the session down; a failed send means the channel is gone
func (c *Client) OnNetworkError(addr net.Addr, err error) {
	c.logger.Error("session network error", zap.Stringer("addr", addr), zap.Error(err))
	if c.state == StateIdle {
		return
	}
	if c.peer != nil {
		c.peer.Disconnect()
	}
	c.teardown(transport.DisconnectInfo{Reason: transport.DisconnectReasonNetworkError, Err: err})
}

func (c *Client) OnConnectionRequest(req transport.ConnectionRequest) {
	req.Reject()
}

func (c *Client) OnNetworkReceiveUnconnected(*net.UDPAddr, []byte) {}
