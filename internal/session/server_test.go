package session

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlink/internal/discovery"
	"github.com/lanlink/lanlink/internal/protocol"
	"github.com/lanlink/lanlink/internal/transport"
	"github.com/lanlink/lanlink/internal/transport/transporttest"
)

const testSessionPort = 23456

type received struct {
	peer *PeerSession
	text string
}

type serverEvents struct {
	messages     []received
	connected    []*PeerSession
	disconnected []*PeerSession
}

func (e *serverEvents) OnMessage(peer *PeerSession, text string) {
	e.messages = append(e.messages, received{peer: peer, text: text})
}

func (e *serverEvents) OnPeerConnected(peer *PeerSession) {
	e.connected = append(e.connected, peer)
}

func (e *serverEvents) OnPeerDisconnected(peer *PeerSession, _ transport.DisconnectInfo) {
	e.disconnected = append(e.disconnected, peer)
}

type serverFixture struct {
	server *Server
	tr     *transporttest.Manager
	discTr *transporttest.Manager
	events *serverEvents
}

func newServerFixture(t *testing.T, maxPeers int) *serverFixture {
	t.Helper()
	f := &serverFixture{
		tr:     transporttest.New(),
		discTr: transporttest.New(),
		events: &serverEvents{},
	}
	var err error
	f.server, err = NewServer(f.tr, discovery.NewServer(f.discTr, discovery.ServerOptions{}), f.events, ServerOptions{
		Token:    testToken,
		MaxPeers: maxPeers,
	})
	require.NoError(t, err)
	require.NoError(t, f.server.Start("10.0.0.5", testSessionPort, testDiscoveryPort))
	return f
}

// admit requests a connection with the right token and completes it
func (f *serverFixture) admit(t *testing.T, remote string) *transporttest.Peer {
	t.Helper()
	req := f.tr.RequestConnection(remote, testToken, "")
	f.server.Poll()
	require.True(t, req.Accepted, "request from %s was not accepted", remote)
	f.tr.DeliverConnected(req.Peer)
	f.server.Poll()
	return req.Peer
}

func TestServerStartAdvertisesBindAddress(t *testing.T) {
	f := newServerFixture(t, 10)

	require.Equal(t, netip.MustParseAddrPort("10.0.0.5:23456"), f.server.Advertised())
	require.Equal(t, testSessionPort, f.tr.Port)
	require.Equal(t, "10.0.0.5", f.tr.BindIP.String())
	require.Equal(t, testDiscoveryPort, f.discTr.Port)
	require.Nil(t, f.discTr.BindIP)
}

func TestServerStartAllInterfaces(t *testing.T) {
	tr, discTr := transporttest.New(), transporttest.New()
	s, err := NewServer(tr, discovery.NewServer(discTr, discovery.ServerOptions{}), nil, ServerOptions{
		Token:    testToken,
		MaxPeers: 1,
		AdvertiseAddr: func() (netip.Addr, error) {
			return netip.MustParseAddr("192.168.1.20"), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start("0.0.0.0", testSessionPort, testDiscoveryPort))
	require.Equal(t, netip.MustParseAddrPort("192.168.1.20:23456"), s.Advertised())

	discTr.DeliverUnconnected("192.168.1.30:40000", protocol.DiscoveryProbe)
	s.Poll()
	require.Len(t, discTr.Unconnected, 1)
	require.Equal(t, "ACK:192.168.1.20:23456", discTr.Unconnected[0].Payload)
}

func TestServerStartFailures(t *testing.T) {
	newServer := func(tr, discTr *transporttest.Manager, advertise func() (netip.Addr, error)) *Server {
		s, err := NewServer(tr, discovery.NewServer(discTr, discovery.ServerOptions{}), nil, ServerOptions{
			Token:         testToken,
			MaxPeers:      1,
			AdvertiseAddr: advertise,
		})
		require.NoError(t, err)
		return s
	}

	t.Run("invalid bind address", func(t *testing.T) {
		tr := transporttest.New()
		s := newServer(tr, transporttest.New(), nil)
		require.Error(t, s.Start("::1", testSessionPort, testDiscoveryPort))
		require.Error(t, s.Start("not-an-ip", testSessionPort, testDiscoveryPort))
		require.Zero(t, tr.Starts)
	})

	t.Run("no usable interface", func(t *testing.T) {
		tr := transporttest.New()
		noAddr := errors.New("no usable interface")
		s := newServer(tr, transporttest.New(), func() (netip.Addr, error) { return netip.Addr{}, noAddr })
		require.ErrorIs(t, s.Start("", testSessionPort, testDiscoveryPort), noAddr)
		require.False(t, tr.Running())
	})

	t.Run("discovery port busy", func(t *testing.T) {
		tr, discTr := transporttest.New(), transporttest.New()
		busy := errors.New("address already in use")
		discTr.StartErr = busy
		s := newServer(tr, discTr, nil)
		require.ErrorIs(t, s.Start("10.0.0.5", testSessionPort, testDiscoveryPort), busy)
		require.False(t, tr.Running())
	})

	t.Run("cleanup error is reported", func(t *testing.T) {
		tr, discTr := transporttest.New(), transporttest.New()
		busy := errors.New("address already in use")
		closeFailed := errors.New("close tcp 10.0.0.5:23456: use of closed network connection")
		discTr.StartErr = busy
		tr.StopErr = closeFailed
		s := newServer(tr, discTr, nil)

		err := s.Start("10.0.0.5", testSessionPort, testDiscoveryPort)
		require.ErrorIs(t, err, busy)
		require.ErrorIs(t, err, closeFailed)
		require.False(t, tr.Running())

		noAddr := errors.New("no usable interface")
		s = newServer(tr, transporttest.New(), func() (netip.Addr, error) { return netip.Addr{}, noAddr })
		err = s.Start("", testSessionPort, testDiscoveryPort)
		require.ErrorIs(t, err, noAddr)
		require.ErrorIs(t, err, closeFailed)
	})
}

func TestServerAnswersDiscovery(t *testing.T) {
	f := newServerFixture(t, 10)

	f.discTr.DeliverUnconnected("10.0.0.9:50000", protocol.DiscoveryProbe)
	f.discTr.DeliverUnconnected("10.0.0.9:50000", "HELLO")
	f.server.Poll()

	require.Len(t, f.discTr.Unconnected, 1)
	require.Equal(t, "ACK:10.0.0.5:23456", f.discTr.Unconnected[0].Payload)
	require.Equal(t, "10.0.0.9:50000", f.discTr.Unconnected[0].Addr.String())
}

func TestServerAdmission(t *testing.T) {
	const maxPeers = 10
	f := newServerFixture(t, maxPeers)

	for i := 0; i < maxPeers; i++ {
		f.admit(t, fmt.Sprintf("10.0.0.%d:5000", 10+i))
	}
	require.Len(t, f.server.Peers(), maxPeers)

	// A full server rejects regardless of token.
	good := f.tr.RequestConnection("10.0.0.50:5000", testToken, "")
	bad := f.tr.RequestConnection("10.0.0.51:5000", "wrong", "")
	f.server.Poll()
	require.True(t, good.Rejected)
	require.True(t, bad.Rejected)

	stats := f.server.Stats()
	require.Equal(t, uint64(maxPeers), stats.Accepted)
	require.Equal(t, uint64(2), stats.RejectedCapacity)
	require.Zero(t, stats.RejectedToken)
	require.Equal(t, maxPeers, stats.Active)
}

func TestServerAdmissionWithinSinglePoll(t *testing.T) {
	f := newServerFixture(t, 3)

	var reqs []*transporttest.Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, f.tr.RequestConnection(fmt.Sprintf("10.0.0.%d:5000", 10+i), testToken, ""))
	}
	f.server.Poll()

	accepted := 0
	for _, req := range reqs {
		if req.Accepted {
			accepted++
		}
	}
	require.Equal(t, 3, accepted)
	require.True(t, reqs[3].Rejected)
	require.True(t, reqs[4].Rejected)
	require.Equal(t, 3, f.server.Stats().Active)
}

func TestServerRejectsBadToken(t *testing.T) {
	f := newServerFixture(t, 10)

	for _, token := range []string{"", "wrong", testToken + "x", "someconnectionkey"} {
		req := f.tr.RequestConnection("10.0.0.20:5000", token, "")
		f.server.Poll()
		require.True(t, req.Rejected, "token %q", token)
	}
	require.Equal(t, uint64(4), f.server.Stats().RejectedToken)
	require.Empty(t, f.server.Peers())
}

func TestServerDisconnectFreesSlot(t *testing.T) {
	f := newServerFixture(t, 1)
	p := f.admit(t, "10.0.0.10:5000")

	req := f.tr.RequestConnection("10.0.0.11:5000", testToken, "")
	f.server.Poll()
	require.True(t, req.Rejected)

	f.tr.DeliverDisconnected(p, transport.DisconnectReasonRemoteConnectionClose)
	f.server.Poll()
	require.Len(t, f.events.disconnected, 1)
	require.Zero(t, f.server.Stats().Active)

	f.admit(t, "10.0.0.11:5000")
	require.Len(t, f.server.Peers(), 1)
}

func TestServerAnswersPing(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")

	f.tr.DeliverMessage(p, protocol.Ping)
	f.server.Poll()

	require.Equal(t, []string{protocol.Pong}, p.Sent)
	require.Empty(t, f.events.messages)
}

func TestServerDropsStrayPong(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")

	f.tr.DeliverMessage(p, protocol.Pong)
	f.tr.DeliverMessage(p, "hello world")
	f.server.Poll()

	require.Empty(t, p.Sent)
	require.Len(t, f.events.messages, 1)
	require.Equal(t, "hello world", f.events.messages[0].text)
	require.Len(t, f.server.Peers(), 1)
}

func TestServerForwardsMessages(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")

	f.tr.DeliverMessage(p, "hello world")
	f.tr.DeliverMessage(p, "ping!")
	f.server.Poll()

	require.Len(t, f.events.messages, 2)
	require.Equal(t, "hello world", f.events.messages[0].text)
	require.Equal(t, "ping!", f.events.messages[1].text)
	require.Equal(t, "10.0.0.10:5000", f.events.messages[0].peer.RemoteAddr.String())
	require.Empty(t, p.Sent)
}

func TestServerPeerObserver(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")

	require.Len(t, f.events.connected, 1)
	sess := f.events.connected[0]
	require.True(t, sess.Connected())
	require.NotEmpty(t, sess.ID)

	f.tr.DeliverDisconnected(p, transport.DisconnectReasonTimeout)
	f.server.Poll()
	require.Equal(t, []*PeerSession{sess}, f.events.disconnected)

	// A second notification for the same peer is not reported.
	f.tr.DeliverDisconnected(p, transport.DisconnectReasonTimeout)
	f.server.Poll()
	require.Len(t, f.events.disconnected, 1)
}

func TestServerDropsUnadmittedPeer(t *testing.T) {
	f := newServerFixture(t, 10)
	stray := transporttest.NewPeer("10.0.0.99:5000")

	f.tr.DeliverConnected(stray)
	f.tr.DeliverMessage(stray, "hello")
	f.server.Poll()

	require.True(t, stray.Disconnected)
	require.Empty(t, f.events.messages)
	require.Empty(t, f.events.connected)
}

func TestServerSendToAll(t *testing.T) {
	f := newServerFixture(t, 10)
	a := f.admit(t, "10.0.0.10:5000")
	b := f.admit(t, "10.0.0.11:5000")

	// Admitted but not yet connected.
	pending := f.tr.RequestConnection("10.0.0.12:5000", testToken, "")
	f.server.Poll()
	require.True(t, pending.Accepted)

	require.NoError(t, f.server.SendToAll("hello everyone"))
	require.Equal(t, []string{"hello everyone"}, a.Sent)
	require.Equal(t, []string{"hello everyone"}, b.Sent)
	require.Empty(t, pending.Peer.Sent)

	b.SendErr = errors.New("broken pipe")
	require.Error(t, f.server.SendToAll("again"))
	require.Equal(t, []string{"hello everyone", "again"}, a.Sent)

	require.ErrorIs(t, f.server.SendToAll(""), ErrEmptyMessage)
	require.ErrorIs(t, f.server.SendToAll(protocol.Pong), ErrReservedMessage)
}

func TestServerSendTo(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")
	sess := f.server.Peers()[0]

	require.NoError(t, f.server.SendTo(sess, "direct"))
	require.Equal(t, []string{"direct"}, p.Sent)

	f.tr.DeliverDisconnected(p, transport.DisconnectReasonRemoteConnectionClose)
	f.server.Poll()
	require.ErrorIs(t, f.server.SendTo(sess, "gone"), ErrUnknownPeer)
	require.ErrorIs(t, f.server.SendTo(nil, "nobody"), ErrUnknownPeer)
}

func TestServerIdleTicks(t *testing.T) {
	f := newServerFixture(t, 10)
	p := f.admit(t, "10.0.0.10:5000")
	sess := f.server.Peers()[0]

	for i := 0; i < 5; i++ {
		f.server.Poll()
	}
	require.GreaterOrEqual(t, sess.IdleTicks(), 5)

	f.tr.DeliverMessage(p, protocol.Ping)
	f.server.Poll()
	require.Zero(t, sess.IdleTicks())
}

func TestServerStop(t *testing.T) {
	f := newServerFixture(t, 10)
	a := f.admit(t, "10.0.0.10:5000")
	b := f.admit(t, "10.0.0.11:5000")

	require.NoError(t, f.server.Stop())
	require.True(t, a.Disconnected)
	require.True(t, b.Disconnected)
	require.Empty(t, f.server.Peers())
	require.False(t, f.tr.Running())
	require.False(t, f.discTr.Running())
}

func TestNewServerValidatesOptions(t *testing.T) {
	_, err := NewServer(transporttest.New(), discovery.NewServer(transporttest.New(), discovery.ServerOptions{}), nil, ServerOptions{MaxPeers: 0})
	require.Error(t, err)
}
