package discovery

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlink/internal/protocol"
	"github.com/lanlink/lanlink/internal/transport/transporttest"
)

const testPort = 9050

type foundRecorder struct {
	found []netip.AddrPort
}

func (r *foundRecorder) OnServerFound(addr netip.AddrPort) {
	r.found = append(r.found, addr)
}

func newTestClient(t *testing.T, retryTicks int) (*Client, *transporttest.Manager, *foundRecorder) {
	t.Helper()
	tr := transporttest.New()
	c, err := NewClient(tr, ClientOptions{Port: testPort, RetryTicks: retryTicks})
	require.NoError(t, err)
	rec := &foundRecorder{}
	c.SetHandler(rec)
	require.NoError(t, c.Start())
	return c, tr, rec
}

func pollN(c *Client, n int) {
	for i := 0; i < n; i++ {
		c.Poll()
	}
}

func TestClientProbesEveryRetryTicks(t *testing.T) {
	for _, ticks := range []int{1, 2, 7, 100} {
		c, tr, _ := newTestClient(t, ticks)

		pollN(c, ticks-1)
		if len(tr.Broadcasts) != 0 {
			t.Fatalf("ticks=%d: probe sent after %d polls", ticks, ticks-1)
		}

		for cycle := 1; cycle <= 5; cycle++ {
			c.Poll()
			if len(tr.Broadcasts) != cycle {
				t.Fatalf("ticks=%d: expected %d probes, got %d", ticks, cycle, len(tr.Broadcasts))
			}
			pollN(c, ticks-1)
			if len(tr.Broadcasts) != cycle {
				t.Fatalf("ticks=%d: probe sent early in cycle %d", ticks, cycle)
			}
		}

		for _, d := range tr.Broadcasts {
			require.Equal(t, protocol.DiscoveryProbe, d.Payload)
			require.Equal(t, testPort, d.Addr.Port)
			require.True(t, d.Addr.IP.Equal(net.IPv4bcast))
		}
		require.Equal(t, uint64(5), c.PacketsSent())
	}
}

func TestClientFindsServer(t *testing.T) {
	c, tr, rec := newTestClient(t, 100)

	pollN(c, 100)
	require.Len(t, tr.Broadcasts, 1)

	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:10.0.0.5:23456")
	c.Poll()

	want := netip.MustParseAddrPort("10.0.0.5:23456")
	require.Equal(t, []netip.AddrPort{want}, rec.found)
	require.Equal(t, StateFound, c.State())
	addr, ok := c.ServerAddress()
	require.True(t, ok)
	require.Equal(t, want, addr)
	require.Equal(t, uint64(1), c.PacketsReceived())

	// Found releases the socket and stops probing.
	require.False(t, tr.Running())
	pollN(c, 1000)
	require.Len(t, tr.Broadcasts, 1)
}

func TestClientIgnoresDuplicateAcks(t *testing.T) {
	c, tr, rec := newTestClient(t, 10)

	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:10.0.0.5:23456")
	tr.DeliverUnconnected("10.0.0.6:9050", "ACK:10.0.0.6:23456")
	c.Poll()
	require.Len(t, rec.found, 1)

	// Anything arriving while Found leaves the state untouched.
	for _, payload := range []string{"ACK:10.0.0.7:1", "ACK:garbage", "HELLO"} {
		c.OnNetworkReceiveUnconnected(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: testPort}, []byte(payload))
	}
	require.Len(t, rec.found, 1)
	addr, ok := c.ServerAddress()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddrPort("10.0.0.5:23456"), addr)
	require.Equal(t, uint64(1), c.PacketsReceived())
}

func TestClientDiscardsMalformedAcks(t *testing.T) {
	c, tr, rec := newTestClient(t, 5)

	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:10.0.0.5")
	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:banana:split")
	tr.DeliverUnconnected("10.0.0.5:9050", "CLIENT_DISCOVERY")
	pollN(c, 5)

	require.Empty(t, rec.found)
	require.Equal(t, StateSearching, c.State())
	_, ok := c.ServerAddress()
	require.False(t, ok)
	require.Len(t, tr.Broadcasts, 1)
}

func TestClientSubstitutesUnspecifiedAddress(t *testing.T) {
	c, tr, rec := newTestClient(t, 5)

	tr.DeliverUnconnected("192.168.1.40:9050", "ACK:0.0.0.0:23456")
	c.Poll()

	require.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.168.1.40:23456")}, rec.found)
}

func TestClientResetRestartsSearch(t *testing.T) {
	c, tr, rec := newTestClient(t, 4)

	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:10.0.0.5:23456")
	c.Poll()
	require.Equal(t, StateFound, c.State())

	c.Reset()
	require.Equal(t, StateSearching, c.State())
	_, ok := c.ServerAddress()
	require.False(t, ok)
	require.True(t, tr.Running())
	require.Equal(t, 2, tr.Starts)

	sent := len(tr.Broadcasts)
	pollN(c, 3)
	require.Len(t, tr.Broadcasts, sent)
	c.Poll()
	require.Len(t, tr.Broadcasts, sent+1)

	// A new cycle can find a server again.
	tr.DeliverUnconnected("10.0.0.9:9050", "ACK:10.0.0.9:23456")
	c.Poll()
	require.Len(t, rec.found, 2)
	require.Equal(t, netip.MustParseAddrPort("10.0.0.9:23456"), rec.found[1])
}

func TestClientResetRetriesFailedReopen(t *testing.T) {
	c, tr, _ := newTestClient(t, 3)

	tr.DeliverUnconnected("10.0.0.5:9050", "ACK:10.0.0.5:23456")
	c.Poll()

	tr.StartErr = errors.New("address in use")
	c.Reset()
	require.False(t, tr.Running())
	require.Equal(t, StateSearching, c.State())

	pollN(c, 3)
	require.Empty(t, tr.Broadcasts)

	tr.StartErr = nil
	pollN(c, 3)
	require.True(t, tr.Running())
	require.Len(t, tr.Broadcasts, 1)
}

func TestClientRejectsConnections(t *testing.T) {
	c, tr, _ := newTestClient(t, 3)

	req := tr.RequestConnection("10.0.0.8:5000", "SomeConnectionKey", "")
	c.Poll()
	require.True(t, req.Rejected)
	require.False(t, req.Accepted)
}

func TestClientStartFailure(t *testing.T) {
	tr := transporttest.New()
	tr.StartErr = errors.New("no sockets")
	c, err := NewClient(tr, ClientOptions{Port: testPort, RetryTicks: 1})
	require.NoError(t, err)
	require.Error(t, c.Start())

	// A client that never started does nothing.
	c.Poll()
	require.Empty(t, tr.Broadcasts)
}

func TestNewClientValidatesOptions(t *testing.T) {
	_, err := NewClient(transporttest.New(), ClientOptions{Port: 0, RetryTicks: 1})
	require.Error(t, err)
	_, err = NewClient(transporttest.New(), ClientOptions{Port: 70000, RetryTicks: 1})
	require.Error(t, err)
	_, err = NewClient(transporttest.New(), ClientOptions{Port: testPort, RetryTicks: 0})
	require.Error(t, err)
}
