// Package transport is the network collaborator used by the discovery and session
// state machines. A Manager owns sockets and background readers, queues every
// network event, and hands them to a Listener only when PollEvents is called, so
// callers observe the network from a single goroutine.
package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotRunning is returned when a Manager is used before Start or after Stop
	ErrNotRunning = errors.New("transport not running")
	// ErrNotConnected is returned when sending on a peer without an established connection
	ErrNotConnected = errors.New("peer not connected")
	// ErrAlreadyDecided is returned when a connection request is accepted or rejected twice
	ErrAlreadyDecided = errors.New("connection request already decided")
)

// Manager is the transport contract: listening, reliable peer connections and
// connectionless datagrams, with events delivered synchronously from PollEvents.
type Manager interface {
	// Start binds the configured sockets. A nil bindIP listens on all interfaces
	// and port 0 picks an ephemeral port.
	Start(bindIP net.IP, port int) error
	// Stop closes every socket and peer. Pending events are discarded.
	Stop() error
	// Running reports whether the manager is started
	Running() bool
	// LocalPort returns the bound port, or 0 when nothing is bound
	LocalPort() int
	// Connect opens a reliable ordered connection to addr presenting token. It
	// returns immediately; the outcome arrives as OnPeerConnected or
	// OnPeerDisconnected.
	Connect(addr string, token string) (Peer, error)
	// SendUnconnected sends a single datagram to addr
	SendUnconnected(addr *net.UDPAddr, payload []byte) error
	// Broadcast sends a single datagram to the IPv4 broadcast address on port
	Broadcast(port int, payload []byte) error
	// PollEvents dispatches queued events to l in arrival order
	PollEvents(l Listener)
}

// Peer is a reliable ordered connection handle
type Peer interface {
	// ID uniquely identifies the connection for the lifetime of the manager
	ID() string
	// RemoteAddr is the address of the other side
	RemoteAddr() net.Addr
	// Identity is the self-reported identity of the remote client, if any
	Identity() string
	// Send delivers payload reliably and in order
	Send(payload []byte) error
	// Disconnect closes the connection; OnPeerDisconnected follows
	Disconnect() error
}

// ConnectionRequest is an inbound session request awaiting a decision
type ConnectionRequest interface {
	RemoteAddr() net.Addr
	// Token is the pre-authorization token presented by the client
	Token() string
	// Identity is the self-reported identity of the client, if any
	Identity() string
	// Accept admits the request and returns the peer handle for the connection
	Accept() (Peer, error)
	// Reject refuses the request
	Reject() error
}

// Listener receives transport events. Every method must be implemented; events a
// listener has no use for are explicit no-ops.
type Listener interface {
	OnPeerConnected(p Peer)
	OnPeerDisconnected(p Peer, info DisconnectInfo)
	OnNetworkReceive(p Peer, payload []byte)
	OnNetworkReceiveUnconnected(addr *net.UDPAddr, payload []byte)
	OnNetworkError(addr net.Addr, err error)
	OnConnectionRequest(req ConnectionRequest)
}

// DisconnectReason explains why a peer connection ended
type DisconnectReason int

const (
	DisconnectReasonConnectionFailed DisconnectReason = iota
	DisconnectReasonConnectionRejected
	DisconnectReasonRemoteConnectionClose
	DisconnectReasonDisconnectPeerCalled
	DisconnectReasonTimeout
	DisconnectReasonNetworkError
	DisconnectReasonManagerStopped
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonConnectionFailed:
		return "connection failed"
	case DisconnectReasonConnectionRejected:
		return "connection rejected"
	case DisconnectReasonRemoteConnectionClose:
		return "remote connection close"
	case DisconnectReasonDisconnectPeerCalled:
		return "disconnect peer called"
	case DisconnectReasonTimeout:
		return "timeout"
	case DisconnectReasonNetworkError:
		return "network error"
	case DisconnectReasonManagerStopped:
		return "manager stopped"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// DisconnectInfo accompanies OnPeerDisconnected
type DisconnectInfo struct {
	Reason DisconnectReason
	// Err is the underlying error, if one caused the disconnect
	Err error
}

func (i DisconnectInfo) String() string {
	if i.Err != nil {
		return fmt.Sprintf("%s: %v", i.Reason, i.Err)
	}
	return i.Reason.String()
}
