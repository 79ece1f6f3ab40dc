package session

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/lanlink/lanlink/internal/transport"
)

// PeerSession is one admitted client connection
type PeerSession struct {
	// ID is assigned by the server when the connection request is accepted
	ID string
	// Identity is the identity the client presented, if any
	Identity   string
	RemoteAddr net.Addr
	Peer       transport.Peer
	AcceptedAt time.Time
	// ConnectedAt is zero until the transport reports the connection established
	ConnectedAt time.Time

	seq       uint64
	idleTicks int
}

// Connected reports whether the transport finished establishing the connection
func (s *PeerSession) Connected() bool {
	return !s.ConnectedAt.IsZero()
}

// IdleTicks is the number of polls since the last inbound message
func (s *PeerSession) IdleTicks() int {
	return s.idleTicks
}

func (s *PeerSession) String() string {
	return fmt.Sprintf("%s (%s)", s.RemoteAddr, s.ID[:8])
}

// peerSet holds the admitted sessions keyed by transport peer id
type peerSet struct {
	byPeer map[string]*PeerSession
	seq    uint64
}

func newPeerSet() *peerSet {
	return &peerSet{byPeer: make(map[string]*PeerSession)}
}

func (ps *peerSet) add(s *PeerSession) {
	ps.seq++
	s.seq = ps.seq
	ps.byPeer[s.Peer.ID()] = s
}

func (ps *peerSet) get(p transport.Peer) *PeerSession {
	if p == nil {
		return nil
	}
	return ps.byPeer[p.ID()]
}

// contains reports whether s is the admitted session for its peer
func (ps *peerSet) contains(s *PeerSession) bool {
	return s != nil && s.Peer != nil && ps.byPeer[s.Peer.ID()] == s
}

func (ps *peerSet) remove(p transport.Peer) *PeerSession {
	s := ps.get(p)
	if s != nil {
		delete(ps.byPeer, p.ID())
	}
	return s
}

func (ps *peerSet) count() int {
	return len(ps.byPeer)
}

// list returns the sessions in admission order
func (ps *peerSet) list() []*PeerSession {
	sessions := make([]*PeerSession, 0, len(ps.byPeer))
	for _, s := range ps.byPeer {
		sessions = append(sessions, s)
	}
	slices.SortFunc(sessions, func(a, b *PeerSession) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return sessions
}

func (ps *peerSet) tick() {
	for _, s := range ps.byPeer {
		s.idleTicks++
	}
}

func (ps *peerSet) drain() []*PeerSession {
	sessions := ps.list()
	clear(ps.byPeer)
	return sessions
}
