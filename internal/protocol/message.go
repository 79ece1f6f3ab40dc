// Package protocol defines the text payloads exchanged between lanlink peers
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

const (
	// DiscoveryProbe is broadcast by clients looking for a server
	DiscoveryProbe = "CLIENT_DISCOVERY"
	// AckPrefix starts every discovery acknowledgment: ACK:<ipv4>:<port>
	AckPrefix = "ACK:"
	// Ping is sent by a connected client to signal liveness
	Ping = "PING!"
	// Pong is the server's reply to Ping
	Pong = "PONG!"
)

// ErrMalformedAck is returned for acknowledgments that cannot be parsed
var ErrMalformedAck = errors.New("malformed discovery acknowledgment")

// IsProbe reports whether payload carries the discovery probe marker
func IsProbe(payload string) bool {
	return strings.HasPrefix(payload, DiscoveryProbe)
}

// IsAck reports whether payload carries the acknowledgment marker
func IsAck(payload string) bool {
	return strings.HasPrefix(payload, AckPrefix)
}

// IsHeartbeat reports whether payload is one of the reserved heartbeat markers
func IsHeartbeat(payload string) bool {
	return payload == Ping || payload == Pong
}

// FormatAck encodes a session server address as an acknowledgment payload
func FormatAck(addr netip.AddrPort) string {
	return fmt.Sprintf("%s%s:%d", AckPrefix, addr.Addr().Unmap(), addr.Port())
}

// ParseAck decodes an acknowledgment payload into the advertised server address.
// Only IPv4 addresses and non-zero ports are accepted.
func ParseAck(payload string) (netip.AddrPort, error) {
	rest, ok := strings.CutPrefix(payload, AckPrefix)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedAck, AckPrefix)
	}

	addr, err := netip.ParseAddrPort(strings.TrimSpace(rest))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}
	if !addr.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrMalformedAck, addr.Addr())
	}
	if addr.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: port must be non-zero", ErrMalformedAck)
	}
	return addr, nil
}
