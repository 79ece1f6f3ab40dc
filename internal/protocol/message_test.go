package protocol

import (
	"errors"
	"net/netip"
	"testing"
)

func TestParseAck(t *testing.T) {
	addr, err := ParseAck("ACK:10.0.0.5:23456")
	if err != nil {
		t.Fatalf("ParseAck failed: %v", err)
	}
	want := netip.MustParseAddrPort("10.0.0.5:23456")
	if addr != want {
		t.Fatalf("Wrong address: got %s, want %s", addr, want)
	}
}

func TestParseAckRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"ACK",
		"ACK:",
		"NAK:10.0.0.5:23456",
		"ACK:10.0.0.5",
		"ACK:10.0.0.5:notaport",
		"ACK:10.0.0.5:70000",
		"ACK:10.0.0.5:0",
		"ACK:not.an.ip:23456",
		"ACK:[::1]:23456",
	}
	for _, payload := range cases {
		if _, err := ParseAck(payload); !errors.Is(err, ErrMalformedAck) {
			t.Errorf("ParseAck(%q): expected ErrMalformedAck, got %v", payload, err)
		}
	}
}

func TestFormatAckRoundTrip(t *testing.T) {
	addr := netip.MustParseAddrPort("192.168.1.20:9000")
	payload := FormatAck(addr)
	if payload != "ACK:192.168.1.20:9000" {
		t.Fatalf("Wrong payload: %s", payload)
	}
	parsed, err := ParseAck(payload)
	if err != nil {
		t.Fatalf("ParseAck failed: %v", err)
	}
	if parsed != addr {
		t.Fatalf("Round trip mismatch: %s != %s", parsed, addr)
	}
}

func TestMarkers(t *testing.T) {
	if !IsProbe("CLIENT_DISCOVERY") {
		t.Fatal("probe marker not recognised")
	}
	if IsProbe("HELLO") {
		t.Fatal("unexpected probe match")
	}
	if !IsHeartbeat("PING!") || !IsHeartbeat("PONG!") {
		t.Fatal("heartbeat markers not recognised")
	}
	if IsHeartbeat("PING") || IsHeartbeat("ping!") || IsHeartbeat(" PING!") {
		t.Fatal("heartbeat match must be exact")
	}
}
