package transport

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// readUnconnected receives datagrams until the socket is closed
func (m *NetManager) readUnconnected(gen uint64, conn *net.UDPConn) {
	defer m.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !m.current(gen) {
				return
			}
			m.push(gen, event{kind: eventNetworkError, addr: conn.LocalAddr(), err: err})
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		m.push(gen, event{kind: eventReceiveUnconnected, udpAddr: addr, payload: payload})
	}
}

// SendUnconnected sends payload as a single datagram to addr
func (m *NetManager) SendUnconnected(addr *net.UDPAddr, payload []byte) error {
	return m.writeDatagram(addr, payload)
}

// Broadcast sends payload to 255.255.255.255 on port
func (m *NetManager) Broadcast(port int, payload []byte) error {
	return m.writeDatagram(&net.UDPAddr{IP: net.IPv4bcast, Port: port}, payload)
}

func (m *NetManager) writeDatagram(addr *net.UDPAddr, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), MaxDatagramSize)
	}

	m.mu.Lock()
	conn, gen := m.udp, m.gen
	m.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}

	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		m.logger.Debug("datagram send failed", zap.Stringer("to", addr), zap.Error(err))
		m.push(gen, event{kind: eventNetworkError, addr: addr, err: err})
		return fmt.Errorf("failed to send datagram to %s: %w", addr, err)
	}
	return nil
}
