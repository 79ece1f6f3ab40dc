package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn carries a session over a websocket. Control pings keep the remote
// read deadline moving while the session is idle.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	stop    chan struct{}
	once    sync.Once
}

func newWSConn(conn *websocket.Conn, timeout time.Duration) *wsConn {
	c := &wsConn{conn: conn, timeout: timeout, stop: make(chan struct{})}
	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	go c.keepalive()
	return c
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) Send(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Recv() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close(graceful bool) error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (m *NetManager) dialWebsocket(ctx context.Context, addr, token string) (sessionConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: SessionPath}
	header := http.Header{}
	header.Set(TokenHeader, token)
	if m.opts.Identity != "" {
		header.Set(IdentityHeader, m.opts.Identity)
	}
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %w", errRejected, err)
		}
		return nil, err
	}
	return newWSConn(conn, m.opts.PeerTimeout), nil
}

func (m *NetManager) serveHTTP(server *http.Server, ln net.Listener) {
	defer m.wg.Done()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("session listener failed", zap.Error(err))
	}
}

// handleSession turns an upgrade request into a ConnectionRequest event and
// upgrades once the poller accepts it.
func (m *NetManager) handleSession(w http.ResponseWriter, r *http.Request) {
	p, err := m.admit(parseAddr(r.RemoteAddr), r.Header.Get(TokenHeader), r.Header.Get(IdentityHeader))
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if p == nil {
		http.Error(w, "connection rejected", http.StatusForbidden)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.finish(DisconnectInfo{Reason: DisconnectReasonConnectionFailed, Err: err})
		return
	}
	p.establish(newWSConn(conn, m.opts.PeerTimeout))
}
