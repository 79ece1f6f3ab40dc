package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	grpcpeer "google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// SessionMethod is the full name of the bidirectional session stream
	SessionMethod = "/lanlink.Session/Stream"

	// Metadata keys are the lowercase forms of the websocket headers.
	tokenKey    = "x-lanlink-token"
	identityKey = "x-lanlink-identity"
	// acceptedKey is sent in the response header once the poller admits the stream
	acceptedKey = "x-lanlink-accepted"
)

// streamHandler is implemented by NetManager to serve session streams
type streamHandler interface {
	handleStream(stream grpc.ServerStream) error
}

// sessionServiceDesc declares the session service by hand. Every message on the
// stream is a BytesValue holding one payload.
var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "lanlink.Session",
	HandlerType: (*streamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Stream",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(streamHandler).handleStream(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func (m *NetManager) newGRPCServer() *grpc.Server {
	interval := m.opts.PeerTimeout / 3
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.ConnectionTimeout(m.opts.HandshakeTimeout),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: interval, Timeout: interval}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: interval, PermitWithoutStream: true}),
	)
	server.RegisterService(&sessionServiceDesc, m)
	return server
}

func (m *NetManager) serveGRPC(server *grpc.Server, ln net.Listener) {
	defer m.wg.Done()
	if err := server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		m.logger.Error("session listener failed", zap.Error(err))
	}
}

// handleStream turns a new stream into a ConnectionRequest event. An admitted
// stream gets a response header carrying acceptedKey; a refused one ends with
// PermissionDenied before any header is sent.
func (m *NetManager) handleStream(stream grpc.ServerStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	var remote net.Addr = hostAddr("unknown")
	if pr, ok := grpcpeer.FromContext(ctx); ok && pr.Addr != nil {
		remote = pr.Addr
	}

	p, err := m.admit(remote, firstValue(md, tokenKey), firstValue(md, identityKey))
	if err != nil {
		return status.Error(codes.Unavailable, "shutting down")
	}
	if p == nil {
		return status.Error(codes.PermissionDenied, "connection rejected")
	}

	if err := stream.SendHeader(metadata.Pairs(acceptedKey, "true")); err != nil {
		p.finish(DisconnectInfo{Reason: DisconnectReasonConnectionFailed, Err: err})
		return err
	}

	conn := &serverStream{stream: stream, remote: remote, done: make(chan struct{})}
	go p.establish(conn)

	// Returning ends the stream, so wait until the peer closes it.
	<-conn.done
	if conn.graceful {
		return nil
	}
	return status.Error(codes.Unavailable, "session closed")
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// serverStream is the accepting end of a session stream. The handler
// goroutine owns the stream's lifetime and returns once done is closed.
type serverStream struct {
	stream grpc.ServerStream
	remote net.Addr

	mu       sync.Mutex
	closed   bool
	graceful bool
	done     chan struct{}
}

func (c *serverStream) RemoteAddr() net.Addr { return c.remote }

func (c *serverStream) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return c.stream.SendMsg(wrapperspb.Bytes(payload))
}

func (c *serverStream) Recv() ([]byte, error) {
	msg := &wrapperspb.BytesValue{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *serverStream) Close(graceful bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.graceful = graceful
	close(c.done)
	return nil
}

// clientStream is the dialing end of a session stream
type clientStream struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	remote net.Addr

	mu     sync.Mutex
	closed bool
}

func (c *clientStream) RemoteAddr() net.Addr { return c.remote }

func (c *clientStream) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return c.stream.SendMsg(wrapperspb.Bytes(payload))
}

func (c *clientStream) Recv() ([]byte, error) {
	msg := &wrapperspb.BytesValue{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *clientStream) Close(graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if graceful {
		c.stream.CloseSend()
	}
	c.mu.Unlock()

	c.cancel()
	return c.cc.Close()
}

// dialStream opens a session stream to addr and waits for the server's decision
func (m *NetManager) dialStream(ctx context.Context, addr, token string) (sessionConn, error) {
	// gRPC clients may not ping more often than every 10s.
	interval := max(m.opts.PeerTimeout/3, 10*time.Second)
	cc, err := grpc.NewClient("passthrough:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: interval, Timeout: interval, PermitWithoutStream: true}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}

	md := metadata.Pairs(tokenKey, token)
	if m.opts.Identity != "" {
		md.Set(identityKey, m.opts.Identity)
	}
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, md))
	timer := time.AfterFunc(m.opts.HandshakeTimeout, cancel)

	fail := func(err error) (sessionConn, error) {
		timer.Stop()
		cancel()
		cc.Close()
		return nil, err
	}

	stream, err := cc.NewStream(streamCtx, &sessionServiceDesc.Streams[0], SessionMethod)
	if err != nil {
		return fail(fmt.Errorf("failed to open session stream: %w", err))
	}

	// Header hides stream errors; a refusal surfaces from the first receive.
	header, _ := stream.Header()
	if len(header.Get(acceptedKey)) == 0 {
		err := stream.RecvMsg(&wrapperspb.BytesValue{})
		switch status.Code(err) {
		case codes.PermissionDenied, codes.ResourceExhausted:
			return fail(fmt.Errorf("%w: %w", errRejected, err))
		}
		return fail(fmt.Errorf("session stream not accepted: %w", err))
	}
	if !timer.Stop() {
		return fail(fmt.Errorf("session handshake timed out: %w", context.DeadlineExceeded))
	}

	return &clientStream{cc: cc, stream: stream, cancel: cancel, remote: parseAddr(addr)}, nil
}
