// Package transport ships recovery protocol events between task peers
// over gRPC. Events keep their canonical byte form end to end: the
// connection uses a passthrough codec carrying the frames produced by the
// events package, so the bytes a peer receives are exactly the bytes the
// sender encoded.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/otterstream/causal-recovery/internal/events"
)

const (
	serviceName    = "causalrecovery.EventService"
	sendMethod     = "/" + serviceName + "/Send"
	requestTimeout = 5 * time.Second
)

// ============================================================================
// Raw codec
// ============================================================================

// rawCodec passes event frames through untouched. Both ends must agree on
// it; the server is created with ForceServerCodec and the client invokes
// with ForceCodec.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("transport: raw codec cannot marshal %T", v)
	}
	return *frame, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: raw codec cannot unmarshal into %T", v)
	}
	*frame = data
	return nil
}

func (rawCodec) Name() string { return "causal-raw" }

// ============================================================================
// Server
// ============================================================================

// EventHandler processes one received event and optionally returns a
// response event (nil means an empty ack).
type EventHandler func(ev events.Event) (events.Event, error)

// Server receives event frames from peers and dispatches them to the
// handler.
type Server struct {
	logger     *slog.Logger
	handler    EventHandler
	grpcServer *grpc.Server
}

// NewServer creates a server dispatching to handler.
func NewServer(handler EventHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:     logger,
		handler:    handler,
		grpcServer: grpc.NewServer(grpc.ForceServerCodec(rawCodec{})),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks serving connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("event transport listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*eventService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Metadata: "causalrecovery/events",
}

// eventService only anchors the service descriptor's handler type.
type eventService interface{}

func sendHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var frame []byte
	if err := dec(&frame); err != nil {
		return nil, err
	}
	server := srv.(*Server)

	ev, err := events.Unmarshal(frame)
	if err != nil {
		return nil, err
	}
	server.logger.Debug("received event", "event", fmt.Sprintf("%v", ev))

	resp, err := server.handler(ev)
	if err != nil {
		return nil, err
	}
	var out []byte
	if resp != nil {
		if out, err = events.Marshal(resp); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// ============================================================================
// Client
// ============================================================================

// Client sends events to peers, caching one connection per address so
// repeated sends do not redial.
type Client struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates an empty client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial peer %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Send delivers an event to the peer at addr and returns its response
// event, or nil on an empty ack.
func (c *Client) Send(ctx context.Context, addr string, ev events.Event) (events.Event, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	frame, err := events.Marshal(ev)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var respFrame []byte
	if err := conn.Invoke(ctx, sendMethod, &frame, &respFrame, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	if len(respFrame) == 0 {
		return nil, nil
	}
	return events.Unmarshal(respFrame)
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Warn("failed to close peer connection", "addr", addr, "err", err)
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
}
