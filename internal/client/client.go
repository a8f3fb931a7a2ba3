// Package client implements the UDP-ingress side of the tunnel: it binds a
// local UDP socket, establishes a pool of upstream WebSocket connections
// and relays datagrams in both directions.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/TKFRvisionOfficial/zia/internal/logging"
	"github.com/TKFRvisionOfficial/zia/internal/relay"
	"github.com/TKFRvisionOfficial/zia/internal/upstream"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

// Config holds client settings.
type Config struct {
	// Listen is the local UDP bind address.
	Listen string

	// Upstream is the ws:// or wss:// tunnel endpoint.
	Upstream string

	// Proxy is an optional http://, https:// or socks5:// locator.
	Proxy string

	// ProxyUsername and ProxyPassword authenticate against the proxy.
	ProxyUsername string
	ProxyPassword string

	// TLSConfig overrides the wss:// client configuration.
	TLSConfig *tls.Config

	// PoolSize is the number of upstream connections to establish.
	PoolSize int

	// Masking controls outbound frame masking.
	Masking bool

	// MaxPayload bounds inbound frame payloads.
	MaxPayload int

	// RateLimit caps upstream-bound throughput in bytes per second.
	// Zero disables limiting.
	RateLimit int64

	Logger *slog.Logger
}

// Client relays local datagrams through the upstream connection pool.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	socket *net.UDPConn
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// Address returns the bound UDP address, or nil before Run has bound the
// socket. Safe to call from other goroutines.
func (c *Client) Address() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return nil
	}
	return c.socket.LocalAddr()
}

// Run binds the UDP socket, dials the upstream pool and relays until ctx
// is cancelled or the pipeline fails. It blocks for the client's whole
// lifetime.
func (c *Client) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("client: resolve listen address %s: %w", c.cfg.Listen, err)
	}
	socket, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("client: bind %s: %w", c.cfg.Listen, err)
	}
	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()
	defer socket.Close()

	dialer := &upstream.Dialer{
		URL:           c.cfg.Upstream,
		Proxy:         c.cfg.Proxy,
		ProxyUsername: c.cfg.ProxyUsername,
		ProxyPassword: c.cfg.ProxyPassword,
		TLSConfig:     c.cfg.TLSConfig,
		MaxPayload:    c.cfg.MaxPayload,
		Masking:       c.cfg.Masking,
		Logger:        c.logger,
	}

	c.logger.Info("connecting upstream",
		slog.String(logging.KeyUpstream, c.cfg.Upstream),
		slog.Int(logging.KeyCount, c.cfg.PoolSize))
	conns, err := dialer.Connect(ctx, c.cfg.PoolSize)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := relay.NewAddrTracker()
	writePool := relay.NewWritePool(socket, tracker, c.logger, relay.WritePoolConfig{
		RateLimit: c.cfg.RateLimit,
	})
	readPool := relay.NewReadPool(socket, tracker, c.logger)

	for _, conn := range conns {
		writePool.Push(relay.NewWriteConn(conn))
		readPool.Serve(ctx, conn)
	}

	c.logger.Info("client started",
		slog.String(logging.KeyListenAddr, socket.LocalAddr().String()),
		slog.String(logging.KeyUpstream, c.cfg.Upstream))

	runErr := writePool.Run(ctx)

	// Announce shutdown on connections that are still live, then unblock
	// their pumps by closing the underlying streams.
	for _, conn := range conns {
		if !conn.IsClosed() {
			conn.SendClose(ws.CloseGoingAway, "client shutting down")
		}
		conn.Close()
	}
	cancel()
	socket.Close()
	readPool.Wait()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
