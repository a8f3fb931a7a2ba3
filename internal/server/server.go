// Package server implements the stream-ingress side of the tunnel: it
// accepts TCP connections, optionally runs the WebSocket upgrade on them
// and relays between connected peers and the upstream UDP destination.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/TKFRvisionOfficial/zia/internal/logging"
	"github.com/TKFRvisionOfficial/zia/internal/metrics"
	"github.com/TKFRvisionOfficial/zia/internal/relay"
	"github.com/TKFRvisionOfficial/zia/internal/upgrade"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

// Mode selects how accepted TCP streams are interpreted.
type Mode uint8

const (
	// ModeWebSocket runs the upgrade handshake and frames datagrams.
	ModeWebSocket Mode = iota
	// ModeRaw passes bytes through without framing, one datagram per read.
	ModeRaw
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "ws":
		return ModeWebSocket, nil
	case "raw":
		return ModeRaw, nil
	default:
		return 0, fmt.Errorf("server: unknown listener mode: %s", s)
	}
}

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeWebSocket:
		return "ws"
	case ModeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Config holds server settings.
type Config struct {
	// Address is the TCP listen address.
	Address string

	// Upstream is the UDP destination every tunnelled datagram goes to.
	Upstream string

	// Mode selects framed or raw ingress.
	Mode Mode

	// MaxPayload bounds inbound frame payloads in WebSocket mode.
	MaxPayload int

	// RateLimit caps upstream-bound throughput in bytes per second.
	// Zero disables limiting.
	RateLimit int64

	Logger *slog.Logger
}

// Server accepts tunnel peers and relays their datagrams to upstream.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Default(),
	}
}

// Address returns the bound TCP address, or nil before Run has bound the
// listener. Safe to call from other goroutines.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds the listener and serves until ctx is cancelled or the relay
// pipeline fails. It blocks for the server's whole lifetime.
func (s *Server) Run(ctx context.Context) error {
	upstreamAddr, err := resolveUDP(s.cfg.Upstream)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.logger.Info("server started",
		slog.String(logging.KeyListenAddr, listener.Addr().String()),
		slog.String(logging.KeyUpstream, s.cfg.Upstream),
		slog.String(logging.KeyMode, s.cfg.Mode.String()))

	switch s.cfg.Mode {
	case ModeRaw:
		return s.runRaw(ctx, listener, upstreamAddr)
	default:
		return s.runWebSocket(ctx, listener, upstreamAddr)
	}
}

// runWebSocket serves framed peers over a shared relay: one UDP socket
// toward upstream, a write pool spreading replies across peer connections
// and a read pool draining every peer into the socket.
func (s *Server) runWebSocket(ctx context.Context, listener net.Listener, upstreamAddr netip.AddrPort) error {
	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("server: bind relay socket: %w", err)
	}
	defer socket.Close()

	tracker := relay.NewSeededTracker(upstreamAddr)
	writePool := relay.NewWritePool(socket, tracker, s.logger, relay.WritePoolConfig{
		RateLimit: s.cfg.RateLimit,
	})
	readPool := relay.NewReadPool(socket, tracker, s.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- writePool.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Debug("accept error",
					slog.String(logging.KeyError, err.Error()))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleWebSocket(ctx, conn, writePool, readPool)
			}()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-relayErr:
		runErr = err
	}

	cancel()
	listener.Close()
	socket.Close()
	s.wg.Wait()
	readPool.Wait()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// handleWebSocket upgrades one TCP peer and wires it into the shared
// relay. It returns when the peer's inbound pump ends.
func (s *Server) handleWebSocket(ctx context.Context, conn net.Conn, writePool *relay.WritePool, readPool *relay.ReadPool) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	stream, err := upgrade.Accept(conn)
	if err != nil {
		s.metrics.HandshakeErrors.Inc()
		s.logger.Warn("handshake failed",
			slog.String(logging.KeyRemoteAddr, remote),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	conn.SetDeadline(time.Time{})

	s.logger.Info("peer connected",
		slog.String(logging.KeyRemoteAddr, remote))
	s.metrics.RecordConnect("inbound")
	defer s.metrics.RecordDisconnect()

	// Unblock the pump's stream read when the server shuts down.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	wsConn := ws.NewServerConn(stream, s.cfg.MaxPayload)
	writePool.Push(relay.NewWriteConn(wsConn))
	readPool.Pump(ctx, wsConn)

	s.logger.Info("peer disconnected",
		slog.String(logging.KeyRemoteAddr, remote))
}

// runRaw serves unframed peers. Each connection gets its own UDP socket
// toward upstream and a bidirectional byte relay, one datagram per read.
func (s *Server) runRaw(ctx context.Context, listener net.Listener, upstreamAddr netip.AddrPort) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Debug("accept error",
					slog.String(logging.KeyError, err.Error()))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleRaw(ctx, conn, upstreamAddr)
			}()
		}
	}()

	<-ctx.Done()
	listener.Close()
	s.wg.Wait()
	return nil
}

// handleRaw passes bytes between one TCP peer and upstream without any
// framing. A single TCP read becomes a single datagram.
func (s *Server) handleRaw(ctx context.Context, conn net.Conn, upstreamAddr netip.AddrPort) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()

	socket, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(upstreamAddr))
	if err != nil {
		s.logger.Error("upstream dial failed",
			slog.String(logging.KeyRemoteAddr, remote),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	defer socket.Close()

	s.logger.Info("raw peer connected",
		slog.String(logging.KeyRemoteAddr, remote))
	s.metrics.RecordConnect("inbound")
	defer s.metrics.RecordDisconnect()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
		socket.Close()
	}()
	defer close(stop)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer socket.Close()
		buf := make([]byte, relay.MaxDatagramSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := socket.Write(buf[:n]); werr != nil {
					return
				}
				s.metrics.DatagramsForwarded.Inc()
				s.metrics.BytesForwarded.Add(float64(n))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("raw read failed",
						slog.String(logging.KeyRemoteAddr, remote),
						slog.String(logging.KeyError, err.Error()))
				}
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer conn.Close()
		buf := make([]byte, relay.MaxDatagramSize)
		for {
			n, err := socket.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
				s.metrics.DatagramsReturned.Inc()
				s.metrics.BytesReturned.Add(float64(n))
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()

	s.logger.Info("raw peer disconnected",
		slog.String(logging.KeyRemoteAddr, remote))
}

// resolveUDP turns host:port into a concrete UDP address.
func resolveUDP(hostPort string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("server: resolve upstream %s: %w", hostPort, err)
	}
	addrPort := addr.AddrPort()
	if !addrPort.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("server: invalid upstream address: %s", hostPort)
	}
	return addrPort, nil
}
