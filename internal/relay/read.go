package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/TKFRvisionOfficial/zia/internal/metrics"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

// ReadPool is the inbound counterpart of WritePool: it drains framed
// connections and re-injects decoded payloads into the UDP socket,
// targeted at the address held by the shared tracker. Each connection is
// served by its own goroutine; the socket's write side is the only thing
// they share.
type ReadPool struct {
	socket  *net.UDPConn
	tracker *AddrTracker
	log     *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewReadPool creates an inbound pump writing to socket. The tracker must
// be the same instance the write pipeline updates.
func NewReadPool(socket *net.UDPConn, tracker *AddrTracker, logger *slog.Logger) *ReadPool {
	return &ReadPool{
		socket:  socket,
		tracker: tracker,
		log:     logger,
		metrics: metrics.Default(),
	}
}

// Serve pumps conn until it closes, fails or ctx is cancelled. It returns
// immediately; the pump runs on its own goroutine.
func (p *ReadPool) Serve(ctx context.Context, conn *ws.Conn) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Pump(ctx, conn)
	}()
}

// Wait blocks until every pump started by Serve has finished.
func (p *ReadPool) Wait() {
	p.wg.Wait()
}

// Pump drains conn synchronously until it closes, fails or ctx is
// cancelled. Callers that need to act when a connection's pump ends run
// this directly instead of Serve.
func (p *ReadPool) Pump(ctx context.Context, conn *ws.Conn) {
	for ctx.Err() == nil {
		ev, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, ws.ErrReadAfterClose) {
				p.log.Error("framed connection failed",
					slog.String("error", err.Error()))
			}
			return
		}

		switch ev := ev.(type) {
		case ws.Data:
			p.metrics.FramesReceived.Inc()
			addr, ok := p.tracker.Get()
			if !ok {
				// No peer has sent us a datagram yet, so there is
				// nowhere to route this payload.
				p.metrics.DatagramsDropped.WithLabelValues("no_peer").Inc()
				continue
			}
			if _, err := p.socket.WriteToUDPAddrPort(ev, addr); err != nil {
				p.log.Error("udp send failed",
					slog.String("peer", addr.String()),
					slog.String("error", err.Error()))
				p.metrics.DatagramsDropped.WithLabelValues("udp_send").Inc()
				continue
			}
			p.metrics.DatagramsReturned.Inc()
			p.metrics.BytesReturned.Add(float64(len(ev)))

		case ws.Close:
			p.log.Info("peer closed connection",
				slog.Uint64("code", uint64(ev.Code)),
				slog.String("reason", ev.Reason))
			return
		}
	}
}
