package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TKFRvisionOfficial/zia/internal/metrics"
	"github.com/TKFRvisionOfficial/zia/internal/pool"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

// MaxDatagramSize is the staging buffer capacity of a write connection and
// the largest datagram the relay will forward in one frame.
const MaxDatagramSize = 65535

// defaultRetryInterval is how long the multiplexer sleeps when the pool is
// empty before retrying acquisition.
const defaultRetryInterval = time.Second

// readPollInterval bounds how long a blocked UDP read can delay noticing
// context cancellation.
const readPollInterval = time.Second

// WriteConn owns the write half of one framed connection plus a private
// fixed-capacity buffer staging exactly one in-flight datagram. The buffer
// is allocated once and reused for the connection's entire lifetime.
type WriteConn struct {
	conn *ws.Conn
	buf  []byte
}

// NewWriteConn wraps conn for use as a pool entry.
func NewWriteConn(conn *ws.Conn) *WriteConn {
	return &WriteConn{
		conn: conn,
		buf:  make([]byte, MaxDatagramSize),
	}
}

// IsClosed implements the pool's liveness predicate.
func (c *WriteConn) IsClosed() bool {
	return c.conn.IsClosed()
}

// flush frames the first size staged bytes and writes them to the stream.
func (c *WriteConn) flush(size int) error {
	if size > MaxDatagramSize {
		return fmt.Errorf("relay: datagram of %d bytes exceeds staging buffer", size)
	}
	return c.conn.Send(ws.BinaryFrame(c.buf[:size]))
}

// WritePoolConfig tunes the write multiplexer.
type WritePoolConfig struct {
	// RetryInterval is the backoff applied when the pool is empty.
	// Defaults to one second.
	RetryInterval time.Duration

	// RateLimit caps forwarded throughput in bytes per second.
	// Zero disables limiting.
	RateLimit int64
}

// WritePool multiplexes one UDP socket across a pool of write connections.
// Datagram reads are strictly serialized by Run; the frame writes they
// trigger are dispatched on independent goroutines and carry no ordering
// guarantee relative to each other.
type WritePool struct {
	socket  *net.UDPConn
	pool    *pool.Pool[*WriteConn]
	tracker *AddrTracker
	limiter *rate.Limiter
	retry   time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	// wg tracks outstanding flush goroutines so shutdown can await them
	// instead of abandoning detached work.
	wg sync.WaitGroup
}

// NewWritePool creates a write multiplexer over socket. The tracker is
// shared with the inbound pipeline that routes return traffic.
func NewWritePool(socket *net.UDPConn, tracker *AddrTracker, logger *slog.Logger, cfg WritePoolConfig) *WritePool {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), MaxDatagramSize)
	}
	return &WritePool{
		socket:  socket,
		pool:    pool.New[*WriteConn](),
		tracker: tracker,
		limiter: limiter,
		retry:   retry,
		log:     logger,
		metrics: metrics.Default(),
	}
}

// Push adds a write connection to the pool.
func (p *WritePool) Push(conn *WriteConn) {
	p.pool.Push(conn)
	p.metrics.PoolSize.Set(float64(p.pool.Len()))
}

// Len reports the number of idle write connections.
func (p *WritePool) Len() int {
	return p.pool.Len()
}

// Run consumes the UDP socket until ctx is cancelled or the socket fails.
// Each iteration acquires a connection, stages exactly one datagram in its
// private buffer, updates the address tracker and hands the flush off to
// its own goroutine. A failed flush drops the datagram, matching UDP's
// best-effort contract; the loop never waits for a flush to finish.
func (p *WritePool) Run(ctx context.Context) error {
	defer p.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, ok := p.pool.Acquire()
		if !ok {
			p.log.Warn("write pool is empty, backing off",
				slog.Duration("retry_in", p.retry))
			p.metrics.PoolExhausted.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retry):
			}
			continue
		}
		p.metrics.PoolSize.Set(float64(p.pool.Len()))

		// A connection can go dead between the liveness check inside
		// Acquire and here; drop it before committing a datagram to it.
		if conn.IsClosed() {
			continue
		}

		size, addr, err := p.recvDatagram(ctx, conn.buf)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.pool.Push(conn)
				return err
			}
			// The socket is gone; terminate the pipeline instead of
			// aborting the process.
			p.log.Error("udp receive failed, stopping write pipeline",
				slog.String("error", err.Error()))
			return fmt.Errorf("relay: udp receive: %w", err)
		}

		if p.tracker.Set(addr) {
			p.log.Debug("peer address changed", slog.String("peer", addr.String()))
		}
		p.metrics.DatagramsRead.Inc()

		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, size); err != nil {
				p.pool.Push(conn)
				return err
			}
		}

		p.wg.Add(1)
		go func(conn *WriteConn, size int) {
			defer p.wg.Done()
			if err := p.flushAndReturn(conn, size); err != nil {
				p.log.Error("unable to flush datagram",
					slog.String("error", err.Error()))
			}
		}(conn, size)
	}
}

// flushAndReturn writes the staged datagram and, when the connection is
// still live, returns it to the pool for reuse.
func (p *WritePool) flushAndReturn(conn *WriteConn, size int) error {
	err := conn.flush(size)
	if err != nil {
		p.metrics.DatagramsDropped.WithLabelValues("write_failed").Inc()
	} else {
		p.metrics.DatagramsForwarded.Inc()
		p.metrics.BytesForwarded.Add(float64(size))
	}
	if !conn.IsClosed() {
		p.Push(conn)
	}
	return err
}

// recvDatagram reads one datagram into buf. It polls with a short read
// deadline so a cancelled context is noticed promptly even while the
// socket is idle.
func (p *WritePool) recvDatagram(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, netip.AddrPort{}, err
		}
		if err := p.socket.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return 0, netip.AddrPort{}, err
		}
		n, addr, err := p.socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return 0, netip.AddrPort{}, err
		}
		return n, addr, nil
	}
}
