// Package upstream establishes the client side of the tunnel: it dials the
// remote endpoint directly or through an HTTP CONNECT or SOCKS5 proxy,
// performs the WebSocket upgrade and hands back framed connections ready
// for the relay pool.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/TKFRvisionOfficial/zia/internal/logging"
	"github.com/TKFRvisionOfficial/zia/internal/metrics"
	"github.com/TKFRvisionOfficial/zia/internal/upgrade"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

// Dialing errors.
var (
	ErrBadScheme      = errors.New("upstream: URL scheme must be ws or wss")
	ErrBadProxyScheme = errors.New("upstream: proxy scheme must be http, https or socks5")
	ErrProxyRefused   = errors.New("upstream: proxy refused CONNECT")
)

// handshakeTimeout bounds the TCP + proxy + TLS + upgrade sequence for a
// single connection when the caller's context carries no deadline.
const handshakeTimeout = 30 * time.Second

// Dialer holds everything needed to establish upstream connections.
type Dialer struct {
	// URL is the ws:// or wss:// tunnel endpoint.
	URL string

	// Proxy is an optional http://, https:// or socks5:// locator.
	Proxy string

	// ProxyUsername and ProxyPassword authenticate against the proxy.
	// Credentials embedded in the Proxy URL take precedence.
	ProxyUsername string
	ProxyPassword string

	// TLSConfig overrides the wss:// client configuration. Nil means a
	// default configuration with the endpoint host as ServerName.
	TLSConfig *tls.Config

	// MaxPayload bounds inbound frame payloads on the framed connection.
	MaxPayload int

	// Masking controls whether outbound frames are masked.
	Masking bool

	Logger *slog.Logger
}

// Dial establishes one framed connection to the endpoint.
func (d *Dialer) Dial(ctx context.Context) (*ws.Conn, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse URL: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %s", ErrBadScheme, endpoint.Scheme)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	raw, err := d.dialRaw(ctx, endpoint)
	if err != nil {
		metrics.Default().HandshakeErrors.Inc()
		return nil, err
	}

	// One deadline covers TLS and the upgrade; cleared before handing the
	// connection to the relay.
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	conn := raw
	if endpoint.Scheme == "wss" {
		tlsConn := tls.Client(raw, d.tlsConfig(endpoint))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			metrics.Default().HandshakeErrors.Inc()
			return nil, fmt.Errorf("upstream: TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	stream, err := upgrade.Client(conn, endpoint.Host, endpoint.RequestURI())
	if err != nil {
		conn.Close()
		metrics.Default().HandshakeErrors.Inc()
		return nil, err
	}
	raw.SetDeadline(time.Time{})

	d.logger().Debug("upstream connection established",
		slog.String(logging.KeyUpstream, d.URL))
	metrics.Default().RecordConnect("upstream")

	return ws.NewClientConn(stream, d.MaxPayload, d.Masking), nil
}

// Connect establishes n independent framed connections. On any failure the
// connections established so far are closed and the error returned.
func (d *Dialer) Connect(ctx context.Context, n int) ([]*ws.Conn, error) {
	conns := make([]*ws.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := d.Dial(ctx)
		if err != nil {
			for _, c := range conns {
				c.SendClose(ws.CloseGoingAway, "")
				c.Close()
			}
			return nil, fmt.Errorf("upstream: connection %d of %d: %w", i+1, n, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.NopLogger()
}

func (d *Dialer) tlsConfig(endpoint *url.URL) *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig
	}
	return &tls.Config{ServerName: endpoint.Hostname()}
}

// dialRaw produces the TCP-level connection to the endpoint, tunnelling
// through the configured proxy when one is set.
func (d *Dialer) dialRaw(ctx context.Context, endpoint *url.URL) (net.Conn, error) {
	target := hostPort(endpoint)

	if d.Proxy == "" {
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("upstream: dial %s: %w", target, err)
		}
		return conn, nil
	}

	proxyURL, err := url.Parse(d.Proxy)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse proxy URL: %w", err)
	}
	if proxyURL.User == nil && d.ProxyUsername != "" {
		proxyURL.User = url.UserPassword(d.ProxyUsername, d.ProxyPassword)
	}

	switch proxyURL.Scheme {
	case "socks5":
		return d.dialSOCKS5(ctx, proxyURL, target)
	case "http", "https":
		return d.dialCONNECT(ctx, proxyURL, target)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadProxyScheme, proxyURL.Scheme)
	}
}

// dialSOCKS5 tunnels through a SOCKS5 proxy using golang.org/x/net/proxy,
// which picks up credentials from the URL's userinfo.
func (d *Dialer) dialSOCKS5(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("upstream: socks5 proxy: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("upstream: socks5 dial %s: %w", target, err)
		}
		return conn, nil
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("upstream: socks5 dial %s: %w", target, err)
	}
	return conn, nil
}

// dialCONNECT opens a TCP tunnel through an HTTP proxy. An https:// proxy
// locator means the hop to the proxy itself is TLS.
func (d *Dialer) dialCONNECT(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		if proxyURL.Scheme == "https" {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "80")
		}
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial proxy %s: %w", proxyAddr, err)
	}

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("upstream: proxy TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := connectRequest(target, proxyURL)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrProxyRefused, resp.Status)
	}
	conn.SetDeadline(time.Time{})

	// Nothing should follow the CONNECT response until we speak, but any
	// bytes the reader buffered must not be lost.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// connectRequest renders the CONNECT request with optional basic auth.
func connectRequest(target string, proxyURL *url.URL) string {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString(
			[]byte(proxyURL.User.Username() + ":" + password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	return req + "\r\n"
}

// bufferedConn drains a handshake reader's leftover bytes before the
// underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// hostPort returns the endpoint's host:port with scheme-default ports.
func hostPort(endpoint *url.URL) string {
	if endpoint.Port() != "" {
		return endpoint.Host
	}
	if endpoint.Scheme == "wss" {
		return net.JoinHostPort(endpoint.Hostname(), "443")
	}
	return net.JoinHostPort(endpoint.Hostname(), "80")
}
