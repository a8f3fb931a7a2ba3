package upstream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/TKFRvisionOfficial/zia/internal/upgrade"
	"github.com/TKFRvisionOfficial/zia/internal/ws"
)

func TestHostPortDefaults(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ws://example.com", "example.com:80"},
		{"ws://example.com:8080", "example.com:8080"},
		{"wss://example.com", "example.com:443"},
		{"wss://example.com:9443/udp", "example.com:9443"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := hostPort(u); got != tt.want {
				t.Errorf("hostPort(%s) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestConnectRequest(t *testing.T) {
	u, _ := url.Parse("http://proxy.local:8080")
	req := connectRequest("tunnel.example.com:443", u)
	if !strings.HasPrefix(req, "CONNECT tunnel.example.com:443 HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", req)
	}
	if strings.Contains(req, "Proxy-Authorization") {
		t.Error("request without credentials should not carry Proxy-Authorization")
	}

	u.User = url.UserPassword("user", "pass")
	req = connectRequest("tunnel.example.com:443", u)
	// base64("user:pass")
	if !strings.Contains(req, "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n") {
		t.Errorf("missing basic auth header in %q", req)
	}
}

// acceptOnce runs the server side of one tunnel connection: TCP accept,
// upgrade handshake, then echo every binary frame back.
func acceptOnce(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	stream, err := upgrade.Accept(conn)
	if err != nil {
		conn.Close()
		return
	}
	server := ws.NewServerConn(stream, 65535)
	for {
		ev, err := server.Recv()
		if err != nil {
			conn.Close()
			return
		}
		data, ok := ev.(ws.Data)
		if !ok {
			conn.Close()
			return
		}
		if err := server.Send(ws.BinaryFrame(data)); err != nil {
			conn.Close()
			return
		}
	}
}

func TestDialDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go acceptOnce(t, ln)

	d := &Dialer{
		URL:        "ws://" + ln.Addr().String() + "/udp",
		MaxPayload: 65535,
		Masking:    true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	payload := []byte("datagram")
	if err := conn.Send(ws.BinaryFrame(payload)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	data, ok := ev.(ws.Data)
	if !ok {
		t.Fatalf("event = %T, want ws.Data", ev)
	}
	if string(data) != "datagram" {
		t.Errorf("echo = %q, want %q", data, payload)
	}
}

func TestDialRejectsBadScheme(t *testing.T) {
	d := &Dialer{URL: "https://example.com", MaxPayload: 65535}
	_, err := d.Dial(context.Background())
	if !errors.Is(err, ErrBadScheme) {
		t.Fatalf("Dial error = %v, want %v", err, ErrBadScheme)
	}
}

func TestDialThroughCONNECTProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sawAuth := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			conn.Close()
			return
		}
		sawAuth <- req.Header.Get("Proxy-Authorization")
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		// The same connection now plays the tunnel endpoint.
		stream, err := upgrade.Accept(conn)
		if err != nil {
			conn.Close()
			return
		}
		server := ws.NewServerConn(stream, 65535)
		ev, err := server.Recv()
		if err != nil {
			conn.Close()
			return
		}
		if data, ok := ev.(ws.Data); ok {
			server.Send(ws.BinaryFrame(data))
		}
	}()

	d := &Dialer{
		URL:           "ws://tunnel.internal:8080/udp",
		Proxy:         "http://" + ln.Addr().String(),
		ProxyUsername: "user",
		ProxyPassword: "pass",
		MaxPayload:    65535,
		Masking:       true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if auth := <-sawAuth; auth != "Basic dXNlcjpwYXNz" {
		t.Errorf("Proxy-Authorization = %q", auth)
	}

	if err := conn.Send(ws.BinaryFrame([]byte("via-proxy"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if data, ok := ev.(ws.Data); !ok || string(data) != "via-proxy" {
		t.Fatalf("echo = %v", ev)
	}
}

func TestDialProxyRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		http.ReadRequest(br)
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
		conn.Close()
	}()

	d := &Dialer{
		URL:        "ws://tunnel.internal:8080",
		Proxy:      "http://" + ln.Addr().String(),
		MaxPayload: 65535,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = d.Dial(ctx)
	if !errors.Is(err, ErrProxyRefused) {
		t.Fatalf("Dial error = %v, want %v", err, ErrProxyRefused)
	}
}

func TestConnectEstablishesPool(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	const n = 3
	go func() {
		for i := 0; i < n; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				if _, err := upgrade.Accept(conn); err != nil {
					conn.Close()
				}
			}(conn)
		}
	}()

	d := &Dialer{
		URL:        "ws://" + ln.Addr().String(),
		MaxPayload: 65535,
		Masking:    true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := d.Connect(ctx, n)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(conns) != n {
		t.Fatalf("len(conns) = %d, want %d", len(conns), n)
	}
}
