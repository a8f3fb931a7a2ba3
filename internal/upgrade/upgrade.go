// Package upgrade performs the HTTP/1.1 handshake that turns a raw byte
// stream into an upgraded WebSocket stream (RFC 6455 section 4). It yields
// the duplex stream the frame codec operates on; it never reads or writes
// frames itself.
package upgrade

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// webSocketGUID is the fixed key-derivation constant from RFC 6455.
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handshake errors.
var (
	ErrNotWebSocketRequest = errors.New("upgrade: not a websocket upgrade request")
	ErrMissingSecKey       = errors.New("upgrade: missing Sec-WebSocket-Key header")
	ErrBadVersion          = errors.New("upgrade: unsupported Sec-WebSocket-Version")
	ErrBadStatus           = errors.New("upgrade: server did not switch protocols")
	ErrAcceptMismatch      = errors.New("upgrade: Sec-WebSocket-Accept mismatch")
)

// Stream is the duplex byte stream left behind by a completed handshake.
// Reads go through the handshake's buffered reader so no bytes the peer
// sent immediately after the 101 response are lost.
type Stream struct {
	br   *bufio.Reader
	conn net.Conn
}

func (s *Stream) Read(p []byte) (int, error)  { return s.br.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// RemoteAddr returns the peer's transport address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Client performs the client side of the handshake over conn, requesting
// path from host. On success the returned stream is ready for framing.
func Client(conn net.Conn, host, path string) (*Stream, error) {
	key, err := generateSecKey()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "/"
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("\r\n")

	if _, err := io.WriteString(conn, req.String()); err != nil {
		return nil, fmt.Errorf("upgrade: write request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: read response: %w", err)
	}
	// The upgrade response carries no body; nothing to drain.
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, ErrBadStatus
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != AcceptKey(key) {
		return nil, ErrAcceptMismatch
	}

	return &Stream{br: br, conn: conn}, nil
}

// Accept performs the server side of the handshake over conn. The request
// path is not interpreted; any resource name is accepted.
func Accept(conn net.Conn) (*Stream, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("upgrade: read request: %w", err)
	}

	if err := validateUpgradeRequest(req); err != nil {
		writeRejection(conn, err)
		return nil, err
	}

	accept := AcceptKey(req.Header.Get("Sec-WebSocket-Key"))
	var resp strings.Builder
	resp.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	resp.WriteString("Upgrade: websocket\r\n")
	resp.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&resp, "Sec-WebSocket-Accept: %s\r\n", accept)
	resp.WriteString("\r\n")

	if _, err := io.WriteString(conn, resp.String()); err != nil {
		return nil, fmt.Errorf("upgrade: write response: %w", err)
	}

	return &Stream{br: br, conn: conn}, nil
}

// validateUpgradeRequest checks the headers RFC 6455 section 4.2.1 requires.
func validateUpgradeRequest(req *http.Request) error {
	if req.Method != http.MethodGet {
		return ErrNotWebSocketRequest
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return ErrNotWebSocketRequest
	}
	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") {
		return ErrNotWebSocketRequest
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return ErrBadVersion
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return ErrMissingSecKey
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return ErrMissingSecKey
	}
	return nil
}

// headerContainsToken reports whether a comma-separated header value
// contains token, case-insensitively.
func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// writeRejection answers a failed upgrade attempt with a plain HTTP error.
func writeRejection(conn net.Conn, cause error) {
	status := "400 Bad Request"
	if errors.Is(cause, ErrBadVersion) {
		status = "426 Upgrade Required"
	}
	fmt.Fprintf(conn, "HTTP/1.1 %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", status)
}

// AcceptKey derives the Sec-WebSocket-Accept value for a handshake key per
// RFC 6455 section 4.2.2.
func AcceptKey(secKey string) string {
	hash := sha1.Sum([]byte(secKey + webSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// generateSecKey produces a fresh base64-encoded 16-byte handshake nonce.
func generateSecKey() (string, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("upgrade: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}
