package transport

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const websocketAcceptMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// sniffTimeout bounds how long sniffOne waits for the first bytes; an
// RFB client sends nothing until it has read the server's version.
const sniffTimeout = 100 * time.Millisecond

// flashPolicyResponse is the fixed cross-domain policy XML legacy
// Flash-based noVNC clients request over the same TCP port before
// attempting a WebSocket upgrade, null-terminated per the
// policy-file-request protocol.
const flashPolicyResponse = `<?xml version="1.0"?>
<cross-domain-policy>
  <allow-access-from domain="*" to-ports="*"/>
</cross-domain-policy>
` + "\x00"

// SniffingListener wraps a raw listener and, per connection, inspects
// the first bytes to decide how to frame the byte stream spec.md §6
// requires multiplexed onto one port: a Flash policy-file request
// ("<"), an HTTP WebSocket upgrade ("GET "), or a plain RFB client
// (anything else, including a direct TLS ClientHello at 0x16, which is
// passed through unmodified for the caller to layer transport.ListenTLS
// or pkg/rfb's VeNCrypt ChannelSecurity on top of).
type SniffingListener struct {
	net.Listener
}

// Sniff wraps ln so Accept returns a connection ready for
// wire.New/pkg/rfb.Server.Accept regardless of which framing the
// client used.
func Sniff(ln net.Listener) *SniffingListener {
	return &SniffingListener{Listener: ln}
}

func (l *SniffingListener) Accept() (net.Conn, error) {
	for {
		nc, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		conn, handled, err := sniffOne(nc)
		if err != nil {
			_ = nc.Close()
			continue
		}
		if handled {
			// Flash policy request: response already written and the
			// connection closed: go round for the next one.
			continue
		}
		return conn, nil
	}
}

func sniffOne(nc net.Conn) (net.Conn, bool, error) {
	br := bufio.NewReader(nc)
	_ = nc.SetReadDeadline(time.Now().Add(sniffTimeout))
	peek, err := br.Peek(4)
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil {
		// Fewer than 4 bytes within sniffTimeout (or EOF): treat as a plain
		// stream and let the caller's own reads time out/fail.
		return withPrefetch(nc, br), false, nil
	}

	switch {
	case peek[0] == '<':
		_, _ = io.WriteString(nc, flashPolicyResponse)
		_ = nc.Close()
		return nil, true, nil
	case string(peek) == "GET ":
		wsConn, err := upgradeHTTP(nc, br)
		if err != nil {
			return nil, false, err
		}
		return wsConn, false, nil
	default:
		return withPrefetch(nc, br), false, nil
	}
}

// withPrefetch returns a net.Conn that reads any bytes already
// buffered in br before falling through to nc, so the bufio.Reader
// used for sniffing never drops data.
func withPrefetch(nc net.Conn, br *bufio.Reader) net.Conn {
	if br.Buffered() == 0 {
		return nc
	}
	leftover := make([]byte, br.Buffered())
	_, _ = io.ReadFull(br, leftover)
	return &prefetchConn{Conn: nc, prefetch: leftover}
}

type prefetchConn struct {
	net.Conn
	prefetch []byte
}

func (c *prefetchConn) Read(p []byte) (int, error) {
	if len(c.prefetch) > 0 {
		n := copy(p, c.prefetch)
		c.prefetch = c.prefetch[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// upgradeHTTP performs the mandatory hybi (RFC 6455) WebSocket
// handshake directly against the raw connection — there is no genuine
// net/http.Server in front of SniffingListener to hijack — then wraps
// the same connection as a *websocket.Conn via gorilla's NewConn, the
// constructor the library itself uses once a handshake has already
// happened out of band.
func upgradeHTTP(nc net.Conn, br *bufio.Reader) (net.Conn, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	if isHixie76(req) {
		return upgradeHixie76(nc, br, req)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" || !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("transport: not a WebSocket upgrade request")
	}
	accept := computeAcceptKey(key)
	subproto, base64Framed := selectSubprotocol(req.Header.Get("Sec-WebSocket-Protocol"))

	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	resp.WriteString("Upgrade: websocket\r\n")
	resp.WriteString("Connection: Upgrade\r\n")
	resp.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	if subproto != "" {
		resp.WriteString("Sec-WebSocket-Protocol: " + subproto + "\r\n")
	}
	resp.WriteString("\r\n")
	if _, err := nc.Write(resp.Bytes()); err != nil {
		return nil, err
	}

	conn := withPrefetch(nc, br)
	ws := websocket.NewConn(conn, true, 4096, 4096)
	return newWSConn(ws, base64Framed), nil
}

// selectSubprotocol picks the framing hybi negotiates via
// Sec-WebSocket-Protocol: "binary" is preferred whenever the client
// offers it, "base64" is the mandatory text-frame fallback for
// browsers that never offer "binary" at all, and an empty offer list
// (a non-browser client that skips subprotocol negotiation entirely)
// defaults to raw binary framing.
func selectSubprotocol(offered string) (proto string, base64Framed bool) {
	if offered == "" {
		return "", false
	}
	var sawBase64 bool
	for _, p := range strings.Split(offered, ",") {
		switch strings.TrimSpace(p) {
		case "binary":
			return "binary", false
		case "base64":
			sawBase64 = true
		}
	}
	if sawBase64 {
		return "base64", true
	}
	return "", false
}

func computeAcceptKey(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, websocketAcceptMagic)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
