package transport

import (
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn's message framing to the plain byte
// stream wire.Conn expects, buffering the tail of a partially
// consumed inbound message across Read calls. Grounded on
// n0remac-robot-webrtc's websocket/websocket.go ReadPump/WritePump
// split, adapted from a JSON-message hub to a single raw binary
// tunnel (one connection, no rooms/broadcast).
//
// base64Framed tracks the negotiated Sec-WebSocket-Protocol: browsers
// too old to support binary frames speak the "base64" subprotocol,
// which hybi mandates as a compatibility fallback, carrying the same
// RFB byte stream base64-encoded inside TextMessage frames instead of
// raw BinaryMessage frames.
type wsConn struct {
	ws           *websocket.Conn
	base64Framed bool
	pending      []byte
}

func newWSConn(ws *websocket.Conn, base64Framed bool) *wsConn {
	return &wsConn{ws: ws, base64Framed: base64Framed}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if mt == websocket.TextMessage {
			decoded, err := base64.StdEncoding.DecodeString(string(data))
			if err != nil {
				return 0, fmt.Errorf("transport: invalid base64 websocket frame: %w", err)
			}
			data = decoded
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if c.base64Framed {
		encoded := base64.StdEncoding.EncodeToString(p)
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(encoded)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                     { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr              { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr             { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
