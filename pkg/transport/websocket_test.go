package transport

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// The example key/accept pair from RFC 6455 §1.3.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestDecodeHixieKeyDividesByMatchingSpaceCount(t *testing.T) {
	// "3e6b263  4 17 80" keeps the digits 3626341780 and has 4
	// spaces: 3626341780 / 4 = 906585445.
	n, err := decodeHixieKey("3e6b263  4 17 80")
	require.NoError(t, err)
	assert.Equal(t, uint32(906585445), n)
}

func TestDecodeHixieKeyRejectsNoSpaces(t *testing.T) {
	_, err := decodeHixieKey("12345")
	assert.Error(t, err)
}

func TestSelectSubprotocolPrefersBinaryWhenOffered(t *testing.T) {
	proto, base64Framed := selectSubprotocol("base64, binary")
	assert.Equal(t, "binary", proto)
	assert.False(t, base64Framed)
}

func TestSelectSubprotocolFallsBackToBase64(t *testing.T) {
	proto, base64Framed := selectSubprotocol("base64")
	assert.Equal(t, "base64", proto)
	assert.True(t, base64Framed)
}

func TestSelectSubprotocolDefaultsToBinaryFramingWhenNotOffered(t *testing.T) {
	proto, base64Framed := selectSubprotocol("")
	assert.Equal(t, "", proto)
	assert.False(t, base64Framed)
}

// TestWsConnReadDecodesBase64TextFrameRegardlessOfNegotiatedMode covers
// the case the maintainer flagged: a client sending TextMessage base64
// frames must not have that ASCII text passed through as if it were
// raw binary, even if "binary" framing was what got negotiated.
func TestWsConnReadDecodesBase64TextFrameRegardlessOfNegotiatedMode(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()
	serverWS := websocket.NewConn(serverRaw, true, 4096, 4096)
	clientWS := websocket.NewConn(clientRaw, false, 4096, 4096)

	server := newWSConn(serverWS, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload := base64.StdEncoding.EncodeToString([]byte("rfb-bytes"))
		_ = clientWS.WriteMessage(websocket.TextMessage, []byte(payload))
	}()

	buf := make([]byte, len("rfb-bytes"))
	_, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "rfb-bytes", string(buf))
	<-done
}

// TestWsConnWriteEncodesBase64WhenNegotiated checks the send direction
// for a client that only negotiated the "base64" subprotocol.
func TestWsConnWriteEncodesBase64WhenNegotiated(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()
	serverWS := websocket.NewConn(serverRaw, true, 4096, 4096)
	clientWS := websocket.NewConn(clientRaw, false, 4096, 4096)

	server := newWSConn(serverWS, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := server.Write([]byte("rfb-out"))
		assert.NoError(t, err)
	}()

	mt, data, err := clientWS.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	require.NoError(t, err)
	assert.Equal(t, "rfb-out", string(decoded))
	<-done
}
